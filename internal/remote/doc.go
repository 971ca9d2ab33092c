// Package remote wraps calls to the remote management backend.
//
// A call names a capability by a dotted path such as "server.poweron". The
// Client resolves the path against a freshly connected Handle before every
// attempt, retries transient failures at a fixed interval, and reports a
// single Fatal error once the attempt budget is spent. Authorization
// failures are never retried.
//
// Credentials come from a TokenSource. A CredentialCache reuses an
// exchanged credential until it is within 30 seconds of expiry; a static
// token skips the cache entirely. Which of the two is used is decided when
// the Client is built.
package remote
