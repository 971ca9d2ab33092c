// Package hcloud exposes the Hetzner Cloud API as a remote backend handle.
//
// # Capabilities
//
// A Backend publishes its operations as a remote.Namespace so the
// resilient remote client can address them by dotted path:
//
//   - server.get: fetch one server by id
//   - server.list: list all servers
//   - server.poweron, server.poweroff, server.shutdown, server.reset
//   - server.enable_rescue, server.disable_rescue
//
// Every action waits for the resulting hcloud action to finish before
// returning.
//
// # Error Classification
//
// Classify maps hcloud error codes onto node error kinds. Locking,
// conflict, rate limiting, maintenance and service errors are transient
// and retried by the remote client; unauthorized and forbidden are
// authentication failures; everything else is fatal.
package hcloud
