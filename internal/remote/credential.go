package remote

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ExpiryMargin is the remaining validity below which a cached credential is
// refreshed.
const ExpiryMargin = 30 * time.Second

// Credential is a bearer token and its absolute expiry in UTC.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// validAt reports whether the credential has more than margin of validity
// left at now.
func (c *Credential) validAt(now time.Time, margin time.Duration) bool {
	return c.ExpiresAt.UTC().After(now.UTC().Add(margin))
}

// Authenticator exchanges configured secrets for a fresh credential.
type Authenticator interface {
	Authenticate(ctx context.Context) (Credential, error)
}

// TokenSource supplies the token used to connect before each attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a long-lived token used as is.
type StaticToken string

// Token returns the static token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// CredentialCache holds the most recent exchanged credential. It starts
// empty and is only ever replaced by a successful exchange. Readers never
// block: concurrent callers that all see a stale entry may each refresh,
// and the last successful exchange wins.
type CredentialCache struct {
	auth          Authenticator
	clock         clock.Clock
	margin        time.Duration
	current       atomic.Pointer[Credential]
	enableMetrics bool
}

// CacheOption configures a CredentialCache.
type CacheOption func(*CredentialCache)

// WithCacheClock sets the clock used to judge expiry.
func WithCacheClock(clk clock.Clock) CacheOption {
	return func(c *CredentialCache) {
		c.clock = clk
	}
}

// WithCacheMetrics enables Prometheus metrics for refreshes.
func WithCacheMetrics(enabled bool) CacheOption {
	return func(c *CredentialCache) {
		c.enableMetrics = enabled
	}
}

// NewCredentialCache creates an empty cache in front of auth.
func NewCredentialCache(auth Authenticator, opts ...CacheOption) *CredentialCache {
	c := &CredentialCache{auth: auth, clock: clock.New(), margin: ExpiryMargin}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token if it is still valid beyond the margin,
// and exchanges a new one otherwise.
func (c *CredentialCache) Token(ctx context.Context) (string, error) {
	logger := log.FromContext(ctx)

	if cur := c.current.Load(); cur != nil && cur.validAt(c.clock.Now(), c.margin) {
		logger.V(1).Info("reusing cached credential", "expiresAt", cur.ExpiresAt)
		return cur.Token, nil
	}

	cred, err := c.auth.Authenticate(ctx)
	if err != nil {
		c.record("failure")
		return "", err
	}
	cred.ExpiresAt = cred.ExpiresAt.UTC()
	c.current.Store(&cred)
	c.record("success")
	logger.V(1).Info("refreshed credential", "expiresAt", cred.ExpiresAt)
	return cred.Token, nil
}

// Current returns a copy of the cached credential, if any.
func (c *CredentialCache) Current() (Credential, bool) {
	cur := c.current.Load()
	if cur == nil {
		return Credential{}, false
	}
	return *cur, true
}

// Prime installs cred as the cached credential.
func (c *CredentialCache) Prime(cred Credential) {
	cred.ExpiresAt = cred.ExpiresAt.UTC()
	c.current.Store(&cred)
}

func (c *CredentialCache) record(result string) {
	if c.enableMetrics {
		recordCredentialRefreshMetric(result)
	}
}
