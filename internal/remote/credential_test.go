package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/bmconductor/internal/node"
)

// fakeAuthenticator hands out numbered tokens valid for ttl.
type fakeAuthenticator struct {
	clock clock.Clock
	ttl   time.Duration
	err   error
	calls atomic.Int32
}

func (f *fakeAuthenticator) Authenticate(context.Context) (Credential, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return Credential{}, f.err
	}
	return Credential{
		Token:     fmt.Sprintf("token-%d", n),
		ExpiresAt: f.clock.Now().Add(f.ttl),
	}, nil
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return clk
}

func TestCredentialCache_ReuseBeyondMargin(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	auth := &fakeAuthenticator{clock: clk, ttl: time.Hour}
	cache := NewCredentialCache(auth, WithCacheClock(clk))
	cache.Prime(Credential{Token: "cached", ExpiresAt: clk.Now().Add(31 * time.Second)})

	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached", token)
	assert.Equal(t, int32(0), auth.calls.Load())
}

func TestCredentialCache_RefreshWithinMargin(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	auth := &fakeAuthenticator{clock: clk, ttl: time.Hour}
	cache := NewCredentialCache(auth, WithCacheClock(clk))
	cache.Prime(Credential{Token: "cached", ExpiresAt: clk.Now().Add(29 * time.Second)})

	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, int32(1), auth.calls.Load())

	cur, ok := cache.Current()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Hour), cur.ExpiresAt)
}

func TestCredentialCache_ExactMarginRefreshes(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	auth := &fakeAuthenticator{clock: clk, ttl: time.Hour}
	cache := NewCredentialCache(auth, WithCacheClock(clk))
	cache.Prime(Credential{Token: "cached", ExpiresAt: clk.Now().Add(ExpiryMargin)})

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), auth.calls.Load())
}

func TestCredentialCache_EmptyThenReuse(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	auth := &fakeAuthenticator{clock: clk, ttl: time.Minute}
	cache := NewCredentialCache(auth, WithCacheClock(clk))

	_, ok := cache.Current()
	assert.False(t, ok)

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	second, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), auth.calls.Load())

	// 31s left: still reused. 29s left: refreshed.
	clk.Add(29 * time.Second)
	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), auth.calls.Load())

	clk.Add(2 * time.Second)
	third, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, int32(2), auth.calls.Load())
}

func TestCredentialCache_FailedRefreshKeepsEntry(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	authErr := &node.Error{Kind: node.KindAuthFailure, Msg: "rejected"}
	auth := &fakeAuthenticator{clock: clk, err: authErr}
	cache := NewCredentialCache(auth, WithCacheClock(clk))
	stale := Credential{Token: "stale", ExpiresAt: clk.Now().Add(10 * time.Second)}
	cache.Prime(stale)

	_, err := cache.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, authErr))

	cur, ok := cache.Current()
	require.True(t, ok)
	assert.Equal(t, stale, cur)
}

func TestCredentialCache_ExpiryNormalizedToUTC(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	cache := NewCredentialCache(&fakeAuthenticator{clock: clk}, WithCacheClock(clk))

	berlin := time.FixedZone("CET", 3600)
	cache.Prime(Credential{Token: "t", ExpiresAt: clk.Now().Add(time.Minute).In(berlin)})

	cur, ok := cache.Current()
	require.True(t, ok)
	assert.Equal(t, time.UTC, cur.ExpiresAt.Location())

	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t", token)
}

func TestCredentialCache_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	clk := newMockClock()
	auth := &fakeAuthenticator{clock: clk, ttl: time.Hour}
	cache := NewCredentialCache(auth, WithCacheClock(clk))

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			assert.NoError(t, err)
			assert.NotEmpty(t, token)
		}()
	}
	wg.Wait()

	// Racing refreshes are tolerated; every caller got a token and the
	// cache holds one of them.
	assert.GreaterOrEqual(t, auth.calls.Load(), int32(1))
	_, ok := cache.Current()
	assert.True(t, ok)
}

func TestStaticToken(t *testing.T) {
	t.Parallel()

	token, err := StaticToken("admin-token").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin-token", token)
}

func TestCredentialCache_Metrics(t *testing.T) {
	credentialRefreshTotal.Reset()

	clk := newMockClock()
	ok := NewCredentialCache(&fakeAuthenticator{clock: clk, ttl: time.Hour}, WithCacheClock(clk), WithCacheMetrics(true))
	_, _ = ok.Token(context.Background())
	failing := NewCredentialCache(&fakeAuthenticator{clock: clk, err: errors.New("down")}, WithCacheClock(clk), WithCacheMetrics(true))
	_, _ = failing.Token(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(credentialRefreshTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(credentialRefreshTotal.WithLabelValues("failure")))
}
