package ipguard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

type countingProvider struct {
	calls   atomic.Int32
	blocked bool
	err     error
	release chan struct{}
}

func (p *countingProvider) Lookup(ctx context.Context, _ string) (bool, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return p.blocked, p.err
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveReputationLookup(outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func TestBlocklistedAddressSkipsLookup(t *testing.T) {
	list, err := NewBlocklist("203.0.113.9", "198.51.100.0/24")
	require.NoError(t, err)
	provider := &countingProvider{}
	g := NewGuard(list, provider, Options{})

	v := g.Check(context.Background(), "203.0.113.9")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonBlocklisted, v.Reason)

	v = g.Check(context.Background(), "198.51.100.77")
	assert.Equal(t, ReasonBlocklisted, v.Reason)

	v = g.Check(context.Background(), "::ffff:203.0.113.9")
	assert.Equal(t, ReasonBlocklisted, v.Reason, "mapped addresses match their IPv4 form")

	assert.Zero(t, provider.calls.Load())
}

func TestInvalidAddressIsBlocked(t *testing.T) {
	g := NewGuard(nil, nil, Options{})
	v := g.Check(context.Background(), "not-an-ip")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonInvalidAddress, v.Reason)
	assert.True(t, g.IsAllowed(context.Background(), "192.0.2.1"))
}

func TestReputationFlagged(t *testing.T) {
	observer := &recordingObserver{}
	g := NewGuard(nil, &countingProvider{blocked: true}, Options{Observer: observer})
	v := g.Check(context.Background(), "192.0.2.10")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonReputationFlagged, v.Reason)
	assert.Equal(t, []string{"flagged"}, observer.outcomes)
}

func TestLookupTimeoutFailsClosed(t *testing.T) {
	provider := &countingProvider{release: make(chan struct{})}
	defer close(provider.release)
	observer := &recordingObserver{}
	g := NewGuard(nil, provider, Options{LookupTimeout: 30 * time.Millisecond, Observer: observer})

	started := time.Now()
	v := g.Check(context.Background(), "192.0.2.11")
	assert.Less(t, time.Since(started), time.Second)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonReputationUnavailable, v.Reason)

	require.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return len(observer.outcomes) == 1 && observer.outcomes[0] == "timeout"
	}, time.Second, 5*time.Millisecond)
}

func TestLookupErrorFailOpen(t *testing.T) {
	provider := &countingProvider{err: assert.AnError}
	closed := NewGuard(nil, provider, Options{})
	open := NewGuard(nil, provider, Options{FailOpen: true})

	assert.False(t, closed.IsAllowed(context.Background(), "192.0.2.12"))
	v := open.Check(context.Background(), "192.0.2.12")
	assert.True(t, v.Allowed)
	assert.Equal(t, ReasonReputationUnavailable, v.Reason)
}

func TestVerdictCache(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	provider := &countingProvider{}
	g := NewGuard(nil, provider, Options{CacheTTL: time.Minute, Clock: fake})
	ctx := context.Background()

	require.False(t, g.Check(ctx, "192.0.2.20").Cached)
	v := g.Check(ctx, "192.0.2.20")
	assert.True(t, v.Allowed)
	assert.True(t, v.Cached)
	assert.EqualValues(t, 1, provider.calls.Load())

	fake.Advance(2 * time.Minute)
	assert.Equal(t, 1, g.PurgeCache())
	require.False(t, g.Check(ctx, "192.0.2.20").Cached)
	assert.EqualValues(t, 2, provider.calls.Load())
}

func TestConcurrentLookupsAreCoalesced(t *testing.T) {
	provider := &countingProvider{release: make(chan struct{})}
	g := NewGuard(nil, provider, Options{LookupTimeout: 2 * time.Second, CacheTTL: time.Minute})

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.IsAllowed(context.Background(), "192.0.2.30")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	assert.EqualValues(t, 1, provider.calls.Load())
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestHTTPReputationClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/ip/192.0.2.66":
			_ = json.NewEncoder(w).Encode(map[string]any{"blocked": true, "score": 97})
		case "/v1/ip/192.0.2.67":
			_ = json.NewEncoder(w).Encode(map[string]any{"blocked": false})
		case "/v1/ip/192.0.2.68":
			time.Sleep(200 * time.Millisecond)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	client := NewHTTPReputationClient(srv.URL+"/", "secret")
	blocked, err := client.Lookup(context.Background(), "192.0.2.66")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = client.Lookup(context.Background(), "192.0.2.67")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = client.Lookup(context.Background(), "192.0.2.1")
	require.Error(t, err)

	g := NewGuard(nil, client, Options{LookupTimeout: 20 * time.Millisecond})
	v := g.Check(context.Background(), "192.0.2.68")
	assert.Equal(t, ReasonReputationUnavailable, v.Reason)
	assert.False(t, v.Allowed)
}

func TestBlockAndUnblockPersist(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisBlocklistStore(client)
	ctx := context.Background()

	g := NewGuard(nil, nil, Options{Store: store})
	require.NoError(t, g.Block(ctx, " 203.0.113.5 "))
	require.NoError(t, g.Block(ctx, "10.1.2.3/16"))
	require.ErrorIs(t, g.Block(ctx, "nope"), ErrInvalidAddress)
	assert.False(t, g.IsAllowed(ctx, "10.1.200.1"))

	restarted := NewGuard(nil, nil, Options{Store: store})
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, []string{"10.1.0.0/16", "203.0.113.5"}, restarted.Blocklist().Entries())

	removed, err := restarted.Unblock(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, restarted.IsAllowed(ctx, "203.0.113.5"))

	members, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.0.0/16"}, members)
}

func TestWatchPropagatesBlocklistBetweenGuards(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newReplica := func() *Guard {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		g := NewGuard(nil, nil, Options{Store: NewRedisBlocklistStore(client)})
		require.NoError(t, g.Load(ctx))
		require.NoError(t, g.Watch(ctx))
		return g
	}
	a, b := newReplica(), newReplica()

	require.NoError(t, a.Block(ctx, "198.51.100.9"))
	assert.False(t, a.IsAllowed(ctx, "198.51.100.9"))
	require.Eventually(t, func() bool {
		return !b.IsAllowed(ctx, "198.51.100.9")
	}, 2*time.Second, 10*time.Millisecond)

	_, err := b.Unblock(ctx, "198.51.100.9")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.IsAllowed(ctx, "198.51.100.9")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchWithoutStoreIsNoop(t *testing.T) {
	g := NewGuard(nil, nil, Options{})
	require.NoError(t, g.Watch(context.Background()))
}

func TestInRanges(t *testing.T) {
	ranges := []string{"10.0.0.0/8", "192.168.1.10", "garbage", "2001:db8::/32"}
	assert.True(t, InRanges("10.20.30.40", ranges))
	assert.True(t, InRanges("192.168.1.10", ranges))
	assert.True(t, InRanges("2001:db8::1", ranges))
	assert.False(t, InRanges("192.168.1.11", ranges))
	assert.False(t, InRanges("bad", ranges))
	assert.False(t, InRanges("10.0.0.1", nil))
}
