package ipguard

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

// DefaultLookupTimeout bounds a single reputation lookup.
const DefaultLookupTimeout = 500 * time.Millisecond

// VerdictReason explains a Check result.
type VerdictReason string

const (
	ReasonClean                 VerdictReason = "clean"
	ReasonInvalidAddress        VerdictReason = "invalid_address"
	ReasonBlocklisted           VerdictReason = "blocklisted"
	ReasonReputationFlagged     VerdictReason = "reputation_flagged"
	ReasonReputationUnavailable VerdictReason = "reputation_unavailable"
)

// Verdict is the outcome of a Check.
type Verdict struct {
	Allowed bool
	Reason  VerdictReason
	Cached  bool
}

// LookupObserver receives the outcome and latency of every remote lookup.
type LookupObserver interface {
	ObserveReputationLookup(outcome string, elapsed time.Duration)
}

// Options tunes a Guard.
type Options struct {
	LookupTimeout time.Duration
	// FailOpen allows traffic when the reputation lookup errors or times out.
	FailOpen bool
	CacheTTL time.Duration
	Store    BlocklistStore
	Observer LookupObserver
	Clock    clock.Clock
	Logger   *slog.Logger
}

type cachedVerdict struct {
	blocked bool
	expires time.Time
}

// Guard checks source addresses against the blocklist and the reputation provider.
type Guard struct {
	blocklist *Blocklist
	provider  ReputationProvider
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger

	flights singleflight.Group

	cacheMu sync.Mutex
	cache   map[netip.Addr]cachedVerdict
}

// NewGuard constructs a guard. A nil provider disables reputation lookups.
func NewGuard(blocklist *Blocklist, provider ReputationProvider, opts Options) *Guard {
	if blocklist == nil {
		blocklist, _ = NewBlocklist()
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		blocklist: blocklist,
		provider:  provider,
		opts:      opts,
		clock:     clock.OrSystem(opts.Clock),
		logger:    logger,
		cache:     make(map[netip.Addr]cachedVerdict),
	}
}

// Blocklist exposes the in-memory list.
func (g *Guard) Blocklist() *Blocklist {
	return g.blocklist
}

// IsAllowed is Check reduced to a boolean.
func (g *Guard) IsAllowed(ctx context.Context, ip string) bool {
	return g.Check(ctx, ip).Allowed
}

// Check decides whether ip may proceed. Blocklisted addresses are denied
// without any I/O. Lookup failures follow the fail-open setting.
func (g *Guard) Check(ctx context.Context, ip string) Verdict {
	addr, err := ParseAddr(ip)
	if err != nil {
		return Verdict{Reason: ReasonInvalidAddress}
	}
	if g.blocklist.Contains(addr) {
		return Verdict{Reason: ReasonBlocklisted}
	}
	if g.provider == nil {
		return Verdict{Allowed: true, Reason: ReasonClean}
	}
	if blocked, ok := g.cached(addr); ok {
		return verdictFor(blocked, true)
	}

	blocked, err := g.lookup(ctx, addr)
	if err != nil {
		g.logger.Warn("reputation lookup failed",
			slog.String("ip", addr.String()),
			slog.Bool("fail_open", g.opts.FailOpen),
			slog.Any("error", err))
		return Verdict{Allowed: g.opts.FailOpen, Reason: ReasonReputationUnavailable}
	}
	return verdictFor(blocked, false)
}

func verdictFor(blocked, cached bool) Verdict {
	if blocked {
		return Verdict{Reason: ReasonReputationFlagged, Cached: cached}
	}
	return Verdict{Allowed: true, Reason: ReasonClean, Cached: cached}
}

// lookup coalesces concurrent lookups for the same address. The flight runs
// detached from any single caller and is bounded by LookupTimeout; each caller
// stops waiting when its own context ends.
func (g *Guard) lookup(ctx context.Context, addr netip.Addr) (bool, error) {
	key := addr.String()
	ch := g.flights.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.LookupTimeout)
		defer cancel()

		started := time.Now()
		blocked, err := g.provider.Lookup(flightCtx, key)
		if err == nil && flightCtx.Err() != nil {
			err = flightCtx.Err()
		}
		g.observe(outcome(blocked, err), time.Since(started))
		if err != nil {
			return false, err
		}
		g.store(addr, blocked)
		return blocked, nil
	})

	timer := time.NewTimer(g.opts.LookupTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, context.DeadlineExceeded
	}
}

func outcome(blocked bool, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "error"
	case blocked:
		return "flagged"
	default:
		return "clean"
	}
}

func (g *Guard) observe(outcome string, elapsed time.Duration) {
	if g.opts.Observer != nil {
		g.opts.Observer.ObserveReputationLookup(outcome, elapsed)
	}
}

func (g *Guard) cached(addr netip.Addr) (bool, bool) {
	if g.opts.CacheTTL <= 0 {
		return false, false
	}
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	v, ok := g.cache[addr]
	if !ok || !g.clock.Now().Before(v.expires) {
		return false, false
	}
	return v.blocked, true
}

func (g *Guard) store(addr netip.Addr, blocked bool) {
	if g.opts.CacheTTL <= 0 {
		return
	}
	g.cacheMu.Lock()
	g.cache[addr] = cachedVerdict{blocked: blocked, expires: g.clock.Now().Add(g.opts.CacheTTL)}
	g.cacheMu.Unlock()
}

// PurgeCache drops expired verdicts and returns how many were removed.
func (g *Guard) PurgeCache() int {
	now := g.clock.Now()
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	removed := 0
	for addr, v := range g.cache {
		if !now.Before(v.expires) {
			delete(g.cache, addr)
			removed++
		}
	}
	return removed
}

// Load replaces the in-memory blocklist with the stored entries.
func (g *Guard) Load(ctx context.Context) error {
	if g.opts.Store == nil {
		return nil
	}
	entries, err := g.opts.Store.Load(ctx)
	if err != nil {
		return err
	}
	return g.blocklist.Replace(entries)
}

// Watch reloads the in-memory blocklist whenever the store announces a
// change from any replica. Stores that cannot announce changes are ignored.
func (g *Guard) Watch(ctx context.Context) error {
	watcher, ok := g.opts.Store.(BlocklistWatcher)
	if !ok {
		return nil
	}
	return watcher.Watch(ctx, func() {
		if err := g.Load(ctx); err != nil {
			g.logger.WarnContext(ctx, "reload blocklist", slog.Any("error", err))
		}
	})
}

// Block persists entry, then adds it to the in-memory list.
func (g *Guard) Block(ctx context.Context, entry string) error {
	p, err := ParseEntry(entry)
	if err != nil {
		return err
	}
	canonical := CanonicalEntry(p)
	if g.opts.Store != nil {
		if err := g.opts.Store.Add(ctx, canonical); err != nil {
			return err
		}
	}
	return g.blocklist.Add(canonical)
}

// Unblock removes entry from the store and the in-memory list.
func (g *Guard) Unblock(ctx context.Context, entry string) (bool, error) {
	p, err := ParseEntry(entry)
	if err != nil {
		return false, err
	}
	canonical := CanonicalEntry(p)
	if g.opts.Store != nil {
		if err := g.opts.Store.Remove(ctx, canonical); err != nil {
			return false, err
		}
	}
	return g.blocklist.Remove(canonical)
}

// CanonicalEntry is the stored form of p: a bare address for single hosts.
func CanonicalEntry(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().String()
	}
	return p.String()
}
