package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidQuota is returned when window or limit is not positive.
var ErrInvalidQuota = errors.New("ratelimit: window and limit must be positive")

// DefaultWindow is the sliding window applied to every action.
const DefaultWindow = time.Minute

// Key identifies one sliding-window bucket.
type Key struct {
	IP     string
	Action string
}

func (k Key) String() string {
	return k.IP + "|" + k.Action
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is set on denial: the time until the oldest retained request leaves the window.
	RetryAfter time.Duration
}

// Limiter bounds the number of requests per key inside a trailing window.
// A denied request is not recorded.
type Limiter interface {
	Allow(ctx context.Context, key Key, window time.Duration, limit int) (Result, error)
}

// Policy maps actions to their per-window limits.
type Policy struct {
	Window time.Duration
	// Limits is keyed by exact action ("orders.delete") or by level wildcard ("*.delete").
	Limits map[string]int
}

// DefaultPolicy returns the built-in action table.
func DefaultPolicy() Policy {
	return Policy{
		Window: DefaultWindow,
		Limits: map[string]int{
			"*.read":          120,
			"*.create":        30,
			"*.update":        60,
			"*.delete":        10,
			"*.manage":        5,
			"security.manage": 3,
		},
	}
}

// WithOverrides returns a copy of p with limits replaced or added.
func (p Policy) WithOverrides(overrides map[string]int) Policy {
	out := Policy{Window: p.Window, Limits: make(map[string]int, len(p.Limits)+len(overrides))}
	for action, limit := range p.Limits {
		out.Limits[action] = limit
	}
	for action, limit := range overrides {
		if limit > 0 {
			out.Limits[strings.ToLower(strings.TrimSpace(action))] = limit
		}
	}
	return out
}

// LimitFor resolves the limit for action. Unknown actions get the lowest configured limit.
func (p Policy) LimitFor(action string) int {
	action = strings.ToLower(strings.TrimSpace(action))
	if limit, ok := p.Limits[action]; ok {
		return limit
	}
	if idx := strings.LastIndex(action, "."); idx >= 0 {
		if limit, ok := p.Limits["*"+action[idx:]]; ok {
			return limit
		}
	}
	return p.lowest()
}

func (p Policy) lowest() int {
	lowest := 0
	for _, limit := range p.Limits {
		if limit > 0 && (lowest == 0 || limit < lowest) {
			lowest = limit
		}
	}
	if lowest == 0 {
		return 1
	}
	return lowest
}

// WindowOrDefault returns the configured window, falling back to DefaultWindow.
func (p Policy) WindowOrDefault() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}
