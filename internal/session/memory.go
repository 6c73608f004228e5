package session

import (
	"context"
	"sync"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

// MemoryRegistry keeps sessions in process memory.
type MemoryRegistry struct {
	opts  Options
	clock clock.Clock

	mu         sync.Mutex
	live       map[string]Session
	tombstones map[string]struct{}
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry(opts Options) *MemoryRegistry {
	return &MemoryRegistry{
		opts:       opts,
		clock:      opts.clock(),
		live:       make(map[string]Session),
		tombstones: make(map[string]struct{}),
	}
}

// Register adds a freshly issued session.
func (r *MemoryRegistry) Register(_ context.Context, s Session) error {
	s, err := prepare(s, r.clock.Now())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dead := r.tombstones[s.ID]; dead {
		return ErrReused
	}
	if _, ok := r.live[s.ID]; ok {
		return ErrExists
	}
	r.live[s.ID] = s
	return nil
}

// Validate checks ownership and expiry, evicting on failure, and refreshes LastActivity on success.
func (r *MemoryRegistry) Validate(_ context.Context, id, identityID string) (Session, error) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if err := s.check(now, identityID, r.opts.IdleTimeout); err != nil {
		r.evictLocked(id)
		return Session{}, err
	}
	s.LastActivity = now
	r.live[id] = s
	return s, nil
}

// Revoke ends a session on logout.
func (r *MemoryRegistry) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return ErrNotFound
	}
	r.evictLocked(id)
	return nil
}

// Sweep evicts expired and idle sessions.
func (r *MemoryRegistry) Sweep(_ context.Context) (int, error) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.live {
		if s.stale(now, r.opts.IdleTimeout) {
			r.evictLocked(id)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of live sessions.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *MemoryRegistry) evictLocked(id string) {
	delete(r.live, id)
	r.tombstones[id] = struct{}{}
}
