package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

var (
	// ErrNotFound indicates the session id is not live.
	ErrNotFound = errors.New("session: not found")
	// ErrOwnerMismatch indicates the session was presented by another identity. The session is evicted.
	ErrOwnerMismatch = errors.New("session: identity mismatch")
	// ErrExpired indicates the absolute expiry has passed.
	ErrExpired = errors.New("session: expired")
	// ErrIdle indicates the idle timeout elapsed since the last activity.
	ErrIdle = errors.New("session: idle timeout")
	// ErrExists indicates a live session already uses the id.
	ErrExists = errors.New("session: id already registered")
	// ErrReused indicates the id belonged to an evicted session.
	ErrReused = errors.New("session: id was evicted and cannot be reused")
	// ErrInvalid indicates a malformed session.
	ErrInvalid = errors.New("session: invalid session")
)

// Session is a login session issued by the external login flow.
type Session struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"identity_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Registry tracks live sessions. Eviction is terminal: an evicted id never validates or registers again.
type Registry interface {
	Register(ctx context.Context, s Session) error
	Validate(ctx context.Context, id, identityID string) (Session, error)
	Revoke(ctx context.Context, id string) error
	Sweep(ctx context.Context) (int, error)
}

// Options configures registry behaviour shared by every backend.
type Options struct {
	// IdleTimeout evicts sessions without activity for longer than this. Zero disables it.
	IdleTimeout time.Duration
	Clock       clock.Clock
}

func (o Options) clock() clock.Clock {
	return clock.OrSystem(o.Clock)
}

// prepare fills defaulted timestamps and rejects malformed sessions.
func prepare(s Session, now time.Time) (Session, error) {
	s.ID = strings.TrimSpace(s.ID)
	s.IdentityID = strings.TrimSpace(s.IdentityID)
	if s.ID == "" || s.IdentityID == "" {
		return Session{}, fmt.Errorf("%w: id and identity are required", ErrInvalid)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return Session{}, fmt.Errorf("%w: expiry must follow creation", ErrInvalid)
	}
	if now.After(s.ExpiresAt) {
		return Session{}, ErrExpired
	}
	return s, nil
}

// check applies the ownership, expiry and idle rules in that order.
func (s Session) check(now time.Time, identityID string, idle time.Duration) error {
	if s.IdentityID != identityID {
		return ErrOwnerMismatch
	}
	if now.After(s.ExpiresAt) {
		return ErrExpired
	}
	if idle > 0 && now.Sub(s.LastActivity) > idle {
		return ErrIdle
	}
	return nil
}

// stale reports whether a sweep should evict s.
func (s Session) stale(now time.Time, idle time.Duration) bool {
	return now.After(s.ExpiresAt) || (idle > 0 && now.Sub(s.LastActivity) > idle)
}
