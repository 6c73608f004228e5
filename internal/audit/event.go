package audit

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// SecurityEvent is one authorization outcome. Exactly one is emitted per Authorize call.
type SecurityEvent struct {
	ID                 uuid.UUID `json:"id"`
	At                 time.Time `json:"at"`
	IdentityID         string    `json:"identity_id"`
	Action             string    `json:"action"`
	Resource           string    `json:"resource"`
	IP                 string    `json:"ip"`
	SessionFingerprint string    `json:"session_fingerprint,omitempty"`
	Stage              string    `json:"stage"`
	Reason             string    `json:"reason,omitempty"`
	Detail             string    `json:"detail,omitempty"`
	Allowed            bool      `json:"allowed"`
}

// Sink receives security events. Implementations must be safe for concurrent use.
type Sink interface {
	LogEvent(ctx context.Context, event SecurityEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event SecurityEvent) error

// LogEvent implements Sink.
func (f SinkFunc) LogEvent(ctx context.Context, event SecurityEvent) error {
	return f(ctx, event)
}

// Fingerprint derives a stable, non-reversible label for a session token so
// events can be correlated without storing the token.
func Fingerprint(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:8])
}

// Stamp fills the event id and time when unset.
func (e SecurityEvent) Stamp(now time.Time) SecurityEvent {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
	return e
}
