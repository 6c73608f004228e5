package gate

import (
	"errors"
	"time"
)

// Stage is a step of the authorization pipeline.
type Stage int

// Stages in evaluation order.
const (
	StageStart Stage = iota
	StageIPChecked
	StageRateChecked
	StageSessionChecked
	StagePermissionChecked
	StageScheduleChecked
	StageDecided
)

var stageNames = [...]string{
	StageStart:             "start",
	StageIPChecked:         "ip_checked",
	StageRateChecked:       "rate_checked",
	StageSessionChecked:    "session_checked",
	StagePermissionChecked: "permission_checked",
	StageScheduleChecked:   "schedule_checked",
	StageDecided:           "decided",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason is the denial kind carried by a Decision.
type Reason string

// Denial reasons. An allowed decision has no reason.
const (
	ReasonNone               Reason = ""
	ReasonIPBlocked          Reason = "ip_blocked"
	ReasonRateLimited        Reason = "rate_limit_exceeded"
	ReasonSessionInvalid     Reason = "session_invalid"
	ReasonPermissionDenied   Reason = "permission_denied"
	ReasonScheduleRestricted Reason = "schedule_restricted"
)

var (
	ErrIPBlocked          = errors.New("gate: ip blocked")
	ErrRateLimited        = errors.New("gate: rate limit exceeded")
	ErrSessionInvalid     = errors.New("gate: session invalid")
	ErrPermissionDenied   = errors.New("gate: permission denied")
	ErrScheduleRestricted = errors.New("gate: outside permitted schedule")
)

// Err returns the sentinel for r, or nil for ReasonNone.
func (r Reason) Err() error {
	switch r {
	case ReasonIPBlocked:
		return ErrIPBlocked
	case ReasonRateLimited:
		return ErrRateLimited
	case ReasonSessionInvalid:
		return ErrSessionInvalid
	case ReasonPermissionDenied:
		return ErrPermissionDenied
	case ReasonScheduleRestricted:
		return ErrScheduleRestricted
	}
	return nil
}

// Retryable reports whether a caller may retry after backoff.
// Only rate limiting is transient; every other denial is stable.
func (r Reason) Retryable() bool {
	return r == ReasonRateLimited
}

// Request is the per-call context of an authorization.
type Request struct {
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// Decision is the outcome of Authorize. Stage names the check that denied
// (StageIPChecked for an address denial, StageRateChecked for throttling and
// so on), or StageDecided when every check passed.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Stage      Stage         `json:"stage"`
	RetryAfter time.Duration `json:"-"`
}

// Err returns nil for an allowed decision and the reason's sentinel otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return d.Reason.Err()
}
