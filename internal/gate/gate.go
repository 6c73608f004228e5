package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/accessgate/internal/audit"
	"github.com/odyssey-erp/accessgate/internal/ipguard"
	"github.com/odyssey-erp/accessgate/internal/platform/clock"
	"github.com/odyssey-erp/accessgate/internal/ratelimit"
	"github.com/odyssey-erp/accessgate/internal/rbac"
	"github.com/odyssey-erp/accessgate/internal/schedule"
	"github.com/odyssey-erp/accessgate/internal/session"
)

// AddressChecker is the IP stage.
type AddressChecker interface {
	Check(ctx context.Context, ip string) ipguard.Verdict
}

// RoleResolver is the read side of the role graph.
type RoleResolver interface {
	Role(id string) (rbac.Role, bool)
	ResolveIdentity(roleIDs []string) rbac.PermissionSet
	GrantingRoles(roleIDs []string, module rbac.Module, level rbac.Level) []rbac.Role
}

// Recorder observes finished decisions.
type Recorder interface {
	ObserveDecision(stage, reason string, allowed bool, elapsed time.Duration)
}

// Config wires the collaborators of a Gate. Recorder, Clock and Logger are optional.
type Config struct {
	IPGuard  AddressChecker
	Limiter  ratelimit.Limiter
	Policy   ratelimit.Policy
	Sessions session.Registry
	Roles    RoleResolver
	Schedule *schedule.Guard
	Sink     audit.Sink
	Recorder Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
}

// ErrMisconfigured is returned by New when a required collaborator is missing.
var ErrMisconfigured = errors.New("gate: missing collaborator")

// Gate runs the authorization pipeline:
// IP → rate limit → session → permission → schedule, stopping at the first denial.
type Gate struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// New validates cfg and builds a Gate.
func New(cfg Config) (*Gate, error) {
	switch {
	case cfg.IPGuard == nil:
		return nil, fmt.Errorf("%w: ip guard", ErrMisconfigured)
	case cfg.Limiter == nil:
		return nil, fmt.Errorf("%w: rate limiter", ErrMisconfigured)
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("%w: session registry", ErrMisconfigured)
	case cfg.Roles == nil:
		return nil, fmt.Errorf("%w: role resolver", ErrMisconfigured)
	case cfg.Sink == nil:
		return nil, fmt.Errorf("%w: event sink", ErrMisconfigured)
	}
	if cfg.Schedule == nil {
		cfg.Schedule = schedule.NewGuard(time.UTC)
	}
	if cfg.Policy.Limits == nil {
		cfg.Policy = ratelimit.DefaultPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, clock: clock.OrSystem(cfg.Clock), logger: logger}, nil
}

// evaluation carries state between stages of one call.
type evaluation struct {
	identity rbac.Identity
	action   string
	req      Request
	// roleIDs are the identity's roles that admit the source address.
	roleIDs []string
	module  rbac.Module
	level   rbac.Level
}

type stageFunc func(ctx context.Context, ev *evaluation) (Decision, bool)

// Authorize decides whether identity may perform action on resource. It never
// returns an error: every failure is a denied Decision. Exactly one security
// event is emitted per call.
func (g *Gate) Authorize(ctx context.Context, identity rbac.Identity, action, resource string, req Request) Decision {
	started := time.Now()
	if req.Timestamp.IsZero() {
		req.Timestamp = g.clock.Now()
	}
	ev := &evaluation{identity: identity, action: action, req: req}

	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageIPChecked, g.checkAddress},
		{StageRateChecked, g.checkRate},
		{StageSessionChecked, g.checkSession},
		{StagePermissionChecked, g.checkPermission},
		{StageScheduleChecked, g.checkSchedule},
	}

	decision := Decision{Allowed: true, Stage: StageDecided}
	for _, s := range stages {
		d, ok := s.run(ctx, ev)
		if !ok {
			d.Stage = s.stage
			decision = d
			break
		}
		g.logger.DebugContext(ctx, "authorize stage passed",
			slog.String("identity_id", identity.ID),
			slog.String("action", action),
			slog.String("stage", s.stage.String()))
	}

	g.emit(ctx, ev, resource, decision)
	if g.cfg.Recorder != nil {
		g.cfg.Recorder.ObserveDecision(decision.Stage.String(), string(decision.Reason), decision.Allowed, time.Since(started))
	}
	return decision
}

func deny(reason Reason, detail string) (Decision, bool) {
	return Decision{Reason: reason, Detail: detail}, false
}

func (g *Gate) checkAddress(ctx context.Context, ev *evaluation) (Decision, bool) {
	verdict := g.cfg.IPGuard.Check(ctx, ev.req.IP)
	if !verdict.Allowed {
		return deny(ReasonIPBlocked, string(verdict.Reason))
	}
	// Unknown roles are dropped here and left to the permission stage.
	ranged := false
	for _, id := range ev.identity.RoleIDs {
		role, ok := g.cfg.Roles.Role(id)
		if !ok {
			continue
		}
		if role.Restrictions == nil || len(role.Restrictions.IPRanges) == 0 {
			ev.roleIDs = append(ev.roleIDs, id)
			continue
		}
		ranged = true
		if ipguard.InRanges(ev.req.IP, role.Restrictions.IPRanges) {
			ev.roleIDs = append(ev.roleIDs, id)
		}
	}
	if ranged && len(ev.roleIDs) == 0 {
		return deny(ReasonIPBlocked, "address outside role ip ranges")
	}
	return Decision{}, true
}

func (g *Gate) checkRate(ctx context.Context, ev *evaluation) (Decision, bool) {
	key := ratelimit.Key{IP: ev.req.IP, Action: ev.action}
	res, err := g.cfg.Limiter.Allow(ctx, key, g.cfg.Policy.WindowOrDefault(), g.cfg.Policy.LimitFor(ev.action))
	if err != nil {
		g.logger.ErrorContext(ctx, "rate limiter failed", slog.String("key", key.String()), slog.Any("error", err))
		d, _ := deny(ReasonRateLimited, "rate limiter unavailable")
		d.RetryAfter = time.Second
		return d, false
	}
	if !res.Allowed {
		d, _ := deny(ReasonRateLimited, fmt.Sprintf("limit %d per %s", g.cfg.Policy.LimitFor(ev.action), g.cfg.Policy.WindowOrDefault()))
		d.RetryAfter = res.RetryAfter
		return d, false
	}
	return Decision{}, true
}

func (g *Gate) checkSession(ctx context.Context, ev *evaluation) (Decision, bool) {
	if ev.req.SessionID == "" {
		return deny(ReasonSessionInvalid, "missing session")
	}
	if _, err := g.cfg.Sessions.Validate(ctx, ev.req.SessionID, ev.identity.ID); err != nil {
		if errors.Is(err, session.ErrOwnerMismatch) {
			g.logger.WarnContext(ctx, "session presented by another identity",
				slog.String("identity_id", ev.identity.ID),
				slog.String("session", audit.Fingerprint(ev.req.SessionID)))
		}
		return deny(ReasonSessionInvalid, err.Error())
	}
	return Decision{}, true
}

func (g *Gate) checkPermission(_ context.Context, ev *evaluation) (Decision, bool) {
	if !ev.identity.Active {
		return deny(ReasonPermissionDenied, "identity inactive")
	}
	module, level, err := rbac.ParseAction(ev.action)
	if err != nil {
		return deny(ReasonPermissionDenied, err.Error())
	}
	ev.module, ev.level = module, level
	if !rbac.HasPermission(g.cfg.Roles.ResolveIdentity(ev.roleIDs), module, level) {
		return deny(ReasonPermissionDenied, fmt.Sprintf("missing %s.%s", module, level))
	}
	return Decision{}, true
}

// checkSchedule passes when any role granting the permission is inside its windows.
func (g *Gate) checkSchedule(_ context.Context, ev *evaluation) (Decision, bool) {
	var last schedule.Result
	for _, role := range g.cfg.Roles.GrantingRoles(ev.roleIDs, ev.module, ev.level) {
		res := g.cfg.Schedule.Evaluate(role.Restrictions, ev.req.Timestamp)
		if res.Allowed {
			return Decision{}, true
		}
		last = res
	}
	return deny(ReasonScheduleRestricted, last.Detail)
}

func (g *Gate) emit(ctx context.Context, ev *evaluation, resource string, d Decision) {
	event := audit.SecurityEvent{
		IdentityID:         ev.identity.ID,
		Action:             ev.action,
		Resource:           resource,
		IP:                 ev.req.IP,
		SessionFingerprint: audit.Fingerprint(ev.req.SessionID),
		Stage:              d.Stage.String(),
		Reason:             string(d.Reason),
		Detail:             d.Detail,
		Allowed:            d.Allowed,
	}.Stamp(g.clock.Now())
	if err := g.cfg.Sink.LogEvent(ctx, event); err != nil {
		g.logger.ErrorContext(ctx, "log security event", slog.String("event_id", event.ID.String()), slog.Any("error", err))
	}
}
