package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// ErrUnknownTask is returned for task types Maintenance does not run.
var ErrUnknownTask = errors.New("jobs: unknown task")

// SessionSweeper evicts dead sessions.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// LimiterSweeper drops idle rate-limit buckets.
type LimiterSweeper interface {
	Sweep() int
}

// RoleRefresher reloads the role graph.
type RoleRefresher interface {
	Refresh(ctx context.Context) error
}

// VerdictPurger drops expired cached reputation verdicts.
type VerdictPurger interface {
	PurgeCache() int
}

// BlocklistReloader reloads the in-memory blocklist from its store.
type BlocklistReloader interface {
	Load(ctx context.Context) error
}

// Broadcaster tells other replicas to reload.
type Broadcaster interface {
	Bump(ctx context.Context) error
}

// JobObserver records job outcomes.
type JobObserver interface {
	ObserveJob(task string, elapsed time.Duration, err error)
}

// Maintenance runs the periodic housekeeping of one process. Nil
// collaborators make their task a no-op.
type Maintenance struct {
	Sessions  SessionSweeper
	Limiter   LimiterSweeper
	Roles     RoleRefresher
	Verdicts  VerdictPurger
	Blocklist BlocklistReloader
	Broadcast Broadcaster
	Observer  JobObserver
	Logger    *slog.Logger
}

// Run executes one task synchronously.
func (m *Maintenance) Run(ctx context.Context, taskType string) (err error) {
	if m == nil {
		return errors.New("jobs: maintenance not configured")
	}
	if !KnownTask(taskType) {
		return fmt.Errorf("%w: %q", ErrUnknownTask, taskType)
	}
	start := time.Now()
	defer func() {
		if m.Observer != nil {
			m.Observer.ObserveJob(taskType, time.Since(start), err)
		}
	}()

	log := m.log().With(slog.String("job", taskType))
	var affected int
	switch taskType {
	case TaskSessionSweep:
		if m.Sessions == nil {
			return nil
		}
		affected, err = m.Sessions.Sweep(ctx)
	case TaskLimiterSweep:
		if m.Limiter == nil {
			return nil
		}
		affected = m.Limiter.Sweep()
	case TaskRoleRefresh:
		if m.Roles == nil {
			return nil
		}
		if err = m.Roles.Refresh(ctx); err == nil && m.Broadcast != nil {
			if berr := m.Broadcast.Bump(ctx); berr != nil {
				log.Warn("broadcast role refresh", slog.Any("error", berr))
			}
		}
	case TaskVerdictPurge:
		if m.Verdicts == nil {
			return nil
		}
		affected = m.Verdicts.PurgeCache()
	case TaskBlocklistReload:
		if m.Blocklist == nil {
			return nil
		}
		err = m.Blocklist.Load(ctx)
	}
	if err != nil {
		log.Error("maintenance failed", slog.Any("error", err))
		return err
	}
	log.Debug("maintenance done", slog.Int("affected", affected), slog.Duration("duration", time.Since(start)))
	return nil
}

// Handle adapts Run to the Asynq handler signature.
func (m *Maintenance) Handle(ctx context.Context, task *asynq.Task) error {
	var payload MaintenancePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	if payload.RequestedBy != "" {
		m.log().Info("manual maintenance", slog.String("job", task.Type()), slog.String("requested_by", payload.RequestedBy))
	}
	err := m.Run(ctx, task.Type())
	if errors.Is(err, ErrUnknownTask) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// Handlers registers Handle for every maintenance task.
func (m *Maintenance) Handlers() []TaskHandler {
	out := make([]TaskHandler, 0, len(Tasks))
	for _, t := range Tasks {
		out = append(out, TaskHandler{Type: t, Handler: m.Handle})
	}
	return out
}

// Schedule builds the cron entries for state shared between replicas: the
// session sweep on sweepSpec and the role refresh on refreshSpec. An empty
// spec disables its task.
func Schedule(sweepSpec, refreshSpec string) ([]CronRegistration, error) {
	var out []CronRegistration
	add := func(spec, taskType string) error {
		if spec == "" {
			return nil
		}
		task, err := NewMaintenanceTask(taskType, MaintenancePayload{Trigger: "schedule"})
		if err != nil {
			return err
		}
		// One pending instance per task type.
		out = append(out, CronRegistration{Spec: spec, Task: task, Options: []asynq.Option{asynq.Unique(time.Minute)}})
		return nil
	}
	if err := add(sweepSpec, TaskSessionSweep); err != nil {
		return nil, err
	}
	if err := add(refreshSpec, TaskRoleRefresh); err != nil {
		return nil, err
	}
	return out, nil
}

// RunEvery runs every task on each tick until ctx is done. It serves
// process-local state that a shared queue cannot reach.
func (m *Maintenance) RunEvery(ctx context.Context, tick time.Duration, tasks ...string) error {
	if tick <= 0 {
		return fmt.Errorf("jobs: tick must be positive")
	}
	if len(tasks) == 0 {
		tasks = Tasks
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, t := range tasks {
				// Failures are logged and observed by Run; the loop keeps going.
				_ = m.Run(ctx, t)
			}
		}
	}
}

func (m *Maintenance) log() *slog.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
