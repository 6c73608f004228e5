package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/accessgate/internal/gate"
	"github.com/odyssey-erp/accessgate/internal/rbac"
)

type fakeSessions struct {
	swept int
	err   error
}

func (f *fakeSessions) Sweep(context.Context) (int, error) {
	f.swept++
	return 3, f.err
}

type fakeLimiter struct{ swept int }

func (f *fakeLimiter) Sweep() int {
	f.swept++
	return 7
}

type fakeRoles struct {
	refreshed int
	err       error
}

func (f *fakeRoles) Refresh(context.Context) error {
	f.refreshed++
	return f.err
}

type fakeVerdicts struct{ purged int }

func (f *fakeVerdicts) PurgeCache() int {
	f.purged++
	return 1
}

type fakeBlocklist struct{ loads int }

func (f *fakeBlocklist) Load(context.Context) error {
	f.loads++
	return nil
}

type fakeBroadcast struct{ bumps int }

func (f *fakeBroadcast) Bump(context.Context) error {
	f.bumps++
	return nil
}

type observed struct {
	task string
	err  error
}

type fakeObserver struct{ runs []observed }

func (f *fakeObserver) ObserveJob(task string, _ time.Duration, err error) {
	f.runs = append(f.runs, observed{task: task, err: err})
}

func TestMaintenanceRunDispatches(t *testing.T) {
	sessions := &fakeSessions{}
	limiter := &fakeLimiter{}
	roles := &fakeRoles{}
	verdicts := &fakeVerdicts{}
	blocklist := &fakeBlocklist{}
	broadcast := &fakeBroadcast{}
	observer := &fakeObserver{}
	m := &Maintenance{Sessions: sessions, Limiter: limiter, Roles: roles, Verdicts: verdicts, Blocklist: blocklist, Broadcast: broadcast, Observer: observer}
	ctx := context.Background()

	for _, task := range Tasks {
		require.NoError(t, m.Run(ctx, task), task)
	}
	assert.Equal(t, 1, sessions.swept)
	assert.Equal(t, 1, limiter.swept)
	assert.Equal(t, 1, roles.refreshed)
	assert.Equal(t, 1, verdicts.purged)
	assert.Equal(t, 1, blocklist.loads)
	assert.Equal(t, 1, broadcast.bumps)
	require.Len(t, observer.runs, len(Tasks))

	require.ErrorIs(t, m.Run(ctx, "mail:send"), ErrUnknownTask)
}

func TestMaintenanceFailedRefreshDoesNotBroadcast(t *testing.T) {
	broadcast := &fakeBroadcast{}
	observer := &fakeObserver{}
	m := &Maintenance{Roles: &fakeRoles{err: rbac.ErrHierarchyCycle}, Broadcast: broadcast, Observer: observer}

	err := m.Run(context.Background(), TaskRoleRefresh)
	require.ErrorIs(t, err, rbac.ErrHierarchyCycle)
	assert.Zero(t, broadcast.bumps)
	require.Len(t, observer.runs, 1)
	assert.ErrorIs(t, observer.runs[0].err, rbac.ErrHierarchyCycle)
}

func TestMaintenanceMissingCollaboratorIsNoop(t *testing.T) {
	m := &Maintenance{}
	for _, task := range Tasks {
		require.NoError(t, m.Run(context.Background(), task))
	}
}

func TestHandleSkipsRetryForBadPayload(t *testing.T) {
	m := &Maintenance{Sessions: &fakeSessions{}}
	err := m.Handle(context.Background(), asynq.NewTask(TaskSessionSweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = m.Handle(context.Background(), asynq.NewTask("mail:send", nil))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewMaintenanceTask(TaskSessionSweep, MaintenancePayload{RequestedBy: "u1"})
	require.NoError(t, err)
	require.NoError(t, m.Handle(context.Background(), task))

	var payload MaintenancePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "schedule", payload.Trigger)
}

func TestHandlersCoverEveryTask(t *testing.T) {
	m := &Maintenance{}
	handlers := m.Handlers()
	require.Len(t, handlers, len(Tasks))
	for i, h := range handlers {
		assert.Equal(t, Tasks[i], h.Type)
		assert.NotNil(t, h.Handler)
	}
}

func TestSchedule(t *testing.T) {
	entries, err := Schedule("@every 1m", "@every 5m")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TaskSessionSweep, entries[0].Task.Type())
	assert.Equal(t, TaskRoleRefresh, entries[1].Task.Type())

	entries, err = Schedule("", "@every 5m")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = NewMaintenanceTask("mail:send", MaintenancePayload{})
	require.Error(t, err)
}

func TestRunEveryStopsWithContext(t *testing.T) {
	limiter := &fakeLimiter{}
	m := &Maintenance{Limiter: limiter}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunEvery(ctx, 5*time.Millisecond, TaskLimiterSweep) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunEvery did not stop")
	}
	assert.Positive(t, limiter.swept)

	require.Error(t, m.RunEvery(context.Background(), 0))
}

type fakeQueue struct {
	task, by string
	err      error
}

func (f *fakeQueue) EnqueueMaintenance(_ context.Context, taskType, requestedBy string) (string, error) {
	f.task, f.by = taskType, requestedBy
	return "job-1", f.err
}

func passGuard(string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := gate.ContextWithIdentity(r.Context(), rbac.Identity{ID: "admin-1", Active: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newJobsRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.MountRoutes(r, passGuard)
	return r
}

func TestHandlerTriggerQueued(t *testing.T) {
	queue := &fakeQueue{}
	router := newJobsRouter(NewHandler(nil, queue, nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/"+TaskRoleRefresh, nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, TaskRoleRefresh, queue.task)
	assert.Equal(t, "admin-1", queue.by)

	queue.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/"+TaskSessionSweep, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mail:send", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerTriggerLocalAndHealth(t *testing.T) {
	sessions := &fakeSessions{}
	router := newJobsRouter(NewHandler(nil, nil, &Maintenance{Sessions: sessions}, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/"+TaskSessionSweep, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sessions.swept)

	sessions.err = errors.New("boom")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/"+TaskSessionSweep, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"local","pending":0,"active":0,"retry":0,"failed_today":0,"processed_today":0}`, rec.Body.String())
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	task, err := NewMaintenanceTask(TaskSessionSweep, MaintenancePayload{})
	require.NoError(t, err)
	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Cron:      []CronRegistration{{Spec: "not a cron", Task: task}},
	})
	require.Error(t, err)
}
