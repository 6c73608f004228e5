package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskSessionSweep evicts expired and idle sessions.
	TaskSessionSweep = "sessions:sweep"
	// TaskLimiterSweep drops rate-limit buckets whose window emptied.
	TaskLimiterSweep = "ratelimit:sweep"
	// TaskRoleRefresh reloads the role graph from the store.
	TaskRoleRefresh = "roles:refresh"
	// TaskVerdictPurge drops expired reputation verdicts.
	TaskVerdictPurge = "reputation:purge"
	// TaskBlocklistReload reloads the blocklist from the shared store.
	TaskBlocklistReload = "blocklist:reload"
)

// Tasks lists every maintenance task type.
var Tasks = []string{TaskSessionSweep, TaskLimiterSweep, TaskRoleRefresh, TaskVerdictPurge, TaskBlocklistReload}

// MaintenancePayload records who asked for a run.
type MaintenancePayload struct {
	Trigger     string    `json:"trigger"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// KnownTask reports whether taskType is a maintenance task.
func KnownTask(taskType string) bool {
	for _, t := range Tasks {
		if t == taskType {
			return true
		}
	}
	return false
}

// NewMaintenanceTask constructs an Asynq task for one maintenance routine.
func NewMaintenanceTask(taskType string, payload MaintenancePayload) (*asynq.Task, error) {
	if !KnownTask(taskType) {
		return nil, fmt.Errorf("jobs: unknown task %q", taskType)
	}
	if payload.Trigger == "" {
		payload.Trigger = "schedule"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, asynq.Queue(QueueDefault), asynq.MaxRetry(2), asynq.Timeout(time.Minute)), nil
}
