package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingIntegrityCheck re-verifies the conservation checks of every stored bill.
	TaskBillingIntegrityCheck = "billing:integrity-check"
	// TaskOutstandingWarmup recomputes and caches outstanding summaries.
	TaskOutstandingWarmup = "billing:outstanding-warmup"
	// TaskIdempotencyCleanup drops idempotency keys past retention.
	TaskIdempotencyCleanup = "billing:idempotency-cleanup"
)

// IntegrityCheckPayload scopes an integrity pass.
type IntegrityCheckPayload struct {
	Trigger string `json:"trigger"`
}

// OutstandingWarmupPayload configures the warm-up fan-out.
type OutstandingWarmupPayload struct {
	Concurrency int `json:"concurrency"`
}

// IdempotencyCleanupPayload sets the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIntegrityCheckTask constructs the integrity check task.
func NewIntegrityCheckTask(trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "cron"
	}
	return newTask(TaskBillingIntegrityCheck, IntegrityCheckPayload{Trigger: trigger})
}

// NewOutstandingWarmupTask constructs the warm-up task.
func NewOutstandingWarmupTask(concurrency int) (*asynq.Task, error) {
	if concurrency <= 0 {
		concurrency = defaultWarmupConcurrency
	}
	return newTask(TaskOutstandingWarmup, OutstandingWarmupPayload{Concurrency: concurrency})
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		retention = defaultIdempotencyRetention
	}
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{Retention: retention})
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, asynq.Queue(QueueDefault)), nil
}
