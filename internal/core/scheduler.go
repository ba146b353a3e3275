// Package core provides the business logic and service layer for the CV
// ingestion pipeline.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// ScheduledJobsRepository defines the interface for scheduled jobs data operations.
// It provides concurrency-safe operations for managing scheduled tasks.
type ScheduledJobsRepository interface {
	// FindDue finds scheduled tasks that are due for execution.
	// Uses FOR UPDATE SKIP LOCKED to prevent concurrent schedulers from processing the same tasks.
	// A task is due when enabled AND (last_queued_at IS NULL OR last_queued_at + interval <= now).
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error)

	// FindDueTx is the transactional variant of FindDue; rows remain locked until tx ends.
	FindDueTx(ctx context.Context, tx *sql.Tx, p domain.FindDueParams) ([]domain.ScheduledTask, error)

	// MarkQueued updates the last_queued_at timestamp for a scheduled task.
	// Return semantics:
	//   - (true, nil): task found and updated
	//   - (false, nil): task not found
	//   - (false, err): update failed due to error
	MarkQueued(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkQueuedTx updates last_queued_at within an existing transaction.
	MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error)

	// TryWithTaskLock attempts to acquire an advisory lock for the given task name.
	// Uses FNV-1a 64-bit hash of task_name for the lock key.
	// If the lock is acquired, executes fn within the same transaction.
	// Return semantics:
	//   - (false, nil): lock not acquired; fn was not executed
	//   - (true, nil): lock acquired; fn executed and succeeded
	//   - (true, err): lock acquired; fn executed and failed with err
	TryWithTaskLock(
		ctx context.Context,
		taskName string,
		fn func(context.Context, *sql.Tx) error,
	) (bool, error)
}

// ScheduledJobsAdminRepository defines minimal admin operations for creating/updating/removing
// scheduled tasks by name. This is what the admin CLI reconciles scheduler state through.
type ScheduledJobsAdminRepository interface {
	// UpsertByTaskName creates or updates a scheduled task identified by taskName.
	// If the task exists, updates job type, payload, and scheduled_interval;
	// preserves last_queued_at.
	UpsertByTaskName(ctx context.Context, req domain.UpsertTaskParams) error
	// SetEnabled flips a task on or off without touching its definition.
	// Returns true if a row was updated.
	SetEnabled(ctx context.Context, taskName string, enabled bool) (bool, error)
	// DeleteByTaskName deletes a scheduled task by its taskName. Returns true if a row was deleted.
	DeleteByTaskName(ctx context.Context, taskName string) (bool, error)
	// List returns every scheduled task ordered by task name.
	List(ctx context.Context) ([]domain.ScheduledTask, error)
}

// JobIntrospector defines the interface for inspecting jobs spawned by a task.
// Note: "running" means status='running' AND lease_expires_at > now (unexpired lease).
type JobIntrospector interface {
	// JobStatesByTaskName returns a bitmask describing which overrun states
	// currently exist for the task.
	JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error)
}

// JobScheduler defines the interface for the scheduler service.
type JobScheduler interface {
	// Tick processes due scheduled tasks and enqueues jobs according to strategy.
	// Returns the number of tasks processed.
	Tick(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig holds configuration for the job scheduler.
type SchedulerConfig struct {
	BatchSize       int                    `json:"batch_size"`
	DefaultJobType  model.JobType          `json:"default_job_type"`
	DefaultPriority int                    `json:"default_priority"`
	MaxRetries      int                    `json:"max_retries"`
	Strategy        domain.StrategyOptions `json:"strategy"`
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:       25,
		DefaultJobType:  model.JobTypeIngest,
		DefaultPriority: 0,
		MaxRetries:      3,
		Strategy: domain.StrategyOptions{
			Overrun:       domain.OverrunPolicySkip,
			OverrunStates: domain.OverrunStatesDefault,
		},
	}
}
