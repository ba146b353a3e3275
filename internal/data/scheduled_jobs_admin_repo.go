package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/jackc/pgx/v5"
)

// ScheduledJobsAdminRepo provides admin operations for scheduled_jobs (upsert/delete by task name).
// This is separate from the concurrency-focused ScheduledJobsRepo used by the scheduler tick loop.
type ScheduledJobsAdminRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduledJobsAdminRepo creates a new ScheduledJobsAdminRepo instance with the given database connection.
func NewScheduledJobsAdminRepo(db *sql.DB) *ScheduledJobsAdminRepo {
	return &ScheduledJobsAdminRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewScheduledJobsAdminRepoWithTimeProvider allows injecting a custom time provider (for testing).
func NewScheduledJobsAdminRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *ScheduledJobsAdminRepo {
	return &ScheduledJobsAdminRepo{DB: db, timeProvider: tp}
}

// UpsertByTaskName creates or updates a scheduled job identified by taskName.
// Updates job type, payload and scheduled_interval; preserves last_queued_at.
func (r *ScheduledJobsAdminRepo) UpsertByTaskName(ctx context.Context, req domain.UpsertTaskParams) error {
	if req.TaskName == "" {
		return errors.New("taskName is required")
	}
	if !req.JobType.Valid() {
		return fmt.Errorf("invalid job type: %q", req.JobType)
	}
	secs := int64(req.Interval / time.Second)
	if secs <= 0 {
		return errors.New("interval must be positive")
	}
	now := r.timeProvider.Now().UTC()

	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	var policyVal any
	if req.OverrunPolicy != nil {
		policyVal = string(*req.OverrunPolicy)
	}

	var stateVal any
	if req.OverrunStates != nil {
		stateVal = int16(*req.OverrunStates)
	}

	q := `
		INSERT INTO scheduled_jobs (task_name, job_type, payload, scheduled_interval, overrun_policy, overrun_states, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, ($4::int * interval '1 second'), COALESCE($5, 'skip'), $6, $7, $8, $8)
	ON CONFLICT (task_name) DO UPDATE
	SET job_type = EXCLUDED.job_type,
	    payload = EXCLUDED.payload,
	    scheduled_interval = EXCLUDED.scheduled_interval,
	    overrun_policy = COALESCE($5, scheduled_jobs.overrun_policy),
	    overrun_states = COALESCE($6, scheduled_jobs.overrun_states),
	    enabled = EXCLUDED.enabled,
	    updated_at = EXCLUDED.updated_at
	`
	_, err := r.DB.ExecContext(ctx, q, req.TaskName, string(req.JobType), []byte(payload), secs, policyVal, stateVal, req.Enabled, now)
	if err != nil {
		return fmt.Errorf("upsert scheduled_job: %w", err)
	}
	return nil
}

// SetEnabled toggles a task without touching its schedule. Returns false when
// no task carries the name.
func (r *ScheduledJobsAdminRepo) SetEnabled(ctx context.Context, taskName string, enabled bool) (bool, error) {
	if taskName == "" {
		return false, errors.New("taskName is required")
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET enabled = $2, updated_at = $3
		WHERE task_name = $1
	`, taskName, enabled, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("toggle scheduled_job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns every scheduled task ordered by task name.
func (r *ScheduledJobsAdminRepo) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	var tasks []domain.ScheduledTask
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+scheduledJobColumns+`
			FROM scheduled_jobs
			ORDER BY task_name ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks, err = pgx.CollectRows(rows, rowToScheduledTask)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list scheduled_jobs: %w", err)
	}
	return tasks, nil
}

// DeleteByTaskName deletes a scheduled job identified by taskName.
func (r *ScheduledJobsAdminRepo) DeleteByTaskName(ctx context.Context, taskName string) (bool, error) {
	if taskName == "" {
		return false, errors.New("taskName is required")
	}
	q := `DELETE FROM scheduled_jobs WHERE task_name = $1`
	res, err := r.DB.ExecContext(ctx, q, taskName)
	if err != nil {
		return false, fmt.Errorf("delete scheduled_job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
