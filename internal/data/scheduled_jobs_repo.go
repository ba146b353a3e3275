package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/jackc/pgx/v5"
)

// ScheduledJobsRepo provides database operations for scheduled jobs management.
type ScheduledJobsRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduledJobsRepo creates a new ScheduledJobsRepo instance with the given database connection.
func NewScheduledJobsRepo(db *sql.DB) *ScheduledJobsRepo {
	return &ScheduledJobsRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewScheduledJobsRepoWithTimeProvider creates a ScheduledJobsRepo with a custom TimeProvider (useful for testing).
func NewScheduledJobsRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ScheduledJobsRepo {
	return &ScheduledJobsRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// fnvHash computes FNV-1a 64-bit hash of the given string for use as advisory lock key.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	// Advisory locks accept BIGINT; constrain the unsigned hash into int64 range before casting.
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- value is explicitly bounded to <= MaxInt64 before casting to int64.
}

const scheduledJobColumns = `
  id,
  task_name,
  job_type,
  payload,
  EXTRACT(EPOCH FROM scheduled_interval)::bigint AS interval_seconds,
  enabled,
  last_queued_at,
  updated_at,
  overrun_policy,
  overrun_states
`

const scheduledJobFindDueQuery = `
	SELECT ` + scheduledJobColumns + `
	FROM scheduled_jobs
	WHERE enabled
		AND (last_queued_at IS NULL OR last_queued_at + scheduled_interval <= $1)
	ORDER BY
		CASE WHEN last_queued_at IS NULL THEN 0 ELSE 1 END,
		last_queued_at ASC,
		created_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
`

// FindDue finds enabled tasks that are due for queueing.
// Uses FOR UPDATE SKIP LOCKED to prevent concurrent schedulers from processing the same tasks.
// A task is due when last_queued_at IS NULL OR last_queued_at + interval <= now.
func (r *ScheduledJobsRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var tasks []domain.ScheduledTask
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, scheduledJobFindDueQuery, now.UTC(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks, err = pgx.CollectRows(rows, rowToScheduledTask)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	return tasks, nil
}

// FindDueTx is the transactional variant of FindDue. It must be paired with any updates
// (e.g., MarkQueued) within the same transaction to ensure SKIP LOCKED semantics hold
// across selection and subsequent updates.
func (r *ScheduledJobsRepo) FindDueTx(
	ctx context.Context,
	tx *sql.Tx,
	p domain.FindDueParams,
) ([]domain.ScheduledTask, error) {
	if p.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", p.Limit)
	}

	rows, err := tx.QueryContext(ctx, scheduledJobFindDueQuery, p.Now.UTC(), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		task, scanErr := scanScheduledTaskFromSQLRows(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", rowsErr)
	}
	return tasks, nil
}

// MarkQueued updates the last_queued_at timestamp for a scheduled task.
// Return semantics:
//   - (true, nil): task found and updated
//   - (false, nil): task not found
//   - (false, err): update failed due to error
func (r *ScheduledJobsRepo) MarkQueued(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, scheduledJobMarkQueuedQuery,
		id, now.UTC(), r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update scheduled task: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkQueuedTx updates last_queued_at within an existing transaction.
// Use this with FindDueTx to ensure selection and update happen under the same locks.
func (r *ScheduledJobsRepo) MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error) {
	res, err := tx.ExecContext(ctx, scheduledJobMarkQueuedQuery,
		p.ID, p.Now.UTC(), r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update scheduled task (tx): %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected (tx): %w", err)
	}
	return rowsAffected > 0, nil
}

// TryWithTaskLock attempts to acquire an advisory lock for the given task name.
// Uses FNV-1a 64-bit hash of task_name for the lock key.
// If the lock is acquired, executes fn within the same transaction.
// Return semantics:
//   - (false, nil): lock not acquired; fn was not executed
//   - (true, nil): lock acquired; fn executed and succeeded
//   - (true, err): lock acquired; fn executed and failed with err
func (r *ScheduledJobsRepo) TryWithTaskLock(
	ctx context.Context,
	taskName string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	lockKey := fnvHash(taskName)

	var locked bool
	var fnErr error

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock for task %s: %w", taskName, err)
			}
			if !locked {
				return nil
			}
			// Lock acquired. The transaction commits regardless of fn's
			// outcome; fn's error is surfaced separately.
			fnErr = fn(ctx, tx)
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return locked, fnErr
}

// scheduledTaskRow represents the database row structure for scheduled tasks.
// This struct matches the database schema exactly, allowing pgx.RowToStructByName to work.
type scheduledTaskRow struct {
	ID              string         `db:"id"`
	TaskName        string         `db:"task_name"`
	JobType         string         `db:"job_type"`
	Payload         []byte         `db:"payload"`
	IntervalSeconds sql.NullInt64  `db:"interval_seconds"`
	Enabled         bool           `db:"enabled"`
	LastQueuedAt    sql.NullTime   `db:"last_queued_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	OverrunPolicy   sql.NullString `db:"overrun_policy"`
	OverrunStates   sql.NullInt64  `db:"overrun_states"`
}

// toDomainScheduledTask converts a scheduledTaskRow to domain.ScheduledTask.
func (r *scheduledTaskRow) toDomainScheduledTask() domain.ScheduledTask {
	if r == nil {
		return domain.ScheduledTask{}
	}

	task := domain.ScheduledTask{
		ID:        r.ID,
		TaskName:  r.TaskName,
		JobType:   model.JobType(r.JobType),
		Enabled:   r.Enabled,
		UpdatedAt: r.UpdatedAt,
	}

	if r.IntervalSeconds.Valid {
		task.Interval = time.Duration(r.IntervalSeconds.Int64) * time.Second
	}
	if r.Payload != nil {
		task.Payload = json.RawMessage(r.Payload)
	}
	if r.LastQueuedAt.Valid {
		task.LastQueuedAt = &r.LastQueuedAt.Time
	}
	if r.OverrunPolicy.Valid {
		p := domain.OverrunPolicy(r.OverrunPolicy.String)
		task.OverrunPolicy = &p
	}
	if r.OverrunStates.Valid {
		if val := r.OverrunStates.Int64; val >= 0 && val <= math.MaxUint8 {
			mask := domain.OverrunStateMask(val)
			task.OverrunStates = &mask
		}
	}

	return task
}

// rowToScheduledTask maps a pgx row to domain.ScheduledTask using pgx v5 generics.
func rowToScheduledTask(row pgx.CollectableRow) (domain.ScheduledTask, error) {
	dbRow, err := pgx.RowToStructByName[scheduledTaskRow](row)
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("scan scheduled task row: %w", err)
	}
	return dbRow.toDomainScheduledTask(), nil
}

// scanScheduledTaskFromSQLRows scans a database/sql row into a ScheduledTask struct.
// This is used for methods that work with database/sql instead of pgx.
func scanScheduledTaskFromSQLRows(rows *sql.Rows) (domain.ScheduledTask, error) {
	var dbRow scheduledTaskRow
	err := rows.Scan(
		&dbRow.ID,
		&dbRow.TaskName,
		&dbRow.JobType,
		&dbRow.Payload,
		&dbRow.IntervalSeconds,
		&dbRow.Enabled,
		&dbRow.LastQueuedAt,
		&dbRow.UpdatedAt,
		&dbRow.OverrunPolicy,
		&dbRow.OverrunStates,
	)
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("scan scheduled task row: %w", err)
	}
	return dbRow.toDomainScheduledTask(), nil
}

const scheduledJobMarkQueuedQuery = `
	UPDATE scheduled_jobs
	SET last_queued_at = $2, updated_at = $3
	WHERE id = $1`
