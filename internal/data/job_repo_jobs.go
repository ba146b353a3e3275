package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// insertJobParams groups parameters for inserting a job within a transaction.
type insertJobParams struct {
	Req              *model.CreateJobRequest
	Payload          []byte
	FailureTolerance float64
	MaxRetries       int
}

const (
	defaultRetryDelaySeconds = 30
	defaultFailureTolerance  = 0.5
	// retryBackoffCap bounds the exponential retry delay at base * 2^cap.
	retryBackoffCap = 6
)

func (r *JobRepo) retryDelay() int {
	if r.cfg.RetryDelaySeconds > 0 {
		return r.cfg.RetryDelaySeconds
	}
	return defaultRetryDelaySeconds
}

// SQL used by ReserveNext to atomically reserve the next job. The wall-clock
// deadline starts on first entry into running, not at creation, so queue
// latency never eats into a job's budget.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE type = $1 AND status = 'queued' AND scheduled_at <= $2
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $3),
    deadline_at = COALESCE(j.deadline_at,
      CASE WHEN j.deadline_seconds > 0
           THEN $3::timestamptz + make_interval(secs => j.deadline_seconds) END),
    lease_expires_at = $4,
    updated_at = $5
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.type, j.status, j.priority, j.payload, j.failure_tolerance, j.avg_page_ms, j.pages_sampled, j.error_summary, j.retry_count, j.max_retries, j.last_error, j.scheduled_task, j.pause_requested_at, j.cancel_requested_at, j.lease_expires_at, j.deadline_seconds, j.deadline_at, j.scheduled_at, j.started_at, j.paused_at, j.resumed_at, j.cancelled_at, j.completed_at, j.created_at, j.updated_at`

// Create creates a new job in the database with the given parameters.
func (r *JobRepo) Create(
	ctx context.Context,
	req *model.CreateJobRequest,
) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}

	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	payload, tolerance, maxRetries, err := r.prepareJobData(req)
	if err != nil {
		return nil, err
	}

	p := &insertJobParams{
		Req:              req,
		Payload:          payload,
		FailureTolerance: tolerance,
		MaxRetries:       maxRetries,
	}

	var job *model.Job
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var insertErr error
			job, insertErr = r.insertJobInTx(ctx, tx, p)
			return insertErr
		},
	}); txErr != nil {
		return nil, txErr
	}

	return job, nil
}

// prepareJobData prepares the payload, failure tolerance, and maxRetries for job creation.
func (r *JobRepo) prepareJobData(req *model.CreateJobRequest) ([]byte, float64, int, error) {
	if req == nil {
		return nil, 0, 0, errors.New("create job request is required")
	}

	payload := []byte(`{}`)
	if len(req.Payload) > 0 {
		if !json.Valid(req.Payload) {
			return nil, 0, 0, errors.New("payload must be valid JSON")
		}
		payload = req.Payload
	}

	tolerance := defaultFailureTolerance
	if req.FailureTolerance != nil {
		tolerance = *req.FailureTolerance
	}

	maxRetries := 3
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	return payload, tolerance, maxRetries, nil
}

// insertJobInTx inserts a job plus its per-source rows within a pgx.Tx and
// returns the created job.
func (r *JobRepo) insertJobInTx(ctx context.Context, tx pgx.Tx, params *insertJobParams) (*model.Job, error) {
	if params == nil || params.Req == nil {
		return nil, errors.New("insert job params are required")
	}

	query, args := r.buildInsertQuery(params)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job, collectErr := collectJobFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect job: %w", collectErr)
	}

	if len(params.Req.SourceIDs) > 0 {
		if _, execErr := tx.Exec(ctx, `
			INSERT INTO job_sources (job_id, source_id)
			SELECT $1, unnest($2::uuid[])
			ON CONFLICT DO NOTHING
		`, job.ID, params.Req.SourceIDs); execErr != nil {
			return nil, fmt.Errorf("insert job sources: %w", execErr)
		}
	}

	channel := "job_added_" + string(params.Req.Type)
	if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); execErr != nil {
		return nil, fmt.Errorf("send job notification: %w", execErr)
	}

	return job, nil
}

// buildInsertQuery builds an INSERT statement for a job based on the provided parameters.
func (r *JobRepo) buildInsertQuery(p *insertJobParams) (string, []any) {
	if p == nil || p.Req == nil {
		return "", nil
	}

	query := `
      INSERT INTO jobs(type, status, priority, payload, failure_tolerance, max_retries, deadline_seconds, scheduled_task, scheduled_at)
      VALUES ($1,'pending',$2,$3,$4,$5,$6,$7,$8)
      RETURNING ` + jobColumns

	var scheduledAt time.Time
	if p.Req.ScheduledAt != nil {
		scheduledAt = p.Req.ScheduledAt.UTC()
	} else {
		scheduledAt = r.timeProvider.Now().UTC()
	}

	args := []any{
		p.Req.Type,
		p.Req.Priority,
		p.Payload,
		p.FailureTolerance,
		p.MaxRetries,
		p.Req.DeadlineSeconds,
		p.Req.ScheduledTask,
		scheduledAt,
	}
	return query, args
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, errorSummary               []byte
	lastError, scheduledTask            sql.NullString
	pauseRequestedAt, cancelRequestedAt sql.NullTime
	leaseExpiresAt, deadlineAt          sql.NullTime
	startedAt, pausedAt, resumedAt      sql.NullTime
	cancelledAt, completedAt            sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&d.payload,
		&job.FailureTolerance,
		&job.AvgPageMS,
		&job.PagesSampled,
		&d.errorSummary,
		&job.RetryCount,
		&job.MaxRetries,
		&d.lastError,
		&d.scheduledTask,
		&d.pauseRequestedAt,
		&d.cancelRequestedAt,
		&d.leaseExpiresAt,
		&job.DeadlineSeconds,
		&d.deadlineAt,
		&job.ScheduledAt,
		&d.startedAt,
		&d.pausedAt,
		&d.resumedAt,
		&d.cancelledAt,
		&d.completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.Payload = cloneJSON(d.payload)
	if len(d.errorSummary) > 0 {
		if err := json.Unmarshal(d.errorSummary, &job.Errors); err != nil {
			return fmt.Errorf("decode error summary: %w", err)
		}
	}
	job.LastError = cloneNullableString(d.lastError)
	job.ScheduledTask = cloneNullableString(d.scheduledTask)
	job.PauseRequestedAt = cloneNullableTime(d.pauseRequestedAt)
	job.CancelRequestedAt = cloneNullableTime(d.cancelRequestedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	job.DeadlineAt = cloneNullableTime(d.deadlineAt)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.PausedAt = cloneNullableTime(d.pausedAt)
	job.ResumedAt = cloneNullableTime(d.resumedAt)
	job.CancelledAt = cloneNullableTime(d.cancelledAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock namespaces for the maintenance sweeps, keyed per job type to
// avoid cross-job-type contention.
const (
	advisoryLockRequeueMajor int64 = 1001
	advisoryLockPromoteMajor int64 = 1002
)

func advisoryLockJobTypeMinor(jobType model.JobType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobType))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// sweepLocked runs fn inside a transaction holding the (major, minor) advisory
// lock, returning 0 without error when another worker holds the lock.
func (r *JobRepo) sweepLocked(
	ctx context.Context,
	major int64,
	jobType model.JobType,
	fn func(tx *sql.Tx) (int64, error),
) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockJobTypeMinor(jobType)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", major, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			ra, err := fn(tx)
			if err != nil {
				return err
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// promoteDue moves due pending jobs of the given type to queued and returns
// the number of jobs promoted.
func (r *JobRepo) promoteDue(ctx context.Context, jobType model.JobType) (int64, error) {
	return r.sweepLocked(ctx, advisoryLockPromoteMajor, jobType, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now().UTC()
		res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET status = 'queued', updated_at = $2
          WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
        `, jobType, currentTime)
		if err != nil {
			return 0, fmt.Errorf("promote due: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		return ra, nil
	})
}

// requeueExpired requeues running jobs with expired leases and returns the
// number of jobs requeued. Paused jobs are deliberately excluded: they wait
// for an operator resume even when the parked worker has died.
func (r *JobRepo) requeueExpired(ctx context.Context, jobType model.JobType) (int64, error) {
	return r.sweepLocked(ctx, advisoryLockRequeueMajor, jobType, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now().UTC()
		res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET status = 'queued', lease_expires_at = NULL, updated_at = $2
          WHERE type = $1 AND status = 'running'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
        `, jobType, currentTime)
		if err != nil {
			return 0, fmt.Errorf("requeue expired: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		return ra, nil
	})
}

// ReserveNext reserves the next available job of the given type for processing.
func (r *JobRepo) ReserveNext(
	ctx context.Context,
	jobType model.JobType,
	leaseSeconds int,
) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("invalid job type: %s", jobType)
	}

	if _, err := r.promoteDue(ctx, jobType); err != nil {
		return nil, fmt.Errorf("promote due jobs: %w", err)
	}
	if _, err := r.requeueExpired(ctx, jobType); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveNextUpdateSQL,
				jobType,
				currentTime.UTC(),
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j

			// A lease takeover can leave sources marked running by the
			// previous worker. Cursor and pages_done survive the reset so the
			// new worker resumes from the checkpoint.
			if _, execErr := tx.Exec(ctx, `
				UPDATE job_sources
				SET status = 'pending', started_at = NULL
				WHERE job_id = $1 AND status = 'running'
			`, job.ID); execErr != nil {
				return fmt.Errorf("reset stale job sources: %w", execErr)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running or paused job. Paused jobs stay
// leased because the parked worker still owns them while polling for resume.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status IN ('running', 'paused')
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, nil
	}

	return true, nil
}

// Complete marks a job as completed successfully.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    pause_requested_at = NULL,
		    cancel_requested_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`

	res, err := r.DB.ExecContext(ctx, query, id, currentTime, currentTime)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Fail marks a running job as failed with the given error message. Jobs with
// retries remaining go back to queued with an exponentially backed-off
// scheduled_at instead of failing outright.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	retryDelay := float64(r.retryDelay())
	currentTime := r.timeProvider.Now()

	query := `
      UPDATE jobs
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'queued' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at
                            ELSE $3::timestamptz + make_interval(secs => $4 * power(2, LEAST(retry_count, $5))) END,
        updated_at = $3
      WHERE id = $1 AND status = 'running'
      RETURNING status
    `

	var status string
	if err := r.DB.QueryRowContext(ctx, query, id, errMsg, currentTime.UTC(), retryDelay, retryBackoffCap).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("fail job: %w", err)
	}

	if r.logger != nil && status == string(model.JobStatusFailed) {
		r.logger.WarnContext(ctx, "job failed permanently",
			"job_id", id,
			"error", errMsg,
		)
	}

	return true, nil
}

// UpdateProgress persists the rolling page average and the aggregated error
// summary. Only the owning worker writes these, so a plain overwrite is safe.
// Paused is accepted so a parking worker can flush its final counts.
func (r *JobRepo) UpdateProgress(ctx context.Context, params core.UpdateProgressParams) (bool, error) {
	summary := params.Errors
	if summary == nil {
		summary = model.ErrorSummary{}
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("encode error summary: %w", err)
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET avg_page_ms = $2,
		    pages_sampled = $3,
		    error_summary = $4,
		    updated_at = $5
		WHERE id = $1 AND status IN ('running', 'paused')
	`, params.JobID, params.AvgPageMS, params.PagesSampled, encoded, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("progress rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Stats returns statistics about jobs of the given type in different states.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'queued')    AS queued,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'paused')    AS paused,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
  FROM jobs
  WHERE type = $1
  `, jobType).Scan(
		&s.Pending,
		&s.Queued,
		&s.Running,
		&s.Paused,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_added_" + string(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// JobStatesByTaskName returns a bitmask describing which overrun states currently exist for a scheduler task.
func (r *JobRepo) JobStatesByTaskName(
	ctx context.Context,
	taskName string,
	now time.Time,
) (domain.OverrunStateMask, error) {
	query := `
		SELECT
			COALESCE(bool_or(status = 'running' AND lease_expires_at > $1), FALSE) AS has_running,
			COALESCE(bool_or(status IN ('pending', 'queued')), FALSE) AS has_waiting,
			COALESCE(bool_or(status = 'paused'), FALSE) AS has_paused,
			COALESCE(bool_or(status = 'queued' AND COALESCE(retry_count, 0) > 0), FALSE) AS has_retrying
		FROM jobs
		WHERE scheduled_task = $2
		  AND status IN ('pending', 'queued', 'running', 'paused')
	`

	var hasRunning, hasWaiting, hasPaused, hasRetrying bool
	if err := r.DB.QueryRowContext(ctx, query, now.UTC(), taskName).Scan(&hasRunning, &hasWaiting, &hasPaused, &hasRetrying); err != nil {
		return 0, fmt.Errorf("check job states by task name: %w", err)
	}

	var mask domain.OverrunStateMask
	if hasRunning {
		mask |= domain.OverrunStateRunning
	}
	if hasWaiting {
		mask |= domain.OverrunStateWaiting
	}
	if hasPaused {
		mask |= domain.OverrunStatePaused
	}
	if hasRetrying {
		mask |= domain.OverrunStateRetrying
	}

	return mask, nil
}

// Delete safely deletes a job by ID with state machine safety checks.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	currentTime := r.timeProvider.Now()
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND status IN ('pending', 'completed', 'failed', 'cancelled')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, currentTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to re-check job after delete attempt: %w", err)
	}

	if !isJobStatusDeletable(job.Status) {
		return ErrJobNotDeletable
	}

	if job.LeaseExpiresAt != nil && currentTime.Before(*job.LeaseExpiresAt) {
		return ErrJobReserved
	}

	return errors.New("unexpected state: job is in deletable state but delete failed")
}

// DeletePendingByScheduledTask deletes not-yet-started jobs enqueued for the
// given scheduler task, typically after the task itself is removed.
func (r *JobRepo) DeletePendingByScheduledTask(ctx context.Context, taskName string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE scheduled_task = $1
		  AND status IN ('pending', 'queued')
	`, taskName)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by scheduled task: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// isJobStatusDeletable returns true if a job in the given status can be safely deleted.
func isJobStatusDeletable(status model.JobStatus) bool {
	return status == model.JobStatusPending ||
		status == model.JobStatusCompleted ||
		status == model.JobStatusFailed ||
		status == model.JobStatusCancelled
}
