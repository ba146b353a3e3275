package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for reaper operations.
const (
	advisoryLockReaperMajor         = 1000
	advisoryLockReaperFailStale     = 1 // minor key for FailStaleWaitingJobs
	advisoryLockReaperDelete        = 2 // minor key for DeleteOldJobs
	advisoryLockReaperDeadlines     = 3 // minor key for EnforceDeadlines
	advisoryLockReaperDeleteLogs    = 4 // minor key for LogRepo.DeleteExpired
	advisoryLockReaperDeleteReports = 5 // minor key for ReportRepo.DeleteOld
	advisoryLockReaperArchive       = 6 // minor key for RecordRepo.ArchiveStale
)

// withReaperLock runs fn inside a transaction holding the reaper advisory lock
// for the given minor key, returning 0 without error when another reaper
// instance holds it.
func withReaperLock(
	ctx context.Context,
	db *sql.DB,
	minor int,
	fn func(tx *sql.Tx) (int64, error),
) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minor).Scan(&locked); err != nil {
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

// FailStaleWaitingJobs marks pending and queued jobs older than maxAge as failed.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
// Returns the number of jobs marked as failed.
func (r *JobRepo) FailStaleWaitingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return withReaperLock(ctx, r.DB, advisoryLockReaperFailStale, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now()
		cutoffTime := currentTime.Add(-maxAge)

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed',
				last_error = 'job timed out waiting for a worker',
				completed_at = $1,
				updated_at = $1
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status IN ('pending', 'queued')
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
			)
		`, currentTime.UTC(), cutoffTime.UTC(), batchSize)
		if err != nil {
			return 0, fmt.Errorf("fail stale waiting jobs: %w", err)
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		return ra, nil
	})
}

// EnforceDeadlines fails running and paused jobs whose wall-clock deadline has
// passed. The owning worker normally fails the job itself through its context
// deadline; this sweep is the backstop for dead workers and forgotten pauses.
// Unfinished sources of the failed jobs are marked skipped in the same
// statement so the sub-statuses stay consistent.
func (r *JobRepo) EnforceDeadlines(ctx context.Context, batchSize int) (int64, error) {
	return withReaperLock(ctx, r.DB, advisoryLockReaperDeadlines, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now().UTC()

		var expired int64
		err := tx.QueryRowContext(ctx, `
			WITH expired AS (
				UPDATE jobs
				SET status = 'failed',
					last_error = 'job exceeded its wall clock deadline',
					completed_at = $1,
					lease_expires_at = NULL,
					pause_requested_at = NULL,
					cancel_requested_at = NULL,
					updated_at = $1
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status IN ('running', 'paused')
					  AND deadline_at IS NOT NULL
					  AND deadline_at < $1
					ORDER BY deadline_at
					LIMIT $2
				)
				RETURNING id
			),
			skipped AS (
				UPDATE job_sources js
				SET status = 'skipped', completed_at = $1
				FROM expired e
				WHERE js.job_id = e.id AND js.status IN ('pending', 'running')
			)
			SELECT count(*) FROM expired
		`, currentTime, batchSize).Scan(&expired)
		if err != nil {
			return 0, fmt.Errorf("enforce deadlines: %w", err)
		}
		return expired, nil
	})
}

// DeleteOldJobs deletes jobs with the given status older than maxAge.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
// Returns the number of jobs deleted; job_sources rows cascade with them.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}

	return withReaperLock(ctx, r.DB, advisoryLockReaperDelete, func(tx *sql.Tx) (int64, error) {
		currentTime := r.timeProvider.Now()
		cutoffTime := currentTime.Add(-params.MaxAge)

		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = $1
				  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(completed_at, updated_at)
				LIMIT $3
			)
		`, params.Status, cutoffTime.UTC(), params.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("delete old jobs: %w", err)
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		return ra, nil
	})
}
