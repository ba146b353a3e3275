package data

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// ListJobSources returns the per-source rows for a job ordered by source id
// for stable iteration.
func (r *JobRepo) ListJobSources(ctx context.Context, jobID string) ([]model.JobSource, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrJobIDRequired
	}

	var sources []model.JobSource
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT job_id, source_id, status, pages_done, total_pages, cursor,
			       records_ingested, records_failed, duplicates_found,
			       last_error, started_at, completed_at
			FROM job_sources
			WHERE job_id = $1
			ORDER BY source_id
		`, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		sources, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.JobSource])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list job sources: %w", err)
	}
	return sources, nil
}

// StartSource moves a pending source to running for the owning worker.
// Returns false when the source is no longer pending, for example after a
// cancel marked it skipped.
func (r *JobRepo) StartSource(ctx context.Context, jobID, sourceID string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_sources
		SET status = 'running', started_at = $3
		WHERE job_id = $1 AND source_id = $2 AND status = 'pending'
	`, jobID, sourceID, currentTime)
	if err != nil {
		return false, fmt.Errorf("start job source: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start source rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CheckpointSource persists the worker's page-boundary checkpoint for a
// running source.
func (r *JobRepo) CheckpointSource(ctx context.Context, params core.CheckpointSourceParams) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_sources
		SET pages_done = $3,
		    total_pages = $4,
		    cursor = $5,
		    records_ingested = $6,
		    records_failed = $7,
		    duplicates_found = $8
		WHERE job_id = $1 AND source_id = $2 AND status = 'running'
	`, params.JobID, params.SourceID, params.PagesDone, params.TotalPages,
		params.Cursor, params.RecordsIngested, params.RecordsFailed, params.DuplicatesFound)
	if err != nil {
		return false, fmt.Errorf("checkpoint job source: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checkpoint rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FinishSource moves a source to a terminal sub-status. Pending sources can
// be finished directly so a cancelling worker can skip work it never started.
func (r *JobRepo) FinishSource(ctx context.Context, params core.FinishSourceParams) (bool, error) {
	if !params.Status.Terminal() {
		return false, fmt.Errorf("finish status must be terminal, got %q", params.Status)
	}

	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_sources
		SET status = $3, last_error = $4, completed_at = $5
		WHERE job_id = $1 AND source_id = $2 AND status IN ('pending', 'running')
	`, params.JobID, params.SourceID, params.Status, params.LastError, currentTime)
	if err != nil {
		return false, fmt.Errorf("finish job source: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish source rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ResetFailedSources moves a job's failed sources back to pending so a
// requeued retry can rework them. Page checkpoints and counters are kept; the
// retry resumes each source from its last completed page.
func (r *JobRepo) ResetFailedSources(ctx context.Context, jobID string) (int64, error) {
	if strings.TrimSpace(jobID) == "" {
		return 0, ErrJobIDRequired
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_sources
		SET status = 'pending', last_error = NULL, completed_at = NULL
		WHERE job_id = $1 AND status = 'failed'
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset failed job sources: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset failed sources rows affected: %w", err)
	}
	return rowsAffected, nil
}

// GetJobSource returns a single (job, source) row.
func (r *JobRepo) GetJobSource(ctx context.Context, jobID, sourceID string) (*model.JobSource, error) {
	var source model.JobSource
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT job_id, source_id, status, pages_done, total_pages, cursor,
			       records_ingested, records_failed, duplicates_found,
			       last_error, started_at, completed_at
			FROM job_sources
			WHERE job_id = $1 AND source_id = $2
		`, jobID, sourceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		source, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobSource])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job source: %w", err)
	}
	return &source, nil
}
