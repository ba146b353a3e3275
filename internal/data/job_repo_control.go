package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// RequestPause flags a running job for cooperative pause. The owning worker
// observes the flag at its next page boundary and parks via MarkPaused.
// Requesting a pause on a job in any other status is an invalid transition
// and leaves the job untouched.
func (r *JobRepo) RequestPause(ctx context.Context, id string) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET pause_requested_at = COALESCE(pause_requested_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, currentTime)
	if err != nil {
		return fmt.Errorf("request pause: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pause rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return r.transitionFailure(ctx, id, model.JobStatusPaused)
	}
	return nil
}

// MarkPaused moves a running job to paused at the owning worker's safe point.
// Returns false when the worker lost ownership in the meantime, for example
// because a cancel or lease sweep won the race.
func (r *JobRepo) MarkPaused(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'paused',
		    paused_at = $2,
		    pause_requested_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark paused: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark paused rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Resume moves a paused job back to running. The lease is deliberately left
// alone: a parked worker with a fresh lease simply continues, while a dead
// worker's stale lease is swept back to queued and re-reserved with its
// per-source checkpoints intact.
func (r *JobRepo) Resume(ctx context.Context, id string) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running',
		    resumed_at = $2,
		    pause_requested_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'paused'
	`, id, currentTime)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resume rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return r.transitionFailure(ctx, id, model.JobStatusRunning)
	}
	return nil
}

// Cancel cancels a job. Jobs nobody owns (pending, queued, paused) are
// cancelled in place with their unfinished sources marked skipped; running
// jobs are flagged for cooperative cancel and finalized by the owning worker.
// Already-ingested records are never rolled back.
func (r *JobRepo) Cancel(ctx context.Context, id string) (core.CancelResult, error) {
	currentTime := r.timeProvider.Now().UTC()

	var result core.CancelResult
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			ct, execErr := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'cancelled',
				    cancelled_at = $2,
				    pause_requested_at = NULL,
				    cancel_requested_at = NULL,
				    lease_expires_at = NULL,
				    updated_at = $2
				WHERE id = $1 AND status IN ('pending', 'queued', 'paused')
			`, id, currentTime)
			if execErr != nil {
				return fmt.Errorf("cancel job: %w", execErr)
			}
			if ct.RowsAffected() > 0 {
				if skipErr := skipUnfinishedSourcesTx(ctx, tx, id, currentTime); skipErr != nil {
					return skipErr
				}
				result = core.CancelImmediate
				return nil
			}

			ct, execErr = tx.Exec(ctx, `
				UPDATE jobs
				SET cancel_requested_at = COALESCE(cancel_requested_at, $2),
				    updated_at = $2
				WHERE id = $1 AND status = 'running'
			`, id, currentTime)
			if execErr != nil {
				return fmt.Errorf("request cancel: %w", execErr)
			}
			if ct.RowsAffected() > 0 {
				result = core.CancelRequested
				return nil
			}

			return r.transitionFailure(ctx, id, model.JobStatusCancelled)
		},
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// FinalizeCancel moves a running job to cancelled at the owning worker's safe
// point, after the worker has checkpointed its in-flight cursors. Unfinished
// sources are marked skipped in the same transaction.
func (r *JobRepo) FinalizeCancel(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	var finalized bool
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			ct, execErr := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'cancelled',
				    cancelled_at = $2,
				    pause_requested_at = NULL,
				    cancel_requested_at = NULL,
				    lease_expires_at = NULL,
				    updated_at = $2
				WHERE id = $1 AND status = 'running'
			`, id, currentTime)
			if execErr != nil {
				return fmt.Errorf("finalize cancel: %w", execErr)
			}
			if ct.RowsAffected() == 0 {
				finalized = false
				return nil
			}
			if skipErr := skipUnfinishedSourcesTx(ctx, tx, id, currentTime); skipErr != nil {
				return skipErr
			}
			finalized = true
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return finalized, nil
}

// ControlState returns the worker-facing control snapshot for a job.
func (r *JobRepo) ControlState(ctx context.Context, id string) (*model.JobControl, error) {
	var control model.JobControl
	err := r.DB.QueryRowContext(ctx, `
		SELECT status,
		       pause_requested_at IS NOT NULL AS pause_requested,
		       cancel_requested_at IS NOT NULL AS cancel_requested
		FROM jobs
		WHERE id = $1
	`, id).Scan(&control.Status, &control.PauseRequested, &control.CancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job control state: %w", err)
	}
	return &control, nil
}

// transitionFailure reports why a conditional status update matched no rows:
// either the job does not exist or the requested transition is illegal from
// its current status.
func (r *JobRepo) transitionFailure(ctx context.Context, id string, to model.JobStatus) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return model.NewTransitionError(id, job.Status, to)
}

func skipUnfinishedSourcesTx(ctx context.Context, tx pgx.Tx, jobID string, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE job_sources
		SET status = 'skipped', completed_at = $2
		WHERE job_id = $1 AND status IN ('pending', 'running')
	`, jobID, now); err != nil {
		return fmt.Errorf("skip unfinished sources: %w", err)
	}
	return nil
}
