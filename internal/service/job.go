package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	domainjob "github.com/hirewire/cvpipeline/internal/domain/job"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	apperrors "github.com/hirewire/cvpipeline/internal/errors"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo    core.JobRepository        // Required: job lifecycle and queue operations
	Control core.JobControlRepository // Required: cooperative pause/resume/cancel
	Sources core.JobSourceRepository  // Required: per-source sub-status rows

	DefaultLease    time.Duration             // Required: default lease duration for reservations
	Logger          *slog.Logger              // Optional: structured logger
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for job operations.
//
// This service manages:
// - CRUD operations for jobs
// - Job reservation, lease management, and availability notifications
// - The cooperative control plane (pause, resume, cancel)
// - Progress and error-summary snapshots for the ops surface
// - Graceful shutdown of notification listeners.
type JobService struct {
	repo        core.JobRepository
	control     core.JobControlRepository
	sources     core.JobSourceRepository
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	logger      *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Control == nil {
		return nil, errors.New("JobControlRepository is required")
	}
	if opts.Sources == nil {
		return nil, errors.New("JobSourceRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:        opts.Repo,
		control:     opts.Control,
		sources:     opts.Sources,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		logger:      logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create creates a new job with the given request parameters.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", job.ID,
			"type", job.Type,
			"status", job.Status,
			"sources", len(req.SourceIDs),
		)
	}

	return job, nil
}

// ReserveNext reserves the next available job of the given type for processing.
func (s *JobService) ReserveNext(
	ctx context.Context,
	jobType model.JobType,
	lease time.Duration,
) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"job_type", jobType)
	}

	job, err := s.repo.ReserveNext(ctx, jobType, decision.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"type", jobType,
			"lease_seconds", decision.Seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job notifications of the given type.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(jobType)
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	return s.repo.WaitForNotification(ctx, jobType)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// Complete marks a job as completed successfully.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}

	return completed, nil
}

// Fail marks a job as failed with the given error message. Depending on its
// retry budget the repository either requeues the job or fails it for good.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	failed, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}

	if s.logger != nil && failed {
		s.logger.DebugContext(ctx, "job failed", "id", id, "error", errMsg)
	}

	return failed, nil
}

// UpdateProgress persists the owning worker's rolled-up page timing and error
// summary. Returns false when the job is no longer in a progressing state.
func (s *JobService) UpdateProgress(ctx context.Context, params core.UpdateProgressParams) (bool, error) {
	updated, err := s.repo.UpdateProgress(ctx, params)
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", params.JobID, err)
	}
	return updated, nil
}

// Pause requests a cooperative pause on a running job. The owning worker
// observes the request at its next page boundary and parks via MarkPaused.
func (s *JobService) Pause(ctx context.Context, id string) error {
	if err := s.control.RequestPause(ctx, id); err != nil {
		return fmt.Errorf("pause job %s: %w", id, controlErr(err))
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job pause requested", "id", id)
	}
	return nil
}

// Resume moves a paused job back to running so a worker can re-reserve or
// continue it from its per-source checkpoints.
func (s *JobService) Resume(ctx context.Context, id string) error {
	if err := s.control.Resume(ctx, id); err != nil {
		return fmt.Errorf("resume job %s: %w", id, controlErr(err))
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resumed", "id", id)
	}
	return nil
}

// Cancel cancels a job. Unowned jobs cancel immediately; running jobs are
// flagged and finalized by the owning worker at its next safe point.
// Already-ingested records are never rolled back.
func (s *JobService) Cancel(ctx context.Context, id string) (core.CancelResult, error) {
	result, err := s.control.Cancel(ctx, id)
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", id, controlErr(err))
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancel", "id", id, "result", string(result))
	}
	return result, nil
}

// MarkPaused parks a running job at the owning worker's safe point. Returns
// false when the worker lost ownership in the meantime.
func (s *JobService) MarkPaused(ctx context.Context, id string) (bool, error) {
	paused, err := s.control.MarkPaused(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark job %s paused: %w", id, err)
	}

	if s.logger != nil && paused {
		s.logger.InfoContext(ctx, "job parked paused", "id", id)
	}
	return paused, nil
}

// FinalizeCancel moves a cancel-requested running job to cancelled once the
// owning worker has checkpointed and stopped.
func (s *JobService) FinalizeCancel(ctx context.Context, id string) (bool, error) {
	finalized, err := s.control.FinalizeCancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("finalize cancel of job %s: %w", id, err)
	}

	if s.logger != nil && finalized {
		s.logger.InfoContext(ctx, "job cancel finalized", "id", id)
	}
	return finalized, nil
}

// ControlState returns the worker-facing control snapshot polled at page
// boundaries.
func (s *JobService) ControlState(ctx context.Context, id string) (*model.JobControl, error) {
	state, err := s.control.ControlState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("control state of job %s: %w", id, err)
	}
	return state, nil
}

// GetProgress computes a progress snapshot from the job row and its
// per-source sub-status rows.
func (s *JobService) GetProgress(ctx context.Context, id string) (*model.JobProgress, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	jobSources, err := s.sources.ListJobSources(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list sources of job %s: %w", id, err)
	}

	progress := model.ComputeProgress(job, jobSources)
	return &progress, nil
}

// GetErrorSummary returns the job's aggregated errors grouped by type. Raw
// stack detail stays in the log stream.
func (s *JobService) GetErrorSummary(ctx context.Context, id string) (model.ErrorSummary, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if job.Errors == nil {
		return model.ErrorSummary{}, nil
	}
	return job.Errors, nil
}

// Stats returns statistics about jobs of the given type in different states.
func (s *JobService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("get job stats for type %s: %w", jobType, err)
	}
	return stats, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// ListRecentByType returns the most recent jobs of the given type.
func (s *JobService) ListRecentByType(
	ctx context.Context,
	jobType model.JobType,
	limit int,
) ([]*model.Job, error) {
	jobs, err := s.repo.ListRecentByType(ctx, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs by type %s: %w", jobType, err)
	}
	return jobs, nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// ListBySource returns jobs that ran against a given source with pagination.
// Pagination defaults are normalized here to avoid drift across layers.
func (s *JobService) ListBySource(
	ctx context.Context,
	opts model.JobListBySourceOptions,
) ([]*model.Job, error) {
	if opts.SourceID == "" {
		return nil, errors.New("source id is required")
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.ListBySource(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs by source %s: %w", opts.SourceID, err)
	}
	return jobs, nil
}

// List returns jobs with optional filtering and per-source rollups for the
// admin view. Pagination defaults are normalized here to avoid drift across
// layers.
func (s *JobService) List(
	ctx context.Context,
	opts *model.JobListOptions,
) ([]*model.JobWithSourceCounts, error) {
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CountBySource returns the number of jobs that ran against a source.
func (s *JobService) CountBySource(ctx context.Context, sourceID string) (int, error) {
	count, err := s.repo.CountBySource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("count jobs by source %s: %w", sourceID, err)
	}
	return count, nil
}

// CountAggregatesBySources returns job participation rollups for a set of
// sources in one round trip.
func (s *JobService) CountAggregatesBySources(
	ctx context.Context,
	ids []string,
) (map[string]model.SourceJobCounts, error) {
	counts, err := s.repo.CountAggregatesBySources(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("count job aggregates by sources: %w", err)
	}
	return counts, nil
}

// Delete safely deletes a job by ID with state machine safety checks.
// Only jobs in pending status without an active lease can be deleted.
// Returns an error if the job cannot be deleted due to state constraints.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("job id is required")
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "attempting to delete job", "id", id)
	}

	err := s.repo.Delete(ctx, id)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "failed to delete job", "id", id, "error", err)
		}
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job deleted successfully", "id", id)
	}

	return nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// controlErr lifts repository-level transition failures into typed app errors
// the admin surface can distinguish from plumbing failures.
func controlErr(err error) error {
	var te *model.TransitionError
	if errors.As(err, &te) {
		return apperrors.InvalidTransition(te)
	}
	return err
}
