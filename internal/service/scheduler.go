// Package service provides business logic services for the CV ingestion job system.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	domainscheduler "github.com/hirewire/cvpipeline/internal/domain/scheduler"
)

// SchedulerService implements the JobScheduler interface.
// It processes due scheduled tasks, applies overrun strategy, enqueues jobs, and updates last_queued_at.
// Safe under concurrent replicas through database-level concurrency controls.
type SchedulerService struct {
	repo         core.ScheduledJobsRepository
	jobs         core.JobRepository
	cfg          core.SchedulerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger

	taskProcessor *domainscheduler.TaskProcessor
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
// Uses an options struct to keep parameter count ≤ 3 as per project conventions.
type SchedulerServiceOptions struct {
	Repo            core.ScheduledJobsRepository
	Jobs            core.JobRepository
	JobIntrospector core.JobIntrospector
	Config          *core.SchedulerConfig
	TimeProvider    data.TimeProvider
	Logger          *slog.Logger
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Config == nil {
		defaultCfg := core.DefaultSchedulerConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &SchedulerService{
		repo:         opts.Repo,
		jobs:         opts.Jobs,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
		taskProcessor: domainscheduler.NewTaskProcessor(domainscheduler.TaskProcessorOptions{
			DefaultPolicy: opts.Config.Strategy.Overrun,
			DefaultStates: opts.Config.Strategy.OverrunStates,
			StateReader:   opts.JobIntrospector,
		}),
	}
}

// Tick processes due scheduled tasks and enqueues jobs according to strategy.
// Returns the number of tasks processed.
//
// Algorithm:
// 1. Find due tasks using batch size limit
// 2. For each task, try to acquire advisory lock by task name
// 3. If lock acquired, apply overrun policy and potentially enqueue job
// 4. Update last_queued_at timestamp
//
// Concurrency safety:
// - FindDue uses FOR UPDATE SKIP LOCKED to prevent double-processing
// - TryWithTaskLock uses advisory locks to ensure only one replica processes each task.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	// Find due tasks
	due, err := s.repo.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due tasks: %w", err)
	}

	processed := 0
	for _, task := range due {
		worked := false
		// Try to acquire advisory lock for this task
		lockOK, lockErr := s.repo.TryWithTaskLock(ctx, task.TaskName, func(ctx context.Context, tx *sql.Tx) error {
			w, processErr := s.processTask(ctx, tx, task)
			if w {
				worked = true
			}
			return processErr
		})
		if lockErr != nil {
			return processed, fmt.Errorf("process task %s: %w", task.TaskName, lockErr)
		}
		if lockOK && worked {
			processed++
		}
		// If ok==false, another replica is handling this task; skip
	}

	return processed, nil
}

// processTask handles a single scheduled task within a transaction.
// Returns worked=true if this invocation actually made a change (updated last_queued_at or created a job).
// This function is called within TryWithTaskLock, so it has exclusive access to the task during execution.
func (s *SchedulerService) processTask(
	ctx context.Context,
	tx *sql.Tx,
	task domain.ScheduledTask,
) (bool, error) {
	now := s.timeProvider.Now()

	if s.taskProcessor == nil {
		return false, errors.New("task processor is not configured")
	}

	result, err := s.taskProcessor.Process(ctx, domainscheduler.ProcessParams{
		Task: task,
		Now:  now,
		Store: taskStoreAdapter{
			repo: s.repo,
			tx:   tx,
		},
		Enqueuer: taskEnqueuer{service: s},
	})
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}
	return result.Worked, nil
}

// taskStoreAdapter binds MarkQueued to the transaction holding the task lock,
// so the conditional mark and the lock release commit together.
type taskStoreAdapter struct {
	repo core.ScheduledJobsRepository
	tx   *sql.Tx
}

func (a taskStoreAdapter) MarkQueued(ctx context.Context, params domain.MarkQueuedParams) (bool, error) {
	return a.repo.MarkQueuedTx(ctx, a.tx, params)
}

type taskEnqueuer struct {
	service *SchedulerService
}

func (e taskEnqueuer) Enqueue(ctx context.Context, task domain.ScheduledTask) (bool, error) {
	return e.service.enqueueJob(ctx, task)
}

// enqueueJob creates a new job for the scheduled task.
// Returns created=true if a new job row was inserted.
//
// The job insert runs outside the task-lock transaction: the advisory lock plus
// the conditional MarkQueued already serialize this firing, and the job insert
// carries its own pg_notify that must not wait on the lock commit.
func (s *SchedulerService) enqueueJob(ctx context.Context, task domain.ScheduledTask) (bool, error) {
	req, err := s.buildJobRequest(task)
	if err != nil {
		return false, fmt.Errorf("build job request: %w", err)
	}

	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}

	s.logger.InfoContext(ctx, "scheduler enqueued job",
		"task_name", task.TaskName,
		"job_id", job.ID,
		"job_type", job.Type,
	)
	return true, nil
}

// buildJobRequest constructs the CreateJobRequest for a scheduled task.
// The task payload is passed through verbatim as the job payload; source IDs
// are lifted out of it so per-source progress rows exist from creation.
func (s *SchedulerService) buildJobRequest(task domain.ScheduledTask) (*model.CreateJobRequest, error) {
	jobType := task.JobType
	if jobType == "" {
		jobType = s.cfg.DefaultJobType
	}

	sourceIDs, err := sourceIDsFromPayload(task.Payload)
	if err != nil {
		return nil, err
	}

	taskName := task.TaskName
	return &model.CreateJobRequest{
		Type:          jobType,
		SourceIDs:     sourceIDs,
		Payload:       task.Payload,
		Priority:      s.cfg.DefaultPriority,
		MaxRetries:    s.cfg.MaxRetries,
		ScheduledTask: &taskName,
	}, nil
}

// sourceIDsFromPayload extracts the source_ids list shared by ingest, rescore,
// and report payloads. An empty or absent payload yields no source IDs.
func sourceIDsFromPayload(payload json.RawMessage) ([]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var p struct {
		SourceIDs []string `json:"source_ids"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse task payload: %w", err)
	}
	return p.SourceIDs, nil
}
