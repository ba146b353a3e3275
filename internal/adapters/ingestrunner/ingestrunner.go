// Package ingestrunner pulls ingest jobs off the shared queue and drives them
// through the scraping pipeline: source registry, rate limiter, fetcher,
// extractor, dedup, and quality scoring.
package ingestrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/adapters/extract"
	"github.com/hirewire/cvpipeline/internal/adapters/httpfetch"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/data/cryptoutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/observability/metrics"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
	"github.com/hirewire/cvpipeline/internal/service"
)

// Executor runs one reserved ingest job to a settled outcome.
type Executor interface {
	Execute(ctx context.Context, job *model.Job) (*service.IngestOutcome, error)
}

// heartbeatDivisor sets the heartbeat cadence relative to the lease so a
// healthy worker renews well before expiry.
const heartbeatDivisor = 3

// RunnerOptions configures the ingest runner adapter.
type RunnerOptions struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Runner holds worker counts, lease, retry, and deadline tuning.
	Runner config.IngestRunnerConfig

	// Pipeline tuning applied when collaborators are built from DB/Redis.
	Dedup   config.DedupConfig
	Quality config.QualityConfig
	LogSink config.LogSinkConfig

	// Encryptor decrypts stored source credentials (if nil, NoopEncryptor).
	Encryptor cryptoutil.Encryptor

	// Optional dependency injections (useful for tests/decoupling)
	Jobs      *service.JobService
	Ingest    Executor
	Fetcher   core.Fetcher
	Extractor core.Extractor
	Metrics   statsd.Sink
}

// Runner reserves ingest jobs, keeps their leases alive, and finalizes the
// outcome the pipeline hands back.
type Runner struct {
	jobs     *service.JobService
	ingest   Executor
	logs     *service.LogSink
	logger   *slog.Logger
	lease    time.Duration
	deadline time.Duration
	workers  int
	metrics  statsd.Sink
}

// internal wiring helpers to keep NewRunner small

type runnerDeps struct {
	jobSvc *service.JobService
	ingest Executor
	logs   *service.LogSink
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func buildRunnerDeps(opts RunnerOptions, lease time.Duration) (runnerDeps, error) {
	deps := runnerDeps{jobSvc: opts.Jobs, ingest: opts.Ingest}
	if deps.jobSvc != nil && deps.ingest != nil {
		return deps, nil
	}
	if opts.DB == nil {
		return deps, errors.New("DB is required when Jobs or Ingest are not injected")
	}

	jobRepo := data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	if deps.jobSvc == nil {
		deps.jobSvc = service.MustNewJobService(service.JobServiceOptions{
			Repo:         jobRepo,
			Control:      jobRepo,
			Sources:      jobRepo,
			DefaultLease: lease,
			Logger:       opts.Logger,
		})
	}
	if deps.ingest != nil {
		return deps, nil
	}
	if opts.RedisClient == nil {
		return deps, errors.New("RedisClient is required for the rate limiter")
	}

	registry, err := service.NewSourceRegistry(service.SourceRegistryOptions{
		Repo:   data.NewSourceRepo(opts.DB),
		Logger: opts.Logger,
	})
	if err != nil {
		return deps, fmt.Errorf("create source registry: %w", err)
	}

	limiter, err := service.NewRateLimiter(service.RateLimiterOptions{
		Store:  data.NewRateLimitStore(opts.RedisClient, ""),
		Logger: opts.Logger,
	})
	if err != nil {
		return deps, fmt.Errorf("create rate limiter: %w", err)
	}

	recordRepo := data.NewRecordRepo(opts.DB)
	dedup, err := service.NewDedupEngine(service.DedupEngineOptions{
		Repo:               recordRepo,
		AutoMergeThreshold: opts.Dedup.AutoMergeThreshold,
		NameSimilarityMin:  opts.Dedup.NameSimilarityMin,
		MergePolicy:        opts.Dedup.MergePolicy,
		Logger:             opts.Logger,
	})
	if err != nil {
		return deps, fmt.Errorf("create dedup engine: %w", err)
	}

	logs, err := service.NewLogSink(service.LogSinkOptions{
		Repo:          data.NewLogRepo(opts.DB),
		BufferSize:    opts.LogSink.BufferSize,
		FlushInterval: opts.LogSink.FlushInterval,
		Logger:        opts.Logger,
	})
	if err != nil {
		return deps, fmt.Errorf("create log sink: %w", err)
	}
	deps.logs = logs

	enc := opts.Encryptor
	if enc == nil {
		enc = &cryptoutil.NoopEncryptor{}
	}
	headers, err := service.NewCredentialHeaderResolver(data.NewCredentialRepo(opts.DB, enc))
	if err != nil {
		return deps, fmt.Errorf("create credential resolver: %w", err)
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = httpfetch.NewFetcher(httpfetch.FetcherOptions{Logger: opts.Logger})
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = extract.NewExtractor(opts.Logger)
	}

	ingest, err := service.NewIngestService(service.IngestServiceOptions{
		Jobs:      deps.jobSvc,
		Sources:   jobRepo,
		Registry:  registry,
		Limiter:   limiter,
		Dedup:     dedup,
		Scorer:    service.NewQualityScorer(service.QualityScorerOptions{FreshnessDecayPerDay: opts.Quality.FreshnessDecayPerDay}),
		Records:   recordRepo,
		Fetcher:   fetcher,
		Extractor: extractor,
		Headers:   headers,
		Logs:      logs,
		Logger:    opts.Logger,
		Defaults: model.IngestConfig{
			SourceParallel:  opts.Runner.SourceParallel,
			RequestAttempts: opts.Runner.RequestAttempts,
		},
		RetryBaseDelay: opts.Runner.RetryBackoff,
	})
	if err != nil {
		return deps, fmt.Errorf("create ingest service: %w", err)
	}
	deps.ingest = ingest

	return deps, nil
}

// NewRunner wires repositories/services and constructs an ingest job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && (opts.Jobs == nil || opts.Ingest == nil) {
		return nil, errors.New("either DB or injected Jobs and Ingest must be provided")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Runner.JobLease
	if lease <= 0 {
		lease = 60 * time.Second
	}
	workers := opts.Runner.Concurrency
	if workers <= 0 {
		workers = 1
	}
	deadline := opts.Runner.DefaultJobDeadline
	if deadline <= 0 {
		deadline = 4 * time.Hour
	}

	deps, err := buildRunnerDeps(opts, lease)
	if err != nil {
		return nil, err
	}

	return &Runner{
		jobs:     deps.jobSvc,
		ingest:   deps.ingest,
		logs:     deps.logs,
		logger:   logger,
		lease:    lease,
		deadline: deadline,
		workers:  workers,
		metrics:  opts.Metrics,
	}, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting ingest runner", "workers", r.workers, "lease", r.lease)

	if r.logs != nil {
		defer r.logs.Close()
	}

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, ch := r.jobs.Subscribe(model.JobTypeIngest)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, model.JobTypeIngest, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

// processJob runs one reserved job under its wall-clock deadline, renewing
// the lease until the pipeline settles, then records the outcome.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	jobCtx, cancel := context.WithDeadline(ctx, r.jobDeadline(job, start))
	defer cancel()

	stopHeartbeat := r.startHeartbeat(jobCtx, cancel, job.ID)
	outcome, err := r.ingest.Execute(jobCtx, job)
	stopHeartbeat()

	if err != nil {
		r.finalizeError(ctx, jobCtx, job, err, emit)
		return
	}
	r.finalizeOutcome(ctx, job, outcome, emit)
}

// jobDeadline resolves the job's wall-clock cutoff: the persisted deadline
// when the request set one, the runner default otherwise.
func (r *Runner) jobDeadline(job *model.Job, now time.Time) time.Time {
	if job.DeadlineAt != nil {
		return *job.DeadlineAt
	}
	return now.Add(r.deadline)
}

// startHeartbeat renews the job lease on a cadence well inside its window.
// When the renewal reports the lease is gone, the job context is cancelled so
// the pipeline stops touching a job another worker may now own.
func (r *Runner) startHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID string) func() {
	interval := r.lease / heartbeatDivisor
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease)
				if err != nil {
					// Transient heartbeat errors are survivable as long as one
					// renewal lands inside the lease window.
					r.logger.WarnContext(ctx, "heartbeat error", "job_id", jobID, "error", err)
					continue
				}
				if !ok {
					r.logger.WarnContext(ctx, "job lease lost, stopping work", "job_id", jobID)
					cancel()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

// finalizeError handles a run that ended in an error instead of a settled
// outcome. Shutdown leaves the job leased for reclaim, a lost lease leaves
// the row to its new owner, and everything else fails the job through the
// retry policy.
func (r *Runner) finalizeError(
	ctx, jobCtx context.Context,
	job *model.Job,
	err error,
	emit func(transition, result string, err error),
) {
	switch {
	case ctx.Err() != nil:
		// Process shutdown: the lease reaper or a restarted worker picks the
		// job back up from its checkpoints.
		r.logger.Info("shutdown interrupted job", "job_id", job.ID)
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("job deadline exceeded: %s", err)
		if _, ferr := r.jobs.Fail(ctx, job.ID, msg); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr, "original_error", err)
		}
		emit("failed", metrics.ResultError, err)
	case jobCtx.Err() != nil:
		// The heartbeat lost the lease and cancelled the run; the row belongs
		// to whoever reclaims it.
		emit("lost", metrics.ResultNoop, nil)
	default:
		if _, ferr := r.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr, "original_error", err)
		}
		emit("failed", metrics.ResultError, err)
	}
}

func (r *Runner) finalizeOutcome(
	ctx context.Context,
	job *model.Job,
	outcome *service.IngestOutcome,
	emit func(transition, result string, err error),
) {
	if outcome == nil {
		err := errors.New("ingest returned no outcome")
		if _, ferr := r.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr)
		}
		emit("failed", metrics.ResultError, err)
		return
	}

	if outcome.Lost {
		// Another actor owns the job row now; leave it alone.
		emit("lost", metrics.ResultNoop, nil)
		return
	}

	switch outcome.Status {
	case model.JobStatusPaused:
		// The pipeline already parked the row; nothing to finalize.
		emit("paused", metrics.ResultSuccess, nil)
	case model.JobStatusCancelled:
		emit("cancelled", metrics.ResultSuccess, nil)
	case model.JobStatusFailed:
		reason := outcome.Reason
		if reason == "" {
			reason = "ingest failed"
		}
		if _, err := r.jobs.Fail(ctx, job.ID, reason); err != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err)
		}
		emit("failed", metrics.ResultError, errors.New(reason))
	case model.JobStatusCompleted:
		completed, err := r.jobs.Complete(ctx, job.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
			emit("completed", metrics.ResultError, err)
			return
		}
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	default:
		r.logger.ErrorContext(ctx, "ingest settled in unexpected status",
			"job_id", job.ID, "status", outcome.Status)
		emit(string(outcome.Status), metrics.ResultError, nil)
	}
}
