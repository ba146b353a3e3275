// Package maintenancerunner pulls rescore and quality report jobs off the
// shared queue and executes them against the record and report services.
package maintenancerunner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/observability/metrics"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
	"github.com/hirewire/cvpipeline/internal/service"
)

// HandlerFunc processes a job and returns error to indicate failure (which will be retried per policy).
type HandlerFunc func(ctx context.Context, job *model.Job) error

// rescorePageWindow bounds the rolling batch-time average folded into the
// job's progress row.
const rescorePageWindow = 20

// RecordRescorer walks record pages for batch rescoring.
type RecordRescorer interface {
	RescorePage(ctx context.Context, afterID string, limit int) (string, int, error)
}

// ReportRunner generates a quality report snapshot for a scope.
type ReportRunner interface {
	Generate(ctx context.Context, scope model.ReportScope, jobID *string) (*model.QualityReport, error)
}

// errJobLost signals another actor took the job mid-run; the row must not be
// touched again.
var errJobLost = errors.New("job ownership lost")

// parkedError signals the handler already finalized a control transition
// (pause or cancel) in place.
type parkedError struct {
	status model.JobStatus
}

func (e *parkedError) Error() string {
	return fmt.Sprintf("job parked: %s", e.status)
}

// RunnerOptions configures the maintenance runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Runner holds worker counts, lease, and rescore batch tuning.
	Runner config.MaintenanceRunnerConfig

	// Scoring and report tuning applied when collaborators are built from DB.
	Quality config.QualityConfig
	Report  config.ReportConfig

	// Optional dependency injections (useful for tests/decoupling)
	Jobs    *service.JobService
	Records RecordRescorer
	Reports ReportRunner
	Metrics statsd.Sink
}

// Runner executes rescore and quality report jobs under lease heartbeats,
// honoring pause and cancel requests at batch boundaries.
type Runner struct {
	jobs     *service.JobService
	records  RecordRescorer
	reports  ReportRunner
	logger   *slog.Logger
	lease    time.Duration
	workers  int
	batch    int
	handlers map[model.JobType]HandlerFunc
	metrics  statsd.Sink
}

type runnerDeps struct {
	jobSvc  *service.JobService
	records RecordRescorer
	reports ReportRunner
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func buildRunnerDeps(opts RunnerOptions, lease time.Duration) (runnerDeps, error) {
	deps := runnerDeps{jobSvc: opts.Jobs, records: opts.Records, reports: opts.Reports}
	if deps.jobSvc != nil && deps.records != nil && deps.reports != nil {
		return deps, nil
	}
	if opts.DB == nil {
		return deps, errors.New("DB is required when Jobs, Records, or Reports are not injected")
	}

	if deps.jobSvc == nil {
		jobRepo := data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
		deps.jobSvc = service.MustNewJobService(service.JobServiceOptions{
			Repo:         jobRepo,
			Control:      jobRepo,
			Sources:      jobRepo,
			DefaultLease: lease,
			Logger:       opts.Logger,
		})
	}

	recordRepo := data.NewRecordRepo(opts.DB)
	scorer := service.NewQualityScorer(service.QualityScorerOptions{
		FreshnessDecayPerDay: opts.Quality.FreshnessDecayPerDay,
	})

	if deps.records == nil {
		records, err := service.NewRecordService(service.RecordServiceOptions{
			Repo:             recordRepo,
			Scorer:           scorer,
			RescoreBatchSize: opts.Runner.RescoreBatchSize,
			Logger:           opts.Logger,
		})
		if err != nil {
			return deps, fmt.Errorf("create record service: %w", err)
		}
		deps.records = records
	}

	if deps.reports == nil {
		reports, err := service.NewReportGenerator(service.ReportGeneratorOptions{
			Quality:           recordRepo,
			Reports:           data.NewReportRepo(opts.DB),
			Logs:              data.NewLogRepo(opts.DB),
			SourceAggregation: opts.Report.SourceAggregation,
			FieldAggregation:  opts.Report.FieldAggregation,
			StaleAfter:        time.Duration(opts.Quality.StaleAfterDays) * 24 * time.Hour,
			TrendWindow:       opts.Report.TrendWindow,
			ExampleLimit:      opts.Report.IssueExampleLimit,
			Logger:            opts.Logger,
		})
		if err != nil {
			return deps, fmt.Errorf("create report generator: %w", err)
		}
		deps.reports = reports
	}

	return deps, nil
}

// NewRunner wires repositories/services and constructs a maintenance job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && (opts.Jobs == nil || opts.Records == nil || opts.Reports == nil) {
		return nil, errors.New("either DB or injected Jobs, Records, and Reports must be provided")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Runner.JobLease
	if lease <= 0 {
		lease = 120 * time.Second
	}
	workers := opts.Runner.Concurrency
	if workers <= 0 {
		workers = 1
	}
	batch := opts.Runner.RescoreBatchSize
	if batch <= 0 {
		batch = 500
	}

	deps, err := buildRunnerDeps(opts, lease)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		jobs:     deps.jobSvc,
		records:  deps.records,
		reports:  deps.reports,
		logger:   logger,
		lease:    lease,
		workers:  workers,
		batch:    batch,
		handlers: make(map[model.JobType]HandlerFunc),
		metrics:  opts.Metrics,
	}
	r.handlers[model.JobTypeRescore] = r.handleRescoreJob
	r.handlers[model.JobTypeQualityReport] = r.handleReportJob
	return r, nil
}

// Run starts worker loops for both maintenance job types and processes jobs
// until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting maintenance runner", "workers", r.workers, "lease", r.lease)

	group, gctx := errgroup.WithContext(ctx)
	for jobType := range r.handlers {
		for range r.workers {
			group.Go(func() error { return r.runWorkerLoop(gctx, jobType) })
		}
	}
	return group.Wait()
}

func (r *Runner) runWorkerLoop(ctx context.Context, jobType model.JobType) error {
	unsub, ch := r.jobs.Subscribe(jobType)
	defer unsub()

	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, jobType, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, ch) {
				return nil
			}
		default:
			return fmt.Errorf("reserve next %s: %w", jobType, err)
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

	h, ok := r.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type %s", job.Type)
		if _, ferr := r.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr)
		}
		emit("failed", metrics.ResultError, err)
		return
	}

	stopHB := r.startHeartbeat(ctx, job.ID)
	err := h(ctx, job)
	stopHB()

	if err != nil {
		r.finalizeError(ctx, job, err, emit)
		return
	}

	if completed, cerr := r.jobs.Complete(ctx, job.ID); cerr != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", cerr)
		emit("completed", metrics.ResultError, cerr)
	} else {
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

func (r *Runner) finalizeError(
	ctx context.Context,
	job *model.Job,
	err error,
	emit func(transition, result string, err error),
) {
	var parked *parkedError
	switch {
	case errors.As(err, &parked):
		// The handler already moved the row; only the metric is left.
		emit(string(parked.status), metrics.ResultSuccess, nil)
	case errors.Is(err, errJobLost):
		emit("lost", metrics.ResultNoop, nil)
	case ctx.Err() != nil:
		// Process shutdown: the lease reaper or a restarted worker picks the
		// job back up.
		r.logger.Info("shutdown interrupted job", "job_id", job.ID)
	default:
		if _, ferr := r.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", ferr, "original_error", err)
		}
		emit("failed", metrics.ResultError, err)
	}
}

// startHeartbeat starts a background ticker to extend the job lease periodically.
// It returns a stop function to end the heartbeat.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := r.lease / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease); err != nil {
					r.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				} else if !ok {
					r.logger.WarnContext(ctx, "heartbeat not applied (job may be lost)", "job_id", jobID)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// checkControl applies any pending control request at a batch boundary. A
// pause or cancel is finalized here; the returned sentinel unwinds the
// handler without touching the row again.
func (r *Runner) checkControl(ctx context.Context, jobID string) error {
	for {
		ctl, err := r.jobs.ControlState(ctx, jobID)
		if err != nil {
			return fmt.Errorf("control state for job %s: %w", jobID, err)
		}

		switch {
		case ctl.CancelRequested:
			ok, err := r.jobs.FinalizeCancel(ctx, jobID)
			if err != nil {
				return fmt.Errorf("finalize cancel for job %s: %w", jobID, err)
			}
			if !ok {
				return errJobLost
			}
			r.logger.InfoContext(ctx, "job cancelled at batch boundary", "job_id", jobID)
			return &parkedError{status: model.JobStatusCancelled}
		case ctl.PauseRequested:
			ok, err := r.jobs.MarkPaused(ctx, jobID)
			if err != nil {
				return fmt.Errorf("mark paused for job %s: %w", jobID, err)
			}
			if ok {
				r.logger.InfoContext(ctx, "job paused at batch boundary", "job_id", jobID)
				return &parkedError{status: model.JobStatusPaused}
			}
			// The request was withdrawn before we parked, or the job moved.
			continue
		case ctl.Status != model.JobStatusRunning:
			return errJobLost
		default:
			return nil
		}
	}
}

// handleRescoreJob walks every live record in id order, recomputing decayed
// freshness one page at a time. Progress rolls into the job row per batch so
// the ops surface can estimate completion.
func (r *Runner) handleRescoreJob(ctx context.Context, job *model.Job) error {
	var payload model.RescorePayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode rescore payload: %w", err)
		}
	}
	batch := payload.BatchSize
	if batch <= 0 {
		batch = r.batch
	}

	var (
		afterID string
		total   int
		avgMS   float64
		pages   int64
	)
	for {
		if err := r.checkControl(ctx, job.ID); err != nil {
			return err
		}

		start := time.Now()
		lastID, n, err := r.records.RescorePage(ctx, afterID, batch)
		if err != nil {
			return fmt.Errorf("rescore page after %q: %w", afterID, err)
		}
		if n == 0 {
			break
		}

		total += n
		afterID = lastID
		avgMS, pages = model.RollAverage(avgMS, pages, float64(time.Since(start).Milliseconds()), rescorePageWindow)
		if _, perr := r.jobs.UpdateProgress(ctx, core.UpdateProgressParams{
			JobID:        job.ID,
			AvgPageMS:    avgMS,
			PagesSampled: pages,
		}); perr != nil {
			// Progress is advisory; the rescore itself already committed.
			r.logger.WarnContext(ctx, "update rescore progress", "job_id", job.ID, "error", perr)
		}
	}

	r.logger.InfoContext(ctx, "rescore complete", "job_id", job.ID, "records", total)
	return nil
}

// handleReportJob generates one quality report snapshot for the scope in the
// job payload, stamping the job id for provenance.
func (r *Runner) handleReportJob(ctx context.Context, job *model.Job) error {
	var payload model.ReportPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode report payload: %w", err)
		}
	}

	if err := r.checkControl(ctx, job.ID); err != nil {
		return err
	}

	scope := model.ReportScope{
		SourceIDs: payload.SourceIDs,
		From:      payload.From,
		To:        payload.To,
	}
	report, err := r.reports.Generate(ctx, scope, &job.ID)
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}

	r.logger.InfoContext(ctx, "quality report generated",
		"job_id", job.ID,
		"report_id", report.ID,
		"records", report.Overall.RecordCount,
		"open_issues", report.OpenIssueCount(),
	)
	return nil
}
