package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	apperrors "github.com/hirewire/cvpipeline/internal/errors"
)

const (
	defaultIngestMaxPages        = 10
	defaultIngestPageSize        = 50
	defaultIngestSourceParallel  = 1
	defaultIngestRequestAttempts = 3
	defaultIngestRetryBase       = 500 * time.Millisecond
	defaultIngestRetryMax        = 30 * time.Second
	defaultIngestFetchTimeout    = 30 * time.Second

	// ingestRetryJitter spreads fetch retry delays so workers hammered by the
	// same outage do not retry in lockstep.
	ingestRetryJitter = 0.2

	// ingestPageWindow bounds the rolling page-time average used for ETAs.
	ingestPageWindow = 20
)

// Selector keys reserved for page structure. Keys with the "__" prefix
// describe the page envelope, not record fields, and are never handed to the
// extractor.
const (
	selectorItems = "__items__"
	selectorNext  = "__next__"
	selectorTotal = "__total__"

	defaultItemsKey = "items"
)

// errRecordIncomplete rejects extracted items that lack the minimum identity
// needed to store a record.
var errRecordIncomplete = errors.New("extracted record has no full name")

// errStopRun aborts sibling source workers once a control request or
// ownership loss ends the run. The tracker's stop state carries the reason.
var errStopRun = errors.New("ingest run stopped")

// HeaderResolver fills credential placeholders in request headers before they
// go on the wire.
type HeaderResolver interface {
	ResolveHeaders(ctx context.Context, headers model.HeaderSet) (model.HeaderSet, error)
}

// IngestServiceOptions groups dependencies for IngestService.
type IngestServiceOptions struct {
	Jobs      *JobService              // Required: job lifecycle and control plane
	Sources   core.JobSourceRepository // Required: per-source checkpoint rows
	Registry  *SourceRegistryService   // Required: source configs, health, proxies
	Limiter   *RateLimiterService      // Required: per-source request budgets
	Dedup     *DedupEngine             // Required: duplicate detection and merging
	Scorer    *QualityScorer           // Required: quality scoring at ingest time
	Records   core.RecordRepository    // Required: record persistence
	Fetcher   core.Fetcher             // Required: page retrieval
	Extractor core.Extractor           // Required: field extraction

	Headers      HeaderResolver    // Optional: credential placeholder resolution
	Logs         *LogSink          // Optional: operation log sink
	Logger       *slog.Logger      // Optional: structured logger
	TimeProvider data.TimeProvider // Optional: defaults to real time

	// Defaults fills per-job tuning values the payload leaves unset. Values
	// the payload sets always win; zero defaults fall back to the package
	// defaults.
	Defaults model.IngestConfig

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff between
	// fetch attempts. Zero values fall back to the defaults.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// FetchTimeout caps one fetch round trip when the source does not carry
	// its own request timeout.
	FetchTimeout time.Duration
}

// IngestService runs ingest jobs: it walks each source's listing pages from
// the job's checkpoints, extracts and scores candidate records, reconciles
// them with the dedup index, and folds progress back into the job row at
// every page boundary.
//
// Control requests are honored at page boundaries only. A pause or cancel
// observed there is finalized in place; everything else about the job's
// terminal transition belongs to the caller.
type IngestService struct {
	jobs         *JobService
	sources      core.JobSourceRepository
	registry     *SourceRegistryService
	limiter      *RateLimiterService
	dedup        *DedupEngine
	scorer       *QualityScorer
	records      core.RecordRepository
	fetcher      core.Fetcher
	extractor    core.Extractor
	headers      HeaderResolver
	logs         *LogSink
	logger       *slog.Logger
	timeProvider data.TimeProvider

	defaults     model.IngestConfig
	retryBase    time.Duration
	retryMax     time.Duration
	fetchTimeout time.Duration

	// sleep is swappable so tests observe backoff without waiting it out.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewIngestService constructs a new IngestService.
func NewIngestService(opts IngestServiceOptions) (*IngestService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Sources == nil {
		return nil, errors.New("JobSourceRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("SourceRegistryService is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("RateLimiterService is required")
	}
	if opts.Dedup == nil {
		return nil, errors.New("DedupEngine is required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("QualityScorer is required")
	}
	if opts.Records == nil {
		return nil, errors.New("RecordRepository is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("Fetcher is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("Extractor is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "ingest")
	}

	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultIngestRetryBase
	}
	retryMax := opts.RetryMaxDelay
	if retryMax <= 0 {
		retryMax = defaultIngestRetryMax
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultIngestFetchTimeout
	}

	return &IngestService{
		jobs:         opts.Jobs,
		sources:      opts.Sources,
		registry:     opts.Registry,
		limiter:      opts.Limiter,
		dedup:        opts.Dedup,
		scorer:       opts.Scorer,
		records:      opts.Records,
		fetcher:      opts.Fetcher,
		extractor:    opts.Extractor,
		headers:      opts.Headers,
		logs:         opts.Logs,
		logger:       logger,
		timeProvider: tp,
		defaults:     opts.Defaults,
		retryBase:    retryBase,
		retryMax:     retryMax,
		fetchTimeout: fetchTimeout,
		sleep:        sleepContext,
	}, nil
}

// IngestOutcome is the settled result of one ingest run. Paused and cancelled
// outcomes are already reflected in the job row; completed and failed are
// reported for the caller to finalize.
type IngestOutcome struct {
	Status model.JobStatus

	// Lost means another actor took the job away mid-run (lease reclaim,
	// external cancel) and the run stopped without touching anything further.
	Lost bool

	RecordsIngested int64
	RecordsFailed   int64
	DuplicatesFound int64
	FailedSources   int
	SkippedSources  int

	// Reason explains a failed status in one line for the job's last_error.
	Reason string
}

// ingestStop is the first control decision that ended a run.
type ingestStop struct {
	status model.JobStatus
	lost   bool
}

// ingestTracker is the run-wide mutable state shared by source workers:
// the rolling page-time average, the job's error summary, and the stop state.
type ingestTracker struct {
	mu           sync.Mutex
	avgPageMS    float64
	pagesSampled int64
	errs         model.ErrorSummary
	stop         *ingestStop
}

func newIngestTracker(job *model.Job) *ingestTracker {
	errs := make(model.ErrorSummary, len(job.Errors))
	for k, v := range job.Errors {
		errs[k] = v
	}
	return &ingestTracker{
		avgPageMS:    job.AvgPageMS,
		pagesSampled: job.PagesSampled,
		errs:         errs,
	}
}

func (t *ingestTracker) rollPage(sampleMS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.avgPageMS, t.pagesSampled = model.RollAverage(t.avgPageMS, t.pagesSampled, sampleMS, ingestPageWindow)
}

func (t *ingestTracker) recordError(errType, msg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs.Record(errType, msg, now)
}

// progressSnapshot copies the shared state for an UpdateProgress call so the
// repository never marshals a map another worker is mutating.
func (t *ingestTracker) progressSnapshot() (float64, int64, model.ErrorSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	errs := make(model.ErrorSummary, len(t.errs))
	for k, v := range t.errs {
		errs[k] = v
	}
	return t.avgPageMS, t.pagesSampled, errs
}

// setStop records the first stop decision; later decisions lose.
func (t *ingestTracker) setStop(stop ingestStop) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		t.stop = &stop
	}
}

func (t *ingestTracker) stopState() *ingestStop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop
}

// Execute runs one reserved ingest job until it settles: completed, failed,
// paused, cancelled, or lost to another actor. Sources run from their stored
// checkpoints, so a requeued job repeats no finished page.
func (s *IngestService) Execute(ctx context.Context, job *model.Job) (*IngestOutcome, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if job.Type != model.JobTypeIngest {
		return nil, fmt.Errorf("job %s has type %s, want %s", job.ID, job.Type, model.JobTypeIngest)
	}

	var payload model.IngestPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode ingest payload for job %s: %w", job.ID, err)
	}
	cfg := sanitizeIngestConfig(payload.Config, s.defaults)

	rows, err := s.sources.ListJobSources(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list sources for job %s: %w", job.ID, err)
	}

	status, settled := model.OverallStatus(rows, job.FailureTolerance)
	if settled && status != model.JobStatusFailed {
		// Every source already settled; a previous run crashed between its
		// last source and the final transition. Hand the outcome back as-is.
		return buildOutcome(rows, job.FailureTolerance), nil
	}
	if settled {
		// A requeued retry arrives with every source terminal. Reopen the
		// failed ones so only they rerun, each from its checkpoint.
		reopened, rerr := s.sources.ResetFailedSources(ctx, job.ID)
		if rerr != nil {
			return nil, fmt.Errorf("reset failed sources for job %s: %w", job.ID, rerr)
		}
		if s.logger != nil {
			s.logger.InfoContext(ctx, "reopened failed sources for retry",
				"job_id", job.ID,
				"sources", reopened,
			)
		}
		rows, err = s.sources.ListJobSources(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("list sources for job %s: %w", job.ID, err)
		}
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "ingest job starting",
			"job_id", job.ID,
			"sources", len(rows),
			"max_pages", cfg.MaxPages,
			"parallel", cfg.SourceParallel,
		)
	}

	tracker := newIngestTracker(job)
	g, runCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.SourceParallel)
	for i := range rows {
		row := rows[i]
		g.Go(func() error {
			return s.runSource(runCtx, job, &row, &payload, cfg, tracker)
		})
	}
	waitErr := g.Wait()

	if stop := tracker.stopState(); stop != nil {
		if stop.lost {
			if s.logger != nil {
				s.logger.InfoContext(ctx, "ingest run lost job ownership", "job_id", job.ID)
			}
			return &IngestOutcome{Lost: true}, nil
		}
		if s.logger != nil {
			s.logger.InfoContext(ctx, "ingest run stopped",
				"job_id", job.ID,
				"status", stop.status,
			)
		}
		return &IngestOutcome{Status: stop.status}, nil
	}
	if waitErr != nil {
		return nil, waitErr
	}

	final, err := s.sources.ListJobSources(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reload sources for job %s: %w", job.ID, err)
	}
	if _, settled := model.OverallStatus(final, job.FailureTolerance); !settled {
		return nil, fmt.Errorf("job %s has unsettled sources after run", job.ID)
	}

	outcome := buildOutcome(final, job.FailureTolerance)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "ingest job settled",
			"job_id", job.ID,
			"status", outcome.Status,
			"ingested", outcome.RecordsIngested,
			"failed", outcome.RecordsFailed,
			"duplicates", outcome.DuplicatesFound,
			"failed_sources", outcome.FailedSources,
			"skipped_sources", outcome.SkippedSources,
		)
	}
	return outcome, nil
}

// checkControl applies any pending control request at a safe point. A pause
// or cancel is finalized here, after the worker's checkpoints are durable;
// the returned errStopRun unwinds this worker and its siblings.
func (s *IngestService) checkControl(ctx context.Context, jobID string, tracker *ingestTracker) error {
	for {
		ctl, err := s.jobs.ControlState(ctx, jobID)
		if err != nil {
			return fmt.Errorf("control state for job %s: %w", jobID, err)
		}

		switch {
		case ctl.CancelRequested:
			// A cancel request has no withdrawal, so a false here means the
			// job moved out from under us.
			ok, err := s.jobs.FinalizeCancel(ctx, jobID)
			if err != nil {
				return fmt.Errorf("finalize cancel for job %s: %w", jobID, err)
			}
			if ok {
				if s.logger != nil {
					s.logger.InfoContext(ctx, "job cancelled at safe point", "job_id", jobID)
				}
				tracker.setStop(ingestStop{status: model.JobStatusCancelled})
			} else {
				tracker.setStop(ingestStop{lost: true})
			}
			return errStopRun
		case ctl.PauseRequested:
			ok, err := s.jobs.MarkPaused(ctx, jobID)
			if err != nil {
				return fmt.Errorf("mark paused for job %s: %w", jobID, err)
			}
			if ok {
				if s.logger != nil {
					s.logger.InfoContext(ctx, "job paused at safe point", "job_id", jobID)
				}
				tracker.setStop(ingestStop{status: model.JobStatusPaused})
				return errStopRun
			}
			// The request was withdrawn before we parked, or the job moved.
			// Re-read and decide on the fresh state.
			continue
		case ctl.Status != model.JobStatusRunning:
			// Another actor moved the job; stop without touching anything.
			tracker.setStop(ingestStop{lost: true})
			return errStopRun
		default:
			return nil
		}
	}
}

// runSource drives one source from its checkpoint to a terminal sub-status.
// Only infrastructure trouble and run stops return an error; a source that
// fails on its own terms settles as failed or skipped and returns nil.
func (s *IngestService) runSource(
	ctx context.Context,
	job *model.Job,
	row *model.JobSource,
	payload *model.IngestPayload,
	cfg model.IngestConfig,
	tracker *ingestTracker,
) error {
	if row.Status.Terminal() {
		return nil
	}
	if row.Status == model.SubStatusPending {
		ok, err := s.sources.StartSource(ctx, job.ID, row.SourceID)
		if err != nil {
			return fmt.Errorf("start source %s for job %s: %w", row.SourceID, job.ID, err)
		}
		if !ok {
			// No longer pending: a cancel marked it skipped between listing
			// and starting.
			return nil
		}
	}

	src, err := s.registry.Get(ctx, row.SourceID)
	if err != nil {
		if errors.Is(err, data.ErrSourceNotFound) {
			return s.finishSource(ctx, job.ID, row.SourceID, model.SubStatusFailed, "source no longer exists")
		}
		return err
	}
	if !s.registry.IsAvailable(src) {
		s.opLog(ctx, healthCheckEntry(job.ID, src, "source unavailable"))
		return s.finishSource(ctx, job.ID, row.SourceID, model.SubStatusSkipped, "source unavailable")
	}

	headers := src.RequestHeaders.Clone()
	if s.headers != nil {
		resolved, rerr := s.headers.ResolveHeaders(ctx, headers)
		if rerr != nil {
			return s.finishSource(ctx, job.ID, row.SourceID, model.SubStatusFailed,
				fmt.Sprintf("resolve headers: %v", rerr))
		}
		headers = resolved
	}

	run := &sourceRun{
		svc:     s,
		job:     job,
		src:     src,
		row:     row,
		cfg:     cfg,
		filters: payload.Filters,
		headers: headers,
		tracker: tracker,
	}
	return run.run(ctx)
}

// finishSource settles a source that never got a page loop going. A false
// return from the repository means a cancel already skipped the row, which is
// just as settled.
func (s *IngestService) finishSource(ctx context.Context, jobID, sourceID string, status model.SubStatus, lastError string) error {
	params := core.FinishSourceParams{JobID: jobID, SourceID: sourceID, Status: status}
	if lastError != "" {
		params.LastError = &lastError
	}
	if _, err := s.sources.FinishSource(ctx, params); err != nil {
		return fmt.Errorf("finish source %s for job %s: %w", sourceID, jobID, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "source settled without pages",
			"job_id", jobID,
			"source_id", sourceID,
			"status", status,
			"last_error", lastError,
		)
	}
	return nil
}

func (s *IngestService) opLog(ctx context.Context, entry model.LogEntry) {
	if s.logs == nil {
		return
	}
	s.logs.Log(ctx, entry)
}

// retryDelay grows exponentially per prior failure, capped at the maximum,
// with jitter on top.
func (s *IngestService) retryDelay(failures int) time.Duration {
	d := s.retryBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.retryMax {
			break
		}
	}
	if d > s.retryMax {
		d = s.retryMax
	}
	return uniformJitter(d, ingestRetryJitter)
}

func healthCheckEntry(jobID string, src *model.Source, msg string) model.LogEntry {
	id := jobID
	sourceID := src.ID
	return model.LogEntry{
		JobID:     &id,
		SourceID:  &sourceID,
		Operation: model.OpHealthCheck,
		Level:     model.LogWarn,
		Target:    src.BaseURL,
		Error:     &msg,
	}
}

// sourceRun walks one source's listing pages. All fields are goroutine-local
// except the tracker.
type sourceRun struct {
	svc     *IngestService
	job     *model.Job
	src     *model.Source
	row     *model.JobSource
	cfg     model.IngestConfig
	filters model.IngestFilters
	headers model.HeaderSet
	tracker *ingestTracker

	fields  model.SelectorSet
	timeout time.Duration

	pagesDone  int
	totalPages int
	cursor     *string
	ingested   int64
	failed     int64
	dups       int64

	lastProxy string
	proxySeen bool
}

func (r *sourceRun) run(ctx context.Context) error {
	r.pagesDone = r.row.PagesDone
	r.totalPages = r.row.TotalPages
	r.cursor = r.row.Cursor
	r.ingested = r.row.RecordsIngested
	r.failed = r.row.RecordsFailed
	r.dups = r.row.DuplicatesFound
	if r.totalPages <= 0 {
		r.totalPages = r.cfg.MaxPages
	}
	r.fields = fieldSelectors(r.src.Selectors)
	r.timeout = r.svc.fetchTimeout
	if r.src.RequestTimeoutMS > 0 {
		r.timeout = time.Duration(r.src.RequestTimeoutMS) * time.Millisecond
	}
	usesCursor := r.src.Selectors[selectorNext] != ""

	for page := r.pagesDone + 1; page <= r.cfg.MaxPages; page++ {
		if err := r.svc.checkControl(ctx, r.job.ID, r.tracker); err != nil {
			return err
		}

		if err := r.svc.limiter.Acquire(ctx, r.src); err != nil {
			if !apperrors.IsRateLimited(err) {
				return fmt.Errorf("acquire rate limit for source %s: %w", r.src.ID, err)
			}
			// Reject policy and the budget is gone. The source skips rather
			// than fails: an exhausted allowance is not a broken source.
			r.tracker.recordError("rate_limit", err.Error(), r.svc.timeProvider.Now())
			msg := err.Error()
			r.logOp(ctx, model.LogEntry{
				Operation: model.OpRateLimit,
				Level:     model.LogWarn,
				Target:    r.src.BaseURL,
				Error:     &msg,
			})
			return r.finish(ctx, model.SubStatusSkipped, "request budget exhausted: "+err.Error())
		}

		pageStart := time.Now()
		pageURL, err := r.pageURL(page)
		if err != nil {
			return r.finish(ctx, model.SubStatusFailed, err.Error())
		}

		body, err := r.fetchPage(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return r.finish(ctx, model.SubStatusFailed, err.Error())
		}

		pd, err := splitPage(body, r.src.Selectors)
		if err != nil {
			r.tracker.recordError("parse", err.Error(), r.svc.timeProvider.Now())
			msg := err.Error()
			r.logOp(ctx, model.LogEntry{
				Operation: model.OpParse,
				Level:     model.LogError,
				Target:    pageURL,
				Error:     &msg,
			})
			return r.finish(ctx, model.SubStatusFailed, fmt.Sprintf("parse page %d: %v", page, err))
		}
		if pd.totalPages > 0 {
			r.totalPages = pd.totalPages
			if r.totalPages > r.cfg.MaxPages {
				r.totalPages = r.cfg.MaxPages
			}
		}
		if len(pd.items) == 0 {
			// The listing ended before the page cap.
			return r.finish(ctx, model.SubStatusCompleted, "")
		}

		for _, item := range pd.items {
			if err := r.processItem(ctx, item); err != nil {
				return err
			}
		}

		r.pagesDone = page
		if pd.nextCursor != "" {
			cursor := pd.nextCursor
			r.cursor = &cursor
		}
		r.tracker.rollPage(float64(time.Since(pageStart).Milliseconds()))
		if err := r.checkpoint(ctx); err != nil {
			return err
		}

		if len(pd.items) < r.cfg.PageSize || (usesCursor && pd.nextCursor == "") {
			return r.finish(ctx, model.SubStatusCompleted, "")
		}
	}
	return r.finish(ctx, model.SubStatusCompleted, "")
}

// fetchPage retrieves one page through the source's proxy rotation. Transport
// errors, HTTP 429, and 5xx retry with exponential backoff; any other non-2xx
// fails the page outright. Every attempt feeds the source's health and proxy
// accounting.
func (r *sourceRun) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.RequestAttempts; attempt++ {
		if attempt > 1 {
			msg := lastErr.Error()
			r.logOp(ctx, model.LogEntry{
				Operation:  model.OpRetry,
				Level:      model.LogWarn,
				Target:     pageURL,
				Error:      &msg,
				RetryCount: attempt - 1,
			})
			if err := r.svc.sleep(ctx, r.svc.retryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		proxyURL, err := r.nextProxy(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoProxyAvailable) {
				return nil, err
			}
			// Whole pool cooling down and direct is off limits; cooldowns
			// may clear before the next attempt.
			lastErr = fmt.Errorf("fetch %s: %w", pageURL, err)
			continue
		}

		start := time.Now()
		res, err := r.svc.fetcher.Fetch(ctx, core.FetchRequest{
			URL:      pageURL,
			Headers:  r.headers,
			ProxyURL: proxyURL,
			Timeout:  r.timeout,
		})
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.recordFetchOutcome(ctx, proxyURL, false, elapsed)
			lastErr = fmt.Errorf("fetch %s: %w", pageURL, err)
			continue
		}
		if res.Timing > 0 {
			elapsed = res.Timing
		}

		success := res.StatusCode >= 200 && res.StatusCode < 300
		r.recordFetchOutcome(ctx, proxyURL, success, elapsed)
		if success {
			ms := float64(elapsed.Milliseconds())
			r.logOp(ctx, model.LogEntry{
				Operation:  model.OpFetch,
				Level:      model.LogDebug,
				Target:     pageURL,
				DurationMS: &ms,
				RetryCount: attempt - 1,
			})
			return res.Payload, nil
		}

		lastErr = fmt.Errorf("fetch %s: status %d", pageURL, res.StatusCode)
		if !retryableFetchStatus(res.StatusCode) {
			break
		}
	}

	r.tracker.recordError("fetch", lastErr.Error(), r.svc.timeProvider.Now())
	msg := lastErr.Error()
	r.logOp(ctx, model.LogEntry{
		Operation: model.OpFetch,
		Level:     model.LogError,
		Target:    pageURL,
		Error:     &msg,
	})
	return nil, lastErr
}

// nextProxy picks the proxy for the next attempt, falling back to a direct
// connection when the pool is empty and the source allows it.
func (r *sourceRun) nextProxy(ctx context.Context) (string, error) {
	proxyURL, err := r.svc.registry.NextProxy(r.src)
	if err != nil {
		if !errors.Is(err, ErrNoProxyAvailable) || !r.src.AllowDirect {
			return "", err
		}
		proxyURL = ""
	}
	if r.proxySeen && proxyURL != r.lastProxy {
		target := proxyURL
		if target == "" {
			target = "direct"
		}
		r.logOp(ctx, model.LogEntry{
			Operation: model.OpProxySwitch,
			Level:     model.LogInfo,
			Target:    target,
		})
	}
	r.proxySeen = true
	r.lastProxy = proxyURL
	return proxyURL, nil
}

// recordFetchOutcome folds one attempt into the source's health and proxy
// state. Accounting trouble never aborts scraping; the refreshed source, when
// returned, keeps proxy cooldowns current for the next pick.
func (r *sourceRun) recordFetchOutcome(ctx context.Context, proxyURL string, success bool, elapsed time.Duration) {
	updated, err := r.svc.registry.RecordOutcome(ctx, OutcomeParams{
		SourceID:   r.src.ID,
		ProxyURL:   proxyURL,
		Success:    success,
		ResponseMS: float64(elapsed.Milliseconds()),
	})
	if err != nil {
		if r.svc.logger != nil {
			r.svc.logger.WarnContext(ctx, "record fetch outcome failed",
				"source_id", r.src.ID,
				"error", err,
			)
		}
		return
	}
	if updated != nil {
		r.src = updated
	}
}

// processItem turns one raw item into a stored record. Extraction and
// validation failures burn the item and count against the source; storage
// failures abort the run so the page replays after a requeue.
func (r *sourceRun) processItem(ctx context.Context, item json.RawMessage) error {
	rec, err := r.buildRecord(ctx, item)
	if err != nil {
		r.failed++
		op, errType := model.OpParse, "parse"
		if errors.Is(err, errRecordIncomplete) {
			op, errType = model.OpValidate, "validation"
		}
		r.tracker.recordError(errType, err.Error(), r.svc.timeProvider.Now())
		msg := err.Error()
		r.logOp(ctx, model.LogEntry{
			Operation: op,
			Level:     model.LogWarn,
			Target:    r.src.BaseURL,
			Error:     &msg,
		})
		return nil
	}

	outcome, err := r.persistRecord(ctx, rec)
	if err != nil {
		return err
	}
	r.ingested++
	r.logOp(ctx, model.LogEntry{
		Operation: model.OpSave,
		Level:     model.LogDebug,
		Target:    outcome.CanonicalID,
	})
	if outcome.Merged || outcome.Flagged {
		level := model.LogDebug
		if outcome.Merged {
			level = model.LogInfo
			r.dups++
		}
		meta, _ := json.Marshal(outcome)
		r.logOp(ctx, model.LogEntry{
			Operation: model.OpDedup,
			Level:     level,
			Target:    outcome.DuplicateID,
			Meta:      meta,
		})
	}
	return nil
}

// buildRecord extracts, assembles, normalizes, and scores a record from one
// raw item. The raw payload rides along for later cold storage.
func (r *sourceRun) buildRecord(ctx context.Context, item json.RawMessage) (*model.CVRecord, error) {
	candidates, err := r.svc.extractor.Extract(ctx, item, r.fields)
	if err != nil {
		return nil, fmt.Errorf("extract fields: %w", err)
	}
	fields := bestCandidates(candidates)

	rec := &model.CVRecord{
		FullName:       fields["full_name"],
		Email:          fields["email"],
		Phone:          fields["phone"],
		Headline:       fields["headline"],
		Summary:        fields["summary"],
		Location:       fields["location"],
		CurrentTitle:   fields["current_title"],
		CurrentCompany: fields["current_company"],
		SourceID:       r.src.ID,
		ExternalID:     fields["external_id"],
		ScrapedAt:      r.svc.timeProvider.Now(),
		RawPayload:     item,
	}
	if rec.FullName == "" {
		return nil, errRecordIncomplete
	}
	if rec.ExternalID == "" {
		// No stable id from the source; synthesize one and let dedup fold
		// re-scrapes of the same person together.
		rec.ExternalID = uuid.NewString()
	}
	if v := fields["keywords"]; v != "" {
		rec.Keywords = splitList(v)
	}
	if v := fields["years_experience"]; v != "" {
		if years, perr := strconv.ParseFloat(strings.TrimSpace(v), 64); perr == nil {
			rec.YearsExperience = years
		}
	}
	if v := fields["experience"]; v != "" {
		var entries []model.ExperienceEntry
		if json.Unmarshal([]byte(v), &entries) == nil {
			rec.Experience = entries
		}
	}
	if v := fields["education"]; v != "" {
		var entries []model.EducationEntry
		if json.Unmarshal([]byte(v), &entries) == nil {
			rec.Education = entries
		}
	}
	rec.Normalize()

	scores := r.svc.scorer.Score(rec)
	rec.Completeness = scores.Completeness
	rec.Freshness = scores.Freshness
	rec.Overall = scores.Overall
	rec.Accuracy = scores.Accuracy
	rec.ValidationErrors = scores.ValidationErrors
	rec.InferredLevel = scores.InferredLevel
	rec.EstimatedBand = scores.EstimatedBand
	rec.Insights = scores.Insights
	rec.Status = model.RecordStatusProcessed
	if len(scores.Insights) > 0 {
		rec.Status = model.RecordStatusEnriched
	}
	return rec, nil
}

// persistRecord writes the record and reconciles it with the dedup index.
// A record already stored for the same provenance refreshes in place; an
// insert that collides with a canonical fingerprint enters pre-parked behind
// that canonical. Either way the dedup pass settles the final shape.
func (r *sourceRun) persistRecord(ctx context.Context, rec *model.CVRecord) (*model.MergeOutcome, error) {
	stored, err := r.svc.records.Insert(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, data.ErrRecordAlreadyExists):
		if stored, err = r.refreshScraped(ctx, rec); err != nil {
			return nil, err
		}
	case errors.Is(err, data.ErrFingerprintTaken):
		if stored, err = r.insertParked(ctx, rec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("insert record %s/%s: %w", rec.SourceID, rec.ExternalID, err)
	}

	outcome, err := r.svc.dedup.Check(ctx, stored)
	if err != nil {
		return nil, fmt.Errorf("dedup check for record %s: %w", stored.ID, err)
	}
	return outcome, nil
}

// refreshScraped reruns a scrape over an already-stored record. When the
// refreshed identity collides with another canonical's fingerprint, the
// stored row keeps its old data and the dedup pass merges the refreshed
// shape behind that canonical instead.
func (r *sourceRun) refreshScraped(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
	stored, err := r.svc.records.UpdateScraped(ctx, rec)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, data.ErrFingerprintTaken) {
		return nil, fmt.Errorf("refresh record %s/%s: %w", rec.SourceID, rec.ExternalID, err)
	}

	existing, gerr := r.svc.records.GetBySourceExternalID(ctx, rec.SourceID, rec.ExternalID)
	if gerr != nil {
		return nil, fmt.Errorf("load record %s/%s: %w", rec.SourceID, rec.ExternalID, gerr)
	}
	refreshed := *rec
	refreshed.ID = existing.ID
	refreshed.CreatedAt = existing.CreatedAt
	refreshed.Status = existing.Status
	return &refreshed, nil
}

// insertParked stores a new record directly behind the canonical that holds
// its fingerprint, bypassing the canonical index.
func (r *sourceRun) insertParked(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
	if rec.Fingerprint == nil {
		return nil, fmt.Errorf("insert record %s/%s: fingerprint collision without a fingerprint", rec.SourceID, rec.ExternalID)
	}
	canonical, err := r.svc.dedup.CanonicalFor(ctx, *rec.Fingerprint)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		// The canonical vanished between the insert and the lookup; a plain
		// insert should take the index now.
		stored, ierr := r.svc.records.Insert(ctx, rec)
		if ierr != nil {
			return nil, fmt.Errorf("insert record %s/%s: %w", rec.SourceID, rec.ExternalID, ierr)
		}
		return stored, nil
	}

	parked := *rec
	parked.DuplicateOf = &canonical.ID
	parked.Status = model.RecordStatusDuplicate
	stored, err := r.svc.records.Insert(ctx, &parked)
	if err != nil {
		return nil, fmt.Errorf("insert parked record %s/%s: %w", rec.SourceID, rec.ExternalID, err)
	}
	return stored, nil
}

// checkpoint makes the source's resume point and the job's progress durable.
// A false from either write means another actor owns the job now.
func (r *sourceRun) checkpoint(ctx context.Context) error {
	ok, err := r.svc.sources.CheckpointSource(ctx, core.CheckpointSourceParams{
		JobID:           r.job.ID,
		SourceID:        r.src.ID,
		PagesDone:       r.pagesDone,
		TotalPages:      r.totalPages,
		Cursor:          r.cursor,
		RecordsIngested: r.ingested,
		RecordsFailed:   r.failed,
		DuplicatesFound: r.dups,
	})
	if err != nil {
		return fmt.Errorf("checkpoint source %s for job %s: %w", r.src.ID, r.job.ID, err)
	}
	if !ok {
		return r.lostRun()
	}

	avg, sampled, errs := r.tracker.progressSnapshot()
	ok, err = r.svc.jobs.UpdateProgress(ctx, core.UpdateProgressParams{
		JobID:        r.job.ID,
		AvgPageMS:    avg,
		PagesSampled: sampled,
		Errors:       errs,
	})
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", r.job.ID, err)
	}
	if !ok {
		return r.lostRun()
	}
	return nil
}

// finish checkpoints the final counters and settles the source.
func (r *sourceRun) finish(ctx context.Context, status model.SubStatus, lastError string) error {
	if status == model.SubStatusCompleted {
		r.totalPages = r.pagesDone
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	params := core.FinishSourceParams{JobID: r.job.ID, SourceID: r.src.ID, Status: status}
	if lastError != "" {
		params.LastError = &lastError
	}
	ok, err := r.svc.sources.FinishSource(ctx, params)
	if err != nil {
		return fmt.Errorf("finish source %s for job %s: %w", r.src.ID, r.job.ID, err)
	}
	if !ok {
		return r.lostRun()
	}

	if r.svc.logger != nil {
		r.svc.logger.InfoContext(ctx, "source finished",
			"job_id", r.job.ID,
			"source_id", r.src.ID,
			"status", status,
			"pages", r.pagesDone,
			"ingested", r.ingested,
			"failed", r.failed,
			"duplicates", r.dups,
		)
	}
	return nil
}

func (r *sourceRun) lostRun() error {
	r.tracker.setStop(ingestStop{lost: true})
	return errStopRun
}

func (r *sourceRun) logOp(ctx context.Context, entry model.LogEntry) {
	jobID, sourceID := r.job.ID, r.src.ID
	entry.JobID = &jobID
	entry.SourceID = &sourceID
	r.svc.opLog(ctx, entry)
}

// pageURL builds the request URL for one listing page. A cursor handed back
// by the source wins over page numbers; filters ride along as query
// parameters so the source narrows results server-side.
func (r *sourceRun) pageURL(page int) (string, error) {
	u, err := url.Parse(r.src.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url for source %s: %w", r.src.ID, err)
	}
	q := u.Query()
	if r.cursor != nil && *r.cursor != "" {
		q.Set("cursor", *r.cursor)
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	q.Set("per_page", strconv.Itoa(r.cfg.PageSize))
	if len(r.filters.Keywords) > 0 {
		q.Set("keywords", strings.Join(r.filters.Keywords, ","))
	}
	if r.filters.Location != "" {
		q.Set("location", r.filters.Location)
	}
	if r.filters.PostedWithinD > 0 {
		q.Set("posted_within_days", strconv.Itoa(r.filters.PostedWithinD))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pageData is one decoded listing page.
type pageData struct {
	items      []json.RawMessage
	nextCursor string
	totalPages int
}

// splitPage breaks a page payload into per-record payloads. A payload is
// either a bare JSON array or an envelope object whose item array lives under
// the key named by the __items__ selector. Envelopes can also carry a
// next-page cursor and a total page count under their own reserved selectors.
func splitPage(payload []byte, selectors model.SelectorSet) (*pageData, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return &pageData{}, nil
	}

	pd := &pageData{}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &pd.items); err != nil {
			return nil, fmt.Errorf("decode item array: %w", err)
		}
		return pd, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode page envelope: %w", err)
	}

	itemsKey := selectors[selectorItems]
	if itemsKey == "" {
		itemsKey = defaultItemsKey
	}
	raw, ok := envelope[itemsKey]
	if !ok {
		return nil, fmt.Errorf("page envelope has no %q array", itemsKey)
	}
	if err := json.Unmarshal(raw, &pd.items); err != nil {
		return nil, fmt.Errorf("decode %q array: %w", itemsKey, err)
	}

	// Cursor and total are hints; a malformed value reads as absent.
	if key := selectors[selectorNext]; key != "" {
		if raw, ok := envelope[key]; ok {
			_ = json.Unmarshal(raw, &pd.nextCursor)
		}
	}
	if key := selectors[selectorTotal]; key != "" {
		if raw, ok := envelope[key]; ok {
			_ = json.Unmarshal(raw, &pd.totalPages)
		}
	}
	return pd, nil
}

// fieldSelectors strips the reserved page-structure selectors so the
// extractor only sees record fields.
func fieldSelectors(selectors model.SelectorSet) model.SelectorSet {
	fields := make(model.SelectorSet, len(selectors))
	for k, v := range selectors {
		if strings.HasPrefix(k, "__") {
			continue
		}
		fields[k] = v
	}
	return fields
}

// bestCandidates keeps the highest-confidence non-empty value per field.
func bestCandidates(candidates []model.FieldCandidate) map[string]string {
	best := make(map[string]model.FieldCandidate, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Value) == "" {
			continue
		}
		if cur, ok := best[c.Field]; !ok || c.Confidence > cur.Confidence {
			best[c.Field] = c
		}
	}
	fields := make(map[string]string, len(best))
	for f, c := range best {
		fields[f] = strings.TrimSpace(c.Value)
	}
	return fields
}

// splitList splits a comma- or semicolon-separated value into trimmed parts.
func splitList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func retryableFetchStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func sanitizeIngestConfig(cfg, defaults model.IngestConfig) model.IngestConfig {
	cfg.MaxPages = firstPositive(cfg.MaxPages, defaults.MaxPages, defaultIngestMaxPages)
	cfg.PageSize = firstPositive(cfg.PageSize, defaults.PageSize, defaultIngestPageSize)
	cfg.SourceParallel = firstPositive(cfg.SourceParallel, defaults.SourceParallel, defaultIngestSourceParallel)
	cfg.RequestAttempts = firstPositive(cfg.RequestAttempts, defaults.RequestAttempts, defaultIngestRequestAttempts)
	return cfg
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// buildOutcome folds settled source rows into the run's outcome.
func buildOutcome(rows []model.JobSource, tolerance float64) *IngestOutcome {
	status, _ := model.OverallStatus(rows, tolerance)
	out := &IngestOutcome{Status: status}
	for i := range rows {
		out.RecordsIngested += rows[i].RecordsIngested
		out.RecordsFailed += rows[i].RecordsFailed
		out.DuplicatesFound += rows[i].DuplicatesFound
		switch rows[i].Status {
		case model.SubStatusFailed:
			out.FailedSources++
		case model.SubStatusSkipped:
			out.SkippedSources++
		}
	}
	if status == model.JobStatusFailed {
		out.Reason = fmt.Sprintf("%d of %d sources failed", out.FailedSources, len(rows))
	}
	return out
}
