package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	obserrors "github.com/hirewire/cvpipeline/internal/observability/errors"
	"github.com/hirewire/cvpipeline/internal/observability/metrics"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo         core.ReaperRepository // Required: job cleanup repository
	Logs         core.LogRepository    // Required: scrape log retention
	Reports      core.ReportRepository // Required: report retention
	Records      core.RecordRepository // Required: record archival
	Payloads     core.PayloadStore     // Optional: cold storage; payload offload is skipped when nil
	Config       config.ReaperConfig   // Required: reaper configuration
	Logger       *slog.Logger          // Optional: structured logger
	Metrics      statsd.Sink           // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider     // Optional: defaults to real time
}

// ReaperService owns every retention sweep:
// - Failing waiting jobs that were never picked up and enforcing job deadlines.
// - Deleting aged terminal jobs to prevent database bloat.
// - Expiring scrape log entries per their level's retention window.
// - Deleting aged quality report snapshots.
// - Archiving stale records and offloading their raw payloads to cold storage.
type ReaperService struct {
	repo         core.ReaperRepository
	logs         core.LogRepository
	reports      core.ReportRepository
	records      core.RecordRepository
	payloads     core.PayloadStore
	config       config.ReaperConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Logs == nil {
		return nil, errors.New("LogRepository is required")
	}
	if opts.Reports == nil {
		return nil, errors.New("ReportRepository is required")
	}
	if opts.Records == nil {
		return nil, errors.New("RecordRepository is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"pending_max_age", opts.Config.PendingMaxAge,
			"finished_max_age", opts.Config.FinishedMaxAge,
			"log_retention_short", opts.Config.LogRetentionShort,
			"log_retention_long", opts.Config.LogRetentionLong,
			"report_max_age", opts.Config.ReportMaxAge,
			"archive_after", opts.Config.ArchiveAfter,
			"payload_offload", opts.Payloads != nil,
		)
	}

	return &ReaperService{
		repo:         opts.Repo,
		logs:         opts.Logs,
		reports:      opts.Reports,
		records:      opts.Records,
		payloads:     opts.Payloads,
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: tp,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	svc, err := NewReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ReaperService: %w", err)
	}
	return svc, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// It performs cleanup operations at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run cleanup immediately after jitter
	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the cleanup loop until context is cancelled.
func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				if isContextCancellation(err) {
					continue
				}
				// Continue running despite errors
			}
		}
	}
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	op    string
	label string
	fn    cleanupFunc
}

type cleanupOutcome struct {
	op    string
	count int64
	err   error
}

func (s *ReaperService) cleanupSteps() []cleanupStep {
	return []cleanupStep{
		{op: "fail_stale", label: "fail stale waiting jobs", fn: s.failStaleWaitingJobs},
		{op: "enforce_deadlines", label: "enforce job deadlines", fn: s.enforceDeadlines},
		{op: "delete_completed", label: "delete old completed jobs", fn: s.terminalJobDeleter(model.JobStatusCompleted)},
		{op: "delete_failed", label: "delete old failed jobs", fn: s.terminalJobDeleter(model.JobStatusFailed)},
		{op: "delete_cancelled", label: "delete old cancelled jobs", fn: s.terminalJobDeleter(model.JobStatusCancelled)},
		{op: "delete_logs", label: "delete expired log entries", fn: s.deleteExpiredLogs},
		{op: "delete_reports", label: "delete old reports", fn: s.deleteOldReports},
		{op: "archive_records", label: "archive stale records", fn: s.archiveStaleRecords},
		{op: "offload_payloads", label: "offload archived payloads", fn: s.offloadPayloads},
	}
}

// runCleanup performs all cleanup operations. Steps are independent: one
// failing never blocks the rest of the sweep.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		outcomes           []cleanupOutcome
	)

	for _, step := range s.cleanupSteps() {
		count, err := step.fn(ctx)
		outcomes = append(outcomes, cleanupOutcome{
			op:    step.op,
			count: count,
			err:   suppressContextCancellation(err),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allContextCanceled = allContextCanceled && isContextCancellation(err)
		}
	}

	s.emitCleanupMetrics(outcomes, time.Since(start))

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

// failStaleWaitingJobs marks pending and queued jobs older than the configured
// max age as failed. Loops until no more rows are affected to handle large
// datasets in batches.
func (s *ReaperService) failStaleWaitingJobs(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		count, err := s.repo.FailStaleWaitingJobs(ctx, s.config.PendingMaxAge, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed stale waiting jobs",
			"count", totalCount,
			"max_age", s.config.PendingMaxAge,
		)
	}

	return totalCount, nil
}

// enforceDeadlines fails running and paused jobs whose wall-clock deadline
// passed. Workers enforce their own deadlines through the job context; this
// sweep is the backstop for dead workers and forgotten pauses.
func (s *ReaperService) enforceDeadlines(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		count, err := s.repo.EnforceDeadlines(ctx, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed jobs past their deadline", "count", totalCount)
	}

	return totalCount, nil
}

// terminalJobDeleter returns the cleanup step deleting aged jobs in the given
// terminal status. All terminal statuses share one retention window.
func (s *ReaperService) terminalJobDeleter(status model.JobStatus) cleanupFunc {
	return func(ctx context.Context) (int64, error) {
		var totalCount int64
		for {
			count, err := s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    status,
				MaxAge:    s.config.FinishedMaxAge,
				BatchSize: s.config.BatchSize,
			})
			if err != nil {
				return totalCount, err
			}
			totalCount += count
			if count == 0 {
				break
			}
			if ctx.Err() != nil {
				return totalCount, ctx.Err()
			}
		}

		if totalCount > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "deleted old terminal jobs",
				"status", status,
				"count", totalCount,
				"max_age", s.config.FinishedMaxAge,
			)
		}

		return totalCount, nil
	}
}

// deleteExpiredLogs sweeps scrape log entries past their retention: debug and
// info on the short window, warn and above on the long one. The repository
// batches internally under its advisory lock.
func (s *ReaperService) deleteExpiredLogs(ctx context.Context) (int64, error) {
	count, err := s.logs.DeleteExpired(ctx, core.DeleteExpiredLogsParams{
		ShortMaxAge: s.config.LogRetentionShort,
		LongMaxAge:  s.config.LogRetentionLong,
		BatchSize:   s.config.BatchSize,
	})
	if err != nil {
		return count, err
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted expired log entries",
			"count", count,
			"short_max_age", s.config.LogRetentionShort,
			"long_max_age", s.config.LogRetentionLong,
		)
	}

	return count, nil
}

// deleteOldReports sweeps quality report snapshots older than the configured
// max age.
func (s *ReaperService) deleteOldReports(ctx context.Context) (int64, error) {
	count, err := s.reports.DeleteOld(ctx, s.config.ReportMaxAge, s.config.BatchSize)
	if err != nil {
		return count, err
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old reports",
			"count", count,
			"max_age", s.config.ReportMaxAge,
		)
	}

	return count, nil
}

// archiveStaleRecords parks records not rescraped within the archive window.
// Disabled when ArchiveAfter is zero.
func (s *ReaperService) archiveStaleRecords(ctx context.Context) (int64, error) {
	if s.config.ArchiveAfter <= 0 {
		return 0, nil
	}

	cutoff := s.timeProvider.Now().Add(-s.config.ArchiveAfter)
	count, err := s.records.ArchiveStale(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return count, err
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "archived stale records",
			"count", count,
			"archive_after", s.config.ArchiveAfter,
		)
	}

	return count, nil
}

// offloadPayloads moves raw payloads of aged records into cold storage and
// clears the inline copy. Runs only when a payload store is configured and
// archival is enabled.
func (s *ReaperService) offloadPayloads(ctx context.Context) (int64, error) {
	if s.payloads == nil || s.config.ArchiveAfter <= 0 {
		return 0, nil
	}

	cutoff := s.timeProvider.Now().Add(-s.config.ArchiveAfter)
	var totalCount int64
	for {
		candidates, err := s.records.ListPayloadArchiveCandidates(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		if len(candidates) == 0 {
			break
		}

		for _, candidate := range candidates {
			key := payloadKey(candidate)
			if err := s.payloads.Put(ctx, key, candidate.RawPayload); err != nil {
				// The store is likely down for every candidate; abort the
				// step and let the next sweep retry.
				return totalCount, fmt.Errorf("store payload for record %s: %w", candidate.ID, err)
			}
			archived, err := s.records.MarkPayloadArchived(ctx, candidate.ID, key)
			if err != nil {
				return totalCount, fmt.Errorf("mark payload archived for record %s: %w", candidate.ID, err)
			}
			if archived {
				totalCount++
			}
		}

		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "offloaded raw payloads to cold storage", "count", totalCount)
	}

	return totalCount, nil
}

// payloadKey is the cold storage object key for a record's raw payload.
// Keys are stable per record so a re-run after a partial sweep overwrites
// instead of leaking objects.
func payloadKey(c model.PayloadArchiveCandidate) string {
	return fmt.Sprintf("payloads/%s/%s.json", c.SourceID, c.ID)
}

func (s *ReaperService) emitCleanupMetrics(outcomes []cleanupOutcome, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var totalCount int64
	var firstErr error
	for _, o := range outcomes {
		totalCount += o.count
		if firstErr == nil && o.err != nil {
			firstErr = o.err
		}
	}

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, o := range outcomes {
		s.emitCleanupOperationMetric(o)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(o cleanupOutcome) {
	result := metrics.ResultSuccess
	if o.err != nil {
		result = metrics.ResultError
	} else if o.count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": o.op,
		"result":    result,
	}

	if o.err != nil {
		if class := obserrors.Classify(o.err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if o.err == nil && o.count > 0 {
		s.metrics.Count("reaper.rows_processed", o.count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
