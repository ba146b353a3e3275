package core

import (
	"context"
	"time"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// UpdateProgressParams carries the owning worker's rolled-up progress for a job.
type UpdateProgressParams struct {
	JobID        string
	AvgPageMS    float64
	PagesSampled int64
	Errors       model.ErrorSummary
}

// JobRepository defines the interface for job lifecycle and queue operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// ReserveNext claims the highest-priority queued job of the given type and
	// moves it to running under a lease of leaseSeconds. Returns
	// model.ErrNoJobsAvailable when nothing is queued.
	ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error)
	// WaitForNotification blocks until a job of the given type is enqueued or
	// the context ends.
	WaitForNotification(ctx context.Context, jobType model.JobType) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	UpdateProgress(ctx context.Context, params UpdateProgressParams) (bool, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithSourceCounts, error)
	ListBySource(ctx context.Context, opts model.JobListBySourceOptions) ([]*model.Job, error)
	ListRecentByType(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error)
	CountBySource(ctx context.Context, sourceID string) (int, error)
	CountAggregatesBySources(ctx context.Context, ids []string) (map[string]model.SourceJobCounts, error)
	Delete(ctx context.Context, id string) error
	// DeletePendingByScheduledTask removes not-yet-claimed jobs queued on
	// behalf of a scheduled task, used when the task is deleted or disabled.
	DeletePendingByScheduledTask(ctx context.Context, taskName string) (int, error)
}

// CancelResult describes how a cancel request took effect.
type CancelResult string

const (
	// CancelImmediate means the job was cancelled in place before any worker owned it.
	CancelImmediate CancelResult = "immediate"
	// CancelRequested means a running worker owns the job and will stop at its next safe point.
	CancelRequested CancelResult = "requested"
)

// JobControlRepository defines the interface for cooperative pause, resume,
// and cancel operations on jobs.
type JobControlRepository interface {
	// RequestPause flags a running job; the owning worker parks at its next
	// checkpoint.
	RequestPause(ctx context.Context, id string) error
	// MarkPaused is called by the worker once it has parked. Returns false if
	// the pause request was withdrawn in the meantime.
	MarkPaused(ctx context.Context, id string) (bool, error)
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) (CancelResult, error)
	// FinalizeCancel moves a cancel-requested job to cancelled once the worker
	// has stopped.
	FinalizeCancel(ctx context.Context, id string) (bool, error)
	ControlState(ctx context.Context, id string) (*model.JobControl, error)
}

// CheckpointSourceParams carries the durable per-source resume point. A
// restarted worker continues from PagesDone+1 with the stored cursor.
type CheckpointSourceParams struct {
	JobID           string
	SourceID        string
	PagesDone       int
	TotalPages      int
	Cursor          *string
	RecordsIngested int64
	RecordsFailed   int64
	DuplicatesFound int64
}

// FinishSourceParams carries a source's terminal sub-status.
type FinishSourceParams struct {
	JobID     string
	SourceID  string
	Status    model.SubStatus
	LastError *string
}

// JobSourceRepository defines the interface for per-source progress tracking
// within a job.
type JobSourceRepository interface {
	ListJobSources(ctx context.Context, jobID string) ([]model.JobSource, error)
	StartSource(ctx context.Context, jobID, sourceID string) (bool, error)
	CheckpointSource(ctx context.Context, params CheckpointSourceParams) (bool, error)
	FinishSource(ctx context.Context, params FinishSourceParams) (bool, error)
	GetJobSource(ctx context.Context, jobID, sourceID string) (*model.JobSource, error)
	// ResetFailedSources moves a job's failed sources back to pending, keeping
	// their page checkpoints, so a requeued retry reworks only what failed.
	ResetFailedSources(ctx context.Context, jobID string) (int64, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// FailStaleWaitingJobs marks pending and queued jobs older than maxAge as
	// failed. Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs marked as failed.
	FailStaleWaitingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// EnforceDeadlines fails running jobs whose deadline passed and reclaims
	// jobs whose lease expired. Returns the number of jobs acted on.
	EnforceDeadlines(ctx context.Context, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// RecordOutcomeParams describes one scrape outcome to fold into a source.
type RecordOutcomeParams struct {
	SourceID string
	// ProxyURL is the proxy the request went through, empty for a direct
	// connection.
	ProxyURL   string
	Success    bool
	ResponseMS float64
	Health     model.HealthThresholds
	// ProxyCooldownAfter is the consecutive-failure count that puts a proxy
	// into cooldown, ProxyCooldown for how long. Zero values fall back to
	// the defaults.
	ProxyCooldownAfter int
	ProxyCooldown      time.Duration
}

// RecordOutcomeResult reports the source state after an outcome was recorded.
type RecordOutcomeResult struct {
	Source        *model.Source
	HealthChanged bool
	ProxyCooled   bool
}

// SourceRepository defines the interface for source data operations.
type SourceRepository interface {
	Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error)
	GetByID(ctx context.Context, id string) (*model.Source, error)
	GetByName(ctx context.Context, name string) (*model.Source, error)
	List(ctx context.Context, limit, offset int) ([]*model.Source, error)
	ListByNameContains(ctx context.Context, q string, limit, offset int) ([]*model.Source, error)
	ListByIDs(ctx context.Context, ids []string) ([]*model.Source, error)
	// ListActive returns enabled sources, the set health probes walk.
	ListActive(ctx context.Context) ([]*model.Source, error)
	Update(ctx context.Context, id string, req model.UpdateSourceRequest) (*model.Source, error)
	// RecordOutcome folds one scrape outcome into the source counters, the
	// health state machine, and the proxy pool.
	RecordOutcome(ctx context.Context, params RecordOutcomeParams) (*RecordOutcomeResult, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// UpdateScoresParams carries one scoring pass to persist.
type UpdateScoresParams struct {
	ID               string
	Completeness     float64
	Freshness        float64
	Overall          float64
	Accuracy         float64
	ValidationErrors []model.FieldValidationError
	InferredLevel    model.ExperienceLevel
	EstimatedBand    model.CompBand
	Insights         []string
	// Status optionally moves the record along the processing lifecycle;
	// empty leaves the current status in place.
	Status model.RecordStatus
}

// RecordRepository defines the interface for CV record data operations.
type RecordRepository interface {
	Insert(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error)
	// UpdateScraped refreshes an existing record with a newer scrape of the
	// same (source, external ID) pair.
	UpdateScraped(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error)
	GetByID(ctx context.Context, id string) (*model.CVRecord, error)
	GetBySourceExternalID(ctx context.Context, sourceID, externalID string) (*model.CVRecord, error)
	Query(ctx context.Context, q model.RecordQuery) (*model.RecordPage, error)
	// ListForRescore pages through live records in id order for batch
	// rescoring; afterID is the last id of the previous page, empty to start.
	ListForRescore(ctx context.Context, afterID string, limit int) ([]model.CVRecord, error)
	UpdateScores(ctx context.Context, params UpdateScoresParams) error
	Stats(ctx context.Context) (*model.RecordStats, error)
	// ArchiveStale parks live records not rescraped since the cutoff.
	ArchiveStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	ListPayloadArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]model.PayloadArchiveCandidate, error)
	MarkPayloadArchived(ctx context.Context, id, payloadKey string) (bool, error)
}

// ApplyMergeParams carries one dedup merge decision to persist.
type ApplyMergeParams struct {
	// Canonical holds the post-merge field values of the surviving record.
	// Its normalized columns and fingerprint must already be recomputed.
	Canonical     *model.CVRecord
	DuplicateID   string
	Confidence    float64
	MatchedFields []string
}

// MarkDedupParams records a dedup pass that did not merge: either no
// candidate matched (nil confidence) or the best match stayed below the
// merge threshold and is flagged for review.
type MarkDedupParams struct {
	ID            string
	Confidence    *float64
	MatchedFields []string
}

// DedupRepository defines the interface for duplicate detection data
// operations.
type DedupRepository interface {
	// FindCanonicalByFingerprint returns the canonical record carrying the
	// fingerprint, or nil when none exists.
	FindCanonicalByFingerprint(ctx context.Context, fingerprint string) (*model.CVRecord, error)
	FindCandidatesByEmail(ctx context.Context, normalizedEmail, excludeID string, limit int) ([]model.CVRecord, error)
	FindCandidatesByPhone(ctx context.Context, normalizedPhone, excludeID string, limit int) ([]model.CVRecord, error)
	FindCandidatesByCompany(ctx context.Context, company, excludeID string, limit int) ([]model.CVRecord, error)
	// ApplyMerge persists a merge decision in one transaction: the canonical
	// row takes the merged values, the duplicate is parked pointing at it.
	ApplyMerge(ctx context.Context, params ApplyMergeParams) error
	MarkDedupChecked(ctx context.Context, params MarkDedupParams) error
	// WithFingerprintLock serializes dedup passes over the same fingerprint.
	WithFingerprintLock(ctx context.Context, fingerprint string, fn func(ctx context.Context) error) error
}

// QualityAggregate bundles the overall and per-source metric sets computed
// over one report scope.
type QualityAggregate struct {
	Overall   model.MetricSet
	PerSource []model.SourceMetrics
}

// FieldRuleCount is one (field, rule) bucket of validation errors.
type FieldRuleCount struct {
	Field string
	Rule  string
	Count int64
}

// QualityRepository defines the read-side interface report generation runs on.
type QualityRepository interface {
	AggregateQuality(ctx context.Context, scope model.ReportScope) (*QualityAggregate, error)
	FieldFillRates(ctx context.Context, scope model.ReportScope) ([]model.FieldMetrics, error)
	ValidationErrorStats(ctx context.Context, scope model.ReportScope) ([]FieldRuleCount, error)
	// SampleMissingField returns ids of records missing the named field,
	// newest first.
	SampleMissingField(ctx context.Context, scope model.ReportScope, field string, limit int) ([]string, error)
	SampleValidationErrors(ctx context.Context, scope model.ReportScope, field, rule string, limit int) ([]string, error)
	// StaleRecords counts live records last scraped before the cutoff and
	// samples the oldest ones.
	StaleRecords(ctx context.Context, scope model.ReportScope, cutoff time.Time, sampleLimit int) (int64, []string, error)
	SampleDuplicates(ctx context.Context, scope model.ReportScope, limit int) ([]string, error)
}

// DeleteExpiredLogsParams bounds one log retention sweep. Zero max ages fall
// back to the level defaults.
type DeleteExpiredLogsParams struct {
	ShortMaxAge time.Duration
	LongMaxAge  time.Duration
	BatchSize   int
}

// LogRepository defines the interface for operational log data operations.
type LogRepository interface {
	// BulkInsert appends a batch of entries in one round trip.
	BulkInsert(ctx context.Context, entries []model.LogEntry) error
	Query(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error)
	CountErrorsByOperation(ctx context.Context, since time.Time) (map[model.Operation]int64, error)
	// DeleteExpired removes entries past their level's retention and returns
	// the number deleted.
	DeleteExpired(ctx context.Context, params DeleteExpiredLogsParams) (int64, error)
}

// ReportRepository defines the interface for quality report data operations.
type ReportRepository interface {
	// Insert persists a generated report; jobID links it to the job that
	// produced it, nil for ad hoc reports.
	Insert(ctx context.Context, report *model.QualityReport, jobID *string) (*model.QualityReport, error)
	GetByID(ctx context.Context, id string) (*model.QualityReport, error)
	// ListRecent returns reports generated before the given time, newest
	// first, for trend computation.
	ListRecent(ctx context.Context, before time.Time, limit int) ([]model.QualityReport, error)
	DeleteOld(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// WindowCounts holds the per-window request counts after an increment.
type WindowCounts struct {
	Minute int64
	Hour   int64
	Day    int64
}

// RateLimitStore defines the interface for shared rate limit state. All
// operations are atomic so concurrent workers see one consistent count.
type RateLimitStore interface {
	// IncrementWindows bumps the minute, hour, and day counters for a source
	// and returns the counts after the increment.
	IncrementWindows(ctx context.Context, sourceID string, at time.Time) (WindowCounts, error)
	// TryAcquireGate claims the inter-request delay slot. When the slot is
	// held, reports how long until it frees.
	TryAcquireGate(ctx context.Context, sourceID string, delay time.Duration) (bool, time.Duration, error)
	// IncrementBurst counts requests inside the burst detection window.
	IncrementBurst(ctx context.Context, sourceID string, window time.Duration, at time.Time) (int64, error)
	SetCooldown(ctx context.Context, sourceID string, d time.Duration) error
	// CooldownRemaining returns how long a source stays blocked, zero when
	// not in cooldown.
	CooldownRemaining(ctx context.Context, sourceID string) (time.Duration, error)
	Health(ctx context.Context) error
}

// CredentialRepository defines the interface for source credential data
// operations. Values are stored encrypted; implementations return them
// decrypted.
type CredentialRepository interface {
	Create(ctx context.Context, req model.CreateCredentialRequest) (*model.Credential, error)
	GetByID(ctx context.Context, id string) (*model.Credential, error)
	GetByName(ctx context.Context, name string) (*model.Credential, error)
	List(ctx context.Context, limit, offset int) ([]*model.Credential, error)
	Update(ctx context.Context, id string, req model.UpdateCredentialRequest) (*model.Credential, error)
	Delete(ctx context.Context, id string) (bool, error)
}
