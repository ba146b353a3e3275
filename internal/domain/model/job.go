package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current lifecycle status of a job.
type JobStatus string

const (
	// JobTypeIngest represents a scraping campaign against one or more sources.
	JobTypeIngest JobType = "ingest"
	// JobTypeRescore represents a batch quality re-scoring job.
	JobTypeRescore JobType = "rescore"
	// JobTypeQualityReport represents a scheduled quality report generation job.
	JobTypeQualityReport JobType = "quality_report"

	// JobStatusPending indicates a job has been created but not yet queued.
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued indicates a job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusPaused indicates a job was paused by an operator and can resume.
	JobStatusPaused JobStatus = "paused"
	// JobStatusCompleted indicates a job finished within its failure tolerance.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job exceeded its failure tolerance, retries, or deadline.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was cancelled by an operator.
	JobStatusCancelled JobStatus = "cancelled"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeIngest || t == JobTypeRescore || t == JobTypeQualityReport
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// validTransitions is the job lifecycle graph. running → queued covers lease
// expiry requeue; pending/queued → cancelled covers operator abort before start.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusQueued},
	JobStatusPaused:  {JobStatusRunning, JobStatusCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted illegal job status transition. The
// attempted transition has no side effect on the job.
type TransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s for job %s", e.From, e.To, e.JobID)
}

// NewTransitionError builds a TransitionError for the given job and statuses.
func NewTransitionError(jobID string, from, to JobStatus) *TransitionError {
	return &TransitionError{JobID: jobID, From: from, To: to}
}

// ErrorGroup aggregates all occurrences of one error type on a job.
type ErrorGroup struct {
	Count      int64     `json:"count"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Sample     string    `json:"sample"`
}

// ErrorSummary groups job errors by classified type, bounding storage under
// failure storms to one entry per type.
type ErrorSummary map[string]ErrorGroup

// Record folds one error occurrence into the summary.
func (s ErrorSummary) Record(errType, message string, now time.Time) {
	g := s[errType]
	g.Count++
	g.LastSeenAt = now
	g.Sample = message
	s[errType] = g
}

// Total returns the total error count across all types.
func (s ErrorSummary) Total() int64 {
	var total int64
	for _, g := range s {
		total += g.Count
	}
	return total
}

// Job represents a scraping campaign or maintenance task with its lifecycle,
// rolling progress, and aggregated errors.
type Job struct {
	ID                string          `json:"id"                            db:"id"`
	Type              JobType         `json:"type"                          db:"type"`
	Status            JobStatus       `json:"status"                        db:"status"`
	Priority          int             `json:"priority"                      db:"priority"`
	Payload           json.RawMessage `json:"payload"                       db:"payload"`
	FailureTolerance  float64         `json:"failure_tolerance"             db:"failure_tolerance"`
	AvgPageMS         float64         `json:"avg_page_ms"                   db:"avg_page_ms"`
	PagesSampled      int64           `json:"pages_sampled"                 db:"pages_sampled"`
	Errors            ErrorSummary    `json:"errors,omitempty"              db:"error_summary"`
	RetryCount        int             `json:"retry_count"                   db:"retry_count"`
	MaxRetries        int             `json:"max_retries"                   db:"max_retries"`
	LastError         *string         `json:"last_error,omitempty"          db:"last_error"`
	ScheduledTask     *string         `json:"scheduled_task,omitempty"      db:"scheduled_task"`
	PauseRequestedAt  *time.Time      `json:"pause_requested_at,omitempty"  db:"pause_requested_at"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty" db:"cancel_requested_at"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"    db:"lease_expires_at"`
	DeadlineSeconds   int             `json:"deadline_seconds"              db:"deadline_seconds"`
	DeadlineAt        *time.Time      `json:"deadline_at,omitempty"         db:"deadline_at"`
	ScheduledAt       time.Time       `json:"scheduled_at"                  db:"scheduled_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"          db:"started_at"`
	PausedAt          *time.Time      `json:"paused_at,omitempty"           db:"paused_at"`
	ResumedAt         *time.Time      `json:"resumed_at,omitempty"          db:"resumed_at"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"        db:"cancelled_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"        db:"completed_at"`
	CreatedAt         time.Time       `json:"created_at"                    db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"                    db:"updated_at"`
}

// PastDeadline reports whether the job's wall-clock budget is exhausted.
func (j *Job) PastDeadline(now time.Time) bool {
	return j.DeadlineAt != nil && now.After(*j.DeadlineAt)
}

// JobControl is the worker-facing control snapshot polled at page boundaries.
// Pause and cancel take effect cooperatively: the owning worker observes the
// flags here and performs the transition at its next safe point.
type JobControl struct {
	Status          JobStatus `db:"status"`
	PauseRequested  bool      `db:"pause_requested"`
	CancelRequested bool      `db:"cancel_requested"`
}

// SubStatus represents the state of one source within a job.
type SubStatus string

// Per-source sub-statuses.
const (
	SubStatusPending   SubStatus = "pending"
	SubStatusRunning   SubStatus = "running"
	SubStatusCompleted SubStatus = "completed"
	SubStatusFailed    SubStatus = "failed"
	SubStatusSkipped   SubStatus = "skipped"
)

// Valid returns true if the SubStatus is valid.
func (s SubStatus) Valid() bool {
	switch s {
	case SubStatusPending, SubStatusRunning, SubStatusCompleted, SubStatusFailed, SubStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the sub-status admits no further work.
func (s SubStatus) Terminal() bool {
	return s == SubStatusCompleted || s == SubStatusFailed || s == SubStatusSkipped
}

// JobSource is the per-(job, source) sub-status row. PagesDone doubles as the
// durable resume checkpoint: a restarted worker continues from PagesDone+1.
type JobSource struct {
	JobID           string     `json:"job_id"                 db:"job_id"`
	SourceID        string     `json:"source_id"              db:"source_id"`
	Status          SubStatus  `json:"status"                 db:"status"`
	PagesDone       int        `json:"pages_done"             db:"pages_done"`
	TotalPages      int        `json:"total_pages"            db:"total_pages"`
	Cursor          *string    `json:"cursor,omitempty"       db:"cursor"`
	RecordsIngested int64      `json:"records_ingested"       db:"records_ingested"`
	RecordsFailed   int64      `json:"records_failed"         db:"records_failed"`
	DuplicatesFound int64      `json:"duplicates_found"       db:"duplicates_found"`
	LastError       *string    `json:"last_error,omitempty"   db:"last_error"`
	StartedAt       *time.Time `json:"started_at,omitempty"   db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// OverallStatus derives the terminal status of a job from its per-source
// sub-statuses: completed when the failed fraction stays within tolerance.
// It returns false when any source still has work outstanding.
func OverallStatus(sources []JobSource, tolerance float64) (JobStatus, bool) {
	if len(sources) == 0 {
		return JobStatusCompleted, true
	}
	var failed int
	for i := range sources {
		if !sources[i].Status.Terminal() {
			return "", false
		}
		if sources[i].Status == SubStatusFailed {
			failed++
		}
	}
	if float64(failed)/float64(len(sources)) > tolerance {
		return JobStatusFailed, true
	}
	return JobStatusCompleted, true
}

// JobSourceProgress is the per-source slice of a progress snapshot.
type JobSourceProgress struct {
	SourceID        string    `json:"source_id"`
	Status          SubStatus `json:"status"`
	PagesDone       int       `json:"pages_done"`
	TotalPages      int       `json:"total_pages"`
	RecordsIngested int64     `json:"records_ingested"`
	RecordsFailed   int64     `json:"records_failed"`
	DuplicatesFound int64     `json:"duplicates_found"`
}

// JobProgress is a read-time snapshot computed from the job row and its
// sub-status rows.
type JobProgress struct {
	JobID       string              `json:"job_id"`
	Status      JobStatus           `json:"status"`
	CurrentPage int                 `json:"current_page"`
	TotalPages  int                 `json:"total_pages"`
	Percentage  float64             `json:"percentage"`
	ETASeconds  *int64              `json:"eta_seconds,omitempty"`
	Sources     []JobSourceProgress `json:"sources"`
}

// ComputeProgress derives a progress snapshot from a job and its sub-status
// rows. ETA uses the job's rolling per-page average and is omitted until at
// least one page has been sampled or once no pages remain.
func ComputeProgress(job *Job, sources []JobSource) JobProgress {
	p := JobProgress{
		JobID:   job.ID,
		Status:  job.Status,
		Sources: make([]JobSourceProgress, 0, len(sources)),
	}
	for i := range sources {
		src := &sources[i]
		p.CurrentPage += src.PagesDone
		p.TotalPages += src.TotalPages
		p.Sources = append(p.Sources, JobSourceProgress{
			SourceID:        src.SourceID,
			Status:          src.Status,
			PagesDone:       src.PagesDone,
			TotalPages:      src.TotalPages,
			RecordsIngested: src.RecordsIngested,
			RecordsFailed:   src.RecordsFailed,
			DuplicatesFound: src.DuplicatesFound,
		})
	}
	if p.TotalPages > 0 {
		p.Percentage = float64(p.CurrentPage) / float64(p.TotalPages) * 100
	}
	remaining := p.TotalPages - p.CurrentPage
	if remaining > 0 && job.PagesSampled > 0 {
		eta := int64(float64(remaining) * job.AvgPageMS / 1000)
		p.ETASeconds = &eta
	}
	return p
}

// RollAverage folds one sample into a rolling mean over a bounded window,
// returning the new mean and sample count. Keeps ETA responsive to recent
// page timings instead of the full job history.
func RollAverage(avg float64, sampled int64, sampleMS float64, window int64) (float64, int64) {
	if window <= 0 {
		window = 1
	}
	n := sampled + 1
	if n > window {
		n = window
	}
	return avg + (sampleMS-avg)/float64(n), n
}

// IngestFilters narrow which candidate records an ingest job collects.
type IngestFilters struct {
	Keywords      []string `json:"keywords,omitempty"`
	Location      string   `json:"location,omitempty"`
	PostedWithinD int      `json:"posted_within_days,omitempty"`
}

// IngestConfig is the per-job tuning block embedded in an ingest payload.
type IngestConfig struct {
	MaxPages        int `json:"max_pages,omitempty"`
	PageSize        int `json:"page_size,omitempty"`
	SourceParallel  int `json:"source_parallel,omitempty"`
	RequestAttempts int `json:"request_attempts,omitempty"`
}

// IngestPayload is the typed payload of an ingest job.
type IngestPayload struct {
	SourceIDs []string      `json:"source_ids"`
	Filters   IngestFilters `json:"filters,omitempty"`
	Config    IngestConfig  `json:"config,omitempty"`
}

// RescorePayload is the typed payload of a batch re-scoring job.
type RescorePayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// ReportPayload is the typed payload of a quality report job.
type ReportPayload struct {
	SourceIDs []string   `json:"source_ids,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Type             JobType         `json:"type"`
	SourceIDs        []string        `json:"source_ids,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	FailureTolerance *float64        `json:"failure_tolerance,omitempty"`
	MaxRetries       int             `json:"max_retries"`
	DeadlineSeconds  int             `json:"deadline_seconds,omitempty"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	ScheduledTask    *string         `json:"scheduled_task,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if r.Type == JobTypeIngest && len(r.SourceIDs) == 0 {
		return errors.New("ingest jobs require at least one source id")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.FailureTolerance != nil && (*r.FailureTolerance < 0 || *r.FailureTolerance > 1) {
		return errors.New("failure tolerance must be between 0 and 1")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if r.DeadlineSeconds < 0 {
		return errors.New("deadline seconds must be >= 0")
	}
	return nil
}

// JobStats represents counts of jobs in each lifecycle state.
type JobStats struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
