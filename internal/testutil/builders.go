// Package testutil provides testing utilities and helpers for the cvpipeline job system.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
// The default type is rescore because it needs no source bindings; ingest
// requests must add sources via WithSourceIDs to pass validation.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Type:       model.JobTypeRescore,
			Priority:   50,
			MaxRetries: 3,
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithSourceIDs sets the sources the job will walk.
func (b *JobRequestBuilder) WithSourceIDs(ids ...string) *JobRequestBuilder {
	b.req.SourceIDs = ids
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithFailureTolerance sets the per-source failure tolerance.
func (b *JobRequestBuilder) WithFailureTolerance(tolerance float64) *JobRequestBuilder {
	b.req.FailureTolerance = &tolerance
	return b
}

// WithScheduledAt sets the scheduled time.
func (b *JobRequestBuilder) WithScheduledAt(scheduledAt time.Time) *JobRequestBuilder {
	b.req.ScheduledAt = &scheduledAt
	return b
}

// WithScheduledTask marks the job as spawned by the named scheduled task.
func (b *JobRequestBuilder) WithScheduledTask(taskName string) *JobRequestBuilder {
	b.req.ScheduledTask = &taskName
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// WithDeadlineSeconds sets the running-time deadline.
func (b *JobRequestBuilder) WithDeadlineSeconds(seconds int) *JobRequestBuilder {
	b.req.DeadlineSeconds = seconds
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Common test job request presets

// IngestJobRequest creates an ingest job request over the given sources.
func IngestJobRequest(sourceIDs ...string) *model.CreateJobRequest {
	return NewJobRequest().
		WithType(model.JobTypeIngest).
		WithSourceIDs(sourceIDs...).
		Build()
}

// RescoreJobRequest creates a rescore job request with default values.
func RescoreJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithType(model.JobTypeRescore).
		WithPayloadString(`{"batch_size": 100}`).
		Build()
}

// QualityReportJobRequest creates a quality report job request with default values.
func QualityReportJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithType(model.JobTypeQualityReport).
		Build()
}

// HighPriorityJobRequest creates a high priority job request.
func HighPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithPriority(100).
		Build()
}

// LowPriorityJobRequest creates a low priority job request.
func LowPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithPriority(10).
		Build()
}

// ScheduledJobRequest creates a job request scheduled for the future.
func ScheduledJobRequest(scheduledAt time.Time) *model.CreateJobRequest {
	return NewJobRequest().
		WithScheduledAt(scheduledAt).
		Build()
}

// RetryableJobRequest creates a job request with custom retry settings.
func RetryableJobRequest(maxRetries int) *model.CreateJobRequest {
	return NewJobRequest().
		WithMaxRetries(maxRetries).
		Build()
}
