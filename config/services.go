package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeIngestRunner runs the ingest job worker.
	ServiceModeIngestRunner ServiceMode = "ingest-runner"
	// ServiceModeMaintenanceRunner runs the rescore and report job worker.
	ServiceModeMaintenanceRunner ServiceMode = "maintenance-runner"
	// ServiceModeScheduler runs the recurring job scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs retention cleanup.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeHealthCheck runs the per-source health probe loop.
	ServiceModeHealthCheck ServiceMode = "healthcheck"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeIngestRunner,
		ServiceModeMaintenanceRunner,
		ServiceModeScheduler,
		ServiceModeReaper,
		ServiceModeHealthCheck,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeIngestRunner,
			ServiceModeMaintenanceRunner,
			ServiceModeScheduler,
			ServiceModeReaper,
			ServiceModeHealthCheck:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: ingest-runner, maintenance-runner, scheduler, reaper, healthcheck)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// BatchSize is the number of due scheduled tasks to promote per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`

	// DefaultPriority is the default priority for scheduled jobs.
	DefaultPriority int `env:"SCHEDULER_DEFAULT_PRIORITY" envDefault:"0"`

	// MaxRetries is the maximum number of retries for scheduled jobs.
	MaxRetries int `env:"SCHEDULER_MAX_RETRIES" envDefault:"3"`

	// SkipWhileActive skips enqueueing when an unfinished job from the same
	// scheduled task still exists.
	SkipWhileActive bool `env:"SCHEDULER_SKIP_WHILE_ACTIVE" envDefault:"true"`

	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"5s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
}

// IngestRunnerConfig contains ingest runner service configuration.
type IngestRunnerConfig struct {
	// Concurrency is the number of worker goroutines, each owning one job at a time.
	Concurrency int `env:"INGEST_RUNNER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease an ingest job between heartbeats.
	JobLease time.Duration `env:"INGEST_RUNNER_JOB_LEASE" envDefault:"60s"`

	// SourceParallel is the per-job cap on sources scraped concurrently.
	SourceParallel int `env:"INGEST_RUNNER_SOURCE_PARALLEL" envDefault:"3"`

	// RequestAttempts is the per-request retry budget for transient errors.
	RequestAttempts int `env:"INGEST_RUNNER_REQUEST_ATTEMPTS" envDefault:"3"`

	// RetryBackoff is the base backoff between transient-error retries,
	// doubled per attempt with jitter.
	RetryBackoff time.Duration `env:"INGEST_RUNNER_RETRY_BACKOFF" envDefault:"2s"`

	// DefaultJobDeadline caps a job's wall clock when the request does not set one.
	DefaultJobDeadline time.Duration `env:"INGEST_RUNNER_DEFAULT_JOB_DEADLINE" envDefault:"4h"`
}

// Sanitize applies guardrails to ingest runner configuration values.
func (c *IngestRunnerConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.JobLease < 5*time.Second {
		c.JobLease = 5 * time.Second
	}
	if c.SourceParallel < 1 {
		c.SourceParallel = 1
	}
	if c.RequestAttempts < 1 {
		c.RequestAttempts = 1
	}
	if c.RetryBackoff < 100*time.Millisecond {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.DefaultJobDeadline < time.Minute {
		c.DefaultJobDeadline = time.Minute
	}
}

// MaintenanceRunnerConfig contains rescore/report runner service configuration.
type MaintenanceRunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"MAINTENANCE_RUNNER_CONCURRENCY" envDefault:"1"`

	// JobLease is the duration to lease a maintenance job between heartbeats.
	JobLease time.Duration `env:"MAINTENANCE_RUNNER_JOB_LEASE" envDefault:"120s"`

	// RescoreBatchSize is the number of records re-scored per batch.
	RescoreBatchSize int `env:"MAINTENANCE_RESCORE_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to maintenance runner configuration values.
func (c *MaintenanceRunnerConfig) Sanitize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.JobLease < 5*time.Second {
		c.JobLease = 5 * time.Second
	}
	if c.RescoreBatchSize < 1 {
		c.RescoreBatchSize = 1
	}
}

// HealthCheckConfig contains the per-source heartbeat prober configuration.
// Probes run off-budget: they never consume the source's request allowance.
type HealthCheckConfig struct {
	// Interval is the probe cadence per source.
	Interval time.Duration `env:"HEALTHCHECK_INTERVAL" envDefault:"60s"`

	// Timeout bounds one probe request.
	Timeout time.Duration `env:"HEALTHCHECK_TIMEOUT" envDefault:"10s"`

	// Parallel is the number of sources probed concurrently per sweep.
	Parallel int `env:"HEALTHCHECK_PARALLEL" envDefault:"4"`
}

// Sanitize applies guardrails to health check configuration values.
func (c *HealthCheckConfig) Sanitize() {
	if c.Interval < 10*time.Second {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 || c.Timeout > c.Interval {
		c.Timeout = 10 * time.Second
	}
	if c.Parallel < 1 {
		c.Parallel = 1
	}
}

// ReaperConfig contains retention cleanup configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// FinishedMaxAge is the maximum age for terminal jobs before deletion.
	FinishedMaxAge time.Duration `env:"REAPER_FINISHED_MAX_AGE" envDefault:"168h"` // 7 days

	// LogRetentionShort is the retention window for debug and info log entries.
	LogRetentionShort time.Duration `env:"LOG_RETENTION_DEBUG" envDefault:"24h"`

	// LogRetentionLong is the retention window for warn, error, and fatal log entries.
	LogRetentionLong time.Duration `env:"LOG_RETENTION_ERROR" envDefault:"168h"` // 7 days

	// ReportMaxAge is the maximum age for quality report snapshots before deletion.
	ReportMaxAge time.Duration `env:"REAPER_REPORT_MAX_AGE" envDefault:"2160h"` // 90 days

	// ArchiveAfter is the record age after which raw payloads are offloaded
	// and the record is marked archived. Zero disables archival.
	ArchiveAfter time.Duration `env:"REAPER_ARCHIVE_AFTER" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.FinishedMaxAge < 1*time.Hour {
		r.FinishedMaxAge = 1 * time.Hour
	}
	if r.LogRetentionShort < 1*time.Hour {
		r.LogRetentionShort = 1 * time.Hour
	}
	if r.LogRetentionLong < r.LogRetentionShort {
		r.LogRetentionLong = r.LogRetentionShort
	}
	if r.ReportMaxAge < 24*time.Hour {
		r.ReportMaxAge = 24 * time.Hour
	}
	if r.ArchiveAfter < 0 {
		r.ArchiveAfter = 0
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
