package config

import (
	"time"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// DedupConfig contains duplicate detection and merge configuration.
type DedupConfig struct {
	// AutoMergeThreshold is the match confidence at or above which records
	// merge without human review.
	AutoMergeThreshold float64 `env:"DEDUP_AUTO_MERGE_THRESHOLD" envDefault:"0.85"`

	// NameSimilarityMin is the minimum normalized Levenshtein similarity for
	// a fuzzy name match to count at all.
	NameSimilarityMin float64 `env:"DEDUP_NAME_SIMILARITY_MIN" envDefault:"0.82"`

	// MergePolicy decides which side wins when both records fill a field.
	MergePolicy model.MergeFieldPolicy `env:"DEDUP_MERGE_POLICY" envDefault:"fill_empty"`
}

// Sanitize applies guardrails to dedup configuration values.
func (d *DedupConfig) Sanitize() {
	if d.AutoMergeThreshold <= 0 || d.AutoMergeThreshold > 1 {
		d.AutoMergeThreshold = 0.85
	}
	if d.NameSimilarityMin <= 0 || d.NameSimilarityMin > 1 {
		d.NameSimilarityMin = 0.82
	}
	if !d.MergePolicy.Valid() {
		d.MergePolicy = model.MergeFillEmpty
	}
}

// QualityConfig contains quality scoring configuration.
type QualityConfig struct {
	// FreshnessDecayPerDay is the completeness-scale points subtracted from
	// the freshness score per day of record age.
	FreshnessDecayPerDay float64 `env:"QUALITY_FRESHNESS_DECAY_PER_DAY" envDefault:"2"`

	// StaleAfterDays marks records older than this as stale for reporting.
	StaleAfterDays int `env:"QUALITY_STALE_AFTER_DAYS" envDefault:"30"`
}

// Sanitize applies guardrails to quality configuration values.
func (q *QualityConfig) Sanitize() {
	if q.FreshnessDecayPerDay <= 0 {
		q.FreshnessDecayPerDay = 2
	}
	if q.StaleAfterDays < 1 {
		q.StaleAfterDays = 30
	}
}

// ReportConfig contains quality report generation configuration.
type ReportConfig struct {
	// SourceAggregation selects how per-source scores roll up into the
	// overall metric set: "weighted" weights each source by record count,
	// "arithmetic" averages source means directly.
	SourceAggregation string `env:"REPORT_SOURCE_AGGREGATION" envDefault:"weighted"`

	// FieldAggregation selects how per-field fill rates aggregate.
	FieldAggregation string `env:"REPORT_FIELD_AGGREGATION" envDefault:"arithmetic"`

	// IssueExampleLimit caps record IDs sampled per quality issue.
	IssueExampleLimit int `env:"REPORT_ISSUE_EXAMPLE_LIMIT" envDefault:"5"`

	// TrendWindow is how far back trend points reach.
	TrendWindow time.Duration `env:"REPORT_TREND_WINDOW" envDefault:"720h"` // 30 days
}

// Sanitize applies guardrails to report configuration values.
func (r *ReportConfig) Sanitize() {
	if r.SourceAggregation != "weighted" && r.SourceAggregation != "arithmetic" {
		r.SourceAggregation = "weighted"
	}
	if r.FieldAggregation != "weighted" && r.FieldAggregation != "arithmetic" {
		r.FieldAggregation = "arithmetic"
	}
	if r.IssueExampleLimit < 1 {
		r.IssueExampleLimit = 5
	}
	if r.TrendWindow < 24*time.Hour {
		r.TrendWindow = 24 * time.Hour
	}
}

// LogSinkConfig contains operational log sink configuration.
type LogSinkConfig struct {
	// BufferSize is the number of entries buffered before a forced flush.
	BufferSize int `env:"LOGSINK_BUFFER_SIZE" envDefault:"256"`

	// FlushInterval is the maximum time an entry waits in the buffer.
	FlushInterval time.Duration `env:"LOGSINK_FLUSH_INTERVAL" envDefault:"2s"`
}

// Sanitize applies guardrails to log sink configuration values.
func (l *LogSinkConfig) Sanitize() {
	if l.BufferSize < 1 {
		l.BufferSize = 1
	}
	if l.BufferSize > 10000 {
		l.BufferSize = 10000
	}
	if l.FlushInterval < 100*time.Millisecond {
		l.FlushInterval = 100 * time.Millisecond
	}
}

// ArchiveConfig contains raw payload cold storage configuration.
type ArchiveConfig struct {
	// Enabled turns payload offloading on. When disabled the reaper keeps
	// payloads inline and skips the archive step.
	Enabled bool `env:"ARCHIVE_ENABLED" envDefault:"false"`

	// Bucket is the object storage bucket for archived payloads.
	Bucket string `env:"ARCHIVE_BUCKET"`

	// Prefix is prepended to every archived object key.
	Prefix string `env:"ARCHIVE_PREFIX" envDefault:"cv-payloads"`

	// Region is the bucket region.
	Region string `env:"ARCHIVE_REGION" envDefault:"us-east-1"`

	// Endpoint overrides the object storage endpoint for S3-compatible stores.
	Endpoint string `env:"ARCHIVE_ENDPOINT"`

	// AccessKeyID and SecretAccessKey override ambient credentials when set.
	AccessKeyID     string `env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_SECRET_ACCESS_KEY"`
}

// Sanitize applies guardrails to archive configuration values.
func (a *ArchiveConfig) Sanitize() {
	if a.Bucket == "" {
		a.Enabled = false
	}
	if a.Region == "" {
		a.Region = "us-east-1"
	}
}
