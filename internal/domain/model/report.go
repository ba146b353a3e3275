package model

import (
	"errors"
	"time"
)

// IssueType classifies a data quality issue found during report generation.
type IssueType string

// Issue types.
const (
	IssueMissingField     IssueType = "missing_field"
	IssueInvalidFormat    IssueType = "invalid_format"
	IssueInconsistentData IssueType = "inconsistent_data"
	IssueDuplicateEntry   IssueType = "duplicate_entry"
	IssueStaleData        IssueType = "stale_data"
	IssueParseError       IssueType = "parse_error"
)

// Valid reports whether the issue type is a known value.
func (t IssueType) Valid() bool {
	switch t {
	case IssueMissingField, IssueInvalidFormat, IssueInconsistentData,
		IssueDuplicateEntry, IssueStaleData, IssueParseError:
		return true
	default:
		return false
	}
}

// IssueSeverity ranks issues for triage ordering.
type IssueSeverity string

// Issue severities, highest first.
const (
	SeverityCritical IssueSeverity = "critical"
	SeverityHigh     IssueSeverity = "high"
	SeverityMedium   IssueSeverity = "medium"
	SeverityLow      IssueSeverity = "low"
)

// Rank returns the sort weight of the severity, lower sorting first.
func (s IssueSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// IssueState tracks whether an issue is still observed.
type IssueState string

// Issue states. An issue resolves when a later report over the same scope no
// longer observes it.
const (
	IssueOpen     IssueState = "open"
	IssueResolved IssueState = "resolved"
)

// QualityIssue is one typed, severity-ranked finding in a report.
type QualityIssue struct {
	Type          IssueType     `json:"type"`
	Severity      IssueSeverity `json:"severity"`
	Field         string        `json:"field,omitempty"`
	SourceID      string        `json:"source_id,omitempty"`
	Description   string        `json:"description"`
	AffectedCount int64         `json:"affected_count"`
	Examples      []string      `json:"examples,omitempty"`
	AutoFixable   bool          `json:"auto_fixable"`
	State         IssueState    `json:"state"`
}

// MetricSet is one bundle of averaged quality metrics over a record set.
type MetricSet struct {
	RecordCount     int64   `json:"record_count"`
	DuplicateCount  int64   `json:"duplicate_count"`
	DuplicateRate   float64 `json:"duplicate_rate"`
	AvgCompleteness float64 `json:"avg_completeness"`
	AvgFreshness    float64 `json:"avg_freshness"`
	AvgOverall      float64 `json:"avg_overall"`
	AvgAccuracy     float64 `json:"avg_accuracy"`
}

// SourceMetrics is the per-source slice of a report.
type SourceMetrics struct {
	SourceID string    `json:"source_id"`
	Metrics  MetricSet `json:"metrics"`
}

// FieldMetrics is the per-field fill-rate slice of a report.
type FieldMetrics struct {
	Field     string  `json:"field"`
	FillRate  float64 `json:"fill_rate"`
	FilledOf  int64   `json:"filled_of"`
	FilledIn  int64   `json:"filled_in"`
	ErrorRate float64 `json:"error_rate"`
}

// TrendPoint is one historical sample in a report's trend series.
type TrendPoint struct {
	ReportID        string    `json:"report_id"`
	GeneratedAt     time.Time `json:"generated_at"`
	AvgCompleteness float64   `json:"avg_completeness"`
	AvgFreshness    float64   `json:"avg_freshness"`
	AvgOverall      float64   `json:"avg_overall"`
	RecordCount     int64     `json:"record_count"`
	OpenIssues      int       `json:"open_issues"`
}

// ReportScope bounds which records a report covers.
type ReportScope struct {
	SourceIDs []string   `json:"source_ids,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

// Validate validates the ReportScope fields.
func (s *ReportScope) Validate() error {
	if s.From != nil && s.To != nil && s.To.Before(*s.From) {
		return errors.New("scope end must not precede scope start")
	}
	return nil
}

// QualityReport is a write-once snapshot of data quality over a scope.
type QualityReport struct {
	ID              string          `json:"id"              db:"id"`
	Scope           ReportScope     `json:"scope"           db:"scope"`
	GeneratedAt     time.Time       `json:"generated_at"    db:"generated_at"`
	Overall         MetricSet       `json:"overall"         db:"overall"`
	PerSource       []SourceMetrics `json:"per_source"      db:"per_source"`
	PerField        []FieldMetrics  `json:"per_field"       db:"per_field"`
	Issues          []QualityIssue  `json:"issues"          db:"issues"`
	Trends          []TrendPoint    `json:"trends"          db:"trends"`
	Recommendations []string        `json:"recommendations" db:"recommendations"`
}

// OpenIssueCount returns the number of issues still open in the report.
func (r *QualityReport) OpenIssueCount() int {
	var n int
	for i := range r.Issues {
		if r.Issues[i].State == IssueOpen {
			n++
		}
	}
	return n
}

// MetricDelta is the change of one metric between two reports.
type MetricDelta struct {
	Metric string  `json:"metric"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Change float64 `json:"change"`
}

// ReportDelta is the comparison of two reports over time.
type ReportDelta struct {
	BaseID           string        `json:"base_id"`
	OtherID          string        `json:"other_id"`
	Metrics          []MetricDelta `json:"metrics"`
	IssuesResolved   int           `json:"issues_resolved"`
	IssuesIntroduced int           `json:"issues_introduced"`
	RecordsAdded     int64         `json:"records_added"`
}
