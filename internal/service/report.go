package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/domain/stats"
)

// Aggregation modes for rolling per-source and per-field metrics up into
// report-level numbers.
const (
	AggregationWeighted   = "weighted"
	AggregationArithmetic = "arithmetic"
)

const (
	defaultStaleAfter        = 30 * 24 * time.Hour
	defaultTrendWindow       = 720 * time.Hour
	defaultIssueExampleLimit = 5

	// maxTrendPoints caps the trend series; trendFetchLimit leaves headroom
	// for prior reports over other scopes that get filtered out.
	maxTrendPoints  = 12
	trendFetchLimit = 50

	// missingFieldFloor is the fill rate under which a field is reported as
	// a missing-field issue.
	missingFieldFloor = 0.8
)

// ReportGeneratorOptions groups the dependencies and tunables for
// NewReportGenerator.
type ReportGeneratorOptions struct {
	// Required: Quality runs the read-side aggregation queries over records.
	Quality core.QualityRepository

	// Required: Reports persists and lists generated reports.
	Reports core.ReportRepository

	// Required: Logs supplies pipeline error counts and samples for
	// parse-error issues.
	Logs core.LogRepository

	// Optional: SourceAggregation selects how per-source metrics roll into
	// the overall set, "weighted" (by record count, the default) or
	// "arithmetic".
	SourceAggregation string

	// Optional: FieldAggregation selects how per-field fill rates summarize,
	// "arithmetic" (the default) or "weighted".
	FieldAggregation string

	// Optional: StaleAfter is the rescrape age beyond which records count as
	// stale. Defaults to 30 days.
	StaleAfter time.Duration

	// Optional: TrendWindow bounds how far back the trend series and the
	// parse-error log window reach. Defaults to 30 days.
	TrendWindow time.Duration

	// Optional: ExampleLimit caps sampled record ids per issue. Defaults to 5.
	ExampleLimit int

	// Optional: TimeProvider for current time (useful for testing).
	TimeProvider data.TimeProvider

	// Optional: Logger for structured logging.
	Logger *slog.Logger
}

// ReportGenerator assembles write-once quality reports over a scope: overall
// and per-source metric sets, per-field fill rates, a severity-ranked issue
// list with open/resolved tracking against the previous report, a trend
// series from prior reports over the same scope, and recommendations.
type ReportGenerator struct {
	quality           core.QualityRepository
	reports           core.ReportRepository
	logs              core.LogRepository
	sourceAggregation string
	fieldAggregation  string
	staleAfter        time.Duration
	trendWindow       time.Duration
	exampleLimit      int
	timeProvider      data.TimeProvider
	logger            *slog.Logger
}

// NewReportGenerator creates a ReportGenerator with the given options.
func NewReportGenerator(opts ReportGeneratorOptions) (*ReportGenerator, error) {
	if opts.Quality == nil {
		return nil, errors.New("QualityRepository is required")
	}
	if opts.Reports == nil {
		return nil, errors.New("ReportRepository is required")
	}
	if opts.Logs == nil {
		return nil, errors.New("LogRepository is required")
	}

	sourceAgg := opts.SourceAggregation
	if sourceAgg != AggregationWeighted && sourceAgg != AggregationArithmetic {
		sourceAgg = AggregationWeighted
	}
	fieldAgg := opts.FieldAggregation
	if fieldAgg != AggregationWeighted && fieldAgg != AggregationArithmetic {
		fieldAgg = AggregationArithmetic
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	trendWindow := opts.TrendWindow
	if trendWindow <= 0 {
		trendWindow = defaultTrendWindow
	}
	exampleLimit := opts.ExampleLimit
	if exampleLimit <= 0 {
		exampleLimit = defaultIssueExampleLimit
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "report_generator")
		logger.Debug("ReportGenerator initialized",
			"source_aggregation", sourceAgg,
			"field_aggregation", fieldAgg,
			"stale_after", staleAfter,
		)
	}

	return &ReportGenerator{
		quality:           opts.Quality,
		reports:           opts.Reports,
		logs:              opts.Logs,
		sourceAggregation: sourceAgg,
		fieldAggregation:  fieldAgg,
		staleAfter:        staleAfter,
		trendWindow:       trendWindow,
		exampleLimit:      exampleLimit,
		timeProvider:      tp,
		logger:            logger,
	}, nil
}

// Generate runs a full quality pass over the scope and persists the report.
// jobID links the report to the quality_report job that requested it, nil
// for ad hoc generation.
func (g *ReportGenerator) Generate(ctx context.Context, scope model.ReportScope, jobID *string) (*model.QualityReport, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	now := g.timeProvider.Now()

	agg, err := g.quality.AggregateQuality(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("aggregate quality metrics: %w", err)
	}
	perField, err := g.quality.FieldFillRates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("compute field fill rates: %w", err)
	}

	overall := g.rollUpOverall(agg)
	issues, err := g.buildIssues(ctx, scope, overall, perField, now)
	if err != nil {
		return nil, err
	}

	prior, err := g.priorReports(ctx, scope, now)
	if err != nil {
		return nil, err
	}
	issues = appendResolved(issues, prior)

	report := &model.QualityReport{
		Scope:           scope,
		GeneratedAt:     now,
		Overall:         overall,
		PerSource:       agg.PerSource,
		PerField:        perField,
		Issues:          issues,
		Trends:          trendSeries(prior),
		Recommendations: g.recommend(overall, perField, issues),
	}

	inserted, err := g.reports.Insert(ctx, report, jobID)
	if err != nil {
		return nil, fmt.Errorf("persist quality report: %w", err)
	}

	if g.logger != nil {
		g.logger.InfoContext(ctx, "quality report generated",
			"report_id", inserted.ID,
			"records", inserted.Overall.RecordCount,
			"open_issues", inserted.OpenIssueCount(),
			"sources", len(inserted.PerSource),
		)
	}
	return inserted, nil
}

// GetReport retrieves a persisted report by id.
func (g *ReportGenerator) GetReport(ctx context.Context, id string) (*model.QualityReport, error) {
	report, err := g.reports.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	return report, nil
}

// ListRecent returns the most recently generated reports, newest first.
func (g *ReportGenerator) ListRecent(ctx context.Context, limit int) ([]model.QualityReport, error) {
	reports, err := g.reports.ListRecent(ctx, g.timeProvider.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent reports: %w", err)
	}
	return reports, nil
}

// CompareReports diffs two persisted reports: per-metric before/after deltas,
// issues resolved (open in base, no longer open in other) versus introduced
// (open in other, not open in base), and the record count change.
func (g *ReportGenerator) CompareReports(ctx context.Context, baseID, otherID string) (*model.ReportDelta, error) {
	base, err := g.reports.GetByID(ctx, baseID)
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", baseID, err)
	}
	other, err := g.reports.GetByID(ctx, otherID)
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", otherID, err)
	}

	delta := &model.ReportDelta{
		BaseID:       base.ID,
		OtherID:      other.ID,
		RecordsAdded: other.Overall.RecordCount - base.Overall.RecordCount,
	}
	addMetric := func(name string, before, after float64) {
		delta.Metrics = append(delta.Metrics, model.MetricDelta{
			Metric: name,
			Before: before,
			After:  after,
			Change: after - before,
		})
	}
	addMetric("avg_completeness", base.Overall.AvgCompleteness, other.Overall.AvgCompleteness)
	addMetric("avg_freshness", base.Overall.AvgFreshness, other.Overall.AvgFreshness)
	addMetric("avg_overall", base.Overall.AvgOverall, other.Overall.AvgOverall)
	addMetric("avg_accuracy", base.Overall.AvgAccuracy, other.Overall.AvgAccuracy)
	addMetric("duplicate_rate", base.Overall.DuplicateRate, other.Overall.DuplicateRate)

	baseOpen := openIssueKeys(base)
	otherOpen := openIssueKeys(other)
	for key := range baseOpen {
		if _, ok := otherOpen[key]; !ok {
			delta.IssuesResolved++
		}
	}
	for key := range otherOpen {
		if _, ok := baseOpen[key]; !ok {
			delta.IssuesIntroduced++
		}
	}
	return delta, nil
}

// rollUpOverall recomputes the overall averages from the per-source metric
// sets so the configured aggregation mode is honored; scope totals and the
// duplicate rate keep the repository's counts.
func (g *ReportGenerator) rollUpOverall(agg *core.QualityAggregate) model.MetricSet {
	overall := agg.Overall
	if len(agg.PerSource) == 0 {
		return overall
	}

	avg := func(value func(model.MetricSet) float64) float64 {
		if g.sourceAggregation == AggregationArithmetic {
			values := make([]float64, 0, len(agg.PerSource))
			for _, sm := range agg.PerSource {
				values = append(values, value(sm.Metrics))
			}
			return stats.Mean(values)
		}
		return stats.WeightedMean(stats.WeightedOf(agg.PerSource,
			func(sm model.SourceMetrics) float64 { return value(sm.Metrics) },
			func(sm model.SourceMetrics) float64 { return float64(sm.Metrics.RecordCount) },
		))
	}

	overall.AvgCompleteness = avg(func(m model.MetricSet) float64 { return m.AvgCompleteness })
	overall.AvgFreshness = avg(func(m model.MetricSet) float64 { return m.AvgFreshness })
	overall.AvgOverall = avg(func(m model.MetricSet) float64 { return m.AvgOverall })
	overall.AvgAccuracy = avg(func(m model.MetricSet) float64 { return m.AvgAccuracy })
	return overall
}

// fieldHealth summarizes fill rates across all scored fields per the
// configured field aggregation mode.
func (g *ReportGenerator) fieldHealth(perField []model.FieldMetrics) float64 {
	if g.fieldAggregation == AggregationWeighted {
		return stats.WeightedMean(stats.WeightedOf(perField,
			func(fm model.FieldMetrics) float64 { return fm.FillRate },
			func(fm model.FieldMetrics) float64 { return float64(fm.FilledIn) },
		))
	}
	values := make([]float64, 0, len(perField))
	for _, fm := range perField {
		values = append(values, fm.FillRate)
	}
	return stats.Mean(values)
}

func (g *ReportGenerator) buildIssues(
	ctx context.Context,
	scope model.ReportScope,
	overall model.MetricSet,
	perField []model.FieldMetrics,
	now time.Time,
) ([]model.QualityIssue, error) {
	var issues []model.QualityIssue

	liveTotal := overall.RecordCount - overall.DuplicateCount
	if len(perField) > 0 {
		liveTotal = perField[0].FilledOf
	}
	share := func(n int64) float64 {
		if liveTotal <= 0 {
			return 0
		}
		return float64(n) / float64(liveTotal)
	}

	for _, fm := range perField {
		if fm.FilledOf == 0 || fm.FillRate >= missingFieldFloor {
			continue
		}
		examples, err := g.quality.SampleMissingField(ctx, scope, fm.Field, g.exampleLimit)
		if err != nil {
			return nil, fmt.Errorf("sample records missing %s: %w", fm.Field, err)
		}
		missing := fm.FilledOf - fm.FilledIn
		issues = append(issues, model.QualityIssue{
			Type:          model.IssueMissingField,
			Severity:      severityForShare(1 - fm.FillRate),
			Field:         fm.Field,
			Description:   fmt.Sprintf("%s is empty on %.0f%% of records", fm.Field, (1-fm.FillRate)*100),
			AffectedCount: missing,
			Examples:      examples,
			State:         model.IssueOpen,
		})
	}

	valStats, err := g.quality.ValidationErrorStats(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("aggregate validation errors: %w", err)
	}
	for _, vs := range valStats {
		if vs.Count == 0 {
			continue
		}
		examples, err := g.quality.SampleValidationErrors(ctx, scope, vs.Field, vs.Rule, g.exampleLimit)
		if err != nil {
			return nil, fmt.Errorf("sample %s/%s validation errors: %w", vs.Field, vs.Rule, err)
		}
		issues = append(issues, model.QualityIssue{
			Type:          issueTypeForRule(vs.Rule),
			Severity:      severityForShare(share(vs.Count)),
			Field:         vs.Field,
			Description:   fmt.Sprintf("%d records fail the %s check on %s", vs.Count, vs.Rule, vs.Field),
			AffectedCount: vs.Count,
			Examples:      examples,
			State:         model.IssueOpen,
		})
	}

	if overall.DuplicateCount > 0 {
		examples, err := g.quality.SampleDuplicates(ctx, scope, g.exampleLimit)
		if err != nil {
			return nil, fmt.Errorf("sample duplicates: %w", err)
		}
		issues = append(issues, model.QualityIssue{
			Type:          model.IssueDuplicateEntry,
			Severity:      severityForShare(overall.DuplicateRate),
			Description:   fmt.Sprintf("%d records are parked as duplicates (%.1f%% of scope)", overall.DuplicateCount, overall.DuplicateRate*100),
			AffectedCount: overall.DuplicateCount,
			Examples:      examples,
			AutoFixable:   true,
			State:         model.IssueOpen,
		})
	}

	staleCount, staleSamples, err := g.quality.StaleRecords(ctx, scope, now.Add(-g.staleAfter), g.exampleLimit)
	if err != nil {
		return nil, fmt.Errorf("count stale records: %w", err)
	}
	if staleCount > 0 {
		days := int(g.staleAfter.Hours() / 24)
		issues = append(issues, model.QualityIssue{
			Type:          model.IssueStaleData,
			Severity:      severityForShare(share(staleCount)),
			Description:   fmt.Sprintf("%d records have not been rescraped in over %d days", staleCount, days),
			AffectedCount: staleCount,
			Examples:      staleSamples,
			AutoFixable:   true,
			State:         model.IssueOpen,
		})
	}

	parseIssue, err := g.parseErrorIssue(ctx, scope, now)
	if err != nil {
		return nil, err
	}
	if parseIssue != nil {
		issues = append(issues, *parseIssue)
	}

	sortIssues(issues)
	return issues, nil
}

// parseErrorIssue folds error-level parse log entries in the reporting window
// into one issue. Logs do not join the record scope, so examples are fetch
// targets rather than record ids.
func (g *ReportGenerator) parseErrorIssue(ctx context.Context, scope model.ReportScope, now time.Time) (*model.QualityIssue, error) {
	since := now.Add(-g.trendWindow)
	if scope.From != nil && scope.From.After(since) {
		since = *scope.From
	}

	counts, err := g.logs.CountErrorsByOperation(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count pipeline errors: %w", err)
	}
	parseErrors := counts[model.OpParse]
	if parseErrors == 0 {
		return nil, nil
	}

	op := model.OpParse
	level := model.LogError
	entries, err := g.logs.Query(ctx, model.LogQuery{
		Operation: &op,
		Level:     &level,
		Since:     &since,
		Limit:     g.exampleLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("sample parse errors: %w", err)
	}
	examples := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Target != "" {
			examples = append(examples, e.Target)
		}
	}

	return &model.QualityIssue{
		Type:          model.IssueParseError,
		Severity:      severityForCount(parseErrors),
		Description:   fmt.Sprintf("%d payloads failed to parse since %s", parseErrors, since.Format(time.RFC3339)),
		AffectedCount: parseErrors,
		Examples:      examples,
		State:         model.IssueOpen,
	}, nil
}

// priorReports returns earlier reports over the same scope within the trend
// window, newest first.
func (g *ReportGenerator) priorReports(ctx context.Context, scope model.ReportScope, now time.Time) ([]model.QualityReport, error) {
	recent, err := g.reports.ListRecent(ctx, now, trendFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("list prior reports: %w", err)
	}

	key := scopeKey(scope)
	horizon := now.Add(-g.trendWindow)
	var prior []model.QualityReport
	for _, r := range recent {
		if r.GeneratedAt.Before(horizon) || scopeKey(r.Scope) != key {
			continue
		}
		prior = append(prior, r)
		if len(prior) == maxTrendPoints {
			break
		}
	}
	return prior, nil
}

// appendResolved carries forward issues open in the previous report that the
// current pass no longer observes, marked resolved.
func appendResolved(issues []model.QualityIssue, prior []model.QualityReport) []model.QualityIssue {
	if len(prior) == 0 {
		return issues
	}
	seen := make(map[string]struct{}, len(issues))
	for i := range issues {
		seen[issueKey(&issues[i])] = struct{}{}
	}
	previous := &prior[0]
	for i := range previous.Issues {
		is := &previous.Issues[i]
		if is.State != model.IssueOpen {
			continue
		}
		if _, ok := seen[issueKey(is)]; ok {
			continue
		}
		resolved := *is
		resolved.State = model.IssueResolved
		issues = append(issues, resolved)
	}
	return issues
}

func (g *ReportGenerator) recommend(overall model.MetricSet, perField []model.FieldMetrics, issues []model.QualityIssue) []string {
	if overall.RecordCount == 0 {
		return []string{"No records in scope; verify source selectors and ingest schedules."}
	}

	var recs []string
	if overall.DuplicateRate > 0.10 {
		recs = append(recs, fmt.Sprintf(
			"Duplicate rate is %.1f%%; review external id mapping on overlapping sources.",
			overall.DuplicateRate*100))
	}
	if health := g.fieldHealth(perField); health < 0.6 {
		recs = append(recs, fmt.Sprintf(
			"Average field fill rate is %.0f%%; revisit extraction selectors for the weakest fields.",
			health*100))
	}
	if overall.AvgFreshness < 50 {
		recs = append(recs,
			"Average freshness is below 50; shorten ingest schedules or raise source crawl budgets.")
	}

	identityGap := false
	for i := range issues {
		is := &issues[i]
		if is.State != model.IssueOpen {
			continue
		}
		switch {
		case is.Type == model.IssueStaleData:
			recs = append(recs, fmt.Sprintf(
				"Schedule a refresh ingest: %d records exceed the rescrape window.", is.AffectedCount))
		case is.Type == model.IssueParseError:
			recs = append(recs,
				"Parse errors observed; check selector configs for sources with recent layout changes.")
		case is.Type == model.IssueMissingField && (is.Field == "email" || is.Field == "phone"):
			identityGap = true
		}
	}
	if identityGap {
		recs = append(recs,
			"Contact identity fields are sparse; duplicate detection degrades without email or phone.")
	}
	return recs
}

// issueTypeForRule maps validation rules to issue types: format rules report
// as invalid_format, logical-consistency rules as inconsistent_data.
func issueTypeForRule(rule string) model.IssueType {
	switch rule {
	case "email_format", "phone_length":
		return model.IssueInvalidFormat
	default:
		return model.IssueInconsistentData
	}
}

func severityForShare(share float64) model.IssueSeverity {
	switch {
	case share >= 0.8:
		return model.SeverityCritical
	case share >= 0.5:
		return model.SeverityHigh
	case share >= 0.2:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func severityForCount(n int64) model.IssueSeverity {
	switch {
	case n >= 1000:
		return model.SeverityHigh
	case n >= 100:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func sortIssues(issues []model.QualityIssue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if a, b := issues[i].Severity.Rank(), issues[j].Severity.Rank(); a != b {
			return a < b
		}
		if issues[i].AffectedCount != issues[j].AffectedCount {
			return issues[i].AffectedCount > issues[j].AffectedCount
		}
		if issues[i].Type != issues[j].Type {
			return issues[i].Type < issues[j].Type
		}
		return issues[i].Field < issues[j].Field
	})
}

func issueKey(is *model.QualityIssue) string {
	return string(is.Type) + "|" + is.Field + "|" + is.SourceID
}

func openIssueKeys(report *model.QualityReport) map[string]struct{} {
	keys := make(map[string]struct{})
	for i := range report.Issues {
		if report.Issues[i].State == model.IssueOpen {
			keys[issueKey(&report.Issues[i])] = struct{}{}
		}
	}
	return keys
}

// scopeKey identifies a report scope by its source set; reports over the
// same sources form one trend series regardless of their date windows.
func scopeKey(scope model.ReportScope) string {
	if len(scope.SourceIDs) == 0 {
		return ""
	}
	ids := append([]string(nil), scope.SourceIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func trendSeries(prior []model.QualityReport) []model.TrendPoint {
	points := make([]model.TrendPoint, 0, len(prior))
	for i := len(prior) - 1; i >= 0; i-- {
		r := &prior[i]
		points = append(points, model.TrendPoint{
			ReportID:        r.ID,
			GeneratedAt:     r.GeneratedAt,
			AvgCompleteness: r.Overall.AvgCompleteness,
			AvgFreshness:    r.Overall.AvgFreshness,
			AvgOverall:      r.Overall.AvgOverall,
			RecordCount:     r.Overall.RecordCount,
			OpenIssues:      r.OpenIssueCount(),
		})
	}
	return points
}
