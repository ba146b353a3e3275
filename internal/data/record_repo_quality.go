package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// recordScopeFilter bounds a quality query to a report scope. The three
// leading args are always scope.SourceIDs, scope.From, scope.To in that
// order, nil when unbounded.
const recordScopeFilter = `($1::uuid[] IS NULL OR source_id = ANY($1::uuid[]))
		AND ($2::timestamptz IS NULL OR scraped_at >= $2)
		AND ($3::timestamptz IS NULL OR scraped_at <= $3)`

// recordLiveFilter keeps averages and fill rates over records still in play.
// Counts that want duplicates or archived rows filter explicitly instead.
const recordLiveFilter = `status NOT IN ('duplicate', 'archived')`

func scopeArgs(scope model.ReportScope) []any {
	var ids any
	if len(scope.SourceIDs) > 0 {
		ids = scope.SourceIDs
	}
	return []any{ids, scope.From, scope.To}
}

// AggregateQuality computes the overall and per-source metric sets for the
// scope. Averages cover live records only; record and duplicate counts cover
// every row in scope.
func (r *RecordRepo) AggregateQuality(ctx context.Context, scope model.ReportScope) (*core.QualityAggregate, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	args := scopeArgs(scope)

	agg := &core.QualityAggregate{}
	err := r.DB.QueryRowContext(ctx, recordAggregateOverallQuery, args...).Scan(
		&agg.Overall.RecordCount,
		&agg.Overall.DuplicateCount,
		&agg.Overall.AvgCompleteness,
		&agg.Overall.AvgFreshness,
		&agg.Overall.AvgOverall,
		&agg.Overall.AvgAccuracy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate quality metrics: %w", err)
	}
	if agg.Overall.RecordCount > 0 {
		agg.Overall.DuplicateRate = float64(agg.Overall.DuplicateCount) / float64(agg.Overall.RecordCount)
	}

	rows, err := r.DB.QueryContext(ctx, recordAggregatePerSourceQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate per-source metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sm model.SourceMetrics
		err := rows.Scan(
			&sm.SourceID,
			&sm.Metrics.RecordCount,
			&sm.Metrics.DuplicateCount,
			&sm.Metrics.AvgCompleteness,
			&sm.Metrics.AvgFreshness,
			&sm.Metrics.AvgOverall,
			&sm.Metrics.AvgAccuracy,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan per-source metrics: %w", err)
		}
		if sm.Metrics.RecordCount > 0 {
			sm.Metrics.DuplicateRate = float64(sm.Metrics.DuplicateCount) / float64(sm.Metrics.RecordCount)
		}
		agg.PerSource = append(agg.PerSource, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate per-source metrics: %w", err)
	}
	return agg, nil
}

// qualityFields lists the scored record fields in report order, each with
// the predicate that counts it as filled.
var qualityFields = []struct {
	field  string
	filled string
}{
	{"full_name", "full_name <> ''"},
	{"email", "email <> ''"},
	{"phone", "phone <> ''"},
	{"headline", "headline <> ''"},
	{"summary", "summary <> ''"},
	{"location", "location <> ''"},
	{"current_title", "current_title <> ''"},
	{"current_company", "current_company <> ''"},
	{"experience", "jsonb_array_length(experience) > 0"},
	{"education", "jsonb_array_length(education) > 0"},
	{"keywords", "cardinality(keywords) > 0"},
}

// FieldFillRates computes fill and validation-error rates per scored field
// over live records in scope.
func (r *RecordRepo) FieldFillRates(ctx context.Context, scope model.ReportScope) ([]model.FieldMetrics, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	args := scopeArgs(scope)

	var b strings.Builder
	b.WriteString("SELECT count(*)")
	for _, f := range qualityFields {
		fmt.Fprintf(&b, ", count(*) FILTER (WHERE %s)", f.filled)
	}
	fmt.Fprintf(&b, " FROM cv_records WHERE %s AND %s", recordScopeFilter, recordLiveFilter)

	var total int64
	filled := make([]int64, len(qualityFields))
	dest := make([]any, 0, len(qualityFields)+1)
	dest = append(dest, &total)
	for i := range filled {
		dest = append(dest, &filled[i])
	}
	if err := r.DB.QueryRowContext(ctx, b.String(), args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to compute field fill rates: %w", err)
	}

	errCounts := make(map[string]int64)
	rows, err := r.DB.QueryContext(ctx, recordFieldErrorCountQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count field validation errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var field string
		var n int64
		if err := rows.Scan(&field, &n); err != nil {
			return nil, fmt.Errorf("failed to scan field error count: %w", err)
		}
		errCounts[field] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate field error counts: %w", err)
	}

	metrics := make([]model.FieldMetrics, 0, len(qualityFields))
	for i, f := range qualityFields {
		fm := model.FieldMetrics{
			Field:    f.field,
			FilledOf: total,
			FilledIn: filled[i],
		}
		if total > 0 {
			fm.FillRate = float64(filled[i]) / float64(total)
			fm.ErrorRate = float64(errCounts[f.field]) / float64(total)
		}
		metrics = append(metrics, fm)
	}
	return metrics, nil
}

// ValidationErrorStats counts validation errors per (field, rule) bucket
// over live records in scope, most frequent first.
func (r *RecordRepo) ValidationErrorStats(ctx context.Context, scope model.ReportScope) ([]core.FieldRuleCount, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, recordValidationErrorStatsQuery, scopeArgs(scope)...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate validation errors: %w", err)
	}
	defer rows.Close()

	var stats []core.FieldRuleCount
	for rows.Next() {
		var s core.FieldRuleCount
		if err := rows.Scan(&s.Field, &s.Rule, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan validation error stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate validation error stats: %w", err)
	}
	return stats, nil
}

// SampleMissingField returns the IDs of the most recent live records in
// scope missing the given field. The field must be one of the scored
// record fields.
func (r *RecordRepo) SampleMissingField(ctx context.Context, scope model.ReportScope, field string, limit int) ([]string, error) {
	var filled string
	for _, f := range qualityFields {
		if f.field == field {
			filled = f.filled
			break
		}
	}
	if filled == "" {
		return nil, fmt.Errorf("unknown record field %q", field)
	}

	query := fmt.Sprintf(`
		SELECT id FROM cv_records
		WHERE %s AND %s AND NOT (%s)
		ORDER BY scraped_at DESC, id DESC
		LIMIT $4`, recordScopeFilter, recordLiveFilter, filled)
	return r.sampleRecordIDs(ctx, scope, query, limit)
}

// SampleValidationErrors returns the IDs of the most recent live records in
// scope carrying a validation error for the given field and rule.
func (r *RecordRepo) SampleValidationErrors(ctx context.Context, scope model.ReportScope, field, rule string, limit int) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	args := append(scopeArgs(scope), field, rule, limit)

	rows, err := r.DB.QueryContext(ctx, recordSampleValidationErrorQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample validation errors: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// StaleRecords counts live records in scope last scraped before the cutoff
// and returns the oldest few as samples.
func (r *RecordRepo) StaleRecords(ctx context.Context, scope model.ReportScope, cutoff time.Time, sampleLimit int) (int64, []string, error) {
	if err := scope.Validate(); err != nil {
		return 0, nil, err
	}
	if sampleLimit <= 0 {
		sampleLimit = 5
	}
	args := scopeArgs(scope)

	var count int64
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM cv_records
		WHERE `+recordScopeFilter+` AND `+recordLiveFilter+` AND scraped_at < $4
	`, append(args, cutoff)...).Scan(&count)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count stale records: %w", err)
	}
	if count == 0 {
		return 0, nil, nil
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM cv_records
		WHERE `+recordScopeFilter+` AND `+recordLiveFilter+` AND scraped_at < $4
		ORDER BY scraped_at ASC, id ASC
		LIMIT $5
	`, append(args, cutoff, sampleLimit)...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to sample stale records: %w", err)
	}
	defer rows.Close()

	ids, err := collectIDs(rows)
	if err != nil {
		return 0, nil, err
	}
	return count, ids, nil
}

// SampleDuplicates returns the IDs of the most recently parked duplicates
// in scope.
func (r *RecordRepo) SampleDuplicates(ctx context.Context, scope model.ReportScope, limit int) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT id FROM cv_records
		WHERE %s AND status = 'duplicate'
		ORDER BY updated_at DESC, id DESC
		LIMIT $4`, recordScopeFilter)
	return r.sampleRecordIDs(ctx, scope, query, limit)
}

func (r *RecordRepo) sampleRecordIDs(ctx context.Context, scope model.ReportScope, query string, limit int) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := r.DB.QueryContext(ctx, query, append(scopeArgs(scope), limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample records: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record ids: %w", err)
	}
	return ids, nil
}

const recordAggregateOverallQuery = `
	SELECT
		count(*),
		count(*) FILTER (WHERE status = 'duplicate'),
		COALESCE(avg(completeness) FILTER (WHERE ` + recordLiveFilter + `), 0),
		COALESCE(avg(freshness) FILTER (WHERE ` + recordLiveFilter + `), 0),
		COALESCE(avg(overall) FILTER (WHERE ` + recordLiveFilter + `), 0),
		COALESCE(avg(accuracy) FILTER (WHERE ` + recordLiveFilter + `), 0)
	FROM cv_records
	WHERE ` + recordScopeFilter

const recordAggregatePerSourceQuery = `
	SELECT
		source_id,
		count(*),
		count(*) FILTER (WHERE status = 'duplicate'),
		COALESCE(avg(completeness) FILTER (WHERE ` + recordLiveFilter + `), 0),
		COALESCE(avg(freshness) FILTER (WHERE ` + recordLiveFilter + `), 0),
		COALESCE(avg(overall) FILTER (WHERE ` + recordLiveFilter + `), 0),
		COALESCE(avg(accuracy) FILTER (WHERE ` + recordLiveFilter + `), 0)
	FROM cv_records
	WHERE ` + recordScopeFilter + `
	GROUP BY source_id
	ORDER BY source_id`

const recordFieldErrorCountQuery = `
	SELECT err->>'field', count(*)
	FROM cv_records, jsonb_array_elements(validation_errors) AS err
	WHERE ` + recordScopeFilter + ` AND ` + recordLiveFilter + `
	GROUP BY 1`

const recordValidationErrorStatsQuery = `
	SELECT err->>'field', err->>'rule', count(*)
	FROM cv_records, jsonb_array_elements(validation_errors) AS err
	WHERE ` + recordScopeFilter + ` AND ` + recordLiveFilter + `
	GROUP BY 1, 2
	ORDER BY 3 DESC, 1, 2`

const recordSampleValidationErrorQuery = `
	SELECT id FROM cv_records
	WHERE ` + recordScopeFilter + ` AND ` + recordLiveFilter + `
		AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(validation_errors) AS err
			WHERE err->>'field' = $4 AND err->>'rule' = $5
		)
	ORDER BY scraped_at DESC, id DESC
	LIMIT $6`
