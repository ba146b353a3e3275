package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// jobWithSourceCountsColumns selects the job row plus the per-source rollup
// used by the admin list views. The bigint cast keeps pgx scanning SUM()
// results into int64.
const jobWithSourceCountsColumns = `
	j.id, j.type, j.status, j.priority, j.payload,
	j.failure_tolerance, j.avg_page_ms, j.pages_sampled, j.error_summary,
	j.retry_count, j.max_retries, j.last_error, j.scheduled_task,
	j.pause_requested_at, j.cancel_requested_at, j.lease_expires_at,
	j.deadline_seconds, j.deadline_at, j.scheduled_at, j.started_at,
	j.paused_at, j.resumed_at, j.cancelled_at, j.completed_at,
	j.created_at, j.updated_at,
	COALESCE(js.source_count, 0) AS source_count,
	COALESCE(js.sources_done, 0) AS sources_done,
	COALESCE(js.records_ingested, 0)::bigint AS records_ingested`

const jobSourceRollupJoin = `
	LEFT JOIN (
		SELECT job_id,
		       COUNT(*) AS source_count,
		       COUNT(*) FILTER (WHERE status IN ('completed', 'failed', 'skipped')) AS sources_done,
		       SUM(records_ingested) AS records_ingested
		FROM job_sources
		GROUP BY job_id
	) js ON js.job_id = j.id`

// ListBySource returns jobs that include a specific source, ordered by created_at DESC.
func (r *JobRepo) ListBySource(ctx context.Context, params model.JobListBySourceOptions) ([]*model.Job, error) {
	if params.SourceID == "" {
		return nil, errors.New("source id is required")
	}
	if params.Limit <= 0 {
		params.Limit = 50 // Default limit
	}
	if params.Limit > 1000 {
		params.Limit = 1000 // Max limit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE id IN (SELECT job_id FROM job_sources WHERE source_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, params.SourceID, params.Limit, params.Offset)
		if err != nil {
			return fmt.Errorf("query jobs by source: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect jobs by source: %w", err)
		}

		result = vals
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(condition string, value any) {
	if value != nil {
		b.query += fmt.Sprintf(" AND %s = $%d", condition, b.argIdx)
		b.args = append(b.args, value)
		b.argIdx++
	}
}

// ListRecentByType returns the most recent jobs of a given type, ordered by created_at DESC.
func (r *JobRepo) ListRecentByType(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 5 // sensible default for dashboard
	}
	if limit > 1000 {
		limit = 1000 // cap to prevent large scans
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE type = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, string(jobType), limit)
		if err != nil {
			return fmt.Errorf("query jobs by type: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect jobs: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// CountBySource returns the total number of jobs that include a given source.
func (r *JobRepo) CountBySource(ctx context.Context, sourceID string) (int, error) {
	var n int
	row := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM job_sources
		WHERE source_id = $1
	`, sourceID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs by source: %w", err)
	}
	return n, nil
}

// CountAggregatesBySources returns job and ingested-record counts for many sources in one query.
func (r *JobRepo) CountAggregatesBySources(
	ctx context.Context,
	ids []string,
) (map[string]model.SourceJobCounts, error) {
	if len(ids) == 0 {
		return map[string]model.SourceJobCounts{}, nil
	}
	res := make(map[string]model.SourceJobCounts, len(ids))
	query := `
		SELECT source_id,
		       COUNT(*) AS total,
		       COALESCE(SUM(records_ingested), 0)::bigint AS ingested
		FROM job_sources
		WHERE source_id = ANY($1)
		GROUP BY source_id
	`
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, ids)
		if err != nil {
			return fmt.Errorf("count aggregates: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var total int
			var ingested int64
			if scanErr := rows.Scan(&id, &total, &ingested); scanErr != nil {
				return fmt.Errorf("scan: %w", scanErr)
			}
			res[id] = model.SourceJobCounts{Total: total, RecordsIngested: ingested}
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// jobListParams groups parameters for executing job list queries with pagination.
type jobListParams struct {
	Query  string
	Args   []any
	Limit  int
	Offset int
}

// executeJobListQuery executes a job list query and returns JobWithSourceCounts results.
func (r *JobRepo) executeJobListQuery(
	ctx context.Context,
	p jobListParams,
) ([]*model.JobWithSourceCounts, error) {
	argIdx := len(p.Args) + 1
	query := p.Query + fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args := make([]any, len(p.Args), len(p.Args)+2)
	copy(args, p.Args)
	args = append(args, p.Limit, p.Offset)

	var result []*model.JobWithSourceCounts
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs with filters: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.JobWithSourceCounts])
		if err != nil {
			return fmt.Errorf("collect jobs with source counts: %w", err)
		}
		result = make([]*model.JobWithSourceCounts, len(vals))
		for i := range vals {
			result[i] = &vals[i]
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// buildJobListQuery constructs the SQL query and args for the global job list with filtering.
func buildJobListQuery(opts *model.JobListOptions) (string, []any) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	builder := &jobFilterQueryBuilder{
		query: `
		SELECT ` + jobWithSourceCountsColumns + `
		FROM jobs j` + jobSourceRollupJoin + `
		WHERE 1=1`,
		args:   []any{},
		argIdx: 1,
	}

	addJobListFilters(builder, opts)
	addJobListSorting(builder, opts)
	return builder.query, builder.args
}

// addJobListFilters adds filter conditions to the query builder.
func addJobListFilters(builder *jobFilterQueryBuilder, opts *model.JobListOptions) {
	if opts == nil {
		return
	}

	if opts.Status != nil {
		builder.addFilter("j.status", string(*opts.Status))
	}
	if opts.Type != nil {
		builder.addFilter("j.type", string(*opts.Type))
	}
	if opts.ScheduledTask != nil && *opts.ScheduledTask != "" {
		builder.addFilter("j.scheduled_task", *opts.ScheduledTask)
	}
}

// addJobListSorting adds sorting to the query builder.
func addJobListSorting(builder *jobFilterQueryBuilder, opts *model.JobListOptions) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	sortOrder := opts.SortOrder
	if sortOrder == "" {
		sortOrder = "desc"
	}

	validSortFields := map[string]string{
		"created_at": "j.created_at",
		"status":     "j.status",
		"type":       "j.type",
		"priority":   "j.priority",
	}

	dbField, ok := validSortFields[sortBy]
	if !ok {
		builder.query += " ORDER BY j.created_at DESC, j.id DESC"
		return
	}

	if sortOrder == "asc" {
		builder.query += fmt.Sprintf(" ORDER BY %s ASC, j.id ASC", dbField)
		return
	}

	builder.query += fmt.Sprintf(" ORDER BY %s DESC, j.id DESC", dbField)
}

// List returns all jobs with optional filtering and per-source rollups for admin view.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithSourceCounts, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(opts.Offset, 0)

	query, args := buildJobListQuery(opts)
	return r.executeJobListQuery(ctx, jobListParams{
		Query:  query,
		Args:   args,
		Limit:  limit,
		Offset: offset,
	})
}
