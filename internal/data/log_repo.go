package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data/database"
	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/jackc/pgx/v5"
)

// LogRepo provides database operations for the append-only scrape log.
type LogRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewLogRepo creates a new LogRepo instance with the given database connection.
func NewLogRepo(db *sql.DB) *LogRepo {
	return &LogRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewLogRepoWithTimeProvider creates a LogRepo with a custom TimeProvider (useful for testing).
func NewLogRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *LogRepo {
	return &LogRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

var logCopyColumns = []string{
	"job_id", "source_id", "operation", "level", "target",
	"error", "duration_ms", "retry_count", "meta", "created_at",
}

// BulkInsert appends a batch of log entries via the COPY protocol. Entries
// with a zero timestamp are stamped with the current time.
func (r *LogRepo) BulkInsert(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := r.timeProvider.Now()

	rows := make([][]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if err := e.Validate(); err != nil {
			return fmt.Errorf("log entry %d: %w", i, err)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		meta := e.Meta
		if len(meta) == 0 {
			meta = json.RawMessage(`{}`)
		}
		rows = append(rows, []any{
			e.JobID, e.SourceID, string(e.Operation), string(e.Level), e.Target,
			e.Error, e.DurationMS, e.RetryCount, meta, createdAt,
		})
	}

	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		_, err := conn.CopyFrom(ctx,
			pgx.Identifier{"scrape_logs"}, logCopyColumns, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to bulk insert log entries: %w", err)
	}
	return nil
}

// Query returns log entries matching the filters, newest first.
func (r *LogRepo) Query(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	q.Sanitize()

	conds := []database.Condition{}
	if q.JobID != nil {
		conds = append(conds, database.WhereCond("job_id", database.Equal, *q.JobID))
	}
	if q.SourceID != nil {
		conds = append(conds, database.WhereCond("source_id", database.Equal, *q.SourceID))
	}
	if q.Operation != nil {
		conds = append(conds, database.WhereCond("operation", database.Equal, *q.Operation))
	}
	if q.Level != nil {
		conds = append(conds, database.WhereCond("level", database.Equal, *q.Level))
	}
	if q.Since != nil {
		conds = append(conds, database.WhereCond("created_at", database.GreaterThanOrEqual, *q.Since))
	}

	query, args := database.BuildListQuery(database.NewListQueryOptions("scrape_logs",
		database.WithColumns(splitColumns(logColumns)...),
		database.WithConditions(conds...),
		database.WithOrderBy("created_at", "DESC"),
		database.WithOrderBy("id", "DESC"),
		database.WithLimit(q.Limit),
	))

	var entries []model.LogEntry
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		entries, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.LogEntry])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	return entries, nil
}

// CountErrorsByOperation counts error and fatal entries per operation since
// the given time. Report generation uses it to derive parse_error issues.
func (r *LogRepo) CountErrorsByOperation(ctx context.Context, since time.Time) (map[model.Operation]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT operation, count(*)
		FROM scrape_logs
		WHERE level IN ('error', 'fatal') AND created_at >= $1
		GROUP BY operation
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count errors by operation: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Operation]int64)
	for rows.Next() {
		var op string
		var n int64
		if err := rows.Scan(&op, &n); err != nil {
			return nil, fmt.Errorf("failed to scan error count: %w", err)
		}
		counts[model.Operation(op)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate error counts: %w", err)
	}
	return counts, nil
}

// DeleteExpired removes log entries past their retention window in batches:
// debug and info entries age out on the short window, warn and above on the
// long one. Runs under an advisory lock so only one reaper instance sweeps.
func (r *LogRepo) DeleteExpired(ctx context.Context, params core.DeleteExpiredLogsParams) (int64, error) {
	if params.BatchSize <= 0 {
		params.BatchSize = 1000
	}
	now := r.timeProvider.Now()
	shortCutoff := now.Add(-params.ShortMaxAge)
	longCutoff := now.Add(-params.LongMaxAge)

	return withReaperLock(ctx, r.DB, advisoryLockReaperDeleteLogs, func(tx *sql.Tx) (int64, error) {
		var total int64
		for _, class := range []struct {
			levels []string
			cutoff time.Time
		}{
			{[]string{"debug", "info"}, shortCutoff},
			{[]string{"warn", "error", "fatal"}, longCutoff},
		} {
			for {
				result, err := tx.ExecContext(ctx, `
					DELETE FROM scrape_logs
					WHERE id IN (
						SELECT id FROM scrape_logs
						WHERE level = ANY($1) AND created_at < $2
						ORDER BY created_at ASC
						LIMIT $3
					)
				`, class.levels, class.cutoff, params.BatchSize)
				if err != nil {
					return total, fmt.Errorf("failed to delete expired log entries: %w", err)
				}
				rowsAffected, err := result.RowsAffected()
				if err != nil {
					return total, fmt.Errorf("failed to get rows affected: %w", err)
				}
				total += rowsAffected
				if rowsAffected < int64(params.BatchSize) {
					break
				}
			}
		}
		return total, nil
	})
}

const logColumns = `
	id,
	job_id,
	source_id,
	operation,
	level,
	target,
	error,
	duration_ms,
	retry_count,
	meta,
	created_at`
