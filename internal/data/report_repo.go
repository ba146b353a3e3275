package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/jackc/pgx/v5"
)

// ReportRepo provides database operations for persisted quality reports.
type ReportRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewReportRepo creates a new ReportRepo instance with the given database connection.
func NewReportRepo(db *sql.DB) *ReportRepo {
	return &ReportRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewReportRepoWithTimeProvider creates a ReportRepo with a custom TimeProvider (useful for testing).
func NewReportRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ReportRepo {
	return &ReportRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// Insert persists a generated report. jobID links the report back to the
// quality_report job that produced it, nil for ad-hoc generation.
func (r *ReportRepo) Insert(ctx context.Context, report *model.QualityReport, jobID *string) (*model.QualityReport, error) {
	if report == nil {
		return nil, errors.New("report cannot be nil")
	}
	if err := report.Scope.Validate(); err != nil {
		return nil, err
	}
	generatedAt := report.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = r.timeProvider.Now()
	}

	var inserted model.QualityReport
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, reportInsertQuery,
			jobID,
			report.Scope,
			generatedAt,
			report.Overall,
			jsonbSlice(report.PerSource),
			jsonbSlice(report.PerField),
			jsonbSlice(report.Issues),
			jsonbSlice(report.Trends),
			textArray(report.Recommendations),
		)
		if err != nil {
			return err
		}
		inserted, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.QualityReport])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert quality report: %w", err)
	}
	return &inserted, nil
}

func (r *ReportRepo) getReportByQuery(ctx context.Context, query string, args ...any) (*model.QualityReport, error) {
	var report model.QualityReport
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		report, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.QualityReport])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get quality report: %w", err)
	}
	return &report, nil
}

// GetByID retrieves a report by its ID.
func (r *ReportRepo) GetByID(ctx context.Context, id string) (*model.QualityReport, error) {
	return r.getReportByQuery(ctx, reportGetByIDQuery, id)
}

// ListRecent returns reports generated before the given time, newest first.
// Trend assembly and scope matching happen in the service layer.
func (r *ReportRepo) ListRecent(ctx context.Context, before time.Time, limit int) ([]model.QualityReport, error) {
	if limit <= 0 {
		limit = 10
	}

	var reports []model.QualityReport
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, reportListRecentQuery, before, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		reports, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.QualityReport])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list quality reports: %w", err)
	}
	return reports, nil
}

// DeleteOld removes reports generated before the cutoff in batches. Runs
// under an advisory lock so only one reaper instance sweeps.
func (r *ReportRepo) DeleteOld(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := r.timeProvider.Now().Add(-maxAge)

	return withReaperLock(ctx, r.DB, advisoryLockReaperDeleteReports, func(tx *sql.Tx) (int64, error) {
		var total int64
		for {
			result, err := tx.ExecContext(ctx, `
				DELETE FROM quality_reports
				WHERE id IN (
					SELECT id FROM quality_reports
					WHERE generated_at < $1
					ORDER BY generated_at ASC
					LIMIT $2
				)
			`, cutoff, batchSize)
			if err != nil {
				return total, fmt.Errorf("failed to delete old quality reports: %w", err)
			}
			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return total, fmt.Errorf("failed to get rows affected: %w", err)
			}
			total += rowsAffected
			if rowsAffected < int64(batchSize) {
				break
			}
		}
		return total, nil
	})
}

const reportColumns = `
	id,
	scope,
	generated_at,
	overall,
	per_source,
	per_field,
	issues,
	trends,
	recommendations`

const reportInsertQuery = `
	INSERT INTO quality_reports (
		job_id, scope, generated_at, overall, per_source,
		per_field, issues, trends, recommendations
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING ` + reportColumns

const reportGetByIDQuery = `
	SELECT ` + reportColumns + `
	FROM quality_reports
	WHERE id = $1`

const reportListRecentQuery = `
	SELECT ` + reportColumns + `
	FROM quality_reports
	WHERE generated_at < $1
	ORDER BY generated_at DESC, id DESC
	LIMIT $2`
