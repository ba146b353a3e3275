package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data/database"
	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Unique constraints that Insert and UpdateScraped can trip. The constraint
// name decides which sentinel the caller sees.
const (
	constraintRecordProvenance  = "cv_records_source_id_external_id_key"
	constraintRecordFingerprint = "idx_cv_records_fingerprint_canonical"
)

// RecordRepo provides database operations for candidate record management.
type RecordRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRecordRepo creates a new RecordRepo instance with the given database connection.
func NewRecordRepo(db *sql.DB) *RecordRepo {
	return &RecordRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewRecordRepoWithTimeProvider creates a RecordRepo with a custom TimeProvider (useful for testing).
func NewRecordRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *RecordRepo {
	return &RecordRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// Insert stores a new record. Normalized identity columns and the
// fingerprint are recomputed on the way in so the persisted row can never
// disagree with its raw fields. A provenance collision surfaces
// ErrRecordAlreadyExists, a canonical fingerprint collision
// ErrFingerprintTaken.
func (r *RecordRepo) Insert(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
	if rec == nil {
		return nil, errors.New("record is required")
	}
	if rec.SourceID == "" || rec.ExternalID == "" {
		return nil, errors.New("source_id and external_id are required")
	}

	now := r.timeProvider.Now()
	rec.Normalize()
	if rec.ScrapedAt.IsZero() {
		rec.ScrapedAt = now
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := rec.Status
	if status == "" {
		status = model.RecordStatusNew
	}
	level := rec.InferredLevel
	if level == "" {
		level = model.LevelUnknown
	}

	var out model.CVRecord
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, recordInsertQuery,
			rec.FullName, rec.NormalizedName, rec.Email, rec.NormalizedEmail,
			rec.Phone, rec.NormalizedPhone, rec.Headline, rec.Summary,
			rec.Location, rec.CurrentTitle, rec.CurrentCompany,
			jsonbSlice(rec.Experience), jsonbSlice(rec.Education),
			textArray(rec.Keywords), rec.YearsExperience,
			rec.SourceID, rec.ExternalID, rec.ScrapedAt, rec.RawPayload,
			rec.Fingerprint, rec.DuplicateOf, rec.MatchConfidence,
			rec.MatchedFields, rec.DedupCheckedAt, textArray(rec.AdditionalSources),
			rec.Completeness, rec.Freshness, rec.Overall, rec.Accuracy,
			jsonbSlice(rec.ValidationErrors),
			level, rec.EstimatedBand, textArray(rec.Insights),
			status, createdAt, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.CVRecord])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", r.mapRecordWriteErr(err))
	}

	return &out, nil
}

// UpdateScraped refreshes the scraped content of the record identified by
// (source_id, external_id). Normalized columns and the fingerprint are
// recomputed; a previously archived payload column comes back inline so the
// next archive pass re-uploads the fresh bytes. Dedup state and quality
// scores are left alone, callers re-run both afterwards.
func (r *RecordRepo) UpdateScraped(ctx context.Context, rec *model.CVRecord) (*model.CVRecord, error) {
	if rec == nil {
		return nil, errors.New("record is required")
	}
	if rec.SourceID == "" || rec.ExternalID == "" {
		return nil, errors.New("source_id and external_id are required")
	}

	now := r.timeProvider.Now()
	rec.Normalize()
	scrapedAt := rec.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = now
	}

	var out model.CVRecord
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, recordUpdateScrapedQuery,
			rec.SourceID, rec.ExternalID,
			rec.FullName, rec.NormalizedName, rec.Email, rec.NormalizedEmail,
			rec.Phone, rec.NormalizedPhone, rec.Headline, rec.Summary,
			rec.Location, rec.CurrentTitle, rec.CurrentCompany,
			jsonbSlice(rec.Experience), jsonbSlice(rec.Education),
			textArray(rec.Keywords), rec.YearsExperience,
			scrapedAt, rec.RawPayload, rec.Fingerprint, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.CVRecord])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to update scraped record: %w", r.mapRecordWriteErr(err))
	}

	return &out, nil
}

// getRecordByQuery is a helper function to execute a query and return a single record.
// Uses variadic args to avoid slice allocation at call sites.
func (r *RecordRepo) getRecordByQuery(
	ctx context.Context,
	q string,
	errMsg string,
	args ...any,
) (*model.CVRecord, error) {
	var rec model.CVRecord
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		rec, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.CVRecord])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	return &rec, nil
}

// listRecordsByQuery is the list counterpart of getRecordByQuery.
func (r *RecordRepo) listRecordsByQuery(
	ctx context.Context,
	q string,
	errMsg string,
	args ...any,
) ([]model.CVRecord, error) {
	var records []model.CVRecord
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		records, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.CVRecord])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	return records, nil
}

// GetByID retrieves a record by its ID.
func (r *RecordRepo) GetByID(ctx context.Context, id string) (*model.CVRecord, error) {
	return r.getRecordByQuery(ctx, recordGetByIDQuery, "failed to get record by ID", id)
}

// GetBySourceExternalID retrieves a record by its scrape provenance.
func (r *RecordRepo) GetBySourceExternalID(ctx context.Context, sourceID, externalID string) (*model.CVRecord, error) {
	return r.getRecordByQuery(ctx, recordGetByProvenanceQuery,
		"failed to get record by provenance", sourceID, externalID)
}

// FindCanonicalByFingerprint retrieves the canonical record holding the
// given fingerprint, if any.
func (r *RecordRepo) FindCanonicalByFingerprint(ctx context.Context, fingerprint string) (*model.CVRecord, error) {
	if fingerprint == "" {
		return nil, ErrFingerprintRequired
	}
	return r.getRecordByQuery(ctx, recordGetCanonicalByFingerprintQuery,
		"failed to get canonical record by fingerprint", fingerprint)
}

// FindCandidatesByEmail returns canonical records sharing the normalized
// email, oldest first, excluding the record itself.
func (r *RecordRepo) FindCandidatesByEmail(ctx context.Context, normalizedEmail, excludeID string, limit int) ([]model.CVRecord, error) {
	if normalizedEmail == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return r.listRecordsByQuery(ctx, recordCandidatesByEmailQuery,
		"failed to find candidates by email", normalizedEmail, nullUUID(excludeID), limit)
}

// FindCandidatesByPhone returns canonical records sharing the normalized
// phone, oldest first, excluding the record itself.
func (r *RecordRepo) FindCandidatesByPhone(ctx context.Context, normalizedPhone, excludeID string, limit int) ([]model.CVRecord, error) {
	if normalizedPhone == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return r.listRecordsByQuery(ctx, recordCandidatesByPhoneQuery,
		"failed to find candidates by phone", normalizedPhone, nullUUID(excludeID), limit)
}

// FindCandidatesByCompany returns canonical records with the same current
// company and a non-empty normalized name, the fuzzy-name pool for the dedup
// engine. Name similarity is computed by the caller.
func (r *RecordRepo) FindCandidatesByCompany(ctx context.Context, company, excludeID string, limit int) ([]model.CVRecord, error) {
	if company == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 25
	}
	return r.listRecordsByQuery(ctx, recordCandidatesByCompanyQuery,
		"failed to find candidates by company", company, nullUUID(excludeID), limit)
}

// ApplyMerge persists a merge: the canonical row takes the merged field
// values, the duplicate is parked with status duplicate and a duplicateOf
// pointer, and records already pointing at the duplicate are repointed so
// pointer chains never form. Runs in one transaction.
func (r *RecordRepo) ApplyMerge(ctx context.Context, params core.ApplyMergeParams) error {
	if params.Canonical == nil {
		return errors.New("canonical record is required")
	}
	if params.DuplicateID == "" {
		return errors.New("duplicate id is required")
	}
	if params.Canonical.ID == params.DuplicateID {
		return errors.New("a record cannot be merged into itself")
	}

	now := r.timeProvider.Now()
	canonical := params.Canonical

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			// Park the duplicate before touching the canonical: once parked it
			// leaves the partial fingerprint index, so the canonical can take
			// a merged fingerprint the duplicate was still holding.
			ct, err := tx.Exec(ctx, recordMergeDuplicateQuery,
				params.DuplicateID, canonical.ID,
				params.Confidence, params.MatchedFields, now)
			if err != nil {
				return err
			}
			if ct.RowsAffected() == 0 {
				return ErrRecordNotFound
			}

			ct, err = tx.Exec(ctx, recordMergeCanonicalQuery,
				canonical.ID,
				canonical.FullName, canonical.NormalizedName,
				canonical.Email, canonical.NormalizedEmail,
				canonical.Phone, canonical.NormalizedPhone,
				canonical.Headline, canonical.Summary, canonical.Location,
				canonical.CurrentTitle, canonical.CurrentCompany,
				jsonbSlice(canonical.Experience), jsonbSlice(canonical.Education),
				textArray(canonical.Keywords), canonical.YearsExperience,
				canonical.Fingerprint, textArray(canonical.AdditionalSources),
				now)
			if err != nil {
				return err
			}
			if ct.RowsAffected() == 0 {
				return ErrRecordNotFound
			}

			_, err = tx.Exec(ctx, recordRepointDuplicatesQuery,
				params.DuplicateID, canonical.ID, now)
			return err
		},
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("failed to apply merge: %w", r.mapRecordWriteErr(err))
	}
	return nil
}

// MarkDedupChecked stamps the record with its dedup outcome.
func (r *RecordRepo) MarkDedupChecked(ctx context.Context, params core.MarkDedupParams) error {
	now := r.timeProvider.Now()
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `
			UPDATE cv_records
			SET dedup_checked_at = $2,
			    match_confidence = $3,
			    matched_fields = $4,
			    updated_at = $2
			WHERE id = $1
		`, params.ID, now, params.Confidence, params.MatchedFields)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("failed to mark record dedup-checked: %w", err)
	}
	return nil
}

// UpdateScores persists the quality scores and enrichment of one record.
func (r *RecordRepo) UpdateScores(ctx context.Context, params core.UpdateScoresParams) error {
	now := r.timeProvider.Now()
	level := params.InferredLevel
	if level == "" {
		level = model.LevelUnknown
	}

	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `
			UPDATE cv_records
			SET completeness = $2,
			    freshness = $3,
			    overall = $4,
			    accuracy = $5,
			    validation_errors = $6,
			    inferred_level = $7,
			    estimated_band = $8,
			    insights = $9,
			    status = COALESCE(NULLIF($10, ''), status),
			    updated_at = $11
			WHERE id = $1
		`, params.ID, params.Completeness, params.Freshness, params.Overall,
			params.Accuracy, jsonbSlice(params.ValidationErrors), level,
			string(params.EstimatedBand), textArray(params.Insights),
			string(params.Status), now)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("failed to update record scores: %w", err)
	}
	return nil
}

// Query returns one page of records matching the filters, newest first,
// together with the total match count.
func (r *RecordRepo) Query(ctx context.Context, q model.RecordQuery) (*model.RecordPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q.Sanitize()

	conds := buildRecordQueryConditions(q)

	countQuery, countArgs := database.BuildListQuery(database.NewListQueryOptions("cv_records",
		database.WithCountOnly(),
		database.WithConditions(conds...),
	))
	listQuery, listArgs := database.BuildListQuery(database.NewListQueryOptions("cv_records",
		database.WithColumns(splitColumns(recordColumns)...),
		database.WithConditions(conds...),
		database.WithOrderBy("created_at", "DESC"),
		database.WithOrderBy("id", "DESC"),
		database.WithLimit(q.Limit),
		database.WithOffset(q.Offset),
	))

	page := &model.RecordPage{Limit: q.Limit, Offset: q.Offset}
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if err := conn.QueryRow(ctx, countQuery, countArgs...).Scan(&page.Total); err != nil {
			return err
		}

		rows, err := conn.Query(ctx, listQuery, listArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		page.Records, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.CVRecord])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return page, nil
}

// buildRecordQueryConditions translates the record filter set into query
// builder conditions shared by the count and page queries.
func buildRecordQueryConditions(q model.RecordQuery) []database.Condition {
	conds := []database.Condition{}
	if q.Status != nil {
		conds = append(conds, database.WhereCond("status", database.Equal, *q.Status))
	}
	if q.ExperienceLevel != nil {
		conds = append(conds, database.WhereCond("inferred_level", database.Equal, *q.ExperienceLevel))
	}
	if len(q.Skills) > 0 {
		conds = append(conds, database.WhereRawCond("keywords @> $1::text[]", q.Skills))
	}
	if q.MinQuality != nil {
		conds = append(conds, database.WhereCond("overall", database.GreaterThanOrEqual, *q.MinQuality))
	}
	if q.SourceID != nil {
		conds = append(conds, database.WhereCond("source_id", database.Equal, *q.SourceID))
	}
	if q.ScrapedFrom != nil {
		conds = append(conds, database.WhereCond("scraped_at", database.GreaterThanOrEqual, *q.ScrapedFrom))
	}
	if q.ScrapedTo != nil {
		conds = append(conds, database.WhereCond("scraped_at", database.LessThanOrEqual, *q.ScrapedTo))
	}
	return conds
}

// ListForRescore pages through canonical, non-archived records in ID order
// for rescoring sweeps. Pass the last ID of the previous page to continue;
// an empty afterID starts from the beginning.
func (r *RecordRepo) ListForRescore(ctx context.Context, afterID string, limit int) ([]model.CVRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listRecordsByQuery(ctx, recordListForRescoreQuery,
		"failed to list records for rescore", nullUUID(afterID), limit)
}

// ListPayloadArchiveCandidates returns records scraped before the cutoff
// whose raw payload still sits inline, oldest first.
func (r *RecordRepo) ListPayloadArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]model.PayloadArchiveCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	var candidates []model.PayloadArchiveCandidate
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, source_id, external_id, scraped_at, raw_payload
			FROM cv_records
			WHERE archived_at IS NULL AND raw_payload IS NOT NULL AND scraped_at < $1
			ORDER BY scraped_at ASC
			LIMIT $2
		`, cutoff, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		candidates, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.PayloadArchiveCandidate])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list payload archive candidates: %w", err)
	}
	return candidates, nil
}

// MarkPayloadArchived swaps the inline payload for its cold storage key.
// Returns false when the record was already archived by a concurrent pass.
func (r *RecordRepo) MarkPayloadArchived(ctx context.Context, id, payloadKey string) (bool, error) {
	now := r.timeProvider.Now()
	result, err := r.DB.ExecContext(ctx, `
		UPDATE cv_records
		SET payload_key = $2,
		    archived_at = $3,
		    raw_payload = NULL,
		    updated_at = $3
		WHERE id = $1 AND archived_at IS NULL
	`, id, payloadKey, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark payload archived: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ArchiveStale moves records scraped before the cutoff to archived status in
// batches, under an advisory lock so concurrent maintenance runners do not
// duplicate work. Archived rows leave the canonical fingerprint constraint,
// so a later scrape of the same person starts a fresh canonical record.
func (r *RecordRepo) ArchiveStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := r.timeProvider.Now()

	return withReaperLock(ctx, r.DB, advisoryLockReaperArchive, func(tx *sql.Tx) (int64, error) {
		var total int64
		for {
			result, err := tx.ExecContext(ctx, `
				UPDATE cv_records
				SET status = 'archived', updated_at = $3
				WHERE id IN (
					SELECT id FROM cv_records
					WHERE scraped_at < $1 AND status <> 'archived'
					ORDER BY scraped_at ASC
					LIMIT $2
				)
			`, cutoff, batchSize, now)
			if err != nil {
				return total, fmt.Errorf("failed to archive stale records: %w", err)
			}
			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return total, fmt.Errorf("failed to get rows affected: %w", err)
			}
			total += rowsAffected
			if rowsAffected < int64(batchSize) {
				return total, nil
			}
		}
	})
}

// Stats returns aggregate record counts by status and the mean overall score.
func (r *RecordRepo) Stats(ctx context.Context) (*model.RecordStats, error) {
	var stats model.RecordStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) AS total,
			count(*) FILTER (WHERE status = 'new') AS new_count,
			count(*) FILTER (WHERE status = 'processed') AS processed_count,
			count(*) FILTER (WHERE status = 'validated') AS validated_count,
			count(*) FILTER (WHERE status = 'enriched') AS enriched_count,
			count(*) FILTER (WHERE status = 'duplicate') AS duplicate_count,
			count(*) FILTER (WHERE status = 'archived') AS archived_count,
			COALESCE(avg(overall) FILTER (WHERE status <> 'archived'), 0) AS avg_overall
		FROM cv_records
	`).Scan(&stats.Total, &stats.New, &stats.Processed, &stats.Validated,
		&stats.Enriched, &stats.Duplicates, &stats.Archived, &stats.AvgOverall)
	if err != nil {
		return nil, fmt.Errorf("failed to get record stats: %w", err)
	}
	return &stats, nil
}

// WithFingerprintLock runs fn while holding a cross-process advisory lock
// keyed on the fingerprint. Dedup lookup-then-merge sequences run inside it
// so concurrent writers of the same identity serialize; the partial unique
// index stays as the backstop for writers that bypass the lock. The lock is
// session-scoped on a pinned connection and released when fn returns.
func (r *RecordRepo) WithFingerprintLock(ctx context.Context, fingerprint string, fn func(ctx context.Context) error) error {
	if fingerprint == "" {
		return ErrFingerprintRequired
	}
	key := fnvHash("dedup:" + fingerprint)

	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
			return fmt.Errorf("failed to acquire fingerprint lock: %w", err)
		}
		defer func() {
			// Unlock must run even when ctx is already cancelled, otherwise
			// the session keeps the lock until the pool closes the conn.
			_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
		}()
		return fn(ctx)
	})
}

func (r *RecordRepo) mapRecordWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case constraintRecordFingerprint:
			return ErrFingerprintTaken
		case constraintRecordProvenance:
			return ErrRecordAlreadyExists
		}
		return ErrRecordAlreadyExists
	}
	return err
}

// splitColumns turns a comma-separated column constant into the name slice
// the query builder expects. The constants double as the SELECT lists of the
// static queries, so the two stay in sync by construction.
func splitColumns(columns string) []string {
	parts := strings.Split(columns, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// textArray coalesces a nil slice to an empty one for NOT NULL text[] columns.
func textArray(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}

// jsonbSlice coalesces a nil slice so NOT NULL jsonb columns store [] rather
// than a jsonb null.
func jsonbSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// nullUUID turns an optional uuid string into a NULL-able query parameter.
func nullUUID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// SQL query constants for static queries (no dynamic WHERE/ORDER BY).
// Using constants avoids runtime query building overhead for hot paths.
const (
	recordColumns = `
		id,
		full_name,
		normalized_name,
		email,
		normalized_email,
		phone,
		normalized_phone,
		headline,
		summary,
		location,
		current_title,
		current_company,
		experience,
		education,
		keywords,
		years_experience,
		source_id,
		external_id,
		scraped_at,
		raw_payload,
		payload_key,
		archived_at,
		fingerprint,
		duplicate_of,
		match_confidence,
		matched_fields,
		dedup_checked_at,
		additional_sources,
		completeness,
		freshness,
		overall,
		accuracy,
		validation_errors,
		inferred_level,
		estimated_band,
		insights,
		status,
		created_at,
		updated_at`

	recordInsertQuery = `
		INSERT INTO cv_records (
			full_name, normalized_name, email, normalized_email,
			phone, normalized_phone, headline, summary, location,
			current_title, current_company, experience, education,
			keywords, years_experience,
			source_id, external_id, scraped_at, raw_payload,
			fingerprint, duplicate_of, match_confidence, matched_fields,
			dedup_checked_at, additional_sources,
			completeness, freshness, overall, accuracy, validation_errors,
			inferred_level, estimated_band, insights,
			status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25,
			$26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36)
		RETURNING ` + recordColumns

	recordUpdateScrapedQuery = `
		UPDATE cv_records
		SET full_name = $3,
		    normalized_name = $4,
		    email = $5,
		    normalized_email = $6,
		    phone = $7,
		    normalized_phone = $8,
		    headline = $9,
		    summary = $10,
		    location = $11,
		    current_title = $12,
		    current_company = $13,
		    experience = $14,
		    education = $15,
		    keywords = $16,
		    years_experience = $17,
		    scraped_at = $18,
		    raw_payload = $19,
		    payload_key = NULL,
		    archived_at = NULL,
		    fingerprint = $20,
		    updated_at = $21
		WHERE source_id = $1 AND external_id = $2
		RETURNING ` + recordColumns

	recordGetByIDQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE id = $1`

	recordGetByProvenanceQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE source_id = $1 AND external_id = $2`

	recordGetCanonicalByFingerprintQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE fingerprint = $1
		  AND duplicate_of IS NULL
		  AND status <> 'archived'`

	recordCandidatesByEmailQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE normalized_email = $1
		  AND normalized_email <> ''
		  AND duplicate_of IS NULL
		  AND status <> 'archived'
		  AND ($2::uuid IS NULL OR id <> $2::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`

	recordCandidatesByPhoneQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE normalized_phone = $1
		  AND normalized_phone <> ''
		  AND duplicate_of IS NULL
		  AND status <> 'archived'
		  AND ($2::uuid IS NULL OR id <> $2::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`

	recordCandidatesByCompanyQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE lower(btrim(current_company)) = lower(btrim($1))
		  AND current_company <> ''
		  AND normalized_name <> ''
		  AND duplicate_of IS NULL
		  AND status <> 'archived'
		  AND ($2::uuid IS NULL OR id <> $2::uuid)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`

	recordMergeCanonicalQuery = `
		UPDATE cv_records
		SET full_name = $2,
		    normalized_name = $3,
		    email = $4,
		    normalized_email = $5,
		    phone = $6,
		    normalized_phone = $7,
		    headline = $8,
		    summary = $9,
		    location = $10,
		    current_title = $11,
		    current_company = $12,
		    experience = $13,
		    education = $14,
		    keywords = $15,
		    years_experience = $16,
		    fingerprint = $17,
		    additional_sources = $18,
		    dedup_checked_at = $19,
		    updated_at = $19
		WHERE id = $1`

	recordMergeDuplicateQuery = `
		UPDATE cv_records
		SET status = 'duplicate',
		    duplicate_of = $2,
		    match_confidence = $3,
		    matched_fields = $4,
		    dedup_checked_at = $5,
		    updated_at = $5
		WHERE id = $1`

	recordRepointDuplicatesQuery = `
		UPDATE cv_records
		SET duplicate_of = $2, updated_at = $3
		WHERE duplicate_of = $1`

	recordListForRescoreQuery = `
		SELECT ` + recordColumns + `
		FROM cv_records
		WHERE duplicate_of IS NULL
		  AND status <> 'archived'
		  AND ($1::uuid IS NULL OR id > $1::uuid)
		ORDER BY id ASC
		LIMIT $2`
)
