package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrSourceNotFound is returned when a source is not found.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceNameExists is returned when attempting to create a source with a name that already exists.
	ErrSourceNameExists = errors.New("source name already exists")
	// ErrSourceInUse is returned when deleting a source that still owns candidate records.
	ErrSourceInUse = errors.New("source still has records and cannot be deleted")
)

const (
	// defaultRequestTimeoutMS is applied when a create request carries no per-request timeout.
	defaultRequestTimeoutMS = 30000

	// defaultProxyCooldown is applied when an outcome carries no cooldown period.
	defaultProxyCooldown = 10 * time.Minute
)

// SourceRepo provides database operations for source management.
type SourceRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewSourceRepo creates a new SourceRepo instance with the given database connection.
func NewSourceRepo(db *sql.DB) *SourceRepo {
	return &SourceRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewSourceRepoWithTimeProvider creates a SourceRepo with a custom TimeProvider (useful for testing).
func NewSourceRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *SourceRepo {
	return &SourceRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// Create registers a new source. The registrable domain is derived from the
// base URL, the rate limit policy is sanitized, and the proxy URL list
// becomes a fresh proxy pool.
func (r *SourceRepo) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	if req == nil {
		return nil, errors.New("create source request is required")
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	createdAt := r.timeProvider.Now()

	var out model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) (err error) {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
			}
		}()

		var sourceID string
		sourceID, err = r.insertSourceTx(ctx, tx, req, createdAt)
		if err != nil {
			return err
		}

		out, err = r.loadSourceByIDTx(ctx, tx, sourceID)
		if err != nil {
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", r.mapSourceWriteErr(err, false))
	}

	return &out, nil
}

// getSourceByQuery is a helper function to execute a query and return a single source.
// Uses variadic args to avoid slice allocation at call sites.
func (r *SourceRepo) getSourceByQuery(
	ctx context.Context,
	q string,
	errMsg string,
	args ...any,
) (*model.Source, error) {
	var source model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		source, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	return &source, nil
}

// GetByID retrieves a source by its ID.
func (r *SourceRepo) GetByID(ctx context.Context, id string) (*model.Source, error) {
	return r.getSourceByQuery(ctx, sourceGetByIDQuery, "failed to get source by ID", id)
}

// GetByName retrieves a source by its name.
func (r *SourceRepo) GetByName(ctx context.Context, name string) (*model.Source, error) {
	return r.getSourceByQuery(ctx, sourceGetByNameQuery, "failed to get source by name", name)
}

// List retrieves a list of sources with pagination.
func (r *SourceRepo) List(ctx context.Context, limit, offset int) ([]*model.Source, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var sources []model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sourceListQuery, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		sources, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	result := make([]*model.Source, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}

	return result, nil
}

// ListByNameContains retrieves sources filtered by name substring with pagination.
func (r *SourceRepo) ListByNameContains(ctx context.Context, q string, limit, offset int) ([]*model.Source, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	// ILIKE with wildcards for case-insensitive substring search. The query
	// string is deliberately not trimmed so names with leading or trailing
	// spaces stay searchable.
	searchPattern := "%" + q + "%"

	var sources []model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sourceListByNameQuery, searchPattern, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		sources, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources by name: %w", err)
	}
	result := make([]*model.Source, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}
	return result, nil
}

// ListByIDs retrieves the sources with the given IDs in name order. IDs with
// no matching row are silently absent from the result.
func (r *SourceRepo) ListByIDs(ctx context.Context, ids []string) ([]*model.Source, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var sources []model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sourceListByIDsQuery, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		sources, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources by IDs: %w", err)
	}
	result := make([]*model.Source, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}
	return result, nil
}

// ListActive retrieves every active source regardless of operational status.
// Health probes iterate this set so sources parked in error status can still
// recover through recorded successes.
func (r *SourceRepo) ListActive(ctx context.Context) ([]*model.Source, error) {
	var sources []model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sourceListActiveQuery)
		if err != nil {
			return err
		}
		defer rows.Close()
		sources, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active sources: %w", err)
	}
	result := make([]*model.Source, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}
	return result, nil
}

// --- helpers to reduce complexity in Create/Update ---

func (r *SourceRepo) insertSourceTx(
	ctx context.Context,
	tx pgx.Tx,
	req *model.CreateSourceRequest,
	createdAt time.Time,
) (string, error) {
	rateLimit := req.RateLimit
	rateLimit.Sanitize()

	strategy := req.ProxyStrategy
	if strategy == "" {
		strategy = model.StrategyRoundRobin
	}
	timeoutMS := req.RequestTimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultRequestTimeoutMS
	}
	selectors := req.Selectors
	if selectors == nil {
		selectors = model.SelectorSet{}
	}
	headers := req.RequestHeaders
	if headers == nil {
		headers = model.HeaderSet{}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO sources (
			name, type, base_url, domain, rate_limit, proxies, proxy_strategy,
			allow_direct, selectors, request_headers, credentials, request_timeout_ms,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING id
	`, req.Name, req.Type, req.BaseURL, model.DeriveDomain(req.BaseURL),
		rateLimit, mergeProxyPool(nil, req.Proxies), strategy,
		req.AllowDirect, selectors, headers, textArray(req.Credentials), timeoutMS, createdAt)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *SourceRepo) loadSourceByIDTx(ctx context.Context, tx pgx.Tx, id string) (model.Source, error) {
	rows, err := tx.Query(ctx, sourceGetByIDQuery, id)
	if err != nil {
		return model.Source{}, err
	}
	defer rows.Close()
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Source])
}

func (r *SourceRepo) loadSourceForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (model.Source, error) {
	rows, err := tx.Query(ctx, sourceGetForUpdateQuery, id)
	if err != nil {
		return model.Source{}, err
	}
	defer rows.Close()
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Source])
}

func (r *SourceRepo) updateSourceFieldsTx(
	ctx context.Context,
	tx pgx.Tx,
	id string,
	req model.UpdateSourceRequest,
	now time.Time,
) error {
	setParts := make([]string, 0, 8)
	args := make([]any, 0, 8)
	argIdx := 1
	addSet := func(column string, value any) {
		setParts = append(setParts, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if req.Name != nil {
		addSet("name", *req.Name)
	}
	if req.BaseURL != nil {
		addSet("base_url", *req.BaseURL)
		addSet("domain", model.DeriveDomain(*req.BaseURL))
	}
	if req.Active != nil {
		addSet("active", *req.Active)
	}
	if req.Status != nil {
		addSet("status", *req.Status)
	}
	if req.MaintenanceUntil != nil {
		addSet("maintenance_until", *req.MaintenanceUntil)
	}
	if req.RateLimit != nil {
		rateLimit := *req.RateLimit
		rateLimit.Sanitize()
		addSet("rate_limit", rateLimit)
	}
	if req.ProxyStrategy != nil {
		addSet("proxy_strategy", *req.ProxyStrategy)
	}
	if req.AllowDirect != nil {
		addSet("allow_direct", *req.AllowDirect)
	}
	if req.Selectors != nil {
		addSet("selectors", req.Selectors)
	}
	if req.RequestHeaders != nil {
		addSet("request_headers", req.RequestHeaders)
	}
	if req.Credentials != nil {
		addSet("credentials", textArray(req.Credentials))
	}
	if req.RequestTimeoutMS != nil {
		addSet("request_timeout_ms", *req.RequestTimeoutMS)
	}
	addSet("updated_at", now)

	args = append(args, id)
	ct, err := tx.Exec(
		ctx,
		"UPDATE sources SET "+strings.Join(setParts, ", ")+fmt.Sprintf(" WHERE id = $%d", argIdx),
		args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// replaceProxyPoolTx swaps the proxy pool for the given URL list, carrying
// counters over for URLs that stay in the pool. The row is locked so a
// concurrent outcome update cannot resurrect dropped proxies.
func (r *SourceRepo) replaceProxyPoolTx(ctx context.Context, tx pgx.Tx, id string, urls []string) error {
	current, err := r.loadSourceForUpdateTx(ctx, tx, id)
	if err != nil {
		return err
	}
	pool := mergeProxyPool(current.Proxies, urls)
	_, err = tx.Exec(ctx, `UPDATE sources SET proxies = $1 WHERE id = $2`, pool, id)
	return err
}

// mergeProxyPool builds the proxy pool for a URL list, keeping the counters
// of proxies already in the pool. Re-listed proxies come back active but an
// unexpired cooldown stays in force.
func mergeProxyPool(current []model.Proxy, urls []string) []model.Proxy {
	pool := make([]model.Proxy, 0, len(urls))
	for _, u := range urls {
		kept := false
		for i := range current {
			if current[i].URL == u {
				p := current[i]
				p.Active = true
				pool = append(pool, p)
				kept = true
				break
			}
		}
		if !kept {
			pool = append(pool, model.Proxy{URL: u, Active: true})
		}
	}
	return pool
}

// Update applies a partial update to an existing source. A new base URL also
// recomputes the stored domain; a new proxy URL list replaces the pool while
// keeping counters for proxies that survive the change.
func (r *SourceRepo) Update(ctx context.Context, id string, req model.UpdateSourceRequest) (*model.Source, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now()

	var out model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) (err error) {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
			}
		}()

		if err = r.updateSourceFieldsTx(ctx, tx, id, req, now); err != nil {
			return err
		}

		if req.Proxies != nil {
			if err = r.replaceProxyPoolTx(ctx, tx, id, req.Proxies); err != nil {
				return err
			}
		}

		out, err = r.loadSourceByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update source: %w", r.mapSourceWriteErr(err, true))
	}

	return &out, nil
}

// RecordOutcome folds a scrape outcome into the source counters, the health
// state machine, and the proxy pool, all under a row lock so concurrent
// workers never lose increments.
func (r *SourceRepo) RecordOutcome(ctx context.Context, params core.RecordOutcomeParams) (*core.RecordOutcomeResult, error) {
	if params.SourceID == "" {
		return nil, errors.New("source id is required")
	}

	now := r.timeProvider.Now()
	cooldown := params.ProxyCooldown
	if cooldown <= 0 {
		cooldown = defaultProxyCooldown
	}

	var result core.RecordOutcomeResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) (err error) {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
			}
		}()

		var src model.Source
		src, err = r.loadSourceForUpdateTx(ctx, tx, params.SourceID)
		if err != nil {
			return err
		}

		if params.Success {
			result.HealthChanged = src.RecordSuccess(params.ResponseMS, params.Health)
		} else {
			result.HealthChanged = src.RecordFailure(params.Health)
		}
		if params.ProxyURL != "" {
			if p := src.ProxyByURL(params.ProxyURL); p != nil {
				if params.Success {
					p.RecordSuccess(params.ResponseMS)
				} else {
					result.ProxyCooled = p.RecordFailure(now, params.ProxyCooldownAfter, cooldown)
				}
			}
		}
		src.UpdatedAt = now

		_, err = tx.Exec(ctx, `
			UPDATE sources
			SET health = $1,
			    status = $2,
			    consecutive_failures = $3,
			    consecutive_successes = $4,
			    stats = $5,
			    proxies = $6,
			    updated_at = $7
			WHERE id = $8
		`, src.Health, src.Status, src.ConsecutiveFailures, src.ConsecutiveSuccesses,
			src.Stats, src.Proxies, now, src.ID)
		if err != nil {
			return err
		}

		result.Source = &src
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("failed to record source outcome: %w", err)
	}

	return &result, nil
}

func (r *SourceRepo) mapSourceWriteErr(err error, includeNotFound bool) error {
	if err == nil {
		return nil
	}
	if includeNotFound && errors.Is(err, pgx.ErrNoRows) {
		return ErrSourceNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return ErrSourceNameExists
		case pgerrcode.ForeignKeyViolation:
			return ErrSourceInUse
		}
	}
	return err
}

// Delete deletes a source by its ID. Sources that still own candidate
// records are protected by a foreign key and surface ErrSourceInUse.
func (r *SourceRepo) Delete(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM sources WHERE id = $1`

	result, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete source: %w", r.mapSourceWriteErr(err, false))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// SQL query constants for static queries (no dynamic WHERE/ORDER BY).
// Using constants avoids runtime query building overhead for hot paths.
const (
	sourceColumns = `
		id,
		name,
		type,
		base_url,
		domain,
		active,
		status,
		maintenance_until,
		rate_limit,
		proxies,
		proxy_strategy,
		allow_direct,
		health,
		consecutive_failures,
		consecutive_successes,
		stats,
		selectors,
		request_headers,
		credentials,
		request_timeout_ms,
		created_at,
		updated_at`

	sourceGetByIDQuery = `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE id = $1`

	sourceGetByNameQuery = `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE name = $1`

	sourceGetForUpdateQuery = sourceGetByIDQuery + `
		FOR UPDATE`

	sourceListQuery = `
		SELECT ` + sourceColumns + `
		FROM sources
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	sourceListByNameQuery = `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE name ILIKE $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	sourceListByIDsQuery = `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE id = ANY($1::uuid[])
		ORDER BY name ASC, id ASC`

	sourceListActiveQuery = `
		SELECT ` + sourceColumns + `
		FROM sources
		WHERE active
		ORDER BY name ASC, id ASC`
)
