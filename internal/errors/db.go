package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Regular expressions for parsing PgError.Detail messages.
var (
	// reKeyField extracts the column list from a unique violation detail:
	// "Key (field)=(value) already exists.".
	reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// reReferencedFrom detects parent deletion: "... is still referenced from table ...".
	reReferencedFrom = regexp.MustCompile(`is still referenced from table "?([^"]+)"?`)
	// reNotPresent detects a missing parent: "... is not present in table ...".
	reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

// MapDBError converts database errors into AppError values the CLI and
// services can present without leaking SQLSTATE codes:
//   - context deadline / cancellation → Timeout / Canceled
//   - pgx.ErrNoRows → NotFound
//   - unique violations → Conflict, with the offending column when known
//   - foreign key violations → ForeignKey, naming the dependent entity
//   - check and NOT NULL violations → Validation
//
// Errors it does not recognise pass through unchanged, so repository
// sentinel errors (ErrSourceNameExists and friends) survive the trip.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "The database did not respond in time.",
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{
			Code:    ErrCodeCanceled,
			Message: "The operation was canceled.",
			Cause:   err,
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{
			Code:    ErrCodeNotFound,
			Message: "Resource not found",
			Cause:   err,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return mapUniqueViolation(pgErr)
	case pgerrcode.ForeignKeyViolation:
		return mapForeignKeyViolation(pgErr)
	case pgerrcode.CheckViolation:
		return mapCheckViolation(pgErr)
	case pgerrcode.NotNullViolation:
		return mapNotNullViolation(pgErr)
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "A database error occurred.",
			Cause:   pgErr,
		}
	}
}

func mapUniqueViolation(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName

	// The Detail message is more reliable than constraint-name parsing for
	// multi-column keys like (source_id, external_id).
	if field == "" && pgErr.Detail != "" {
		if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			field = m[1]
		}
	}

	if field == "" {
		field = inferFieldFromConstraint(pgErr.ConstraintName, "_key")
	}

	return &AppError{
		Code:    ErrCodeConflict,
		Message: "This value already exists. Please choose a different one.",
		Field:   field,
		Cause:   pgErr,
	}
}

func mapForeignKeyViolation(pgErr *pgconn.PgError) error {
	var message string

	// The Detail message distinguishes deleting a parent that is still in
	// use from inserting a child whose parent does not exist.
	if pgErr.Detail != "" {
		if m := reReferencedFrom.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			message = "Cannot delete because this item is in use by " + tableEntity(m[1]) + "."
		} else if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			message = "Cannot complete operation because the referenced " + tableEntity(m[1]) + " does not exist."
		}
	}

	if message == "" && pgErr.TableName != "" {
		message = "Cannot complete operation because this item is in use by " + tableEntity(pgErr.TableName) + "."
	}

	if message == "" {
		message = inferForeignKeyMessage(pgErr.ConstraintName)
	}

	return &AppError{
		Code:    ErrCodeForeignKey,
		Message: message,
		Cause:   pgErr,
	}
}

func mapNotNullViolation(pgErr *pgconn.PgError) error {
	if pgErr.ColumnName != "" {
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "This field is required.",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	}

	return &AppError{
		Code:    ErrCodeValidation,
		Message: "Required field is missing.",
		Cause:   pgErr,
	}
}

func mapCheckViolation(pgErr *pgconn.PgError) error {
	// Postgres does not set ColumnName on check violations, but the schema's
	// enum guards get auto-named {table}_{column}_check.
	field := pgErr.ColumnName
	if field == "" {
		field = inferFieldFromConstraint(pgErr.ConstraintName, "_check")
	}

	if field != "" {
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "This field has an invalid value.",
			Field:   field,
			Cause:   pgErr,
		}
	}

	return &AppError{
		Code:    ErrCodeValidation,
		Message: "Invalid data. Please check your input.",
		Cause:   pgErr,
	}
}

// schemaTables lists the schema's table names longest-first, so cv_records
// wins over jobs when both could prefix a constraint name.
var schemaTables = []string{
	"quality_reports",
	"scheduled_jobs",
	"job_sources",
	"scrape_logs",
	"credentials",
	"cv_records",
	"sources",
	"jobs",
}

// inferFieldFromConstraint pulls a column name out of an auto-named
// constraint such as "sources_name_key" or "cv_records_status_check".
// Check constraints are named per column, so after stripping the table
// prefix the remainder is the column. Unique keys may span columns, in
// which case the name is ambiguous and the empty string is returned; the
// Detail message covers those.
func inferFieldFromConstraint(constraintName, suffix string) string {
	if constraintName == "" || !strings.HasSuffix(constraintName, suffix) {
		return ""
	}
	rest := strings.TrimSuffix(constraintName, suffix)

	matched := false
	for _, table := range schemaTables {
		if candidate, ok := strings.CutPrefix(rest, table+"_"); ok {
			rest = candidate
			matched = true
			break
		}
	}
	if !matched {
		// Unknown table: only the unambiguous table_column shape is usable.
		parts := strings.Split(rest, "_")
		if len(parts) != 2 {
			return ""
		}
		rest = parts[1]
	}

	if rest == "" || isFunctionName(rest) {
		return ""
	}
	if suffix == "_key" && strings.Contains(rest, "_") {
		// Could be one snake_case column or a multi-column key; give up.
		return ""
	}
	return rest
}

// tableEntity maps schema table names to the entity names operators see.
func tableEntity(tableName string) string {
	tableName = strings.ToLower(strings.TrimSpace(tableName))

	entities := map[string]string{
		"sources":         "a Source",
		"jobs":            "a Job",
		"job_sources":     "a Job",
		"cv_records":      "a Candidate Record",
		"scrape_logs":     "a Scrape Log",
		"scheduled_jobs":  "a Scheduled Task",
		"quality_reports": "a Quality Report",
		"credentials":     "a Credential",
	}
	if entity, ok := entities[tableName]; ok {
		return entity
	}

	return "a " + titleWords(strings.ReplaceAll(tableName, "_", " "))
}

func titleWords(s string) string {
	words := strings.Split(s, " ")
	for i, word := range words {
		if len(word) > 0 && word[0] >= 'a' && word[0] <= 'z' {
			words[i] = string(word[0]-32) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

// inferForeignKeyMessage is the last resort when neither Detail nor
// TableName survived the driver round trip.
func inferForeignKeyMessage(constraintName string) string {
	constraintName = strings.ToLower(constraintName)

	// duplicate_of references cv_records itself, so check it before the
	// generic record match.
	if strings.Contains(constraintName, "duplicate_of") {
		return "Cannot complete operation because the canonical record does not exist."
	}
	if strings.Contains(constraintName, "record") {
		return "Cannot complete operation because it is referenced by a Candidate Record."
	}
	if strings.Contains(constraintName, "job") {
		return "Cannot complete operation because it is in use by a Job."
	}
	if strings.Contains(constraintName, "source") {
		return "Cannot complete operation because it is in use by a Source."
	}

	return "Cannot complete operation because this item is in use."
}

// isFunctionName reports whether s looks like a SQL function used in an
// expression index rather than a column.
func isFunctionName(s string) bool {
	switch strings.ToLower(s) {
	case "lower", "upper", "trim", "md5", "coalesce":
		return true
	}
	return false
}
