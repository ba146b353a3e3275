package database

import (
	"strings"
	"testing"
)

func TestBuildListQuery_BasicSelect(t *testing.T) {
	opts := NewListQueryOptions("cv_records")
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_WithColumns(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithColumns("id", "full_name", "email"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT "id", "full_name", "email" FROM "cv_records"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_WithQualifiedColumns(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithColumns("cv_records.id", "cv_records.status", "sources.name"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT "cv_records"."id", "cv_records"."status", "sources"."name" FROM "cv_records"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_CountOnly(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCountOnly(),
		WithCondition(WhereCond("status", Equal, "processed")),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT COUNT(*) FROM "cv_records" WHERE "status" = $1`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 1 || args[0] != "processed" {
		t.Errorf("Expected args [processed], got %v", args)
	}
}

func TestBuildListQuery_WhereEqual(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereCond("status", Equal, "validated")),
		WithCondition(WhereCond("overall", GreaterThan, 60)),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE "status" = $1 AND "overall" > $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != "validated" || args[1] != 60 {
		t.Errorf("Expected args [validated, 60], got %v", args)
	}
}

func TestBuildListQuery_WhereLike(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereCond("full_name", ILike, "%smith%")),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE "full_name" ILIKE $1`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 1 || args[0] != "%smith%" {
		t.Errorf("Expected args [%%smith%%], got %v", args)
	}
}

func TestBuildListQuery_WhereIn_StringSlice(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereCond("status", In, []string{"new", "processed", "validated"})),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE "status" IN ($1, $2, $3)`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 3 || args[0] != "new" || args[1] != "processed" || args[2] != "validated" {
		t.Errorf("Expected args [new, processed, validated], got %v", args)
	}
}

func TestBuildListQuery_WhereIn_IntSlice(t *testing.T) {
	opts := NewListQueryOptions("scrape_logs",
		WithCondition(WhereCond("retry_count", In, []int{1, 2, 3})),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "scrape_logs" WHERE "retry_count" IN ($1, $2, $3)`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 3 || args[0] != 1 || args[1] != 2 || args[2] != 3 {
		t.Errorf("Expected args [1, 2, 3], got %v", args)
	}
}

func TestBuildListQuery_WhereAny_StringSlice(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereCond("source_id", Any, []string{"a", "b"})),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE "source_id" = ANY (ARRAY[$1, $2])`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != "a" || args[1] != "b" {
		t.Errorf("Expected args [a, b], got %v", args)
	}
}

func TestBuildListQuery_WhereCustom_SingleParam(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereRawCond("keywords @> $1::text[]", []string{"go"})),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE keywords @> $1::text[]`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 1 {
		t.Errorf("Expected 1 arg, got %v", args)
	}
}

func TestBuildListQuery_WhereCustom_MultipleParams(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereRawCond("overall BETWEEN $1 AND $2", 40, 80)),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE overall BETWEEN $1 AND $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != 40 || args[1] != 80 {
		t.Errorf("Expected args [40, 80], got %v", args)
	}
}

func TestBuildListQuery_WhereCustom_RepeatedPlaceholder(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereRawCond("(completeness > $1 OR freshness > $1)", 80)),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE (completeness > $1 OR freshness > $1)`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 1 || args[0] != 80 {
		t.Errorf("Expected args [80], got %v", args)
	}
}

func TestBuildListQuery_WhereCustom_HighNumberedPlaceholder(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithCondition(WhereCond("status", Equal, "processed")),
		WithCondition(WhereRawCond("overall > $1", 50)),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" WHERE "status" = $1 AND overall > $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != "processed" || args[1] != 50 {
		t.Errorf("Expected args [processed, 50], got %v", args)
	}
}

func TestBuildListQuery_OrderBy(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithOrderBy("created_at", "DESC"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" ORDER BY "created_at" DESC`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_OrderBy_Tiebreaker(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithOrderBy("created_at", "DESC"),
		WithOrderBy("id", "DESC"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" ORDER BY "created_at" DESC, "id" DESC`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_OrderBy_QualifiedColumn(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithOrderBy("cv_records.created_at", "ASC"),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" ORDER BY "cv_records"."created_at" ASC`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 0 {
		t.Errorf("Expected 0 args, got %d", len(args))
	}
}

func TestBuildListQuery_OrderBy_InvalidDirectionDropped(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithOrderBy("created_at", "SIDEWAYS"),
	)
	query, _ := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" ORDER BY "created_at"`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
}

func TestBuildListQuery_LimitOffset(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithLimit(10),
		WithOffset(20),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT * FROM "cv_records" LIMIT $1 OFFSET $2`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 2 || args[0] != 10 || args[1] != 20 {
		t.Errorf("Expected args [10, 20], got %v", args)
	}
}

func TestBuildListQuery_ComplexQuery(t *testing.T) {
	opts := NewListQueryOptions("cv_records",
		WithColumns("id", "full_name", "status"),
		WithCondition(WhereCond("status", Equal, "processed")),
		WithCondition(WhereCond("inferred_level", In, []string{"senior", "lead"})),
		WithCondition(WhereRawCond("scraped_at > $1", "2026-01-01")),
		WithOrderBy("created_at", "DESC"),
		WithOrderBy("id", "DESC"),
		WithLimit(50),
		WithOffset(0),
	)
	query, args := BuildListQuery(opts)

	expected := `SELECT "id", "full_name", "status" FROM "cv_records" WHERE "status" = $1 AND "inferred_level" IN ($2, $3) AND scraped_at > $4 ORDER BY "created_at" DESC, "id" DESC LIMIT $5 OFFSET $6`
	if query != expected {
		t.Errorf("Expected query %q, got %q", expected, query)
	}
	if len(args) != 6 {
		t.Errorf("Expected 6 args, got %d: %v", len(args), args)
	}
}

func TestBuildListQuery_SQLInjectionPrevention(t *testing.T) {
	// Attempt SQL injection via table name
	opts := NewListQueryOptions("cv_records; DROP TABLE cv_records;--")
	query, _ := BuildListQuery(opts)

	// Should be properly quoted as a single identifier, making it harmless
	// The entire malicious string becomes a quoted identifier
	expected := `SELECT * FROM "cv_records; DROP TABLE cv_records;--"`
	if query != expected {
		t.Errorf("Expected %q, got %q", expected, query)
	}
	// Verify it doesn't contain unquoted DROP TABLE
	if !strings.Contains(query, `"cv_records; DROP TABLE cv_records;--"`) {
		t.Errorf("Table name not properly quoted: %q", query)
	}
}
