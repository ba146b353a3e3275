package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/service"
)

func recordCommands() []command {
	return []command{
		{
			name:        "query-records",
			description: "Query CV records by status, level, skills, quality, or scrape window",
			run:         runQueryRecords,
		},
		{
			name:        "show-record",
			description: "Show one CV record with its dedup and quality sub-state",
			run:         runShowRecord,
		},
		{
			name:        "revalidate-record",
			description: "Rerun validation and scoring for one record and persist the result",
			run:         runRevalidateRecord,
		},
	}
}

type queryRecordsOptions struct {
	Status     string
	Level      string
	Skills     string
	MinQuality float64
	SourceID   string
	From       string
	To         string
	Limit      int
	Offset     int
}

func parseQueryRecordsFlags(args []string) (queryRecordsOptions, error) {
	fs := flag.NewFlagSet("query-records", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts queryRecordsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by record status (new, processed, validated, enriched, duplicate, archived)")
	fs.StringVar(&opts.Level, "level", "", "Filter by inferred experience level (junior, mid, senior, lead, principal)")
	fs.StringVar(&opts.Skills, "skills", "", "Comma-separated keywords; every one must be present")
	fs.Float64Var(&opts.MinQuality, "min-quality", -1, "Minimum overall quality score 0-100")
	fs.StringVar(&opts.SourceID, "source-id", "", "Filter by originating source ID")
	fs.StringVar(&opts.From, "from", "", "Scraped-at lower bound in RFC3339")
	fs.StringVar(&opts.To, "to", "", "Scraped-at upper bound in RFC3339")
	fs.IntVar(&opts.Limit, "limit", 0, "Maximum records to display (0 uses the server default)")
	fs.IntVar(&opts.Offset, "offset", 0, "Pagination offset")

	if err := fs.Parse(args); err != nil {
		return queryRecordsOptions{}, err
	}
	if opts.Offset < 0 {
		return queryRecordsOptions{}, errors.New("--offset must be >= 0")
	}
	return opts, nil
}

func (o queryRecordsOptions) toQuery() (model.RecordQuery, error) {
	q := model.RecordQuery{
		Skills: splitCommaList(o.Skills),
		Limit:  o.Limit,
		Offset: o.Offset,
	}
	if s := strings.TrimSpace(o.Status); s != "" {
		status := model.RecordStatus(strings.ToLower(s))
		q.Status = &status
	}
	if l := strings.TrimSpace(o.Level); l != "" {
		level := model.ExperienceLevel(strings.ToLower(l))
		q.ExperienceLevel = &level
	}
	if o.MinQuality >= 0 {
		minQuality := o.MinQuality
		q.MinQuality = &minQuality
	}
	if src := strings.TrimSpace(o.SourceID); src != "" {
		q.SourceID = &src
	}
	if o.From != "" {
		from, err := time.Parse(time.RFC3339, o.From)
		if err != nil {
			return model.RecordQuery{}, fmt.Errorf("parse --from: %w", err)
		}
		q.ScrapedFrom = &from
	}
	if o.To != "" {
		to, err := time.Parse(time.RFC3339, o.To)
		if err != nil {
			return model.RecordQuery{}, fmt.Errorf("parse --to: %w", err)
		}
		q.ScrapedTo = &to
	}
	return q, nil
}

func runQueryRecords(cmdCtx *commandContext, args []string) error {
	opts, err := parseQueryRecordsFlags(args)
	if err != nil {
		return err
	}
	query, err := opts.toQuery()
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		page, queryErr := s.Services.Records.Query(ctx, query)
		if queryErr != nil {
			return fmt.Errorf("query records: %w", queryErr)
		}
		return printRecordPage(page)
	})
}

func printRecordPage(page *model.RecordPage) error {
	if len(page.Records) == 0 {
		if err := writeln(os.Stdout, "(no records matched)"); err != nil {
			return fmt.Errorf("print empty record page: %w", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tName\tTitle\tLevel\tStatus\tQuality\tSource\tScraped"); err != nil {
		return fmt.Errorf("print record page header: %w", err)
	}
	for i := range page.Records {
		rec := &page.Records[i]
		if err := writef(
			w,
			"%s\t%s\t%s\t%s\t%s\t%.1f\t%s\t%s\n",
			rec.ID,
			rec.FullName,
			rec.CurrentTitle,
			rec.InferredLevel,
			rec.Status,
			rec.Overall,
			rec.SourceID,
			rec.ScrapedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("print record row %q: %w", rec.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush record page: %w", err)
	}

	if err := writef(
		os.Stdout,
		"\nShowing %d of %d records (offset %d)\n",
		len(page.Records),
		page.Total,
		page.Offset,
	); err != nil {
		return fmt.Errorf("print record page footer: %w", err)
	}
	return nil
}

func runShowRecord(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-record", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var recordID string
	fs.StringVar(&recordID, "id", "", "Record ID (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return errors.New("--id is required")
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		rec, getErr := s.Services.Records.GetByID(ctx, recordID)
		if getErr != nil {
			return fmt.Errorf("get record: %w", getErr)
		}
		return printRecordDetail(rec)
	})
}

func runRevalidateRecord(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("revalidate-record", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var recordID string
	fs.StringVar(&recordID, "id", "", "Record ID (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return errors.New("--id is required")
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		scores, revalErr := s.Services.Records.Revalidate(ctx, recordID)
		if revalErr != nil {
			return fmt.Errorf("revalidate record: %w", revalErr)
		}
		return printRevalidateResult(recordID, scores)
	})
}

func printRevalidateResult(recordID string, scores *service.ScoreSet) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"Record", recordID},
		{"Completeness", fmt.Sprintf("%.1f", scores.Completeness)},
		{"Freshness", fmt.Sprintf("%.1f", scores.Freshness)},
		{"Accuracy", fmt.Sprintf("%.1f", scores.Accuracy)},
		{"Overall", fmt.Sprintf("%.1f", scores.Overall)},
		{"Level", string(scores.InferredLevel)},
		{"Validation Errors", fmt.Sprintf("%d", len(scores.ValidationErrors))},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("print revalidate row %q: %w", row.label, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush revalidate result: %w", err)
	}

	for _, verr := range scores.ValidationErrors {
		if err := writef(os.Stdout, "  %s: %s\n", verr.Field, verr.Message); err != nil {
			return fmt.Errorf("print validation error %q: %w", verr.Field, err)
		}
	}
	return nil
}

func printRecordDetail(rec *model.CVRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"ID", rec.ID},
		{"Name", rec.FullName},
		{"Email", rec.Email},
		{"Phone", rec.Phone},
		{"Title", rec.CurrentTitle},
		{"Company", rec.CurrentCompany},
		{"Location", rec.Location},
		{"Level", string(rec.InferredLevel)},
		{"Years Experience", fmt.Sprintf("%.1f", rec.YearsExperience)},
		{"Status", string(rec.Status)},
		{"Source", rec.SourceID},
		{"External ID", rec.ExternalID},
		{"Scraped At", rec.ScrapedAt.Format(time.RFC3339)},
		{"Completeness", fmt.Sprintf("%.1f", rec.Completeness)},
		{"Freshness", fmt.Sprintf("%.1f", rec.Freshness)},
		{"Accuracy", fmt.Sprintf("%.1f", rec.Accuracy)},
		{"Overall", fmt.Sprintf("%.1f", rec.Overall)},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("print record detail row %q: %w", row.label, err)
		}
	}
	if rec.DuplicateOf != nil {
		confidence := "n/a"
		if rec.MatchConfidence != nil {
			confidence = fmt.Sprintf("%.2f", *rec.MatchConfidence)
		}
		if err := writef(w, "Duplicate Of\t%s (confidence %s)\n", *rec.DuplicateOf, confidence); err != nil {
			return fmt.Errorf("print record duplicate row: %w", err)
		}
	}
	if len(rec.AdditionalSources) > 0 {
		if err := writef(w, "Additional Sources\t%s\n", strings.Join(rec.AdditionalSources, ", ")); err != nil {
			return fmt.Errorf("print record additional sources: %w", err)
		}
	}
	if len(rec.ValidationErrors) > 0 {
		if err := writef(w, "Validation Errors\t%d\n", len(rec.ValidationErrors)); err != nil {
			return fmt.Errorf("print record validation error count: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush record detail: %w", err)
	}

	for _, verr := range rec.ValidationErrors {
		if err := writef(os.Stdout, "  %s: %s\n", verr.Field, verr.Message); err != nil {
			return fmt.Errorf("print validation error %q: %w", verr.Field, err)
		}
	}
	return nil
}
