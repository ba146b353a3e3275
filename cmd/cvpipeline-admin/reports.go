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
)

func reportCommands() []command {
	return []command{
		{
			name:        "generate-report",
			description: "Generate and persist a quality report for a scope",
			run:         runGenerateReport,
		},
		{
			name:        "show-report",
			description: "Show a stored quality report",
			run:         runShowReport,
		},
		{
			name:        "list-reports",
			description: "List recently generated quality reports",
			run:         runListReports,
		},
		{
			name:        "compare-reports",
			description: "Compare two reports: metric deltas, issues resolved and introduced",
			run:         runCompareReports,
		},
	}
}

type generateReportOptions struct {
	Sources string
	From    string
	To      string
}

func parseGenerateReportFlags(args []string) (generateReportOptions, error) {
	fs := flag.NewFlagSet("generate-report", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts generateReportOptions
	fs.StringVar(&opts.Sources, "sources", "", "Comma-separated source IDs to scope the report (default: all)")
	fs.StringVar(&opts.From, "from", "", "Scraped-at lower bound in RFC3339 (default: unbounded)")
	fs.StringVar(&opts.To, "to", "", "Scraped-at upper bound in RFC3339 (default: unbounded)")

	if err := fs.Parse(args); err != nil {
		return generateReportOptions{}, err
	}
	return opts, nil
}

func (o generateReportOptions) toScope() (model.ReportScope, error) {
	scope := model.ReportScope{
		SourceIDs: splitCommaList(o.Sources),
	}
	if o.From != "" {
		from, err := time.Parse(time.RFC3339, o.From)
		if err != nil {
			return model.ReportScope{}, fmt.Errorf("parse --from: %w", err)
		}
		scope.From = &from
	}
	if o.To != "" {
		to, err := time.Parse(time.RFC3339, o.To)
		if err != nil {
			return model.ReportScope{}, fmt.Errorf("parse --to: %w", err)
		}
		scope.To = &to
	}
	return scope, nil
}

func runGenerateReport(cmdCtx *commandContext, args []string) error {
	opts, err := parseGenerateReportFlags(args)
	if err != nil {
		return err
	}
	scope, err := opts.toScope()
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		report, genErr := s.Services.Reports.Generate(ctx, scope, nil)
		if genErr != nil {
			return fmt.Errorf("generate report: %w", genErr)
		}
		return printQualityReport(report)
	})
}

func runShowReport(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-report", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var reportID string
	fs.StringVar(&reportID, "id", "", "Report ID (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return errors.New("--id is required")
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		report, getErr := s.Services.Reports.GetReport(ctx, reportID)
		if getErr != nil {
			return fmt.Errorf("get report: %w", getErr)
		}
		return printQualityReport(report)
	})
}

func printQualityReport(report *model.QualityReport) error {
	if err := writef(os.Stdout, "\nQuality Report %s\n", report.ID); err != nil {
		return fmt.Errorf("print report title: %w", err)
	}
	if err := writef(os.Stdout, "Generated: %s\n", report.GeneratedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("print report timestamp: %w", err)
	}
	if scope := renderScope(report.Scope); scope != "" {
		if err := writef(os.Stdout, "Scope:     %s\n", scope); err != nil {
			return fmt.Errorf("print report scope: %w", err)
		}
	}
	if err := writeln(os.Stdout); err != nil {
		return fmt.Errorf("print report spacer: %w", err)
	}

	if err := printMetricSet("Overall", report.Overall); err != nil {
		return err
	}

	if len(report.PerSource) > 0 {
		if err := writef(os.Stdout, "\nPer Source\n"); err != nil {
			return fmt.Errorf("print per-source title: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if err := writeln(w, "Source\tRecords\tDup Rate\tCompleteness\tFreshness\tOverall"); err != nil {
			return fmt.Errorf("print per-source header: %w", err)
		}
		for _, src := range report.PerSource {
			if err := writef(
				w,
				"%s\t%d\t%.1f%%\t%.1f\t%.1f\t%.1f\n",
				src.SourceID,
				src.Metrics.RecordCount,
				src.Metrics.DuplicateRate*100,
				src.Metrics.AvgCompleteness,
				src.Metrics.AvgFreshness,
				src.Metrics.AvgOverall,
			); err != nil {
				return fmt.Errorf("print per-source row %q: %w", src.SourceID, err)
			}
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush per-source table: %w", err)
		}
	}

	if len(report.PerField) > 0 {
		if err := writef(os.Stdout, "\nField Fill Rates\n"); err != nil {
			return fmt.Errorf("print per-field title: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if err := writeln(w, "Field\tFill Rate\tError Rate"); err != nil {
			return fmt.Errorf("print per-field header: %w", err)
		}
		for _, field := range report.PerField {
			if err := writef(
				w,
				"%s\t%.1f%%\t%.1f%%\n",
				field.Field,
				field.FillRate*100,
				field.ErrorRate*100,
			); err != nil {
				return fmt.Errorf("print per-field row %q: %w", field.Field, err)
			}
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush per-field table: %w", err)
		}
	}

	if len(report.Issues) > 0 {
		if err := writef(os.Stdout, "\nIssues (%d)\n", len(report.Issues)); err != nil {
			return fmt.Errorf("print issues title: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if err := writeln(w, "Severity\tType\tAffected\tDescription"); err != nil {
			return fmt.Errorf("print issues header: %w", err)
		}
		for i := range report.Issues {
			issue := &report.Issues[i]
			if err := writef(
				w,
				"%s\t%s\t%d\t%s\n",
				issue.Severity,
				issue.Type,
				issue.AffectedCount,
				issue.Description,
			); err != nil {
				return fmt.Errorf("print issue row %d: %w", i, err)
			}
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush issues table: %w", err)
		}
	}

	if len(report.Recommendations) > 0 {
		if err := writef(os.Stdout, "\nRecommendations\n"); err != nil {
			return fmt.Errorf("print recommendations title: %w", err)
		}
		for _, rec := range report.Recommendations {
			if err := writef(os.Stdout, "  - %s\n", rec); err != nil {
				return fmt.Errorf("print recommendation: %w", err)
			}
		}
	}
	return nil
}

func printMetricSet(title string, m model.MetricSet) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "%s\t\n", title); err != nil {
		return fmt.Errorf("print metric set title: %w", err)
	}
	rows := []struct {
		label string
		value string
	}{
		{"Records", fmt.Sprintf("%d", m.RecordCount)},
		{"Duplicates", fmt.Sprintf("%d (%.1f%%)", m.DuplicateCount, m.DuplicateRate*100)},
		{"Avg Completeness", fmt.Sprintf("%.1f", m.AvgCompleteness)},
		{"Avg Freshness", fmt.Sprintf("%.1f", m.AvgFreshness)},
		{"Avg Accuracy", fmt.Sprintf("%.1f", m.AvgAccuracy)},
		{"Avg Overall", fmt.Sprintf("%.1f", m.AvgOverall)},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("print metric row %q: %w", row.label, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush metric set: %w", err)
	}
	return nil
}

func renderScope(scope model.ReportScope) string {
	var parts []string
	if len(scope.SourceIDs) > 0 {
		parts = append(parts, "sources "+strings.Join(scope.SourceIDs, ", "))
	}
	if scope.From != nil {
		parts = append(parts, "from "+scope.From.Format(time.RFC3339))
	}
	if scope.To != nil {
		parts = append(parts, "to "+scope.To.Format(time.RFC3339))
	}
	return strings.Join(parts, "; ")
}

func runListReports(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-reports", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	limit := fs.Int("limit", 10, "Maximum reports to display")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("--limit must be greater than zero")
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		reports, listErr := s.Services.Reports.ListRecent(ctx, *limit)
		if listErr != nil {
			return fmt.Errorf("list reports: %w", listErr)
		}
		return printReportList(reports)
	})
}

func printReportList(reports []model.QualityReport) error {
	if len(reports) == 0 {
		if err := writeln(os.Stdout, "(no reports found)"); err != nil {
			return fmt.Errorf("print empty report list: %w", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tGenerated\tRecords\tAvg Overall\tOpen Issues"); err != nil {
		return fmt.Errorf("print report list header: %w", err)
	}
	for i := range reports {
		report := &reports[i]
		if err := writef(
			w,
			"%s\t%s\t%d\t%.1f\t%d\n",
			report.ID,
			report.GeneratedAt.Format(time.RFC3339),
			report.Overall.RecordCount,
			report.Overall.AvgOverall,
			report.OpenIssueCount(),
		); err != nil {
			return fmt.Errorf("print report row %q: %w", report.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush report list: %w", err)
	}
	return nil
}

type compareReportsOptions struct {
	BaseID  string
	OtherID string
}

func parseCompareReportsFlags(args []string) (compareReportsOptions, error) {
	fs := flag.NewFlagSet("compare-reports", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts compareReportsOptions
	fs.StringVar(&opts.BaseID, "base", "", "Older report ID (required)")
	fs.StringVar(&opts.OtherID, "other", "", "Newer report ID (required)")

	if err := fs.Parse(args); err != nil {
		return compareReportsOptions{}, err
	}

	opts.BaseID = strings.TrimSpace(opts.BaseID)
	opts.OtherID = strings.TrimSpace(opts.OtherID)
	if opts.BaseID == "" || opts.OtherID == "" {
		return compareReportsOptions{}, errors.New("--base and --other are both required")
	}
	return opts, nil
}

func runCompareReports(cmdCtx *commandContext, args []string) error {
	opts, err := parseCompareReportsFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		delta, compareErr := s.Services.Reports.CompareReports(ctx, opts.BaseID, opts.OtherID)
		if compareErr != nil {
			return fmt.Errorf("compare reports: %w", compareErr)
		}
		return printReportDelta(delta)
	})
}

func printReportDelta(delta *model.ReportDelta) error {
	if err := writef(os.Stdout, "\nReport Comparison\n"); err != nil {
		return fmt.Errorf("print delta title: %w", err)
	}
	if err := writef(os.Stdout, "Base:  %s\n", delta.BaseID); err != nil {
		return fmt.Errorf("print delta base: %w", err)
	}
	if err := writef(os.Stdout, "Other: %s\n\n", delta.OtherID); err != nil {
		return fmt.Errorf("print delta other: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Metric\tBefore\tAfter\tChange"); err != nil {
		return fmt.Errorf("print delta header: %w", err)
	}
	for _, metric := range delta.Metrics {
		if err := writef(
			w,
			"%s\t%.2f\t%.2f\t%+.2f\n",
			metric.Metric,
			metric.Before,
			metric.After,
			metric.Change,
		); err != nil {
			return fmt.Errorf("print delta row %q: %w", metric.Metric, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush delta table: %w", err)
	}

	if err := writef(
		os.Stdout,
		"\nIssues resolved: %d\nIssues introduced: %d\nRecords added: %d\n",
		delta.IssuesResolved,
		delta.IssuesIntroduced,
		delta.RecordsAdded,
	); err != nil {
		return fmt.Errorf("print delta summary: %w", err)
	}
	return nil
}
