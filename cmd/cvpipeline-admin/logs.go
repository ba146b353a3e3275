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

func logCommands() []command {
	return []command{
		{
			name:        "tail-logs",
			description: "Show recent scrape log entries with optional filters",
			run:         runTailLogs,
		},
	}
}

type tailLogsOptions struct {
	JobID     string
	SourceID  string
	Operation string
	Level     string
	Since     time.Duration
	Limit     int
}

func parseTailLogsFlags(args []string) (tailLogsOptions, error) {
	fs := flag.NewFlagSet("tail-logs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts tailLogsOptions
	fs.StringVar(&opts.JobID, "job-id", "", "Filter by job ID")
	fs.StringVar(&opts.SourceID, "source-id", "", "Filter by source ID")
	fs.StringVar(&opts.Operation, "operation", "", "Filter by pipeline operation (fetch, parse, extract, validate, save, retry, rate_limit, proxy_switch, dedup, health_check, report)")
	fs.StringVar(&opts.Level, "level", "", "Filter by level (debug, info, warn, error, fatal)")
	fs.DurationVar(&opts.Since, "since", 0, "Only entries newer than this age, e.g. 1h (default: no bound)")
	fs.IntVar(&opts.Limit, "limit", 0, "Maximum entries to display (0 uses the server default)")

	if err := fs.Parse(args); err != nil {
		return tailLogsOptions{}, err
	}
	if opts.Since < 0 {
		return tailLogsOptions{}, errors.New("--since must be >= 0")
	}
	return opts, nil
}

func (o tailLogsOptions) toQuery(now time.Time) (model.LogQuery, error) {
	q := model.LogQuery{Limit: o.Limit}
	if jobID := strings.TrimSpace(o.JobID); jobID != "" {
		q.JobID = &jobID
	}
	if sourceID := strings.TrimSpace(o.SourceID); sourceID != "" {
		q.SourceID = &sourceID
	}
	if op := strings.TrimSpace(o.Operation); op != "" {
		operation := model.Operation(strings.ToLower(op))
		if !operation.Valid() {
			return model.LogQuery{}, fmt.Errorf("invalid operation %q", op)
		}
		q.Operation = &operation
	}
	if lvl := strings.TrimSpace(o.Level); lvl != "" {
		level := model.LogLevel(strings.ToLower(lvl))
		if !level.Valid() {
			return model.LogQuery{}, fmt.Errorf("invalid level %q", lvl)
		}
		q.Level = &level
	}
	if o.Since > 0 {
		since := now.Add(-o.Since)
		q.Since = &since
	}
	return q, nil
}

func runTailLogs(cmdCtx *commandContext, args []string) error {
	opts, err := parseTailLogsFlags(args)
	if err != nil {
		return err
	}
	query, err := opts.toQuery(time.Now())
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		entries, queryErr := s.Services.Logs.Query(ctx, query)
		if queryErr != nil {
			return fmt.Errorf("query logs: %w", queryErr)
		}
		return printLogEntries(entries)
	})
}

func printLogEntries(entries []model.LogEntry) error {
	if len(entries) == 0 {
		if err := writeln(os.Stdout, "(no log entries matched)"); err != nil {
			return fmt.Errorf("print empty log tail: %w", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Time\tLevel\tOperation\tJob\tSource\tTarget\tDuration\tError"); err != nil {
		return fmt.Errorf("print log tail header: %w", err)
	}
	for i := range entries {
		entry := &entries[i]
		jobID := "-"
		if entry.JobID != nil {
			jobID = *entry.JobID
		}
		sourceID := "-"
		if entry.SourceID != nil {
			sourceID = *entry.SourceID
		}
		duration := "-"
		if entry.DurationMS != nil {
			duration = fmt.Sprintf("%.0fms", *entry.DurationMS)
		}
		errMsg := "-"
		if entry.Error != nil {
			errMsg = *entry.Error
		}
		if err := writef(
			w,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Format(time.RFC3339),
			entry.Level,
			entry.Operation,
			jobID,
			sourceID,
			entry.Target,
			duration,
			errMsg,
		); err != nil {
			return fmt.Errorf("print log row %d: %w", entry.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush log tail: %w", err)
	}
	return nil
}
