package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

func jobCommands() []command {
	return []command{
		{
			name:        "create-job",
			description: "Create a scrape, rescore, or report job",
			run:         runCreateJob,
		},
		{
			name:        "list-jobs",
			description: "List jobs with optional status/type filters",
			run:         runListJobs,
		},
		{
			name:        "job-progress",
			description: "Show per-source progress, percentage, and ETA for a job",
			run:         runJobProgress,
		},
		{
			name:        "pause-job",
			description: "Request a cooperative pause of a job",
			run:         runPauseJob,
		},
		{
			name:        "resume-job",
			description: "Resume a paused job from its checkpoint",
			run:         runResumeJob,
		},
		{
			name:        "cancel-job",
			description: "Cancel a job, immediately or at the worker's next safe point",
			run:         runCancelJob,
		},
		{
			name:        "error-summary",
			description: "Show a job's errors grouped by classified type",
			run:         runErrorSummary,
		},
	}
}

type createJobOptions struct {
	Type             string
	Sources          string
	Payload          string
	Priority         int
	FailureTolerance float64
	MaxRetries       int
	Deadline         time.Duration
	ScheduledAt      string
}

func parseCreateJobFlags(args []string) (createJobOptions, error) {
	fs := flag.NewFlagSet("create-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts createJobOptions
	fs.StringVar(&opts.Type, "type", string(model.JobTypeIngest), "Job type: ingest, rescore, or quality_report")
	fs.StringVar(&opts.Sources, "sources", "", "Comma-separated source IDs (required for ingest jobs)")
	fs.StringVar(&opts.Payload, "payload", "", "Optional JSON payload with job filters")
	fs.IntVar(&opts.Priority, "priority", 0, "Job priority 0-100; higher runs first")
	fs.Float64Var(
		&opts.FailureTolerance,
		"failure-tolerance",
		-1,
		"Error-rate threshold 0-1 before the job fails (unset uses the server default)",
	)
	fs.IntVar(&opts.MaxRetries, "max-retries", 0, "Retry budget for transient failures (0 uses the server default)")
	fs.DurationVar(&opts.Deadline, "deadline", 0, "Wall-clock budget, e.g. 4h (0 uses the server default)")
	fs.StringVar(&opts.ScheduledAt, "at", "", "Earliest start time in RFC3339 (default: now)")

	if err := fs.Parse(args); err != nil {
		return createJobOptions{}, err
	}
	return opts, nil
}

func (o createJobOptions) toRequest() (*model.CreateJobRequest, error) {
	req := &model.CreateJobRequest{
		Type:            model.JobType(strings.ToLower(strings.TrimSpace(o.Type))),
		SourceIDs:       splitCommaList(o.Sources),
		Priority:        o.Priority,
		MaxRetries:      o.MaxRetries,
		DeadlineSeconds: int(o.Deadline.Seconds()),
	}
	if o.Payload != "" {
		if !json.Valid([]byte(o.Payload)) {
			return nil, errors.New("--payload must be valid JSON")
		}
		req.Payload = json.RawMessage(o.Payload)
	}
	if o.FailureTolerance >= 0 {
		tolerance := o.FailureTolerance
		req.FailureTolerance = &tolerance
	}
	if o.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, o.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("parse --at: %w", err)
		}
		req.ScheduledAt = &at
	}
	return req, nil
}

func runCreateJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateJobFlags(args)
	if err != nil {
		return err
	}
	req, err := opts.toRequest()
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		job, createErr := s.Services.Jobs.Create(ctx, req)
		if createErr != nil {
			return fmt.Errorf("create job: %w", createErr)
		}
		return printJobCreated(job)
	})
}

func printJobCreated(job *model.Job) error {
	if err := writef(os.Stdout, "Created job %s\n", job.ID); err != nil {
		return fmt.Errorf("print created job id: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writef(w, "Type\t%s\n", job.Type); err != nil {
		return fmt.Errorf("print created job type: %w", err)
	}
	if err := writef(w, "Status\t%s\n", job.Status); err != nil {
		return fmt.Errorf("print created job status: %w", err)
	}
	if err := writef(w, "Priority\t%d\n", job.Priority); err != nil {
		return fmt.Errorf("print created job priority: %w", err)
	}
	if err := writef(w, "Scheduled At\t%s\n", job.ScheduledAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("print created job schedule: %w", err)
	}
	if job.DeadlineSeconds > 0 {
		if err := writef(w, "Deadline\t%s\n", time.Duration(job.DeadlineSeconds)*time.Second); err != nil {
			return fmt.Errorf("print created job deadline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush created job table: %w", err)
	}
	return nil
}

type listJobsOptions struct {
	Status string
	Type   string
	Task   string
	Limit  int
	Offset int
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listJobsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (pending, queued, running, paused, completed, failed, cancelled)")
	fs.StringVar(&opts.Type, "type", "", "Filter by type (ingest, rescore, quality_report)")
	fs.StringVar(&opts.Task, "task", "", "Filter by originating scheduled task name")
	fs.IntVar(&opts.Limit, "limit", 20, "Maximum jobs to display")
	fs.IntVar(&opts.Offset, "offset", 0, "Pagination offset")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}
	if opts.Limit < 0 {
		return listJobsOptions{}, errors.New("--limit must be >= 0")
	}
	if opts.Offset < 0 {
		return listJobsOptions{}, errors.New("--offset must be >= 0")
	}
	return opts, nil
}

func (o listJobsOptions) toListOptions() *model.JobListOptions {
	listOpts := &model.JobListOptions{
		Limit:  o.Limit,
		Offset: o.Offset,
	}
	if s := strings.TrimSpace(o.Status); s != "" {
		status := model.JobStatus(strings.ToLower(s))
		listOpts.Status = &status
	}
	if t := strings.TrimSpace(o.Type); t != "" {
		jobType := model.JobType(strings.ToLower(t))
		listOpts.Type = &jobType
	}
	if task := strings.TrimSpace(o.Task); task != "" {
		listOpts.ScheduledTask = &task
	}
	return listOpts
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		jobs, listErr := s.Services.Jobs.List(ctx, opts.toListOptions())
		if listErr != nil {
			return fmt.Errorf("list jobs: %w", listErr)
		}
		return printJobList(jobs)
	})
}

func printJobList(jobs []*model.JobWithSourceCounts) error {
	if len(jobs) == 0 {
		if err := writeln(os.Stdout, "(no jobs found)"); err != nil {
			return fmt.Errorf("print empty job list: %w", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tType\tStatus\tPriority\tSources\tIngested\tRetries\tCreated"); err != nil {
		return fmt.Errorf("print job list header: %w", err)
	}
	for _, job := range jobs {
		if err := writef(
			w,
			"%s\t%s\t%s\t%d\t%d/%d\t%d\t%d/%d\t%s\n",
			job.ID,
			job.Type,
			job.Status,
			job.Priority,
			job.SourcesDone,
			job.SourceCount,
			job.RecordsIngested,
			job.RetryCount,
			job.MaxRetries,
			job.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("print job row %q: %w", job.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job list: %w", err)
	}
	return nil
}

func parseJobIDFlags(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var jobID string
	fs.StringVar(&jobID, "id", "", "Job ID (required)")

	if err := fs.Parse(args); err != nil {
		return "", err
	}

	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", errors.New("--id is required")
	}
	return jobID, nil
}

func runJobProgress(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("job-progress", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		progress, progressErr := s.Services.Jobs.GetProgress(ctx, jobID)
		if progressErr != nil {
			return fmt.Errorf("get job progress: %w", progressErr)
		}
		return printJobProgress(progress)
	})
}

func printJobProgress(progress *model.JobProgress) error {
	if err := writef(os.Stdout, "\nJob Progress\n"); err != nil {
		return fmt.Errorf("print progress title: %w", err)
	}
	if err := writef(os.Stdout, "Job ID: %s\n", progress.JobID); err != nil {
		return fmt.Errorf("print progress job id: %w", err)
	}
	if err := writef(os.Stdout, "Status: %s\n", progress.Status); err != nil {
		return fmt.Errorf("print progress status: %w", err)
	}
	if err := writef(
		os.Stdout,
		"Pages:  %d/%d (%.1f%%)\n",
		progress.CurrentPage,
		progress.TotalPages,
		progress.Percentage,
	); err != nil {
		return fmt.Errorf("print progress pages: %w", err)
	}
	if progress.ETASeconds != nil {
		eta := time.Duration(*progress.ETASeconds) * time.Second
		if err := writef(os.Stdout, "ETA:    %s\n", eta); err != nil {
			return fmt.Errorf("print progress eta: %w", err)
		}
	}

	if len(progress.Sources) == 0 {
		return nil
	}

	if err := writeln(os.Stdout); err != nil {
		return fmt.Errorf("print progress spacer: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Source\tStatus\tPages\tIngested\tFailed\tDuplicates"); err != nil {
		return fmt.Errorf("print source progress header: %w", err)
	}
	for _, src := range progress.Sources {
		if err := writef(
			w,
			"%s\t%s\t%d/%d\t%d\t%d\t%d\n",
			src.SourceID,
			src.Status,
			src.PagesDone,
			src.TotalPages,
			src.RecordsIngested,
			src.RecordsFailed,
			src.DuplicatesFound,
		); err != nil {
			return fmt.Errorf("print source progress row %q: %w", src.SourceID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush source progress: %w", err)
	}
	return nil
}

func runPauseJob(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("pause-job", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		if pauseErr := s.Services.Jobs.Pause(ctx, jobID); pauseErr != nil {
			return fmt.Errorf("pause job: %w", pauseErr)
		}
		if err := writef(os.Stdout, "Pause requested for job %s; the worker stops at its next checkpoint\n", jobID); err != nil {
			return fmt.Errorf("print pause confirmation: %w", err)
		}
		return nil
	})
}

func runResumeJob(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("resume-job", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		if resumeErr := s.Services.Jobs.Resume(ctx, jobID); resumeErr != nil {
			return fmt.Errorf("resume job: %w", resumeErr)
		}
		if err := writef(os.Stdout, "Job %s re-queued; it resumes from its checkpoint\n", jobID); err != nil {
			return fmt.Errorf("print resume confirmation: %w", err)
		}
		return nil
	})
}

func runCancelJob(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("cancel-job", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		result, cancelErr := s.Services.Jobs.Cancel(ctx, jobID)
		if cancelErr != nil {
			return fmt.Errorf("cancel job: %w", cancelErr)
		}
		return printCancelResult(jobID, result)
	})
}

func printCancelResult(jobID string, result core.CancelResult) error {
	var msg string
	switch result {
	case core.CancelImmediate:
		msg = fmt.Sprintf("Job %s cancelled\n", jobID)
	case core.CancelRequested:
		msg = fmt.Sprintf("Cancellation requested for job %s; the worker stops at its next safe point\n", jobID)
	default:
		msg = fmt.Sprintf("Job %s cancellation state: %s\n", jobID, result)
	}
	if err := write(os.Stdout, msg); err != nil {
		return fmt.Errorf("print cancel result: %w", err)
	}
	return nil
}

func runErrorSummary(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("error-summary", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		summary, summaryErr := s.Services.Jobs.GetErrorSummary(ctx, jobID)
		if summaryErr != nil {
			return fmt.Errorf("get error summary: %w", summaryErr)
		}
		return printErrorSummary(jobID, summary)
	})
}

func printErrorSummary(jobID string, summary model.ErrorSummary) error {
	if len(summary) == 0 {
		if err := writef(os.Stdout, "No errors recorded for job %s\n", jobID); err != nil {
			return fmt.Errorf("print empty error summary: %w", err)
		}
		return nil
	}

	if err := writef(os.Stdout, "\nError Summary for job %s (total %d)\n", jobID, summary.Total()); err != nil {
		return fmt.Errorf("print error summary title: %w", err)
	}

	types := make([]string, 0, len(summary))
	for errType := range summary {
		types = append(types, errType)
	}
	sort.Strings(types)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Type\tCount\tLast Seen\tSample"); err != nil {
		return fmt.Errorf("print error summary header: %w", err)
	}
	for _, errType := range types {
		group := summary[errType]
		if err := writef(
			w,
			"%s\t%d\t%s\t%s\n",
			errType,
			group.Count,
			group.LastSeenAt.Format(time.RFC3339),
			group.Sample,
		); err != nil {
			return fmt.Errorf("print error summary row %q: %w", errType, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush error summary: %w", err)
	}
	return nil
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		jobTypes := []model.JobType{model.JobTypeIngest, model.JobTypeRescore, model.JobTypeQualityReport}
		jobStats := make(map[model.JobType]*model.JobStats, len(jobTypes))
		for _, jobType := range jobTypes {
			stats, statsErr := s.Services.Jobs.Stats(ctx, jobType)
			if statsErr != nil {
				return fmt.Errorf("job stats for %s: %w", jobType, statsErr)
			}
			jobStats[jobType] = stats
		}

		recordStats, recordErr := s.Services.Records.Stats(ctx)
		if recordErr != nil {
			return fmt.Errorf("record stats: %w", recordErr)
		}

		return printStats(jobTypes, jobStats, recordStats)
	})
}

func printStats(
	jobTypes []model.JobType,
	jobStats map[model.JobType]*model.JobStats,
	recordStats *model.RecordStats,
) error {
	if err := writef(os.Stdout, "\nJobs\n"); err != nil {
		return fmt.Errorf("print job stats title: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Type\tPending\tQueued\tRunning\tPaused\tCompleted\tFailed\tCancelled"); err != nil {
		return fmt.Errorf("print job stats header: %w", err)
	}
	for _, jobType := range jobTypes {
		stats := jobStats[jobType]
		if stats == nil {
			continue
		}
		if err := writef(
			w,
			"%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			jobType,
			stats.Pending,
			stats.Queued,
			stats.Running,
			stats.Paused,
			stats.Completed,
			stats.Failed,
			stats.Cancelled,
		); err != nil {
			return fmt.Errorf("print job stats row %q: %w", jobType, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush job stats: %w", err)
	}

	if recordStats == nil {
		return nil
	}

	if err := writef(os.Stdout, "\nRecords\n"); err != nil {
		return fmt.Errorf("print record stats title: %w", err)
	}
	rw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(rw, "Metric\tValue"); err != nil {
		return fmt.Errorf("print record stats header: %w", err)
	}
	rows := []struct {
		label string
		value string
	}{
		{"Total", fmt.Sprintf("%d", recordStats.Total)},
		{"New", fmt.Sprintf("%d", recordStats.New)},
		{"Processed", fmt.Sprintf("%d", recordStats.Processed)},
		{"Validated", fmt.Sprintf("%d", recordStats.Validated)},
		{"Enriched", fmt.Sprintf("%d", recordStats.Enriched)},
		{"Duplicates", fmt.Sprintf("%d", recordStats.Duplicates)},
		{"Archived", fmt.Sprintf("%d", recordStats.Archived)},
		{"Avg Overall Quality", fmt.Sprintf("%.1f", recordStats.AvgOverall)},
	}
	for _, row := range rows {
		if err := writef(rw, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("print record stats row %q: %w", row.label, err)
		}
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("flush record stats: %w", err)
	}
	return nil
}

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
