// Package reaper provides the adapter that runs retention sweeps.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
	"github.com/hirewire/cvpipeline/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB      *sql.DB
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink

	// Optional dependency injections for testing/decoupling.
	// Payloads stays nil unless cold storage is configured; without it the
	// archive sweep keeps payloads inline.
	Repo     core.ReaperRepository
	Logs     core.LogRepository
	Reports  core.ReportRepository
	Records  core.RecordRepository
	Payloads core.PayloadStore
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper: reaper,
		logger: opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil &&
		(opts.Repo == nil || opts.Logs == nil || opts.Reports == nil || opts.Records == nil) {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireReaperService wires up all dependencies for the reaper service.
func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repo := opts.Repo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}
	logs := opts.Logs
	if logs == nil {
		logs = data.NewLogRepo(opts.DB)
	}
	reports := opts.Reports
	if reports == nil {
		reports = data.NewReportRepo(opts.DB)
	}
	records := opts.Records
	if records == nil {
		records = data.NewRecordRepo(opts.DB)
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Repo:     repo,
		Logs:     logs,
		Reports:  reports,
		Records:  records,
		Payloads: opts.Payloads,
		Config:   opts.Config,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
