package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/adapters/healthcheck"
	"github.com/hirewire/cvpipeline/internal/adapters/ingestrunner"
	"github.com/hirewire/cvpipeline/internal/adapters/maintenancerunner"
	"github.com/hirewire/cvpipeline/internal/adapters/payloadarchive"
	"github.com/hirewire/cvpipeline/internal/adapters/reaper"
	schedrunner "github.com/hirewire/cvpipeline/internal/adapters/scheduler"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data/cryptoutil"
	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
	"github.com/redis/go-redis/v9"
)

//nolint:ireturn // Returning Encryptor interface is required for runner injection.
func resolveEncryptor(enc cryptoutil.Encryptor, logger *slog.Logger) cryptoutil.Encryptor {
	if enc != nil {
		return enc
	}
	if logger != nil {
		logger.Warn("no encryptor provided; using noop encryptor")
	}
	return &cryptoutil.NoopEncryptor{}
}

// IngestRunnerConfig contains configuration for the ingest runner.
type IngestRunnerConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Runner      config.IngestRunnerConfig
	Dedup       config.DedupConfig
	Quality     config.QualityConfig
	LogSink     config.LogSinkConfig
	Encryptor   cryptoutil.Encryptor
	Metrics     statsd.Sink
}

// RunIngestRunner starts the ingest runner service for scraping campaigns.
func RunIngestRunner(ctx context.Context, cfg IngestRunnerConfig) error {
	runner, err := ingestrunner.NewRunner(ingestrunner.RunnerOptions{
		DB:          cfg.DB,
		RedisClient: cfg.RedisClient,
		Logger:      cfg.Logger,
		Runner:      cfg.Runner,
		Dedup:       cfg.Dedup,
		Quality:     cfg.Quality,
		LogSink:     cfg.LogSink,
		Encryptor:   resolveEncryptor(cfg.Encryptor, cfg.Logger),
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create ingest runner: %w", err)
	}

	return runner.Run(ctx)
}

// MaintenanceRunnerConfig contains configuration for the maintenance runner.
type MaintenanceRunnerConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Runner  config.MaintenanceRunnerConfig
	Quality config.QualityConfig
	Report  config.ReportConfig
	Metrics statsd.Sink
}

// RunMaintenanceRunner starts the maintenance runner service for rescore and
// quality report jobs.
func RunMaintenanceRunner(ctx context.Context, cfg MaintenanceRunnerConfig) error {
	runner, err := maintenancerunner.NewRunner(maintenancerunner.RunnerOptions{
		DB:      cfg.DB,
		Logger:  cfg.Logger,
		Runner:  cfg.Runner,
		Quality: cfg.Quality,
		Report:  cfg.Report,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create maintenance runner: %w", err)
	}

	return runner.Run(ctx)
}

// SchedulerConfig contains configuration for scheduler.
type SchedulerConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	BatchSize       int
	DefaultPriority int
	MaxRetries      int
	SkipWhileActive bool
	Interval        time.Duration
	Metrics         statsd.Sink
}

// RunScheduler starts the scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	overrun := domain.OverrunPolicyQueue
	if cfg.SkipWhileActive {
		overrun = domain.OverrunPolicySkip
	}

	schedulerCfg := core.SchedulerConfig{
		BatchSize:       cfg.BatchSize,
		DefaultJobType:  model.JobTypeIngest,
		DefaultPriority: cfg.DefaultPriority,
		MaxRetries:      cfg.MaxRetries,
		Strategy: domain.StrategyOptions{
			Overrun:       overrun,
			OverrunStates: domain.OverrunStatesDefault,
		},
	}

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:       cfg.DB,
		Config:   &schedulerCfg,
		Interval: cfg.Interval,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Archive config.ArchiveConfig
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	opts := reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}

	// Cold storage is optional; without it the archive sweep keeps payloads inline.
	if cfg.Archive.Enabled {
		store, err := payloadarchive.NewStore(ctx, cfg.Archive, cfg.Logger)
		if err != nil {
			return fmt.Errorf("create payload archive store: %w", err)
		}
		opts.Payloads = store
	}

	runner, err := reaper.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}

// HealthCheckConfig contains configuration for the source health prober.
type HealthCheckConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.HealthCheckConfig
	Metrics statsd.Sink
}

// RunHealthCheck starts the source health prober service.
func RunHealthCheck(ctx context.Context, cfg HealthCheckConfig) error {
	runner, err := healthcheck.NewRunner(healthcheck.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create healthcheck runner: %w", err)
	}

	return runner.Run(ctx)
}
