package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/data/cryptoutil"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
	"github.com/hirewire/cvpipeline/internal/service"
	"github.com/redis/go-redis/v9"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Registry      *service.SourceRegistryService
	Records       *service.RecordService
	Reports       *service.ReportGenerator
	Sources       core.SourceRepository
	Credentials   core.CredentialRepository
	ScheduledJobs core.ScheduledJobsAdminRepository
	Logs          core.LogRepository
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB                     *sql.DB
	Redis                  redis.UniversalClient
	JobRepo                *data.JobRepo
	SourceRepo             *data.SourceRepo
	RecordRepo             *data.RecordRepo
	ReportRepo             *data.ReportRepo
	LogRepo                *data.LogRepo
	CredentialRepo         *data.CredentialRepo
	ScheduledJobsAdminRepo *data.ScheduledJobsAdminRepo
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "cvpipeline",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redis redis.UniversalClient) *serviceRepositories {
	return &serviceRepositories{
		DB:                     db,
		Redis:                  redis,
		JobRepo:                data.NewJobRepo(db, data.RepoConfig{}),
		SourceRepo:             data.NewSourceRepo(db),
		RecordRepo:             data.NewRecordRepo(db),
		ReportRepo:             data.NewReportRepo(db),
		LogRepo:                data.NewLogRepo(db),
		ScheduledJobsAdminRepo: data.NewScheduledJobsAdminRepo(db),
	}
}

// ensureCredentialRepo attaches the encrypted credential repo once config is available.
func ensureCredentialRepo(repos *serviceRepositories, cfg *config.AppConfig, logger *slog.Logger) {
	if cfg == nil || cfg.CredentialsEncryptionKey == "" {
		log := logger
		if log == nil {
			log = slog.Default()
		}
		log.Warn("credentials encryption key is empty; credential repo will use a default encryptor")
	}
	key := ""
	if cfg != nil {
		key = cfg.CredentialsEncryptionKey
	}
	repos.CredentialRepo = data.NewCredentialRepo(repos.DB, CreateEncryptor(key, logger))
}

func newJobService(repos *serviceRepositories, logger *slog.Logger) *service.JobService {
	return service.MustNewJobService(service.JobServiceOptions{
		Repo:         repos.JobRepo,
		Control:      repos.JobRepo,
		Sources:      repos.JobRepo,
		DefaultLease: 30 * time.Second,
		Logger:       logger,
	})
}

func newSourceRegistry(repos *serviceRepositories, logger *slog.Logger) (*service.SourceRegistryService, error) {
	registry, err := service.NewSourceRegistry(service.SourceRegistryOptions{
		Repo:   repos.SourceRepo,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create source registry: %w", err)
	}
	return registry, nil
}

func newRecordService(repos *serviceRepositories, cfg config.QualityConfig, logger *slog.Logger) (*service.RecordService, error) {
	scorer := service.NewQualityScorer(service.QualityScorerOptions{
		FreshnessDecayPerDay: cfg.FreshnessDecayPerDay,
	})
	records, err := service.NewRecordService(service.RecordServiceOptions{
		Repo:   repos.RecordRepo,
		Scorer: scorer,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create record service: %w", err)
	}
	return records, nil
}

type reportGeneratorDeps struct {
	Repos   *serviceRepositories
	Quality config.QualityConfig
	Report  config.ReportConfig
	Logger  *slog.Logger
}

func newReportGenerator(deps reportGeneratorDeps) (*service.ReportGenerator, error) {
	reports, err := service.NewReportGenerator(service.ReportGeneratorOptions{
		Quality:           deps.Repos.RecordRepo,
		Reports:           deps.Repos.ReportRepo,
		Logs:              deps.Repos.LogRepo,
		SourceAggregation: deps.Report.SourceAggregation,
		FieldAggregation:  deps.Report.FieldAggregation,
		StaleAfter:        time.Duration(deps.Quality.StaleAfterDays) * 24 * time.Hour,
		TrendWindow:       deps.Report.TrendWindow,
		ExampleLimit:      deps.Report.IssueExampleLimit,
		Logger:            deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create report generator: %w", err)
	}
	return reports, nil
}

// DomainServicesOptions groups inputs for buildDomainServices.
type DomainServicesOptions struct {
	Repos         *serviceRepositories
	Observability ObservabilityContainer
	Config        *config.AppConfig
	Logger        *slog.Logger
}

// buildDomainServices wires business services using repositories and observability adapters.
func buildDomainServices(opts *DomainServicesOptions) (ServiceContainer, error) {
	if opts == nil {
		return ServiceContainer{}, errors.New("domain services options are required")
	}
	svcLogger := opts.Logger
	if svcLogger == nil {
		svcLogger = slog.Default()
	}

	appCfg := opts.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	ensureCredentialRepo(opts.Repos, appCfg, svcLogger)
	jobService := newJobService(opts.Repos, svcLogger)
	registry, err := newSourceRegistry(opts.Repos, svcLogger)
	if err != nil {
		return ServiceContainer{}, err
	}
	recordService, err := newRecordService(opts.Repos, appCfg.Quality, svcLogger)
	if err != nil {
		return ServiceContainer{}, err
	}
	reportGenerator, err := newReportGenerator(reportGeneratorDeps{
		Repos:   opts.Repos,
		Quality: appCfg.Quality,
		Report:  appCfg.Report,
		Logger:  svcLogger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Jobs:          jobService,
		Registry:      registry,
		Records:       recordService,
		Reports:       reportGenerator,
		Sources:       opts.Repos.SourceRepo,
		Credentials:   opts.Repos.CredentialRepo,
		ScheduledJobs: opts.Repos.ScheduledJobsAdminRepo,
		Logs:          opts.Repos.LogRepo,
		Observability: opts.Observability,
	}, nil
}

func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service dependencies are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var obsCfg config.ObservabilityConfig
	if deps.Config != nil {
		obsCfg = deps.Config.Observability
	}
	observability := buildObservability(logger, obsCfg)
	repos := buildRepositories(deps.DB, deps.RedisClient)
	return buildDomainServices(&DomainServicesOptions{
		Repos:         repos,
		Observability: observability,
		Config:        deps.Config,
		Logger:        logger,
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	encryptor       cryptoutil.Encryptor
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				if deps.logger != nil {
					deps.logger.WarnContext(
						ctx,
						"dropping background service error",
						"service",
						descriptor.name,
						"error",
						errMsg,
					)
				} else {
					slog.Default().WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
				}
			}
		}
	}()

	if deps.logger != nil {
		deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	} else {
		slog.Default().InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	}

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newIngestRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeIngestRunner,
		name: "ingest runner",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var runnerCfg config.IngestRunnerConfig
			var dedupCfg config.DedupConfig
			var qualityCfg config.QualityConfig
			var logSinkCfg config.LogSinkConfig
			if deps.cfg.Config != nil {
				runnerCfg = deps.cfg.Config.IngestRunner
				dedupCfg = deps.cfg.Config.Dedup
				qualityCfg = deps.cfg.Config.Quality
				logSinkCfg = deps.cfg.Config.LogSink
			}
			return RunIngestRunner(ctx, IngestRunnerConfig{
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
				Runner:      runnerCfg,
				Dedup:       dedupCfg,
				Quality:     qualityCfg,
				LogSink:     logSinkCfg,
				Encryptor:   deps.encryptor,
				Metrics:     deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newMaintenanceRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeMaintenanceRunner,
		name: "maintenance runner",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var runnerCfg config.MaintenanceRunnerConfig
			var qualityCfg config.QualityConfig
			var reportCfg config.ReportConfig
			if deps.cfg.Config != nil {
				runnerCfg = deps.cfg.Config.MaintenanceRunner
				qualityCfg = deps.cfg.Config.Quality
				reportCfg = deps.cfg.Config.Report
			}
			return RunMaintenanceRunner(ctx, MaintenanceRunnerConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Runner:  runnerCfg,
				Quality: qualityCfg,
				Report:  reportCfg,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			schedulerCfg := config.SchedulerConfig{}
			if deps.cfg.Config != nil {
				schedulerCfg = deps.cfg.Config.Scheduler
			}
			return RunScheduler(ctx, SchedulerConfig{
				DB:              deps.cfg.DB,
				Logger:          deps.logger,
				BatchSize:       schedulerCfg.BatchSize,
				DefaultPriority: schedulerCfg.DefaultPriority,
				MaxRetries:      schedulerCfg.MaxRetries,
				SkipWhileActive: schedulerCfg.SkipWhileActive,
				Interval:        schedulerCfg.Interval,
				Metrics:         deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			var archiveCfg config.ArchiveConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
				archiveCfg = deps.cfg.Config.Archive
			}
			return RunReaper(ctx, ReaperConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Config:  reaperCfg,
				Archive: archiveCfg,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func newHealthCheckBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeHealthCheck,
		name: "healthcheck",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var healthCfg config.HealthCheckConfig
			if deps.cfg.Config != nil {
				healthCfg = deps.cfg.Config.HealthCheck
			}
			return RunHealthCheck(ctx, HealthCheckConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Config:  healthCfg,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newIngestRunnerBackgroundService(deps),
		newMaintenanceRunnerBackgroundService(deps),
		newSchedulerBackgroundService(deps),
		newReaperBackgroundService(deps),
		newHealthCheckBackgroundService(deps),
	}
}

// startServices starts all enabled services and returns their completion handles.
func startServices(deps *serviceStartupDeps) []backgroundServiceHandle {
	return startBackgroundServices(deps, buildBackgroundServices(deps))
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	encryptor := CreateEncryptor(cfg.Config.CredentialsEncryptionKey, logger)

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	handles := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		encryptor:       encryptor,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	modes := []config.ServiceMode{
		config.ServiceModeIngestRunner,
		config.ServiceModeMaintenanceRunner,
		config.ServiceModeScheduler,
		config.ServiceModeReaper,
		config.ServiceModeHealthCheck,
	}

	count := 0
	for _, mode := range modes {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
