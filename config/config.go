package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - services.go: Service mode and worker configuration
//   - pipeline.go: Dedup, quality, report, and log sink tuning
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (seed commands, verbose logging).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"ingest-runner"`

	// CredentialsEncryptionKey encrypts stored source credentials at rest.
	// Accepts a 64-char hex key or any passphrase (hashed to 32 bytes).
	CredentialsEncryptionKey string `env:"CREDENTIALS_ENCRYPTION_KEY"`

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Ingest runner configuration
	IngestRunner IngestRunnerConfig

	// Maintenance runner configuration
	MaintenanceRunner MaintenanceRunnerConfig

	// Health check prober configuration
	HealthCheck HealthCheckConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Pipeline tuning (dedup, quality, reports, log sink, archive)
	Dedup   DedupConfig
	Quality QualityConfig
	Report  ReportConfig
	LogSink LogSinkConfig
	Archive ArchiveConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Scheduler.Sanitize()
	c.IngestRunner.Sanitize()
	c.MaintenanceRunner.Sanitize()
	c.HealthCheck.Sanitize()
	c.Reaper.Sanitize()
	c.Dedup.Sanitize()
	c.Quality.Sanitize()
	c.Report.Sanitize()
	c.LogSink.Sanitize()
	c.Archive.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsIngestRunnerEnabled returns true if the ingest runner service is enabled.
func (c *AppConfig) IsIngestRunnerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeIngestRunner]
}

// IsMaintenanceRunnerEnabled returns true if the maintenance runner service is enabled.
func (c *AppConfig) IsMaintenanceRunnerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeMaintenanceRunner]
}

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeScheduler]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}

// IsHealthCheckEnabled returns true if the health check prober is enabled.
func (c *AppConfig) IsHealthCheckEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHealthCheck]
}
