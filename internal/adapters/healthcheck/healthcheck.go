// Package healthcheck probes source endpoints on a fixed cadence and folds
// the outcomes into source health state. Probes bypass the rate limiter, so
// a source parked in error status keeps getting probed and recovers on its
// own once the endpoint comes back.
package healthcheck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/adapters/httpfetch"
	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/observability/metrics"
	"github.com/hirewire/cvpipeline/internal/observability/statsd"
	"github.com/hirewire/cvpipeline/internal/service"
)

// SourceDirectory is the slice of the source registry the prober consumes.
type SourceDirectory interface {
	ListActive(ctx context.Context) ([]*model.Source, error)
	RecordOutcome(ctx context.Context, params service.OutcomeParams) (*model.Source, error)
}

// Runner sweeps every active source at the configured interval and records
// one probe outcome per source.
type Runner struct {
	sources  SourceDirectory
	fetcher  core.Fetcher
	interval time.Duration
	timeout  time.Duration
	parallel int
	logger   *slog.Logger
	metrics  statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB      *sql.DB
	Config  config.HealthCheckConfig
	Logger  *slog.Logger
	Metrics statsd.Sink

	// Optional dependency injections for testing/decoupling
	Sources SourceDirectory
	Fetcher core.Fetcher
}

// NewRunner creates a new health check runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	sources := opts.Sources
	if sources == nil {
		registry, err := service.NewSourceRegistry(service.SourceRegistryOptions{
			Repo:   data.NewSourceRepo(opts.DB),
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create source registry: %w", err)
		}
		sources = registry
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = httpfetch.NewFetcher(httpfetch.FetcherOptions{
			Timeout: opts.Config.Timeout,
			Logger:  opts.Logger,
		})
	}

	return &Runner{
		sources:  sources,
		fetcher:  fetcher,
		interval: opts.Config.Interval,
		timeout:  opts.Config.Timeout,
		parallel: opts.Config.Parallel,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Sources == nil {
		return errors.New("database connection is required")
	}
	if opts.Config.Interval <= 0 {
		opts.Config.Interval = 60 * time.Second
	}
	if opts.Config.Timeout <= 0 {
		opts.Config.Timeout = 10 * time.Second
	}
	if opts.Config.Parallel < 1 {
		opts.Config.Parallel = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run starts the probe loop and runs until the context is cancelled.
// The first sweep happens immediately so fresh deployments report health
// without waiting a full interval.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting health check runner",
		"interval", r.interval,
		"parallel", r.parallel,
	)

	r.runSweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("health check runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			r.runSweep(ctx)
		}
	}
}

func (r *Runner) runSweep(ctx context.Context) {
	start := time.Now()
	probed, failed, err := r.sweep(ctx)
	elapsed := time.Since(start)

	r.emitSweepMetrics(probed, failed, elapsed, err)

	switch {
	case err != nil && ctx.Err() == nil:
		r.logger.ErrorContext(ctx, "health sweep failed", "error", err)
	case err == nil:
		r.logger.DebugContext(ctx, "health sweep complete",
			"probed", probed,
			"failed", failed,
			"elapsed", elapsed,
		)
	}
}

// sweep probes every active source with bounded parallelism. A probe that
// fails is an outcome to record, not an error, so the sweep only errors when
// the source list itself cannot be loaded.
func (r *Runner) sweep(ctx context.Context) (probed, failed int, err error) {
	sources, err := r.sources.ListActive(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list active sources: %w", err)
	}

	results := make([]bool, len(sources))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.parallel)

	for i, src := range sources {
		group.Go(func() error {
			results[i] = r.probe(gctx, src)
			return nil
		})
	}
	_ = group.Wait()

	for _, ok := range results {
		probed++
		if !ok {
			failed++
		}
	}
	return probed, failed, nil
}

// probe fetches the source's base URL and records the outcome. Any response
// below 500 proves the endpoint is alive; auth and path errors are a scrape
// concern, not a liveness one. Probes always connect directly so a broken
// proxy pool cannot mask a healthy source.
func (r *Runner) probe(ctx context.Context, src *model.Source) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	res, fetchErr := r.fetcher.Fetch(probeCtx, core.FetchRequest{
		URL:     src.BaseURL,
		Timeout: r.timeout,
	})
	cancel()

	success := fetchErr == nil && res.StatusCode < 500
	var responseMS float64
	if res != nil {
		responseMS = float64(res.Timing) / float64(time.Millisecond)
	}

	// The probe context may already be expired; the outcome still has to land.
	if _, err := r.sources.RecordOutcome(ctx, service.OutcomeParams{
		SourceID:   src.ID,
		Success:    success,
		ResponseMS: responseMS,
	}); err != nil && ctx.Err() == nil {
		r.logger.ErrorContext(ctx, "record probe outcome failed",
			"source_id", src.ID,
			"error", err,
		)
	}

	if !success && ctx.Err() == nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		r.logger.WarnContext(ctx, "source probe failed",
			"source_id", src.ID,
			"url", src.BaseURL,
			"status", status,
			"error", fetchErr,
		)
	}
	return success
}

func (r *Runner) emitSweepMetrics(probed, failed int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if probed == 0 {
		result = metrics.ResultNoop
	}
	tags := map[string]string{"result": result}

	r.metrics.Count("healthcheck.sweep", 1, tags)
	if probed > 0 {
		r.metrics.Count("healthcheck.probes", int64(probed), nil)
	}
	if failed > 0 {
		r.metrics.Count("healthcheck.probe_failures", int64(failed), nil)
	}
	if elapsed > 0 {
		r.metrics.Timing("healthcheck.sweep_duration", elapsed, metrics.CloneTags(tags))
	}
}
