package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// ErrNoProxyAvailable is returned when every proxy in a source's pool is
// inactive or cooling down. Callers fall back to a direct connection only
// when the source allows it.
var ErrNoProxyAvailable = errors.New("no proxy available")

// SourceRegistryOptions groups dependencies for SourceRegistryService.
type SourceRegistryOptions struct {
	Repo core.SourceRepository // Required: source repository

	// Health overrides the demote/promote streak thresholds; zero values fall
	// back to the model defaults.
	Health model.HealthThresholds

	// ProxyCooldownAfter is the consecutive-failure count that puts a proxy
	// into cooldown for ProxyCooldown. Zero values fall back to defaults.
	ProxyCooldownAfter int
	ProxyCooldown      time.Duration

	TimeProvider data.TimeProvider // Optional: defaults to real time
	Logger       *slog.Logger      // Optional: structured logger
}

// SourceRegistryService is the in-process view of the source catalog used by
// workers: availability checks, proxy rotation, and outcome accounting.
//
// Rotation state (the round-robin cursor) is process-local by design; the
// counters that feed the other strategies persist with the source row, so
// replicas converge on the same preferences without sharing the cursor.
type SourceRegistryService struct {
	repo               core.SourceRepository
	health             model.HealthThresholds
	proxyCooldownAfter int
	proxyCooldown      time.Duration
	timeProvider       data.TimeProvider
	logger             *slog.Logger

	mu      sync.Mutex
	cursors map[string]int
}

// NewSourceRegistry constructs a new SourceRegistryService.
func NewSourceRegistry(opts SourceRegistryOptions) (*SourceRegistryService, error) {
	if opts.Repo == nil {
		return nil, errors.New("SourceRepository is required")
	}

	th := opts.Health
	th.Sanitize()

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "source_registry")
	}

	return &SourceRegistryService{
		repo:               opts.Repo,
		health:             th,
		proxyCooldownAfter: opts.ProxyCooldownAfter,
		proxyCooldown:      opts.ProxyCooldown,
		timeProvider:       tp,
		logger:             logger,
		cursors:            make(map[string]int),
	}, nil
}

// Get returns a source by ID.
func (s *SourceRegistryService) Get(ctx context.Context, id string) (*model.Source, error) {
	src, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

// ListByIDs returns the sources with the given IDs in name order.
func (s *SourceRegistryService) ListByIDs(ctx context.Context, ids []string) ([]*model.Source, error) {
	sources, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list sources by ids: %w", err)
	}
	return sources, nil
}

// ListActive returns every active source, including ones parked in error
// status so health probes can recover them.
func (s *SourceRegistryService) ListActive(ctx context.Context) ([]*model.Source, error) {
	sources, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	return sources, nil
}

// IsAvailable reports whether the source may receive scrape traffic now.
func (s *SourceRegistryService) IsAvailable(src *model.Source) bool {
	return src.IsAvailable(s.timeProvider.Now())
}

// NextProxy selects the next proxy URL for the source per its rotation
// strategy, considering only active proxies outside cooldown. Returns
// ErrNoProxyAvailable when the pool has no usable proxy.
func (s *SourceRegistryService) NextProxy(src *model.Source) (string, error) {
	now := s.timeProvider.Now()
	usable := src.UsableProxies(now)
	if len(usable) == 0 {
		return "", ErrNoProxyAvailable
	}

	switch src.ProxyStrategy {
	case model.StrategyRandom:
		return usable[rand.IntN(len(usable))].URL, nil
	case model.StrategyLeastUsed:
		return leastUsedProxy(usable), nil
	case model.StrategyPerformance:
		return bestPerformingProxy(usable), nil
	case model.StrategyRoundRobin:
		return s.roundRobinProxy(src.ID, usable), nil
	default:
		return s.roundRobinProxy(src.ID, usable), nil
	}
}

// roundRobinProxy advances the per-source cursor over the usable set. The
// cursor wraps with the set size, so pool edits simply reshuffle the cycle.
func (s *SourceRegistryService) roundRobinProxy(sourceID string, usable []model.Proxy) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.cursors[sourceID] % len(usable)
	s.cursors[sourceID] = idx + 1
	return usable[idx].URL
}

func leastUsedProxy(usable []model.Proxy) string {
	best := 0
	for i := 1; i < len(usable); i++ {
		if usable[i].TotalAttempts() < usable[best].TotalAttempts() {
			best = i
		}
	}
	return usable[best].URL
}

// bestPerformingProxy scores each proxy as success rate over average response
// time. Unused proxies have no timing history and win ties, so fresh proxies
// get probed before the pool settles.
func bestPerformingProxy(usable []model.Proxy) string {
	best := 0
	bestScore := performanceScore(&usable[0])
	for i := 1; i < len(usable); i++ {
		if score := performanceScore(&usable[i]); score > bestScore {
			best = i
			bestScore = score
		}
	}
	return usable[best].URL
}

func performanceScore(p *model.Proxy) float64 {
	avg := p.AvgResponseMS
	if avg <= 0 {
		avg = 1
	}
	return p.SuccessRate() / avg
}

// OutcomeParams describes one scrape outcome to record against a source.
type OutcomeParams struct {
	SourceID   string
	ProxyURL   string
	Success    bool
	ResponseMS float64
}

// RecordOutcome folds one scrape outcome into the source's persisted health
// state, counters, and proxy pool. Health transitions and proxy cooldowns are
// logged; the updated source is returned for callers that keep a working copy.
func (s *SourceRegistryService) RecordOutcome(
	ctx context.Context,
	params OutcomeParams,
) (*model.Source, error) {
	result, err := s.repo.RecordOutcome(ctx, core.RecordOutcomeParams{
		SourceID:           params.SourceID,
		ProxyURL:           params.ProxyURL,
		Success:            params.Success,
		ResponseMS:         params.ResponseMS,
		Health:             s.health,
		ProxyCooldownAfter: s.proxyCooldownAfter,
		ProxyCooldown:      s.proxyCooldown,
	})
	if err != nil {
		return nil, fmt.Errorf("record source outcome: %w", err)
	}

	if s.logger != nil && result.HealthChanged {
		s.logger.InfoContext(ctx, "source health changed",
			"source_id", params.SourceID,
			"health", result.Source.Health,
			"status", result.Source.Status,
		)
	}
	if s.logger != nil && result.ProxyCooled {
		s.logger.WarnContext(ctx, "proxy entered cooldown",
			"source_id", params.SourceID,
			"proxy_url", params.ProxyURL,
		)
	}

	return result.Source, nil
}
