package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	apperrors "github.com/hirewire/cvpipeline/internal/errors"
)

// burstWindow is the detection window for rapid-fire request streaks.
const burstWindow = 10 * time.Second

// minRetryFloor keeps the delay-policy retry loop from spinning when the
// store reports a near-zero retry hint.
const minRetryFloor = 50 * time.Millisecond

// RateLimiterOptions groups dependencies for RateLimiterService.
type RateLimiterOptions struct {
	Store        core.RateLimitStore // Required: shared limiter state
	TimeProvider data.TimeProvider   // Optional: defaults to real time
	Logger       *slog.Logger        // Optional: structured logger

	// Jitter computes the effective inter-request delay from the base delay
	// and the policy's jitter fraction. Defaults to uniform ±fraction.
	Jitter func(base time.Duration, fraction float64) time.Duration
}

// RateLimiterService enforces per-source request budgets on top of shared
// Redis state, so every worker in every replica draws from one allowance.
//
// An acquisition passes four checks in order: no burst cooldown armed, all
// three fixed windows under their limits, the inter-request gate free, and
// the burst counter under the allowance. Denials carry a retry-after hint;
// the source's on-limit policy decides whether Acquire sleeps it or the
// caller gets the error.
type RateLimiterService struct {
	store        core.RateLimitStore
	timeProvider data.TimeProvider
	logger       *slog.Logger
	jitter       func(base time.Duration, fraction float64) time.Duration
}

// NewRateLimiter constructs a new RateLimiterService.
func NewRateLimiter(opts RateLimiterOptions) (*RateLimiterService, error) {
	if opts.Store == nil {
		return nil, errors.New("RateLimitStore is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	jitter := opts.Jitter
	if jitter == nil {
		jitter = uniformJitter
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "rate_limiter")
	}

	return &RateLimiterService{
		store:        opts.Store,
		timeProvider: tp,
		logger:       logger,
		jitter:       jitter,
	}, nil
}

// uniformJitter spreads the base delay uniformly across ±fraction.
func uniformJitter(base time.Duration, fraction float64) time.Duration {
	if base <= 0 || fraction <= 0 {
		return base
	}
	spread := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(base) * (1 + spread))
}

// TryAcquire makes one attempt to claim a request slot for the source.
// On denial it returns a rate_limited AppError carrying a retry-after hint;
// the window increment that overflowed is deliberately not rolled back, per
// fixed-window semantics.
func (s *RateLimiterService) TryAcquire(ctx context.Context, src *model.Source) error {
	policy := src.RateLimit
	policy.Sanitize()

	if err := s.checkCooldown(ctx, src.ID); err != nil {
		return err
	}
	if err := s.checkWindows(ctx, src.ID, policy); err != nil {
		return err
	}
	if err := s.checkGate(ctx, src.ID, policy); err != nil {
		return err
	}
	return s.checkBurst(ctx, src.ID, policy)
}

// Acquire claims a request slot honoring the source's on-limit policy: with
// LimitActionDelay it sleeps each retry-after hint until the slot is granted
// or the context ends; with LimitActionReject the first denial is returned
// to the caller.
func (s *RateLimiterService) Acquire(ctx context.Context, src *model.Source) error {
	for {
		err := s.TryAcquire(ctx, src)
		if err == nil {
			return nil
		}
		if !apperrors.IsRateLimited(err) || src.RateLimit.OnLimit == model.LimitActionReject {
			return err
		}

		wait := apperrors.GetRetryAfter(err)
		if wait < minRetryFloor {
			wait = minRetryFloor
		}
		if s.logger != nil {
			s.logger.DebugContext(ctx, "rate limit delay",
				"source_id", src.ID,
				"wait", wait,
			)
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

// Health reports whether the limiter's backing store is reachable.
func (s *RateLimiterService) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

func (s *RateLimiterService) checkCooldown(ctx context.Context, sourceID string) error {
	remaining, err := s.store.CooldownRemaining(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("check cooldown: %w", err)
	}
	if remaining > 0 {
		return apperrors.RateLimited("source is cooling down after a burst", remaining)
	}
	return nil
}

func (s *RateLimiterService) checkWindows(
	ctx context.Context,
	sourceID string,
	policy model.RateLimitPolicy,
) error {
	now := s.timeProvider.Now()
	counts, err := s.store.IncrementWindows(ctx, sourceID, now)
	if err != nil {
		return fmt.Errorf("increment windows: %w", err)
	}

	// A denial must outwait every violated window, so the hint is the
	// furthest rollover among them.
	var retryAfter time.Duration
	violated := ""
	if counts.Minute > int64(policy.MaxPerMinute) {
		retryAfter = windowRemaining(now, time.Minute)
		violated = "minute"
	}
	if counts.Hour > int64(policy.MaxPerHour) {
		if r := windowRemaining(now, time.Hour); r > retryAfter {
			retryAfter = r
			violated = "hour"
		}
	}
	if counts.Day > int64(policy.MaxPerDay) {
		if r := windowRemaining(now, 24*time.Hour); r > retryAfter {
			retryAfter = r
			violated = "day"
		}
	}
	if violated == "" {
		return nil
	}
	return apperrors.RateLimited(
		fmt.Sprintf("%s request budget exhausted", violated),
		retryAfter,
	)
}

func (s *RateLimiterService) checkGate(
	ctx context.Context,
	sourceID string,
	policy model.RateLimitPolicy,
) error {
	if policy.MinDelayMS <= 0 {
		return nil
	}
	delay := s.jitter(time.Duration(policy.MinDelayMS)*time.Millisecond, policy.JitterFraction)
	acquired, remaining, err := s.store.TryAcquireGate(ctx, sourceID, delay)
	if err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	if !acquired {
		return apperrors.RateLimited("inter-request delay in force", remaining)
	}
	return nil
}

func (s *RateLimiterService) checkBurst(
	ctx context.Context,
	sourceID string,
	policy model.RateLimitPolicy,
) error {
	count, err := s.store.IncrementBurst(ctx, sourceID, burstWindow, s.timeProvider.Now())
	if err != nil {
		return fmt.Errorf("increment burst: %w", err)
	}
	if count <= int64(policy.BurstSize) {
		return nil
	}

	cooldown := time.Duration(policy.BurstCooldownS) * time.Second
	if err := s.store.SetCooldown(ctx, sourceID, cooldown); err != nil {
		return fmt.Errorf("set burst cooldown: %w", err)
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "burst allowance exceeded, source cooling down",
			"source_id", sourceID,
			"count", count,
			"cooldown", cooldown,
		)
	}
	return apperrors.RateLimited("burst allowance exceeded", cooldown)
}

// windowRemaining returns the time left until the fixed window containing now
// rolls over.
func windowRemaining(now time.Time, window time.Duration) time.Duration {
	unix := now.UTC().Unix()
	size := int64(window.Seconds())
	return time.Duration(size-unix%size) * time.Second
}

// sleepContext sleeps for d or until the context ends, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
