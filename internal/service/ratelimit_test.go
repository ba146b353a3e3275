package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	apperrors "github.com/hirewire/cvpipeline/internal/errors"
)

type stubLimitStore struct {
	incrementWindowsFn  func(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error)
	tryAcquireGateFn    func(ctx context.Context, sourceID string, delay time.Duration) (bool, time.Duration, error)
	incrementBurstFn    func(ctx context.Context, sourceID string, window time.Duration, at time.Time) (int64, error)
	setCooldownFn       func(ctx context.Context, sourceID string, d time.Duration) error
	cooldownRemainingFn func(ctx context.Context, sourceID string) (time.Duration, error)

	windowCalls  int
	gateCalls    int
	burstCalls   int
	cooldownsSet []time.Duration
}

var _ core.RateLimitStore = (*stubLimitStore)(nil)

func (s *stubLimitStore) IncrementWindows(
	ctx context.Context,
	sourceID string,
	at time.Time,
) (core.WindowCounts, error) {
	s.windowCalls++
	if s.incrementWindowsFn != nil {
		return s.incrementWindowsFn(ctx, sourceID, at)
	}
	return core.WindowCounts{Minute: 1, Hour: 1, Day: 1}, nil
}

func (s *stubLimitStore) TryAcquireGate(
	ctx context.Context,
	sourceID string,
	delay time.Duration,
) (bool, time.Duration, error) {
	s.gateCalls++
	if s.tryAcquireGateFn != nil {
		return s.tryAcquireGateFn(ctx, sourceID, delay)
	}
	return true, 0, nil
}

func (s *stubLimitStore) IncrementBurst(
	ctx context.Context,
	sourceID string,
	window time.Duration,
	at time.Time,
) (int64, error) {
	s.burstCalls++
	if s.incrementBurstFn != nil {
		return s.incrementBurstFn(ctx, sourceID, window, at)
	}
	return 1, nil
}

func (s *stubLimitStore) SetCooldown(ctx context.Context, sourceID string, d time.Duration) error {
	s.cooldownsSet = append(s.cooldownsSet, d)
	if s.setCooldownFn != nil {
		return s.setCooldownFn(ctx, sourceID, d)
	}
	return nil
}

func (s *stubLimitStore) CooldownRemaining(ctx context.Context, sourceID string) (time.Duration, error) {
	if s.cooldownRemainingFn != nil {
		return s.cooldownRemainingFn(ctx, sourceID)
	}
	return 0, nil
}

func (s *stubLimitStore) Health(ctx context.Context) error {
	return nil
}

func limiterTestSource(policy model.RateLimitPolicy) *model.Source {
	return &model.Source{
		ID:        "src-1",
		Name:      "job-board",
		RateLimit: policy,
	}
}

// noJitter keeps gate delays deterministic in tests.
func noJitter(base time.Duration, fraction float64) time.Duration {
	return base
}

func newTestRateLimiter(t *testing.T, store *stubLimitStore, now time.Time) *RateLimiterService {
	t.Helper()
	svc, err := NewRateLimiter(RateLimiterOptions{
		Store:        store,
		TimeProvider: data.NewFixedTimeProvider(now),
		Jitter:       noJitter,
	})
	require.NoError(t, err)
	return svc
}

func TestNewRateLimiter(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc, err := NewRateLimiter(RateLimiterOptions{Store: &stubLimitStore{}})
		require.NoError(t, err)
		assert.NotNil(t, svc)
		assert.NotNil(t, svc.timeProvider)
		assert.NotNil(t, svc.jitter)
	})

	t.Run("success with logger", func(t *testing.T) {
		svc, err := NewRateLimiter(RateLimiterOptions{
			Store:  &stubLimitStore{},
			Logger: slog.Default(),
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.logger)
	})

	t.Run("missing store", func(t *testing.T) {
		svc, err := NewRateLimiter(RateLimiterOptions{})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "RateLimitStore is required")
	})
}

func TestRateLimiterService_TryAcquire(t *testing.T) {
	// 12:00:30 UTC: halfway into the minute window, top of the hour.
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	policy := model.RateLimitPolicy{
		MaxPerMinute:   10,
		MaxPerHour:     100,
		MaxPerDay:      1000,
		MinDelayMS:     500,
		BurstSize:      5,
		BurstCooldownS: 60,
		OnLimit:        model.LimitActionDelay,
	}

	t.Run("grants when all checks pass", func(t *testing.T) {
		store := &stubLimitStore{}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.NoError(t, err)
		assert.Equal(t, 1, store.windowCalls)
		assert.Equal(t, 1, store.gateCalls)
		assert.Equal(t, 1, store.burstCalls)
	})

	t.Run("denied during cooldown", func(t *testing.T) {
		store := &stubLimitStore{
			cooldownRemainingFn: func(ctx context.Context, sourceID string) (time.Duration, error) {
				return 30 * time.Second, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Equal(t, 30*time.Second, apperrors.GetRetryAfter(err))
		assert.Zero(t, store.windowCalls, "windows must not count attempts made during cooldown")
	})

	t.Run("denied when minute window exhausted", func(t *testing.T) {
		store := &stubLimitStore{
			incrementWindowsFn: func(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error) {
				return core.WindowCounts{Minute: 11, Hour: 11, Day: 11}, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Contains(t, err.Error(), "minute request budget exhausted")
		// 30 seconds into the minute leaves 30 until rollover.
		assert.Equal(t, 30*time.Second, apperrors.GetRetryAfter(err))
		assert.Zero(t, store.gateCalls, "gate must not be touched after a window denial")
	})

	t.Run("longest violated window drives the retry hint", func(t *testing.T) {
		store := &stubLimitStore{
			incrementWindowsFn: func(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error) {
				return core.WindowCounts{Minute: 11, Hour: 101, Day: 11}, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hour request budget exhausted")
		// 30 seconds into the hour leaves 59m30s until rollover.
		assert.Equal(t, 59*time.Minute+30*time.Second, apperrors.GetRetryAfter(err))
	})

	t.Run("denied while gate held", func(t *testing.T) {
		store := &stubLimitStore{
			tryAcquireGateFn: func(ctx context.Context, sourceID string, delay time.Duration) (bool, time.Duration, error) {
				assert.Equal(t, 500*time.Millisecond, delay)
				return false, 320 * time.Millisecond, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Equal(t, 320*time.Millisecond, apperrors.GetRetryAfter(err))
		assert.Zero(t, store.burstCalls, "burst must not count a gated attempt")
	})

	t.Run("gate skipped without a minimum delay", func(t *testing.T) {
		store := &stubLimitStore{}
		svc := newTestRateLimiter(t, store, now)

		open := policy
		open.MinDelayMS = 0
		err := svc.TryAcquire(context.Background(), limiterTestSource(open))
		require.NoError(t, err)
		assert.Zero(t, store.gateCalls)
	})

	t.Run("burst overflow arms the cooldown", func(t *testing.T) {
		store := &stubLimitStore{
			incrementBurstFn: func(ctx context.Context, sourceID string, window time.Duration, at time.Time) (int64, error) {
				return 6, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Equal(t, 60*time.Second, apperrors.GetRetryAfter(err))
		require.Len(t, store.cooldownsSet, 1)
		assert.Equal(t, 60*time.Second, store.cooldownsSet[0])
	})

	t.Run("store errors are wrapped", func(t *testing.T) {
		store := &stubLimitStore{
			incrementWindowsFn: func(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error) {
				return core.WindowCounts{}, errors.New("connection refused")
			},
		}
		svc := newTestRateLimiter(t, store, now)

		err := svc.TryAcquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.False(t, apperrors.IsRateLimited(err))
		assert.Contains(t, err.Error(), "increment windows")
	})
}

func TestRateLimiterService_Acquire(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	t.Run("returns immediately when granted", func(t *testing.T) {
		store := &stubLimitStore{}
		svc := newTestRateLimiter(t, store, now)

		policy := model.RateLimitPolicy{OnLimit: model.LimitActionDelay}
		err := svc.Acquire(context.Background(), limiterTestSource(policy))
		require.NoError(t, err)
		assert.Equal(t, 1, store.windowCalls)
	})

	t.Run("reject policy surfaces the first denial", func(t *testing.T) {
		store := &stubLimitStore{
			cooldownRemainingFn: func(ctx context.Context, sourceID string) (time.Duration, error) {
				return time.Minute, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		policy := model.RateLimitPolicy{OnLimit: model.LimitActionReject}
		err := svc.Acquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Equal(t, time.Minute, apperrors.GetRetryAfter(err))
	})

	t.Run("delay policy sleeps the hint and retries", func(t *testing.T) {
		var attempts int
		store := &stubLimitStore{
			cooldownRemainingFn: func(ctx context.Context, sourceID string) (time.Duration, error) {
				attempts++
				if attempts == 1 {
					return time.Millisecond, nil
				}
				return 0, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		policy := model.RateLimitPolicy{OnLimit: model.LimitActionDelay}
		err := svc.Acquire(context.Background(), limiterTestSource(policy))
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("context cancellation ends the wait", func(t *testing.T) {
		store := &stubLimitStore{
			cooldownRemainingFn: func(ctx context.Context, sourceID string) (time.Duration, error) {
				return time.Hour, nil
			},
		}
		svc := newTestRateLimiter(t, store, now)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		policy := model.RateLimitPolicy{OnLimit: model.LimitActionDelay}
		err := svc.Acquire(ctx, limiterTestSource(policy))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("store errors are not retried", func(t *testing.T) {
		store := &stubLimitStore{
			incrementWindowsFn: func(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error) {
				return core.WindowCounts{}, errors.New("redis down")
			},
		}
		svc := newTestRateLimiter(t, store, now)

		policy := model.RateLimitPolicy{OnLimit: model.LimitActionDelay}
		err := svc.Acquire(context.Background(), limiterTestSource(policy))
		require.Error(t, err)
		assert.Equal(t, 1, store.windowCalls)
	})
}

func TestWindowRemaining(t *testing.T) {
	tests := []struct {
		name   string
		now    time.Time
		window time.Duration
		want   time.Duration
	}{
		{
			name:   "mid minute",
			now:    time.Date(2025, 6, 1, 12, 0, 45, 0, time.UTC),
			window: time.Minute,
			want:   15 * time.Second,
		},
		{
			name:   "window boundary returns a full window",
			now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			window: time.Minute,
			want:   time.Minute,
		},
		{
			name:   "mid hour",
			now:    time.Date(2025, 6, 1, 12, 45, 0, 0, time.UTC),
			window: time.Hour,
			want:   15 * time.Minute,
		},
		{
			name:   "mid day",
			now:    time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
			window: 24 * time.Hour,
			want:   6 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, windowRemaining(tt.now, tt.window))
		})
	}
}

func TestUniformJitter(t *testing.T) {
	t.Run("zero fraction returns the base", func(t *testing.T) {
		assert.Equal(t, time.Second, uniformJitter(time.Second, 0))
	})

	t.Run("zero base stays zero", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), uniformJitter(0, 0.5))
	})

	t.Run("spread stays inside the fraction", func(t *testing.T) {
		base := time.Second
		for range 100 {
			got := uniformJitter(base, 0.25)
			assert.GreaterOrEqual(t, got, 750*time.Millisecond)
			assert.LessOrEqual(t, got, 1250*time.Millisecond)
		}
	})
}
