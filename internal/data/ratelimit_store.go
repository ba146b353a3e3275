package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hirewire/cvpipeline/internal/core"
)

// Window sizes for the fixed-window rate limit counters.
const (
	windowMinute = time.Minute
	windowHour   = time.Hour
	windowDay    = 24 * time.Hour
)

// RateLimitStore keeps per-source rate limit state in Redis: fixed-window
// request counters, the inter-request gate key and the burst cooldown key.
type RateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRateLimitStore creates a RateLimitStore with the given Redis client.
// The prefix namespaces all keys; empty falls back to "cvpipeline:rl".
func NewRateLimitStore(client redis.UniversalClient, prefix string) *RateLimitStore {
	if prefix == "" {
		prefix = "cvpipeline:rl"
	}
	return &RateLimitStore{client: client, prefix: prefix}
}

func (s *RateLimitStore) windowKey(sourceID, window string, bucket int64) string {
	return fmt.Sprintf("%s:%s:w:%s:%d", s.prefix, sourceID, window, bucket)
}

func (s *RateLimitStore) gateKey(sourceID string) string {
	return fmt.Sprintf("%s:%s:gate", s.prefix, sourceID)
}

func (s *RateLimitStore) burstKey(sourceID string, bucket int64) string {
	return fmt.Sprintf("%s:%s:burst:%d", s.prefix, sourceID, bucket)
}

func (s *RateLimitStore) cooldownKey(sourceID string) string {
	return fmt.Sprintf("%s:%s:cooldown", s.prefix, sourceID)
}

// IncrementWindows bumps the minute, hour and day counters for the source in
// one pipeline and returns the counts after the increment. Each counter's TTL
// is stamped with EXPIRE NX on first touch only, so the window never slides.
// Callers never decrement: an increment that overflows a limit still counts
// toward the window.
func (s *RateLimitStore) IncrementWindows(ctx context.Context, sourceID string, at time.Time) (core.WindowCounts, error) {
	if sourceID == "" {
		return core.WindowCounts{}, errors.New("sourceID cannot be empty")
	}
	unix := at.UTC().Unix()

	var minute, hour, day *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		minuteKey := s.windowKey(sourceID, "minute", unix/int64(windowMinute.Seconds()))
		hourKey := s.windowKey(sourceID, "hour", unix/int64(windowHour.Seconds()))
		dayKey := s.windowKey(sourceID, "day", unix/int64(windowDay.Seconds()))

		minute = pipe.Incr(ctx, minuteKey)
		pipe.ExpireNX(ctx, minuteKey, windowMinute+time.Minute)
		hour = pipe.Incr(ctx, hourKey)
		pipe.ExpireNX(ctx, hourKey, windowHour+time.Minute)
		day = pipe.Incr(ctx, dayKey)
		pipe.ExpireNX(ctx, dayKey, windowDay+time.Minute)
		return nil
	})
	if err != nil {
		return core.WindowCounts{}, fmt.Errorf("redis increment windows: %w", err)
	}

	return core.WindowCounts{
		Minute: minute.Val(),
		Hour:   hour.Val(),
		Day:    day.Val(),
	}, nil
}

// TryAcquireGate claims the per-source inter-request slot for the given
// delay via SET NX PX. While the key lives the slot is taken, which also
// serializes requests to one source across workers. Returns whether the
// slot was claimed and, when it was not, how long until it frees.
func (s *RateLimitStore) TryAcquireGate(ctx context.Context, sourceID string, delay time.Duration) (bool, time.Duration, error) {
	if sourceID == "" {
		return false, 0, errors.New("sourceID cannot be empty")
	}
	if delay <= 0 {
		return true, 0, nil
	}
	key := s.gateKey(sourceID)

	// SETNX with expiration is not atomic (it performs EXPIRE separately).
	// SET with NX + TTL claims and arms the slot in one command.
	claimed, err := s.client.SetNX(ctx, key, 1, delay).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis SET NX gate: %w", err)
	}
	if claimed {
		return true, 0, nil
	}

	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis PTTL gate: %w", err)
	}
	if remaining < 0 {
		// Key expired between the SET and the PTTL; next attempt will claim it.
		remaining = 0
	}
	return false, remaining, nil
}

// IncrementBurst bumps the short-window burst counter for the source and
// returns the count after the increment.
func (s *RateLimitStore) IncrementBurst(ctx context.Context, sourceID string, window time.Duration, at time.Time) (int64, error) {
	if sourceID == "" {
		return 0, errors.New("sourceID cannot be empty")
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	bucket := at.UTC().Unix() / int64(window.Seconds())
	key := s.burstKey(sourceID, bucket)

	var count *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window*2)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis increment burst: %w", err)
	}
	return count.Val(), nil
}

// SetCooldown arms the source's cooldown key for the given duration. While
// armed every acquisition fails immediately.
func (s *RateLimitStore) SetCooldown(ctx context.Context, sourceID string, d time.Duration) error {
	if sourceID == "" {
		return errors.New("sourceID cannot be empty")
	}
	if d <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.cooldownKey(sourceID), 1, d).Err(); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}

// CooldownRemaining reports how long the source's cooldown has left to run,
// zero when none is armed.
func (s *RateLimitStore) CooldownRemaining(ctx context.Context, sourceID string) (time.Duration, error) {
	if sourceID == "" {
		return 0, errors.New("sourceID cannot be empty")
	}
	remaining, err := s.client.PTTL(ctx, s.cooldownKey(sourceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis PTTL cooldown: %w", err)
	}
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Health checks the health of the Redis connection.
func (s *RateLimitStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
	}
}

// NewRedisClient creates a new Redis client with the given configuration.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
