package auth

import (
	"context"
	"time"

	"profitpilot/internal/database"
	"profitpilot/internal/logging"
)

// Throttle limits failed login attempts per client IP
type Throttle interface {
	// Blocked reports whether the IP has used up its attempts in a live window
	Blocked(ctx context.Context, ip string) (bool, error)
	// RecordFailure counts one failed attempt
	RecordFailure(ctx context.Context, ip string) error
	// Clear forgets the IP after a successful login
	Clear(ctx context.Context, ip string) error
}

// ThrottleStore is the persistence behind DBThrottle
type ThrottleStore interface {
	GetThrottle(ctx context.Context, ip string) (*database.ThrottleRecord, error)
	UpsertThrottle(ctx context.Context, ip string, now time.Time, window time.Duration) (*database.ThrottleRecord, error)
	ClearThrottle(ctx context.Context, ip string) error
}

// DBThrottle keeps attempts in the auth_throttle table
type DBThrottle struct {
	store       ThrottleStore
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// NewDBThrottle creates a table-backed throttle
func NewDBThrottle(store ThrottleStore, maxAttempts int, window time.Duration) *DBThrottle {
	return &DBThrottle{
		store:       store,
		maxAttempts: maxAttempts,
		window:      window,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Blocked implements Throttle
func (t *DBThrottle) Blocked(ctx context.Context, ip string) (bool, error) {
	rec, err := t.store.GetThrottle(ctx, ip)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.Attempts >= t.maxAttempts && rec.WindowEnd.After(t.now()), nil
}

// RecordFailure implements Throttle
func (t *DBThrottle) RecordFailure(ctx context.Context, ip string) error {
	_, err := t.store.UpsertThrottle(ctx, ip, t.now(), t.window)
	return err
}

// Clear implements Throttle
func (t *DBThrottle) Clear(ctx context.Context, ip string) error {
	return t.store.ClearThrottle(ctx, ip)
}

// RateCounter is the Redis counter API behind RedisThrottle. *cache.CacheService satisfies it.
type RateCounter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, window time.Duration) (int, int, error)
	PeekRateLimit(ctx context.Context, scope, subject string) (int, int, error)
	ResetRateLimit(ctx context.Context, scope, subject string) error
}

const loginScope = "login"

// RedisThrottle counts attempts with an atomic INCR+PEXPIRE script. While
// Redis is unreachable every call is served by the fallback throttle.
type RedisThrottle struct {
	counter     RateCounter
	fallback    Throttle
	maxAttempts int
	window      time.Duration
	logger      *logging.Logger
}

// NewRedisThrottle creates a Redis-backed throttle with a fallback
func NewRedisThrottle(counter RateCounter, fallback Throttle, maxAttempts int, window time.Duration) *RedisThrottle {
	return &RedisThrottle{
		counter:     counter,
		fallback:    fallback,
		maxAttempts: maxAttempts,
		window:      window,
		logger:      logging.WithComponent("throttle"),
	}
}

// Blocked implements Throttle
func (t *RedisThrottle) Blocked(ctx context.Context, ip string) (bool, error) {
	count, _, err := t.counter.PeekRateLimit(ctx, loginScope, ip)
	if err != nil {
		t.logger.Debug("Redis throttle unavailable, using fallback", "error", err)
		return t.fallback.Blocked(ctx, ip)
	}
	return count >= t.maxAttempts, nil
}

// RecordFailure implements Throttle
func (t *RedisThrottle) RecordFailure(ctx context.Context, ip string) error {
	if _, _, err := t.counter.ConsumeRateLimit(ctx, loginScope, ip, t.window); err != nil {
		t.logger.Debug("Redis throttle unavailable, using fallback", "error", err)
		return t.fallback.RecordFailure(ctx, ip)
	}
	return nil
}

// Clear implements Throttle. Both stores are cleared so a recovered Redis
// and the fallback agree.
func (t *RedisThrottle) Clear(ctx context.Context, ip string) error {
	redisErr := t.counter.ResetRateLimit(ctx, loginScope, ip)
	fallbackErr := t.fallback.Clear(ctx, ip)
	if redisErr != nil {
		return fallbackErr
	}
	return nil
}
