// Package cache provides Redis-based caching for entitlements and settings,
// plus the counters behind the distributed login throttle.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"profitpilot/config"
	"profitpilot/internal/logging"
)

// ErrUnavailable is returned while the circuit breaker is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// ErrMiss is returned when a key is not cached
var ErrMiss = redis.Nil

// CacheService provides Redis-based caching with graceful degradation.
// When Redis is unavailable, operations return errors that callers should handle
// by falling back to database queries.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// Key prefixes for different cache types
const (
	PrefixEntitlement  = "user:%s:entitlement"
	PrefixUserSettings = "user:%s:settings"
	PrefixRateLimit    = "profitpilot:rate_limit"
)

// Default TTLs
const (
	DefaultEntitlementTTL = 5 * time.Minute
	DefaultSettingsTTL    = 24 * time.Hour
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// NewCacheService creates a new CacheService with the provided configuration.
// It attempts to connect to Redis and verifies connectivity.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logging.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		cs.lastCheck = time.Now()
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("Redis connected", "address", cfg.Address)

	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("Circuit breaker OPEN: Redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("Circuit breaker CLOSED: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once the check interval has passed.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) ready() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// Get retrieves a value from cache.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.ready(); err != nil {
		return "", err
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", err // Cache miss, not a failure
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Set stores a value in cache with TTL.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := cs.ready(); err != nil {
		return err
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes keys from cache.
func (cs *CacheService) Delete(ctx context.Context, keys ...string) error {
	if err := cs.ready(); err != nil {
		return err
	}

	if err := cs.client.Del(ctx, keys...).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a JSON value from cache.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value in cache.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cs.Set(ctx, key, value, ttl)
}

// ============================================================================
// RATE LIMIT COUNTERS
// ============================================================================

// ConsumeRateLimit atomically increments the counter for scope/subject. The
// window starts on the first hit. It returns the new count and the seconds
// until the window ends.
func (cs *CacheService) ConsumeRateLimit(ctx context.Context, scope, subject string, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if err := cs.ready(); err != nil {
		return 0, 0, err
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := rateLimitScript.Run(ctx, cs.client, []string{RateLimitKey(scope, subject)}, windowMs).Result()
	if err != nil {
		cs.recordFailure()
		return 0, 0, fmt.Errorf("redis rate limit failed: %w", err)
	}
	cs.recordSuccess()

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	current, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(current), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}

	return int(current), retryAfter(ttlMs, windowMs), nil
}

// PeekRateLimit reads the counter without incrementing it. A missing key is a
// count of zero.
func (cs *CacheService) PeekRateLimit(ctx context.Context, scope, subject string) (count int, retryAfterSeconds int, err error) {
	if err := cs.ready(); err != nil {
		return 0, 0, err
	}

	key := RateLimitKey(scope, subject)
	pipe := cs.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		cs.recordFailure()
		return 0, 0, fmt.Errorf("redis rate limit peek failed: %w", err)
	}
	cs.recordSuccess()

	n, err := getCmd.Int()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("redis rate limit count invalid: %w", err)
	}
	ttl := ttlCmd.Val()
	return n, retryAfter(ttl.Milliseconds(), 1000), nil
}

// ResetRateLimit removes the counter for scope/subject
func (cs *CacheService) ResetRateLimit(ctx context.Context, scope, subject string) error {
	return cs.Delete(ctx, RateLimitKey(scope, subject))
}

func retryAfter(ttlMs, fallbackMs int64) int {
	if ttlMs < 0 {
		ttlMs = fallbackMs
	}
	secs := int(math.Ceil(float64(ttlMs) / 1000.0))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// EntitlementKey generates a cache key for a user's entitlement view.
func EntitlementKey(userID string) string {
	return fmt.Sprintf(PrefixEntitlement, userID)
}

// UserSettingsKey generates a cache key for user settings.
func UserSettingsKey(userID string) string {
	return fmt.Sprintf(PrefixUserSettings, userID)
}

// RateLimitKey generates the counter key for a scope and subject.
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixRateLimit, strings.TrimSpace(scope), strings.TrimSpace(subject))
}
