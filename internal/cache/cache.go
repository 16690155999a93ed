// Package cache is the optional Redis layer: it memoises strategist LLM
// responses and keeps the latest status snapshot readable by external
// tooling. Every operation degrades to a miss or a no-op when Redis is
// down; a failure-count circuit breaker stops hammering a dead server and
// probes it again after a cooldown.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

// Key namespace. Response keys arrive pre-hashed from the strategist.
const (
	keyPrefix = "papertrader:"
	statusKey = keyPrefix + "status"
)

const (
	statusTTL     = 10 * time.Minute
	maxFailures   = 3
	checkInterval = 30 * time.Second
)

// Service wraps one Redis client with health tracking. A disabled config
// yields a service whose reads always miss and whose writes do nothing, so
// callers never branch on whether caching is on.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
}

// NewService connects to Redis when enabled. A failed initial ping still
// returns a working service in degraded mode; the breaker probes for
// recovery on later calls.
func NewService(cfg config.RedisConfig, logger zerolog.Logger) *Service {
	log := logger.With().Str("component", "cache").Logger()
	s := &Service{logger: log}

	if !cfg.Enabled {
		log.Info().Msg("Redis cache disabled")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, degraded mode")
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	log.Info().Str("address", cfg.Address).Msg("Redis connected")
	return s
}

// Enabled reports whether a Redis client is configured at all.
func (s *Service) Enabled() bool {
	return s.client != nil
}

// Healthy reports whether Redis is currently usable.
func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Close releases the client.
func (s *Service) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// GetResponse returns a cached LLM response, or a miss when absent or
// Redis is unavailable.
func (s *Service) GetResponse(ctx context.Context, key string) (string, bool) {
	if !s.usable(ctx) {
		return "", false
	}

	result, err := s.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			s.recordFailure(err)
		}
		return "", false
	}
	s.recordSuccess()
	return result, true
}

// SetResponse stores an LLM response under the given key for ttl.
func (s *Service) SetResponse(ctx context.Context, key, response string, ttl time.Duration) {
	if !s.usable(ctx) {
		return
	}
	if err := s.client.Set(ctx, keyPrefix+key, response, ttl).Err(); err != nil {
		s.recordFailure(err)
		return
	}
	s.recordSuccess()
}

// SetStatusSnapshot publishes the latest engine status for external
// consumers. The TTL keeps a stale snapshot from outliving a dead engine
// for long.
func (s *Service) SetStatusSnapshot(ctx context.Context, status interface{}) {
	if !s.usable(ctx) {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Status snapshot marshal failed")
		return
	}
	if err := s.client.Set(ctx, statusKey, data, statusTTL).Err(); err != nil {
		s.recordFailure(err)
		return
	}
	s.recordSuccess()
}

// GetStatusSnapshot returns the last published status payload.
func (s *Service) GetStatusSnapshot(ctx context.Context) ([]byte, bool) {
	if !s.usable(ctx) {
		return nil, false
	}
	data, err := s.client.Get(ctx, statusKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.recordFailure(err)
		}
		return nil, false
	}
	s.recordSuccess()
	return data, true
}

// usable gates every operation on the breaker, kicking off a background
// recovery probe when the breaker is open and the cooldown has passed.
func (s *Service) usable(ctx context.Context) bool {
	if s.client == nil {
		return false
	}

	s.mu.RLock()
	healthy := s.healthy
	shouldProbe := !healthy && time.Since(s.lastCheck) >= checkInterval
	s.mu.RUnlock()

	if shouldProbe {
		s.probe()
	}
	return healthy
}

func (s *Service) probe() {
	s.mu.Lock()
	if time.Since(s.lastCheck) < checkInterval {
		s.mu.Unlock()
		return
	}
	s.lastCheck = time.Now()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= maxFailures && s.healthy {
		s.healthy = false
		s.lastCheck = time.Now()
		s.logger.Warn().Err(err).Int("failures", s.failureCount).Msg("Redis circuit opened")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("Redis circuit closed, connection recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}
