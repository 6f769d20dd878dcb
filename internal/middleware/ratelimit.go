package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/workplane/platform/internal/service"
	"github.com/workplane/platform/pkg/config"
	appErrors "github.com/workplane/platform/pkg/errors"
	"github.com/workplane/platform/pkg/response"
)

// CounterStore tracks fixed-window request counters per identity.
type CounterStore interface {
	// Incr bumps the counter for key within the current window and returns
	// the new count. The first increment of a window sets its expiry.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Peek returns the current count without incrementing.
	Peek(ctx context.Context, key string) (int64, error)
}

// RedisCounterStore shares windows across gateway replicas.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore constructs a Redis-backed counter store.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := s.prefix + ":" + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.ExpireNX(ctx, full, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment rate counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisCounterStore) Peek(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+":"+key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("read rate counter %s: %w", key, err)
	}
	return n, nil
}

type window struct {
	start time.Time
	count int64
}

// MemoryCounterStore keeps windows in-process. Suitable for a single
// gateway instance and for tests.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryCounterStore constructs an in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{windows: make(map[string]*window), now: time.Now}
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, windowLen time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= windowLen {
		w = &window{start: now}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (s *MemoryCounterStore) Peek(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0, nil
	}
	return w.count, nil
}

// RateLimiter is the gateway's admission controller: a fixed-window counter
// keyed by client IP.
type RateLimiter struct {
	store   CounterStore
	cfg     config.RateLimitConfig
	logger  *zap.Logger
	metrics *service.MetricsService
}

// NewRateLimiter constructs the admission controller.
func NewRateLimiter(store CounterStore, cfg config.RateLimitConfig, logger *zap.Logger, metrics *service.MetricsService) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{store: store, cfg: cfg, logger: logger, metrics: metrics}
}

// Global enforces the per-IP request budget before the router sees the
// request.
func (rl *RateLimiter) Global() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := rl.store.Incr(c.Request.Context(), "global:"+c.ClientIP(), rl.cfg.Window)
		if err != nil {
			if rl.reject(err) {
				rl.metrics.ObserveRateLimited("global")
				response.Error(c, appErrors.ErrRateLimited)
				c.Abort()
				return
			}
			c.Next()
			return
		}

		if count > int64(rl.cfg.Max) {
			rl.metrics.ObserveRateLimited("global")
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}

		c.Next()
	}
}

// Login throttles credential guessing: only failed attempts consume the
// budget, so a burst of successful logins is never penalized.
func (rl *RateLimiter) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "login:" + c.ClientIP()

		count, err := rl.store.Peek(c.Request.Context(), key)
		if err != nil {
			if rl.reject(err) {
				rl.metrics.ObserveRateLimited("login")
				response.Error(c, appErrors.Clone(appErrors.ErrRateLimited, "too many login attempts, try again in a minute"))
				c.Abort()
				return
			}
			c.Next()
			return
		}

		if count >= int64(rl.cfg.LoginMax) {
			rl.metrics.ObserveRateLimited("login")
			response.Error(c, appErrors.Clone(appErrors.ErrRateLimited, "too many login attempts, try again in a minute"))
			c.Abort()
			return
		}

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			if _, err := rl.store.Incr(c.Request.Context(), key, rl.cfg.LoginWindow); err != nil {
				rl.logger.Warn("failed to record login attempt", zap.Error(err))
			}
		}
	}
}

// reject reports whether a store failure should block the request. Governed
// by the configured fail-open/fail-closed policy; either way the outage is
// logged and the request path never panics.
func (rl *RateLimiter) reject(err error) bool {
	closed := rl.cfg.Policy == config.RateLimitFailClosed
	rl.logger.Warn("rate limit store unavailable",
		zap.String("policy", rl.cfg.Policy),
		zap.Error(err))
	return closed
}
