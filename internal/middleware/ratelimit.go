package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teamcall-backend/internal/database"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/response"
)

// RateLimiter is a fixed-window request limiter. Counters live in Redis;
// while Redis is absent or degraded they are kept in process memory.
type RateLimiter struct {
	redis    *database.RedisClient
	scope    string
	requests int
	window   time.Duration

	mu     sync.Mutex
	local  map[string]*windowCount
	now    func() time.Time
	sweepN int
}

type windowCount struct {
	count int
	start time.Time
}

// NewRateLimiter allows requests per window for each caller. scope keeps
// the counters of different limiters apart. client may be nil.
func NewRateLimiter(client *database.RedisClient, scope string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    client,
		scope:    scope,
		requests: requests,
		window:   window,
		local:    make(map[string]*windowCount),
		now:      time.Now,
	}
}

// Middleware limits per authenticated user, or per client IP before auth
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := c.GetString("user_id"); userID != "" {
			identifier = "user:" + userID
		}

		allowed, remaining, reset := rl.Allow(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			response.FromError(c, apperrors.RateLimitExceededError())
			c.Abort()
			return
		}
		c.Next()
	}
}

// Allow counts one request for identifier and reports whether it is within
// the limit, how many remain and when the window resets
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (bool, int, time.Time) {
	now := rl.now()
	start := now.Truncate(rl.window)
	reset := start.Add(rl.window)

	count, err := rl.incrRedis(ctx, identifier, start)
	if err != nil {
		if !errors.Is(err, database.ErrDegraded) {
			logger.Warn("Rate limit counter unavailable, counting locally",
				zap.String("identifier", identifier),
				zap.Error(err))
		}
		count = rl.incrLocal(identifier, start)
	}

	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, reset
}

func (rl *RateLimiter) incrRedis(ctx context.Context, identifier string, start time.Time) (int, error) {
	if rl.redis == nil {
		return 0, database.ErrDegraded
	}
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.scope, identifier, start.Unix())
	count, err := rl.redis.SafeIncr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		rl.redis.SafeExpire(ctx, key, rl.window)
	}
	return int(count), nil
}

func (rl *RateLimiter) incrLocal(identifier string, start time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepN++
	if rl.sweepN%1024 == 0 {
		for id, w := range rl.local {
			if w.start.Before(start) {
				delete(rl.local, id)
			}
		}
	}

	w, ok := rl.local[identifier]
	if !ok || w.start.Before(start) {
		w = &windowCount{start: start}
		rl.local[identifier] = w
	}
	w.count++
	return w.count
}
