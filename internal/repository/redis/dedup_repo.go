package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"teamcall-backend/internal/database"
	"teamcall-backend/pkg/cache"
	"teamcall-backend/pkg/logger"
)

// DedupRepository claims idempotency keys. Claims go to Redis with SET NX;
// while Redis is absent or degraded they fall back to a process-local cache.
type DedupRepository struct {
	client   *database.RedisClient
	fallback *cache.MemoryCache
}

// NewDedupRepository creates a DedupRepository. client may be nil.
func NewDedupRepository(client *database.RedisClient, fallback *cache.MemoryCache) *DedupRepository {
	if fallback == nil {
		fallback = cache.NewMemoryCache(time.Hour, 10000)
	}
	return &DedupRepository{client: client, fallback: fallback}
}

// Claim reports whether the caller is the first to claim key within ttl
func (r *DedupRepository) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return r.fallback.SetNX(key, true, ttl), nil
	}

	ok, err := r.client.SafeSetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		if errors.Is(err, database.ErrDegraded) {
			logger.Debug("Redis degraded, claiming key in memory", zap.String("key", key))
			return r.fallback.SetNX(key, true, ttl), nil
		}
		return false, fmt.Errorf("failed to claim key: %w", err)
	}
	if ok {
		// Keep the local copy so a later outage does not re-admit the key
		r.fallback.Set(key, true, ttl)
	}
	return ok, nil
}

// Release drops a claim so the work can be attempted again
func (r *DedupRepository) Release(ctx context.Context, key string) error {
	r.fallback.Delete(key)
	if r.client == nil {
		return nil
	}
	if err := r.client.SafeDel(ctx, key).Err(); err != nil && !errors.Is(err, database.ErrDegraded) {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

// StartCleanup evicts expired fallback claims every interval until the
// returned function is called
func (r *DedupRepository) StartCleanup(interval time.Duration) func() {
	return r.fallback.StartCleanup(interval)
}
