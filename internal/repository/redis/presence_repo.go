package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"teamcall-backend/internal/database"
	"teamcall-backend/internal/presence"
	"teamcall-backend/pkg/constants"
)

const onlineSetKey = "presence:online"

// PresenceRepository holds relay presence in Redis so every relay instance
// can answer a membership sync
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetOnline marks a user online with TTL
func (r *PresenceRepository) SetOnline(ctx context.Context, entry presence.Entry) error {
	if entry.OnlineAt.IsZero() {
		entry.OnlineAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	if err := r.client.SafeSet(ctx, presenceKey(entry.UserID), data, constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, entry.UserID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetOffline marks user as offline
func (r *PresenceRepository) SetOffline(ctx context.Context, userID string) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineSetKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// Refresh keeps user online (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, userID string) error {
	if err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// Online lists every user whose presence key is still alive. Members whose
// key expired without a clean SetOffline are pruned from the set.
func (r *PresenceRepository) Online(ctx context.Context) ([]presence.Entry, error) {
	ids, err := r.client.SafeSMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(id)
	}
	values, err := r.client.SafeMGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	entries := make([]presence.Entry, 0, len(ids))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var entry presence.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		entries = append(entries, entry)
	}
	if len(stale) > 0 {
		_ = r.client.SafeSRem(ctx, onlineSetKey, stale...).Err()
	}
	return entries, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
