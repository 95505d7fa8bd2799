package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"teamcall-backend/internal/database"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

const (
	userChannelPrefix = "signal:user:"
	broadcastChannel  = "signal:broadcast"
)

// UserChannel is the pub/sub channel carrying directed signals for userID
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// RedisTransport exchanges signals through Redis pub/sub without a relay
// service in between
type RedisTransport struct {
	rdb     *database.RedisClient
	localID string
	metrics *metrics.Metrics
	inbox   *inbox

	pubsub     *redis.PubSub
	subscribed atomic.Bool
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// NewRedisTransport subscribes localID's channels and starts delivery
func NewRedisTransport(ctx context.Context, rdb *database.RedisClient, localID string, m *metrics.Metrics) (*RedisTransport, error) {
	if localID == "" {
		return nil, apperrors.MissingFieldError("local id")
	}
	pubsub := rdb.SafeSubscribe(ctx, UserChannel(localID), broadcastChannel)
	if pubsub == nil {
		return nil, apperrors.TransportError(database.ErrDegraded)
	}
	// Wait for the subscription confirmation before reporting subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, apperrors.TransportError(fmt.Errorf("failed to subscribe: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		rdb:     rdb,
		localID: localID,
		metrics: m,
		inbox:   newInbox(localID, m),
		pubsub:  pubsub,
		cancel:  cancel,
	}
	t.subscribed.Store(true)
	go t.receive(runCtx)

	logger.Info("Subscribed to signaling channels",
		zap.String("user_id", localID),
		zap.String("channel", UserChannel(localID)))
	return t, nil
}

// LocalID returns the local user id
func (t *RedisTransport) LocalID() string { return t.localID }

// Send publishes p on the recipient's channel, or the broadcast channel
func (t *RedisTransport) Send(ctx context.Context, recipientID string, p Payload) error {
	msg, err := NewMessage(t.localID, recipientID, p)
	if err != nil {
		return err
	}
	if !t.subscribed.Load() {
		dropped(t.metrics, msg.Type, "not_subscribed", zap.String("recipient_id", recipientID))
		return apperrors.NotSubscribedError()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	channel := broadcastChannel
	if recipientID != "" {
		channel = UserChannel(recipientID)
	}
	if err := t.rdb.SafePublish(ctx, channel, data).Err(); err != nil {
		dropped(t.metrics, msg.Type, "publish_failed", zap.String("recipient_id", recipientID), zap.Error(err))
		return apperrors.TransportError(err)
	}

	t.metrics.RecordSignalSent(string(msg.Type))
	return nil
}

// Subscribe returns messages addressed to the local user
func (t *RedisTransport) Subscribe() (<-chan Message, func()) {
	return t.inbox.subscribeSignals()
}

// Close unsubscribes and closes every subscriber channel
func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.subscribed.Store(false)
		t.cancel()
		err = t.pubsub.Close()
		t.inbox.close()
	})
	return err
}

// receive delivers inbound signals until the subscription ends, then closes
// every subscriber channel so consumers see the transport is gone
func (t *RedisTransport) receive(ctx context.Context) {
	defer t.inbox.close()
	defer t.subscribed.Store(false)

	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-ch:
			if !ok {
				logger.Warn("Signaling subscription closed", zap.String("user_id", t.localID))
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
				logger.Warn("Invalid signal on channel",
					zap.String("channel", rm.Channel),
					zap.Error(err))
				continue
			}
			t.inbox.deliver(msg)
		}
	}
}
