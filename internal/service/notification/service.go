// Package notification turns call lifecycle events into durable chat
// message and notification rows.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// MessageStore inserts chat message rows
type MessageStore interface {
	Save(ctx context.Context, message *domain.Message) error
}

// NotificationStore inserts notification rows
type NotificationStore interface {
	Create(ctx context.Context, notification *domain.Notification) error
}

// Deduper claims idempotency keys
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NameResolver looks up a display name for the notification text
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Service handles notification business logic
type Service struct {
	messages      MessageStore
	notifications NotificationStore
	dedup         Deduper
	names         NameResolver
	metrics       *metrics.Metrics
}

// NewService creates a new notification service. dedup and names may be nil.
func NewService(messages MessageStore, notifications NotificationStore, dedup Deduper, names NameResolver, m *metrics.Metrics) *Service {
	return &Service{
		messages:      messages,
		notifications: notifications,
		dedup:         dedup,
		names:         names,
		metrics:       m,
	}
}

// MissedCallKey is the idempotency key of one missed call
func MissedCallKey(sessionID, calleeID string) string {
	return fmt.Sprintf("missed_call:%s:%s", sessionID, calleeID)
}

// RecordMissedCall writes one missed-call message from caller to callee and
// one missed-call notification for callee. Repeated calls for the same
// session and callee write nothing.
func (s *Service) RecordMissedCall(ctx context.Context, callerID, calleeID, sessionID string) error {
	if callerID == "" || calleeID == "" {
		return apperrors.InvalidInputError("caller and callee are required")
	}

	key := ""
	if s.dedup != nil && sessionID != "" {
		key = MissedCallKey(sessionID, calleeID)
		claimed, err := s.dedup.Claim(ctx, key, constants.MissedCallDedupTTL)
		if err != nil {
			// Fail open: a duplicate row is better than a lost one
			logger.Warn("Missed-call dedup unavailable",
				zap.String("key", key),
				zap.Error(err))
			key = ""
		} else if !claimed {
			logger.Debug("Duplicate missed call ignored", zap.String("key", key))
			s.metrics.RecordMissedCall("duplicate")
			return nil
		}
	}

	now := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, constants.StoreWriteTimeout)
	defer cancel()

	message := &domain.Message{
		SenderID:    callerID,
		RecipientID: calleeID,
		Text:        "Missed call",
		Timestamp:   now,
		Type:        constants.MessageTypeMissedCall,
	}
	if err := s.messages.Save(writeCtx, message); err != nil {
		s.release(key)
		s.metrics.RecordMissedCall("failed")
		logger.Error("Failed to save missed-call message",
			zap.String("caller_id", callerID),
			zap.String("callee_id", calleeID),
			zap.Error(err))
		return apperrors.StoreError(err)
	}

	name := s.displayName(ctx, callerID)
	notifyCtx, cancelNotify := context.WithTimeout(ctx, constants.StoreWriteTimeout)
	defer cancelNotify()

	notification := &domain.Notification{
		RecipientID: calleeID,
		SenderID:    callerID,
		Type:        constants.NotificationTypeMissedCall,
		Title:       "Missed call",
		Message:     fmt.Sprintf("You missed a call from %s", name),
		Timestamp:   now,
		LinkTo:      fmt.Sprintf("/chat/%s", callerID),
	}
	if err := s.notifications.Create(notifyCtx, notification); err != nil {
		s.metrics.RecordMissedCall("failed")
		logger.Error("Failed to create missed-call notification",
			zap.String("caller_id", callerID),
			zap.String("callee_id", calleeID),
			zap.Error(err))
		return apperrors.StoreError(err)
	}

	s.metrics.RecordMissedCall("recorded")
	logger.Info("Missed call recorded",
		zap.String("caller_id", callerID),
		zap.String("callee_id", calleeID),
		zap.String("session_id", sessionID))
	return nil
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.names == nil {
		return userID
	}
	name, err := s.names.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func (s *Service) release(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreWriteTimeout)
	defer cancel()
	if err := s.dedup.Release(ctx, key); err != nil {
		logger.Warn("Failed to release missed-call key", zap.String("key", key), zap.Error(err))
	}
}
