package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"teamcall-backend/internal/domain"
	apperrors "teamcall-backend/pkg/errors"
)

// NotificationRepository handles notification data operations
type NotificationRepository struct {
	db *pgxpool.Pool
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification row
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	query := `
		INSERT INTO notifications (id, recipient_id, sender_id, type, title, message, timestamp, read, link_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`

	_, err := r.db.Exec(ctx, query,
		n.ID,
		n.RecipientID,
		n.SenderID,
		n.Type,
		n.Title,
		n.Message,
		n.Timestamp,
		n.LinkTo,
	)

	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to create notification: %w", err))
	}

	return nil
}

// CountUnread returns how many unread notifications of type recipientID has
func (r *NotificationRepository) CountUnread(ctx context.Context, recipientID, notificationType string) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND type = $2 AND read = false`
	var count int
	err := r.db.QueryRow(ctx, query, recipientID, notificationType).Scan(&count)
	if err != nil {
		return 0, apperrors.DatabaseError(fmt.Errorf("failed to get unread count: %w", err))
	}
	return count, nil
}
