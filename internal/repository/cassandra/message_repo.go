package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"teamcall-backend/internal/domain"
	apperrors "teamcall-backend/pkg/errors"
)

// MessageRepository handles message storage in Cassandra
// Rows are bucketed by month per recipient
type MessageRepository struct {
	session *gocql.Session
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

// Save inserts a new message into Cassandra
func (r *MessageRepository) Save(ctx context.Context, message *domain.Message) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	if message.Bucket == 0 {
		message.Bucket = domain.CalculateBucket(message.Timestamp)
	}
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	query := `
		INSERT INTO messages (
			recipient_id, bucket, id, sender_id, text,
			timestamp, type, attachments, is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.RecipientID,
		message.Bucket,
		gocql.UUID(message.ID),
		message.SenderID,
		message.Text,
		message.Timestamp,
		message.Type,
		message.Attachments,
		message.IsRead,
	).WithContext(ctx).Exec()

	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to save message: %w", err))
	}

	return nil
}

// CountByType counts a recipient's messages of one type in a bucket.
// Used by the agent's startup report; expensive on large partitions.
func (r *MessageRepository) CountByType(ctx context.Context, recipientID string, bucket int, msgType string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND bucket = ? AND type = ? ALLOW FILTERING`

	var count int
	err := r.session.Query(query, recipientID, bucket, msgType).WithContext(ctx).Scan(&count)
	if err != nil {
		return 0, apperrors.DatabaseError(fmt.Errorf("failed to count messages: %w", err))
	}

	return count, nil
}
