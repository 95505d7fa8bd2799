package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification represents a user notification
// Maps to CockroachDB notifications table
type Notification struct {
	ID          uuid.UUID `json:"id" db:"id"`
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	SenderID    string    `json:"sender_id" db:"sender_id"`
	Type        string    `json:"type" db:"type"` // missed_call
	Title       string    `json:"title" db:"title"`
	Message     string    `json:"message" db:"message"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Read        bool      `json:"read" db:"read"`
	LinkTo      string    `json:"link_to,omitempty" db:"link_to"`
}
