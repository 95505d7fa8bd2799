package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message represents a chat message row
// Maps to Cassandra messages table, partitioned by (recipient_id, bucket)
type Message struct {
	ID          uuid.UUID `json:"id" cql:"id"`
	SenderID    string    `json:"sender_id" cql:"sender_id"`
	RecipientID string    `json:"recipient_id" cql:"recipient_id"`
	Bucket      int       `json:"-" cql:"bucket"`
	Text        string    `json:"text" cql:"text"`
	Timestamp   time.Time `json:"timestamp" cql:"timestamp"`
	Type        string    `json:"type" cql:"type"` // text, missed_call
	Attachments []string  `json:"attachments,omitempty" cql:"attachments"`
	IsRead      bool      `json:"is_read" cql:"is_read"`
}

// CalculateBucket returns the monthly partition bucket for t (yyyymm)
func CalculateBucket(t time.Time) int {
	t = t.UTC()
	return t.Year()*100 + int(t.Month())
}
