package domain

import (
	"time"
)

// User is a directory row for a call participant
// Maps to CockroachDB users table
type User struct {
	UserID      string    `json:"user_id" db:"user_id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarRef   *string   `json:"avatar_ref,omitempty" db:"avatar_ref"` // object key in the avatars bucket
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
