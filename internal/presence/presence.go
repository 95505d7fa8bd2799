// Package presence tracks which users are currently reachable, based on
// membership events from the signaling channel's presence primitive.
package presence

import (
	"context"
	"time"
)

// EventKind is the type of a membership event
type EventKind string

const (
	// EventSync carries the full membership and replaces the known set
	EventSync EventKind = "sync"
	// EventJoin adds the carried entries
	EventJoin EventKind = "join"
	// EventLeave removes the carried entries
	EventLeave EventKind = "leave"
)

// Entry is one member of the presence channel
type Entry struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	OnlineAt time.Time `json:"online_at"`
}

// Event is a membership change delivered by a Channel
type Event struct {
	Kind    EventKind `json:"kind"`
	Entries []Entry   `json:"entries"`
}

// Channel is the presence primitive of a transport. Track announces the
// local user, Untrack withdraws it. Events delivers membership changes
// until the returned cancel func is called.
type Channel interface {
	Track(ctx context.Context, entry Entry) error
	Untrack(ctx context.Context) error
	Events() (<-chan Event, func())
}
