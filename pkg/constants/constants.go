// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketPongWait is how long a relay socket may stay silent before it is dropped
	WebSocketPongWait = WebSocketPingInterval + 10*time.Second

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize bounds inbound frames; SDP blobs dominate the size
	WebSocketMaxMessageSize = 64 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Presence constants
const (
	// PresenceTTL is how long a presence key lives without a heartbeat
	PresenceTTL = 5 * time.Minute

	// PresenceHeartbeatInterval is how often a tracked user refreshes its presence key
	PresenceHeartbeatInterval = 1 * time.Minute
)

// Call constants
const (
	// DefaultRingTimeout is how long an offer may stay unanswered
	DefaultRingTimeout = 45 * time.Second

	// MissedCallDedupTTL is how long a missed-call idempotency key is retained
	MissedCallDedupTTL = 24 * time.Hour

	// StoreWriteTimeout bounds each missed-call store write
	StoreWriteTimeout = 5 * time.Second

	// EventBufferSize is the capacity of each call event subscriber channel
	EventBufferSize = 64

	// SignalBufferSize is the capacity of each inbound signal channel
	SignalBufferSize = 256
)

// Storage constants
const (
	// AvatarURLExpiry is the validity period for presigned avatar URLs
	AvatarURLExpiry = 1 * time.Hour
)

// Message and notification types written to the store
const (
	MessageTypeMissedCall      = "missed_call"
	NotificationTypeMissedCall = "missed_call"
)
