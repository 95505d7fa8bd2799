package signaling

import (
	"teamcall-backend/internal/presence"
)

// FrameKind discriminates relay WebSocket frames
type FrameKind string

const (
	// FrameSignal carries a signaling Message in either direction
	FrameSignal FrameKind = "signal"
	// FramePresence carries a membership event from the relay
	FramePresence FrameKind = "presence"
	// FrameTrack asks the relay to announce the sender
	FrameTrack FrameKind = "track"
	// FrameUntrack asks the relay to withdraw the sender
	FrameUntrack FrameKind = "untrack"
)

// Frame is the unit exchanged with the relay over a WebSocket
type Frame struct {
	Kind     FrameKind       `json:"kind"`
	Signal   *Message        `json:"signal,omitempty"`
	Presence *presence.Event `json:"presence,omitempty"`
	Entry    *presence.Entry `json:"entry,omitempty"`
}
