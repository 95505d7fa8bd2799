// Package peer owns one negotiated media session per remote participant.
package peer

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Kind names an outbound sender slot
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// State is the coarse connection state reported by a Negotiator
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// RemoteTrack is one inbound track. Track is nil for negotiators that do not
// carry real media.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     Kind
	Track    *webrtc.TrackRemote
}

// Handlers receive asynchronous negotiator callbacks. They may be invoked
// from any goroutine.
type Handlers struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnTrack       func(RemoteTrack)
	OnStateChange func(State)
}

// Negotiator is a single offer/answer session with one remote peer
type Negotiator interface {
	// Offer creates an offer and applies it as the local description
	Offer(ctx context.Context) (webrtc.SessionDescription, error)
	// Answer applies a remote offer and returns the applied local answer
	Answer(ctx context.Context, remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// Accept applies a remote answer to an outstanding local offer
	Accept(remote webrtc.SessionDescription) error
	AddCandidate(c webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	HasLocalOffer() bool
	// SetTrack installs track on the kind's sender. A nil track clears the
	// sender without removing it. added is true only when a new sender was
	// created, which changes the session description.
	SetTrack(kind Kind, track webrtc.TrackLocal) (added bool, err error)
	Close() error
}

// Factory creates a Negotiator for peerID
type Factory func(peerID string, h Handlers) (Negotiator, error)
