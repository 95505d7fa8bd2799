package domain

import (
	"time"
)

// CallStatus is the lifecycle state of the local call session
type CallStatus string

const (
	CallStatusIdle            CallStatus = "idle"
	CallStatusOutgoingRinging CallStatus = "outgoing-ringing"
	CallStatusIncomingRinging CallStatus = "incoming-ringing"
	CallStatusActive          CallStatus = "active"
	// CallStatusEnded is only ever observed on the teardown event; the
	// session itself settles on idle.
	CallStatusEnded CallStatus = "ended"
)

// CallSession is a snapshot of the single call a client participates in.
// ParticipantIDs holds peers that answered; InvitedIDs holds peers that were
// offered to and have not answered yet. Neither ever contains the local id.
type CallSession struct {
	ID             string     `json:"id,omitempty"`
	ParticipantIDs []string   `json:"participant_ids"`
	InvitedIDs     []string   `json:"invited_ids"`
	Status         CallStatus `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// IsIdle reports whether no call is in progress
func (s CallSession) IsIdle() bool {
	return s.Status == CallStatusIdle || s.Status == CallStatusEnded || s.Status == ""
}

// HasParticipant reports whether id answered and is connected
func (s CallSession) HasParticipant(id string) bool {
	for _, p := range s.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// IncomingCall is the record kept while an offer waits for accept or reject
type IncomingCall struct {
	CallerID   string    `json:"caller_id"`
	SessionID  string    `json:"session_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// HangupReason tells the receiver why a peer left or refused
type HangupReason string

const (
	HangupReasonNone     HangupReason = ""
	HangupReasonDeclined HangupReason = "declined"
	HangupReasonBusy     HangupReason = "busy"
	HangupReasonTimeout  HangupReason = "timeout"
)
