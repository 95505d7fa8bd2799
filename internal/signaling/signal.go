// Package signaling carries typed call-setup messages between users over a
// publish/subscribe relay.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"teamcall-backend/internal/domain"
	apperrors "teamcall-backend/pkg/errors"
)

// Type identifies the payload carried by a Message
type Type string

const (
	TypeOffer         Type = "OFFER"
	TypeAnswer        Type = "ANSWER"
	TypeCandidate     Type = "CANDIDATE"
	TypeHangup        Type = "HANGUP"
	TypeChatMessage   Type = "CHAT_MESSAGE"
	TypeUserOnline    Type = "USER_ONLINE"
	TypeScreenStarted Type = "SCREEN_STARTED"
	TypeScreenStopped Type = "SCREEN_STOPPED"
)

// Message is the wire envelope. An empty RecipientID marks a broadcast.
type Message struct {
	Type        Type            `json:"type"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Payload is implemented by every typed signal body
type Payload interface {
	SignalType() Type
}

// Offer starts or renegotiates a session
type Offer struct {
	SDP       webrtc.SessionDescription `json:"sdp"`
	SessionID string                    `json:"sessionId,omitempty"`
}

// Answer completes an offer/answer exchange
type Answer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// Candidate carries one trickled ICE candidate
type Candidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Hangup ends the sender's participation, or refuses an offer
type Hangup struct {
	SessionID string              `json:"sessionId,omitempty"`
	Reason    domain.HangupReason `json:"reason,omitempty"`
}

// ChatMessage is an in-call text message
type ChatMessage struct {
	Text string `json:"text"`
}

// UserOnline is a broadcast presence hint
type UserOnline struct {
	Name string `json:"name,omitempty"`
}

// ScreenStarted tells peers the sender's video slot now carries a screen
type ScreenStarted struct{}

// ScreenStopped tells peers the screen share ended. HasCameraFallback means
// a camera track is replacing it and the tile must not be blanked.
type ScreenStopped struct {
	HasCameraFallback bool `json:"hasCameraFallback"`
}

func (Offer) SignalType() Type         { return TypeOffer }
func (Answer) SignalType() Type        { return TypeAnswer }
func (Candidate) SignalType() Type     { return TypeCandidate }
func (Hangup) SignalType() Type        { return TypeHangup }
func (ChatMessage) SignalType() Type   { return TypeChatMessage }
func (UserOnline) SignalType() Type    { return TypeUserOnline }
func (ScreenStarted) SignalType() Type { return TypeScreenStarted }
func (ScreenStopped) SignalType() Type { return TypeScreenStopped }

// NewMessage encodes p into an envelope from senderID to recipientID
func NewMessage(senderID, recipientID string, p Payload) (Message, error) {
	if p == nil {
		return Message{}, apperrors.BadSignalError("signal payload is required")
	}
	if recipientID == "" && p.SignalType() != TypeUserOnline {
		return Message{}, apperrors.BadSignalError(fmt.Sprintf("%s cannot be broadcast", p.SignalType()))
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", p.SignalType(), err)
	}

	return Message{
		Type:        p.SignalType(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Payload:     raw,
	}, nil
}

// Decode returns the typed payload of m
func (m Message) Decode() (Payload, error) {
	var p Payload
	switch m.Type {
	case TypeOffer:
		p = &Offer{}
	case TypeAnswer:
		p = &Answer{}
	case TypeCandidate:
		p = &Candidate{}
	case TypeHangup:
		p = &Hangup{}
	case TypeChatMessage:
		p = &ChatMessage{}
	case TypeUserOnline:
		p = &UserOnline{}
	case TypeScreenStarted:
		p = &ScreenStarted{}
	case TypeScreenStopped:
		p = &ScreenStopped{}
	default:
		return nil, apperrors.BadSignalError(fmt.Sprintf("unknown signal type %q", m.Type))
	}

	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		if err := json.Unmarshal(m.Payload, p); err != nil {
			return nil, apperrors.BadSignalError(fmt.Sprintf("malformed %s payload: %v", m.Type, err))
		}
	}

	switch v := p.(type) {
	case *Offer:
		if v.SDP.Type != webrtc.SDPTypeOffer || v.SDP.SDP == "" {
			return nil, apperrors.BadSignalError("offer carries no offer description")
		}
		return *v, nil
	case *Answer:
		if v.SDP.Type != webrtc.SDPTypeAnswer || v.SDP.SDP == "" {
			return nil, apperrors.BadSignalError("answer carries no answer description")
		}
		return *v, nil
	case *Candidate:
		return *v, nil
	case *Hangup:
		return *v, nil
	case *ChatMessage:
		return *v, nil
	case *UserOnline:
		return *v, nil
	case *ScreenStarted:
		return *v, nil
	case *ScreenStopped:
		return *v, nil
	}
	return nil, apperrors.BadSignalError(fmt.Sprintf("unhandled signal type %q", m.Type))
}

// Accepts reports whether a subscriber with localID should see m: the
// message is broadcast or addressed to localID, and was not sent by localID.
func Accepts(localID string, m Message) bool {
	if m.SenderID == localID {
		return false
	}
	return m.RecipientID == "" || m.RecipientID == localID
}
