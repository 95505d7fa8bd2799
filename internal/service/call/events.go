package call

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/media"
	"teamcall-backend/internal/peer"
	"teamcall-backend/pkg/constants"
	"teamcall-backend/pkg/logger"
)

// EventType identifies what changed
type EventType string

const (
	EventStateChanged         EventType = "state_changed"
	EventIncomingCall         EventType = "incoming_call"
	EventParticipantJoined    EventType = "participant_joined"
	EventParticipantLeft      EventType = "participant_left"
	EventRemoteStreamsChanged EventType = "remote_streams_changed"
	EventRemoteMediaChanged   EventType = "remote_media_changed"
	EventLocalMediaChanged    EventType = "local_media_changed"
	EventChatReceived         EventType = "chat_received"
	EventError                EventType = "error"
)

// Chat is an in-call text message received from a peer
type Chat struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Event is delivered to the host on every observable change. Only the
// fields relevant to Type are set.
type Event struct {
	Type        EventType
	Session     domain.CallSession
	Incoming    *domain.IncomingCall
	PeerID      string
	Reason      domain.HangupReason
	Streams     map[string]*peer.RemoteStream
	RemoteMedia domain.RemoteMedia
	LocalMedia  media.State
	Chat        *Chat
	Err         error
}

// broadcaster fans events out to subscribers; a full subscriber misses events
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, constants.EventBufferSize)
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) emit(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				logger.Debug("Event subscriber full, dropping event", zap.String("type", string(ev.Type)))
			}
		}
	}
}
