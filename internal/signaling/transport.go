package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"teamcall-backend/internal/presence"
	"teamcall-backend/pkg/constants"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// Transport publishes signals and delivers the ones addressed to the local
// user. Send is fire-and-forget: while the channel is not subscribed it
// returns a NOT_SUBSCRIBED error and the signal is lost.
type Transport interface {
	LocalID() string
	Send(ctx context.Context, recipientID string, p Payload) error
	Subscribe() (<-chan Message, func())
	Close() error
}

// feed fans values out to subscriber channels without blocking the producer
type feed[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
	onDrop func(T)
}

func newFeed[T any](onDrop func(T)) *feed[T] {
	return &feed[T]{subs: make(map[int]chan T), onDrop: onDrop}
}

func (f *feed[T]) subscribe(size int) (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, size)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			if f.onDrop != nil {
				f.onDrop(v)
			}
		}
	}
}

func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// inbox is the receive side shared by every transport: it filters messages
// for the local user and fans them out, and carries presence events.
type inbox struct {
	localID  string
	metrics  *metrics.Metrics
	signals  *feed[Message]
	presence *feed[presence.Event]
}

func newInbox(localID string, m *metrics.Metrics) *inbox {
	return &inbox{
		localID: localID,
		metrics: m,
		signals: newFeed(func(msg Message) {
			m.RecordSignalDropped(string(msg.Type), "subscriber_full")
			logger.Warn("Signal subscriber full, dropping message",
				zap.String("user_id", localID),
				zap.String("type", string(msg.Type)),
				zap.String("sender_id", msg.SenderID))
		}),
		presence: newFeed(func(ev presence.Event) {
			logger.Warn("Presence subscriber full, dropping event",
				zap.String("user_id", localID),
				zap.String("kind", string(ev.Kind)))
		}),
	}
}

func (in *inbox) deliver(m Message) {
	if !Accepts(in.localID, m) {
		return
	}
	in.signals.publish(m)
}

func (in *inbox) close() {
	in.signals.close()
	in.presence.close()
}

func (in *inbox) subscribeSignals() (<-chan Message, func()) {
	return in.signals.subscribe(constants.SignalBufferSize)
}

func (in *inbox) subscribePresence() (<-chan presence.Event, func()) {
	return in.presence.subscribe(constants.SignalBufferSize)
}

func dropped(m *metrics.Metrics, t Type, reason string, fields ...zap.Field) {
	m.RecordSignalDropped(string(t), reason)
	logger.Warn("Signal dropped", append([]zap.Field{
		zap.String("type", string(t)),
		zap.String("reason", reason),
	}, fields...)...)
}
