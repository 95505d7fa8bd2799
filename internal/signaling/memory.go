package signaling

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"teamcall-backend/internal/presence"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/metrics"
)

// MemoryHub is an in-process relay. Every endpoint connected to the hub
// sees directed messages addressed to it and every broadcast.
type MemoryHub struct {
	metrics *metrics.Metrics

	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
	members   map[string]presence.Entry
}

// NewMemoryHub creates an empty hub
func NewMemoryHub(m *metrics.Metrics) *MemoryHub {
	return &MemoryHub{
		metrics:   m,
		endpoints: make(map[string]*MemoryTransport),
		members:   make(map[string]presence.Entry),
	}
}

// Connect attaches a subscribed endpoint for userID, replacing any previous one
func (h *MemoryHub) Connect(userID string) *MemoryTransport {
	t := &MemoryTransport{
		hub:   h,
		id:    userID,
		inbox: newInbox(userID, h.metrics),
	}
	t.subscribed.Store(true)

	h.mu.Lock()
	old := h.endpoints[userID]
	h.endpoints[userID] = t
	h.mu.Unlock()

	if old != nil {
		old.inbox.close()
	}
	return t
}

func (h *MemoryHub) route(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if m.RecipientID != "" {
		if t, ok := h.endpoints[m.RecipientID]; ok {
			t.inbox.deliver(m)
		}
		return
	}
	for _, t := range h.endpoints {
		t.inbox.deliver(m)
	}
}

func (h *MemoryHub) track(t *MemoryTransport, entry presence.Entry) {
	h.mu.Lock()
	entry.UserID = t.id
	if entry.OnlineAt.IsZero() {
		entry.OnlineAt = time.Now()
	}
	h.members[t.id] = entry
	all := make([]presence.Entry, 0, len(h.members))
	for _, e := range h.members {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })
	h.mu.Unlock()

	t.inbox.presence.publish(presence.Event{Kind: presence.EventSync, Entries: all})
	h.broadcastPresence(t.id, presence.Event{Kind: presence.EventJoin, Entries: []presence.Entry{entry}})
}

func (h *MemoryHub) untrack(userID string) {
	h.mu.Lock()
	entry, ok := h.members[userID]
	delete(h.members, userID)
	h.mu.Unlock()

	if ok {
		h.broadcastPresence(userID, presence.Event{Kind: presence.EventLeave, Entries: []presence.Entry{entry}})
	}
}

func (h *MemoryHub) broadcastPresence(except string, ev presence.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, t := range h.endpoints {
		if id != except {
			t.inbox.presence.publish(ev)
		}
	}
}

func (h *MemoryHub) detach(t *MemoryTransport) {
	h.mu.Lock()
	if h.endpoints[t.id] == t {
		delete(h.endpoints, t.id)
	}
	h.mu.Unlock()
}

// MemoryTransport is one user's endpoint on a MemoryHub. It implements both
// Transport and presence.Channel.
type MemoryTransport struct {
	hub        *MemoryHub
	id         string
	inbox      *inbox
	subscribed atomic.Bool
	closeOnce  sync.Once
}

// LocalID returns the user id of the endpoint
func (t *MemoryTransport) LocalID() string { return t.id }

// Send publishes p to recipientID, or broadcasts when recipientID is empty
func (t *MemoryTransport) Send(ctx context.Context, recipientID string, p Payload) error {
	msg, err := NewMessage(t.id, recipientID, p)
	if err != nil {
		return err
	}
	if !t.subscribed.Load() {
		dropped(t.hub.metrics, msg.Type, "not_subscribed",
			zap.String("sender_id", t.id),
			zap.String("recipient_id", recipientID))
		return apperrors.NotSubscribedError()
	}
	if err := ctx.Err(); err != nil {
		return apperrors.TransportError(err)
	}

	t.hub.metrics.RecordSignalSent(string(msg.Type))
	t.hub.route(msg)
	return nil
}

// Subscribe returns a channel of messages for this endpoint
func (t *MemoryTransport) Subscribe() (<-chan Message, func()) {
	return t.inbox.subscribeSignals()
}

// SetSubscribed simulates the relay subscription dropping and recovering.
// While unsubscribed, Send fails and nothing is queued.
func (t *MemoryTransport) SetSubscribed(subscribed bool) {
	t.subscribed.Store(subscribed)
}

// Track announces the endpoint's user on the hub's presence channel
func (t *MemoryTransport) Track(ctx context.Context, entry presence.Entry) error {
	if !t.subscribed.Load() {
		return apperrors.NotSubscribedError()
	}
	t.hub.track(t, entry)
	return nil
}

// Untrack withdraws the endpoint's user from the presence channel
func (t *MemoryTransport) Untrack(ctx context.Context) error {
	t.hub.untrack(t.id)
	return nil
}

// Events returns presence membership events
func (t *MemoryTransport) Events() (<-chan presence.Event, func()) {
	return t.inbox.subscribePresence()
}

// Close detaches from the hub and closes every subscription
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.subscribed.Store(false)
		t.hub.untrack(t.id)
		t.hub.detach(t)
		t.inbox.close()
	})
	return nil
}
