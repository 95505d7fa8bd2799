package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// Change is published to subscribers whenever the present set changes
type Change struct {
	Present []string
	Joined  []string
	Left    []string
}

// Tracker maintains the set of present user ids
type Tracker struct {
	channel Channel
	self    Entry
	metrics *metrics.Metrics

	mu        sync.Mutex
	present   map[string]Entry
	visible   bool
	listeners []chan Change
}

// NewTracker creates a tracker for the local user over the given channel
func NewTracker(channel Channel, self Entry, m *metrics.Metrics) *Tracker {
	return &Tracker{
		channel: channel,
		self:    self,
		metrics: m,
		present: make(map[string]Entry),
	}
}

// Run consumes membership events until ctx is done or the channel closes
func (t *Tracker) Run(ctx context.Context) {
	events, cancel := t.channel.Events()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				logger.Debug("Presence channel closed", zap.String("user_id", t.self.UserID))
				return
			}
			t.Apply(ev)
		}
	}
}

// Apply folds one membership event into the present set
func (t *Tracker) Apply(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var joined, left []string
	switch ev.Kind {
	case EventSync:
		next := make(map[string]Entry, len(ev.Entries))
		for _, e := range ev.Entries {
			next[e.UserID] = e
			if _, ok := t.present[e.UserID]; !ok {
				joined = append(joined, e.UserID)
			}
		}
		for id := range t.present {
			if _, ok := next[id]; !ok {
				left = append(left, id)
			}
		}
		t.present = next
	case EventJoin:
		for _, e := range ev.Entries {
			if _, ok := t.present[e.UserID]; !ok {
				joined = append(joined, e.UserID)
			}
			t.present[e.UserID] = e
		}
	case EventLeave:
		for _, e := range ev.Entries {
			if _, ok := t.present[e.UserID]; ok {
				delete(t.present, e.UserID)
				left = append(left, e.UserID)
			}
		}
	default:
		logger.Warn("Unknown presence event", zap.String("kind", string(ev.Kind)))
		return
	}

	if len(joined) == 0 && len(left) == 0 {
		return
	}
	sort.Strings(joined)
	sort.Strings(left)
	t.metrics.SetPresenceOnline(len(t.present))
	t.notifyLocked(Change{Present: t.snapshotLocked(), Joined: joined, Left: left})
}

// Observe marks a user present from an out-of-band hint such as USER_ONLINE
func (t *Tracker) Observe(userID, name string) {
	if userID == "" {
		return
	}
	t.Apply(Event{Kind: EventJoin, Entries: []Entry{{UserID: userID, Name: name, OnlineAt: time.Now()}}})
}

// SetVisible announces the local user when visible and withdraws it otherwise
func (t *Tracker) SetVisible(ctx context.Context, visible bool) error {
	t.mu.Lock()
	if t.visible == visible {
		t.mu.Unlock()
		return nil
	}
	t.visible = visible
	t.mu.Unlock()

	var err error
	if visible {
		entry := t.self
		entry.OnlineAt = time.Now()
		err = t.channel.Track(ctx, entry)
	} else {
		err = t.channel.Untrack(ctx)
	}
	if err != nil {
		t.mu.Lock()
		t.visible = !visible
		t.mu.Unlock()
		return err
	}
	return nil
}

// Visible reports whether the local user is currently announced
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// IsOnline reports whether id is in the present set
func (t *Tracker) IsOnline(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.present[id]
	return ok
}

// Snapshot returns the present ids in sorted order
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Annotate returns a copy of participants with IsOnline re-derived
func (t *Tracker) Annotate(participants []domain.Participant) []domain.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Participant, len(participants))
	for i, p := range participants {
		_, p.IsOnline = t.present[p.ID]
		out[i] = p
	}
	return out
}

// Subscribe registers a listener for present-set changes
func (t *Tracker) Subscribe() (<-chan Change, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Change, 16)
	t.listeners = append(t.listeners, ch)
	return ch, func() { t.unsubscribe(ch) }
}

func (t *Tracker) unsubscribe(ch chan Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Tracker) snapshotLocked() []string {
	ids := make([]string, 0, len(t.present))
	for id := range t.present {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) notifyLocked(c Change) {
	for _, ch := range t.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}
