package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/middleware"
	"teamcall-backend/internal/presence"
	"teamcall-backend/internal/signaling"
	"teamcall-backend/pkg/jwt"
	"teamcall-backend/pkg/metrics"
)

const waitFor = 2 * time.Second

type fakePresenceStore struct {
	mu      sync.Mutex
	entries map[string]presence.Entry
}

func newFakePresenceStore(seed ...presence.Entry) *fakePresenceStore {
	s := &fakePresenceStore{entries: make(map[string]presence.Entry)}
	for _, e := range seed {
		s.entries[e.UserID] = e
	}
	return s
}

func (s *fakePresenceStore) SetOnline(_ context.Context, e presence.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.UserID] = e
	return nil
}

func (s *fakePresenceStore) SetOffline(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

func (s *fakePresenceStore) Refresh(context.Context, string) error { return nil }

func (s *fakePresenceStore) Online(context.Context) ([]presence.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]presence.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *fakePresenceStore) has(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	return ok
}

type relay struct {
	hub    *SignalingHub
	server *httptest.Server
	tokens *jwt.JWTManager
}

func newRelay(t *testing.T, cfg HubConfig) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg.Metrics = metrics.NewMetrics("relay-test")
	hub := NewSignalingHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	tokens := jwt.NewJWTManager("test-secret", time.Minute)
	r := gin.New()
	r.GET("/v1/signaling/ws", middleware.AuthMiddleware(tokens), hub.ServeWS)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &relay{hub: hub, server: server, tokens: tokens}
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/v1/signaling/ws"
}

func (r *relay) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := r.tokens.GenerateToken(userID, strings.ToUpper(userID[:1])+userID[1:])
	require.NoError(t, err)
	return token
}

// dial connects userID and waits until the hub has registered the socket
func (r *relay) dial(t *testing.T, userID string) *signaling.WSClient {
	t.Helper()
	client, err := signaling.DialWS(context.Background(), signaling.WSConfig{
		URL:     r.url(),
		Token:   r.token(t, userID),
		LocalID: userID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	r.waitConnected(t, userID)
	return client
}

func (r *relay) dialRaw(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url()+"?token="+r.token(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	r.waitConnected(t, userID)
	return conn
}

func (r *relay) waitConnected(t *testing.T, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range r.hub.ConnectedUsers() {
			if id == userID {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func nextSignal(t *testing.T, ch <-chan signaling.Message) signaling.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "signal feed closed")
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for signal")
		return signaling.Message{}
	}
}

func nextEvent(t *testing.T, ch <-chan presence.Event, kind presence.EventKind) presence.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "presence feed closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return presence.Event{}
		}
	}
}

func userIDs(entries []presence.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}

func TestRelay_DeliversDirectedSignal(t *testing.T) {
	r := newRelay(t, HubConfig{})
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")

	inbox, stop := bob.Subscribe()
	defer stop()

	require.NoError(t, alice.Send(context.Background(), "bob", signaling.ChatMessage{Text: "hello"}))

	msg := nextSignal(t, inbox)
	assert.Equal(t, signaling.TypeChatMessage, msg.Type)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "bob", msg.RecipientID)
	p, err := msg.Decode()
	require.NoError(t, err)
	assert.Equal(t, "hello", p.(signaling.ChatMessage).Text)
}

func TestRelay_OverwritesSenderID(t *testing.T) {
	r := newRelay(t, HubConfig{})
	alice := r.dial(t, "alice")
	mallory := r.dialRaw(t, "mallory")

	inbox, stop := alice.Subscribe()
	defer stop()

	forged, err := signaling.NewMessage("bob", "alice", signaling.ChatMessage{Text: "trust me"})
	require.NoError(t, err)
	require.NoError(t, mallory.WriteJSON(signaling.Frame{Kind: signaling.FrameSignal, Signal: &forged}))

	msg := nextSignal(t, inbox)
	assert.Equal(t, "mallory", msg.SenderID)
}

func TestRelay_DropsBroadcastsOtherThanUserOnline(t *testing.T) {
	r := newRelay(t, HubConfig{})
	alice := r.dial(t, "alice")
	mallory := r.dialRaw(t, "mallory")

	inbox, stop := alice.Subscribe()
	defer stop()

	broadcast := signaling.Frame{Kind: signaling.FrameSignal, Signal: &signaling.Message{
		Type:    signaling.TypeChatMessage,
		Payload: json.RawMessage(`{"text":"everyone"}`),
	}}
	require.NoError(t, mallory.WriteJSON(broadcast))

	direct, err := signaling.NewMessage("mallory", "alice", signaling.ChatMessage{Text: "just you"})
	require.NoError(t, err)
	require.NoError(t, mallory.WriteJSON(signaling.Frame{Kind: signaling.FrameSignal, Signal: &direct}))

	msg := nextSignal(t, inbox)
	p, err := msg.Decode()
	require.NoError(t, err)
	assert.Equal(t, "just you", p.(signaling.ChatMessage).Text)
}

func TestRelay_DropsMalformedSignal(t *testing.T) {
	r := newRelay(t, HubConfig{})
	alice := r.dial(t, "alice")
	mallory := r.dialRaw(t, "mallory")

	inbox, stop := alice.Subscribe()
	defer stop()

	require.NoError(t, mallory.WriteJSON(signaling.Frame{Kind: signaling.FrameSignal, Signal: &signaling.Message{
		Type:        "TELEPORT",
		RecipientID: "alice",
	}}))
	follow, err := signaling.NewMessage("mallory", "alice", signaling.Hangup{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, mallory.WriteJSON(signaling.Frame{Kind: signaling.FrameSignal, Signal: &follow}))

	msg := nextSignal(t, inbox)
	assert.Equal(t, signaling.TypeHangup, msg.Type)
}

func TestRelay_BroadcastsUserOnlineToEveryoneElse(t *testing.T) {
	r := newRelay(t, HubConfig{})
	alice := r.dialRaw(t, "alice")
	bob := r.dial(t, "bob")
	carol := r.dial(t, "carol")

	bobInbox, stopBob := bob.Subscribe()
	defer stopBob()
	carolInbox, stopCarol := carol.Subscribe()
	defer stopCarol()

	hello, err := signaling.NewMessage("alice", "", signaling.UserOnline{Name: "Alice"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(signaling.Frame{Kind: signaling.FrameSignal, Signal: &hello}))

	for _, inbox := range []<-chan signaling.Message{bobInbox, carolInbox} {
		msg := nextSignal(t, inbox)
		assert.Equal(t, signaling.TypeUserOnline, msg.Type)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Empty(t, msg.RecipientID)
	}

	// The sender never sees its own broadcast
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = alice.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_PresenceSyncJoinLeave(t *testing.T) {
	store := newFakePresenceStore(presence.Entry{UserID: "dave", Name: "Dave"})
	r := newRelay(t, HubConfig{Presence: store})

	alice := r.dial(t, "alice")
	aliceEvents, stopAlice := alice.Events()
	defer stopAlice()
	require.NoError(t, alice.Track(context.Background(), presence.Entry{Name: "Alice"}))

	aliceSync := nextEvent(t, aliceEvents, presence.EventSync)
	assert.ElementsMatch(t, []string{"alice", "dave"}, userIDs(aliceSync.Entries))

	bob := r.dial(t, "bob")
	bobEvents, stopBob := bob.Events()
	defer stopBob()
	require.NoError(t, bob.Track(context.Background(), presence.Entry{}))

	bobSync := nextEvent(t, bobEvents, presence.EventSync)
	assert.ElementsMatch(t, []string{"alice", "bob", "dave"}, userIDs(bobSync.Entries))

	join := nextEvent(t, aliceEvents, presence.EventJoin)
	require.Len(t, join.Entries, 1)
	assert.Equal(t, "bob", join.Entries[0].UserID)
	assert.Equal(t, "Bob", join.Entries[0].Name)
	assert.True(t, store.has("bob"))

	require.NoError(t, bob.Untrack(context.Background()))

	leave := nextEvent(t, aliceEvents, presence.EventLeave)
	require.Len(t, leave.Entries, 1)
	assert.Equal(t, "bob", leave.Entries[0].UserID)
	assert.Eventually(t, func() bool { return !store.has("bob") }, waitFor, 10*time.Millisecond)
}

func TestRelay_DisconnectWithdrawsPresence(t *testing.T) {
	r := newRelay(t, HubConfig{})

	alice := r.dial(t, "alice")
	aliceEvents, stopAlice := alice.Events()
	defer stopAlice()
	require.NoError(t, alice.Track(context.Background(), presence.Entry{}))
	nextEvent(t, aliceEvents, presence.EventSync)

	bob := r.dialRaw(t, "bob")
	require.NoError(t, bob.WriteJSON(signaling.Frame{Kind: signaling.FrameTrack}))
	nextEvent(t, aliceEvents, presence.EventJoin)

	annotated := r.hub.Annotate([]domain.Participant{{ID: "alice"}, {ID: "bob"}, {ID: "erin"}})
	assert.True(t, annotated[0].IsOnline)
	assert.True(t, annotated[1].IsOnline)
	assert.False(t, annotated[2].IsOnline)

	require.NoError(t, bob.Close())

	leave := nextEvent(t, aliceEvents, presence.EventLeave)
	assert.Equal(t, "bob", leave.Entries[0].UserID)
	assert.Eventually(t, func() bool {
		return len(r.hub.ConnectedUsers()) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestRelay_RejectsMissingToken(t *testing.T) {
	r := newRelay(t, HubConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(r.url(), nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_RejectsWhenAtCapacity(t *testing.T) {
	r := newRelay(t, HubConfig{MaxConnections: 1})
	r.dial(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(r.url()+"?token="+r.token(t, "bob"), nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_RejectsDisallowedOrigin(t *testing.T) {
	r := newRelay(t, HubConfig{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(r.url()+"?token="+r.token(t, "alice"), header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
