// Package ws is the signaling relay: it authenticates WebSocket clients,
// routes signal frames between them and maintains relay presence.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"teamcall-backend/internal/database"
	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/presence"
	"teamcall-backend/internal/signaling"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
	"teamcall-backend/pkg/response"
)

// RelayChannel is the Redis channel relay instances fan frames out on
const RelayChannel = "relay:signals"

// PresenceStore keeps relay presence visible to every instance
type PresenceStore interface {
	SetOnline(ctx context.Context, entry presence.Entry) error
	SetOffline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]presence.Entry, error)
}

// HubConfig configures a SignalingHub. Redis and Presence may be nil.
type HubConfig struct {
	Redis          *database.RedisClient
	Presence       PresenceStore
	MaxConnections int
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// SignalingHub manages relay WebSocket connections
type SignalingHub struct {
	// Registered clients per user id
	clients map[string]map[*SignalingClient]bool
	// Announced entries per user id
	tracked map[string]presence.Entry

	redis      *database.RedisClient
	presence   PresenceStore
	metrics    *metrics.Metrics
	instanceID string
	upgrader   websocket.Upgrader

	// Guards clients and tracked for readers outside the run loop
	mu sync.RWMutex

	// Channels
	register   chan *SignalingClient
	unregister chan *SignalingClient
	route      chan routed
	track      chan trackRequest
	untrack    chan *SignalingClient
	done       chan struct{}

	// Concurrency limit
	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient represents one relay WebSocket
type SignalingClient struct {
	hub     *SignalingHub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	name    string
	tracked bool
}

// envelope is what instances exchange over Redis. Exclude names a user
// that must not receive the frame.
type envelope struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   signaling.Frame `json:"frame"`
}

type routed struct {
	env    envelope
	remote bool
}

type trackRequest struct {
	client *SignalingClient
	entry  presence.Entry
	known  []presence.Entry
}

// NewSignalingHub creates a hub; Run must be called to start routing
func NewSignalingHub(cfg HubConfig) *SignalingHub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &SignalingHub{
		clients:    make(map[string]map[*SignalingClient]bool),
		tracked:    make(map[string]presence.Entry),
		redis:      cfg.Redis,
		presence:   cfg.Presence,
		metrics:    cfg.Metrics,
		instanceID: uuid.NewString(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native agents send no Origin; browsers must match the allow list
				if origin == "" || len(allowed) == 0 {
					return true
				}
				return allowed[origin]
			},
		},
		register:       make(chan *SignalingClient),
		unregister:     make(chan *SignalingClient),
		route:          make(chan routed, constants.SignalBufferSize),
		track:          make(chan trackRequest),
		untrack:        make(chan *SignalingClient),
		done:           make(chan struct{}),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// Run handles hub operations until ctx is done
func (h *SignalingHub) Run(ctx context.Context) {
	defer close(h.done)
	if h.redis != nil {
		go h.subscribeRelay(ctx)
	}

	heartbeat := time.NewTicker(constants.PresenceHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*SignalingClient]bool)
			}
			h.clients[client.userID][client] = true
			count := h.countLocked()
			h.mu.Unlock()
			h.metrics.SetWebSocketConnections(count)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.userID]; ok && clients[client] {
				delete(clients, client)
				close(client.send)
				if len(clients) == 0 {
					delete(h.clients, client.userID)
				}
			}
			count := h.countLocked()
			h.mu.Unlock()
			h.metrics.SetWebSocketConnections(count)
			h.withdraw(client)

		case req := <-h.track:
			h.announce(req)

		case client := <-h.untrack:
			h.withdraw(client)

		case r := <-h.route:
			h.deliver(r.env)
			if !r.remote {
				h.publish(r.env)
			}

		case <-heartbeat.C:
			h.refreshPresence()
		}
	}
}

// ConnectedUsers returns the ids with at least one open socket on this instance
func (h *SignalingHub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Annotate marks the participants tracked on this instance as online
func (h *SignalingHub) Annotate(participants []domain.Participant) []domain.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.Participant, len(participants))
	for i, p := range participants {
		_, p.IsOnline = h.tracked[p.ID]
		out[i] = p
	}
	return out
}

// ServeWS upgrades an authenticated request into a relay connection.
// The auth middleware must have set user_id.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Held for the lifetime of the connection
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketError("capacity")
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		response.FromError(c, apperrors.UnauthorizedError("Not authenticated"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.SignalBufferSize),
		userID: userID,
		name:   c.GetString("display_name"),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	logger.Info("Relay client connected", zap.String("user_id", userID))
	go client.writePump()
	client.readPump()
}

// deliver writes a frame to every local socket it is addressed to. Runs on
// the hub goroutine.
func (h *SignalingHub) deliver(env envelope) {
	data, err := json.Marshal(env.Frame)
	if err != nil {
		logger.Error("Failed to encode relay frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if env.Frame.Kind == signaling.FrameSignal && env.Frame.Signal.RecipientID != "" {
		for client := range h.clients[env.Frame.Signal.RecipientID] {
			h.enqueue(client, data, env.Frame.Signal.Type)
		}
		return
	}

	for userID, clients := range h.clients {
		if userID == env.Exclude {
			continue
		}
		for client := range clients {
			if env.Frame.Kind == signaling.FramePresence && !client.tracked {
				continue
			}
			h.enqueue(client, data, signaling.Type(env.Frame.Kind))
		}
	}
}

func (h *SignalingHub) enqueue(client *SignalingClient, data []byte, kind signaling.Type) {
	select {
	case client.send <- data:
		h.metrics.RecordWebSocketMessage(string(kind), "out")
	default:
		logger.Warn("Relay client too slow, dropping frame",
			zap.String("user_id", client.userID),
			zap.String("type", string(kind)))
		h.metrics.RecordSignalDropped(string(kind), "slow_client")
	}
}

// publish fans a locally originated frame out to the other instances
func (h *SignalingHub) publish(env envelope) {
	if h.redis == nil {
		return
	}
	env.Origin = h.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("Failed to encode relay envelope", zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteWait)
		defer cancel()
		if err := h.redis.SafePublish(ctx, RelayChannel, data).Err(); err != nil && !errors.Is(err, database.ErrDegraded) {
			logger.Warn("Failed to publish relay frame", zap.Error(err))
		}
	}()
}

// subscribeRelay consumes frames from other instances, retrying while Redis
// is degraded
func (h *SignalingHub) subscribeRelay(ctx context.Context) {
	for {
		pubsub := h.redis.SafeSubscribe(ctx, RelayChannel)
		if pubsub != nil {
			if _, err := pubsub.Receive(ctx); err == nil {
				logger.Info("Relay fan-out subscribed", zap.String("channel", RelayChannel))
				h.consume(ctx, pubsub.Channel())
			} else {
				logger.Warn("Failed to subscribe relay channel", zap.Error(err))
			}
			pubsub.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (h *SignalingHub) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("Failed to unmarshal relay envelope", zap.Error(err))
				continue
			}
			if env.Origin == h.instanceID {
				continue
			}
			select {
			case h.route <- routed{env: env, remote: true}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// announce marks a client tracked, answers it with a sync and tells
// everyone else it joined. Runs on the hub goroutine.
func (h *SignalingHub) announce(req trackRequest) {
	h.mu.Lock()
	req.client.tracked = true
	_, already := h.tracked[req.entry.UserID]
	h.tracked[req.entry.UserID] = req.entry

	members := make(map[string]presence.Entry, len(h.tracked)+len(req.known))
	for _, e := range req.known {
		members[e.UserID] = e
	}
	for id, e := range h.tracked {
		members[id] = e
	}
	online := len(h.tracked)
	h.mu.Unlock()
	h.metrics.SetPresenceOnline(online)

	entries := make([]presence.Entry, 0, len(members))
	for _, e := range members {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })

	syncFrame := signaling.Frame{Kind: signaling.FramePresence, Presence: &presence.Event{Kind: presence.EventSync, Entries: entries}}
	if data, err := json.Marshal(syncFrame); err == nil {
		h.enqueue(req.client, data, signaling.Type(signaling.FramePresence))
	}

	if already {
		return
	}
	join := envelope{
		Exclude: req.entry.UserID,
		Frame:   signaling.Frame{Kind: signaling.FramePresence, Presence: &presence.Event{Kind: presence.EventJoin, Entries: []presence.Entry{req.entry}}},
	}
	h.deliver(join)
	h.publish(join)
}

// withdraw untracks a client and, when it was the user's last tracked
// socket, tells everyone the user left. Runs on the hub goroutine.
func (h *SignalingHub) withdraw(client *SignalingClient) {
	h.mu.Lock()
	if !client.tracked {
		h.mu.Unlock()
		return
	}
	client.tracked = false
	for other := range h.clients[client.userID] {
		if other.tracked {
			h.mu.Unlock()
			return
		}
	}
	entry, ok := h.tracked[client.userID]
	delete(h.tracked, client.userID)
	online := len(h.tracked)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.SetPresenceOnline(online)

	if h.presence != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteWait)
			defer cancel()
			if err := h.presence.SetOffline(ctx, entry.UserID); err != nil {
				logger.Debug("Failed to clear presence", zap.String("user_id", entry.UserID), zap.Error(err))
			}
		}()
	}

	leave := envelope{
		Exclude: entry.UserID,
		Frame:   signaling.Frame{Kind: signaling.FramePresence, Presence: &presence.Event{Kind: presence.EventLeave, Entries: []presence.Entry{entry}}},
	}
	h.deliver(leave)
	h.publish(leave)
}

func (h *SignalingHub) refreshPresence() {
	if h.presence == nil {
		return
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.tracked))
	for id := range h.tracked {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		for _, id := range ids {
			if err := h.presence.Refresh(ctx, id); err != nil {
				logger.Debug("Failed to refresh presence", zap.String("user_id", id), zap.Error(err))
			}
		}
	}()
}

func (h *SignalingHub) countLocked() int {
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}
