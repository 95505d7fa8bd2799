package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamcall-backend/internal/presence"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// WSConfig configures a relay WebSocket client
type WSConfig struct {
	URL     string
	Token   string
	LocalID string
	Origin  string
	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
}

// WSClient talks to the relay service over one WebSocket. It implements
// Transport and presence.Channel. A lost connection is not re-established;
// Done is closed and further sends fail.
type WSClient struct {
	conn    *websocket.Conn
	localID string
	metrics *metrics.Metrics
	inbox   *inbox

	send      chan []byte
	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the relay and starts the read and write pumps
func DialWS(ctx context.Context, cfg WSConfig) (*WSClient, error) {
	if cfg.LocalID == "" {
		return nil, apperrors.MissingFieldError("local id")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, apperrors.InvalidInputError(fmt.Sprintf("invalid relay url: %v", err))
	}
	q := u.Query()
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, apperrors.TransportError(fmt.Errorf("relay rejected connection with status %d: %w", resp.StatusCode, err))
		}
		return nil, apperrors.TransportError(err)
	}

	c := &WSClient{
		conn:    conn,
		localID: cfg.LocalID,
		metrics: cfg.Metrics,
		inbox:   newInbox(cfg.LocalID, cfg.Metrics),
		send:    make(chan []byte, constants.SignalBufferSize),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.writePump()
	go c.readPump()

	logger.Info("Connected to signaling relay",
		zap.String("user_id", cfg.LocalID),
		zap.String("host", u.Host))
	return c, nil
}

// LocalID returns the authenticated user id of this client
func (c *WSClient) LocalID() string { return c.localID }

// Done is closed when the relay connection is gone
func (c *WSClient) Done() <-chan struct{} { return c.done }

// Send publishes p through the relay
func (c *WSClient) Send(ctx context.Context, recipientID string, p Payload) error {
	msg, err := NewMessage(c.localID, recipientID, p)
	if err != nil {
		return err
	}
	if !c.connected.Load() {
		dropped(c.metrics, msg.Type, "not_subscribed", zap.String("recipient_id", recipientID))
		return apperrors.NotSubscribedError()
	}
	if err := c.enqueue(ctx, Frame{Kind: FrameSignal, Signal: &msg}); err != nil {
		dropped(c.metrics, msg.Type, "send_failed", zap.String("recipient_id", recipientID), zap.Error(err))
		return err
	}
	c.metrics.RecordSignalSent(string(msg.Type))
	return nil
}

// Subscribe returns messages addressed to this client
func (c *WSClient) Subscribe() (<-chan Message, func()) {
	return c.inbox.subscribeSignals()
}

// Track announces the local user through the relay
func (c *WSClient) Track(ctx context.Context, entry presence.Entry) error {
	if !c.connected.Load() {
		return apperrors.NotSubscribedError()
	}
	entry.UserID = c.localID
	return c.enqueue(ctx, Frame{Kind: FrameTrack, Entry: &entry})
}

// Untrack withdraws the local user through the relay
func (c *WSClient) Untrack(ctx context.Context) error {
	if !c.connected.Load() {
		return apperrors.NotSubscribedError()
	}
	return c.enqueue(ctx, Frame{Kind: FrameUntrack})
}

// Events returns presence events relayed by the server
func (c *WSClient) Events() (<-chan presence.Event, func()) {
	return c.inbox.subscribePresence()
}

// Close tears down the connection
func (c *WSClient) Close() error {
	c.shutdown()
	return nil
}

func (c *WSClient) enqueue(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return apperrors.NotSubscribedError()
	case <-ctx.Done():
		return apperrors.TransportError(ctx.Err())
	default:
		return apperrors.TransportError(fmt.Errorf("send buffer full"))
	}
}

// shutdown stops both pumps. The connection itself is closed by writePump
// once it has sent the close frame.
func (c *WSClient) shutdown() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		c.inbox.close()
	})
}

func (c *WSClient) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(constants.WebSocketWriteWait))
	})
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Relay connection lost",
					zap.String("user_id", c.localID),
					zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("Invalid frame from relay",
				zap.String("user_id", c.localID),
				zap.Error(err))
			continue
		}

		switch f.Kind {
		case FrameSignal:
			if f.Signal != nil {
				c.inbox.deliver(*f.Signal)
			}
		case FramePresence:
			if f.Presence != nil {
				c.inbox.presence.publish(*f.Presence)
			}
		default:
			logger.Debug("Ignoring relay frame", zap.String("kind", string(f.Kind)))
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(constants.WebSocketWriteWait))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("Relay write failed", zap.String("user_id", c.localID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
