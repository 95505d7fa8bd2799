package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamcall-backend/internal/presence"
	"teamcall-backend/internal/signaling"
	"teamcall-backend/pkg/constants"
	"teamcall-backend/pkg/logger"
)

// readPump reads frames from the WebSocket until it fails
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		logger.Info("Relay client disconnected", zap.String("user_id", c.userID))
	}()

	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))

		var f signaling.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("Invalid frame from WebSocket",
				zap.String("user_id", c.userID),
				zap.Error(err))
			c.hub.metrics.RecordWebSocketError("bad_frame")
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(string(f.Kind), "in")

		switch f.Kind {
		case signaling.FrameSignal:
			c.handleSignal(f.Signal)
		case signaling.FrameTrack:
			c.handleTrack(f.Entry)
		case signaling.FrameUntrack:
			select {
			case c.hub.untrack <- c:
			case <-c.hub.done:
			}
		default:
			logger.Debug("Ignoring client frame",
				zap.String("user_id", c.userID),
				zap.String("kind", string(f.Kind)))
		}
	}
}

func (c *SignalingClient) handleSignal(msg *signaling.Message) {
	if msg == nil {
		return
	}
	// Identity comes from the token, never from the frame
	msg.SenderID = c.userID
	if msg.RecipientID == c.userID {
		return
	}
	if _, err := msg.Decode(); err != nil {
		logger.Warn("Rejecting malformed signal",
			zap.String("user_id", c.userID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		c.hub.metrics.RecordSignalDropped(string(msg.Type), "malformed")
		return
	}
	if msg.RecipientID == "" && msg.Type != signaling.TypeUserOnline {
		logger.Warn("Rejecting broadcast signal",
			zap.String("user_id", c.userID),
			zap.String("type", string(msg.Type)))
		c.hub.metrics.RecordSignalDropped(string(msg.Type), "broadcast")
		return
	}

	select {
	case c.hub.route <- routed{env: envelope{
		Exclude: c.userID,
		Frame:   signaling.Frame{Kind: signaling.FrameSignal, Signal: msg},
	}}:
	case <-c.hub.done:
	}
}

func (c *SignalingClient) handleTrack(requested *presence.Entry) {
	entry := presence.Entry{UserID: c.userID, Name: c.name, OnlineAt: time.Now()}
	if requested != nil && requested.Name != "" {
		entry.Name = requested.Name
	}

	var known []presence.Entry
	if c.hub.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteWait)
		if err := c.hub.presence.SetOnline(ctx, entry); err != nil {
			logger.Debug("Failed to store presence", zap.String("user_id", c.userID), zap.Error(err))
		}
		online, err := c.hub.presence.Online(ctx)
		if err != nil {
			logger.Debug("Failed to list presence", zap.Error(err))
		}
		known = online
		cancel()
	}

	select {
	case c.hub.track <- trackRequest{client: c, entry: entry, known: known}:
	case <-c.hub.done:
	}
}

// writePump writes queued frames and keepalive pings to the WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
