package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	callService "teamcall-backend/internal/service/call"
	participantService "teamcall-backend/internal/service/participant"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
)

// agent drives a call service without a user interface
type agent struct {
	svc          *callService.Service
	participants *participantService.Service
	autoAnswer   bool
}

func (a *agent) dial(ctx context.Context, targets []string) error {
	if len(targets) == 1 {
		return a.svc.StartCall(ctx, targets[0])
	}
	return a.svc.StartGroupCall(ctx, targets)
}

// watch logs session events and answers incoming calls when configured to
func (a *agent) watch(ctx context.Context, events <-chan callService.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *agent) handle(ctx context.Context, ev callService.Event) {
	switch ev.Type {
	case callService.EventIncomingCall:
		if ev.Incoming == nil {
			return
		}
		caller := a.participants.Resolve(ctx, []string{ev.Incoming.CallerID})
		logger.Info("Incoming call",
			zap.String("caller_id", ev.Incoming.CallerID),
			zap.String("caller_name", caller[0].DisplayName),
			zap.String("session_id", ev.Incoming.SessionID))
		if !a.autoAnswer {
			return
		}
		if err := a.svc.AcceptIncomingCall(ctx); err != nil {
			logger.Warn("Failed to answer call", zap.Error(err))
		}

	case callService.EventStateChanged:
		logger.Info("Call state changed",
			zap.String("session_id", ev.Session.ID),
			zap.String("status", string(ev.Session.Status)),
			zap.Strings("participants", ev.Session.ParticipantIDs),
			zap.Strings("invited", ev.Session.InvitedIDs))
		if ev.Session.Status == domain.CallStatusActive {
			a.logRoster(ctx, ev.Session)
		}

	case callService.EventParticipantJoined:
		logger.Info("Participant joined", zap.String("peer_id", ev.PeerID))

	case callService.EventParticipantLeft:
		logger.Info("Participant left",
			zap.String("peer_id", ev.PeerID),
			zap.String("reason", string(ev.Reason)))

	case callService.EventChatReceived:
		if ev.Chat != nil {
			logger.Info("Chat received", zap.String("from", ev.Chat.From), zap.String("text", ev.Chat.Text))
		}

	case callService.EventRemoteMediaChanged:
		logger.Debug("Remote media changed",
			zap.String("peer_id", ev.PeerID),
			zap.Bool("screen_sharing", ev.RemoteMedia.ScreenSharing),
			zap.String("video", string(ev.RemoteMedia.Video)))

	case callService.EventRemoteStreamsChanged:
		logger.Debug("Remote streams changed", zap.Int("streams", len(ev.Streams)))

	case callService.EventLocalMediaChanged:
		logger.Debug("Local media changed",
			zap.Bool("mic", ev.LocalMedia.MicOn),
			zap.Bool("camera", ev.LocalMedia.CameraOn),
			zap.Bool("screen", ev.LocalMedia.ScreenSharing))

	case callService.EventError:
		logger.Warn("Call error", zap.String("peer_id", ev.PeerID), zap.Error(ev.Err))
	}
}

func (a *agent) logRoster(ctx context.Context, session domain.CallSession) {
	roster := a.participants.Roster(ctx, a.svc.LocalID(), session, a.svc.LocalMedia(), a.svc.RemoteMedia())
	for _, p := range roster {
		logger.Info("Roster",
			zap.String("session_id", session.ID),
			zap.String("user_id", p.ID),
			zap.String("name", p.DisplayName),
			zap.Bool("online", p.IsOnline),
			zap.Bool("mic", p.IsMicOn),
			zap.Bool("camera", p.IsCameraOn),
			zap.Bool("screen", p.IsScreenSharing))
	}
}

// registerSelf makes the agent's own profile resolvable by its peers
func (s *stores) registerSelf(ctx context.Context, userID, name string) {
	if s.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, constants.StoreWriteTimeout)
	defer cancel()

	user := &domain.User{UserID: userID, DisplayName: name}
	existing, err := s.users.GetByID(ctx, userID)
	switch {
	case err == nil:
		user.AvatarRef = existing.AvatarRef
	case !apperrors.HasCode(err, apperrors.ErrCodeNotFound):
		logger.Warn("Failed to load own profile", zap.Error(err))
	}
	if err := s.users.Upsert(ctx, user); err != nil {
		logger.Warn("Failed to register profile", zap.Error(err))
	}
}

// reportMissed logs how many missed calls are waiting for userID
func (s *stores) reportMissed(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, constants.StoreWriteTimeout)
	defer cancel()

	fields := []zap.Field{zap.String("user_id", userID)}
	if s.notifications != nil {
		unread, err := s.notifications.CountUnread(ctx, userID, constants.NotificationTypeMissedCall)
		if err != nil {
			logger.Debug("Failed to count missed-call notifications", zap.Error(err))
		} else {
			fields = append(fields, zap.Int("unread_notifications", unread))
		}
	}
	if s.messages != nil {
		month, err := s.messages.CountByType(ctx, userID, domain.CalculateBucket(time.Now()), constants.MessageTypeMissedCall)
		if err != nil {
			logger.Debug("Failed to count missed-call messages", zap.Error(err))
		} else {
			fields = append(fields, zap.Int("this_month", month))
		}
	}
	if len(fields) > 1 {
		logger.Info("Missed calls", fields...)
	}
}
