// Package participant resolves user ids into roster entries.
package participant

import (
	"context"

	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/media"
	"teamcall-backend/internal/presence"
	"teamcall-backend/pkg/logger"
)

// Directory reads user profile rows
type Directory interface {
	GetByIDs(ctx context.Context, userIDs []string) ([]*domain.User, error)
}

// AvatarSigner turns an avatar object key into a fetchable URL
type AvatarSigner interface {
	PresignAvatar(ctx context.Context, objectKey string) (string, error)
}

// Annotator fills in IsOnline from a presence view
type Annotator interface {
	Annotate(participants []domain.Participant) []domain.Participant
}

var _ Annotator = (*presence.Tracker)(nil)

// Service builds Participant records. Any collaborator may be nil.
type Service struct {
	users   Directory
	avatars AvatarSigner
	tracker Annotator
}

// NewService creates a participant service
func NewService(users Directory, avatars AvatarSigner, tracker Annotator) *Service {
	return &Service{
		users:   users,
		avatars: avatars,
		tracker: tracker,
	}
}

// Resolve returns one Participant per id, in order. Unknown users fall back
// to their id as display name; directory and avatar failures degrade the
// record rather than fail the call.
func (s *Service) Resolve(ctx context.Context, ids []string) []domain.Participant {
	rows := make(map[string]*domain.User, len(ids))
	if s.users != nil && len(ids) > 0 {
		users, err := s.users.GetByIDs(ctx, ids)
		if err != nil {
			logger.Warn("Failed to load participant profiles", zap.Strings("ids", ids), zap.Error(err))
		}
		for _, u := range users {
			rows[u.UserID] = u
		}
	}

	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		p := domain.Participant{ID: id, DisplayName: id}
		if u, ok := rows[id]; ok {
			if u.DisplayName != "" {
				p.DisplayName = u.DisplayName
			}
			if u.AvatarRef != nil {
				p.AvatarRef = *u.AvatarRef
				p.AvatarURL = s.avatarURL(ctx, id, p.AvatarRef)
			}
		}
		out = append(out, p)
	}

	if s.tracker != nil {
		out = s.tracker.Annotate(out)
	}
	return out
}

// Roster resolves the local user followed by every call participant, with
// media flags applied. Remote camera state is inferred: a live tile that is
// not a screen share counts as camera on.
func (s *Service) Roster(
	ctx context.Context,
	localID string,
	session domain.CallSession,
	local media.State,
	remote map[string]domain.RemoteMedia,
) []domain.Participant {
	ids := append([]string{localID}, session.ParticipantIDs...)
	roster := s.Resolve(ctx, ids)

	for i := range roster {
		p := &roster[i]
		if p.ID == localID {
			p.IsOnline = true
			p.IsMicOn = local.MicOn
			p.IsCameraOn = local.CameraOn
			p.IsScreenSharing = local.ScreenSharing
			continue
		}
		if rm, ok := remote[p.ID]; ok {
			p.IsScreenSharing = rm.ScreenSharing
			p.IsCameraOn = rm.Video == domain.RemoteVideoLive && !rm.ScreenSharing
		}
	}
	return roster
}

func (s *Service) avatarURL(ctx context.Context, userID, key string) string {
	if s.avatars == nil || key == "" {
		return ""
	}
	u, err := s.avatars.PresignAvatar(ctx, key)
	if err != nil {
		logger.Debug("Failed to presign avatar", zap.String("user_id", userID), zap.Error(err))
		return ""
	}
	return u
}
