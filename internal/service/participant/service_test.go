package participant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/media"
	"teamcall-backend/internal/presence"
)

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) GetByIDs(ctx context.Context, userIDs []string) ([]*domain.User, error) {
	args := m.Called(ctx, userIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.User), args.Error(1)
}

type MockAvatarSigner struct {
	mock.Mock
}

func (m *MockAvatarSigner) PresignAvatar(ctx context.Context, objectKey string) (string, error) {
	args := m.Called(ctx, objectKey)
	return args.String(0), args.Error(1)
}

func strPtr(s string) *string { return &s }

func TestResolve(t *testing.T) {
	users := new(MockDirectory)
	avatars := new(MockAvatarSigner)
	tracker := presence.NewTracker(nil, presence.Entry{UserID: "me"}, nil)
	tracker.Apply(presence.Event{Kind: presence.EventSync, Entries: []presence.Entry{{UserID: "u1"}}})
	svc := NewService(users, avatars, tracker)

	users.On("GetByIDs", mock.Anything, []string{"u1", "u2", "u3"}).Return([]*domain.User{
		{UserID: "u1", DisplayName: "Ada", AvatarRef: strPtr("u1.png")},
		{UserID: "u2", DisplayName: "Grace"},
	}, nil)
	avatars.On("PresignAvatar", mock.Anything, "u1.png").Return("https://cdn/u1.png?sig", nil)

	got := svc.Resolve(context.Background(), []string{"u1", "u2", "u3"})

	assert.Len(t, got, 3)
	assert.Equal(t, domain.Participant{
		ID: "u1", DisplayName: "Ada", AvatarRef: "u1.png", AvatarURL: "https://cdn/u1.png?sig", IsOnline: true,
	}, got[0])
	assert.Equal(t, "Grace", got[1].DisplayName)
	assert.False(t, got[1].IsOnline)
	assert.Equal(t, "u3", got[2].DisplayName)
}

func TestResolve_DegradesOnFailures(t *testing.T) {
	users := new(MockDirectory)
	avatars := new(MockAvatarSigner)
	svc := NewService(users, avatars, nil)

	users.On("GetByIDs", mock.Anything, []string{"u1"}).Return(nil, errors.New("db down"))

	got := svc.Resolve(context.Background(), []string{"u1"})

	assert.Equal(t, []domain.Participant{{ID: "u1", DisplayName: "u1"}}, got)
	avatars.AssertNotCalled(t, "PresignAvatar", mock.Anything, mock.Anything)
}

func TestResolve_AvatarFailureKeepsRef(t *testing.T) {
	users := new(MockDirectory)
	avatars := new(MockAvatarSigner)
	svc := NewService(users, avatars, nil)

	users.On("GetByIDs", mock.Anything, []string{"u1"}).Return([]*domain.User{
		{UserID: "u1", DisplayName: "Ada", AvatarRef: strPtr("u1.png")},
	}, nil)
	avatars.On("PresignAvatar", mock.Anything, "u1.png").Return("", errors.New("circuit open"))

	got := svc.Resolve(context.Background(), []string{"u1"})

	assert.Equal(t, "u1.png", got[0].AvatarRef)
	assert.Empty(t, got[0].AvatarURL)
}

func TestRoster_AppliesMediaFlags(t *testing.T) {
	svc := NewService(nil, nil, nil)
	session := domain.CallSession{ParticipantIDs: []string{"u2", "u3"}, Status: domain.CallStatusActive}
	remote := map[string]domain.RemoteMedia{
		"u2": {ScreenSharing: true, Video: domain.RemoteVideoLive},
		"u3": {Video: domain.RemoteVideoLive},
	}

	roster := svc.Roster(context.Background(), "u1", session, media.State{HasAudio: true, MicOn: true}, remote)

	assert.Len(t, roster, 3)
	assert.Equal(t, "u1", roster[0].ID)
	assert.True(t, roster[0].IsOnline)
	assert.True(t, roster[0].IsMicOn)
	assert.False(t, roster[0].IsCameraOn)

	assert.True(t, roster[1].IsScreenSharing)
	assert.False(t, roster[1].IsCameraOn)
	assert.True(t, roster[2].IsCameraOn)
}
