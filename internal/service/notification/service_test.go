package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/repository/redis"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Save(ctx context.Context, message *domain.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

type MockNotificationStore struct {
	mock.Mock
}

func (m *MockNotificationStore) Create(ctx context.Context, notification *domain.Notification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

type MockNameResolver struct {
	mock.Mock
}

func (m *MockNameResolver) DisplayName(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

type MockDeduper struct {
	mock.Mock
}

func (m *MockDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduper) Release(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func TestRecordMissedCall_WritesMessageAndNotification(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	names := new(MockNameResolver)
	svc := NewService(messages, notifications, redis.NewDedupRepository(nil, nil), names, nil)

	messages.On("Save", mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return m.SenderID == "u1" && m.RecipientID == "u2" && m.Type == constants.MessageTypeMissedCall
	})).Return(nil).Once()
	names.On("DisplayName", mock.Anything, "u1").Return("Ada", nil)
	notifications.On("Create", mock.Anything, mock.MatchedBy(func(n *domain.Notification) bool {
		return n.RecipientID == "u2" && n.SenderID == "u1" &&
			n.Type == constants.NotificationTypeMissedCall &&
			n.Message == "You missed a call from Ada"
	})).Return(nil).Once()

	err := svc.RecordMissedCall(context.Background(), "u1", "u2", "s1")

	require.NoError(t, err)
	messages.AssertExpectations(t)
	notifications.AssertExpectations(t)
}

func TestRecordMissedCall_DuplicateSessionWritesOnce(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	svc := NewService(messages, notifications, redis.NewDedupRepository(nil, nil), nil, nil)

	messages.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	notifications.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, svc.RecordMissedCall(context.Background(), "u1", "u2", "s1"))
	require.NoError(t, svc.RecordMissedCall(context.Background(), "u1", "u2", "s1"))

	messages.AssertNumberOfCalls(t, "Save", 1)
	notifications.AssertNumberOfCalls(t, "Create", 1)
}

func TestRecordMissedCall_DistinctSessionsBothRecorded(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	svc := NewService(messages, notifications, redis.NewDedupRepository(nil, nil), nil, nil)

	messages.On("Save", mock.Anything, mock.Anything).Return(nil)
	notifications.On("Create", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.RecordMissedCall(context.Background(), "u1", "u2", "s1"))
	require.NoError(t, svc.RecordMissedCall(context.Background(), "u1", "u2", "s2"))

	messages.AssertNumberOfCalls(t, "Save", 2)
}

func TestRecordMissedCall_MessageFailureReleasesClaim(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	dedup := new(MockDeduper)
	svc := NewService(messages, notifications, dedup, nil, nil)

	key := MissedCallKey("s1", "u2")
	dedup.On("Claim", mock.Anything, key, constants.MissedCallDedupTTL).Return(true, nil)
	dedup.On("Release", mock.Anything, key).Return(nil).Once()
	messages.On("Save", mock.Anything, mock.Anything).Return(errors.New("cassandra down"))

	err := svc.RecordMissedCall(context.Background(), "u1", "u2", "s1")

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStore))
	notifications.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	dedup.AssertExpectations(t)
}

func TestRecordMissedCall_NotificationFailureReturnsStoreError(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	svc := NewService(messages, notifications, nil, nil, nil)

	messages.On("Save", mock.Anything, mock.Anything).Return(nil)
	notifications.On("Create", mock.Anything, mock.Anything).Return(errors.New("cockroach down"))

	err := svc.RecordMissedCall(context.Background(), "u1", "u2", "s1")

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStore))
}

func TestRecordMissedCall_DedupErrorFailsOpen(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	dedup := new(MockDeduper)
	svc := NewService(messages, notifications, dedup, nil, nil)

	dedup.On("Claim", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("timeout"))
	messages.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	notifications.On("Create", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, svc.RecordMissedCall(context.Background(), "u1", "u2", "s1"))
	messages.AssertExpectations(t)
}

func TestRecordMissedCall_NameLookupFailureUsesID(t *testing.T) {
	messages := new(MockMessageStore)
	notifications := new(MockNotificationStore)
	names := new(MockNameResolver)
	svc := NewService(messages, notifications, nil, names, nil)

	messages.On("Save", mock.Anything, mock.Anything).Return(nil)
	names.On("DisplayName", mock.Anything, "u1").Return("", errors.New("no row"))
	notifications.On("Create", mock.Anything, mock.MatchedBy(func(n *domain.Notification) bool {
		return n.Message == "You missed a call from u1"
	})).Return(nil).Once()

	require.NoError(t, svc.RecordMissedCall(context.Background(), "u1", "u2", "s1"))
	notifications.AssertExpectations(t)
}

func TestRecordMissedCall_RequiresParties(t *testing.T) {
	svc := NewService(new(MockMessageStore), new(MockNotificationStore), nil, nil, nil)

	err := svc.RecordMissedCall(context.Background(), "", "u2", "s1")

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}
