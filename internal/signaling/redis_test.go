package signaling

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcall-backend/internal/database"
	apperrors "teamcall-backend/pkg/errors"
)

func newRedisClient(t *testing.T) *database.RedisClient {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := database.NewRedisDB(&database.RedisConfig{
		Host:     mr.Host(),
		Port:     port,
		PoolSize: 4,
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	require.False(t, client.IsDegraded())
	t.Cleanup(func() { client.Close() })
	return client
}

func newRedisTransport(t *testing.T, client *database.RedisClient, id string) *RedisTransport {
	t.Helper()
	tr, err := NewRedisTransport(context.Background(), client, id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func assertClosed(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected the subscription to be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}
}

func TestRedisTransport_DirectedDelivery(t *testing.T) {
	client := newRedisClient(t)
	u1 := newRedisTransport(t, client, "u1")
	u2 := newRedisTransport(t, client, "u2")
	u3 := newRedisTransport(t, client, "u3")

	in2, cancel2 := u2.Subscribe()
	defer cancel2()
	in3, cancel3 := u3.Subscribe()
	defer cancel3()

	require.NoError(t, u1.Send(context.Background(), "u2", ChatMessage{Text: "hi"}))

	got := receive(t, in2)
	assert.Equal(t, TypeChatMessage, got.Type)
	assert.Equal(t, "u1", got.SenderID)
	assert.Equal(t, "u2", got.RecipientID)
	p, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, ChatMessage{Text: "hi"}, p)
	assertSilent(t, in3)
}

func TestRedisTransport_BroadcastSkipsSender(t *testing.T) {
	client := newRedisClient(t)
	u1 := newRedisTransport(t, client, "u1")
	u2 := newRedisTransport(t, client, "u2")
	u3 := newRedisTransport(t, client, "u3")

	in1, cancel1 := u1.Subscribe()
	defer cancel1()
	in2, cancel2 := u2.Subscribe()
	defer cancel2()
	in3, cancel3 := u3.Subscribe()
	defer cancel3()

	require.NoError(t, u1.Send(context.Background(), "", UserOnline{Name: "Ada"}))

	assert.Equal(t, TypeUserOnline, receive(t, in2).Type)
	assert.Equal(t, TypeUserOnline, receive(t, in3).Type)
	assertSilent(t, in1)
}

func TestRedisTransport_CloseEndsSubscriptions(t *testing.T) {
	client := newRedisClient(t)
	u1 := newRedisTransport(t, client, "u1")
	in, cancel := u1.Subscribe()
	defer cancel()

	require.NoError(t, u1.Close())

	assertClosed(t, in)
	err := u1.Send(context.Background(), "u2", ChatMessage{Text: "late"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotSubscribed))
}

func TestRedisTransport_LostSubscriptionEndsSubscriptions(t *testing.T) {
	client := newRedisClient(t)
	u1 := newRedisTransport(t, client, "u1")
	in, cancel := u1.Subscribe()
	defer cancel()

	// The pub/sub connection going away without Close
	require.NoError(t, u1.pubsub.Close())

	assertClosed(t, in)
	require.Eventually(t, func() bool {
		err := u1.Send(context.Background(), "u2", ChatMessage{Text: "late"})
		return apperrors.HasCode(err, apperrors.ErrCodeNotSubscribed)
	}, time.Second, 10*time.Millisecond)
}

func TestRedisTransport_RequiresLocalID(t *testing.T) {
	client := newRedisClient(t)

	_, err := NewRedisTransport(context.Background(), client, "", nil)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))
}
