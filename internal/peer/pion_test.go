package peer

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcall-backend/internal/signaling"
)

func TestPionNegotiator_OfferAnswer(t *testing.T) {
	factory, err := NewPionFactory(PionConfig{})
	require.NoError(t, err)

	caller, err := factory("u2", Handlers{})
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory("u1", Handlers{})
	require.NoError(t, err)
	defer callee.Close()

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "u1")
	require.NoError(t, err)
	added, err := caller.SetTrack(KindAudio, audio)
	require.NoError(t, err)
	assert.True(t, added)

	ctx := context.Background()
	offer, err := caller.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, caller.HasLocalOffer())

	answer, err := callee.Answer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.True(t, callee.HasRemoteDescription())

	require.NoError(t, caller.Accept(answer))
	assert.False(t, caller.HasLocalOffer())
	assert.True(t, caller.HasRemoteDescription())
}

func TestPionNegotiator_ReplaceDoesNotAddSender(t *testing.T) {
	factory, err := NewPionFactory(PionConfig{})
	require.NoError(t, err)
	n, err := factory("u2", Handlers{})
	require.NoError(t, err)
	defer n.Close()

	added, err := n.SetTrack(KindVideo, nil)
	require.NoError(t, err)
	assert.False(t, added)

	camera, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera", "u1")
	require.NoError(t, err)
	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "u1")
	require.NoError(t, err)

	added, err = n.SetTrack(KindVideo, camera)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = n.SetTrack(KindVideo, screen)
	require.NoError(t, err)
	assert.False(t, added)

	added, err = n.SetTrack(KindVideo, nil)
	require.NoError(t, err)
	assert.False(t, added)
}

type capturingSender struct {
	id  string
	mu  sync.Mutex
	out []signaling.Payload
}

func (s *capturingSender) LocalID() string { return s.id }

func (s *capturingSender) Send(ctx context.Context, recipientID string, p signaling.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, p)
	return nil
}

func (s *capturingSender) all(t signaling.Type) []signaling.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []signaling.Payload
	for _, p := range s.out {
		if p.SignalType() == t {
			res = append(res, p)
		}
	}
	return res
}

type failureLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *failureLog) PeerFailed(peerID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, peerID)
}

func (l *failureLog) StreamsChanged(map[string]*RemoteStream) {}

func (l *failureLog) failed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func TestPionRegistry_CrossingOffersKeepPeer(t *testing.T) {
	factory, err := NewPionFactory(PionConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	u1Out, u2Out := &capturingSender{id: "u1"}, &capturingSender{id: "u2"}
	u1, u2 := NewRegistry(u1Out, factory, nil), NewRegistry(u2Out, factory, nil)
	u1Failures, u2Failures := &failureLog{}, &failureLog{}
	u1.SetListener(u1Failures)
	u2.SetListener(u2Failures)
	defer u1.CloseAll()
	defer u2.CloseAll()

	for _, side := range []struct {
		r  *Registry
		id string
	}{{u1, "u1"}, {u2, "u2"}} {
		audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", side.id)
		require.NoError(t, err)
		require.NoError(t, side.r.SetOutbound(ctx, KindAudio, audio))
	}

	require.NoError(t, u1.CreateConnection("u2"))
	require.NoError(t, u2.CreateConnection("u1"))
	require.NoError(t, u1.Offer(ctx, "u2", "s1"))
	require.NoError(t, u2.Offer(ctx, "u1", "s2"))
	fromU1 := u1Out.all(signaling.TypeOffer)[0].(signaling.Offer)
	fromU2 := u2Out.all(signaling.TypeOffer)[0].(signaling.Offer)

	// u1 < u2: u1 keeps its offer, u2 yields
	require.NoError(t, u1.HandleOffer(ctx, "u2", fromU2))
	require.NoError(t, u2.HandleOffer(ctx, "u1", fromU1))

	assert.True(t, u2.Has("u1"))
	assert.Empty(t, u2Failures.failed())
	answers := u2Out.all(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Empty(t, u1Out.all(signaling.TypeAnswer))

	require.NoError(t, u1.HandleAnswer(ctx, "u2", answers[0].(signaling.Answer)))
	assert.True(t, u1.Has("u2"))
	assert.Empty(t, u1Failures.failed())

	// u2 re-offers on its fresh connection, and u1 answers it
	offers := u2Out.all(signaling.TypeOffer)
	require.Len(t, offers, 2)
	require.NoError(t, u1.HandleOffer(ctx, "u2", offers[1].(signaling.Offer)))
	require.Len(t, u1Out.all(signaling.TypeAnswer), 1)
	require.NoError(t, u2.HandleAnswer(ctx, "u1", u1Out.all(signaling.TypeAnswer)[0].(signaling.Answer)))
	assert.Empty(t, u1Failures.failed())
	assert.Empty(t, u2Failures.failed())
}
