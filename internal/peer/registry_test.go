package peer_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamcall-backend/internal/peer"
	"teamcall-backend/internal/peer/peertest"
	"teamcall-backend/internal/signaling"
	apperrors "teamcall-backend/pkg/errors"
)

type sent struct {
	to      string
	payload signaling.Payload
}

type recordingSender struct {
	id  string
	mu  sync.Mutex
	out []sent
}

func (s *recordingSender) LocalID() string { return s.id }

func (s *recordingSender) Send(ctx context.Context, recipientID string, p signaling.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{to: recipientID, payload: p})
	return nil
}

func (s *recordingSender) ofType(t signaling.Type) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []sent
	for _, m := range s.out {
		if m.payload.SignalType() == t {
			res = append(res, m)
		}
	}
	return res
}

type recordingListener struct {
	mu      sync.Mutex
	failed  []string
	streams []map[string]*peer.RemoteStream
}

func (l *recordingListener) PeerFailed(peerID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, peerID)
}

func (l *recordingListener) StreamsChanged(streams map[string]*peer.RemoteStream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams = append(l.streams, streams)
}

func newRegistry(localID string) (*peer.Registry, *recordingSender, *peertest.Factory, *recordingListener) {
	sender := &recordingSender{id: localID}
	factory := peertest.NewFactory()
	listener := &recordingListener{}
	r := peer.NewRegistry(sender, factory.New, nil)
	r.SetListener(listener)
	return r, sender, factory, listener
}

func remoteOffer() signaling.Offer {
	return signaling.Offer{SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}}
}

func remoteAnswer() signaling.Answer {
	return signaling.Answer{SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}}
}

func TestCreateConnection_IsIdempotent(t *testing.T) {
	r, _, factory, _ := newRegistry("u1")

	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.CreateConnection("u2"))

	assert.Equal(t, 1, factory.Count("u2"))
	assert.True(t, r.Has("u2"))
	assert.Equal(t, []string{"u2"}, r.Peers())
}

func TestCreateConnection_RejectsSelf(t *testing.T) {
	r, _, _, _ := newRegistry("u1")

	err := r.CreateConnection("u1")

	assert.Error(t, err)
	assert.False(t, r.Has("u1"))
}

func TestCreateConnection_FactoryFailure(t *testing.T) {
	r, _, factory, _ := newRegistry("u1")
	factory.FailFor("u2", errors.New("boom"))

	err := r.CreateConnection("u2")

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))
	assert.False(t, r.Has("u2"))
}

func TestOffer_SendsOfferWithSession(t *testing.T) {
	r, sender, _, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))

	require.NoError(t, r.Offer(context.Background(), "u2", "s1"))

	offers := sender.ofType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "u2", offers[0].to)
	assert.Equal(t, "s1", offers[0].payload.(signaling.Offer).SessionID)
}

func TestOffer_FailureClosesOnlyThatPeer(t *testing.T) {
	r, _, factory, listener := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.CreateConnection("u3"))
	factory.Last("u2").FailOffer(errors.New("bad sdp"))

	err := r.Offer(context.Background(), "u2", "s1")

	require.Error(t, err)
	assert.False(t, r.Has("u2"))
	assert.True(t, r.Has("u3"))
	assert.True(t, factory.Last("u2").Closed())
	assert.Equal(t, []string{"u2"}, listener.failed)
}

func TestCandidates_QueuedUntilRemoteDescription(t *testing.T) {
	r, _, factory, _ := newRegistry("u1")

	// Arrives before the connection exists
	r.AddCandidate("u2", webrtc.ICECandidateInit{Candidate: "c1"})
	require.NoError(t, r.CreateConnection("u2"))
	// Arrives before the remote description
	r.AddCandidate("u2", webrtc.ICECandidateInit{Candidate: "c2"})
	assert.Empty(t, factory.Last("u2").Candidates())

	require.NoError(t, r.HandleOffer(context.Background(), "u2", remoteOffer()))

	got := factory.Last("u2").Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].Candidate)
	assert.Equal(t, "c2", got[1].Candidate)

	r.AddCandidate("u2", webrtc.ICECandidateInit{Candidate: "c3"})
	assert.Len(t, factory.Last("u2").Candidates(), 3)
}

func TestCandidates_ApplyFailureIsNotFatal(t *testing.T) {
	r, _, factory, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.HandleOffer(context.Background(), "u2", remoteOffer()))
	factory.Last("u2").FailCandidates(errors.New("bad candidate"))

	r.AddCandidate("u2", webrtc.ICECandidateInit{Candidate: "junk"})

	assert.True(t, r.Has("u2"))
}

func TestHandleOffer_AnswersOnExistingConnection(t *testing.T) {
	r, sender, factory, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))

	require.NoError(t, r.HandleOffer(context.Background(), "u2", remoteOffer()))
	require.NoError(t, r.HandleOffer(context.Background(), "u2", remoteOffer()))

	assert.Equal(t, 1, factory.Count("u2"))
	assert.Equal(t, 2, factory.Last("u2").Answers())
	assert.Len(t, sender.ofType(signaling.TypeAnswer), 2)
}

func TestHandleOffer_UnknownPeer(t *testing.T) {
	r, _, _, _ := newRegistry("u1")

	err := r.HandleOffer(context.Background(), "u9", remoteOffer())

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePeerNotFound))
}

func TestHandleAnswer_DuplicateIsIgnored(t *testing.T) {
	r, _, _, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.Offer(context.Background(), "u2", "s1"))

	require.NoError(t, r.HandleAnswer(context.Background(), "u2", remoteAnswer()))
	require.NoError(t, r.HandleAnswer(context.Background(), "u2", remoteAnswer()))

	assert.True(t, r.Has("u2"))
}

func TestGlare_PolitePeerMovesToFreshConnection(t *testing.T) {
	// "u2" > "u1", so u2 is polite towards u1
	r, sender, factory, listener := newRegistry("u2")
	ctx := context.Background()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	require.NoError(t, r.SetOutbound(ctx, peer.KindAudio, audio))
	require.NoError(t, r.CreateConnection("u1"))
	require.NoError(t, r.Offer(ctx, "u1", "s1"))
	r.AddCandidate("u1", webrtc.ICECandidateInit{Candidate: "candidate:1"})

	require.NoError(t, r.HandleOffer(ctx, "u1", remoteOffer()))

	all := factory.All("u1")
	require.Len(t, all, 2)
	assert.True(t, all[0].Closed())
	fresh := all[1]
	assert.False(t, fresh.Closed())
	assert.Equal(t, 1, fresh.Answers())
	assert.Equal(t, audio, fresh.Track(peer.KindAudio))
	assert.Len(t, fresh.Candidates(), 1)

	assert.True(t, r.Has("u1"))
	assert.Empty(t, listener.failed)
	assert.Len(t, sender.ofType(signaling.TypeAnswer), 1)
	// Re-offers on the fresh connection after answering
	assert.Len(t, sender.ofType(signaling.TypeOffer), 2)
	assert.Equal(t, 1, fresh.Offers())
}

func TestGlare_RenegotiationCarriesAppliedCandidates(t *testing.T) {
	r, _, factory, listener := newRegistry("u2")
	ctx := context.Background()
	require.NoError(t, r.CreateConnection("u1"))
	require.NoError(t, r.HandleOffer(ctx, "u1", remoteOffer()))
	r.AddCandidate("u1", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	factory.Last("u1").EmitTrack("a1", peer.KindAudio)
	require.Len(t, r.RemoteStreams(), 1)

	require.NoError(t, r.RenegotiateAll(ctx))
	require.NoError(t, r.HandleOffer(ctx, "u1", remoteOffer()))

	require.Equal(t, 2, factory.Count("u1"))
	assert.Equal(t, []webrtc.ICECandidateInit{{Candidate: "candidate:1"}}, factory.Last("u1").Candidates())
	assert.Empty(t, r.RemoteStreams())
	assert.Empty(t, listener.failed)
}

func TestGlare_ImpolitePeerIgnoresOffer(t *testing.T) {
	r, sender, factory, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.Offer(context.Background(), "u2", "s1"))

	require.NoError(t, r.HandleOffer(context.Background(), "u2", remoteOffer()))

	assert.Equal(t, 1, factory.Count("u2"))
	assert.Empty(t, sender.ofType(signaling.TypeAnswer))
	assert.True(t, factory.Last("u2").HasLocalOffer())
}

func TestSetOutbound_FirstAddRenegotiatesReplaceDoesNot(t *testing.T) {
	r, sender, factory, _ := newRegistry("u1")
	ctx := context.Background()
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.Offer(ctx, "u2", "s1"))
	require.NoError(t, r.HandleAnswer(ctx, "u2", remoteAnswer()))

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	camera, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera", "local")
	require.NoError(t, err)
	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "local")
	require.NoError(t, err)

	require.NoError(t, r.SetOutbound(ctx, peer.KindAudio, audio))
	assert.Len(t, sender.ofType(signaling.TypeOffer), 2)
	require.NoError(t, r.HandleAnswer(ctx, "u2", remoteAnswer()))

	require.NoError(t, r.SetOutbound(ctx, peer.KindVideo, camera))
	assert.Len(t, sender.ofType(signaling.TypeOffer), 3)
	require.NoError(t, r.HandleAnswer(ctx, "u2", remoteAnswer()))

	// Swap and clear reuse the sender
	require.NoError(t, r.SetOutbound(ctx, peer.KindVideo, screen))
	require.NoError(t, r.SetOutbound(ctx, peer.KindVideo, nil))
	assert.Len(t, sender.ofType(signaling.TypeOffer), 3)
	assert.Nil(t, factory.Last("u2").Track(peer.KindVideo))
	assert.True(t, factory.Last("u2").HasSender(peer.KindVideo))
	assert.Equal(t, audio, factory.Last("u2").Track(peer.KindAudio))
}

func TestSetOutbound_DuringPendingOfferReoffersAfterAnswer(t *testing.T) {
	r, sender, _, _ := newRegistry("u1")
	ctx := context.Background()
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.Offer(ctx, "u2", "s1"))

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	require.NoError(t, r.SetOutbound(ctx, peer.KindAudio, audio))
	assert.Len(t, sender.ofType(signaling.TypeOffer), 1)

	require.NoError(t, r.HandleAnswer(ctx, "u2", remoteAnswer()))
	assert.Len(t, sender.ofType(signaling.TypeOffer), 2)
}

func TestCreateConnection_InstallsCurrentOutbound(t *testing.T) {
	r, _, factory, _ := newRegistry("u1")
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	require.NoError(t, r.SetOutbound(context.Background(), peer.KindAudio, audio))

	require.NoError(t, r.CreateConnection("u2"))

	assert.Equal(t, audio, factory.Last("u2").Track(peer.KindAudio))
}

func TestRemoteStreams_RebuiltOnEveryTrack(t *testing.T) {
	r, _, factory, listener := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))
	neg := factory.Last("u2")

	neg.EmitTrack("a", peer.KindAudio)
	first := r.RemoteStreams()["u2"]
	require.NotNil(t, first)
	require.Len(t, first.Tracks, 1)

	neg.EmitTrack("v", peer.KindVideo)
	second := r.RemoteStreams()["u2"]

	assert.NotSame(t, first, second)
	assert.Len(t, first.Tracks, 1)
	assert.Len(t, second.Tracks, 2)
	assert.Len(t, listener.streams, 2)

	r.CloseConnection("u2")
	assert.Empty(t, r.RemoteStreams())
	assert.Len(t, listener.streams, 3)
}

func TestCandidateHandler_SendsCandidate(t *testing.T) {
	r, sender, factory, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))

	factory.Last("u2").EmitCandidate("candidate:1 1 udp 1 127.0.0.1 5000 typ host")

	cands := sender.ofType(signaling.TypeCandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, "u2", cands[0].to)
}

func TestCloseAll(t *testing.T) {
	r, _, factory, _ := newRegistry("u1")
	require.NoError(t, r.CreateConnection("u2"))
	require.NoError(t, r.CreateConnection("u3"))

	r.CloseAll()

	assert.Empty(t, r.Peers())
	assert.True(t, factory.Last("u2").Closed())
	assert.True(t, factory.Last("u3").Closed())
}
