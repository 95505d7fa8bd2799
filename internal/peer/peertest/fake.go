// Package peertest provides an in-memory Negotiator for tests
package peertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"teamcall-backend/internal/peer"
)

// Negotiator is a fake peer.Negotiator that tracks signaling state and
// sender slots without any media
type Negotiator struct {
	PeerID   string
	Handlers peer.Handlers

	mu          sync.Mutex
	offers      int
	answers     int
	localOffer  bool
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	senders     map[peer.Kind]webrtc.TrackLocal
	senderSet   map[peer.Kind]bool
	closed      bool
	failOffer   error
	failAnswer  error
	failAccept  error
	failCandErr error
}

// Offer returns a synthetic offer and marks a local offer outstanding
func (n *Negotiator) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOffer != nil {
		return webrtc.SessionDescription{}, n.failOffer
	}
	n.offers++
	n.localOffer = true
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\ns=offer-%d senders=%s\r\n", n.offers, n.sendersLocked()),
	}, nil
}

// Answer records the remote offer and returns a synthetic answer
func (n *Negotiator) Answer(ctx context.Context, remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAnswer != nil {
		return webrtc.SessionDescription{}, n.failAnswer
	}
	if n.localOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("offer received in have-local-offer")
	}
	n.answers++
	n.remote = &remote
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\ns=answer-%d\r\n", n.answers),
	}, nil
}

// Accept applies a remote answer
func (n *Negotiator) Accept(remote webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAccept != nil {
		return n.failAccept
	}
	if !n.localOffer {
		return fmt.Errorf("answer without local offer")
	}
	n.localOffer = false
	n.remote = &remote
	return nil
}

// AddCandidate records c
func (n *Negotiator) AddCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remote == nil {
		return fmt.Errorf("no remote description")
	}
	if n.failCandErr != nil {
		return n.failCandErr
	}
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *Negotiator) HasRemoteDescription() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote != nil
}

func (n *Negotiator) HasLocalOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localOffer
}

// SetTrack mimics sender semantics: the first non-nil track adds a sender
func (n *Negotiator) SetTrack(kind peer.Kind, track webrtc.TrackLocal) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.senderSet[kind] {
		n.senders[kind] = track
		return false, nil
	}
	if track == nil {
		return false, nil
	}
	n.senderSet[kind] = true
	n.senders[kind] = track
	return true, nil
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

// Track returns the track currently on kind's sender
func (n *Negotiator) Track(kind peer.Kind) webrtc.TrackLocal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senders[kind]
}

// HasSender reports whether a sender exists for kind
func (n *Negotiator) HasSender(kind peer.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senderSet[kind]
}

// Offers returns how many offers were created
func (n *Negotiator) Offers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers
}

// Answers returns how many answers were created
func (n *Negotiator) Answers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.answers
}

// Candidates returns the applied candidates
func (n *Negotiator) Candidates() []webrtc.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), n.candidates...)
}

// Closed reports whether Close was called
func (n *Negotiator) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// FailOffer makes subsequent Offer calls return err
func (n *Negotiator) FailOffer(err error) {
	n.mu.Lock()
	n.failOffer = err
	n.mu.Unlock()
}

// FailAnswer makes subsequent Answer calls return err
func (n *Negotiator) FailAnswer(err error) {
	n.mu.Lock()
	n.failAnswer = err
	n.mu.Unlock()
}

// FailAccept makes subsequent Accept calls return err
func (n *Negotiator) FailAccept(err error) {
	n.mu.Lock()
	n.failAccept = err
	n.mu.Unlock()
}

// FailCandidates makes subsequent AddCandidate calls return err
func (n *Negotiator) FailCandidates(err error) {
	n.mu.Lock()
	n.failCandErr = err
	n.mu.Unlock()
}

// EmitTrack simulates an inbound track
func (n *Negotiator) EmitTrack(id string, kind peer.Kind) {
	if n.Handlers.OnTrack != nil {
		n.Handlers.OnTrack(peer.RemoteTrack{ID: id, StreamID: n.PeerID, Kind: kind})
	}
}

// EmitCandidate simulates local ICE gathering
func (n *Negotiator) EmitCandidate(candidate string) {
	if n.Handlers.OnCandidate != nil {
		n.Handlers.OnCandidate(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitState simulates a connection state change
func (n *Negotiator) EmitState(s peer.State) {
	if n.Handlers.OnStateChange != nil {
		n.Handlers.OnStateChange(s)
	}
}

func (n *Negotiator) sendersLocked() string {
	kinds := make([]string, 0, len(n.senderSet))
	for k := range n.senderSet {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return fmt.Sprint(kinds)
}

// Factory creates fake negotiators and remembers them by peer id
type Factory struct {
	mu      sync.Mutex
	created map[string][]*Negotiator
	failFor map[string]error
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{
		created: make(map[string][]*Negotiator),
		failFor: make(map[string]error),
	}
}

// New implements peer.Factory
func (f *Factory) New(peerID string, h peer.Handlers) (peer.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[peerID]; err != nil {
		return nil, err
	}
	n := &Negotiator{
		PeerID:    peerID,
		Handlers:  h,
		senders:   make(map[peer.Kind]webrtc.TrackLocal),
		senderSet: make(map[peer.Kind]bool),
	}
	f.created[peerID] = append(f.created[peerID], n)
	return n, nil
}

// FailFor makes creation for peerID fail with err
func (f *Factory) FailFor(peerID string, err error) {
	f.mu.Lock()
	f.failFor[peerID] = err
	f.mu.Unlock()
}

// All returns every negotiator created for peerID, oldest first
func (f *Factory) All(peerID string) []*Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Negotiator(nil), f.created[peerID]...)
}

// Last returns the most recent negotiator created for peerID
func (f *Factory) Last(peerID string) *Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[peerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Count returns how many negotiators were created for peerID
func (f *Factory) Count(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[peerID])
}
