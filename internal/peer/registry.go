package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"teamcall-backend/internal/signaling"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// maxEarlyCandidates bounds candidates held for a peer with no connection yet
const maxEarlyCandidates = 64

// Sender publishes signals to a peer
type Sender interface {
	LocalID() string
	Send(ctx context.Context, recipientID string, p signaling.Payload) error
}

// Listener is told about failures and projection changes. Calls are made
// without registry locks held.
type Listener interface {
	PeerFailed(peerID string, err error)
	StreamsChanged(streams map[string]*RemoteStream)
}

// RemoteStream is the inbound media of one peer. A new value is built for
// every change; a published *RemoteStream is never modified.
type RemoteStream struct {
	PeerID string
	Tracks []RemoteTrack
}

type entry struct {
	mu         sync.Mutex
	neg        Negotiator
	pending    []webrtc.ICECandidateInit
	applied    []webrtc.ICECandidateInit
	sessionID  string
	negotiated bool
	reoffer    bool
	closed     bool
}

// Registry maps peer id to its negotiator and keeps the remote stream
// projection. At most one connection exists per peer id.
type Registry struct {
	localID string
	sender  Sender
	factory Factory
	metrics *metrics.Metrics

	mu       sync.RWMutex
	entries  map[string]*entry
	streams  map[string]*RemoteStream
	early    map[string][]webrtc.ICECandidateInit
	listener Listener

	outMu    sync.Mutex
	outbound map[Kind]webrtc.TrackLocal
}

// NewRegistry creates an empty registry
func NewRegistry(sender Sender, factory Factory, m *metrics.Metrics) *Registry {
	return &Registry{
		localID:  sender.LocalID(),
		sender:   sender,
		factory:  factory,
		metrics:  m,
		entries:  make(map[string]*entry),
		streams:  make(map[string]*RemoteStream),
		early:    make(map[string][]webrtc.ICECandidateInit),
		outbound: make(map[Kind]webrtc.TrackLocal),
	}
}

// SetListener installs l as the registry listener
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// CreateConnection allocates a negotiator for peerID with the current
// outbound tracks installed. It is a no-op when one already exists.
func (r *Registry) CreateConnection(peerID string) error {
	if peerID == "" || peerID == r.localID {
		return apperrors.InvalidInputError(fmt.Sprintf("cannot connect to %q", peerID))
	}

	r.mu.Lock()
	if _, ok := r.entries[peerID]; ok {
		r.mu.Unlock()
		return nil
	}
	e := &entry{pending: r.early[peerID]}
	delete(r.early, peerID)
	r.entries[peerID] = e
	e.mu.Lock()
	count := len(r.entries)
	r.mu.Unlock()
	defer e.mu.Unlock()

	neg, err := r.factory(peerID, r.handlers(peerID, e))
	if err != nil {
		e.closed = true
		r.mu.Lock()
		if r.entries[peerID] == e {
			delete(r.entries, peerID)
		}
		r.mu.Unlock()
		r.metrics.RecordNegotiationFailure("create")
		return apperrors.NegotiationError(peerID, err)
	}
	e.neg = neg

	for kind, track := range r.outboundSnapshot() {
		if _, err := neg.SetTrack(kind, track); err != nil {
			logger.Warn("Failed to install outbound track",
				zap.String("peer_id", peerID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}

	r.metrics.SetPeerConnections(count)
	logger.Debug("Peer connection created", zap.String("peer_id", peerID))
	return nil
}

// CloseConnection releases peerID's connection and its projection entry
func (r *Registry) CloseConnection(peerID string) {
	r.mu.Lock()
	e := r.entries[peerID]
	r.mu.Unlock()
	r.closeEntry(peerID, e)
}

// CloseAll releases every connection
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	hadStreams := len(r.streams) > 0
	r.entries = make(map[string]*entry)
	r.streams = make(map[string]*RemoteStream)
	r.early = make(map[string][]webrtc.ICECandidateInit)
	listener := r.listener
	r.mu.Unlock()

	for peerID, e := range entries {
		r.closeNegotiator(peerID, e)
	}
	r.metrics.SetPeerConnections(0)
	if hadStreams && listener != nil {
		listener.StreamsChanged(map[string]*RemoteStream{})
	}
}

// Offer sends a fresh offer to peerID
func (r *Registry) Offer(ctx context.Context, peerID, sessionID string) error {
	e := r.get(peerID)
	if e == nil {
		return apperrors.PeerNotFoundError(peerID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.PeerNotFoundError(peerID)
	}
	if sessionID != "" {
		e.sessionID = sessionID
	}
	sessionID = e.sessionID
	desc, err := e.neg.Offer(ctx)
	e.mu.Unlock()

	if err != nil {
		return r.fail(peerID, e, "offer", err)
	}
	return r.sender.Send(ctx, peerID, signaling.Offer{SDP: desc, SessionID: sessionID})
}

// HandleOffer answers a remote offer on the existing connection. On an offer
// collision the peer with the greater id abandons its own offer by moving to
// a fresh connection, answers on it and re-offers afterwards; the other side
// ignores the remote offer.
func (r *Registry) HandleOffer(ctx context.Context, peerID string, offer signaling.Offer) error {
	e := r.get(peerID)
	if e == nil {
		return apperrors.PeerNotFoundError(peerID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.PeerNotFoundError(peerID)
	}
	if offer.SessionID != "" {
		e.sessionID = offer.SessionID
	}
	reset := false
	if e.neg.HasLocalOffer() {
		if !r.polite(peerID) {
			e.mu.Unlock()
			logger.Debug("Ignoring colliding offer", zap.String("peer_id", peerID))
			return nil
		}
		if err := r.resetLocked(peerID, e); err != nil {
			e.mu.Unlock()
			return r.fail(peerID, e, "reset", err)
		}
		reset = true
		e.reoffer = true
	}

	answer, err := e.neg.Answer(ctx, offer.SDP)
	if err == nil {
		e.negotiated = true
		r.flushLocked(peerID, e)
	}
	reoffer := e.reoffer
	e.reoffer = false
	e.mu.Unlock()

	if reset {
		r.dropStream(peerID, e)
	}
	if err != nil {
		return r.fail(peerID, e, "answer", err)
	}
	if err := r.sender.Send(ctx, peerID, signaling.Answer{SDP: answer}); err != nil {
		return err
	}
	if reoffer {
		r.metrics.RecordRenegotiation()
		return r.Offer(ctx, peerID, "")
	}
	return nil
}

// HandleAnswer applies a remote answer. An answer with no outstanding local
// offer is a duplicate and is ignored.
func (r *Registry) HandleAnswer(ctx context.Context, peerID string, answer signaling.Answer) error {
	e := r.get(peerID)
	if e == nil {
		return apperrors.PeerNotFoundError(peerID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.PeerNotFoundError(peerID)
	}
	if !e.neg.HasLocalOffer() {
		e.mu.Unlock()
		logger.Debug("Ignoring answer without a pending offer", zap.String("peer_id", peerID))
		return nil
	}
	err := e.neg.Accept(answer.SDP)
	if err == nil {
		e.negotiated = true
		r.flushLocked(peerID, e)
	}
	reoffer := e.reoffer
	e.reoffer = false
	e.mu.Unlock()

	if err != nil {
		return r.fail(peerID, e, "accept", err)
	}
	if reoffer {
		r.metrics.RecordRenegotiation()
		return r.Offer(ctx, peerID, "")
	}
	return nil
}

// AddCandidate applies c, or queues it until a remote description exists.
// Candidates for a peer with no connection are held until one is created.
func (r *Registry) AddCandidate(peerID string, c webrtc.ICECandidateInit) {
	r.mu.Lock()
	e, ok := r.entries[peerID]
	if !ok {
		if len(r.early[peerID]) < maxEarlyCandidates {
			r.early[peerID] = append(r.early[peerID], c)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.neg.HasRemoteDescription() {
		e.pending = append(e.pending, c)
		return
	}
	if err := e.neg.AddCandidate(c); err != nil {
		logger.Warn("Failed to apply ICE candidate",
			zap.String("peer_id", peerID),
			zap.Error(err))
		return
	}
	e.remember(c)
}

// DiscardCandidates drops candidates held for a peer that has no connection
func (r *Registry) DiscardCandidates(peerID string) {
	r.mu.Lock()
	delete(r.early, peerID)
	r.mu.Unlock()
}

// RenegotiateAll sends a fresh offer on every negotiated connection. A
// connection with an offer in flight re-offers once its answer arrives.
func (r *Registry) RenegotiateAll(ctx context.Context) error {
	var errs []error
	for _, peerID := range r.Peers() {
		e := r.get(peerID)
		if e == nil {
			continue
		}
		e.mu.Lock()
		ready := !e.closed && e.negotiated && !e.neg.HasLocalOffer()
		if !ready && !e.closed {
			e.reoffer = true
		}
		e.mu.Unlock()
		if !ready {
			continue
		}

		r.metrics.RecordRenegotiation()
		if err := r.Offer(ctx, peerID, ""); err != nil {
			logger.Warn("Renegotiation failed", zap.String("peer_id", peerID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetOutbound installs track (or clears the slot when nil) on every
// connection. Replacing a track never renegotiates; a sender created for the
// first time on any connection triggers RenegotiateAll.
func (r *Registry) SetOutbound(ctx context.Context, kind Kind, track webrtc.TrackLocal) error {
	r.outMu.Lock()
	if track == nil {
		delete(r.outbound, kind)
	} else {
		r.outbound[kind] = track
	}
	r.outMu.Unlock()

	added := false
	for _, peerID := range r.Peers() {
		e := r.get(peerID)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.closed || e.neg == nil {
			e.mu.Unlock()
			continue
		}
		a, err := e.neg.SetTrack(kind, track)
		e.mu.Unlock()
		if err != nil {
			logger.Warn("Failed to set outbound track",
				zap.String("peer_id", peerID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		added = added || a
	}

	if !added {
		r.metrics.RecordTrackSwap(string(kind))
		return nil
	}
	return r.RenegotiateAll(ctx)
}

// RemoteStreams returns the current projection
func (r *Registry) RemoteStreams() map[string]*RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamsSnapshotLocked()
}

// Has reports whether a connection exists for peerID
func (r *Registry) Has(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[peerID]
	return ok
}

// Peers returns the ids with an open connection, sorted
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) polite(peerID string) bool {
	return r.localID > peerID
}

func (r *Registry) get(peerID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[peerID]
}

func (r *Registry) outboundSnapshot() map[Kind]webrtc.TrackLocal {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	out := make(map[Kind]webrtc.TrackLocal, len(r.outbound))
	for k, v := range r.outbound {
		out[k] = v
	}
	return out
}

func (r *Registry) streamsSnapshotLocked() map[string]*RemoteStream {
	out := make(map[string]*RemoteStream, len(r.streams))
	for id, s := range r.streams {
		out[id] = s
	}
	return out
}

func (r *Registry) flushLocked(peerID string, e *entry) {
	for _, c := range e.pending {
		if err := e.neg.AddCandidate(c); err != nil {
			logger.Warn("Failed to apply queued ICE candidate",
				zap.String("peer_id", peerID),
				zap.Error(err))
			continue
		}
		e.remember(c)
	}
	e.pending = nil
}

// remember keeps an applied remote candidate so a replacement connection can
// apply it again
func (e *entry) remember(c webrtc.ICECandidateInit) {
	if len(e.applied) < maxEarlyCandidates {
		e.applied = append(e.applied, c)
	}
}

// resetLocked replaces e's negotiator with a fresh one carrying the current
// outbound tracks. Remote candidates seen so far are queued for it again.
func (r *Registry) resetLocked(peerID string, e *entry) error {
	neg, err := r.factory(peerID, r.handlers(peerID, e))
	if err != nil {
		return err
	}
	old := e.neg
	e.neg = neg
	e.negotiated = false
	e.pending = append(e.applied, e.pending...)
	e.applied = nil

	for kind, track := range r.outboundSnapshot() {
		if _, err := neg.SetTrack(kind, track); err != nil {
			logger.Warn("Failed to install outbound track",
				zap.String("peer_id", peerID),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}
	if err := old.Close(); err != nil {
		logger.Debug("Error closing abandoned peer connection", zap.String("peer_id", peerID), zap.Error(err))
	}
	logger.Debug("Peer connection reset after offer collision", zap.String("peer_id", peerID))
	return nil
}

// dropStream removes peerID's projection entry while keeping its connection
func (r *Registry) dropStream(peerID string, e *entry) {
	r.mu.Lock()
	_, had := r.streams[peerID]
	if !had || r.entries[peerID] != e {
		r.mu.Unlock()
		return
	}
	delete(r.streams, peerID)
	snapshot := r.streamsSnapshotLocked()
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.StreamsChanged(snapshot)
	}
}

// fail closes one peer after a negotiation error and reports it
func (r *Registry) fail(peerID string, e *entry, stage string, cause error) error {
	err := apperrors.NegotiationError(peerID, cause)
	r.metrics.RecordNegotiationFailure(stage)
	logger.Warn("Peer negotiation failed",
		zap.String("peer_id", peerID),
		zap.String("stage", stage),
		zap.Error(cause))

	if r.closeEntry(peerID, e) {
		r.mu.RLock()
		listener := r.listener
		r.mu.RUnlock()
		if listener != nil {
			listener.PeerFailed(peerID, err)
		}
	}
	return err
}

// closeEntry removes e if it is still the entry for peerID
func (r *Registry) closeEntry(peerID string, e *entry) bool {
	if e == nil {
		r.DiscardCandidates(peerID)
		return false
	}

	r.mu.Lock()
	if r.entries[peerID] != e {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, peerID)
	delete(r.early, peerID)
	_, hadStream := r.streams[peerID]
	delete(r.streams, peerID)
	count := len(r.entries)
	snapshot := r.streamsSnapshotLocked()
	listener := r.listener
	r.mu.Unlock()

	r.closeNegotiator(peerID, e)
	r.metrics.SetPeerConnections(count)
	if hadStream && listener != nil {
		listener.StreamsChanged(snapshot)
	}
	return true
}

func (r *Registry) closeNegotiator(peerID string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.pending = nil
	e.applied = nil
	if e.neg == nil {
		return
	}
	if err := e.neg.Close(); err != nil {
		logger.Debug("Error closing peer connection", zap.String("peer_id", peerID), zap.Error(err))
	}
	logger.Debug("Peer connection closed", zap.String("peer_id", peerID))
}

func (r *Registry) handlers(peerID string, e *entry) Handlers {
	return Handlers{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteWait)
			defer cancel()
			if err := r.sender.Send(ctx, peerID, signaling.Candidate{Candidate: c}); err != nil {
				logger.Debug("Failed to send ICE candidate", zap.String("peer_id", peerID), zap.Error(err))
			}
		},
		OnTrack: func(t RemoteTrack) {
			r.addRemoteTrack(peerID, e, t)
		},
		OnStateChange: func(s State) {
			logger.Debug("Peer connection state changed",
				zap.String("peer_id", peerID),
				zap.String("state", string(s)))
			if s == StateFailed {
				go r.fail(peerID, e, "ice", fmt.Errorf("connection failed"))
			}
		},
	}
}

func (r *Registry) addRemoteTrack(peerID string, e *entry, t RemoteTrack) {
	r.mu.Lock()
	if r.entries[peerID] != e {
		r.mu.Unlock()
		return
	}
	var tracks []RemoteTrack
	if old, ok := r.streams[peerID]; ok {
		tracks = make([]RemoteTrack, 0, len(old.Tracks)+1)
		for _, existing := range old.Tracks {
			if existing.ID != t.ID {
				tracks = append(tracks, existing)
			}
		}
	}
	tracks = append(tracks, t)
	r.streams[peerID] = &RemoteStream{PeerID: peerID, Tracks: tracks}
	snapshot := r.streamsSnapshotLocked()
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.StreamsChanged(snapshot)
	}
}
