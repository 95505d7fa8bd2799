// Package call is the call session state machine. It decides who to offer
// to, when to persist a missed call, and when to tear connections down.
package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/media"
	"teamcall-backend/internal/peer"
	"teamcall-backend/internal/presence"
	"teamcall-backend/internal/signaling"
	"teamcall-backend/pkg/constants"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// recentSessions is how many ended session ids are remembered so late
// renegotiation offers are not mistaken for new calls
const recentSessions = 16

// MissedCallRecorder persists a missed-call marker for calleeID
type MissedCallRecorder interface {
	RecordMissedCall(ctx context.Context, callerID, calleeID, sessionID string) error
}

// Config tunes the state machine
type Config struct {
	RingTimeout time.Duration
}

type incomingRecord struct {
	call  domain.IncomingCall
	offer signaling.Offer
}

// Service runs one client's call session
type Service struct {
	localID   string
	transport signaling.Transport
	peers     *peer.Registry
	media     *media.Controller
	missed    MissedCallRecorder
	presence  *presence.Tracker
	metrics   *metrics.Metrics
	cfg       Config
	events    *broadcaster

	mu          sync.Mutex
	session     domain.CallSession
	incoming    *incomingRecord
	remoteMedia map[string]domain.RemoteMedia
	ringTimers  map[string]*time.Timer
	ended       []string
	closed      bool

	wg sync.WaitGroup
}

// NewService wires the state machine to its collaborators. missed and
// tracker may be nil.
func NewService(
	transport signaling.Transport,
	peers *peer.Registry,
	ctl *media.Controller,
	missed MissedCallRecorder,
	tracker *presence.Tracker,
	cfg Config,
	m *metrics.Metrics,
) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.DefaultRingTimeout
	}
	s := &Service{
		localID:     transport.LocalID(),
		transport:   transport,
		peers:       peers,
		media:       ctl,
		missed:      missed,
		presence:    tracker,
		metrics:     m,
		cfg:         cfg,
		events:      newBroadcaster(),
		session:     idleSession(),
		remoteMedia: make(map[string]domain.RemoteMedia),
		ringTimers:  make(map[string]*time.Timer),
	}
	peers.SetListener(s)
	ctl.SetListener(s)
	return s
}

// LocalID returns the local user id
func (s *Service) LocalID() string { return s.localID }

// Subscribe returns a channel of session events
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Session returns a snapshot of the current session
func (s *Service) Session() domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.session)
}

// Incoming returns the pending incoming call, if any
func (s *Service) Incoming() *domain.IncomingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incoming == nil {
		return nil
	}
	c := s.incoming.call
	return &c
}

// RemoteMedia returns the inferred media state of every participant
func (s *Service) RemoteMedia() map[string]domain.RemoteMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.RemoteMedia, len(s.remoteMedia))
	for id, m := range s.remoteMedia {
		out[id] = m
	}
	return out
}

// RemoteStreams returns the inbound stream projection
func (s *Service) RemoteStreams() map[string]*peer.RemoteStream {
	return s.peers.RemoteStreams()
}

// LocalMedia returns the local media flags
func (s *Service) LocalMedia() media.State {
	return s.media.State()
}

// StartCall calls a single peer
func (s *Service) StartCall(ctx context.Context, peerID string) error {
	return s.StartGroupCall(ctx, []string{peerID})
}

// StartGroupCall offers to every peer in peerIDs. The session is
// outgoing-ringing until the first answer arrives.
func (s *Service) StartGroupCall(ctx context.Context, peerIDs []string) error {
	targets := s.targets(peerIDs)
	if len(targets) == 0 {
		return apperrors.InvalidInputError("at least one remote peer is required")
	}

	s.mu.Lock()
	if !s.session.IsIdle() || s.incoming != nil {
		status := s.session.Status
		s.mu.Unlock()
		return apperrors.InvalidStateError("start call", string(status))
	}
	sessionID := uuid.NewString()
	s.session = domain.CallSession{
		ID:             sessionID,
		ParticipantIDs: []string{},
		InvitedIDs:     append([]string(nil), targets...),
		Status:         domain.CallStatusOutgoingRinging,
	}
	snapshot := copySession(s.session)
	s.mu.Unlock()

	logger.FromContext(logger.WithSessionID(ctx, sessionID)).Info("Starting call",
		zap.Strings("peers", targets))
	s.metrics.RecordCall("outgoing", "started")
	s.events.emit(Event{Type: EventStateChanged, Session: snapshot})

	s.ensureAudio(ctx)

	var errs []error
	for _, peerID := range targets {
		if err := s.invite(ctx, sessionID, peerID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if s.Session().ID != sessionID {
		return apperrors.CallEndedError()
	}
	return nil
}

// AcceptIncomingCall answers the pending offer
func (s *Service) AcceptIncomingCall(ctx context.Context) error {
	s.mu.Lock()
	if s.incoming == nil {
		s.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	if s.session.Status != domain.CallStatusIncomingRinging {
		status := s.session.Status
		s.mu.Unlock()
		return apperrors.InvalidStateError("accept call", string(status))
	}
	rec := *s.incoming
	s.incoming = nil
	now := time.Now()
	s.session = domain.CallSession{
		ID:             rec.call.SessionID,
		ParticipantIDs: []string{rec.call.CallerID},
		InvitedIDs:     []string{},
		Status:         domain.CallStatusActive,
		StartedAt:      &now,
	}
	snapshot := copySession(s.session)
	s.mu.Unlock()

	callerID := rec.call.CallerID
	logger.FromContext(logger.WithSessionID(ctx, rec.call.SessionID)).Info("Accepting call",
		zap.String("caller_id", callerID))
	s.metrics.RecordCall("incoming", "accepted")
	s.metrics.SetActiveCalls(1)
	s.events.emit(
		Event{Type: EventStateChanged, Session: snapshot},
		Event{Type: EventParticipantJoined, PeerID: callerID, Session: snapshot},
	)

	s.ensureAudio(ctx)

	if err := s.peers.CreateConnection(callerID); err != nil {
		s.removePeer(callerID, domain.HangupReasonNone, err)
		return err
	}
	if !s.Session().HasParticipant(callerID) {
		s.peers.CloseConnection(callerID)
		return apperrors.CallEndedError()
	}
	return s.peers.HandleOffer(ctx, callerID, rec.offer)
}

// RejectIncomingCall declines the pending offer without acquiring media
func (s *Service) RejectIncomingCall(ctx context.Context) error {
	s.mu.Lock()
	if s.incoming == nil {
		s.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	rec := *s.incoming
	s.incoming = nil
	s.session = idleSession()
	s.rememberLocked(rec.call.SessionID)
	snapshot := copySession(s.session)
	s.mu.Unlock()

	s.peers.DiscardCandidates(rec.call.CallerID)
	s.send(ctx, rec.call.CallerID, signaling.Hangup{
		SessionID: rec.call.SessionID,
		Reason:    domain.HangupReasonDeclined,
	})
	logger.FromContext(logger.WithSessionID(ctx, rec.call.SessionID)).Info("Rejected call",
		zap.String("caller_id", rec.call.CallerID))
	s.metrics.RecordCall("incoming", "rejected")
	s.events.emit(Event{Type: EventStateChanged, Session: snapshot})
	return nil
}

// AddToCall invites one more peer into the active session. The peer stays
// invited until it answers.
func (s *Service) AddToCall(ctx context.Context, peerID string) error {
	if peerID == "" || peerID == s.localID {
		return apperrors.InvalidInputError("a remote peer id is required")
	}

	s.mu.Lock()
	if s.session.Status != domain.CallStatusActive {
		status := s.session.Status
		s.mu.Unlock()
		return apperrors.InvalidStateError("add to call", string(status))
	}
	if s.session.HasParticipant(peerID) || contains(s.session.InvitedIDs, peerID) {
		s.mu.Unlock()
		return nil
	}
	s.session.InvitedIDs = append(s.session.InvitedIDs, peerID)
	sessionID := s.session.ID
	snapshot := copySession(s.session)
	s.mu.Unlock()

	s.events.emit(Event{Type: EventStateChanged, Session: snapshot})
	return s.invite(ctx, sessionID, peerID)
}

// EndCall hangs up on every participant and invitee and tears down
func (s *Service) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if s.session.Status != domain.CallStatusActive && s.session.Status != domain.CallStatusOutgoingRinging {
		status := s.session.Status
		s.mu.Unlock()
		return apperrors.InvalidStateError("end call", string(status))
	}
	sessionID := s.session.ID
	targets := append(append([]string(nil), s.session.ParticipantIDs...), s.session.InvitedIDs...)
	s.mu.Unlock()

	logger.FromContext(logger.WithSessionID(ctx, sessionID)).Info("Ending call",
		zap.Strings("peers", targets))
	for _, peerID := range targets {
		s.send(ctx, peerID, signaling.Hangup{SessionID: sessionID})
	}
	s.teardown(sessionID)
	return nil
}

// ToggleMic mutes or unmutes the local microphone
func (s *Service) ToggleMic(ctx context.Context) (bool, error) {
	if err := s.requireCall("toggle mic"); err != nil {
		return false, err
	}
	return s.media.ToggleMic(ctx)
}

// ToggleCamera turns the local camera on or off
func (s *Service) ToggleCamera(ctx context.Context) (bool, error) {
	if err := s.requireCall("toggle camera"); err != nil {
		return false, err
	}
	return s.media.ToggleCamera(ctx)
}

// ToggleScreenShare starts or stops sharing the screen
func (s *Service) ToggleScreenShare(ctx context.Context) (bool, error) {
	if err := s.requireCall("toggle screen share"); err != nil {
		return false, err
	}
	return s.media.ToggleScreenShare(ctx)
}

// SendChat sends an in-call text message to peerID
func (s *Service) SendChat(ctx context.Context, peerID, text string) error {
	if text == "" {
		return apperrors.MissingFieldError("text")
	}
	if peerID == "" || peerID == s.localID {
		return apperrors.InvalidInputError("a remote peer id is required")
	}
	return s.transport.Send(ctx, peerID, signaling.ChatMessage{Text: text})
}

// Announce broadcasts a USER_ONLINE hint to every connected client
func (s *Service) Announce(ctx context.Context, name string) error {
	return s.transport.Send(ctx, "", signaling.UserOnline{Name: name})
}

// Run dispatches inbound signals in arrival order until ctx is done or the
// transport closes
func (s *Service) Run(ctx context.Context) error {
	msgs, cancel := s.transport.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return apperrors.TransportError(errors.New("signal subscription closed"))
			}
			s.Handle(ctx, m)
		}
	}
}

// Close stops ring timers and waits for pending missed-call writes. Missed
// calls detected after Close are not recorded.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.ringTimers {
		t.Stop()
		delete(s.ringTimers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Handle processes one inbound signal
func (s *Service) Handle(ctx context.Context, m signaling.Message) {
	p, err := m.Decode()
	if err != nil {
		logger.Warn("Dropping malformed signal",
			zap.String("sender_id", m.SenderID),
			zap.String("type", string(m.Type)),
			zap.Error(err))
		return
	}

	from := m.SenderID
	switch v := p.(type) {
	case signaling.Offer:
		s.onOffer(ctx, from, v)
	case signaling.Answer:
		s.onAnswer(ctx, from, v)
	case signaling.Candidate:
		s.onCandidate(from, v)
	case signaling.Hangup:
		s.onHangup(from, v)
	case signaling.ChatMessage:
		s.events.emit(Event{Type: EventChatReceived, PeerID: from, Chat: &Chat{From: from, Text: v.Text, At: time.Now()}})
	case signaling.UserOnline:
		if s.presence != nil {
			s.presence.Observe(from, v.Name)
		}
	case signaling.ScreenStarted:
		s.setRemoteMedia(from, domain.RemoteMedia{ScreenSharing: true, Video: domain.RemoteVideoLive})
	case signaling.ScreenStopped:
		video := domain.RemoteVideoOff
		if v.HasCameraFallback {
			video = domain.RemoteVideoLive
		}
		s.setRemoteMedia(from, domain.RemoteMedia{ScreenSharing: false, Video: video})
	}
}

func (s *Service) onOffer(ctx context.Context, from string, offer signaling.Offer) {
	s.mu.Lock()
	switch {
	case s.session.HasParticipant(from):
		s.mu.Unlock()
		// Renegotiation on the existing connection
		if err := s.peers.HandleOffer(ctx, from, offer); err != nil {
			logger.Warn("Renegotiation failed", zap.String("peer_id", from), zap.Error(err))
		}
		return

	case s.incoming != nil && s.incoming.call.CallerID == from:
		s.incoming.offer = offer
		s.mu.Unlock()
		return

	case contains(s.session.InvitedIDs, from):
		// Both sides called each other; the registry settles the collision
		snapshot, promoted := s.promoteLocked(from)
		s.mu.Unlock()
		if promoted {
			s.events.emit(
				Event{Type: EventStateChanged, Session: snapshot},
				Event{Type: EventParticipantJoined, PeerID: from, Session: snapshot},
			)
		}
		if err := s.peers.HandleOffer(ctx, from, offer); err != nil {
			logger.Warn("Colliding offer failed", zap.String("peer_id", from), zap.Error(err))
		}
		return

	case offer.SessionID != "" && contains(s.ended, offer.SessionID):
		s.mu.Unlock()
		logger.Debug("Ignoring offer for ended session",
			zap.String("peer_id", from),
			zap.String("session_id", offer.SessionID))
		return

	case s.session.IsIdle() && s.incoming == nil:
		sessionID := offer.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		s.incoming = &incomingRecord{
			call:  domain.IncomingCall{CallerID: from, SessionID: sessionID, ReceivedAt: time.Now()},
			offer: offer,
		}
		s.session = domain.CallSession{
			ID:             sessionID,
			ParticipantIDs: []string{},
			InvitedIDs:     []string{},
			Status:         domain.CallStatusIncomingRinging,
		}
		snapshot := copySession(s.session)
		incoming := s.incoming.call
		s.mu.Unlock()

		logger.Info("Incoming call",
			zap.String("session_id", sessionID),
			zap.String("caller_id", from))
		s.metrics.RecordCall("incoming", "ringing")
		s.events.emit(
			Event{Type: EventStateChanged, Session: snapshot},
			Event{Type: EventIncomingCall, Incoming: &incoming, PeerID: from},
		)
		return

	default:
		s.mu.Unlock()
		logger.Info("Busy, refusing offer", zap.String("caller_id", from))
		s.peers.DiscardCandidates(from)
		s.send(ctx, from, signaling.Hangup{SessionID: offer.SessionID, Reason: domain.HangupReasonBusy})
		s.metrics.RecordCall("incoming", "busy")
		s.recordMissed(from, offer.SessionID)
	}
}

func (s *Service) onAnswer(ctx context.Context, from string, answer signaling.Answer) {
	s.mu.Lock()
	invited := contains(s.session.InvitedIDs, from)
	known := invited || s.session.HasParticipant(from)
	sessionID := s.session.ID
	s.mu.Unlock()

	if !known {
		logger.Debug("Ignoring answer from peer outside the session", zap.String("peer_id", from))
		return
	}
	if err := s.peers.HandleAnswer(ctx, from, answer); err != nil {
		return
	}
	if !invited {
		return
	}

	s.mu.Lock()
	if s.session.ID != sessionID {
		s.mu.Unlock()
		return
	}
	snapshot, promoted := s.promoteLocked(from)
	s.mu.Unlock()

	if promoted {
		logger.Info("Peer joined call",
			zap.String("session_id", sessionID),
			zap.String("peer_id", from))
		s.events.emit(
			Event{Type: EventStateChanged, Session: snapshot},
			Event{Type: EventParticipantJoined, PeerID: from, Session: snapshot},
		)
	}
}

func (s *Service) onCandidate(from string, c signaling.Candidate) {
	s.mu.Lock()
	relevant := s.session.HasParticipant(from) ||
		contains(s.session.InvitedIDs, from) ||
		(s.incoming != nil && s.incoming.call.CallerID == from)
	s.mu.Unlock()

	if !relevant {
		return
	}
	s.peers.AddCandidate(from, c.Candidate)
}

func (s *Service) onHangup(from string, h signaling.Hangup) {
	s.mu.Lock()
	if s.incoming != nil && s.incoming.call.CallerID == from &&
		(h.SessionID == "" || h.SessionID == s.incoming.call.SessionID) {
		rec := *s.incoming
		s.incoming = nil
		s.session = idleSession()
		s.rememberLocked(rec.call.SessionID)
		snapshot := copySession(s.session)
		s.mu.Unlock()

		logger.Info("Missed call",
			zap.String("session_id", rec.call.SessionID),
			zap.String("caller_id", from))
		s.peers.DiscardCandidates(from)
		s.metrics.RecordCall("incoming", "missed")
		s.events.emit(Event{Type: EventStateChanged, Session: snapshot})
		s.recordMissed(from, rec.call.SessionID)
		return
	}
	s.mu.Unlock()

	var cause error
	if h.Reason == domain.HangupReasonBusy {
		cause = apperrors.BusyError(from)
	}
	s.removePeer(from, h.Reason, cause)
}

// PeerFailed implements peer.Listener
func (s *Service) PeerFailed(peerID string, err error) {
	s.metrics.RecordCallFailure("peer_failed")
	s.removePeer(peerID, domain.HangupReasonNone, err)
}

// StreamsChanged implements peer.Listener
func (s *Service) StreamsChanged(streams map[string]*peer.RemoteStream) {
	var changed []Event
	s.mu.Lock()
	for id, stream := range streams {
		if _, ok := s.remoteMedia[id]; ok || !s.session.HasParticipant(id) {
			continue
		}
		for _, t := range stream.Tracks {
			if t.Kind == peer.KindVideo {
				rm := domain.RemoteMedia{Video: domain.RemoteVideoLive}
				s.remoteMedia[id] = rm
				changed = append(changed, Event{Type: EventRemoteMediaChanged, PeerID: id, RemoteMedia: rm})
				break
			}
		}
	}
	s.mu.Unlock()

	s.events.emit(append([]Event{{Type: EventRemoteStreamsChanged, Streams: streams}}, changed...)...)
}

// LocalMediaChanged implements media.Listener
func (s *Service) LocalMediaChanged(state media.State) {
	s.events.emit(Event{Type: EventLocalMediaChanged, LocalMedia: state})
}

// ScreenShareStarted implements media.Listener
func (s *Service) ScreenShareStarted() {
	s.broadcastToParticipants(signaling.ScreenStarted{})
}

// ScreenShareStopped implements media.Listener
func (s *Service) ScreenShareStopped(hasCameraFallback bool) {
	s.broadcastToParticipants(signaling.ScreenStopped{HasCameraFallback: hasCameraFallback})
}

// invite creates a connection to peerID and sends the first offer
func (s *Service) invite(ctx context.Context, sessionID, peerID string) error {
	if err := s.peers.CreateConnection(peerID); err != nil {
		s.removePeer(peerID, domain.HangupReasonNone, err)
		return err
	}
	if !s.isInvited(sessionID, peerID) {
		s.peers.CloseConnection(peerID)
		return apperrors.CallEndedError()
	}

	// A lost offer is not retried; the ring timer ends the invitation
	s.armRingTimer(sessionID, peerID)
	return s.peers.Offer(ctx, peerID, sessionID)
}

// removePeer drops peerID from the session and tears down when nobody is left
func (s *Service) removePeer(peerID string, reason domain.HangupReason, cause error) {
	s.mu.Lock()
	wasParticipant := s.session.HasParticipant(peerID)
	wasInvited := contains(s.session.InvitedIDs, peerID)
	if !wasParticipant && !wasInvited {
		s.mu.Unlock()
		return
	}
	s.session.ParticipantIDs = without(s.session.ParticipantIDs, peerID)
	s.session.InvitedIDs = without(s.session.InvitedIDs, peerID)
	delete(s.remoteMedia, peerID)
	s.stopRingTimerLocked(peerID)
	empty := len(s.session.ParticipantIDs) == 0 && len(s.session.InvitedIDs) == 0
	sessionID := s.session.ID
	snapshot := copySession(s.session)
	s.mu.Unlock()

	logger.Info("Peer left call",
		zap.String("session_id", sessionID),
		zap.String("peer_id", peerID),
		zap.String("reason", string(reason)))
	s.peers.CloseConnection(peerID)

	events := []Event{{Type: EventParticipantLeft, PeerID: peerID, Reason: reason, Session: snapshot}}
	if cause != nil {
		events = append(events, Event{Type: EventError, PeerID: peerID, Err: cause})
	}
	if !empty {
		events = append(events, Event{Type: EventStateChanged, Session: snapshot})
	}
	s.events.emit(events...)

	if empty {
		s.teardown(sessionID)
	}
}

// teardown closes every connection, releases media and returns to idle
func (s *Service) teardown(sessionID string) {
	s.mu.Lock()
	if s.session.ID != sessionID || s.session.IsIdle() {
		s.mu.Unlock()
		return
	}
	prev := s.session
	s.session = idleSession()
	s.remoteMedia = make(map[string]domain.RemoteMedia)
	for id := range s.ringTimers {
		s.stopRingTimerLocked(id)
	}
	s.rememberLocked(sessionID)
	idle := copySession(s.session)
	s.mu.Unlock()

	s.peers.CloseAll()
	s.media.Release()

	if prev.StartedAt != nil {
		s.metrics.RecordCallDuration(callKind(prev), time.Since(*prev.StartedAt))
	}
	s.metrics.SetActiveCalls(0)
	logger.Info("Call ended", zap.String("session_id", sessionID))
	s.events.emit(
		Event{Type: EventStateChanged, Session: domain.CallSession{
			ID:             sessionID,
			ParticipantIDs: []string{},
			InvitedIDs:     []string{},
			Status:         domain.CallStatusEnded,
			StartedAt:      prev.StartedAt,
		}},
		Event{Type: EventStateChanged, Session: idle},
	)
}

// promoteLocked moves an invitee into the participants and activates the call
func (s *Service) promoteLocked(peerID string) (domain.CallSession, bool) {
	if !contains(s.session.InvitedIDs, peerID) {
		return copySession(s.session), false
	}
	s.session.InvitedIDs = without(s.session.InvitedIDs, peerID)
	s.session.ParticipantIDs = append(s.session.ParticipantIDs, peerID)
	s.stopRingTimerLocked(peerID)
	if s.session.Status != domain.CallStatusActive {
		now := time.Now()
		s.session.Status = domain.CallStatusActive
		s.session.StartedAt = &now
		s.metrics.SetActiveCalls(1)
		s.metrics.RecordCall("outgoing", "answered")
	}
	return copySession(s.session), true
}

func (s *Service) armRingTimer(sessionID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRingTimerLocked(peerID)
	s.ringTimers[peerID] = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.ringExpired(sessionID, peerID)
	})
}

func (s *Service) stopRingTimerLocked(peerID string) {
	if t, ok := s.ringTimers[peerID]; ok {
		t.Stop()
		delete(s.ringTimers, peerID)
	}
}

func (s *Service) ringExpired(sessionID, peerID string) {
	if !s.isInvited(sessionID, peerID) {
		return
	}
	logger.Info("Ring timeout", zap.String("session_id", sessionID), zap.String("peer_id", peerID))

	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteWait)
	defer cancel()
	s.send(ctx, peerID, signaling.Hangup{SessionID: sessionID, Reason: domain.HangupReasonTimeout})
	s.metrics.RecordCall("outgoing", "timeout")
	s.removePeer(peerID, domain.HangupReasonTimeout, nil)
}

func (s *Service) recordMissed(callerID, sessionID string) {
	if s.missed == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logger.Debug("Service closed, not recording missed call",
			zap.String("caller_id", callerID),
			zap.String("session_id", sessionID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*constants.StoreWriteTimeout)
		defer cancel()
		if err := s.missed.RecordMissedCall(ctx, callerID, s.localID, sessionID); err != nil {
			logger.Warn("Failed to record missed call",
				zap.String("caller_id", callerID),
				zap.String("session_id", sessionID),
				zap.Error(err))
			s.events.emit(Event{Type: EventError, PeerID: callerID, Err: err})
		}
	}()
}

func (s *Service) setRemoteMedia(peerID string, rm domain.RemoteMedia) {
	s.mu.Lock()
	if !s.session.HasParticipant(peerID) {
		s.mu.Unlock()
		return
	}
	s.remoteMedia[peerID] = rm
	s.mu.Unlock()

	s.events.emit(Event{Type: EventRemoteMediaChanged, PeerID: peerID, RemoteMedia: rm})
}

func (s *Service) broadcastToParticipants(p signaling.Payload) {
	s.mu.Lock()
	targets := append([]string(nil), s.session.ParticipantIDs...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.WebSocketWriteWait)
	defer cancel()
	for _, peerID := range targets {
		s.send(ctx, peerID, p)
	}
}

// ensureAudio starts the call muted; without a microphone the call
// proceeds receive-only
func (s *Service) ensureAudio(ctx context.Context) {
	if err := s.media.EnsureAudio(ctx); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeCallEnded) {
		s.events.emit(Event{Type: EventError, Err: err})
	}
}

func (s *Service) send(ctx context.Context, peerID string, p signaling.Payload) {
	if err := s.transport.Send(ctx, peerID, p); err != nil {
		logger.Warn("Failed to send signal",
			zap.String("peer_id", peerID),
			zap.String("type", string(p.SignalType())),
			zap.Error(err))
	}
}

func (s *Service) requireCall(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.Status != domain.CallStatusActive && s.session.Status != domain.CallStatusOutgoingRinging {
		return apperrors.InvalidStateError(op, string(s.session.Status))
	}
	return nil
}

func (s *Service) isInvited(sessionID, peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.ID == sessionID && contains(s.session.InvitedIDs, peerID)
}

func (s *Service) rememberLocked(sessionID string) {
	if sessionID == "" || contains(s.ended, sessionID) {
		return
	}
	s.ended = append(s.ended, sessionID)
	if len(s.ended) > recentSessions {
		s.ended = s.ended[len(s.ended)-recentSessions:]
	}
}

func (s *Service) targets(peerIDs []string) []string {
	seen := make(map[string]bool, len(peerIDs))
	out := make([]string, 0, len(peerIDs))
	for _, id := range peerIDs {
		if id == "" || id == s.localID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func callKind(s domain.CallSession) string {
	if len(s.ParticipantIDs) > 1 {
		return "group"
	}
	return "direct"
}

func idleSession() domain.CallSession {
	return domain.CallSession{
		ParticipantIDs: []string{},
		InvitedIDs:     []string{},
		Status:         domain.CallStatusIdle,
	}
}

func copySession(s domain.CallSession) domain.CallSession {
	s.ParticipantIDs = append([]string{}, s.ParticipantIDs...)
	s.InvitedIDs = append([]string{}, s.InvitedIDs...)
	return s
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
