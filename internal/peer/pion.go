package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"teamcall-backend/pkg/logger"
)

// PionConfig configures pion-backed negotiators
type PionConfig struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
	// ConfigureMedia registers codecs on the media engine. Defaults to
	// the pion default codec set.
	ConfigureMedia func(*webrtc.MediaEngine) error
	// DrainRemote discards inbound RTP for hosts that do not render media
	DrainRemote bool
}

// NewPionFactory builds one WebRTC API and returns a Factory creating
// peer connections on it
func NewPionFactory(cfg PionConfig) (Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	configure := cfg.ConfigureMedia
	if configure == nil {
		configure = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := configure(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepaliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepaliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pcConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return func(peerID string, h Handlers) (Negotiator, error) {
		pc, err := api.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, err
		}
		n := &pionNegotiator{
			peerID:  peerID,
			pc:      pc,
			senders: make(map[Kind]*webrtc.RTPSender),
		}
		n.bind(h, cfg.DrainRemote)
		return n, nil
	}, nil
}

type pionNegotiator struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[Kind]*webrtc.RTPSender
}

func (n *pionNegotiator) bind(h Handlers, drain bool) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(c.ToJSON())
	})

	n.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("Remote track received",
			zap.String("peer_id", n.peerID),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if h.OnTrack != nil {
			h.OnTrack(RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     Kind(track.Kind().String()),
				Track:    track,
			})
		}
		if drain {
			go func() {
				buf := make([]byte, 1500)
				for {
					if _, _, err := track.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	})

	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnStateChange == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			h.OnStateChange(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			h.OnStateChange(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			h.OnStateChange(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			h.OnStateChange(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			h.OnStateChange(StateClosed)
		}
	})
}

func (n *pionNegotiator) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (n *pionNegotiator) Answer(ctx context.Context, remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (n *pionNegotiator) Accept(remote webrtc.SessionDescription) error {
	return n.pc.SetRemoteDescription(remote)
}

func (n *pionNegotiator) AddCandidate(c webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(c)
}

func (n *pionNegotiator) HasRemoteDescription() bool {
	return n.pc.RemoteDescription() != nil
}

func (n *pionNegotiator) HasLocalOffer() bool {
	return n.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (n *pionNegotiator) SetTrack(kind Kind, track webrtc.TrackLocal) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sender, ok := n.senders[kind]; ok {
		return false, sender.ReplaceTrack(track)
	}
	if track == nil {
		return false, nil
	}

	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return false, err
	}
	n.senders[kind] = sender

	// Read incoming RTCP so interceptors (NACK, reports) keep working
	go n.readRTCP(kind, sender)
	return true, nil
}

func (n *pionNegotiator) readRTCP(kind Kind, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				logger.Debug("Keyframe requested by peer",
					zap.String("peer_id", n.peerID),
					zap.String("kind", string(kind)))
			}
		}
	}
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}
