package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"teamcall-backend/internal/peer"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/metrics"
)

// Outbound fans a local track out to every peer connection
type Outbound interface {
	SetOutbound(ctx context.Context, kind peer.Kind, track webrtc.TrackLocal) error
}

// Listener is told about local media changes. Calls are made without
// controller locks held.
type Listener interface {
	LocalMediaChanged(state State)
	ScreenShareStarted()
	// ScreenShareStopped is called before any camera replacement is
	// installed, so peers keep the tile live when hasCameraFallback is set
	ScreenShareStopped(hasCameraFallback bool)
}

// State is the local participant's media flags
type State struct {
	HasAudio      bool `json:"has_audio"`
	MicOn         bool `json:"mic_on"`
	CameraOn      bool `json:"camera_on"`
	ScreenSharing bool `json:"screen_sharing"`
}

// Preview is the composed local stream: the audio slot plus whichever
// video source is active
type Preview struct {
	Audio *Track
	Video *Track
}

// Controller owns the microphone, camera and screen tracks. Camera and
// screen share the outbound video slot and are never active together.
type Controller struct {
	capturer Capturer
	out      Outbound
	hints    DisplayHints
	metrics  *metrics.Metrics

	// opMu serializes toggles; mu guards the slots and may be taken alone
	opMu sync.Mutex
	mu   sync.Mutex
	// gen advances on Release so captures that finish afterwards are dropped
	gen           uint64
	audio         *Track
	camera        *Track
	screen        *Track
	restoreCamera bool
	listener      Listener
}

// NewController creates a controller publishing through out
func NewController(capturer Capturer, out Outbound, hints DisplayHints, m *metrics.Metrics) *Controller {
	return &Controller{
		capturer: capturer,
		out:      out,
		hints:    hints,
		metrics:  m,
	}
}

// SetListener installs l
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// EnsureAudio captures a muted microphone track if none exists
func (c *Controller) EnsureAudio(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	exists := c.audio != nil
	c.mu.Unlock()
	if exists {
		return nil
	}
	return c.captureAudio(ctx, false)
}

// ToggleMic captures the microphone on first use and afterwards flips the
// enable gate on the same track. It returns whether the mic is now on.
func (c *Controller) ToggleMic(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	audio := c.audio
	c.mu.Unlock()

	if audio == nil {
		if err := c.captureAudio(ctx, true); err != nil {
			return false, err
		}
		return true, nil
	}

	on := !audio.Enabled()
	audio.SetEnabled(on)
	c.notify()
	return on, nil
}

// ToggleCamera turns the camera on, replacing any screen share, or off.
// It returns whether the camera is now on.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	camera := c.camera
	gen := c.gen
	c.mu.Unlock()

	if camera != nil {
		c.mu.Lock()
		if c.camera == camera {
			c.camera = nil
		}
		c.mu.Unlock()

		c.setOutbound(ctx, peer.KindVideo, nil)
		c.stopTrack(camera)
		c.notify()
		return false, nil
	}

	next, err := c.capturer.CaptureCamera(ctx)
	if err != nil {
		return false, c.deviceError(SourceCamera, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.stopTrack(next)
		return false, apperrors.CallEndedError()
	}
	screen := c.screen
	c.camera = next
	c.screen = nil
	c.restoreCamera = false
	listener := c.listener
	c.mu.Unlock()

	if screen != nil && listener != nil {
		listener.ScreenShareStopped(true)
	}
	if err := c.install(ctx, gen, peer.KindVideo, next); err != nil {
		return false, err
	}
	if screen != nil {
		c.stopTrack(screen)
	}
	c.notify()
	return true, nil
}

// ToggleScreenShare starts or stops sharing. It returns whether a share is
// now active.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	screen := c.screen
	gen := c.gen
	c.mu.Unlock()

	if screen != nil {
		c.stopScreen(ctx, screen)
		return false, nil
	}

	next, err := c.capturer.CaptureDisplay(ctx, c.hints)
	if err != nil {
		return false, c.deviceError(SourceScreen, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.stopTrack(next)
		return false, apperrors.CallEndedError()
	}
	camera := c.camera
	c.screen = next
	c.camera = nil
	c.restoreCamera = camera != nil
	listener := c.listener
	c.mu.Unlock()

	next.OnEnded(func(err error) {
		logger.Info("Screen capture ended by source", zap.Error(err))
		go c.screenEnded(next)
	})

	if err := c.install(ctx, gen, peer.KindVideo, next); err != nil {
		return false, err
	}
	// The camera is released only once the screen is on every sender
	if camera != nil {
		c.stopTrack(camera)
	}
	if listener != nil {
		listener.ScreenShareStarted()
	}
	c.notify()
	return true, nil
}

// Release stops every track and clears the outbound slots. Captures in
// flight are discarded when they complete.
func (c *Controller) Release() {
	c.mu.Lock()
	c.gen++
	tracks := []*Track{c.audio, c.camera, c.screen}
	c.audio, c.camera, c.screen = nil, nil, nil
	c.restoreCamera = false
	c.mu.Unlock()

	ctx := context.Background()
	c.setOutbound(ctx, peer.KindAudio, nil)
	c.setOutbound(ctx, peer.KindVideo, nil)
	for _, t := range tracks {
		if t != nil {
			c.stopTrack(t)
		}
	}
	c.notify()
}

// State returns the current media flags
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Preview returns the composed local stream
func (c *Controller) Preview() Preview {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := Preview{Audio: c.audio, Video: c.camera}
	if c.screen != nil {
		p.Video = c.screen
	}
	return p
}

func (c *Controller) stateLocked() State {
	return State{
		HasAudio:      c.audio != nil,
		MicOn:         c.audio != nil && c.audio.Enabled(),
		CameraOn:      c.camera != nil,
		ScreenSharing: c.screen != nil,
	}
}

func (c *Controller) captureAudio(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	audio, err := c.capturer.CaptureAudio(ctx)
	if err != nil {
		return c.deviceError(SourceMicrophone, err)
	}
	audio.SetEnabled(enabled)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.stopTrack(audio)
		return apperrors.CallEndedError()
	}
	c.audio = audio
	c.mu.Unlock()

	if err := c.install(ctx, gen, peer.KindAudio, audio); err != nil {
		return err
	}
	c.notify()
	return nil
}

// screenEnded handles the OS ending a share
func (c *Controller) screenEnded(screen *Track) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopScreen(context.Background(), screen)
}

// stopScreen tells peers first, then restores the camera if it was active
// before sharing began, otherwise clears the video slot
func (c *Controller) stopScreen(ctx context.Context, screen *Track) {
	c.mu.Lock()
	if c.screen != screen {
		c.mu.Unlock()
		return
	}
	restore := c.restoreCamera
	gen := c.gen
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.ScreenShareStopped(restore)
	}

	if restore {
		camera, err := c.capturer.CaptureCamera(ctx)
		if err == nil {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				c.stopTrack(camera)
				return
			}
			c.camera = camera
			c.screen = nil
			c.restoreCamera = false
			c.mu.Unlock()

			if err := c.install(ctx, gen, peer.KindVideo, camera); err == nil {
				c.stopTrack(screen)
				c.notify()
			}
			return
		}

		c.deviceError(SourceCamera, err)
		if listener != nil {
			listener.ScreenShareStopped(false)
		}
	}

	c.mu.Lock()
	if c.screen == screen {
		c.screen = nil
		c.restoreCamera = false
	}
	c.mu.Unlock()

	c.setOutbound(ctx, peer.KindVideo, nil)
	c.stopTrack(screen)
	c.notify()
}

// install publishes t and withdraws it again if Release ran meanwhile
func (c *Controller) install(ctx context.Context, gen uint64, kind peer.Kind, t *Track) error {
	c.setOutbound(ctx, kind, t)

	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		c.setOutbound(ctx, kind, nil)
		c.stopTrack(t)
		return apperrors.CallEndedError()
	}
	return nil
}

func (c *Controller) setOutbound(ctx context.Context, kind peer.Kind, t *Track) {
	if c.out == nil {
		return
	}
	var local webrtc.TrackLocal
	if t != nil {
		local = t
	}
	if err := c.out.SetOutbound(ctx, kind, local); err != nil {
		logger.Warn("Failed to publish local track",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (c *Controller) stopTrack(t *Track) {
	if err := t.Stop(); err != nil {
		logger.Debug("Error stopping track", zap.String("source", string(t.Source())), zap.Error(err))
	}
}

func (c *Controller) deviceError(source Source, err error) error {
	c.metrics.RecordCaptureError(string(source))
	logger.Warn("Capture failed", zap.String("source", string(source)), zap.Error(err))
	return apperrors.DeviceError(string(source), err)
}

func (c *Controller) notify() {
	c.mu.Lock()
	state := c.stateLocked()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener.LocalMediaChanged(state)
	}
}
