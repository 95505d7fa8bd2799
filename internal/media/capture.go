package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNoDevice is returned when no capture device of the requested kind exists
var ErrNoDevice = errors.New("no capture device available")

// DisplayHints tune a screen capture for legibility over smoothness
type DisplayHints struct {
	// ContentHint is "motion" or "detail"
	ContentHint string
	// MaxBitrate is the encoder target in bits per second
	MaxBitrate int
	// DegradationPreference is "maintain-resolution" or "maintain-framerate"
	DegradationPreference string
	FrameRate             float64
}

// DefaultDisplayHints favour resolution stability over frame rate
func DefaultDisplayHints(bitrate int) DisplayHints {
	return DisplayHints{
		ContentHint:           "motion",
		MaxBitrate:            bitrate,
		DegradationPreference: "maintain-resolution",
		FrameRate:             15,
	}
}

// Capturer acquires local tracks
type Capturer interface {
	CaptureAudio(ctx context.Context) (*Track, error)
	CaptureCamera(ctx context.Context) (*Track, error)
	CaptureDisplay(ctx context.Context, hints DisplayHints) (*Track, error)
	// ConfigureMediaEngine registers the codecs the captured tracks produce
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}

// Unavailable is a Capturer with no devices. Calls still proceed
// receive-only with it.
type Unavailable struct{}

func (Unavailable) CaptureAudio(context.Context) (*Track, error)  { return nil, ErrNoDevice }
func (Unavailable) CaptureCamera(context.Context) (*Track, error) { return nil, ErrNoDevice }
func (Unavailable) CaptureDisplay(context.Context, DisplayHints) (*Track, error) {
	return nil, ErrNoDevice
}
func (Unavailable) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}
