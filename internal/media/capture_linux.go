//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"teamcall-backend/pkg/logger"
)

// DeviceCapturer captures from local devices through pion/mediadevices
type DeviceCapturer struct {
	cameraBitrate int
}

// NewDeviceCapturer creates a device capturer. Camera video is encoded at
// cameraBitrate bits per second.
func NewDeviceCapturer(cameraBitrate int) *DeviceCapturer {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logger.Warn("No media devices found")
	}
	for _, d := range devices {
		logger.Debug("Media device",
			zap.String("kind", fmt.Sprint(d.Kind)),
			zap.String("label", d.Label))
	}
	return &DeviceCapturer{cameraBitrate: cameraBitrate}
}

// ConfigureMediaEngine registers VP8 and Opus as produced by the encoders
func (c *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	selector, err := codecSelector(c.cameraBitrate, nil)
	if err != nil {
		return err
	}
	selector.Populate(me)
	return nil
}

func (c *DeviceCapturer) CaptureAudio(ctx context.Context) (*Track, error) {
	selector, err := codecSelector(c.cameraBitrate, nil)
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}
	return single(stream.GetAudioTracks(), SourceMicrophone)
}

func (c *DeviceCapturer) CaptureCamera(ctx context.Context) (*Track, error) {
	selector, err := codecSelector(c.cameraBitrate, nil)
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras yield malformed frames
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 1280}
			mc.Height = prop.IntRanged{Max: 720}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}
	return single(stream.GetVideoTracks(), SourceCamera)
}

// CaptureDisplay captures the screen with the encoder tuned by hints
func (c *DeviceCapturer) CaptureDisplay(ctx context.Context, hints DisplayHints) (*Track, error) {
	selector, err := codecSelector(hints.MaxBitrate, func(p *vpx.Params) {
		applyDisplayHints(p, hints)
	})
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if hints.FrameRate > 0 {
				mc.FrameRate = prop.FloatRanged{Max: float32(hints.FrameRate)}
			}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("Display capture started",
		zap.String("content_hint", hints.ContentHint),
		zap.String("degradation_preference", hints.DegradationPreference),
		zap.Int("bitrate", hints.MaxBitrate))
	return single(stream.GetVideoTracks(), SourceScreen)
}

// applyDisplayHints maps the display hints onto the VP8 encoder. This libvpx
// binding never rescales frames, so maintain-resolution keeps the quantizer
// ceiling low and lets the frame rate give; maintain-framerate lets the
// quantizer climb instead.
func applyDisplayHints(p *vpx.Params, hints DisplayHints) {
	fps := hints.FrameRate
	if fps <= 0 {
		fps = 15
	}
	switch hints.ContentHint {
	case "motion":
		p.RateControlEndUsage = vpx.RateControlCBR
		p.KeyFrameInterval = int(fps * 2)
	case "detail":
		p.RateControlEndUsage = vpx.RateControlVBR
		p.KeyFrameInterval = int(fps * 10)
	}
	switch hints.DegradationPreference {
	case "maintain-resolution":
		p.RateControlMaxQuantizer = 40
	case "maintain-framerate":
		p.RateControlMaxQuantizer = 63
	}
}

func codecSelector(videoBitrate int, tune func(*vpx.Params)) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if videoBitrate > 0 {
		vpxParams.BitRate = videoBitrate
	}
	if tune != nil {
		tune(&vpxParams)
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func single(tracks []mediadevices.Track, source Source) (*Track, error) {
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	dev := tracks[0]
	t := NewTrack(source, dev, dev.Close)
	dev.OnEnded(func(err error) {
		t.End(err)
	})
	return t, nil
}
