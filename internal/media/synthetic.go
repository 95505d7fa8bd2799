package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Synthetic produces tracks without devices for headless agents. Audio
// carries Opus silence; video tracks negotiate VP8 but carry no frames.
type Synthetic struct {
	StreamID string
}

// NewSynthetic creates a synthetic capturer whose tracks share streamID
func NewSynthetic(streamID string) *Synthetic {
	return &Synthetic{StreamID: streamID}
}

func (s *Synthetic) CaptureAudio(ctx context.Context) (*Track, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), s.StreamID)
	if err != nil {
		return nil, err
	}
	return s.pump(SourceMicrophone, inner, 20*time.Millisecond, opusSilence), nil
}

func (s *Synthetic) CaptureCamera(ctx context.Context) (*Track, error) {
	return s.video(SourceCamera, "camera")
}

func (s *Synthetic) CaptureDisplay(ctx context.Context, hints DisplayHints) (*Track, error) {
	return s.video(SourceScreen, "screen")
}

func (s *Synthetic) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *Synthetic) video(source Source, prefix string) (*Track, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		prefix+"-"+uuid.NewString(), s.StreamID)
	if err != nil {
		return nil, err
	}
	return NewTrack(source, inner, nil), nil
}

// pump writes frame every interval until the track is stopped
func (s *Synthetic) pump(source Source, inner *webrtc.TrackLocalStaticSample, interval time.Duration, frame []byte) *Track {
	done := make(chan struct{})
	var once sync.Once
	t := NewTrack(source, inner, func() error {
		once.Do(func() { close(done) })
		return nil
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := inner.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
					return
				}
			}
		}
	}()
	return t
}
