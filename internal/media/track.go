// Package media owns the locally captured tracks and composes them onto the
// outbound audio and video slots of every peer connection.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Source identifies what a local track captures
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

// Track is a local track with an enable gate. A disabled track stays bound
// to every sender but writes nothing, so toggling it needs no renegotiation.
type Track struct {
	inner  webrtc.TrackLocal
	source Source
	stop   func() error

	enabled atomic.Bool

	mu       sync.Mutex
	stopped  bool
	ended    bool
	onEnded  []func(error)
	stopOnce sync.Once
}

// NewTrack wraps inner. stop releases the capture behind it and may be nil.
func NewTrack(source Source, inner webrtc.TrackLocal, stop func() error) *Track {
	t := &Track{inner: inner, source: source, stop: stop}
	t.enabled.Store(true)
	return t
}

// Source returns what the track captures
func (t *Track) Source() Source { return t.source }

// Enabled reports whether media flows
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled opens or closes the gate
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// OnEnded registers fn to run when the capture ends on its own, for
// example when the OS share picker is closed. It does not run for Stop.
func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// End marks the capture as ended by its source and runs OnEnded callbacks
func (t *Track) End(err error) {
	t.mu.Lock()
	if t.ended || t.stopped {
		t.mu.Unlock()
		return
	}
	t.ended = true
	callbacks := make([]func(error), len(t.onEnded))
	copy(callbacks, t.onEnded)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

// Stop releases the capture. It is idempotent.
func (t *Track) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		if t.stop != nil {
			err = t.stop()
		}
	})
	return err
}

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Bind implements webrtc.TrackLocal
func (t *Track) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.inner.Bind(gatedContext{TrackLocalContext: ctx, track: t})
}

// Unbind implements webrtc.TrackLocal
func (t *Track) Unbind(ctx webrtc.TrackLocalContext) error {
	return t.inner.Unbind(gatedContext{TrackLocalContext: ctx, track: t})
}

func (t *Track) ID() string                { return t.inner.ID() }
func (t *Track) RID() string               { return t.inner.RID() }
func (t *Track) StreamID() string          { return t.inner.StreamID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.inner.Kind() }
func (t *Track) Inner() webrtc.TrackLocal  { return t.inner }

type gatedContext struct {
	webrtc.TrackLocalContext
	track *Track
}

func (c gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return gatedWriter{inner: c.TrackLocalContext.WriteStream(), track: c.track}
}

type gatedWriter struct {
	inner webrtc.TrackLocalWriter
	track *Track
}

func (w gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.Enabled() {
		return len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w gatedWriter) Write(b []byte) (int, error) {
	if !w.track.Enabled() {
		return len(b), nil
	}
	return w.inner.Write(b)
}
