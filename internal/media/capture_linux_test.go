//go:build linux

package media

import (
	"testing"

	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDisplayHints(t *testing.T) {
	tests := []struct {
		name      string
		hints     DisplayHints
		rate      vpx.RateControlMode
		keyframes int
		quantizer uint
	}{
		{
			name:      "defaults favour motion at fixed resolution",
			hints:     DefaultDisplayHints(1_000_000),
			rate:      vpx.RateControlCBR,
			keyframes: 30,
			quantizer: 40,
		},
		{
			name:      "detail content at fixed frame rate",
			hints:     DisplayHints{ContentHint: "detail", DegradationPreference: "maintain-framerate", FrameRate: 5},
			rate:      vpx.RateControlVBR,
			keyframes: 50,
			quantizer: 63,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := vpx.NewVP8Params()
			require.NoError(t, err)

			applyDisplayHints(&p, tt.hints)

			assert.Equal(t, tt.rate, p.RateControlEndUsage)
			assert.Equal(t, tt.keyframes, p.KeyFrameInterval)
			assert.Equal(t, tt.quantizer, p.RateControlMaxQuantizer)
		})
	}
}

func TestApplyDisplayHints_UnknownHintsKeepEncoderDefaults(t *testing.T) {
	p, err := vpx.NewVP8Params()
	require.NoError(t, err)
	want := p

	applyDisplayHints(&p, DisplayHints{ContentHint: "text", DegradationPreference: "balanced"})

	assert.Equal(t, want, p)
}
