package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.Call.Transport)
	assert.Equal(t, "synthetic", cfg.Call.CaptureMode)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, "us-east-1", cfg.MinIO.Region)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoad_ReadsCallSettings(t *testing.T) {
	t.Setenv("CALL_TRANSPORT", "redis")
	t.Setenv("CALL_DIAL", "u2, u3")
	t.Setenv("CALL_RING_TIMEOUT", "10s")
	t.Setenv("CALL_AUTO_ANSWER", "true")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Call.Transport)
	assert.Equal(t, []string{"u2", "u3"}, cfg.Call.DialTargets)
	assert.Equal(t, 10*time.Second, cfg.Call.RingTimeout)
	assert.True(t, cfg.Call.AutoAnswer)
}

func TestLoad_RejectsUnknownTransport(t *testing.T) {
	t.Setenv("CALL_TRANSPORT", "carrier-pigeon")

	_, err := Load()

	assert.ErrorContains(t, err, "CALL_TRANSPORT")
}

func TestLoad_RejectsBadICEServer(t *testing.T) {
	t.Setenv("CALL_ICE_SERVERS", "http://stun.example.com")

	_, err := Load()

	assert.ErrorContains(t, err, "ICE server")
}

func TestLoad_ProductionRequiresStrongSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()

	assert.ErrorContains(t, err, "JWT_SECRET")
}
