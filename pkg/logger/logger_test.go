package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return logs
}

func TestFromContext_AddsSessionAndRequestIDs(t *testing.T) {
	logs := observe(t)
	ctx := WithSessionID(WithRequestID(context.Background(), "req-1"), "s-1")

	FromContext(ctx).Info("Starting call")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "s-1", fields["session_id"])
}

func TestFromContext_SkipsEmptySession(t *testing.T) {
	logs := observe(t)

	FromContext(WithSessionID(context.Background(), "")).Info("Ending call")

	require.Equal(t, 1, logs.Len())
	assert.NotContains(t, logs.All()[0].ContextMap(), "session_id")
}
