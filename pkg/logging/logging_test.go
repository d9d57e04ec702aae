package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestIntoContext_RoundTrip(t *testing.T) {
	l := Discard()
	ctx := IntoContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestNewWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level   string
		logInfo bool
		logWarn bool
	}{
		{level: "debug", logInfo: true, logWarn: true},
		{level: "info", logInfo: true, logWarn: true},
		{level: "warn", logInfo: false, logWarn: true},
		{level: "error", logInfo: false, logWarn: false},
		{level: "garbage", logInfo: true, logWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, tt.level)

			l.Info("info_event")
			assert.Equal(t, tt.logInfo, bytes.Contains(buf.Bytes(), []byte("info_event")))

			buf.Reset()
			l.Warn("warn_event", "status", 409)
			assert.Equal(t, tt.logWarn, bytes.Contains(buf.Bytes(), []byte("warn_event")))
		})
	}
}

func TestNewWithWriter_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info").Info("login_successful", "status", 200)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "login_successful", rec["msg"])
	assert.EqualValues(t, 200, rec["status"])
}
