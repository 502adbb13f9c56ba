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

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: " warning ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseLogLevel(tc.in), "level %q", tc.in)
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "warn", "JSON"))

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("state warning", "channel_id", "c1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "state warning", rec["msg"])
	assert.Equal(t, "c1", rec["channel_id"])
	assert.Contains(t, rec, "source")
}

func TestTextHandlerIsDefault(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "debug", "")
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	slog.New(h).Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
