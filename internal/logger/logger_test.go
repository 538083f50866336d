package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/omochice/moon-chat/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New("moon-chat", logger.Config{Level: "debug", Output: &buf})
	cl := logger.Component(l, "ws")
	cl.Info().Str("endpoint", "ws://x").Msg("connected")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "moon-chat", entry["service"])
	assert.Equal(t, "ws", entry["component"])
	assert.Equal(t, "ws://x", entry["endpoint"])
	assert.Equal(t, "connected", entry["message"])
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New("moon-chat", logger.Config{Level: "warn", Output: &buf})
	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}
