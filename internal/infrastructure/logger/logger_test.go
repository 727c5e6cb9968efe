package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/chat-sync/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.raw), "raw=%q", tt.raw)
	}
}

func TestNewWithWriter_AddsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{ServiceName: "chat-sync", Environment: "test", LogLevel: "info"}, &buf)

	Component(log, "session").Info().Str("chat_id", "c1").Msg("opened")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "chat-sync", line["service"])
	assert.Equal(t, "test", line["environment"])
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, "c1", line["chat_id"])
}

func TestNewWithWriter_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{LogLevel: "error"}, &buf)

	log.Info().Msg("dropped")

	assert.Zero(t, buf.Len())
}
