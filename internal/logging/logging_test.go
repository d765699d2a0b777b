package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = zapcore.WarnLevel
	cfg.Fields = map[string]string{"service": "routeforge"}

	logger, err := NewWithWriter(cfg, &buf)
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("route unhealthy", zap.String("route_id", "mock/helm"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "route unhealthy", entry["msg"])
	assert.Equal(t, "mock/helm", entry["route_id"])
	assert.Equal(t, "routeforge", entry["service"])
	assert.Contains(t, entry, "ts")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: zapcore.DebugLevel, Format: "console"}, &buf)
	require.NoError(t, err)
	logger.Debug("planning")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "planning")
}

func TestUnknownFormatRejected(t *testing.T) {
	_, err := NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
