package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bluetooth-chat/internal/config"
)

func TestJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)

	log.Info("hidden")
	log.Named("relay").Warn("shown", zap.String("transport", "hci0"))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "shown", entry["msg"])
	require.Equal(t, "relay", entry["logger"])
	require.Equal(t, "hci0", entry["transport"])
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, config.LogConfig{})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("connected")
	require.Contains(t, buf.String(), "connected")
	require.NotContains(t, buf.String(), "hidden")
}

func TestInvalid(t *testing.T) {
	_, err := New(&bytes.Buffer{}, config.LogConfig{Level: "loud"})
	require.Error(t, err)
	_, err = New(&bytes.Buffer{}, config.LogConfig{Format: "xml"})
	require.Error(t, err)
}
