package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("chatty")
	require.Error(t, err)
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", true, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("cursor invalidated", "scope", "contacts")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "cursor invalidated", entry["msg"])
	require.Equal(t, "contacts", entry["scope"])
	require.Equal(t, "WARN", entry["level"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", false, &buf)
	require.NoError(t, err)
	logger.Debug("fetching", "mode", "full")
	require.Contains(t, buf.String(), "level=DEBUG")
	require.Contains(t, buf.String(), "mode=full")
}
