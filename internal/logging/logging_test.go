package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestWritesStdoutAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var stdout bytes.Buffer

	log, out, err := New(Options{
		Dir:          dir,
		Level:        "info",
		MaxAge:       24 * time.Hour,
		RotationTime: time.Hour,
		Stdout:       &stdout,
	})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("device discovered", "device", "10.0.0.4")
	require.NoError(t, out.Close())

	assert.Contains(t, stdout.String(), "device discovered")
	assert.NotContains(t, stdout.String(), "hidden")

	data, err := os.ReadFile(filepath.Join(dir, linkName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "device=10.0.0.4")
}

func TestStdoutOnly(t *testing.T) {
	var stdout bytes.Buffer
	log, out, err := New(Options{Level: "debug", Stdout: &stdout})
	require.NoError(t, err)
	log.Debug("visible")
	assert.NoError(t, out.Close())
	assert.Contains(t, stdout.String(), "visible")
}
