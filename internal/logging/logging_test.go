package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/librarian/internal/config"
)

func TestTextToFallback(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("upload done", "count", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden", "debug is below the configured level")
	assert.Contains(t, out, "msg=\"upload done\"")
	assert.Contains(t, out, "count=2")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("pass", "fetched", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pass", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.EqualValues(t, 3, entry["fetched"])
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "librarian.log")
	cfg := config.Default().Log
	cfg.File = path

	var fallback bytes.Buffer
	logger, closer, err := New(cfg, &fallback)
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Zero(t, fallback.Len())
}

func TestRejectsBadSettings(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, _, err = New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
