package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/config"
)

func TestConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, done, err := newLogger(config.LogConfig{Level: "warn", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", zap.String("id", "p1"))
	done()

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "p1")
}

func TestFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rapport.log")
	var console bytes.Buffer
	logger, done, err := newLogger(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	logger.Named("sync").Debug("cycle complete", zap.Int("pulled", 3))
	done()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "cycle complete", entry["msg"])
	assert.Equal(t, "sync", entry["logger"])
	assert.EqualValues(t, 3, entry["pulled"])
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
