package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/user/cua/internal/config"
)

func TestNew_ConsoleColors(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "debug", Format: "console"}, zapcore.AddSync(&buf))

	logger.Info("hello console")
	Sync(logger)

	out := buf.String()
	assert.Contains(t, out, colorGreen+"INFO"+colorReset)
	assert.Contains(t, out, "cua.")
	assert.Contains(t, out, "hello console")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

	logger.Info("structured", zap.String("call_id", "call_1"))
	Sync(logger)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "structured", entry["msg"])
	assert.Equal(t, "call_1", entry["call_id"])
	assert.Equal(t, "cua", entry["logger"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))

	logger.Info("dropped")
	logger.Warn("kept")
	Sync(logger)

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "loud", Format: "json"}, zapcore.AddSync(&buf))

	logger.Debug("dropped")
	logger.Info("kept")
	Sync(logger)

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cua.log")
	var console bytes.Buffer
	logger := New(config.LogConfig{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, zapcore.AddSync(&console))

	logger.Info("to both", zap.Int("round", 3))
	Sync(logger)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "file log is always JSON")
	assert.Equal(t, "to both", entry["msg"])
	assert.EqualValues(t, 3, entry["round"])
	assert.Contains(t, console.String(), "to both")
}

func TestSync_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { Sync(nil) })
}
