package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapLoggerPluginFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "framework.log")
	l, err := NewZapLogger(ZapConfig{Filepath: logPath, Level: LevelDebug, MaxSize: 1})
	require.NoError(t, err)

	l.Info("plugin installed", KV("plugin_id", 7, "symbolic_name", "org.a")...)
	l.WithGroup("refresh").Debug("sweep completed", KV("updated", 2)...)
	l.With(Field{Key: "uuid", Value: "fw-1"}).Warn("autostart resolve failed")
	require.NoError(t, l.Sync())

	records := readLogRecords(t, logPath)
	assert.True(t, hasRecord(records, "plugin installed", "plugin_id", float64(7)))
	assert.True(t, hasRecord(records, "plugin installed", "symbolic_name", "org.a"))
	assert.True(t, hasRecord(records, "sweep completed", "refresh.updated", float64(2)))
	assert.True(t, hasRecord(records, "autostart resolve failed", "uuid", "fw-1"))
}

func TestZapLoggerLevelFilter(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "level.log")
	l, err := NewZapLogger(ZapConfig{Filepath: logPath, Level: LevelWarn, MaxSize: 1})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, l.Enabled(ctx, LevelInfo))
	assert.True(t, l.Enabled(ctx, LevelError))

	l.InfoContext(ctx, "plugin started")
	l.ErrorContext(ctx, "activator failed", KV("plugin_id", 3)...)
	require.NoError(t, l.Sync())

	records := readLogRecords(t, logPath)
	require.Len(t, records, 1)
	assert.Equal(t, "activator failed", records[0]["msg"])
}

func TestKV(t *testing.T) {
	assert.Nil(t, KV())
	assert.Nil(t, KV("dangling"))
	assert.Equal(t, []Field{{Key: "a", Value: 1}, {Key: "2", Value: "b"}}, KV("a", 1, 2, "b", "tail"))
}

func TestLevelString(t *testing.T) {
	for _, lv := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(lv.String())
		require.NoError(t, err)
		assert.Equal(t, lv, parsed)
	}
	assert.Equal(t, "level(9)", Level(9).String())
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop(), OrNop(nil))

	l, err := NewZapLogger(ZapConfig{Output: OutputStderr, Level: LevelInfo})
	require.NoError(t, err)
	assert.Same(t, l, OrNop(l))
	assert.NoError(t, Nop().Sync())
	assert.False(t, Nop().Enabled(context.Background(), LevelError))
}

func TestRegistryNamedFrameworkLogger(t *testing.T) {
	resetRegistry()

	t.Setenv("PLUGIN_LOG_ENABLE", "on")
	logPath := filepath.Join(t.TempDir(), "plugins.log")
	require.NoError(t, InitFromConfig(Config{Loggers: []NamedConfig{{
		Name:      "framework",
		Filepath:  logPath,
		Level:     "debug",
		EnableEnv: "PLUGIN_LOG_ENABLE",
	}}}))

	log := Get("framework")
	log.Debug("plugin event", KV("type", "STARTED")...)
	require.NoError(t, log.Sync())

	records := readLogRecords(t, logPath)
	assert.True(t, hasRecord(records, "plugin event", "type", "STARTED"))
	assert.Equal(t, Nop(), Get("refresh"))
}

func TestRegistryNamedLoggerGated(t *testing.T) {
	resetRegistry()

	logPath := filepath.Join(t.TempDir(), "gated.log")
	require.NoError(t, InitFromConfig(Config{Loggers: []NamedConfig{{
		Name:      "framework",
		Filepath:  logPath,
		EnableEnv: "PLUGIN_LOG_ENABLE_UNSET",
	}}}))

	Get("framework").Info("dropped")
	require.NoError(t, Get("framework").Sync())

	_, err := os.Stat(logPath)
	assert.True(t, os.IsNotExist(err))
}

func readLogRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		records = append(records, record)
	}
	require.NotEmpty(t, records)
	return records
}

func hasRecord(records []map[string]any, msg, key string, val any) bool {
	for _, record := range records {
		if record["msg"] == msg && record[key] == val {
			return true
		}
	}
	return false
}
