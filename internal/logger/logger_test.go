package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestProductionConsoleIsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Production: true, Console: &buf})
	l.Info("engine", "run started", map[string]any{"session_id": "s1"})
	l.Debug("engine", "hidden", nil)
	require.NoError(t, l.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "run started", entry["message"])
	assert.Equal(t, "engine", entry["module"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, map[string]any{"session_id": "s1"}, entry["details"])
}

func TestDebugLevelAndFileCore(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "pharmagent.log")
	l := New(Options{Debug: true, Console: &buf, File: path})
	l.Debug("backend", "request body", map[string]any{"prompt": "aspirin"})
	require.NoError(t, l.Sync())

	assert.Contains(t, buf.String(), "request body")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"module":"backend"`)
}

func TestErrorCarriesErrorField(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core))
	l.Error("engine", "backend failed", map[string]any{"error": errors.New("boom")})
	l.Warn("engine", "no details", nil)

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0].ContextMap()
	assert.Equal(t, "engine", first["module"])
	assert.Equal(t, "boom", first["error"])
	assert.Equal(t, map[string]any{}, logs.All()[1].ContextMap()["details"])
}
