package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rangescan.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Info("dropped below level")
	log.Warn("scan aborted")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "scan aborted", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "rangescan", entry["service"])
}

func TestNew_ServiceAndFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	log, err := New(Config{Level: "not-a-level", Format: "console", OutputFile: path, Service: "gojodb_scan"})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("visible")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "hidden")
	require.Contains(t, string(raw), "visible")
	require.Contains(t, string(raw), "gojodb_scan")

	_, err = New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}
