package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitLines([]byte("a\nb\nc\n")))
	assert.Equal(t, []string{"a", "b", "c"}, splitLines([]byte("a\nb\nc")))
	assert.Nil(t, splitLines([]byte("")))
}

func TestReadLoggingSectionExtractsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "edge:\n  agent_id: \"a\"\nlogging:\n  file: \"/var/log/edged.log\"\n  level: \"info\"\nscheduler:\n  check_interval_seconds: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	shim, err := readLoggingSection(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/edged.log", shim.Logging.File)
}

func TestReadLoggingSectionMissingFileFallsBackToEmpty(t *testing.T) {
	shim, err := readLoggingSection(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "", shim.Logging.File)
}
