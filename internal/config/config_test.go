package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EDGE_SECRET", "s3cret")
	path := writeTemp(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.EdgeSecret)
	require.Equal(t, 100, cfg.IMessage.MaxMessagesPerPoll)
	require.True(t, cfg.IMessage.EnableFastCheck)
	require.Equal(t, 1, cfg.IMessage.PollIntervalSeconds)
	require.Equal(t, 60000, cfg.Backend.RequestTimeoutMs)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("EDGE_SECRET", "")
	path := writeTemp(t, "")
	_, err := Load(path)
	require.Error(t, err)
}

func TestProfilePresetAppliesBeforeOverride(t *testing.T) {
	t.Setenv("EDGE_SECRET", "s3cret")
	path := writeTemp(t, `
performance:
  profile: "low-resource"
  parallel_message_processing: 9
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	// Explicit file value wins over the preset.
	require.Equal(t, 9, cfg.Performance.ParallelMessageProcessing)
	require.Equal(t, 2, cfg.Backend.MaxConcurrentRequests)
}

func TestEnvOverridesBackendURL(t *testing.T) {
	t.Setenv("EDGE_SECRET", "s3cret")
	t.Setenv("BACKEND_URL", "https://edge.example.com")
	path := writeTemp(t, `
backend:
  url: "https://stale.example.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://edge.example.com", cfg.Backend.URL)
}

func TestAgentIDDefaultsFromPhone(t *testing.T) {
	t.Setenv("EDGE_SECRET", "s3cret")
	t.Setenv("USER_PHONE", "+15551234567")
	path := writeTemp(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "edge_15551234567", cfg.Edge.AgentID)
}

func TestIsHotReloadable(t *testing.T) {
	require.True(t, IsHotReloadable("logging.level"))
	require.False(t, IsHotReloadable("imessage.db_path"))
}
