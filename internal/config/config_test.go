package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	loaded, err := Load("")
	require.NoError(t, err)
	require.False(t, loaded.Exists)
	require.Equal(t, "info", loaded.Config.LogLevel)
	require.Equal(t, 2*time.Second, loaded.Config.Graph.BindDeadline)
	require.Equal(t, 250*time.Millisecond, loaded.Config.Graph.ReconnectInitial)
	require.Equal(t, 10*time.Second, loaded.Config.Graph.ReconnectMax)
	require.Equal(t, "0fd9", loaded.Config.Device.VendorID)
	require.Equal(t, 10*time.Second, loaded.Config.Device.StartupWait)
	require.Equal(t, []string{"Mic", "Capture"}, loaded.Config.Device.MicControls)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	content := `
log_level = "debug"
database_path = "/tmp/test.db"

[graph]
bind_deadline = "5s"

[device]
mic_controls = ["Headset Mic"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Equal(t, "debug", loaded.Config.LogLevel)
	require.Equal(t, "/tmp/test.db", loaded.Config.DatabasePath)
	require.Equal(t, 5*time.Second, loaded.Config.Graph.BindDeadline)
	// Unset keys keep their defaults.
	require.Equal(t, 250*time.Millisecond, loaded.Config.Graph.ReconnectInitial)
	require.Equal(t, []string{"Headset Mic"}, loaded.Config.Device.MicControls)
}

func TestLoadXDGConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "undertone"), 0o700))
	require.NoError(t, os.WriteFile(
		filepath.Join(xdg, "undertone", "config.toml"),
		[]byte("log_level = \"warn\"\n"), 0o600,
	))

	loaded, err := Load("")
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Equal(t, "warn", loaded.Config.LogLevel)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.Graph.StartupWindow)
}
