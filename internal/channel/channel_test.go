package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreTheCanonicalFive(t *testing.T) {
	defaults := Defaults()
	require.Len(t, defaults, 5)

	names := make([]string, 0, len(defaults))
	for i, cfg := range defaults {
		require.True(t, cfg.IsSystem)
		require.Equal(t, i, cfg.SortOrder)
		names = append(names, cfg.Name)
	}
	require.Equal(t, []string{"system", "voice", "music", "browser", "game"}, names)
}

func TestNodeNames(t *testing.T) {
	cfg := Config{Name: "music"}
	require.Equal(t, "ut-ch-music", cfg.SinkName())
	require.Equal(t, "ut-ch-music-stream-vol", cfg.FilterName(MixStream))
	require.Equal(t, "ut-ch-music-monitor-vol", cfg.FilterName(MixMonitor))

	require.Equal(t, "ut-stream-mix", MixStream.MixSinkName())
	require.Equal(t, "ut-monitor-mix", MixMonitor.MixSinkName())
}

func TestParseMix(t *testing.T) {
	mix, err := ParseMix("stream")
	require.NoError(t, err)
	require.Equal(t, MixStream, mix)

	mix, err = ParseMix("Monitor")
	require.NoError(t, err)
	require.Equal(t, MixMonitor, mix)

	_, err = ParseMix("aux")
	require.Error(t, err)
}

func TestNewStateDefaults(t *testing.T) {
	state := NewState(Config{Name: "game"})
	require.Equal(t, DefaultVolume, state.Stream.Volume)
	require.Equal(t, DefaultVolume, state.Monitor.Volume)
	require.False(t, state.Stream.Muted)
	require.False(t, state.Monitor.Muted)
	require.Zero(t, state.LevelLeft)
	require.Zero(t, state.LevelRight)
}

func TestMixStateSelectsSlice(t *testing.T) {
	state := NewState(Config{Name: "voice"})
	state.MixState(MixMonitor).Muted = true
	require.True(t, state.Monitor.Muted)
	require.False(t, state.Stream.Muted)
}

func TestClampVolume(t *testing.T) {
	require.Equal(t, 0.0, ClampVolume(-0.5))
	require.Equal(t, 1.0, ClampVolume(1.5))
	require.Equal(t, 0.3, ClampVolume(0.3))
}

func TestValid(t *testing.T) {
	for _, name := range Names() {
		require.True(t, Valid(name))
	}
	require.False(t, Valid("aux"))
	require.False(t, Valid(""))
}
