package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/undertone-audio/undertone/internal/channel"
)

func TestFromStatesSnapshotsEverything(t *testing.T) {
	states := []channel.State{
		channel.NewState(channel.Config{Name: "music"}),
		channel.NewState(channel.Config{Name: "voice"}),
	}
	states[0].Monitor.Volume = 0.2
	masters := map[channel.Mix]channel.MixState{
		channel.MixStream: {Volume: 0.9},
	}
	routes := map[string]string{"/usr/bin/spotify": "music"}

	p := FromStates("streaming", states, masters, routes)
	require.Equal(t, "streaming", p.Name)
	require.Len(t, p.Channels, 2)
	require.Equal(t, 0.2, p.Channels[0].Monitor.Volume)
	require.Equal(t, 0.9, p.Masters[channel.MixStream].Volume)

	// The profile holds copies, not aliases.
	routes["/usr/bin/spotify"] = "game"
	require.Equal(t, "music", p.Routes["/usr/bin/spotify"])
}

func TestStatesOverlaysOntoCurrent(t *testing.T) {
	current := []channel.State{
		channel.NewState(channel.Config{Name: "music"}),
		channel.NewState(channel.Config{Name: "game"}),
	}

	p := Profile{
		Channels: []Channel{
			{Name: "music", Stream: channel.MixState{Volume: 0.1}, Monitor: channel.MixState{Volume: 0.2, Muted: true}},
		},
	}

	out := p.States(current)
	require.Equal(t, 0.1, out[0].Stream.Volume)
	require.True(t, out[0].Monitor.Muted)
	// Channels absent from the profile keep their current state.
	require.Equal(t, channel.DefaultVolume, out[1].Stream.Volume)
}
