package mixer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/undertone-audio/undertone/internal/channel"
)

// fakeGraph records the filter state the mixer pushes.
type fakeGraph struct {
	mu      sync.Mutex
	ids     map[string]uint32
	volumes map[uint32]float64
	mutes   map[uint32]bool
	monitor string
}

func newFakeGraph() *fakeGraph {
	g := &fakeGraph{
		ids:     make(map[string]uint32),
		volumes: make(map[uint32]float64),
		mutes:   make(map[uint32]bool),
	}
	next := uint32(1)
	for _, cfg := range channel.Defaults() {
		for _, mix := range channel.Mixes() {
			g.ids[cfg.FilterName(mix)] = next
			next++
		}
	}
	return g
}

func (g *fakeGraph) OwnedNodeID(name string) (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.ids[name]
	return id, ok
}

func (g *fakeGraph) SetFilterVolume(_ context.Context, nodeID uint32, gain float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volumes[nodeID] = gain
	return nil
}

func (g *fakeGraph) SetFilterMute(_ context.Context, nodeID uint32, muted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mutes[nodeID] = muted
	return nil
}

func (g *fakeGraph) SetMonitorOutput(_ context.Context, deviceName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.monitor = deviceName
	return nil
}

func (g *fakeGraph) filterState(t *testing.T, filterName string) (float64, bool) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.ids[filterName]
	require.True(t, ok)
	return g.volumes[id], g.mutes[id]
}

func defaultMixer(g *fakeGraph) *Mixer {
	return New(g, nil, nil)
}

func TestSetChannelVolumePushesComposedGain(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	applied, err := m.SetChannelVolume(context.Background(), "music", channel.MixMonitor, 0.25)
	require.NoError(t, err)
	require.Equal(t, 0.25, applied)

	gain, muted := g.filterState(t, "ut-ch-music-monitor-vol")
	require.InDelta(t, 0.25, gain, 1e-9)
	require.False(t, muted)

	// The other mix is untouched.
	st, err := m.Channel("music")
	require.NoError(t, err)
	require.Equal(t, channel.DefaultVolume, st.Stream.Volume)
}

func TestSetChannelVolumeClamps(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	applied, err := m.SetChannelVolume(context.Background(), "game", channel.MixStream, 1.7)
	require.NoError(t, err)
	require.Equal(t, 1.0, applied)

	applied, err = m.SetChannelVolume(context.Background(), "game", channel.MixStream, -0.2)
	require.NoError(t, err)
	require.Equal(t, 0.0, applied)
}

func TestSetChannelVolumeUnknownChannel(t *testing.T) {
	m := defaultMixer(newFakeGraph())
	_, err := m.SetChannelVolume(context.Background(), "aux", channel.MixStream, 0.5)
	require.Error(t, err)
}

func TestChannelMuteIsPerMix(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	require.NoError(t, m.SetChannelMute(context.Background(), "voice", channel.MixStream, true))

	_, streamMuted := g.filterState(t, "ut-ch-voice-stream-vol")
	_, monitorMuted := g.filterState(t, "ut-ch-voice-monitor-vol")
	require.True(t, streamMuted)
	require.False(t, monitorMuted)
}

func TestMasterVolumeComposesMultiplicatively(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	_, err := m.SetChannelVolume(context.Background(), "music", channel.MixStream, 0.5)
	require.NoError(t, err)
	_, err = m.SetMasterVolume(context.Background(), channel.MixStream, 0.5)
	require.NoError(t, err)

	gain, _ := g.filterState(t, "ut-ch-music-stream-vol")
	require.InDelta(t, 0.25, gain, 1e-9)

	// Every stream filter carries the master factor.
	gain, _ = g.filterState(t, "ut-ch-system-stream-vol")
	require.InDelta(t, channel.DefaultVolume*0.5, gain, 1e-9)
}

func TestMasterMuteOverridesChannelMute(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	require.NoError(t, m.SetMasterMute(context.Background(), channel.MixMonitor, true))
	_, muted := g.filterState(t, "ut-ch-music-monitor-vol")
	require.True(t, muted)

	// Unmuting the channel does not unmute while the master is muted.
	require.NoError(t, m.SetChannelMute(context.Background(), "music", channel.MixMonitor, false))
	_, muted = g.filterState(t, "ut-ch-music-monitor-vol")
	require.True(t, muted)

	require.NoError(t, m.SetMasterMute(context.Background(), channel.MixMonitor, false))
	_, muted = g.filterState(t, "ut-ch-music-monitor-vol")
	require.False(t, muted)
}

func TestApplyStatesPushesEverything(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	states := []channel.State{
		{Config: channel.Config{Name: "music"}, Stream: channel.MixState{Volume: 0.1}, Monitor: channel.MixState{Volume: 0.9, Muted: true}},
	}
	masters := map[channel.Mix]Master{
		channel.MixStream:  {Volume: 1},
		channel.MixMonitor: {Volume: 0.5},
	}
	require.NoError(t, m.ApplyStates(context.Background(), states, masters))

	gain, _ := g.filterState(t, "ut-ch-music-stream-vol")
	require.InDelta(t, 0.1, gain, 1e-9)
	gain, muted := g.filterState(t, "ut-ch-music-monitor-vol")
	require.InDelta(t, 0.45, gain, 1e-9)
	require.True(t, muted)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := defaultMixer(newFakeGraph())
	snap := m.Snapshot()
	require.Len(t, snap.Channels, 5)
	snap.Channels[0].Stream.Volume = 0.0

	st, err := m.Channel(snap.Channels[0].Config.Name)
	require.NoError(t, err)
	require.Equal(t, channel.DefaultVolume, st.Stream.Volume)
}

func TestSetMonitorOutputRecordsSelection(t *testing.T) {
	g := newFakeGraph()
	m := defaultMixer(g)

	require.NoError(t, m.SetMonitorOutput(context.Background(), "alsa_output.wave3"))
	require.Equal(t, "alsa_output.wave3", g.monitor)
	require.Equal(t, "alsa_output.wave3", m.MonitorOutput())
}
