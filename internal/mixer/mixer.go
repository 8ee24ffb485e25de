// Package mixer holds the canonical logical mixer state and translates
// intents into graph engine operations.
package mixer

import (
	"context"
	"fmt"
	"sync"

	"github.com/undertone-audio/undertone/internal/channel"
)

// GraphControl is the slice of the graph engine the mixer drives.
type GraphControl interface {
	OwnedNodeID(name string) (uint32, bool)
	SetFilterVolume(ctx context.Context, nodeID uint32, gain float64) error
	SetFilterMute(ctx context.Context, nodeID uint32, muted bool) error
	SetMonitorOutput(ctx context.Context, deviceName string) error
}

// Master is the per-mix master volume and mute. It shares the channel
// per-mix shape.
type Master = channel.MixState

// Snapshot is a copy of the full logical mixer state.
type Snapshot struct {
	Channels      []channel.State        `json:"channels"`
	Masters       map[channel.Mix]Master `json:"masters"`
	MonitorOutput string                 `json:"monitor_output"`
}

// Mixer owns the logical state. Effective filter gain is the product of
// the channel gain and the master gain for that mix; effective mute is the
// OR of the two. Masters are folded into every filter rather than given
// their own graph node, so master changes never re-link anything.
type Mixer struct {
	mu       sync.Mutex
	graph    GraphControl
	order    []string
	channels map[string]*channel.State
	masters  map[channel.Mix]*Master

	monitorOutput string
}

// New builds a mixer from hydrated channel states and masters. Unknown or
// missing channels are replaced by the canonical defaults.
func New(graphControl GraphControl, states []channel.State, masters map[channel.Mix]Master) *Mixer {
	m := &Mixer{
		graph:    graphControl,
		channels: make(map[string]*channel.State),
		masters: map[channel.Mix]*Master{
			channel.MixStream:  {Volume: 1},
			channel.MixMonitor: {Volume: 1},
		},
	}

	byName := make(map[string]channel.State, len(states))
	for _, st := range states {
		byName[st.Config.Name] = st
	}
	for _, cfg := range channel.Defaults() {
		st, ok := byName[cfg.Name]
		if !ok {
			st = channel.NewState(cfg)
		}
		copied := st
		m.channels[cfg.Name] = &copied
		m.order = append(m.order, cfg.Name)
	}

	for mix, master := range masters {
		copied := master
		m.masters[mix] = &copied
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Mixer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Masters:       make(map[channel.Mix]Master, 2),
		MonitorOutput: m.monitorOutput,
	}
	for _, name := range m.order {
		snap.Channels = append(snap.Channels, *m.channels[name])
	}
	for mix, master := range m.masters {
		snap.Masters[mix] = *master
	}
	return snap
}

// Channel returns a copy of one channel's state.
func (m *Mixer) Channel(name string) (channel.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.channels[name]
	if !ok {
		return channel.State{}, fmt.Errorf("unknown channel %q", name)
	}
	return *st, nil
}

// Master returns a copy of one mix's master state.
func (m *Mixer) Master(mix channel.Mix) Master {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.masters[mix]
}

// MonitorOutput returns the selected monitor output device name.
func (m *Mixer) MonitorOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitorOutput
}

// SetChannelVolume clamps and records the volume, then pushes the
// recomposed gain to the (channel, mix) filter. The applied value is
// returned.
func (m *Mixer) SetChannelVolume(ctx context.Context, name string, mix channel.Mix, volume float64) (float64, error) {
	volume = channel.ClampVolume(volume)

	m.mu.Lock()
	st, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("unknown channel %q", name)
	}
	st.MixState(mix).Volume = volume
	m.mu.Unlock()

	if err := m.push(ctx, name, mix); err != nil {
		return volume, err
	}
	return volume, nil
}

// SetChannelMute records the mute flag and pushes the recomposed state.
func (m *Mixer) SetChannelMute(ctx context.Context, name string, mix channel.Mix, muted bool) error {
	m.mu.Lock()
	st, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown channel %q", name)
	}
	st.MixState(mix).Muted = muted
	m.mu.Unlock()

	return m.push(ctx, name, mix)
}

// SetMasterVolume records the master volume for a mix and pushes every
// filter on that mix.
func (m *Mixer) SetMasterVolume(ctx context.Context, mix channel.Mix, volume float64) (float64, error) {
	volume = channel.ClampVolume(volume)

	m.mu.Lock()
	m.masters[mix].Volume = volume
	m.mu.Unlock()

	return volume, m.pushMix(ctx, mix)
}

// SetMasterMute records the master mute for a mix and pushes every filter
// on that mix. Master mute overrides per-channel mute.
func (m *Mixer) SetMasterMute(ctx context.Context, mix channel.Mix, muted bool) error {
	m.mu.Lock()
	m.masters[mix].Muted = muted
	m.mu.Unlock()

	return m.pushMix(ctx, mix)
}

// SetMonitorOutput repoints the monitor chain at the named device.
func (m *Mixer) SetMonitorOutput(ctx context.Context, deviceName string) error {
	if err := m.graph.SetMonitorOutput(ctx, deviceName); err != nil {
		return err
	}
	m.mu.Lock()
	m.monitorOutput = deviceName
	m.mu.Unlock()
	return nil
}

// RecordMonitorOutput stores the selection without touching the graph,
// for hydration before the graph is up.
func (m *Mixer) RecordMonitorOutput(deviceName string) {
	m.mu.Lock()
	m.monitorOutput = deviceName
	m.mu.Unlock()
}

// ApplyStates replaces channel and master state wholesale (profile load)
// and pushes everything.
func (m *Mixer) ApplyStates(ctx context.Context, states []channel.State, masters map[channel.Mix]Master) error {
	m.mu.Lock()
	for _, st := range states {
		current, ok := m.channels[st.Config.Name]
		if !ok {
			continue
		}
		current.Stream = st.Stream
		current.Monitor = st.Monitor
	}
	for mix, master := range masters {
		copied := master
		m.masters[mix] = &copied
	}
	m.mu.Unlock()

	return m.PushAll(ctx)
}

// PushAll recomposes and pushes every filter, used after the topology is
// built or rebuilt.
func (m *Mixer) PushAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.names() {
		for _, mix := range channel.Mixes() {
			if err := m.push(ctx, name, mix); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Mixer) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Mixer) pushMix(ctx context.Context, mix channel.Mix) error {
	var firstErr error
	for _, name := range m.names() {
		if err := m.push(ctx, name, mix); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// push applies the composition rule for one (channel, mix) filter.
func (m *Mixer) push(ctx context.Context, name string, mix channel.Mix) error {
	m.mu.Lock()
	st, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown channel %q", name)
	}
	mixState := *st.MixState(mix)
	master := *m.masters[mix]
	filterName := st.Config.FilterName(mix)
	m.mu.Unlock()

	nodeID, ok := m.graph.OwnedNodeID(filterName)
	if !ok {
		return fmt.Errorf("filter %s not built yet", filterName)
	}

	gain := mixState.Volume * master.Volume
	muted := mixState.Muted || master.Muted

	if err := m.graph.SetFilterVolume(ctx, nodeID, gain); err != nil {
		return fmt.Errorf("push volume to %s: %w", filterName, err)
	}
	if err := m.graph.SetFilterMute(ctx, nodeID, muted); err != nil {
		return fmt.Errorf("push mute to %s: %w", filterName, err)
	}
	return nil
}
