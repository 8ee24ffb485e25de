package graph

import (
	"context"
	"fmt"

	"github.com/undertone-audio/undertone/internal/channel"
)

// Topology is the desired set of owned objects: the channel sinks, the two
// mix sinks, the volume filters between them, and the external monitor
// output selection.
type Topology struct {
	Channels []channel.Config
	// MonitorOutput is the node name of the hardware sink the monitor mix
	// feeds; empty means not connected yet.
	MonitorOutput string
}

// Link role keys for owned links, so rebuilds and reconciliation can find
// them without holding proxies across reconnects.
func feedRole(filterName string) string { return "feed:" + filterName }
func mixRole(filterName string) string  { return "mix:" + filterName }
func monitorOutRole() string            { return "monitor-out" }

// SetDesired records the topology the engine maintains across reconnects.
func (e *Engine) SetDesired(t Topology) {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := t
	copied.Channels = make([]channel.Config, len(t.Channels))
	copy(copied.Channels, t.Channels)
	e.desired = &copied
}

// Desired returns the recorded topology, or nil before SetDesired.
func (e *Engine) Desired() *Topology {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.desired == nil {
		return nil
	}
	copied := *e.desired
	return &copied
}

// Rebuild creates every missing owned object in dependency order: mix
// sinks, channel sinks, volume filters, internal links, then the external
// monitor-output links. Each creation waits for the server's bind before
// the next begins. Objects that already exist are left alone, so Rebuild
// doubles as the reconciliation pass.
func (e *Engine) Rebuild(ctx context.Context) error {
	desired := e.Desired()
	if desired == nil {
		return fmt.Errorf("%w: no desired topology recorded", ErrInvalidArgument)
	}

	for _, mix := range channel.Mixes() {
		name := mix.MixSinkName()
		if _, err := e.ensureSink(ctx, name, mixDescription(mix)); err != nil {
			return err
		}
	}

	for _, cfg := range desired.Channels {
		if _, err := e.ensureSink(ctx, cfg.SinkName(), fmt.Sprintf("Undertone: %s Channel", cfg.DisplayName)); err != nil {
			return err
		}
	}

	for _, cfg := range desired.Channels {
		for _, mix := range channel.Mixes() {
			name := cfg.FilterName(mix)
			if e.hasOwnedNode(name) {
				continue
			}
			desc := fmt.Sprintf("Undertone: %s %s Volume", cfg.DisplayName, titleMix(mix))
			if _, err := e.CreateVolumeFilter(ctx, name, desc); err != nil {
				return err
			}
		}
	}

	for _, cfg := range desired.Channels {
		chID, ok := e.OwnedNodeID(cfg.SinkName())
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, cfg.SinkName())
		}
		for _, mix := range channel.Mixes() {
			filterName := cfg.FilterName(mix)
			filterID, ok := e.OwnedNodeID(filterName)
			if !ok {
				return fmt.Errorf("%w: %s", ErrNodeNotFound, filterName)
			}
			mixID, ok := e.OwnedNodeID(mix.MixSinkName())
			if !ok {
				return fmt.Errorf("%w: %s", ErrNodeNotFound, mix.MixSinkName())
			}
			if err := e.ensureStereo(ctx, feedRole(filterName), chID, filterID); err != nil {
				return err
			}
			if err := e.ensureStereo(ctx, mixRole(filterName), filterID, mixID); err != nil {
				return err
			}
		}
	}

	if desired.MonitorOutput != "" {
		if err := e.connectMonitorOutput(ctx, desired.MonitorOutput); err != nil {
			// The selected device may simply not be present right now;
			// that is a degraded state, not a rebuild failure.
			e.log.Warn("monitor output not connected", "device", desired.MonitorOutput, "error", err)
		}
	}
	return nil
}

func (e *Engine) hasOwnedNode(name string) bool {
	id, ok := e.OwnedNodeID(name)
	if !ok {
		return false
	}
	_, present := e.mirror.Node(id)
	return present
}

func (e *Engine) ensureSink(ctx context.Context, name, description string) (uint32, error) {
	if id, ok := e.OwnedNodeID(name); ok {
		if _, present := e.mirror.Node(id); present {
			return id, nil
		}
	}
	return e.CreateSink(ctx, name, description)
}

func (e *Engine) ensureStereo(ctx context.Context, role string, outputNode, inputNode uint32) error {
	missing := false
	for _, ch := range []string{"FL", "FR"} {
		id, ok := e.LinkByRole(role + ":" + ch)
		if !ok {
			missing = true
			break
		}
		if _, present := e.mirror.Link(id); !present {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}
	_, err := e.createStereoRole(ctx, role, outputNode, inputNode)
	return err
}

// SetMonitorOutput repoints the monitor mix at a hardware sink: the
// current external links are destroyed, then new ones are created to the
// named device's playback ports.
func (e *Engine) SetMonitorOutput(ctx context.Context, deviceName string) error {
	if deviceName == "" {
		return fmt.Errorf("%w: empty device name", ErrInvalidArgument)
	}
	if _, ok := e.mirror.NodeByName(deviceName); !ok {
		return fmt.Errorf("output device %q: %w", deviceName, ErrNodeNotFound)
	}

	for _, ch := range []string{"FL", "FR"} {
		if id, ok := e.LinkByRole(monitorOutRole() + ":" + ch); ok {
			if err := e.DestroyLink(ctx, id); err != nil {
				return err
			}
		}
	}

	if err := e.connectMonitorOutput(ctx, deviceName); err != nil {
		return err
	}

	e.mu.Lock()
	if e.desired != nil {
		e.desired.MonitorOutput = deviceName
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) connectMonitorOutput(ctx context.Context, deviceName string) error {
	device, ok := e.mirror.NodeByName(deviceName)
	if !ok {
		return fmt.Errorf("output device %q: %w", deviceName, ErrNodeNotFound)
	}
	mixID, ok := e.OwnedNodeID(channel.MixMonitor.MixSinkName())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, channel.MixMonitor.MixSinkName())
	}
	_, err := e.createStereoRole(ctx, monitorOutRole(), mixID, device.ID)
	return err
}

// Teardown destroys owned objects in reverse dependency order: links
// first, then filters, then channel sinks, then mix sinks.
func (e *Engine) Teardown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for id := range e.OwnedLinks() {
		record(e.DestroyLink(ctx, id))
	}

	desired := e.Desired()
	if desired == nil {
		for _, id := range e.OwnedNodes() {
			record(e.DestroyNode(ctx, id))
		}
		return firstErr
	}

	for _, cfg := range desired.Channels {
		for _, mix := range channel.Mixes() {
			if id, ok := e.OwnedNodeID(cfg.FilterName(mix)); ok {
				record(e.DestroyNode(ctx, id))
			}
		}
	}
	for _, cfg := range desired.Channels {
		if id, ok := e.OwnedNodeID(cfg.SinkName()); ok {
			record(e.DestroyNode(ctx, id))
		}
	}
	for _, mix := range channel.Mixes() {
		if id, ok := e.OwnedNodeID(mix.MixSinkName()); ok {
			record(e.DestroyNode(ctx, id))
		}
	}
	return firstErr
}

func (e *Engine) rebuildAfterReconnect(ctx context.Context) {
	if err := e.Rebuild(ctx); err != nil {
		e.log.Error("rebuild after reconnect failed", "error", err)
		return
	}
	e.log.Info("owned topology rebuilt after reconnect")
	e.notify(Rebuilt{})
}

func mixDescription(mix channel.Mix) string {
	return fmt.Sprintf("Undertone: %s Mix", titleMix(mix))
}

func titleMix(mix channel.Mix) string {
	switch mix {
	case channel.MixStream:
		return "Stream"
	case channel.MixMonitor:
		return "Monitor"
	}
	return string(mix)
}
