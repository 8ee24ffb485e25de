package daemon

import (
	"context"
	"errors"
	"strings"

	"github.com/undertone-audio/undertone/internal/channel"
	"github.com/undertone-audio/undertone/internal/fsm"
	"github.com/undertone-audio/undertone/internal/graph"
	"github.com/undertone-audio/undertone/internal/ipc"
	"github.com/undertone-audio/undertone/internal/profile"
	"github.com/undertone-audio/undertone/internal/routing"
	"github.com/undertone-audio/undertone/internal/store"
)

// statePayload is the GetState snapshot.
type statePayload struct {
	State           fsm.State                        `json:"state"`
	DeviceConnected bool                             `json:"device_connected"`
	DeviceSerial    string                           `json:"device_serial,omitempty"`
	Channels        []channel.State                  `json:"channels"`
	Masters         map[channel.Mix]channel.MixState `json:"masters"`
	ActiveProfile   string                           `json:"active_profile"`
	Profiles        []profile.Summary                `json:"profiles"`
	MonitorOutput   string                           `json:"monitor_output"`
	Apps            []appInfo                        `json:"apps"`
	OutputDevices   []outputDevice                   `json:"output_devices"`
}

type appInfo struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Binary  string `json:"binary"`
	Channel string `json:"channel"`
}

type outputDevice struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	NodeID      uint32 `json:"node_id"`
}

func (d *Daemon) dispatch(ctx context.Context, in ipc.Incoming) {
	method, err := in.Req.MethodType()
	if err != nil {
		d.server.Respond(in.Conn, ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}

	respond := func(resp ipc.Response) { d.server.Respond(in.Conn, resp) }

	switch method {
	case ipc.MethodGetState:
		respond(ipc.Ok(in.Req.ID, d.statePayload()))

	case ipc.MethodGetChannels:
		respond(ipc.Ok(in.Req.ID, map[string]any{"channels": d.mixer.Snapshot().Channels}))

	case ipc.MethodGetChannel:
		var params ipc.GetChannelParams
		if err := in.Req.DecodeParams(&params); err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
			return
		}
		st, err := d.mixer.Channel(params.Name)
		if err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown channel %q", params.Name))
			return
		}
		respond(ipc.Ok(in.Req.ID, st))

	case ipc.MethodGetApps:
		respond(ipc.Ok(in.Req.ID, map[string]any{"apps": d.router.Apps()}))

	case ipc.MethodGetDeviceStatus:
		respond(ipc.Ok(in.Req.ID, d.deviceStatus()))

	case ipc.MethodGetAvailableOutputs:
		respond(ipc.Ok(in.Req.ID, map[string]any{"outputs": d.outputDevices()}))

	case ipc.MethodGetDiagnostics:
		respond(ipc.Ok(in.Req.ID, d.diagnostics()))

	case ipc.MethodSetChannelVolume:
		d.handleSetChannelVolume(ctx, in, respond)

	case ipc.MethodSetChannelMute:
		d.handleSetChannelMute(ctx, in, respond)

	case ipc.MethodSetMasterVolume:
		d.handleSetMasterVolume(ctx, in, respond)

	case ipc.MethodSetMasterMute:
		d.handleSetMasterMute(ctx, in, respond)

	case ipc.MethodSetMonitorOutput:
		d.handleSetMonitorOutput(ctx, in, respond)

	case ipc.MethodSetAppRoute:
		d.handleSetAppRoute(ctx, in, respond)

	case ipc.MethodRemoveAppRoute:
		d.handleRemoveAppRoute(ctx, in, respond)

	case ipc.MethodListProfiles:
		summaries, err := d.store.ListProfiles()
		if err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "list profiles: %v", err))
			return
		}
		respond(ipc.Ok(in.Req.ID, map[string]any{"profiles": summaries}))

	case ipc.MethodGetProfile:
		var params ipc.ProfileNameParams
		if err := in.Req.DecodeParams(&params); err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
			return
		}
		p, ok, err := d.store.LoadProfile(params.Name)
		if err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "load profile: %v", err))
			return
		}
		if !ok {
			respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown profile %q", params.Name))
			return
		}
		respond(ipc.Ok(in.Req.ID, p))

	case ipc.MethodSaveProfile:
		d.handleSaveProfile(in, respond)

	case ipc.MethodLoadProfile:
		d.handleLoadProfile(ctx, in, respond)

	case ipc.MethodDeleteProfile:
		d.handleDeleteProfile(in, respond)

	case ipc.MethodSetMicGain:
		d.handleSetMicGain(ctx, in, respond)

	case ipc.MethodSetMicMute, ipc.MethodToggleMicMute:
		d.handleMicMute(ctx, method, in, respond)

	case ipc.MethodSubscribe:
		var params ipc.SubscribeParams
		if err := in.Req.DecodeParams(&params); err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
			return
		}
		d.server.Subscribe(in.Conn, params.Events)
		respond(ipc.Ok(in.Req.ID, map[string]any{"subscribed": true}))

	case ipc.MethodUnsubscribe:
		var params ipc.SubscribeParams
		if err := in.Req.DecodeParams(&params); err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
			return
		}
		d.server.Unsubscribe(in.Conn, params.Events)
		respond(ipc.Ok(in.Req.ID, map[string]any{"subscribed": false}))

	case ipc.MethodReconcile:
		d.reconcile(ctx)
		respond(ipc.Ok(in.Req.ID, map[string]any{"reconciling": true}))

	case ipc.MethodShutdown:
		respond(ipc.Ok(in.Req.ID, map[string]any{"shutting_down": true}))
		d.Shutdown()

	default:
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "unknown method %q", method))
	}
}

func (d *Daemon) handleSetChannelVolume(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetChannelVolumeParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	mix, err := channel.ParseMix(params.Mix)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	current, err := d.mixer.Channel(params.Channel)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown channel %q", params.Channel))
		return
	}

	volume := channel.ClampVolume(params.Volume)
	next := *current.MixState(mix)
	next.Volume = volume
	if err := d.store.SaveChannelState(params.Channel, mix, next); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}

	if _, err := d.mixer.SetChannelVolume(ctx, params.Channel, mix, volume); err != nil {
		respond(d.graphErr(in.Req.ID, err))
		return
	}

	d.server.Broadcast(ipc.ChannelVolumeChangedEvent{
		Type: ipc.EventChannelVolumeChanged, Channel: params.Channel, Mix: string(mix), Volume: volume,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"volume": volume}))
}

func (d *Daemon) handleSetChannelMute(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetChannelMuteParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	mix, err := channel.ParseMix(params.Mix)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	current, err := d.mixer.Channel(params.Channel)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown channel %q", params.Channel))
		return
	}

	next := *current.MixState(mix)
	next.Muted = params.Muted
	if err := d.store.SaveChannelState(params.Channel, mix, next); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}

	if err := d.mixer.SetChannelMute(ctx, params.Channel, mix, params.Muted); err != nil {
		respond(d.graphErr(in.Req.ID, err))
		return
	}

	d.server.Broadcast(ipc.ChannelMuteChangedEvent{
		Type: ipc.EventChannelMuteChanged, Channel: params.Channel, Mix: string(mix), Muted: params.Muted,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"muted": params.Muted}))
}

func (d *Daemon) handleSetMasterVolume(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetMasterVolumeParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	mix, err := channel.ParseMix(params.Mix)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}

	volume := channel.ClampVolume(params.Volume)
	next := d.mixer.Master(mix)
	next.Volume = volume
	if err := d.store.SaveMaster(mix, next); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}

	if _, err := d.mixer.SetMasterVolume(ctx, mix, volume); err != nil {
		respond(d.graphErr(in.Req.ID, err))
		return
	}

	d.server.Broadcast(ipc.MasterChangedEvent{
		Type: ipc.EventMasterChanged, Mix: string(mix), Volume: volume, Muted: next.Muted,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"volume": volume}))
}

func (d *Daemon) handleSetMasterMute(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetMasterMuteParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	mix, err := channel.ParseMix(params.Mix)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}

	next := d.mixer.Master(mix)
	next.Muted = params.Muted
	if err := d.store.SaveMaster(mix, next); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}

	if err := d.mixer.SetMasterMute(ctx, mix, params.Muted); err != nil {
		respond(d.graphErr(in.Req.ID, err))
		return
	}

	d.server.Broadcast(ipc.MasterChangedEvent{
		Type: ipc.EventMasterChanged, Mix: string(mix), Volume: next.Volume, Muted: params.Muted,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"muted": params.Muted}))
}

func (d *Daemon) handleSetMonitorOutput(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetMonitorOutputParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	if params.DeviceName == "" {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "device_name is required"))
		return
	}

	if err := d.store.SetSetting(store.SettingMonitorOutput, params.DeviceName); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}
	if err := d.mixer.SetMonitorOutput(ctx, params.DeviceName); err != nil {
		respond(d.graphErr(in.Req.ID, err))
		return
	}

	d.server.Broadcast(ipc.MonitorOutputChangedEvent{
		Type: ipc.EventMonitorOutputChanged, DeviceName: params.DeviceName,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"device_name": params.DeviceName}))
}

func (d *Daemon) handleSetAppRoute(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetAppRouteParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	pattern := strings.TrimSpace(params.Pattern)
	if pattern == "" {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "route pattern is empty"))
		return
	}
	if !channel.Valid(params.Channel) {
		respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown channel %q", params.Channel))
		return
	}

	rule := routing.Rule{
		Pattern:     pattern,
		PatternType: routing.PatternSubstring,
		Channel:     params.Channel,
		Priority:    100,
		Persistent:  true,
	}
	if err := d.store.SaveRoute(rule); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}
	if err := d.reloadRules(ctx); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "%v", err))
		return
	}

	d.server.Broadcast(ipc.AppRouteChangedEvent{
		Type: ipc.EventAppRouteChanged, Pattern: pattern, Channel: params.Channel,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"pattern": pattern, "channel": params.Channel}))
}

func (d *Daemon) handleRemoveAppRoute(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.RemoveAppRouteParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}

	deleted, err := d.store.DeleteRoute(params.Pattern)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}
	if !deleted {
		respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown route %q", params.Pattern))
		return
	}
	if err := d.reloadRules(ctx); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "%v", err))
		return
	}

	d.server.Broadcast(ipc.AppRouteChangedEvent{
		Type: ipc.EventAppRouteChanged, Pattern: params.Pattern, Removed: true,
	})
	respond(ipc.Ok(in.Req.ID, map[string]any{"removed": true}))
}

// reloadRules refreshes the rule set from the store and re-evaluates
// every tracked stream.
func (d *Daemon) reloadRules(ctx context.Context) error {
	rules, err := d.store.LoadRoutes()
	if err != nil {
		return err
	}
	d.router.Rules().Replace(rules, nil)
	if _, err := d.router.Reevaluate(ctx); err != nil {
		d.log.Warn("route re-evaluation incomplete", "error", err)
	}
	return nil
}

func (d *Daemon) handleSaveProfile(in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.ProfileNameParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "profile name is empty"))
		return
	}

	snap := d.mixer.Snapshot()
	d.mu.Lock()
	overlay := d.profileRoutes
	d.mu.Unlock()

	p := profile.FromStates(name, snap.Channels, snap.Masters, overlay)
	if err := d.store.SaveProfile(p); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}

	d.server.Broadcast(ipc.ProfileEvent{Type: ipc.EventProfileListChanged})
	respond(ipc.Ok(in.Req.ID, map[string]any{"name": name}))
}

func (d *Daemon) handleLoadProfile(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.ProfileNameParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}

	if err := d.applyProfile(ctx, params.Name); err != nil {
		if errors.Is(err, errProfileNotFound) {
			respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown profile %q", params.Name))
			return
		}
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "%v", err))
		return
	}

	d.server.Broadcast(ipc.ProfileEvent{Type: ipc.EventProfileLoaded, Name: params.Name})
	respond(ipc.Ok(in.Req.ID, map[string]any{"name": params.Name}))
}

var errProfileNotFound = errors.New("profile not found")

// applyProfile loads, persists, and applies a profile: channel and master
// state replace the live values, and the route overlay takes effect. An
// empty overlay inherits the global rules.
func (d *Daemon) applyProfile(ctx context.Context, name string) error {
	p, ok, err := d.store.LoadProfile(name)
	if err != nil {
		return err
	}
	if !ok {
		return errProfileNotFound
	}

	snap := d.mixer.Snapshot()
	states := p.States(snap.Channels)

	// Persist first so a restart reproduces the loaded profile.
	for _, st := range states {
		for _, mix := range channel.Mixes() {
			if err := d.store.SaveChannelState(st.Config.Name, mix, *st.MixState(mix)); err != nil {
				return err
			}
		}
	}
	for mix, master := range p.Masters {
		if err := d.store.SaveMaster(mix, master); err != nil {
			return err
		}
	}
	if err := d.store.SetSetting(store.SettingActiveProfile, name); err != nil {
		return err
	}

	if err := d.mixer.ApplyStates(ctx, states, p.Masters); err != nil {
		d.log.Warn("profile volume push incomplete", "profile", name, "error", err)
	}

	d.mu.Lock()
	d.activeProfile = name
	d.profileRoutes = p.Routes
	d.mu.Unlock()

	d.router.Rules().SetOverlay(p.Routes)
	if _, err := d.router.Reevaluate(ctx); err != nil {
		d.log.Warn("profile route re-evaluation incomplete", "error", err)
	}
	return nil
}

func (d *Daemon) handleDeleteProfile(in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.ProfileNameParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}

	deleted, err := d.store.DeleteProfile(params.Name)
	if err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}
	if !deleted {
		if _, ok, lookupErr := d.store.LoadProfile(params.Name); lookupErr == nil && !ok {
			respond(ipc.Err(in.Req.ID, ipc.CodeNotFound, "unknown profile %q", params.Name))
			return
		}
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "profile %q missing or protected", params.Name))
		return
	}

	d.server.Broadcast(ipc.ProfileEvent{Type: ipc.EventProfileListChanged})
	respond(ipc.Ok(in.Req.ID, map[string]any{"deleted": true}))
}

func (d *Daemon) handleSetMicGain(ctx context.Context, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetMicGainParams
	if err := in.Req.DecodeParams(&params); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
		return
	}
	if params.Value < 0 || params.Value > 1 {
		respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "gain %v out of range", params.Value))
		return
	}

	if err := d.store.SaveMicGain(deviceKey(d.serial()), params.Value); err != nil {
		respond(ipc.Err(in.Req.ID, ipc.CodeInternal, "persist: %v", err))
		return
	}

	// The mixer subprocess is bounded but slow; keep the state loop free.
	// A subprocess failure degrades to "no effect" with a log line.
	go func() {
		if d.mic != nil {
			if err := d.mic.SetGain(ctx, params.Value); err != nil {
				d.log.Warn("mic gain not applied", "error", err)
			}
		}
		respond(ipc.Ok(in.Req.ID, map[string]any{"value": params.Value}))
	}()
}

func (d *Daemon) handleMicMute(ctx context.Context, method string, in ipc.Incoming, respond func(ipc.Response)) {
	var params ipc.SetMicMuteParams
	if method == ipc.MethodSetMicMute {
		if err := in.Req.DecodeParams(&params); err != nil {
			respond(ipc.Err(in.Req.ID, ipc.CodeInvalidArgument, "%v", err))
			return
		}
	}

	go func() {
		if d.mic == nil {
			respond(ipc.Ok(in.Req.ID, map[string]any{"muted": false}))
			return
		}
		var muted bool
		var err error
		if method == ipc.MethodToggleMicMute {
			muted, err = d.mic.ToggleMute(ctx)
		} else {
			err = d.mic.SetMute(ctx, params.Muted)
			muted = d.mic.Muted()
		}
		if err != nil {
			d.log.Warn("mic mute not applied", "error", err)
		}
		d.server.Broadcast(ipc.MicMuteChangedEvent{Type: ipc.EventMicMuteChanged, Muted: muted})
		respond(ipc.Ok(in.Req.ID, map[string]any{"muted": muted}))
	}()
}

func (d *Daemon) statePayload() statePayload {
	snap := d.mixer.Snapshot()
	d.mu.Lock()
	payload := statePayload{
		State:           d.state,
		DeviceConnected: d.deviceConnected,
		DeviceSerial:    d.deviceSerial,
		ActiveProfile:   d.activeProfile,
	}
	d.mu.Unlock()

	payload.Channels = snap.Channels
	payload.Masters = snap.Masters
	payload.MonitorOutput = snap.MonitorOutput
	payload.OutputDevices = d.outputDevices()

	for _, app := range d.router.Apps() {
		payload.Apps = append(payload.Apps, appInfo{
			ID: app.ID, Name: app.Name, Binary: app.Binary, Channel: app.Channel,
		})
	}
	if summaries, err := d.store.ListProfiles(); err == nil {
		payload.Profiles = summaries
	}
	return payload
}

func (d *Daemon) deviceStatus() map[string]any {
	d.mu.Lock()
	connected := d.deviceConnected
	serial := d.deviceSerial
	d.mu.Unlock()

	status := map[string]any{
		"connected":   connected,
		"serial":      serial,
		"mic_control": "unavailable",
		"mic_gain":    0.0,
		"mic_muted":   false,
	}
	if d.mic != nil {
		status["mic_control"] = d.mic.Control()
		status["mic_gain"] = d.mic.Gain()
		status["mic_muted"] = d.mic.Muted()
	}
	return status
}

func (d *Daemon) outputDevices() []outputDevice {
	nodes := d.engine.Mirror().OutputDevices()
	out := make([]outputDevice, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, outputDevice{Name: node.Name, Description: node.Description, NodeID: node.ID})
	}
	return out
}

func (d *Daemon) diagnostics() map[string]any {
	events, err := d.store.RecentEvents(50)
	if err != nil {
		d.log.Warn("read event log failed", "error", err)
	}
	return map[string]any{
		"state":       d.currentState(),
		"owned_nodes": d.engine.OwnedNodes(),
		"owned_links": len(d.engine.OwnedLinks()),
		"recent":      events,
	}
}

func (d *Daemon) graphErr(id uint64, err error) ipc.Response {
	switch {
	case errors.Is(err, graph.ErrDisconnected):
		return ipc.Err(id, ipc.CodeUnavailable, "graph server disconnected")
	case errors.Is(err, graph.ErrTimeout), errors.Is(err, graph.ErrPortNotFound):
		return ipc.Err(id, ipc.CodeTimeout, "%v", err)
	case errors.Is(err, graph.ErrInvalidArgument):
		return ipc.Err(id, ipc.CodeInvalidArgument, "%v", err)
	case errors.Is(err, graph.ErrNodeNotFound), errors.Is(err, graph.ErrNotOwned):
		return ipc.Err(id, ipc.CodeNotFound, "%v", err)
	default:
		return ipc.Err(id, ipc.CodeInternal, "%v", err)
	}
}
