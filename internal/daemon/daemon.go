// Package daemon wires the graph engine, mixer core, router, store, and
// IPC server together and runs the main event loop. All state mutations
// are applied by this loop, so event ordering toward clients is
// deterministic.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/undertone-audio/undertone/internal/channel"
	"github.com/undertone-audio/undertone/internal/config"
	"github.com/undertone-audio/undertone/internal/device"
	"github.com/undertone-audio/undertone/internal/fsm"
	"github.com/undertone-audio/undertone/internal/graph"
	"github.com/undertone-audio/undertone/internal/ipc"
	"github.com/undertone-audio/undertone/internal/mixer"
	"github.com/undertone-audio/undertone/internal/router"
	"github.com/undertone-audio/undertone/internal/routing"
	"github.com/undertone-audio/undertone/internal/store"
)

// ErrGraphUnreachable means the graph server never became reachable
// within the startup window (exit code 74).
var ErrGraphUnreachable = errors.New("graph server unreachable within startup window")

// Options are the assembled dependencies.
type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Engine   *graph.Engine
	Server   *ipc.Server
	Listener net.Listener
	Mic      *device.Mic
	// Identify resolves the capture device out of band; defaults to
	// device.Identify.
	Identify func(context.Context) (device.Identity, error)
}

// Daemon is the running service.
type Daemon struct {
	cfg      config.Config
	log      *slog.Logger
	store    *store.Store
	engine   *graph.Engine
	server   *ipc.Server
	listener net.Listener
	mic      *device.Mic
	identify func(context.Context) (device.Identity, error)

	mixer  *mixer.Mixer
	router *router.Router

	mu              sync.Mutex
	state           fsm.State
	deviceConnected bool
	deviceSerial    string
	activeProfile   string
	profileRoutes   map[string]string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	reconciling  bool
}

// New assembles a daemon from its dependencies.
func New(opts Options) *Daemon {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	identify := opts.Identify
	if identify == nil {
		identify = device.Identify
	}
	return &Daemon{
		cfg:           opts.Config,
		log:           log,
		store:         opts.Store,
		engine:        opts.Engine,
		server:        opts.Server,
		listener:      opts.Listener,
		mic:           opts.Mic,
		identify:      identify,
		state:         fsm.StateInitializing,
		activeProfile: "Default",
		shutdownCh:    make(chan struct{}),
	}
}

// Run starts the engine and IPC server, hydrates state from the store,
// builds the graph topology, and processes events until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engineDone := make(chan error, 1)
	go func() { engineDone <- d.engine.Run(ctx) }()

	if err := d.awaitGraph(ctx, engineDone); err != nil {
		return err
	}

	if err := d.hydrate(); err != nil {
		return fmt.Errorf("hydrate state: %w", err)
	}

	d.transition(fsm.EventGraphReady)
	d.awaitDevice(ctx)

	if err := d.buildTopology(ctx); err != nil {
		return fmt.Errorf("build graph topology: %w", err)
	}

	if name, ok, err := d.store.Setting(store.SettingDefaultProfile); err != nil {
		return err
	} else if ok {
		if err := d.applyProfile(ctx, name); err != nil {
			d.log.Warn("default profile not applied", "profile", name, "error", err)
		}
	}

	for _, node := range d.engine.Mirror().AppStreams() {
		d.handleAppAppeared(ctx, node)
	}

	d.transition(fsm.EventNodesCreated)
	d.log.Info("daemon running", "socket", d.listener.Addr().String())

	serveDone := make(chan error, 1)
	go func() { serveDone <- d.server.Serve(ctx, d.listener) }()

	for {
		select {
		case <-ctx.Done():
			<-engineDone
			<-serveDone
			return nil

		case <-d.shutdownCh:
			d.transition(fsm.EventShutdown)
			d.broadcastState()
			d.teardown()
			cancel()
			<-engineDone
			<-serveDone
			return nil

		case in := <-d.server.Requests():
			d.dispatch(ctx, in)

		case notice, ok := <-d.engine.Notices():
			if !ok {
				return errors.New("graph engine stopped unexpectedly")
			}
			d.handleNotice(ctx, notice)

		case err := <-engineDone:
			return fmt.Errorf("graph engine failed: %w", err)

		case err := <-serveDone:
			return fmt.Errorf("ipc server failed: %w", err)
		}
	}
}

// awaitGraph waits for the first Connected notice within the startup
// window.
func (d *Daemon) awaitGraph(ctx context.Context, engineDone <-chan error) error {
	window := d.cfg.Graph.StartupWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case notice, ok := <-d.engine.Notices():
			if !ok {
				return ErrGraphUnreachable
			}
			if _, connected := notice.(graph.Connected); connected {
				return nil
			}
		case err := <-engineDone:
			return fmt.Errorf("%w: %v", ErrGraphUnreachable, err)
		case <-timer.C:
			return ErrGraphUnreachable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitDevice holds the daemon in waiting_for_device until the capture
// device appears or the configured window elapses. Absence is not fatal:
// the daemon continues in generic-mixer mode and picks the device up from
// a later graph notice.
func (d *Daemon) awaitDevice(ctx context.Context) {
	if node, ok := d.engine.Mirror().CaptureDevice(); ok {
		d.handleCaptureConnected(ctx, node.Props["device.serial"])
		d.transition(fsm.EventDeviceFound)
		return
	}

	wait := d.cfg.Device.StartupWait
	if wait <= 0 {
		d.transition(fsm.EventDeviceTimeout)
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case notice, ok := <-d.engine.Notices():
			if !ok {
				d.transition(fsm.EventDeviceTimeout)
				return
			}
			if connected, isCapture := notice.(graph.CaptureConnected); isCapture {
				d.handleCaptureConnected(ctx, connected.Serial)
				d.transition(fsm.EventDeviceFound)
				return
			}
			// Everything else (app streams, output devices) is still in
			// the mirror and handled after startup.
		case <-timer.C:
			d.log.Warn("capture device not found, continuing in generic-mixer mode",
				"waited", wait)
			d.transition(fsm.EventDeviceTimeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) hydrate() error {
	states, err := d.store.LoadChannels()
	if err != nil {
		return err
	}
	masters, err := d.store.LoadMasters()
	if err != nil {
		return err
	}
	d.mixer = mixer.New(d.engine, states, masters)

	rules, err := d.store.LoadRoutes()
	if err != nil {
		return err
	}
	d.router = router.New(d.log, d.engine, routing.NewRuleSet(rules, nil))

	if monitorOut, ok, err := d.store.Setting(store.SettingMonitorOutput); err != nil {
		return err
	} else if ok {
		d.mixer.RecordMonitorOutput(monitorOut)
	}
	if active, ok, err := d.store.Setting(store.SettingActiveProfile); err != nil {
		return err
	} else if ok {
		d.mu.Lock()
		d.activeProfile = active
		d.mu.Unlock()
	}
	return nil
}

func (d *Daemon) buildTopology(ctx context.Context) error {
	configs := make([]channel.Config, 0, 5)
	for _, st := range d.mixer.Snapshot().Channels {
		configs = append(configs, st.Config)
	}
	d.engine.SetDesired(graph.Topology{
		Channels:      configs,
		MonitorOutput: d.mixer.MonitorOutput(),
	})
	if err := d.engine.Rebuild(ctx); err != nil {
		return err
	}
	if err := d.mixer.PushAll(ctx); err != nil {
		d.log.Warn("initial volume push incomplete", "error", err)
	}
	return nil
}

func (d *Daemon) teardown() {
	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.engine.Teardown(teardownCtx); err != nil {
		d.log.Warn("teardown incomplete", "error", err)
	}
}

// Shutdown requests a graceful stop.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// transition applies a lifecycle event, keeping the current state on
// invalid transitions.
func (d *Daemon) transition(event fsm.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := fsm.Transition(d.state, event)
	if err != nil {
		d.log.Debug("lifecycle transition rejected", "state", d.state, "event", event)
		return
	}
	d.state = next
}

func (d *Daemon) currentState() fsm.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) broadcastState() {
	d.server.Broadcast(ipc.StateChangedEvent{Type: ipc.EventStateChanged, State: string(d.currentState())})
}

func (d *Daemon) handleNotice(ctx context.Context, notice graph.Notice) {
	switch notice := notice.(type) {
	case graph.AppStreamAppeared:
		d.handleAppAppeared(ctx, notice.Node)

	case graph.AppStreamRemoved:
		if info, ok := d.router.HandleRemoved(notice.ID); ok {
			d.server.Broadcast(ipc.AppDisappearedEvent{Type: ipc.EventAppDisappeared, ID: info.ID})
		}

	case graph.CaptureConnected:
		d.handleCaptureConnected(ctx, notice.Serial)
		d.transition(fsm.EventDeviceFound)

	case graph.CaptureDisconnected:
		d.mu.Lock()
		d.deviceConnected = false
		d.mu.Unlock()
		d.transition(fsm.EventDeviceLost)
		d.server.Broadcast(ipc.DeviceEvent{Type: ipc.EventDeviceDisconnected})
		d.broadcastState()

	case graph.Disconnected:
		d.transition(fsm.EventGraphLost)
		d.server.Broadcast(ipc.DeviceEvent{Type: ipc.EventDeviceDisconnected})
		d.broadcastState()

	case graph.Rebuilt:
		if err := d.mixer.PushAll(ctx); err != nil {
			d.log.Warn("volume push after rebuild incomplete", "error", err)
		}
		if err := d.router.ReattachAll(ctx); err != nil {
			d.log.Warn("app reattach after rebuild incomplete", "error", err)
		}
		d.transition(fsm.EventRebuilt)
		d.server.Broadcast(ipc.DeviceEvent{Type: ipc.EventDeviceConnected, Serial: d.serial()})
		d.broadcastState()

	case graph.MonitorOutputAvailable:
		if notice.Node.Name == d.mixer.MonitorOutput() {
			if err := d.engine.SetMonitorOutput(ctx, notice.Node.Name); err != nil {
				d.log.Warn("monitor output reconnect failed", "device", notice.Node.Name, "error", err)
			}
		}

	case graph.MonitorOutputGone:
		if notice.Name == d.mixer.MonitorOutput() {
			d.log.Warn("selected monitor output disappeared", "device", notice.Name)
		}

	case graph.OwnedNodeRemoved:
		d.log.Warn("owned node lost, reconciling", "name", notice.Name)
		d.reconcile(ctx)
	}
}

// handleCaptureConnected records the device, kicks off out-of-band
// identification for the mic controller, and tells subscribers.
func (d *Daemon) handleCaptureConnected(ctx context.Context, serial string) {
	d.mu.Lock()
	d.deviceConnected = true
	d.deviceSerial = serial
	d.mu.Unlock()

	if _, err := d.store.TouchDevice(deviceKey(serial)); err != nil {
		d.log.Warn("record device sighting failed", "error", err)
	}
	go d.refreshIdentity(ctx)
	d.server.Broadcast(ipc.DeviceEvent{Type: ipc.EventDeviceConnected, Serial: serial})
}

func (d *Daemon) handleAppAppeared(ctx context.Context, node graph.Node) {
	target, err := d.router.HandleAppeared(ctx, node)
	if err != nil {
		d.log.Warn("app routing failed", "binary", node.Binary, "error", err)
		return
	}
	d.server.Broadcast(ipc.AppAppearedEvent{
		Type:    ipc.EventAppAppeared,
		ID:      node.ID,
		Binary:  node.Binary,
		Name:    node.AppName,
		Channel: target,
	})
}

// reconcile re-runs the topology build and downstream pushes once at a
// time.
func (d *Daemon) reconcile(ctx context.Context) {
	d.mu.Lock()
	if d.reconciling {
		d.mu.Unlock()
		return
	}
	d.reconciling = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.reconciling = false
			d.mu.Unlock()
		}()
		if err := d.engine.Rebuild(ctx); err != nil {
			d.log.Error("reconcile failed", "error", err)
			return
		}
		if err := d.mixer.PushAll(ctx); err != nil {
			d.log.Warn("reconcile volume push incomplete", "error", err)
		}
		if err := d.router.ReattachAll(ctx); err != nil {
			d.log.Warn("reconcile reattach incomplete", "error", err)
		}
	}()
}

// refreshIdentity resolves the capture device out of band and hands it to
// the mic controller. Failure is fine; the daemon stays in generic-mixer
// mode.
func (d *Daemon) refreshIdentity(ctx context.Context) {
	identity, err := d.identify(ctx)
	if err != nil {
		d.log.Debug("device identification unavailable", "error", err)
		return
	}
	if d.mic != nil {
		d.mic.SetIdentity(identity)
	}
}

func (d *Daemon) serial() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceSerial
}

func deviceKey(serial string) string {
	if serial == "" {
		return "default"
	}
	return serial
}
