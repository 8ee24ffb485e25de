package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config tunes the engine's deadlines and buffers.
type Config struct {
	// BindDeadline bounds how long a creation command waits for the
	// server's bind confirmation.
	BindDeadline time.Duration
	// ReconnectInitial and ReconnectMax bound the exponential backoff
	// applied between reconnect attempts.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// NoticeBuffer is the subscriber channel depth; notices beyond it are
	// dropped.
	NoticeBuffer int
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		BindDeadline:     2 * time.Second,
		ReconnectInitial: 250 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
		NoticeBuffer:     256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BindDeadline <= 0 {
		c.BindDeadline = d.BindDeadline
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.NoticeBuffer <= 0 {
		c.NoticeBuffer = d.NoticeBuffer
	}
	return c
}

type call struct {
	fn   func(Conn) error
	done chan error
}

type waiter struct {
	match  func(Event) (uint32, bool)
	result chan uint32
}

// Engine executes graph commands on a single run loop and mirrors the
// server state. All transport calls happen on the loop; other goroutines
// use the command methods, which block until the loop replies.
type Engine struct {
	cfg    Config
	dial   Dialer
	log    *slog.Logger
	mirror *Mirror

	calls   chan *call
	notices chan Notice

	mu           sync.Mutex
	waiters      map[*waiter]struct{}
	ownedNodes   map[string]uint32 // node name -> id
	ownedByID    map[uint32]string // id -> node name
	ownedLinks   map[uint32]string // link id -> role
	linkRoles    map[string]uint32 // role -> link id
	filterValues map[string]FilterProps
	appStreams   map[uint32]struct{}
	desired      *Topology
}

// NewEngine builds an engine around a transport dialer. Run must be called
// before any command method.
func NewEngine(dial Dialer, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:          cfg,
		dial:         dial,
		log:          log,
		mirror:       NewMirror(),
		calls:        make(chan *call),
		notices:      make(chan Notice, cfg.NoticeBuffer),
		waiters:      make(map[*waiter]struct{}),
		ownedNodes:   make(map[string]uint32),
		ownedByID:    make(map[uint32]string),
		ownedLinks:   make(map[uint32]string),
		linkRoles:    make(map[string]uint32),
		filterValues: make(map[string]FilterProps),
		appStreams:   make(map[uint32]struct{}),
	}
}

// Mirror exposes the engine's graph mirror for snapshot reads.
func (e *Engine) Mirror() *Mirror {
	return e.mirror
}

// Notices returns the classified event stream. The channel closes when Run
// returns.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// Run connects to the graph server and processes commands and events until
// the context is canceled. A lost connection triggers bounded exponential
// reconnect; once reconnected the owned topology is rebuilt.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.notices)

	backoff := e.cfg.ReconnectInitial
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := e.dial()
		if err != nil {
			e.log.Warn("graph dial failed", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, e.cfg.ReconnectMax)
			continue
		}
		backoff = e.cfg.ReconnectInitial

		e.log.Info("graph connected")
		e.notify(Connected{})
		if !first && e.Desired() != nil {
			go e.rebuildAfterReconnect(ctx)
		}
		first = false

		err = e.serve(ctx, conn)
		e.onDisconnect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("graph connection lost", "error", err)
		e.notify(Disconnected{})
	}
}

func (e *Engine) serve(ctx context.Context, conn Conn) error {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-e.calls:
			c.done <- c.fn(conn)
		case ev, ok := <-conn.Events():
			if !ok {
				return ErrDisconnected
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) onDisconnect() {
	e.failWaiters()
	e.mirror.reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	// Server-side objects died with the connection. Filter values are kept
	// so the rebuild restores the same gains.
	e.ownedNodes = make(map[string]uint32)
	e.ownedByID = make(map[uint32]string)
	e.ownedLinks = make(map[uint32]string)
	e.linkRoles = make(map[string]uint32)
	e.appStreams = make(map[uint32]struct{})
}

// do runs fn on the engine loop. While the connection is down the send
// blocks, acting as the command barrier; the caller's context bounds the
// wait.
func (e *Engine) do(ctx context.Context, fn func(Conn) error) error {
	c := &call{fn: fn, done: make(chan error, 1)}
	select {
	case e.calls <- c:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDisconnected, ctx.Err())
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) addWaiter(match func(Event) (uint32, bool)) *waiter {
	w := &waiter{match: match, result: make(chan uint32, 1)}
	e.mu.Lock()
	e.waiters[w] = struct{}{}
	e.mu.Unlock()
	return w
}

func (e *Engine) removeWaiter(w *waiter) {
	e.mu.Lock()
	delete(e.waiters, w)
	e.mu.Unlock()
}

func (e *Engine) failWaiters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for w := range e.waiters {
		close(w.result)
		delete(e.waiters, w)
	}
}

// waitFor blocks until the waiter matches, the connection drops, or the
// context expires. Deadline expiry maps to ErrTimeout.
func (e *Engine) waitFor(ctx context.Context, w *waiter) (uint32, error) {
	defer e.removeWaiter(w)
	select {
	case id, ok := <-w.result:
		if !ok {
			return 0, ErrDisconnected
		}
		return id, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return 0, ErrTimeout
		}
		return 0, ctx.Err()
	}
}

func (e *Engine) handleEvent(ev Event) {
	// Removal classification needs the pre-removal record.
	var removed Node
	var hadRemoved bool
	if nr, ok := ev.(NodeRemoved); ok {
		removed, hadRemoved = e.mirror.Node(nr.ID)
	}

	e.mirror.Apply(ev)

	e.mu.Lock()
	for w := range e.waiters {
		if id, ok := w.match(ev); ok {
			w.result <- id
			delete(e.waiters, w)
		}
	}
	e.mu.Unlock()

	switch ev := ev.(type) {
	case NodeAdded:
		node := ev.Node
		if node.IsAppStream() {
			e.mu.Lock()
			e.appStreams[node.ID] = struct{}{}
			e.mu.Unlock()
			e.notify(AppStreamAppeared{Node: node})
		}
		if node.IsCaptureDevice() {
			e.notify(CaptureConnected{Serial: node.Props["device.serial"]})
		}
		if node.IsOutputDevice() {
			e.notify(MonitorOutputAvailable{Node: node})
		}
	case NodeRemoved:
		e.mu.Lock()
		ownedName, wasOwned := e.ownedByID[ev.ID]
		if wasOwned {
			delete(e.ownedByID, ev.ID)
			delete(e.ownedNodes, ownedName)
		}
		_, wasApp := e.appStreams[ev.ID]
		delete(e.appStreams, ev.ID)
		e.mu.Unlock()

		if wasOwned {
			e.log.Warn("owned node removed externally", "name", ownedName, "id", ev.ID)
			e.notify(OwnedNodeRemoved{ID: ev.ID, Name: ownedName})
		}
		if wasApp {
			e.notify(AppStreamRemoved{ID: ev.ID})
		}
		if hadRemoved && removed.IsCaptureDevice() {
			e.notify(CaptureDisconnected{})
		}
		if hadRemoved && removed.IsOutputDevice() {
			e.notify(MonitorOutputGone{ID: ev.ID, Name: removed.Name})
		}
	case LinkRemoved:
		e.mu.Lock()
		if role, ok := e.ownedLinks[ev.ID]; ok {
			delete(e.ownedLinks, ev.ID)
			if role != "" {
				delete(e.linkRoles, role)
			}
		}
		e.mu.Unlock()
	}
}

func (e *Engine) notify(n Notice) {
	select {
	case e.notices <- n:
	default:
		e.log.Warn("notice dropped, subscriber too slow", "notice", fmt.Sprintf("%T", n))
	}
}

// CreateSink creates a stereo virtual sink and waits for the server to
// bind it, returning the assigned node id.
func (e *Engine) CreateSink(ctx context.Context, name, description string) (uint32, error) {
	return e.createNode(ctx, NodeSpec{
		Name:        name,
		Description: description,
		MediaClass:  "Audio/Sink",
		Channels:    2,
		Positions:   "FL,FR",
	})
}

// CreateVolumeFilter creates the gain/mute node that sits between a
// channel sink and a mix sink. Previously pushed gain state for the same
// node name is re-applied, so rebuilt filters come back at their old
// levels.
func (e *Engine) CreateVolumeFilter(ctx context.Context, name, description string) (uint32, error) {
	id, err := e.createNode(ctx, NodeSpec{
		Name:        name,
		Description: description,
		MediaClass:  "Audio/Sink",
		Channels:    2,
		Positions:   "FL,FR",
		Filter:      true,
	})
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	props, ok := e.filterValues[name]
	if !ok {
		props = FilterProps{Volumes: []float64{1, 1}}
		e.filterValues[name] = props
	}
	e.mu.Unlock()

	if err := e.pushFilterProps(ctx, id, props); err != nil {
		return id, err
	}
	return id, nil
}

func (e *Engine) createNode(ctx context.Context, spec NodeSpec) (uint32, error) {
	if spec.Name == "" {
		return 0, fmt.Errorf("%w: empty node name", ErrInvalidArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BindDeadline)
	defer cancel()

	w := e.addWaiter(func(ev Event) (uint32, bool) {
		added, ok := ev.(NodeAdded)
		if ok && added.Node.Name == spec.Name {
			return added.Node.ID, true
		}
		return 0, false
	})

	if err := e.do(ctx, func(conn Conn) error { return conn.CreateNode(spec) }); err != nil {
		e.removeWaiter(w)
		return 0, fmt.Errorf("create node %q: %w", spec.Name, err)
	}

	id, err := e.waitFor(ctx, w)
	if err != nil {
		return 0, fmt.Errorf("create node %q: %w", spec.Name, err)
	}

	e.mu.Lock()
	e.ownedNodes[spec.Name] = id
	e.ownedByID[id] = spec.Name
	e.mu.Unlock()

	e.log.Debug("node bound", "name", spec.Name, "id", id)
	return id, nil
}

// SetFilterVolume updates the gain vector of an owned volume filter. The
// gain is applied uniformly to both stereo channels.
func (e *Engine) SetFilterVolume(ctx context.Context, nodeID uint32, gain float64) error {
	if gain < 0 || gain > 1 {
		return fmt.Errorf("%w: gain %v out of range", ErrInvalidArgument, gain)
	}
	name, err := e.ownedName(nodeID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	props := e.filterValues[name]
	props.Volumes = []float64{gain, gain}
	e.filterValues[name] = props
	e.mu.Unlock()

	return e.pushFilterProps(ctx, nodeID, props)
}

// SetFilterMute updates the mute flag of an owned volume filter.
func (e *Engine) SetFilterMute(ctx context.Context, nodeID uint32, muted bool) error {
	name, err := e.ownedName(nodeID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	props := e.filterValues[name]
	if props.Volumes == nil {
		props.Volumes = []float64{1, 1}
	}
	props.Mute = muted
	e.filterValues[name] = props
	e.mu.Unlock()

	return e.pushFilterProps(ctx, nodeID, props)
}

func (e *Engine) pushFilterProps(ctx context.Context, nodeID uint32, props FilterProps) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BindDeadline)
	defer cancel()
	err := e.do(ctx, func(conn Conn) error { return conn.SetFilterProps(nodeID, props) })
	if err != nil {
		return fmt.Errorf("set filter props on %d: %w", nodeID, err)
	}
	e.mirror.RecordFilterProps(nodeID, props)
	return nil
}

func (e *Engine) ownedName(nodeID uint32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name, ok := e.ownedByID[nodeID]
	if !ok {
		return "", fmt.Errorf("node %d: %w", nodeID, ErrNotOwned)
	}
	return name, nil
}

// CreateLink links one resolved output port to one input port and waits
// for the server to bind the link. Selectors are port names or channel
// designators.
func (e *Engine) CreateLink(ctx context.Context, outputNode uint32, outputSel string, inputNode uint32, inputSel string) (uint32, error) {
	return e.createLinkRole(ctx, "", outputNode, outputSel, inputNode, inputSel)
}

func (e *Engine) createLinkRole(ctx context.Context, role string, outputNode uint32, outputSel string, inputNode uint32, inputSel string) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BindDeadline)
	defer cancel()

	outPort, err := e.awaitPort(ctx, outputNode, DirectionOutput, outputSel)
	if err != nil {
		return 0, fmt.Errorf("output port %q on node %d: %w", outputSel, outputNode, err)
	}
	inPort, err := e.awaitPort(ctx, inputNode, DirectionInput, inputSel)
	if err != nil {
		return 0, fmt.Errorf("input port %q on node %d: %w", inputSel, inputNode, err)
	}

	spec := LinkSpec{OutputNode: outputNode, OutputPort: outPort, InputNode: inputNode, InputPort: inPort}
	w := e.addWaiter(func(ev Event) (uint32, bool) {
		added, ok := ev.(LinkAdded)
		if ok && added.Link.OutputPort == outPort && added.Link.InputPort == inPort {
			return added.Link.ID, true
		}
		return 0, false
	})

	if err := e.do(ctx, func(conn Conn) error { return conn.CreateLink(spec) }); err != nil {
		e.removeWaiter(w)
		return 0, fmt.Errorf("create link: %w", err)
	}

	id, err := e.waitFor(ctx, w)
	if err != nil {
		return 0, fmt.Errorf("create link: %w", err)
	}

	e.mu.Lock()
	e.ownedLinks[id] = role
	if role != "" {
		e.linkRoles[role] = id
	}
	e.mu.Unlock()
	return id, nil
}

// CreateStereoLinks links the FL and FR channels of two nodes, resolving
// each side by channel designator. It returns the two link ids.
func (e *Engine) CreateStereoLinks(ctx context.Context, outputNode, inputNode uint32) ([]uint32, error) {
	return e.createStereoRole(ctx, "", outputNode, inputNode)
}

func (e *Engine) createStereoRole(ctx context.Context, role string, outputNode, inputNode uint32) ([]uint32, error) {
	ids := make([]uint32, 0, 2)
	for _, ch := range []string{"FL", "FR"} {
		linkRole := ""
		if role != "" {
			linkRole = role + ":" + ch
		}
		id, err := e.createLinkRole(ctx, linkRole, outputNode, ch, inputNode, ch)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) awaitPort(ctx context.Context, nodeID uint32, direction PortDirection, selector string) (uint32, error) {
	if port, ok := e.mirror.PortBySelector(nodeID, direction, selector); ok {
		return port.ID, nil
	}
	w := e.addWaiter(func(ev Event) (uint32, bool) {
		added, ok := ev.(PortAdded)
		if !ok {
			return 0, false
		}
		p := added.Port
		if p.NodeID == nodeID && p.Direction == direction && (p.Name == selector || p.Channel == selector) {
			return p.ID, true
		}
		return 0, false
	})
	// A port event may have landed between the lookup and registration.
	if port, ok := e.mirror.PortBySelector(nodeID, direction, selector); ok {
		e.removeWaiter(w)
		return port.ID, nil
	}

	id, err := e.waitFor(ctx, w)
	if err == ErrTimeout {
		return 0, ErrPortNotFound
	}
	return id, err
}

// DestroyLink destroys an owned link by registry id and waits for the
// removal to be observed.
func (e *Engine) DestroyLink(ctx context.Context, id uint32) error {
	e.mu.Lock()
	role, owned := e.ownedLinks[id]
	if owned {
		delete(e.ownedLinks, id)
		if role != "" {
			delete(e.linkRoles, role)
		}
	}
	e.mu.Unlock()
	if !owned {
		return fmt.Errorf("link %d: %w", id, ErrNotOwned)
	}
	return e.destroy(ctx, id, func(ev Event) (uint32, bool) {
		removed, ok := ev.(LinkRemoved)
		if ok && removed.ID == id {
			return id, true
		}
		return 0, false
	}, func() bool { _, ok := e.mirror.Link(id); return !ok })
}

// DestroyNode destroys an owned node by registry id.
func (e *Engine) DestroyNode(ctx context.Context, id uint32) error {
	e.mu.Lock()
	name, owned := e.ownedByID[id]
	if owned {
		delete(e.ownedByID, id)
		delete(e.ownedNodes, name)
	}
	e.mu.Unlock()
	if !owned {
		return fmt.Errorf("node %d: %w", id, ErrNotOwned)
	}
	return e.destroy(ctx, id, func(ev Event) (uint32, bool) {
		removed, ok := ev.(NodeRemoved)
		if ok && removed.ID == id {
			return id, true
		}
		return 0, false
	}, func() bool { _, ok := e.mirror.Node(id); return !ok })
}

func (e *Engine) destroy(ctx context.Context, id uint32, match func(Event) (uint32, bool), gone func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BindDeadline)
	defer cancel()

	if gone() {
		return nil
	}
	w := e.addWaiter(match)
	if err := e.do(ctx, func(conn Conn) error { return conn.Destroy(id) }); err != nil {
		e.removeWaiter(w)
		return fmt.Errorf("destroy %d: %w", id, err)
	}
	if gone() {
		e.removeWaiter(w)
		return nil
	}
	_, err := e.waitFor(ctx, w)
	if err != nil {
		return fmt.Errorf("destroy %d: %w", id, err)
	}
	return nil
}

// QueryPort resolves a port on a node by direction and channel designator.
func (e *Engine) QueryPort(nodeID uint32, direction PortDirection, channelDesignator string) (Port, bool) {
	return e.mirror.PortBySelector(nodeID, direction, channelDesignator)
}

// OwnedNodeID returns the id of an owned node by name.
func (e *Engine) OwnedNodeID(name string) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.ownedNodes[name]
	return id, ok
}

// OwnedNodes returns a copy of the owned node registry.
func (e *Engine) OwnedNodes() map[string]uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint32, len(e.ownedNodes))
	for name, id := range e.ownedNodes {
		out[name] = id
	}
	return out
}

// OwnedLinks returns a copy of the owned link registry (id -> role).
func (e *Engine) OwnedLinks() map[uint32]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint32]string, len(e.ownedLinks))
	for id, role := range e.ownedLinks {
		out[id] = role
	}
	return out
}

// LinkByRole returns the owned link id carrying the given role.
func (e *Engine) LinkByRole(role string) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.linkRoles[role]
	return id, ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
