package graph

import (
	"sort"
	"sync"
)

// Mirror is the daemon's eventually consistent view of the graph. The
// server remains the authoritative truth; the mirror is updated from raw
// events before they are forwarded anywhere else.
//
// Reads from other goroutines return copies.
type Mirror struct {
	mu    sync.RWMutex
	nodes map[uint32]Node
	ports map[uint32]Port
	links map[uint32]Link

	// filterProps is the last gain/mute state pushed to each filter node,
	// kept so callers can verify what the server was told.
	filterProps map[uint32]FilterProps
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	m := &Mirror{}
	m.reset()
	return m
}

func (m *Mirror) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[uint32]Node)
	m.ports = make(map[uint32]Port)
	m.links = make(map[uint32]Link)
	m.filterProps = make(map[uint32]FilterProps)
}

// Apply folds one raw event into the mirror.
func (m *Mirror) Apply(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case NodeAdded:
		m.nodes[ev.Node.ID] = ev.Node
	case NodeRemoved:
		delete(m.nodes, ev.ID)
		delete(m.filterProps, ev.ID)
		for id, port := range m.ports {
			if port.NodeID == ev.ID {
				delete(m.ports, id)
			}
		}
	case PortAdded:
		m.ports[ev.Port.ID] = ev.Port
	case PortRemoved:
		delete(m.ports, ev.ID)
	case LinkAdded:
		m.links[ev.Link.ID] = ev.Link
	case LinkRemoved:
		delete(m.links, ev.ID)
	}
}

// Node returns a node by id.
func (m *Mirror) Node(id uint32) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	return node, ok
}

// NodeByName returns the first node with the given name.
func (m *Mirror) NodeByName(name string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, node := range m.nodes {
		if node.Name == name {
			return node, true
		}
	}
	return Node{}, false
}

// Nodes returns all mirrored nodes.
func (m *Mirror) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AppStreams returns all application output streams.
func (m *Mirror) AppStreams() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for _, node := range m.nodes {
		if node.IsAppStream() {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OutputDevices returns all hardware playback sinks.
func (m *Mirror) OutputDevices() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for _, node := range m.nodes {
		if node.IsOutputDevice() {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CaptureDevice returns the capture source if present.
func (m *Mirror) CaptureDevice() (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, node := range m.nodes {
		if node.IsCaptureDevice() {
			return node, true
		}
	}
	return Node{}, false
}

// Port returns a port by id.
func (m *Mirror) Port(id uint32) (Port, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	port, ok := m.ports[id]
	return port, ok
}

// PortBySelector finds a port on a node by direction and selector. The
// selector matches the port name exactly, or the audio channel designator
// (so "FL" finds monitor_FL, playback_FL, or output_FL depending on
// direction).
func (m *Mirror) PortBySelector(nodeID uint32, direction PortDirection, selector string) (Port, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, port := range m.ports {
		if port.NodeID != nodeID || port.Direction != direction {
			continue
		}
		if port.Name == selector || port.Channel == selector {
			return port, true
		}
	}
	return Port{}, false
}

// PortsForNode returns all ports belonging to a node.
func (m *Mirror) PortsForNode(nodeID uint32) []Port {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Port
	for _, port := range m.ports {
		if port.NodeID == nodeID {
			out = append(out, port)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Link returns a link by id.
func (m *Mirror) Link(id uint32) (Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[id]
	return link, ok
}

// Links returns all mirrored links.
func (m *Mirror) Links() []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Link, 0, len(m.links))
	for _, link := range m.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LinksBetween returns links from one node to another.
func (m *Mirror) LinksBetween(outputNode, inputNode uint32) []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Link
	for _, link := range m.links {
		if link.OutputNode == outputNode && link.InputNode == inputNode {
			out = append(out, link)
		}
	}
	return out
}

// LinksFromNode returns links whose output side is the given node.
func (m *Mirror) LinksFromNode(nodeID uint32) []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Link
	for _, link := range m.links {
		if link.OutputNode == nodeID {
			out = append(out, link)
		}
	}
	return out
}

// RecordFilterProps stores the state last pushed to a filter node.
func (m *Mirror) RecordFilterProps(nodeID uint32, props FilterProps) {
	m.mu.Lock()
	defer m.mu.Unlock()
	volumes := make([]float64, len(props.Volumes))
	copy(volumes, props.Volumes)
	m.filterProps[nodeID] = FilterProps{Volumes: volumes, Mute: props.Mute}
}

// FilterProps returns the state last pushed to a filter node.
func (m *Mirror) FilterProps(nodeID uint32) (FilterProps, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	props, ok := m.filterProps[nodeID]
	return props, ok
}
