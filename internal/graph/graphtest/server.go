// Package graphtest provides an in-memory stand-in for the audio-graph
// server, implementing the graph.Conn transport with the same asynchronous
// bind behavior the real server has.
package graphtest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/undertone-audio/undertone/internal/graph"
)

// Server is a fake graph server. Nodes created through a connection die
// with that connection, mimicking proxy lifetime on the real server.
type Server struct {
	mu          sync.Mutex
	nextID      uint32
	nodes       map[uint32]graph.Node
	ports       map[uint32]graph.Port
	links       map[uint32]graph.Link
	filterProps map[uint32]graph.FilterProps
	conns       map[*Conn]struct{}
	createdBy   map[uint32]*Conn

	createErr    error
	suppressBind map[string]bool
}

// NewServer returns an empty fake server.
func NewServer() *Server {
	return &Server{
		nextID:       100,
		nodes:        make(map[uint32]graph.Node),
		ports:        make(map[uint32]graph.Port),
		links:        make(map[uint32]graph.Link),
		filterProps:  make(map[uint32]graph.FilterProps),
		conns:        make(map[*Conn]struct{}),
		createdBy:    make(map[uint32]*Conn),
		suppressBind: make(map[string]bool),
	}
}

// Conn is one live connection to the fake server.
type Conn struct {
	server *Server
	events chan graph.Event
	closed bool
}

// Dialer returns a graph.Dialer that opens connections to this server.
// Every dial replays the current graph into the new connection, the way a
// real registry enumerates existing globals.
func (s *Server) Dialer() graph.Dialer {
	return func() (graph.Conn, error) {
		return s.Connect(), nil
	}
}

// Connect opens a connection and replays existing objects into it.
func (s *Server) Connect() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Conn{server: s, events: make(chan graph.Event, 1024)}
	s.conns[c] = struct{}{}
	for _, node := range s.nodes {
		c.events <- graph.NodeAdded{Node: node}
	}
	for _, port := range s.ports {
		c.events <- graph.PortAdded{Port: port}
	}
	for _, link := range s.links {
		c.events <- graph.LinkAdded{Link: link}
	}
	return c
}

// Events implements graph.Conn.
func (c *Conn) Events() <-chan graph.Event { return c.events }

// CreateNode implements graph.Conn: the node and its ports materialize as
// events, as they do on the real server.
func (c *Conn) CreateNode(spec graph.NodeSpec) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if s.suppressBind[spec.Name] {
		return nil // accepted but never bound
	}

	props := map[string]string{"undertone.managed": "true"}
	if spec.Filter {
		props["undertone.volume-filter"] = "true"
	}
	node := graph.Node{
		ID:          s.allocID(),
		Name:        spec.Name,
		Description: spec.Description,
		MediaClass:  spec.MediaClass,
		Props:       props,
	}
	s.nodes[node.ID] = node
	s.createdBy[node.ID] = c
	s.broadcast(graph.NodeAdded{Node: node})
	s.addSinkPorts(node.ID)
	return nil
}

// CreateLink implements graph.Conn.
func (c *Conn) CreateLink(spec graph.LinkSpec) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.ports[spec.OutputPort]; !ok {
		return fmt.Errorf("output port %d does not exist", spec.OutputPort)
	}
	if _, ok := s.ports[spec.InputPort]; !ok {
		return fmt.Errorf("input port %d does not exist", spec.InputPort)
	}
	link := graph.Link{
		ID:         s.allocID(),
		OutputNode: spec.OutputNode,
		OutputPort: spec.OutputPort,
		InputNode:  spec.InputNode,
		InputPort:  spec.InputPort,
	}
	s.links[link.ID] = link
	s.createdBy[link.ID] = c
	s.broadcast(graph.LinkAdded{Link: link})
	return nil
}

// SetFilterProps implements graph.Conn.
func (c *Conn) SetFilterProps(nodeID uint32, props graph.FilterProps) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("node %d does not exist", nodeID)
	}
	volumes := make([]float64, len(props.Volumes))
	copy(volumes, props.Volumes)
	s.filterProps[nodeID] = graph.FilterProps{Volumes: volumes, Mute: props.Mute}
	return nil
}

// Destroy implements graph.Conn (registry destroy by id).
func (c *Conn) Destroy(id uint32) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; ok {
		s.removeLinkLocked(id)
		return nil
	}
	if _, ok := s.nodes[id]; ok {
		s.removeNodeLocked(id)
		return nil
	}
	return fmt.Errorf("object %d does not exist", id)
}

// Close implements graph.Conn.
func (c *Conn) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.server.conns, c)
	close(c.events)
}

// Disconnect drops every live connection and destroys the objects created
// through them, simulating a graph-server restart.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make([]uint32, 0, len(s.createdBy))
	for id := range s.createdBy {
		owned = append(owned, id)
	}
	for _, id := range owned {
		if _, ok := s.links[id]; ok {
			delete(s.links, id)
		}
	}
	for _, id := range owned {
		if _, ok := s.nodes[id]; ok {
			for pid, port := range s.ports {
				if port.NodeID == id {
					delete(s.ports, pid)
				}
			}
			for lid, link := range s.links {
				if link.OutputNode == id || link.InputNode == id {
					delete(s.links, lid)
				}
			}
			delete(s.nodes, id)
			delete(s.filterProps, id)
		}
	}
	s.createdBy = make(map[uint32]*Conn)

	for conn := range s.conns {
		conn.closeLocked()
	}
}

// SetCreateError makes subsequent creation calls fail with err (nil to
// clear).
func (s *Server) SetCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

// SuppressBind makes creations of the named node be accepted but never
// bound, to exercise bind timeouts.
func (s *Server) SuppressBind(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressBind[name] = true
}

// AddAppStream adds an application output stream with output_FL/FR ports
// and returns its node id.
func (s *Server) AddAppStream(binary, appName string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := graph.Node{
		ID:         s.allocID(),
		Name:       appName,
		MediaClass: "Stream/Output/Audio",
		AppName:    appName,
		Binary:     binary,
		Props:      map[string]string{"application.process.binary": binary},
	}
	s.nodes[node.ID] = node
	s.broadcast(graph.NodeAdded{Node: node})
	for _, ch := range []string{"FL", "FR"} {
		s.addPortLocked(node.ID, "output_"+ch, graph.DirectionOutput, ch)
	}
	return node.ID
}

// AddOutputDevice adds a hardware playback sink and returns its node id.
func (s *Server) AddOutputDevice(name, description string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := graph.Node{
		ID:          s.allocID(),
		Name:        name,
		Description: description,
		MediaClass:  "Audio/Sink",
		Props:       map[string]string{},
	}
	s.nodes[node.ID] = node
	s.broadcast(graph.NodeAdded{Node: node})
	s.addSinkPorts(node.ID)
	return node.ID
}

// AddCaptureDevice adds a Wave:3-shaped capture source and returns its
// node id.
func (s *Server) AddCaptureDevice(name, serial string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := graph.Node{
		ID:         s.allocID(),
		Name:       name,
		MediaClass: "Audio/Source",
		Props: map[string]string{
			"device.vendor.id":  "0x0fd9",
			"device.product.id": "0x0070",
			"device.serial":     serial,
		},
	}
	s.nodes[node.ID] = node
	s.broadcast(graph.NodeAdded{Node: node})
	for _, ch := range []string{"FL", "FR"} {
		s.addPortLocked(node.ID, "capture_"+ch, graph.DirectionOutput, ch)
	}
	return node.ID
}

// RemoveNode removes a node server-side (app exit, device unplug).
func (s *Server) RemoveNode(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeNodeLocked(id)
}

func (s *Server) removeNodeLocked(id uint32) {
	if _, ok := s.nodes[id]; !ok {
		return
	}
	for lid, link := range s.links {
		if link.OutputNode == id || link.InputNode == id {
			s.removeLinkLocked(lid)
		}
	}
	for pid, port := range s.ports {
		if port.NodeID == id {
			delete(s.ports, pid)
			s.broadcast(graph.PortRemoved{ID: pid})
		}
	}
	delete(s.nodes, id)
	delete(s.filterProps, id)
	delete(s.createdBy, id)
	s.broadcast(graph.NodeRemoved{ID: id})
}

func (s *Server) removeLinkLocked(id uint32) {
	if _, ok := s.links[id]; !ok {
		return
	}
	delete(s.links, id)
	delete(s.createdBy, id)
	s.broadcast(graph.LinkRemoved{ID: id})
}

// NodeByName returns the server-side node with the given name.
func (s *Server) NodeByName(name string) (graph.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range s.nodes {
		if node.Name == name {
			return node, true
		}
	}
	return graph.Node{}, false
}

// NodeCount returns how many nodes have the given name prefix.
func (s *Server) NodeCount(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, node := range s.nodes {
		if strings.HasPrefix(node.Name, prefix) {
			count++
		}
	}
	return count
}

// Links returns a copy of all server-side links.
func (s *Server) Links() []graph.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.Link, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	return out
}

// LinksBetween returns links from one node to another.
func (s *Server) LinksBetween(outputNode, inputNode uint32) []graph.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graph.Link
	for _, link := range s.links {
		if link.OutputNode == outputNode && link.InputNode == inputNode {
			out = append(out, link)
		}
	}
	return out
}

// FilterProps returns the state last pushed to a filter node.
func (s *Server) FilterProps(nodeID uint32) (graph.FilterProps, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, ok := s.filterProps[nodeID]
	return props, ok
}

func (s *Server) allocID() uint32 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Server) addSinkPorts(nodeID uint32) {
	for _, ch := range []string{"FL", "FR"} {
		s.addPortLocked(nodeID, "playback_"+ch, graph.DirectionInput, ch)
		s.addPortLocked(nodeID, "monitor_"+ch, graph.DirectionOutput, ch)
	}
}

func (s *Server) addPortLocked(nodeID uint32, name string, direction graph.PortDirection, ch string) {
	port := graph.Port{
		ID:        s.allocID(),
		NodeID:    nodeID,
		Name:      name,
		Direction: direction,
		Channel:   ch,
	}
	s.ports[port.ID] = port
	s.broadcast(graph.PortAdded{Port: port})
}

func (s *Server) broadcast(ev graph.Event) {
	for conn := range s.conns {
		select {
		case conn.events <- ev:
		default:
		}
	}
}
