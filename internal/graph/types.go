// Package graph owns the connection to the audio-graph server. It maintains
// an in-memory mirror of the graph, executes creation and destruction
// commands against a transport, and classifies raw graph events for the
// rest of the daemon.
//
// The transport (Conn) is single-threaded by contract: every call on it is
// made from the engine's run loop. Other goroutines interact through the
// Engine's command methods, which marshal work onto the loop and wait on
// reply channels.
package graph

import "strings"

// PortDirection is the direction of a port relative to its node.
type PortDirection string

const (
	DirectionInput  PortDirection = "in"
	DirectionOutput PortDirection = "out"
)

// Node mirrors one graph node.
type Node struct {
	ID          uint32
	Name        string
	Description string
	MediaClass  string

	// Application stream metadata, best effort.
	AppName string
	Binary  string
	PID     int

	Props map[string]string
}

// IsSink reports whether the node is an audio sink.
func (n Node) IsSink() bool {
	return strings.Contains(n.MediaClass, "Audio/Sink")
}

// IsSource reports whether the node is an audio source.
func (n Node) IsSource() bool {
	return strings.Contains(n.MediaClass, "Audio/Source")
}

// IsAppStream reports whether the node is an application output stream.
func (n Node) IsAppStream() bool {
	return n.MediaClass == "Stream/Output/Audio" && !n.IsOwned()
}

// IsOwned reports whether the node carries the daemon's management marker
// or naming prefix.
func (n Node) IsOwned() bool {
	if strings.HasPrefix(n.Name, "ut-") {
		return true
	}
	return n.Props["undertone.managed"] == "true"
}

// IsCaptureDevice reports whether the node looks like the Wave:3 microphone
// source (by vendor/product ids or by name).
func (n Node) IsCaptureDevice() bool {
	if !n.IsSource() {
		return false
	}
	if n.Props["device.vendor.id"] == "0x0fd9" && n.Props["device.product.id"] == "0x0070" {
		return true
	}
	return strings.Contains(n.Name, "Elgato") || strings.Contains(n.Name, "Wave")
}

// IsOutputDevice reports whether the node is a hardware playback sink a
// monitor chain could target.
func (n Node) IsOutputDevice() bool {
	return n.IsSink() && !n.IsOwned() && !strings.Contains(n.Name, "null-sink")
}

// Port mirrors one graph port.
type Port struct {
	ID        uint32
	NodeID    uint32
	Name      string
	Direction PortDirection
	// Channel is the audio channel designator (FL, FR) when known.
	Channel string
}

// Link mirrors one graph link, keyed by endpoint ids.
type Link struct {
	ID         uint32
	OutputNode uint32
	OutputPort uint32
	InputNode  uint32
	InputPort  uint32
}

// NodeSpec describes a node to create on the server.
type NodeSpec struct {
	Name        string
	Description string
	MediaClass  string
	Channels    int
	Positions   string
	// Filter marks volume-filter nodes, which additionally expose monitor
	// channel volumes and monitor mute.
	Filter bool
}

// LinkSpec describes a link to create, by resolved port ids.
type LinkSpec struct {
	OutputNode uint32
	OutputPort uint32
	InputNode  uint32
	InputPort  uint32
}

// FilterProps is the full gain/mute state pushed to a volume filter. The
// engine always pushes the complete set so the server-side state matches
// the composition rule exactly.
type FilterProps struct {
	// Volumes is the per-channel linear gain vector.
	Volumes []float64
	Mute    bool
}

// Event is a raw graph event from the transport.
type Event interface{ isEvent() }

// NodeAdded reports a node appearing (BOUND for daemon-created nodes).
type NodeAdded struct{ Node Node }

// NodeRemoved reports a node disappearing.
type NodeRemoved struct{ ID uint32 }

// PortAdded reports a port appearing.
type PortAdded struct{ Port Port }

// PortRemoved reports a port disappearing.
type PortRemoved struct{ ID uint32 }

// LinkAdded reports a link appearing (BOUND for daemon-created links).
type LinkAdded struct{ Link Link }

// LinkRemoved reports a link disappearing.
type LinkRemoved struct{ ID uint32 }

func (NodeAdded) isEvent()   {}
func (NodeRemoved) isEvent() {}
func (PortAdded) isEvent()   {}
func (PortRemoved) isEvent() {}
func (LinkAdded) isEvent()   {}
func (LinkRemoved) isEvent() {}

// Conn is the transport to the audio-graph server. Creation calls are
// asynchronous: the object materializes as a NodeAdded/LinkAdded event once
// the server binds it. The Events channel closes when the connection is
// lost.
type Conn interface {
	Events() <-chan Event
	CreateNode(spec NodeSpec) error
	CreateLink(spec LinkSpec) error
	SetFilterProps(nodeID uint32, props FilterProps) error
	// Destroy removes an object by registry id, valid even when the
	// creating proxy is gone.
	Destroy(id uint32) error
	Close() error
}

// Dialer opens a transport connection.
type Dialer func() (Conn, error)

// Notice is a classified graph event delivered to subscribers.
type Notice interface{ isNotice() }

// Connected reports the graph connection being (re)established.
type Connected struct{}

// Disconnected reports the graph connection being lost.
type Disconnected struct{}

// Rebuilt reports a completed owned-object rebuild after a reconnect.
type Rebuilt struct{}

// AppStreamAppeared reports a new application output stream.
type AppStreamAppeared struct{ Node Node }

// AppStreamRemoved reports an application stream going away.
type AppStreamRemoved struct{ ID uint32 }

// CaptureConnected reports the capture device appearing.
type CaptureConnected struct{ Serial string }

// CaptureDisconnected reports the capture device going away.
type CaptureDisconnected struct{}

// MonitorOutputAvailable reports a hardware output sink appearing.
type MonitorOutputAvailable struct{ Node Node }

// MonitorOutputGone reports a hardware output sink going away.
type MonitorOutputGone struct {
	ID   uint32
	Name string
}

// OwnedNodeRemoved reports one of the daemon's own nodes disappearing
// outside a deliberate destroy, which calls for reconciliation.
type OwnedNodeRemoved struct {
	ID   uint32
	Name string
}

func (Connected) isNotice()              {}
func (Disconnected) isNotice()           {}
func (Rebuilt) isNotice()                {}
func (AppStreamAppeared) isNotice()      {}
func (AppStreamRemoved) isNotice()       {}
func (CaptureConnected) isNotice()       {}
func (CaptureDisconnected) isNotice()    {}
func (MonitorOutputAvailable) isNotice() {}
func (MonitorOutputGone) isNotice()      {}
func (OwnedNodeRemoved) isNotice()       {}
