// Package pw is the production graph transport. It drives PipeWire through
// its command-line surface: a persistent `pw-dump --monitor` child streams
// the registry as JSON, and a persistent interactive `pw-cli` child holds
// the proxies for every object the daemon creates. Object lifetime is tied
// to the pw-cli process the same way proxy lifetime works in-process:
// killing it destroys the daemon's nodes.
//
// There is no maintained Go binding for the PipeWire native protocol; this
// is the transport seam the rest of the engine is tested behind.
package pw

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/undertone-audio/undertone/internal/graph"
)

// Conn implements graph.Conn over the pw-dump/pw-cli pair.
type Conn struct {
	log    *slog.Logger
	events chan graph.Event

	dump *exec.Cmd
	cli  *exec.Cmd

	mu     sync.Mutex
	cliIn  io.WriteCloser
	closed bool
	kinds  map[uint32]string // object id -> pipewire interface kind
}

// Dialer returns a graph.Dialer that spawns the PipeWire tool pair.
func Dialer(log *slog.Logger) graph.Dialer {
	return func() (graph.Conn, error) { return Dial(log) }
}

// Dial starts the monitor and control children and begins streaming
// events. The returned connection's event channel closes if either child
// exits.
func Dial(log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}

	dump := exec.Command("pw-dump", "--monitor")
	dumpOut, err := dump.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pw-dump stdout: %w", err)
	}
	if err := dump.Start(); err != nil {
		return nil, fmt.Errorf("start pw-dump: %w", err)
	}

	cli := exec.Command("pw-cli", "--monitor")
	cliIn, err := cli.StdinPipe()
	if err != nil {
		_ = dump.Process.Kill()
		return nil, fmt.Errorf("pw-cli stdin: %w", err)
	}
	cli.Stdout = io.Discard
	cli.Stderr = io.Discard
	if err := cli.Start(); err != nil {
		_ = dump.Process.Kill()
		return nil, fmt.Errorf("start pw-cli: %w", err)
	}

	c := &Conn{
		log:    log,
		events: make(chan graph.Event, 1024),
		dump:   dump,
		cli:    cli,
		cliIn:  cliIn,
		kinds:  make(map[uint32]string),
	}
	go c.readDump(dumpOut)
	return c, nil
}

// Events implements graph.Conn.
func (c *Conn) Events() <-chan graph.Event { return c.events }

// CreateNode implements graph.Conn. The node materializes in the dump
// stream once PipeWire binds it.
func (c *Conn) CreateNode(spec graph.NodeSpec) error {
	props := []string{
		"factory.name=support.null-audio-sink",
		"node.name=" + quote(spec.Name),
		"node.description=" + quote(spec.Description),
		"media.class=" + spec.MediaClass,
		fmt.Sprintf("audio.channels=%d", spec.Channels),
		"audio.position=" + quote(spec.Positions),
		"undertone.managed=true",
		"node.passive=true",
		"session.suspend-timeout-seconds=0",
	}
	if spec.Filter {
		props = append(props,
			"undertone.volume-filter=true",
			"monitor.channel-volumes=true",
		)
	}
	return c.send(fmt.Sprintf("create-node adapter { %s }", strings.Join(props, " ")))
}

// CreateLink implements graph.Conn.
func (c *Conn) CreateLink(spec graph.LinkSpec) error {
	return c.send(fmt.Sprintf(
		"create-link %d %d %d %d { object.linger=false }",
		spec.OutputNode, spec.OutputPort, spec.InputNode, spec.InputPort,
	))
}

// SetFilterProps implements graph.Conn, pushing the monitor channel-volume
// vector and monitor mute flag. If the server does not honor these
// properties the gain silently has no effect; that is surfaced at
// initialization as a warning, not treated as fatal.
func (c *Conn) SetFilterProps(nodeID uint32, props graph.FilterProps) error {
	volumes := make([]string, len(props.Volumes))
	for i, v := range props.Volumes {
		volumes[i] = fmt.Sprintf("%.6f", v)
	}
	return c.send(fmt.Sprintf(
		"set-param %d Props { monitorVolumes: [ %s ], monitorMute: %t, softMute: %t }",
		nodeID, strings.Join(volumes, ", "), props.Mute, props.Mute,
	))
}

// Destroy implements graph.Conn via the registry, so it works even for
// objects whose creating proxy is gone (a pre-restart pw-cli).
func (c *Conn) Destroy(id uint32) error {
	return c.send(fmt.Sprintf("destroy %d", id))
}

// Close implements graph.Conn, tearing down both children.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.cliIn.Close()
	if c.cli.Process != nil {
		_ = c.cli.Process.Kill()
	}
	if c.dump.Process != nil {
		_ = c.dump.Process.Kill()
	}
	go func() {
		_ = c.cli.Wait()
		_ = c.dump.Wait()
	}()
	return nil
}

func (c *Conn) send(command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := io.WriteString(c.cliIn, command+"\n"); err != nil {
		return fmt.Errorf("pw-cli write: %w", err)
	}
	return nil
}

func (c *Conn) readDump(r io.Reader) {
	defer close(c.events)

	dec := json.NewDecoder(bufio.NewReaderSize(r, 1<<16))
	for {
		var batch []json.RawMessage
		if err := dec.Decode(&batch); err != nil {
			if err != io.EOF {
				c.log.Warn("pw-dump stream ended", "error", err)
			}
			return
		}
		for _, raw := range batch {
			for _, ev := range c.parseObject(raw) {
				c.events <- ev
			}
		}
	}
}

// dumpObject is one entry of a pw-dump batch.
type dumpObject struct {
	ID   uint32          `json:"id"`
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

type nodeInfo struct {
	Props map[string]any `json:"props"`
}

type portInfo struct {
	Direction string         `json:"direction"`
	Props     map[string]any `json:"props"`
}

type linkInfo struct {
	OutputNodeID uint32 `json:"output-node-id"`
	OutputPortID uint32 `json:"output-port-id"`
	InputNodeID  uint32 `json:"input-node-id"`
	InputPortID  uint32 `json:"input-port-id"`
}

const (
	kindNode = "PipeWire:Interface:Node"
	kindPort = "PipeWire:Interface:Port"
	kindLink = "PipeWire:Interface:Link"
)

// parseObject maps one dump entry to mirror events. Removals arrive as
// entries with a null info; their kind comes from the id ledger.
func (c *Conn) parseObject(raw json.RawMessage) []graph.Event {
	var obj dumpObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		c.log.Debug("undecodable dump entry", "error", err)
		return nil
	}

	if len(obj.Info) == 0 || string(obj.Info) == "null" {
		c.mu.Lock()
		kind := c.kinds[obj.ID]
		delete(c.kinds, obj.ID)
		c.mu.Unlock()
		switch kind {
		case kindNode:
			return []graph.Event{graph.NodeRemoved{ID: obj.ID}}
		case kindPort:
			return []graph.Event{graph.PortRemoved{ID: obj.ID}}
		case kindLink:
			return []graph.Event{graph.LinkRemoved{ID: obj.ID}}
		}
		return nil
	}

	switch obj.Type {
	case kindNode:
		var info nodeInfo
		if err := json.Unmarshal(obj.Info, &info); err != nil {
			return nil
		}
		props := stringProps(info.Props)
		node := graph.Node{
			ID:          obj.ID,
			Name:        props["node.name"],
			Description: props["node.description"],
			MediaClass:  props["media.class"],
			AppName:     props["application.name"],
			Binary:      props["application.process.binary"],
			Props:       props,
		}
		if pid, ok := props["application.process.id"]; ok {
			fmt.Sscanf(pid, "%d", &node.PID)
		}
		c.remember(obj.ID, kindNode)
		return []graph.Event{graph.NodeAdded{Node: node}}

	case kindPort:
		var info portInfo
		if err := json.Unmarshal(obj.Info, &info); err != nil {
			return nil
		}
		props := stringProps(info.Props)
		direction := graph.DirectionOutput
		if info.Direction == "input" || props["port.direction"] == "in" {
			direction = graph.DirectionInput
		}
		var nodeID uint32
		fmt.Sscanf(props["node.id"], "%d", &nodeID)
		port := graph.Port{
			ID:        obj.ID,
			NodeID:    nodeID,
			Name:      props["port.name"],
			Direction: direction,
			Channel:   props["audio.channel"],
		}
		c.remember(obj.ID, kindPort)
		return []graph.Event{graph.PortAdded{Port: port}}

	case kindLink:
		var info linkInfo
		if err := json.Unmarshal(obj.Info, &info); err != nil {
			return nil
		}
		c.remember(obj.ID, kindLink)
		return []graph.Event{graph.LinkAdded{Link: graph.Link{
			ID:         obj.ID,
			OutputNode: info.OutputNodeID,
			OutputPort: info.OutputPortID,
			InputNode:  info.InputNodeID,
			InputPort:  info.InputPortID,
		}}}
	}
	return nil
}

func (c *Conn) remember(id uint32, kind string) {
	c.mu.Lock()
	c.kinds[id] = kind
	c.mu.Unlock()
}

func stringProps(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case string:
			out[key] = v
		case float64:
			if v == float64(int64(v)) {
				out[key] = fmt.Sprintf("%d", int64(v))
			} else {
				out[key] = fmt.Sprintf("%v", v)
			}
		case bool:
			out[key] = fmt.Sprintf("%t", v)
		}
	}
	return out
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}
