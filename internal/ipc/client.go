package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClientClosed means the connection went away before a reply arrived.
var ErrClientClosed = errors.New("ipc connection closed")

// Client is a persistent control-socket connection. Calls are matched to
// responses by request id; unsolicited events arrive on Events.
type Client struct {
	conn   net.Conn
	nextID atomic.Uint64
	events chan json.RawMessage

	mu      sync.Mutex
	pending map[uint64]chan Response
	closed  bool
}

// Dial connects to the daemon's control socket.
func Dial(ctx context.Context, path string) (*Client, error) {
	return DialTimeout(ctx, path, 2*time.Second)
}

// DialTimeout connects with an explicit dial timeout.
func DialTimeout(ctx context.Context, path string, timeout time.Duration) (*Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		events:  make(chan json.RawMessage, 64),
		pending: make(map[uint64]chan Response),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the stream of event payloads. It closes when the
// connection does.
func (c *Client) Events() <-chan json.RawMessage {
	return c.events
}

// Call sends a method (a params struct carrying its type tag) and waits
// for the matching response. The Ok payload is returned raw; an Err
// result is returned as *ErrorInfo.
func (c *Client) Call(ctx context.Context, method any) (json.RawMessage, error) {
	raw, err := json.Marshal(method)
	if err != nil {
		return nil, fmt.Errorf("encode method: %w", err)
	}

	id := c.nextID.Add(1)
	reply := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	wire, err := json.Marshal(Request{ID: id, Method: raw})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.conn.Write(append(wire, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Result.Err != nil {
			return nil, resp.Result.Err
		}
		if payload, ok := resp.Result.Ok.(json.RawMessage); ok {
			return payload, nil
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto performs a Call and decodes the Ok payload into out.
func (c *Client) CallInto(ctx context.Context, method any, out any) error {
	payload, err := c.Call(ctx, method)
	if err != nil {
		return err
	}
	if out == nil || payload == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Subscribe registers this connection for events, optionally filtered.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	_, err := c.Call(ctx, SubscribeParams{Type: MethodSubscribe, Events: events})
	return err
}

// Close tears the connection down; pending calls fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope EventEnvelope
		if err := json.Unmarshal(line, &envelope); err == nil && envelope.Event != nil {
			payload := make(json.RawMessage, len(envelope.Event))
			copy(payload, envelope.Event)
			select {
			case c.events <- payload:
			default: // slow local consumer; drop rather than stall reads
			}
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			reply <- resp
		}
	}

	c.mu.Lock()
	c.closed = true
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.events)
}
