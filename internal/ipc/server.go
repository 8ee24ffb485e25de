package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// outboundDepth bounds each connection's write queue. A subscriber that
// cannot drain it is disconnected rather than allowed to slow the daemon.
const outboundDepth = 64

// Incoming is one parsed request together with its originating connection.
type Incoming struct {
	Conn string
	Req  Request
}

type serverConn struct {
	id       string
	conn     net.Conn
	outbound chan []byte

	mu         sync.Mutex
	closed     bool
	subscribed bool
	filter     map[string]struct{}
}

// Server accepts control-socket clients, parses framed requests, and fans
// events out to subscribers. Request handling itself lives with the
// daemon's single-writer loop; the server only transports.
type Server struct {
	log      *slog.Logger
	requests chan Incoming

	mu    sync.Mutex
	conns map[string]*serverConn
	wg    sync.WaitGroup
}

// NewServer builds an idle server.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log,
		requests: make(chan Incoming, 64),
		conns:    make(map[string]*serverConn),
	}
}

// Requests is the stream of parsed client requests.
func (s *Server) Requests() <-chan Incoming {
	return s.requests
}

// Serve accepts connections until the context is canceled, then stops
// accepting and waits for connection goroutines to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				return nil
			}
			return err
		}

		sc := &serverConn{
			id:       uuid.NewString(),
			conn:     conn,
			outbound: make(chan []byte, outboundDepth),
		}
		s.mu.Lock()
		s.conns[sc.id] = sc
		s.mu.Unlock()
		s.log.Debug("client connected", "conn", sc.id)

		s.wg.Add(2)
		go s.readLoop(ctx, sc)
		go s.writeLoop(sc)
	}
}

func (s *Server) readLoop(ctx context.Context, sc *serverConn) {
	defer s.wg.Done()
	defer s.drop(sc)

	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.enqueue(sc, mustMarshal(Err(0, CodeInvalidArgument, "malformed request: %v", err)))
			continue
		}
		if req.Method == nil {
			s.enqueue(sc, mustMarshal(Err(req.ID, CodeInvalidArgument, "request has no method")))
			continue
		}

		select {
		case s.requests <- Incoming{Conn: sc.id, Req: req}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeLoop(sc *serverConn) {
	defer s.wg.Done()
	for payload := range sc.outbound {
		if _, err := sc.conn.Write(append(payload, '\n')); err != nil {
			s.drop(sc)
			return
		}
	}
	_ = sc.conn.Close()
}

// Respond queues a response on the originating connection. Because
// responses and events share the per-connection queue, a client sees the
// events caused by its mutation before the response.
func (s *Server) Respond(connID string, resp Response) {
	s.mu.Lock()
	sc, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.enqueue(sc, mustMarshal(resp))
}

// Broadcast sends an event payload to every subscribed connection whose
// filter admits its type.
func (s *Server) Broadcast(payload any) {
	wire, err := MarshalEvent(payload)
	if err != nil {
		s.log.Error("marshal event failed", "error", err)
		return
	}
	eventType := typeTagOf(payload)

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		if !sc.wants(eventType) {
			continue
		}
		s.enqueue(sc, wire)
	}
}

// Subscribe marks a connection as an event subscriber, optionally
// filtered to a set of event types.
func (s *Server) Subscribe(connID string, events []string) {
	s.withConn(connID, func(sc *serverConn) {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		sc.subscribed = true
		if len(events) == 0 {
			sc.filter = nil
			return
		}
		if sc.filter == nil {
			sc.filter = make(map[string]struct{})
		}
		for _, ev := range events {
			sc.filter[ev] = struct{}{}
		}
	})
}

// Unsubscribe removes event types from a connection's filter; with no
// types it drops the subscription entirely.
func (s *Server) Unsubscribe(connID string, events []string) {
	s.withConn(connID, func(sc *serverConn) {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		if len(events) == 0 {
			sc.subscribed = false
			sc.filter = nil
			return
		}
		for _, ev := range events {
			delete(sc.filter, ev)
		}
	})
}

func (s *Server) withConn(connID string, fn func(*serverConn)) {
	s.mu.Lock()
	sc, ok := s.conns[connID]
	s.mu.Unlock()
	if ok {
		fn(sc)
	}
}

func (sc *serverConn) wants(eventType string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.subscribed {
		return false
	}
	if sc.filter == nil {
		return true
	}
	_, ok := sc.filter[eventType]
	return ok
}

// enqueue appends to the connection's write queue; a full queue means the
// client is too slow and gets dropped.
func (s *Server) enqueue(sc *serverConn, payload []byte) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	select {
	case sc.outbound <- payload:
		sc.mu.Unlock()
		return
	default:
	}
	sc.mu.Unlock()

	s.log.Warn("client too slow, dropping", "conn", sc.id)
	s.drop(sc)
}

func (s *Server) drop(sc *serverConn) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	close(sc.outbound)
	sc.mu.Unlock()

	_ = sc.conn.Close()
	s.mu.Lock()
	delete(s.conns, sc.id)
	s.mu.Unlock()
	s.log.Debug("client disconnected", "conn", sc.id)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		s.drop(sc)
	}
}

func mustMarshal(resp Response) []byte {
	raw, err := json.Marshal(resp)
	if err != nil {
		raw, _ = json.Marshal(Err(resp.ID, CodeInternal, "encode response"))
	}
	return raw
}

func typeTagOf(payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return EventType(raw)
}
