// Package router keeps application streams attached to the right channel
// sink, and keeps that decision in force as rules and profiles change.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/undertone-audio/undertone/internal/graph"
	"github.com/undertone-audio/undertone/internal/routing"
)

// GraphControl is the slice of the graph engine the router drives.
type GraphControl interface {
	OwnedNodeID(name string) (uint32, bool)
	CreateStereoLinks(ctx context.Context, outputNode, inputNode uint32) ([]uint32, error)
	DestroyLink(ctx context.Context, id uint32) error
}

// AppInfo describes one routed application stream.
type AppInfo struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Binary  string `json:"binary"`
	PID     int    `json:"pid,omitempty"`
	Channel string `json:"channel"`
}

// Moved reports a stream whose target changed during re-evaluation.
type Moved struct {
	App  AppInfo
	From string
}

type stream struct {
	node    graph.Node
	channel string
	links   []uint32
}

// Router tracks live application streams and the links it created for
// them. A stream is attached to at most one channel sink at any time: a
// route change destroys the old links before creating new ones.
type Router struct {
	log   *slog.Logger
	graph GraphControl
	rules *routing.RuleSet

	mu      sync.Mutex
	streams map[uint32]*stream
}

// New builds a router over a rule set.
func New(log *slog.Logger, graphControl GraphControl, rules *routing.RuleSet) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:     log,
		graph:   graphControl,
		rules:   rules,
		streams: make(map[uint32]*stream),
	}
}

// Rules exposes the underlying rule set.
func (r *Router) Rules() *routing.RuleSet {
	return r.rules
}

// HandleAppeared classifies a new stream and attaches it to its channel
// sink. It returns the chosen channel.
func (r *Router) HandleAppeared(ctx context.Context, node graph.Node) (string, error) {
	target := r.rules.Classify(routing.Stream{Binary: node.Binary, Name: node.AppName})

	r.mu.Lock()
	st, known := r.streams[node.ID]
	if !known {
		st = &stream{node: node}
		r.streams[node.ID] = st
	}
	r.mu.Unlock()

	if known && st.channel == target {
		return target, nil
	}
	if err := r.attach(ctx, st, target); err != nil {
		return target, err
	}
	return target, nil
}

// HandleRemoved forgets a stream, reporting whether it was tracked. Its
// links died with the node; nothing to destroy.
func (r *Router) HandleRemoved(id uint32) (AppInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	if !ok {
		return AppInfo{}, false
	}
	delete(r.streams, id)
	return r.info(st), true
}

// Reevaluate re-runs classification for every tracked stream. Links only
// change for streams whose target differs from the current attachment.
func (r *Router) Reevaluate(ctx context.Context) ([]Moved, error) {
	r.mu.Lock()
	tracked := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		tracked = append(tracked, st)
	}
	r.mu.Unlock()
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].node.ID < tracked[j].node.ID })

	var moved []Moved
	var firstErr error
	for _, st := range tracked {
		target := r.rules.Classify(routing.Stream{Binary: st.node.Binary, Name: st.node.AppName})
		if target == st.channel {
			continue
		}
		from := st.channel
		if err := r.attach(ctx, st, target); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		moved = append(moved, Moved{App: r.info(st), From: from})
	}
	return moved, firstErr
}

// ReattachAll re-creates links for every tracked stream, used after a
// graph rebuild invalidated them.
func (r *Router) ReattachAll(ctx context.Context) error {
	r.mu.Lock()
	tracked := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		st.links = nil // old link ids died with the connection
		tracked = append(tracked, st)
	}
	r.mu.Unlock()

	var firstErr error
	for _, st := range tracked {
		target := st.channel
		if target == "" {
			target = r.rules.Classify(routing.Stream{Binary: st.node.Binary, Name: st.node.AppName})
		}
		if err := r.attach(ctx, st, target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Apps lists tracked streams sorted by id.
func (r *Router) Apps() []AppInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AppInfo, 0, len(r.streams))
	for _, st := range r.streams {
		out = append(out, r.info(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// attach moves a stream to target: old daemon-created links are destroyed
// first, then the new stereo pair is created. The ordering matters; two
// simultaneous sinks would fan out instead of replacing.
func (r *Router) attach(ctx context.Context, st *stream, target string) error {
	sinkID, ok := r.graph.OwnedNodeID("ut-ch-" + target)
	if !ok {
		return fmt.Errorf("channel sink for %q not built", target)
	}

	r.mu.Lock()
	old := st.links
	st.links = nil
	r.mu.Unlock()

	for _, linkID := range old {
		if err := r.graph.DestroyLink(ctx, linkID); err != nil {
			r.log.Warn("destroy stale app link failed", "link", linkID, "error", err)
		}
	}

	links, err := r.graph.CreateStereoLinks(ctx, st.node.ID, sinkID)
	if err != nil {
		return fmt.Errorf("attach %q to %s: %w", st.node.Binary, target, err)
	}

	r.mu.Lock()
	st.links = links
	st.channel = target
	r.mu.Unlock()

	r.log.Info("app routed",
		"binary", st.node.Binary,
		"app", st.node.AppName,
		"channel", target,
	)
	return nil
}

func (r *Router) info(st *stream) AppInfo {
	return AppInfo{
		ID:      st.node.ID,
		Name:    st.node.AppName,
		Binary:  st.node.Binary,
		PID:     st.node.PID,
		Channel: st.channel,
	}
}
