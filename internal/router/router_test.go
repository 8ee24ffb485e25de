package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/undertone-audio/undertone/internal/channel"
	"github.com/undertone-audio/undertone/internal/graph"
	"github.com/undertone-audio/undertone/internal/graph/graphtest"
	"github.com/undertone-audio/undertone/internal/routing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEngine brings up a real engine over the fake server with the full
// topology built, so the router exercises real link bookkeeping.
func startEngine(t *testing.T) (*graph.Engine, *graphtest.Server) {
	t.Helper()
	server := graphtest.NewServer()
	engine := graph.NewEngine(server.Dialer(), graph.Config{
		BindDeadline:     time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		NoticeBuffer:     1024,
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		select {
		case n := <-engine.Notices():
			_, ok := n.(graph.Connected)
			return ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	engine.SetDesired(graph.Topology{Channels: channel.Defaults()})
	require.NoError(t, engine.Rebuild(context.Background()))
	return engine, server
}

func nodeFor(t *testing.T, server *graphtest.Server, engine *graph.Engine, id uint32) graph.Node {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := engine.Mirror().Node(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	node, _ := engine.Mirror().Node(id)
	return node
}

func sinkID(t *testing.T, engine *graph.Engine, name string) uint32 {
	t.Helper()
	id, ok := engine.OwnedNodeID(name)
	require.True(t, ok)
	return id
}

func TestAppearedStreamLinksToMatchedChannel(t *testing.T) {
	engine, server := startEngine(t)
	rules := routing.NewRuleSet([]routing.Rule{
		{Pattern: "spotify", PatternType: routing.PatternSubstring, Channel: "music", Priority: 100},
	}, nil)
	r := New(quietLogger(), engine, rules)

	appID := server.AddAppStream("/usr/bin/spotify", "Spotify")
	node := nodeFor(t, server, engine, appID)

	target, err := r.HandleAppeared(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, "music", target)

	musicSink := sinkID(t, engine, "ut-ch-music")
	require.Len(t, server.LinksBetween(appID, musicSink), 2)

	// No links to any other channel sink.
	for _, name := range channel.Names() {
		if name == "music" {
			continue
		}
		require.Empty(t, server.LinksBetween(appID, sinkID(t, engine, "ut-ch-"+name)))
	}
}

func TestUnmatchedStreamFallsBackToSystem(t *testing.T) {
	engine, server := startEngine(t)
	r := New(quietLogger(), engine, routing.NewRuleSet(routing.Defaults(), nil))

	appID := server.AddAppStream("/usr/bin/obscure", "Obscure")
	node := nodeFor(t, server, engine, appID)

	target, err := r.HandleAppeared(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, "system", target)
	require.Len(t, server.LinksBetween(appID, sinkID(t, engine, "ut-ch-system")), 2)
}

func TestRouteChangeMovesLinksAtomically(t *testing.T) {
	engine, server := startEngine(t)
	rules := routing.NewRuleSet([]routing.Rule{
		{Pattern: "spotify", PatternType: routing.PatternSubstring, Channel: "music", Priority: 100},
	}, nil)
	r := New(quietLogger(), engine, rules)

	appID := server.AddAppStream("/usr/bin/spotify", "Spotify")
	node := nodeFor(t, server, engine, appID)
	_, err := r.HandleAppeared(context.Background(), node)
	require.NoError(t, err)

	rules.Replace([]routing.Rule{
		{Pattern: "spotify", PatternType: routing.PatternSubstring, Channel: "game", Priority: 100},
	}, nil)

	moved, err := r.Reevaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, "music", moved[0].From)
	require.Equal(t, "game", moved[0].App.Channel)

	musicSink := sinkID(t, engine, "ut-ch-music")
	gameSink := sinkID(t, engine, "ut-ch-game")
	require.Empty(t, server.LinksBetween(appID, musicSink))
	require.Len(t, server.LinksBetween(appID, gameSink), 2)

	// Net attachment count stayed exactly one channel sink.
	total := 0
	for _, name := range channel.Names() {
		total += len(server.LinksBetween(appID, sinkID(t, engine, "ut-ch-"+name)))
	}
	require.Equal(t, 2, total)
}

func TestReevaluateSkipsUnchangedStreams(t *testing.T) {
	engine, server := startEngine(t)
	rules := routing.NewRuleSet(routing.Defaults(), nil)
	r := New(quietLogger(), engine, rules)

	appID := server.AddAppStream("/usr/bin/spotify", "Spotify")
	node := nodeFor(t, server, engine, appID)
	_, err := r.HandleAppeared(context.Background(), node)
	require.NoError(t, err)

	moved, err := r.Reevaluate(context.Background())
	require.NoError(t, err)
	require.Empty(t, moved)
}

func TestHandleRemovedForgetsStream(t *testing.T) {
	engine, server := startEngine(t)
	r := New(quietLogger(), engine, routing.NewRuleSet(routing.Defaults(), nil))

	appID := server.AddAppStream("/usr/bin/spotify", "Spotify")
	node := nodeFor(t, server, engine, appID)
	_, err := r.HandleAppeared(context.Background(), node)
	require.NoError(t, err)
	require.Len(t, r.Apps(), 1)

	info, ok := r.HandleRemoved(appID)
	require.True(t, ok)
	require.Equal(t, "/usr/bin/spotify", info.Binary)
	require.Empty(t, r.Apps())

	_, ok = r.HandleRemoved(appID)
	require.False(t, ok)
}

func TestProfileOverlayReroutesStreams(t *testing.T) {
	engine, server := startEngine(t)
	rules := routing.NewRuleSet(routing.Defaults(), nil)
	r := New(quietLogger(), engine, rules)

	appID := server.AddAppStream("/usr/bin/spotify", "Spotify")
	node := nodeFor(t, server, engine, appID)
	target, err := r.HandleAppeared(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, "music", target)

	rules.SetOverlay(map[string]string{"/usr/bin/spotify": "voice"})
	moved, err := r.Reevaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Len(t, server.LinksBetween(appID, sinkID(t, engine, "ut-ch-voice")), 2)

	// Clearing the overlay falls back to global rules.
	rules.SetOverlay(nil)
	moved, err = r.Reevaluate(context.Background())
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, "music", moved[0].App.Channel)
}
