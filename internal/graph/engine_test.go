package graph_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/undertone-audio/undertone/internal/channel"
	"github.com/undertone-audio/undertone/internal/graph"
	"github.com/undertone-audio/undertone/internal/graph/graphtest"
)

func testConfig() graph.Config {
	return graph.Config{
		BindDeadline:     time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		NoticeBuffer:     1024,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startEngine(t *testing.T, dial graph.Dialer) *graph.Engine {
	t.Helper()
	engine := graph.NewEngine(dial, testConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not stop")
		}
	})
	return engine
}

func waitNotice[T graph.Notice](t *testing.T, engine *graph.Engine) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case notice, ok := <-engine.Notices():
			require.True(t, ok, "notice channel closed")
			if typed, match := notice.(T); match {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestCreateSinkBindsAndRecordsOwnership(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	id, err := engine.CreateSink(context.Background(), "ut-ch-music", "Undertone: Music Channel")
	require.NoError(t, err)
	require.NotZero(t, id)

	node, ok := engine.Mirror().NodeByName("ut-ch-music")
	require.True(t, ok)
	require.Equal(t, id, node.ID)
	require.True(t, node.IsOwned())

	ownedID, ok := engine.OwnedNodeID("ut-ch-music")
	require.True(t, ok)
	require.Equal(t, id, ownedID)
}

func TestCreateSinkTimesOutWithoutBind(t *testing.T) {
	server := graphtest.NewServer()
	server.SuppressBind("ut-ch-game")

	engine := graph.NewEngine(server.Dialer(), graph.Config{
		BindDeadline:     80 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()
	waitNotice[graph.Connected](t, engine)

	_, err := engine.CreateSink(context.Background(), "ut-ch-game", "Undertone: Game Channel")
	require.ErrorIs(t, err, graph.ErrTimeout)

	// No half-created ownership is retained.
	_, ok := engine.OwnedNodeID("ut-ch-game")
	require.False(t, ok)
}

func TestCreateSinkSurfacesPermanentFailure(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	server.SetCreateError(errors.New("creation refused"))
	_, err := engine.CreateSink(context.Background(), "ut-stream-mix", "Undertone: Stream Mix")
	require.Error(t, err)
	require.Contains(t, err.Error(), "creation refused")
}

func TestCreateStereoLinksResolvePortsByChannel(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	ctx := context.Background()
	chID, err := engine.CreateSink(ctx, "ut-ch-voice", "Undertone: Voice Channel")
	require.NoError(t, err)
	mixID, err := engine.CreateSink(ctx, "ut-stream-mix", "Undertone: Stream Mix")
	require.NoError(t, err)

	ids, err := engine.CreateStereoLinks(ctx, chID, mixID)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	links := server.LinksBetween(chID, mixID)
	require.Len(t, links, 2)
	// Output side resolved to the monitor ports, input side to playback.
	for _, link := range links {
		outPort, ok := engine.Mirror().Port(link.OutputPort)
		require.True(t, ok)
		require.Contains(t, outPort.Name, "monitor_")
		inPort, ok := engine.Mirror().Port(link.InputPort)
		require.True(t, ok)
		require.Contains(t, inPort.Name, "playback_")
	}
}

func TestCreateLinkUnknownPortFails(t *testing.T) {
	server := graphtest.NewServer()
	engine := graph.NewEngine(server.Dialer(), graph.Config{
		BindDeadline:     80 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
	}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()
	waitNotice[graph.Connected](t, engine)

	sinkID, err := engine.CreateSink(context.Background(), "ut-ch-music", "Undertone: Music Channel")
	require.NoError(t, err)

	_, err = engine.CreateLink(context.Background(), sinkID, "monitor_XX", sinkID, "playback_FL")
	require.ErrorIs(t, err, graph.ErrPortNotFound)
}

func TestDestroyLinkRefusesUnowned(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	err := engine.DestroyLink(context.Background(), 424242)
	require.ErrorIs(t, err, graph.ErrNotOwned)
}

func TestSetFilterVolumeAndMute(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	ctx := context.Background()
	id, err := engine.CreateVolumeFilter(ctx, "ut-ch-music-monitor-vol", "Undertone: Music Monitor Volume")
	require.NoError(t, err)

	require.NoError(t, engine.SetFilterVolume(ctx, id, 0.25))
	props, ok := server.FilterProps(id)
	require.True(t, ok)
	require.Equal(t, []float64{0.25, 0.25}, props.Volumes)
	require.False(t, props.Mute)

	require.NoError(t, engine.SetFilterMute(ctx, id, true))
	props, _ = server.FilterProps(id)
	require.True(t, props.Mute)
	// Muting must not clobber the gain vector.
	require.Equal(t, []float64{0.25, 0.25}, props.Volumes)

	mirrored, ok := engine.Mirror().FilterProps(id)
	require.True(t, ok)
	require.Equal(t, props.Volumes, mirrored.Volumes)
	require.True(t, mirrored.Mute)
}

func TestSetFilterVolumeValidation(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	err := engine.SetFilterVolume(context.Background(), 1, 1.5)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	err = engine.SetFilterVolume(context.Background(), 999, 0.5)
	require.ErrorIs(t, err, graph.ErrNotOwned)
}

func TestRebuildCreatesFullTopology(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	engine.SetDesired(graph.Topology{Channels: channel.Defaults()})
	require.NoError(t, engine.Rebuild(context.Background()))

	// I1: five channel sinks, I2: two mix sinks, I3: ten filters.
	for _, name := range channel.Names() {
		_, ok := server.NodeByName("ut-ch-" + name)
		require.True(t, ok, "missing channel sink %s", name)
	}
	_, ok := server.NodeByName("ut-stream-mix")
	require.True(t, ok)
	_, ok = server.NodeByName("ut-monitor-mix")
	require.True(t, ok)
	require.Equal(t, 17, server.NodeCount("ut-"))

	// Each (channel, mix) pair has stereo links channel->filter and
	// filter->mix.
	for _, cfg := range channel.Defaults() {
		chNode, _ := server.NodeByName(cfg.SinkName())
		for _, mix := range channel.Mixes() {
			filterNode, ok := server.NodeByName(cfg.FilterName(mix))
			require.True(t, ok, "missing filter %s", cfg.FilterName(mix))
			mixNode, _ := server.NodeByName(mix.MixSinkName())

			require.Len(t, server.LinksBetween(chNode.ID, filterNode.ID), 2)
			require.Len(t, server.LinksBetween(filterNode.ID, mixNode.ID), 2)
		}
	}

	// Rebuild is idempotent: nothing is duplicated.
	require.NoError(t, engine.Rebuild(context.Background()))
	require.Equal(t, 17, server.NodeCount("ut-"))
	require.Len(t, server.Links(), 40)
}

func TestReconnectRebuildsOwnedTopology(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	engine.SetDesired(graph.Topology{Channels: channel.Defaults()})
	require.NoError(t, engine.Rebuild(context.Background()))

	filterID, ok := engine.OwnedNodeID("ut-ch-music-monitor-vol")
	require.True(t, ok)
	require.NoError(t, engine.SetFilterVolume(context.Background(), filterID, 0.25))

	server.Disconnect()
	waitNotice[graph.Disconnected](t, engine)
	waitNotice[graph.Connected](t, engine)
	waitNotice[graph.Rebuilt](t, engine)

	require.Equal(t, 17, server.NodeCount("ut-"))
	require.Len(t, server.Links(), 40)

	// Filter gains survive the rebuild.
	newID, ok := engine.OwnedNodeID("ut-ch-music-monitor-vol")
	require.True(t, ok)
	props, ok := server.FilterProps(newID)
	require.True(t, ok)
	require.Equal(t, []float64{0.25, 0.25}, props.Volumes)
}

func TestAppStreamNotices(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	id := server.AddAppStream("/usr/bin/spotify", "Spotify")
	appeared := waitNotice[graph.AppStreamAppeared](t, engine)
	require.Equal(t, id, appeared.Node.ID)
	require.Equal(t, "/usr/bin/spotify", appeared.Node.Binary)

	server.RemoveNode(id)
	removed := waitNotice[graph.AppStreamRemoved](t, engine)
	require.Equal(t, id, removed.ID)
}

func TestCaptureDeviceNotices(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	id := server.AddCaptureDevice("alsa_input.usb-Elgato_Wave_3", "WS0123")
	connected := waitNotice[graph.CaptureConnected](t, engine)
	require.Equal(t, "WS0123", connected.Serial)

	server.RemoveNode(id)
	waitNotice[graph.CaptureDisconnected](t, engine)
}

func TestSetMonitorOutputSwitchesDevice(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	firstDev := server.AddOutputDevice("alsa_output.wave3", "Wave:3 Headphones")
	secondDev := server.AddOutputDevice("alsa_output.hdmi", "HDMI Audio")

	engine.SetDesired(graph.Topology{Channels: channel.Defaults()})
	require.NoError(t, engine.Rebuild(context.Background()))
	mixID, _ := engine.OwnedNodeID("ut-monitor-mix")

	require.Eventually(t, func() bool {
		_, ok := engine.Mirror().NodeByName("alsa_output.hdmi")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.SetMonitorOutput(context.Background(), "alsa_output.wave3"))
	require.Len(t, server.LinksBetween(mixID, firstDev), 2)

	require.NoError(t, engine.SetMonitorOutput(context.Background(), "alsa_output.hdmi"))
	require.Empty(t, server.LinksBetween(mixID, firstDev))
	require.Len(t, server.LinksBetween(mixID, secondDev), 2)

	require.ErrorIs(t, engine.SetMonitorOutput(context.Background(), "alsa_output.missing"), graph.ErrNodeNotFound)
}

func TestTeardownDestroysOwnedObjects(t *testing.T) {
	server := graphtest.NewServer()
	engine := startEngine(t, server.Dialer())
	waitNotice[graph.Connected](t, engine)

	engine.SetDesired(graph.Topology{Channels: channel.Defaults()})
	require.NoError(t, engine.Rebuild(context.Background()))
	require.Equal(t, 17, server.NodeCount("ut-"))

	require.NoError(t, engine.Teardown(context.Background()))
	require.Zero(t, server.NodeCount("ut-"))
	require.Empty(t, server.Links())
}

func TestCommandsFailWhileDialerDown(t *testing.T) {
	server := graphtest.NewServer()
	down := make(chan struct{})
	dial := func() (graph.Conn, error) {
		select {
		case <-down:
			return server.Connect(), nil
		default:
			return nil, errors.New("server unavailable")
		}
	}

	engine := graph.NewEngine(dial, testConfig(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cmdCancel()
	_, err := engine.CreateSink(cmdCtx, "ut-ch-music", "Undertone: Music Channel")
	require.ErrorIs(t, err, graph.ErrDisconnected)

	close(down)
	waitNotice[graph.Connected](t, engine)
	_, err = engine.CreateSink(context.Background(), "ut-ch-music", "Undertone: Music Channel")
	require.NoError(t, err)
}
