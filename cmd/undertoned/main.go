// Command undertoned is the Undertone daemon: it builds the
// Stream/Monitor mixing graph on PipeWire and serves the local control
// socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/undertone-audio/undertone/internal/config"
	"github.com/undertone-audio/undertone/internal/daemon"
	"github.com/undertone-audio/undertone/internal/device"
	"github.com/undertone-audio/undertone/internal/graph"
	"github.com/undertone-audio/undertone/internal/graph/pw"
	"github.com/undertone-audio/undertone/internal/ipc"
	"github.com/undertone-audio/undertone/internal/logging"
	"github.com/undertone-audio/undertone/internal/store"
	"github.com/undertone-audio/undertone/internal/version"
)

// Exit codes: 0 normal, 64 usage, 71 fatal initialization, 74 graph
// server never reachable.
const (
	exitOK    = 0
	exitUsage = 64
	exitInit  = 71
	exitGraph = 74
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	var configPath string
	exitCode := exitOK

	root := &cobra.Command{
		Use:           "undertoned",
		Short:         "Undertone audio mixer daemon",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := serve(cmd.Context(), configPath)
			exitCode = code
			return err
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "config file path")
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if exitCode == exitOK {
			return exitUsage
		}
		return exitCode
	}
	return exitCode
}

func serve(ctx context.Context, configPath string) (int, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return exitInit, err
	}
	cfg := loaded.Config

	logRuntime, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		return exitInit, fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logRuntime.Close() }()
	log := logRuntime.Logger

	log.Info("starting undertoned",
		"version", version.Version,
		"config", loaded.Path,
		"config_present", loaded.Exists,
	)

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		if dbPath, err = store.DefaultPath(); err != nil {
			return exitInit, fmt.Errorf("resolve database path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return exitInit, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	socketPath := cfg.SocketPath
	if socketPath == "" {
		if socketPath, err = ipc.RuntimeSocketPath(); err != nil {
			return exitInit, err
		}
	}
	listener, err := ipc.Acquire(ctx, socketPath, 500*time.Millisecond)
	if err != nil {
		return exitInit, err
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	engine := graph.NewEngine(pw.Dialer(log), graph.Config{
		BindDeadline:     cfg.Graph.BindDeadline,
		ReconnectInitial: cfg.Graph.ReconnectInitial,
		ReconnectMax:     cfg.Graph.ReconnectMax,
	}, log)

	identity, err := device.Identify(ctx)
	if err != nil {
		log.Warn("capture device not identified, generic-mixer mode", "error", err)
	}
	mic := device.NewMic(log, device.NewPulseMixer(), nil, identity, cfg.Device.MicControls)

	d := daemon.New(daemon.Options{
		Config:   cfg,
		Logger:   log,
		Store:    st,
		Engine:   engine,
		Server:   ipc.NewServer(log),
		Listener: listener,
		Mic:      mic,
	})

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrGraphUnreachable) {
			return exitGraph, err
		}
		return exitInit, err
	}

	log.Info("undertoned stopped")
	return exitOK, nil
}
