package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/undertone-audio/undertone/internal/ipc"
	"github.com/undertone-audio/undertone/internal/version"
)

var socketFlag string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "undertonectl",
		Short:         "Control the Undertone audio mixer daemon",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "daemon socket path (default: $XDG_RUNTIME_DIR/undertone/daemon.sock)")

	root.AddCommand(
		newStatusCommand(),
		newChannelsCommand(),
		newAppsCommand(),
		newOutputsCommand(),
		newVolumeCommand(),
		newMuteCommand(),
		newMasterCommand(),
		newOutputCommand(),
		newRouteCommand(),
		newUnrouteCommand(),
		newProfileCommand(),
		newMicCommand(),
		newWatchCommand(),
		newShutdownCommand(),
	)
	return root
}

func dial(ctx context.Context) (*ipc.Client, error) {
	path := socketFlag
	if path == "" {
		var err error
		if path, err = ipc.RuntimeSocketPath(); err != nil {
			return nil, err
		}
	}
	client, err := ipc.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	return client, nil
}

// call runs one request against the daemon and pretty-prints the Ok
// payload.
func call(ctx context.Context, method any) error {
	client, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := client.Call(ctx, method)
	if err != nil {
		return err
	}
	return printJSON(payload)
}

func printJSON(payload json.RawMessage) error {
	if payload == nil {
		fmt.Println("ok")
		return nil
	}
	var pretty any
	if err := json.Unmarshal(payload, &pretty); err != nil {
		fmt.Println(string(payload))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseVolume(arg string) (float64, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("volume %q is not a number", arg)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("volume %v out of range [0,1]", v)
	}
	return v, nil
}

func parseBool(arg string) (bool, error) {
	switch arg {
	case "on", "true", "1", "muted":
		return true, nil
	case "off", "false", "0", "unmuted":
		return false, nil
	}
	return false, fmt.Errorf("expected on/off, got %q", arg)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon state snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodGetState})
		},
	}
}

func newChannelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels with per-mix volume and mute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodGetChannels})
		},
	}
}

func newAppsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List routed application streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodGetApps})
		},
	}
}

func newOutputsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "List available monitor output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodGetAvailableOutputs})
		},
	}
}

func newVolumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "volume <channel> <stream|monitor> <0..1>",
		Short: "Set a channel's volume on one mix",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			volume, err := parseVolume(args[2])
			if err != nil {
				return err
			}
			return call(cmd.Context(), ipc.SetChannelVolumeParams{
				Type: ipc.MethodSetChannelVolume, Channel: args[0], Mix: args[1], Volume: volume,
			})
		},
	}
}

func newMuteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mute <channel> <stream|monitor> <on|off>",
		Short: "Mute or unmute a channel on one mix",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			muted, err := parseBool(args[2])
			if err != nil {
				return err
			}
			return call(cmd.Context(), ipc.SetChannelMuteParams{
				Type: ipc.MethodSetChannelMute, Channel: args[0], Mix: args[1], Muted: muted,
			})
		},
	}
}

func newMasterCommand() *cobra.Command {
	master := &cobra.Command{
		Use:   "master",
		Short: "Master volume and mute per mix",
	}
	master.AddCommand(
		&cobra.Command{
			Use:   "volume <stream|monitor> <0..1>",
			Short: "Set a mix's master volume",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				volume, err := parseVolume(args[1])
				if err != nil {
					return err
				}
				return call(cmd.Context(), ipc.SetMasterVolumeParams{
					Type: ipc.MethodSetMasterVolume, Mix: args[0], Volume: volume,
				})
			},
		},
		&cobra.Command{
			Use:   "mute <stream|monitor> <on|off>",
			Short: "Set a mix's master mute",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				muted, err := parseBool(args[1])
				if err != nil {
					return err
				}
				return call(cmd.Context(), ipc.SetMasterMuteParams{
					Type: ipc.MethodSetMasterMute, Mix: args[0], Muted: muted,
				})
			},
		},
	)
	return master
}

func newOutputCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "output <device-node-name>",
		Short: "Route the monitor mix to a hardware output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), ipc.SetMonitorOutputParams{
				Type: ipc.MethodSetMonitorOutput, DeviceName: args[0],
			})
		},
	}
}

func newRouteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "route <pattern> <channel>",
		Short: "Route apps matching a pattern to a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), ipc.SetAppRouteParams{
				Type: ipc.MethodSetAppRoute, Pattern: args[0], Channel: args[1],
			})
		},
	}
}

func newUnrouteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unroute <pattern>",
		Short: "Remove an app route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), ipc.RemoveAppRouteParams{
				Type: ipc.MethodRemoveAppRoute, Pattern: args[0],
			})
		},
	}
}

func newProfileCommand() *cobra.Command {
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Manage mixer profiles",
	}
	profile.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodListProfiles})
			},
		},
		&cobra.Command{
			Use:   "save <name>",
			Short: "Save the current state as a profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd.Context(), ipc.ProfileNameParams{Type: ipc.MethodSaveProfile, Name: args[0]})
			},
		},
		&cobra.Command{
			Use:   "load <name>",
			Short: "Load a saved profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd.Context(), ipc.ProfileNameParams{Type: ipc.MethodLoadProfile, Name: args[0]})
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd.Context(), ipc.ProfileNameParams{Type: ipc.MethodDeleteProfile, Name: args[0]})
			},
		},
	)
	return profile
}

func newMicCommand() *cobra.Command {
	mic := &cobra.Command{
		Use:   "mic",
		Short: "Microphone gain and mute",
	}
	mic.AddCommand(
		&cobra.Command{
			Use:   "gain <0..1>",
			Short: "Set microphone gain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				gain, err := parseVolume(args[0])
				if err != nil {
					return err
				}
				return call(cmd.Context(), ipc.SetMicGainParams{Type: ipc.MethodSetMicGain, Value: gain})
			},
		},
		&cobra.Command{
			Use:   "toggle",
			Short: "Toggle microphone mute",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodToggleMicMute})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show device and microphone status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodGetDeviceStatus})
			},
		},
	)
	return mic
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Subscribe and print daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Subscribe(ctx); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case raw, ok := <-client.Events():
					if !ok {
						return fmt.Errorf("daemon closed the connection")
					}
					fmt.Fprintln(os.Stdout, string(raw))
				}
			}
		},
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to shut down gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), ipc.TypeOnly{Type: ipc.MethodShutdown})
		},
	}
}
