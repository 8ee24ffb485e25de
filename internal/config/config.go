// Package config resolves daemon configuration from
// $XDG_CONFIG_HOME/undertone/config.toml, with complete defaults so the
// daemon runs with no file present.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the materialized daemon configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// SocketPath overrides the runtime socket location; empty uses
	// $XDG_RUNTIME_DIR/undertone/daemon.sock.
	SocketPath string `mapstructure:"socket_path"`
	// DatabasePath overrides the store location; empty uses
	// $XDG_DATA_HOME/undertone/undertone.db.
	DatabasePath string `mapstructure:"database_path"`

	Graph  GraphConfig  `mapstructure:"graph"`
	Device DeviceConfig `mapstructure:"device"`
}

// GraphConfig tunes the graph engine.
type GraphConfig struct {
	// BindDeadline bounds each creation command's wait for the server
	// bind confirmation.
	BindDeadline time.Duration `mapstructure:"bind_deadline"`
	// ReconnectInitial and ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	// StartupWindow bounds how long startup waits for the graph server
	// before the daemon gives up.
	StartupWindow time.Duration `mapstructure:"startup_window"`
}

// DeviceConfig controls capture-device matching and mic control.
type DeviceConfig struct {
	VendorID  string `mapstructure:"vendor_id"`
	ProductID string `mapstructure:"product_id"`
	// StartupWait bounds how long startup waits for the capture device to
	// appear before proceeding in generic-mixer mode.
	StartupWait time.Duration `mapstructure:"startup_wait"`
	// MicControls lists mixer control names tried in order for the
	// subprocess fallback; the environment decides which exists.
	MicControls []string `mapstructure:"mic_controls"`
}

// Loaded bundles the config with its resolved source path.
type Loaded struct {
	Config Config
	Path   string
	Exists bool
}

// Load reads the configuration, using explicitPath when given.
func Load(explicitPath string) (Loaded, error) {
	v := viper.New()
	setDefaults(v)

	var resolved string
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		resolved = explicitPath
	} else {
		dir, err := configDir()
		if err != nil {
			return Loaded{}, err
		}
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(dir)
		resolved = filepath.Join(dir, "config.toml")
	}

	exists := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			exists = false
		} else {
			return Loaded{}, fmt.Errorf("read config %q: %w", resolved, err)
		}
	} else {
		resolved = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", resolved, err)
	}
	return Loaded{Config: cfg, Path: resolved, Exists: exists}, nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("socket_path", "")
	v.SetDefault("database_path", "")

	v.SetDefault("graph.bind_deadline", 2*time.Second)
	v.SetDefault("graph.reconnect_initial", 250*time.Millisecond)
	v.SetDefault("graph.reconnect_max", 10*time.Second)
	v.SetDefault("graph.startup_window", 30*time.Second)

	v.SetDefault("device.vendor_id", "0fd9")
	v.SetDefault("device.product_id", "0070")
	v.SetDefault("device.startup_wait", 10*time.Second)
	v.SetDefault("device.mic_controls", []string{"Mic", "Capture"})
}

func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "undertone"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "undertone"), nil
}
