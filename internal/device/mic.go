package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// volumeNorm is the Pulse linear full-volume value.
const volumeNorm = 0x10000

// subprocessTimeout bounds each external mixer invocation.
const subprocessTimeout = 2 * time.Second

// PulseMixer is the native mic-control path.
type PulseMixer interface {
	SetSourceVolume(ctx context.Context, source string, gain float64) error
	SetSourceMute(ctx context.Context, source string, muted bool) error
	SourceMuted(ctx context.Context, source string) (bool, error)
}

// Runner invokes an external command, succeeding iff it exits zero.
type Runner func(ctx context.Context, name string, args ...string) error

// Mic controls capture gain and mute. The Pulse native path is tried
// first; the mixer subprocess covers servers where the source is not
// controllable. Subprocess failures degrade to warnings, never fatal
// errors. Direct HID control of the device is not implemented.
type Mic struct {
	log      *slog.Logger
	pulse    PulseMixer
	run      Runner
	controls []string

	mu       sync.Mutex
	identity Identity
	control  string // resolved mixer control, "" until first use
	muted    bool
	gain     float64
}

// NewMic builds a controller. controls lists candidate mixer control
// names tried in order; the environment decides which exists.
func NewMic(log *slog.Logger, pulseMixer PulseMixer, run Runner, identity Identity, controls []string) *Mic {
	if log == nil {
		log = slog.Default()
	}
	if run == nil {
		run = runCommand
	}
	if len(controls) == 0 {
		controls = []string{"Mic", "Capture"}
	}
	return &Mic{
		log:      log,
		pulse:    pulseMixer,
		run:      run,
		identity: identity,
		controls: controls,
		gain:     0.5,
	}
}

// SetIdentity updates the controller when the device (re)appears.
func (m *Mic) SetIdentity(identity Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
	m.control = ""
}

// Identity returns the current device identity.
func (m *Mic) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Gain returns the last applied gain.
func (m *Mic) Gain() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}

// Muted returns the last known mute state (best effort).
func (m *Mic) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Control returns the resolved mixer control name, or "unavailable".
func (m *Mic) Control() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.control == "" {
		return "unavailable"
	}
	return m.control
}

// SetGain applies a clamped [0,1] gain through the first working path.
func (m *Mic) SetGain(ctx context.Context, gain float64) error {
	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}

	source := m.Identity().Source
	if m.pulse != nil && source != "" {
		if err := m.pulse.SetSourceVolume(ctx, source, gain); err == nil {
			m.mu.Lock()
			m.gain = gain
			m.mu.Unlock()
			return nil
		} else {
			m.log.Warn("pulse mic gain failed, trying mixer fallback", "error", err)
		}
	}

	percent := fmt.Sprintf("%d%%", int(gain*100))
	if err := m.amixer(ctx, percent); err != nil {
		m.log.Warn("mic gain had no effect", "error", err)
		return err
	}
	m.mu.Lock()
	m.gain = gain
	m.mu.Unlock()
	return nil
}

// SetMute applies an explicit mute state.
func (m *Mic) SetMute(ctx context.Context, muted bool) error {
	source := m.Identity().Source
	if m.pulse != nil && source != "" {
		if err := m.pulse.SetSourceMute(ctx, source, muted); err == nil {
			m.mu.Lock()
			m.muted = muted
			m.mu.Unlock()
			return nil
		} else {
			m.log.Warn("pulse mic mute failed, trying mixer fallback", "error", err)
		}
	}

	arg := "mute"
	if !muted {
		arg = "unmute"
	}
	if err := m.amixer(ctx, arg); err != nil {
		m.log.Warn("mic mute had no effect", "error", err)
		return err
	}
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
	return nil
}

// ToggleMute flips the mute state, reading the live state from Pulse when
// possible, and returns the new state.
func (m *Mic) ToggleMute(ctx context.Context) (bool, error) {
	current := m.Muted()
	source := m.Identity().Source
	if m.pulse != nil && source != "" {
		if live, err := m.pulse.SourceMuted(ctx, source); err == nil {
			current = live
		}
	}
	if err := m.SetMute(ctx, !current); err != nil {
		return m.Muted(), err
	}
	return m.Muted(), nil
}

// amixer runs the fallback mixer command against each candidate control
// until one succeeds, then remembers the winner.
func (m *Mic) amixer(ctx context.Context, value string) error {
	identity := m.Identity()
	if identity.Card == "" {
		return errors.New("no mixer card available")
	}

	m.mu.Lock()
	candidates := m.controls
	if m.control != "" {
		candidates = []string{m.control}
	}
	m.mu.Unlock()

	var lastErr error
	for _, control := range candidates {
		ctx, cancel := context.WithTimeout(ctx, subprocessTimeout)
		err := m.run(ctx, "amixer", "-D", identity.Card, "sset", control, value)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.control = control
			m.mu.Unlock()
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no mixer control candidates")
	}
	return fmt.Errorf("mixer command failed: %w", lastErr)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Run()
}

// pulseClient is the production PulseMixer over the native protocol.
type pulseClient struct{}

// NewPulseMixer returns the native-protocol mic control path.
func NewPulseMixer() PulseMixer {
	return pulseClient{}
}

func (pulseClient) SetSourceVolume(_ context.Context, source string, gain float64) error {
	client, err := pulse.NewClient(pulse.ClientApplicationName("undertone"))
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	var info pulseproto.GetSourceInfoReply
	if err := client.RawRequest(&pulseproto.GetSourceInfo{
		SourceIndex: pulseproto.Undefined,
		SourceName:  source,
	}, &info); err != nil {
		return fmt.Errorf("resolve source %q: %w", source, err)
	}

	channels := len(info.ChannelMap)
	if channels == 0 {
		channels = 1
	}
	volumes := make(pulseproto.ChannelVolumes, channels)
	for i := range volumes {
		volumes[i] = uint32(gain * volumeNorm)
	}

	if err := client.RawRequest(&pulseproto.SetSourceVolume{
		SourceIndex:    pulseproto.Undefined,
		SourceName:     source,
		ChannelVolumes: volumes,
	}, nil); err != nil {
		return fmt.Errorf("set source volume: %w", err)
	}
	return nil
}

func (pulseClient) SetSourceMute(_ context.Context, source string, muted bool) error {
	client, err := pulse.NewClient(pulse.ClientApplicationName("undertone"))
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	if err := client.RawRequest(&pulseproto.SetSourceMute{
		SourceIndex: pulseproto.Undefined,
		SourceName:  source,
		Mute:        muted,
	}, nil); err != nil {
		return fmt.Errorf("set source mute: %w", err)
	}
	return nil
}

func (pulseClient) SourceMuted(_ context.Context, source string) (bool, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("undertone"))
	if err != nil {
		return false, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	var info pulseproto.GetSourceInfoReply
	if err := client.RawRequest(&pulseproto.GetSourceInfo{
		SourceIndex: pulseproto.Undefined,
		SourceName:  source,
	}, &info); err != nil {
		return false, fmt.Errorf("resolve source %q: %w", source, err)
	}
	return info.Mute, nil
}

func findALSACardIn(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	card, ok := ParseALSACards(string(content))
	if !ok {
		return "", errors.New("no Wave:3 ALSA card found")
	}
	return card, nil
}
