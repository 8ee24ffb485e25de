// Package device handles best-effort identification of the capture device
// and microphone gain/mute control. The primary control path speaks the
// Pulse native protocol (which pipewire-pulse serves); an external mixer
// subprocess is the fallback.
package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// Elgato Wave:3 USB identifiers.
const (
	VendorID  = "0fd9"
	ProductID = "0070"
)

// Identity describes the detected capture device. Absence of a serial or
// of the device itself does not prevent operation.
type Identity struct {
	Present bool   `json:"present"`
	Serial  string `json:"serial,omitempty"`
	Source  string `json:"source,omitempty"`
	Card    string `json:"card,omitempty"`
}

// Identify enumerates Pulse sources and matches the Wave:3 by USB ids,
// falling back to a name match. The ALSA card is resolved from
// /proc/asound/cards for the mixer-subprocess fallback.
func Identify(_ context.Context) (Identity, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("undertone"))
	if err != nil {
		return Identity{}, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	var sources pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sources); err != nil {
		return Identity{}, fmt.Errorf("list sources: %w", err)
	}

	identity := identifyFromSources(sources)
	if identity.Present {
		if card, err := FindALSACard(); err == nil {
			identity.Card = card
		}
	}
	return identity, nil
}

func identifyFromSources(sources pulseproto.GetSourceInfoListReply) Identity {
	for _, src := range sources {
		if src == nil {
			continue
		}
		if !matchesWave3(src.SourceName, src.Properties) {
			continue
		}
		return Identity{
			Present: true,
			Serial:  propString(src.Properties, "device.serial"),
			Source:  src.SourceName,
		}
	}
	return Identity{}
}

func matchesWave3(name string, props pulseproto.PropList) bool {
	vendor := strings.TrimPrefix(propString(props, "device.vendor.id"), "0x")
	product := strings.TrimPrefix(propString(props, "device.product.id"), "0x")
	if vendor == VendorID && product == ProductID {
		return true
	}
	return strings.Contains(name, "Elgato") || strings.Contains(name, "Wave")
}

func propString(props pulseproto.PropList, key string) string {
	if props == nil {
		return ""
	}
	if entry, ok := props[key]; ok {
		return entry.String()
	}
	return ""
}

// FindALSACard locates the Wave:3 ALSA card from /proc/asound/cards.
func FindALSACard() (string, error) {
	return findALSACardIn(procAsoundCards)
}

const procAsoundCards = "/proc/asound/cards"

// ParseALSACards scans /proc/asound/cards content for a Wave:3 entry and
// returns its card index as "hw:N".
func ParseALSACards(content string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		if !strings.Contains(line, "Wave:3") && !strings.Contains(line, "Wave 3") {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(fields[0], "%d", &num); err != nil {
			continue
		}
		return fmt.Sprintf("hw:%d", num), true
	}
	return "", false
}
