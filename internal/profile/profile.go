// Package profile defines named snapshots of mixer state with an optional
// route overlay.
package profile

import "github.com/undertone-audio/undertone/internal/channel"

// Channel is one channel's saved per-mix state.
type Channel struct {
	Name    string           `json:"name"`
	Stream  channel.MixState `json:"stream"`
	Monitor channel.MixState `json:"monitor"`
}

// Profile is a named snapshot. An empty Routes map means "inherit the
// global rules"; a non-empty map overlays them.
type Profile struct {
	Name        string                           `json:"name"`
	Description string                           `json:"description,omitempty"`
	IsDefault   bool                             `json:"is_default"`
	Channels    []Channel                        `json:"channels"`
	Routes      map[string]string                `json:"routes,omitempty"`
	Masters     map[channel.Mix]channel.MixState `json:"masters"`
}

// Summary is the list form of a profile.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"is_default"`
}

// FromStates snapshots live channel states and masters into a profile.
func FromStates(name string, states []channel.State, masters map[channel.Mix]channel.MixState, routes map[string]string) Profile {
	p := Profile{
		Name:    name,
		Masters: make(map[channel.Mix]channel.MixState, len(masters)),
		Routes:  make(map[string]string, len(routes)),
	}
	for _, st := range states {
		p.Channels = append(p.Channels, Channel{
			Name:    st.Config.Name,
			Stream:  st.Stream,
			Monitor: st.Monitor,
		})
	}
	for mix, master := range masters {
		p.Masters[mix] = master
	}
	for pattern, target := range routes {
		p.Routes[pattern] = target
	}
	return p
}

// States expands the profile's channel entries onto the canonical
// channels, leaving channels the profile does not mention untouched-shaped
// (they keep their passed-in current state).
func (p Profile) States(current []channel.State) []channel.State {
	byName := make(map[string]Channel, len(p.Channels))
	for _, ch := range p.Channels {
		byName[ch.Name] = ch
	}
	out := make([]channel.State, len(current))
	copy(out, current)
	for i := range out {
		if saved, ok := byName[out[i].Config.Name]; ok {
			out[i].Stream = saved.Stream
			out[i].Monitor = saved.Monitor
		}
	}
	return out
}
