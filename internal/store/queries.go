package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/undertone-audio/undertone/internal/channel"
	"github.com/undertone-audio/undertone/internal/profile"
	"github.com/undertone-audio/undertone/internal/routing"
)

// LoadChannels returns every channel with its current per-mix state, in
// sort order.
func (s *Store) LoadChannels() ([]channel.State, error) {
	rows, err := s.db.Query(
		`SELECT name, display_name, COALESCE(icon, ''), COALESCE(color, ''), sort_order, is_system
		 FROM channels ORDER BY sort_order`,
	)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer rows.Close()

	var states []channel.State
	for rows.Next() {
		var cfg channel.Config
		if err := rows.Scan(&cfg.Name, &cfg.DisplayName, &cfg.Icon, &cfg.Color, &cfg.SortOrder, &cfg.IsSystem); err != nil {
			return nil, err
		}
		states = append(states, channel.NewState(cfg))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range states {
		for _, mix := range channel.Mixes() {
			st := states[i].MixState(mix)
			err := s.db.QueryRow(
				"SELECT volume, muted FROM channel_states WHERE channel = ? AND mix = ?",
				states[i].Config.Name, string(mix),
			).Scan(&st.Volume, &st.Muted)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load channel state: %w", err)
			}
		}
	}
	return states, nil
}

// SaveChannelState persists one (channel, mix) volume/mute pair.
func (s *Store) SaveChannelState(name string, mix channel.Mix, st channel.MixState) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_states (channel, mix, volume, muted, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(channel, mix) DO UPDATE SET
			volume = excluded.volume,
			muted = excluded.muted,
			updated_at = datetime('now')`,
		name, string(mix), st.Volume, st.Muted,
	)
	if err != nil {
		return fmt.Errorf("save channel state %s/%s: %w", name, mix, err)
	}
	return nil
}

// LoadMasters returns the persisted master state per mix, defaulting to
// full volume unmuted.
func (s *Store) LoadMasters() (map[channel.Mix]channel.MixState, error) {
	out := map[channel.Mix]channel.MixState{
		channel.MixStream:  {Volume: 1},
		channel.MixMonitor: {Volume: 1},
	}
	for mix := range out {
		if raw, ok, err := s.Setting(settingMasterPrefix + string(mix) + "_volume"); err != nil {
			return nil, err
		} else if ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				st := out[mix]
				st.Volume = v
				out[mix] = st
			}
		}
		if raw, ok, err := s.Setting(settingMasterPrefix + string(mix) + "_muted"); err != nil {
			return nil, err
		} else if ok {
			st := out[mix]
			st.Muted = raw == "true"
			out[mix] = st
		}
	}
	return out, nil
}

// SaveMaster persists one mix's master state.
func (s *Store) SaveMaster(mix channel.Mix, st channel.MixState) error {
	if err := s.SetSetting(settingMasterPrefix+string(mix)+"_volume", strconv.FormatFloat(st.Volume, 'f', -1, 64)); err != nil {
		return err
	}
	return s.SetSetting(settingMasterPrefix+string(mix)+"_muted", strconv.FormatBool(st.Muted))
}

// LoadRoutes returns all routing rules, highest priority first.
func (s *Store) LoadRoutes() ([]routing.Rule, error) {
	rows, err := s.db.Query(
		"SELECT pattern, pattern_type, channel, priority, persistent FROM app_routes ORDER BY priority DESC, pattern",
	)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	defer rows.Close()

	var rules []routing.Rule
	for rows.Next() {
		var rule routing.Rule
		var patternType string
		if err := rows.Scan(&rule.Pattern, &patternType, &rule.Channel, &rule.Priority, &rule.Persistent); err != nil {
			return nil, err
		}
		rule.PatternType = routing.ParsePatternType(patternType)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveRoute inserts or updates one routing rule.
func (s *Store) SaveRoute(rule routing.Rule) error {
	_, err := s.db.Exec(
		`INSERT INTO app_routes (pattern, pattern_type, channel, priority, persistent)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(pattern) DO UPDATE SET
			pattern_type = excluded.pattern_type,
			channel = excluded.channel,
			priority = excluded.priority,
			persistent = excluded.persistent`,
		rule.Pattern, string(rule.PatternType), rule.Channel, rule.Priority, rule.Persistent,
	)
	if err != nil {
		return fmt.Errorf("save route %q: %w", rule.Pattern, err)
	}
	return nil
}

// DeleteRoute removes a rule, reporting whether it existed.
func (s *Store) DeleteRoute(pattern string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM app_routes WHERE pattern = ?", pattern)
	if err != nil {
		return false, fmt.Errorf("delete route %q: %w", pattern, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListProfiles returns profile summaries sorted by name.
func (s *Store) ListProfiles() ([]profile.Summary, error) {
	rows, err := s.db.Query(
		"SELECT name, COALESCE(description, ''), is_default FROM profiles ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []profile.Summary
	for rows.Next() {
		var sum profile.Summary
		if err := rows.Scan(&sum.Name, &sum.Description, &sum.IsDefault); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveProfile inserts or replaces a profile with its channel states and
// route overlay, atomically.
func (s *Store) SaveProfile(p profile.Profile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	streamMaster := p.Masters[channel.MixStream]
	monitorMaster := p.Masters[channel.MixMonitor]
	_, err = tx.Exec(
		`INSERT INTO profiles (name, description, is_default, stream_volume, stream_muted, monitor_volume, monitor_muted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			stream_volume = excluded.stream_volume,
			stream_muted = excluded.stream_muted,
			monitor_volume = excluded.monitor_volume,
			monitor_muted = excluded.monitor_muted,
			updated_at = datetime('now')`,
		p.Name, p.Description, p.IsDefault,
		streamMaster.Volume, streamMaster.Muted,
		monitorMaster.Volume, monitorMaster.Muted,
	)
	if err != nil {
		return fmt.Errorf("save profile %q: %w", p.Name, err)
	}

	if _, err := tx.Exec("DELETE FROM profile_channel_states WHERE profile = ?", p.Name); err != nil {
		return err
	}
	for _, ch := range p.Channels {
		for _, mix := range channel.Mixes() {
			st := ch.Stream
			if mix == channel.MixMonitor {
				st = ch.Monitor
			}
			_, err := tx.Exec(
				"INSERT INTO profile_channel_states (profile, channel, mix, volume, muted) VALUES (?, ?, ?, ?, ?)",
				p.Name, ch.Name, string(mix), st.Volume, st.Muted,
			)
			if err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec("DELETE FROM profile_routes WHERE profile = ?", p.Name); err != nil {
		return err
	}
	for binary, target := range p.Routes {
		_, err := tx.Exec(
			"INSERT INTO profile_routes (profile, binary, channel) VALUES (?, ?, ?)",
			p.Name, binary, target,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadProfile reads a profile by name; ok is false when it does not exist.
func (s *Store) LoadProfile(name string) (profile.Profile, bool, error) {
	var p profile.Profile
	var streamMaster, monitorMaster channel.MixState
	err := s.db.QueryRow(
		`SELECT name, COALESCE(description, ''), is_default, stream_volume, stream_muted, monitor_volume, monitor_muted
		 FROM profiles WHERE name = ?`, name,
	).Scan(&p.Name, &p.Description, &p.IsDefault,
		&streamMaster.Volume, &streamMaster.Muted,
		&monitorMaster.Volume, &monitorMaster.Muted)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.Profile{}, false, nil
	}
	if err != nil {
		return profile.Profile{}, false, fmt.Errorf("load profile %q: %w", name, err)
	}
	p.Masters = map[channel.Mix]channel.MixState{
		channel.MixStream:  streamMaster,
		channel.MixMonitor: monitorMaster,
	}

	rows, err := s.db.Query(
		"SELECT channel, mix, volume, muted FROM profile_channel_states WHERE profile = ? ORDER BY channel",
		name,
	)
	if err != nil {
		return profile.Profile{}, false, err
	}
	defer rows.Close()

	byName := make(map[string]*profile.Channel)
	var order []string
	for rows.Next() {
		var chName, mixName string
		var st channel.MixState
		if err := rows.Scan(&chName, &mixName, &st.Volume, &st.Muted); err != nil {
			return profile.Profile{}, false, err
		}
		entry, ok := byName[chName]
		if !ok {
			entry = &profile.Channel{Name: chName}
			byName[chName] = entry
			order = append(order, chName)
		}
		if mixName == string(channel.MixMonitor) {
			entry.Monitor = st
		} else {
			entry.Stream = st
		}
	}
	if err := rows.Err(); err != nil {
		return profile.Profile{}, false, err
	}
	for _, chName := range order {
		p.Channels = append(p.Channels, *byName[chName])
	}

	routeRows, err := s.db.Query("SELECT binary, channel FROM profile_routes WHERE profile = ?", name)
	if err != nil {
		return profile.Profile{}, false, err
	}
	defer routeRows.Close()

	p.Routes = make(map[string]string)
	for routeRows.Next() {
		var binary, target string
		if err := routeRows.Scan(&binary, &target); err != nil {
			return profile.Profile{}, false, err
		}
		p.Routes[binary] = target
	}
	return p, true, routeRows.Err()
}

// DeleteProfile removes a non-default profile, reporting whether a row was
// deleted. The default profile is protected.
func (s *Store) DeleteProfile(name string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM profiles WHERE name = ? AND is_default = 0", name)
	if err != nil {
		return false, fmt.Errorf("delete profile %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DefaultProfile returns the default profile's name if one is flagged.
func (s *Store) DefaultProfile() (string, bool, error) {
	var name string
	err := s.db.QueryRow("SELECT name FROM profiles WHERE is_default = 1 LIMIT 1").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read default profile: %w", err)
	}
	return name, true, nil
}
