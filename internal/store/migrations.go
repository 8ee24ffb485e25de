package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/undertone-audio/undertone/internal/channel"
	"github.com/undertone-audio/undertone/internal/routing"
)

// currentVersion is the newest schema version. Migrations are idempotent
// and applied in order inside one transaction.
const currentVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS channels (
	name TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	icon TEXT,
	color TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0,
	is_system INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS channel_states (
	channel TEXT NOT NULL REFERENCES channels(name) ON DELETE CASCADE,
	mix TEXT NOT NULL,
	volume REAL NOT NULL,
	muted INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (channel, mix)
);

CREATE TABLE IF NOT EXISTS app_routes (
	pattern TEXT PRIMARY KEY,
	pattern_type TEXT NOT NULL DEFAULT 'substring',
	channel TEXT NOT NULL REFERENCES channels(name),
	priority INTEGER NOT NULL DEFAULT 0,
	persistent INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS profiles (
	name TEXT PRIMARY KEY,
	description TEXT,
	is_default INTEGER NOT NULL DEFAULT 0,
	stream_volume REAL NOT NULL DEFAULT 1.0,
	stream_muted INTEGER NOT NULL DEFAULT 0,
	monitor_volume REAL NOT NULL DEFAULT 1.0,
	monitor_muted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS profile_channel_states (
	profile TEXT NOT NULL REFERENCES profiles(name) ON DELETE CASCADE,
	channel TEXT NOT NULL,
	mix TEXT NOT NULL,
	volume REAL NOT NULL,
	muted INTEGER NOT NULL,
	PRIMARY KEY (profile, channel, mix)
);

CREATE TABLE IF NOT EXISTS profile_routes (
	profile TEXT NOT NULL REFERENCES profiles(name) ON DELETE CASCADE,
	binary TEXT NOT NULL,
	channel TEXT NOT NULL,
	PRIMARY KEY (profile, binary)
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_settings (
	device_serial TEXT PRIMARY KEY,
	mic_gain REAL NOT NULL DEFAULT 0.5,
	last_seen_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL DEFAULT (datetime('now')),
	level TEXT NOT NULL,
	source TEXT NOT NULL,
	message TEXT NOT NULL,
	data TEXT
);

CREATE INDEX IF NOT EXISTS idx_app_routes_priority ON app_routes(priority);
CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_profiles_default ON profiles(is_default);
`

func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= currentVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for next := version + 1; next <= currentVersion; next++ {
		if err := applyMigration(ctx, tx, next); err != nil {
			return fmt.Errorf("migration %d: %w", next, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", next); err != nil {
			return fmt.Errorf("record migration %d: %w", next, err)
		}
	}
	return tx.Commit()
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='schema_version')",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("probe schema: %w", err)
	}
	if !exists {
		return 0, nil
	}
	var version int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func applyMigration(ctx context.Context, tx *sql.Tx, version int) error {
	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return err
		}
		return seedDefaults(ctx, tx)
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}
}

// seedDefaults inserts the canonical channels, their initial per-mix
// states, the stock routing rules, and the Default profile. Everything is
// INSERT OR IGNORE so re-running is harmless.
func seedDefaults(ctx context.Context, tx *sql.Tx) error {
	for _, cfg := range channel.Defaults() {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO channels (name, display_name, icon, sort_order, is_system)
			 VALUES (?, ?, ?, ?, 1)`,
			cfg.Name, cfg.DisplayName, cfg.Icon, cfg.SortOrder,
		)
		if err != nil {
			return err
		}
		for _, mix := range channel.Mixes() {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO channel_states (channel, mix, volume, muted) VALUES (?, ?, ?, 0)",
				cfg.Name, string(mix), channel.DefaultVolume,
			)
			if err != nil {
				return err
			}
		}
	}

	for _, rule := range routing.Defaults() {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO app_routes (pattern, pattern_type, channel, priority, persistent)
			 VALUES (?, ?, ?, ?, 1)`,
			rule.Pattern, string(rule.PatternType), rule.Channel, rule.Priority,
		)
		if err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO profiles (name, description, is_default)
		 VALUES ('Default', 'Default mixer configuration', 1)`,
	)
	return err
}
