// Package store is the embedded SQLite persistence layer. Mutations that
// change persisted state are committed before the corresponding graph or
// IPC side effects happen, so an acknowledged change survives restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs pending
// migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	// WAL keeps the daemon's synchronous commits cheap.
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// DefaultPath resolves the platform database location,
// $XDG_DATA_HOME/undertone/undertone.db.
func DefaultPath() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "undertone", "undertone.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "undertone", "undertone.db"), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Settings keys.
const (
	SettingActiveProfile  = "active_profile"
	SettingMonitorOutput  = "monitor_output"
	SettingDefaultProfile = "default_profile"

	settingMasterPrefix = "master_"
)

// Setting reads one settings value.
func (s *Store) Setting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting writes one settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	return nil
}

// DeleteSetting removes one settings value.
func (s *Store) DeleteSetting(key string) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	return nil
}

// EventRecord is one diagnostics log row.
type EventRecord struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// LogEvent appends a diagnostics row.
func (s *Store) LogEvent(level, source, message, data string) error {
	_, err := s.db.Exec(
		"INSERT INTO event_log (level, source, message, data) VALUES (?, ?, ?, ?)",
		level, source, message, data,
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest diagnostics rows, newest first.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	rows, err := s.db.Query(
		"SELECT timestamp, level, source, message, COALESCE(data, '') FROM event_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.Timestamp, &rec.Level, &rec.Source, &rec.Message, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TouchDevice records a device sighting and returns its stored mic gain.
func (s *Store) TouchDevice(serial string) (float64, error) {
	_, err := s.db.Exec(
		`INSERT INTO device_settings (device_serial, last_seen_at) VALUES (?, datetime('now'))
		 ON CONFLICT(device_serial) DO UPDATE SET last_seen_at = datetime('now')`,
		serial,
	)
	if err != nil {
		return 0, fmt.Errorf("touch device %q: %w", serial, err)
	}
	var gain float64
	if err := s.db.QueryRow("SELECT mic_gain FROM device_settings WHERE device_serial = ?", serial).Scan(&gain); err != nil {
		return 0, fmt.Errorf("read device %q: %w", serial, err)
	}
	return gain, nil
}

// SaveMicGain stores the mic gain for a device.
func (s *Store) SaveMicGain(serial string, gain float64) error {
	_, err := s.db.Exec(
		`INSERT INTO device_settings (device_serial, mic_gain) VALUES (?, ?)
		 ON CONFLICT(device_serial) DO UPDATE SET mic_gain = excluded.mic_gain, last_seen_at = datetime('now')`,
		serial, gain,
	)
	if err != nil {
		return fmt.Errorf("save mic gain: %w", err)
	}
	return nil
}
