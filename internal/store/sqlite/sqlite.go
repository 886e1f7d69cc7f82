// Package sqlite provides a [store.Store] backed by an embedded SQLite
// database through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/store"
)

// Schema is the SQL DDL applied by [Open].
const Schema = `
CREATE TABLE IF NOT EXISTS consent (
    user_id          TEXT PRIMARY KEY,
    audio_capture    INTEGER NOT NULL DEFAULT 0,
    cloud_processing INTEGER NOT NULL DEFAULT 0,
    analytics        INTEGER NOT NULL DEFAULT 0,
    updated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
    user_id  TEXT PRIMARY KEY,
    data     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
    user_id  TEXT NOT NULL,
    name     TEXT NOT NULL,
    data     TEXT NOT NULL,
    PRIMARY KEY (user_id, name)
);
CREATE TABLE IF NOT EXISTS trigger_history (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    effect_id  TEXT NOT NULL,
    ts         TEXT NOT NULL,
    source     TEXT NOT NULL,
    rule       TEXT NOT NULL,
    match_key  TEXT NOT NULL DEFAULT '',
    intensity  REAL NOT NULL,
    status     TEXT NOT NULL,
    audio_ref  TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trigger_history_user ON trigger_history(user_id, seq);
`

// Store is a SQLite-backed [store.Store].
type Store struct {
	db           *sql.DB
	historyLimit int
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies [Schema].
// historyLimit bounds the trigger records kept per user; zero keeps all.
func Open(ctx context.Context, path string, historyLimit int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, historyLimit: historyLimit}, nil
}

// GetConsent implements [store.Store].
func (s *Store) GetConsent(ctx context.Context, userID string) (store.Consent, error) {
	var c store.Consent
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT audio_capture, cloud_processing, analytics, updated_at FROM consent WHERE user_id = ?`,
		userID,
	).Scan(&c.AudioCapture, &c.CloudProcessing, &c.Analytics, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Consent{}, fmt.Errorf("sqlite: consent for %q: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return store.Consent{}, fmt.Errorf("sqlite: get consent: %w", err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return c, nil
}

// SetConsent implements [store.Store].
func (s *Store) SetConsent(ctx context.Context, userID string, c store.Consent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consent (user_id, audio_capture, cloud_processing, analytics, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   audio_capture = excluded.audio_capture,
		   cloud_processing = excluded.cloud_processing,
		   analytics = excluded.analytics,
		   updated_at = excluded.updated_at`,
		userID, c.AudioCapture, c.CloudProcessing, c.Analytics, c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set consent: %w", err)
	}
	return nil
}

// GetSettings implements [store.Store].
func (s *Store) GetSettings(ctx context.Context, userID string) (store.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Settings{}, fmt.Errorf("sqlite: settings for %q: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return store.Settings{}, fmt.Errorf("sqlite: get settings: %w", err)
	}
	return decodeSettings(data)
}

// SaveSettings implements [store.Store].
func (s *Store) SaveSettings(ctx context.Context, userID string, set store.Settings) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("sqlite: marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (user_id, data) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET data = excluded.data`,
		userID, string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save settings: %w", err)
	}
	return nil
}

// SaveProfile implements [store.Store].
func (s *Store) SaveProfile(ctx context.Context, userID, name string, set store.Settings) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("sqlite: marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, name, data) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, name) DO UPDATE SET data = excluded.data`,
		userID, name, string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save profile: %w", err)
	}
	return nil
}

// LoadProfile implements [store.Store].
func (s *Store) LoadProfile(ctx context.Context, userID, name string) (store.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM profiles WHERE user_id = ? AND name = ?`, userID, name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Settings{}, fmt.Errorf("sqlite: profile %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return store.Settings{}, fmt.Errorf("sqlite: load profile: %w", err)
	}
	return decodeSettings(data)
}

// ListProfiles implements [store.Store].
func (s *Store) ListProfiles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM profiles WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list profiles: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlite: scan profile: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AppendTrigger implements [store.Store]. When a history limit is set, the
// oldest records beyond it are pruned in the same transaction.
func (s *Store) AppendTrigger(ctx context.Context, userID string, rec dispatch.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trigger_history
		   (id, user_id, effect_id, ts, source, rule, match_key, intensity, status, audio_ref, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, userID, rec.EffectID, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		string(rec.Source), string(rec.Rule), rec.Key, rec.Intensity,
		string(rec.Status), rec.AudioRef, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append trigger: %w", err)
	}
	if s.historyLimit > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM trigger_history WHERE user_id = ? AND seq NOT IN (
			   SELECT seq FROM trigger_history WHERE user_id = ? ORDER BY seq DESC LIMIT ?)`,
			userID, userID, s.historyLimit,
		)
		if err != nil {
			return fmt.Errorf("sqlite: prune history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// TriggerHistory implements [store.Store].
func (s *Store) TriggerHistory(ctx context.Context, userID string, limit int) ([]dispatch.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, effect_id, ts, source, rule, match_key, intensity, status, audio_ref, error
		 FROM trigger_history WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: trigger history: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Record
	for rows.Next() {
		var r dispatch.Record
		var ts, source, rule, status string
		if err := rows.Scan(&r.ID, &r.EffectID, &ts, &source, &rule, &r.Key,
			&r.Intensity, &status, &r.AudioRef, &r.Error); err != nil {
			return nil, fmt.Errorf("sqlite: scan trigger: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.Source = dispatch.Source(source)
		r.Rule = decision.Rule(rule)
		r.Status = dispatch.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeSettings(data string) (store.Settings, error) {
	var set store.Settings
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		return store.Settings{}, fmt.Errorf("sqlite: decode settings: %w", err)
	}
	return set, nil
}
