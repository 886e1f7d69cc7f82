// Package postgres provides a [store.Store] backed by PostgreSQL through
// pgx. It serves deployments that share one database across instances.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/dispatch"
	"github.com/MrWong99/soundstage/internal/store"
)

// Schema is the SQL DDL applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS soundstage_consent (
    user_id          TEXT PRIMARY KEY,
    audio_capture    BOOLEAN NOT NULL DEFAULT false,
    cloud_processing BOOLEAN NOT NULL DEFAULT false,
    analytics        BOOLEAN NOT NULL DEFAULT false,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS soundstage_settings (
    user_id  TEXT PRIMARY KEY,
    data     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS soundstage_profiles (
    user_id  TEXT NOT NULL,
    name     TEXT NOT NULL,
    data     JSONB NOT NULL,
    PRIMARY KEY (user_id, name)
);
CREATE TABLE IF NOT EXISTS soundstage_trigger_history (
    seq        BIGSERIAL PRIMARY KEY,
    id         UUID NOT NULL,
    user_id    TEXT NOT NULL,
    effect_id  TEXT NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    source     TEXT NOT NULL,
    rule       TEXT NOT NULL,
    match_key  TEXT NOT NULL DEFAULT '',
    intensity  DOUBLE PRECISION NOT NULL,
    status     TEXT NOT NULL,
    audio_ref  TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_soundstage_trigger_history_user
    ON soundstage_trigger_history(user_id, seq DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a PostgreSQL-backed [store.Store].
type Store struct {
	db           DB
	historyLimit int
	ping         func(context.Context) error
	close        func()
}

var _ store.Store = (*Store)(nil)

// New wraps an existing connection or pool. The caller is responsible for
// calling [Store.Migrate] and for closing db.
func New(db DB, historyLimit int) *Store {
	return &Store{
		db:           db,
		historyLimit: historyLimit,
		ping: func(ctx context.Context) error {
			_, err := db.Exec(ctx, "SELECT 1")
			return err
		},
		close: func() {},
	}
}

// Open connects a pool to dsn, applies [Schema], and returns a store that
// owns the pool.
func Open(ctx context.Context, dsn string, historyLimit int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := New(pool, historyLimit)
	s.ping = pool.Ping
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// GetConsent implements [store.Store].
func (s *Store) GetConsent(ctx context.Context, userID string) (store.Consent, error) {
	var c store.Consent
	err := s.db.QueryRow(ctx,
		`SELECT audio_capture, cloud_processing, analytics, updated_at
		 FROM soundstage_consent WHERE user_id = $1`, userID,
	).Scan(&c.AudioCapture, &c.CloudProcessing, &c.Analytics, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Consent{}, fmt.Errorf("postgres: consent for %q: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return store.Consent{}, fmt.Errorf("postgres: get consent: %w", err)
	}
	return c, nil
}

// SetConsent implements [store.Store].
func (s *Store) SetConsent(ctx context.Context, userID string, c store.Consent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO soundstage_consent (user_id, audio_capture, cloud_processing, analytics, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		   audio_capture = EXCLUDED.audio_capture,
		   cloud_processing = EXCLUDED.cloud_processing,
		   analytics = EXCLUDED.analytics,
		   updated_at = EXCLUDED.updated_at`,
		userID, c.AudioCapture, c.CloudProcessing, c.Analytics, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: set consent: %w", err)
	}
	return nil
}

// GetSettings implements [store.Store].
func (s *Store) GetSettings(ctx context.Context, userID string) (store.Settings, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM soundstage_settings WHERE user_id = $1`, userID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Settings{}, fmt.Errorf("postgres: settings for %q: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return store.Settings{}, fmt.Errorf("postgres: get settings: %w", err)
	}
	return decodeSettings(data)
}

// SaveSettings implements [store.Store].
func (s *Store) SaveSettings(ctx context.Context, userID string, set store.Settings) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("postgres: marshal settings: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO soundstage_settings (user_id, data) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data`,
		userID, data,
	)
	if err != nil {
		return fmt.Errorf("postgres: save settings: %w", err)
	}
	return nil
}

// SaveProfile implements [store.Store].
func (s *Store) SaveProfile(ctx context.Context, userID, name string, set store.Settings) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("postgres: marshal profile: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO soundstage_profiles (user_id, name, data) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, name) DO UPDATE SET data = EXCLUDED.data`,
		userID, name, data,
	)
	if err != nil {
		return fmt.Errorf("postgres: save profile: %w", err)
	}
	return nil
}

// LoadProfile implements [store.Store].
func (s *Store) LoadProfile(ctx context.Context, userID, name string) (store.Settings, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM soundstage_profiles WHERE user_id = $1 AND name = $2`, userID, name,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Settings{}, fmt.Errorf("postgres: profile %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return store.Settings{}, fmt.Errorf("postgres: load profile: %w", err)
	}
	return decodeSettings(data)
}

// ListProfiles implements [store.Store].
func (s *Store) ListProfiles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name FROM soundstage_profiles WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list profiles: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("postgres: scan profile: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AppendTrigger implements [store.Store].
func (s *Store) AppendTrigger(ctx context.Context, userID string, rec dispatch.Record) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO soundstage_trigger_history
		   (id, user_id, effect_id, ts, source, rule, match_key, intensity, status, audio_ref, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, userID, rec.EffectID, rec.Timestamp,
		string(rec.Source), string(rec.Rule), rec.Key, rec.Intensity,
		string(rec.Status), rec.AudioRef, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trigger: %w", err)
	}
	if s.historyLimit > 0 {
		_, err = s.db.Exec(ctx,
			`DELETE FROM soundstage_trigger_history WHERE user_id = $1 AND seq NOT IN (
			   SELECT seq FROM soundstage_trigger_history WHERE user_id = $1 ORDER BY seq DESC LIMIT $2)`,
			userID, s.historyLimit,
		)
		if err != nil {
			return fmt.Errorf("postgres: prune history: %w", err)
		}
	}
	return nil
}

// TriggerHistory implements [store.Store].
func (s *Store) TriggerHistory(ctx context.Context, userID string, limit int) ([]dispatch.Record, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx,
		`SELECT id::text, effect_id, ts, source, rule, match_key, intensity, status, audio_ref, error
		 FROM soundstage_trigger_history WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`,
		userID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: trigger history: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Record
	for rows.Next() {
		var r dispatch.Record
		var source, rule, status string
		if err := rows.Scan(&r.ID, &r.EffectID, &r.Timestamp, &source, &rule, &r.Key,
			&r.Intensity, &status, &r.AudioRef, &r.Error); err != nil {
			return nil, fmt.Errorf("postgres: scan trigger: %w", err)
		}
		r.Source = dispatch.Source(source)
		r.Rule = decision.Rule(rule)
		r.Status = dispatch.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close implements [store.Store]. It closes the pool only when the store was
// created by [Open].
func (s *Store) Close() error {
	s.close()
	return nil
}

func decodeSettings(data []byte) (store.Settings, error) {
	var set store.Settings
	if err := json.Unmarshal(data, &set); err != nil {
		return store.Settings{}, fmt.Errorf("postgres: decode settings: %w", err)
	}
	return set, nil
}
