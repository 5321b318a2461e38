package settings

import (
	"context"
	"database/sql"
	"time"
)

// Store provides access to operator-tunable settings persisted alongside the
// cache. Known keys: sync.interval, sync.full_interval (duration strings).
type Store struct {
	db *sql.DB
}

// New returns a Store using the provided database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the value for key, or "" when the key is unset.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key=?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

// GetDuration parses the value for key as a duration, falling back to def
// when the key is unset or unparseable.
func (s *Store) GetDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	val, err := s.Get(ctx, key)
	if err != nil || val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Set stores or updates the setting for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return sql.ErrNoRows
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_settings(key, value) VALUES(?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, key, value)
	return err
}

// Delete removes the setting for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_settings WHERE key=?`, key)
	return err
}
