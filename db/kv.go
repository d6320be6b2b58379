package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/onnwee/streamsync/stream"
)

// Cache keys.
const (
	keyRawStatus = "cache.rawStatus"
	keyGame      = "cache.gameCache"
	keyOnline    = "cache.isOnline"
	keyWhen      = "cache.when"
)

// SetValue upserts one kv entry.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Value returns a kv entry and whether it exists.
func (s *Store) Value(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM kv WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) RawStatus(ctx context.Context) (string, error) {
	v, _, err := s.Value(ctx, keyRawStatus)
	return v, err
}

func (s *Store) SetRawStatus(ctx context.Context, raw string) error {
	return s.SetValue(ctx, keyRawStatus, raw)
}

func (s *Store) Game(ctx context.Context) (string, error) {
	v, _, err := s.Value(ctx, keyGame)
	return v, err
}

func (s *Store) SetGame(ctx context.Context, game string) error {
	return s.SetValue(ctx, keyGame, game)
}

func (s *Store) IsOnline(ctx context.Context) (bool, error) {
	v, ok, err := s.Value(ctx, keyOnline)
	if err != nil || !ok {
		return false, err
	}
	online, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", keyOnline, err)
	}
	return online, nil
}

func (s *Store) SetOnline(ctx context.Context, online bool) error {
	return s.SetValue(ctx, keyOnline, strconv.FormatBool(online))
}

// When returns the persisted stream times; missing entries are zero.
func (s *Store) When(ctx context.Context) (stream.Times, error) {
	var t stream.Times
	v, ok, err := s.Value(ctx, keyWhen)
	if err != nil || !ok {
		return t, err
	}
	if err := json.Unmarshal([]byte(v), &t); err != nil {
		return stream.Times{}, fmt.Errorf("decode %s: %w", keyWhen, err)
	}
	return t, nil
}

func (s *Store) SetWhen(ctx context.Context, t stream.Times) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.SetValue(ctx, keyWhen, string(b))
}

// Variable returns a custom title variable.
func (s *Store) Variable(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM custom_variables WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get variable %s: %w", name, err)
	}
	return v, true, nil
}

// SetVariable upserts a custom title variable.
func (s *Store) SetVariable(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO custom_variables (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, name, value)
	return err
}

func (s *Store) GameName(ctx context.Context, id string) (string, bool, error) {
	var name string
	err := s.db.GetContext(ctx, &name, `SELECT name FROM game_names WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get game %s: %w", id, err)
	}
	return name, true, nil
}

func (s *Store) SaveGameName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO game_names (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, id, name)
	return err
}

// SaveHosts adds logins to the host cache.
func (s *Store) SaveHosts(ctx context.Context, logins []string) error {
	if len(logins) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	for _, l := range logins {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cache_hosts (username, seen_at) VALUES ($1, NOW())
			ON CONFLICT (username) DO UPDATE SET seen_at = NOW()`, l); err != nil {
			return fmt.Errorf("save host %s: %w", l, err)
		}
	}
	return tx.Commit()
}

// ClearHosts empties the host cache.
func (s *Store) ClearHosts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_hosts`)
	return err
}

// CachedHosts lists the cached host logins.
func (s *Store) CachedHosts(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT username FROM cache_hosts ORDER BY username`)
	return out, err
}
