// Package store implements the client's persistent key-value store of
// §6: a SQLite-backed (key text primary key, value blob) table plus a
// separate bandwidth-token table consumed in arbitrary order.
//
// No pack file implements client-side KV persistence, so this is a
// named ecosystem pick: database/sql with modernc.org/sqlite, a
// pure-Go SQLite driver and the natural fit for a single-file
// client-local database with no cgo toolchain requirement.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding the client's persistent
// key-value state and bandwidth token pool.
type Store struct {
	db *sql.DB
}

// Open creates or reuses a SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS bw_tokens (rand_id TEXT PRIMARY KEY, token_blob BLOB NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the raw value stored under key, and false if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set upserts key to value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// AuthTokenKey and ConnTokenKey are the well-known kv keys of §6.
const AuthTokenKey = "auth_token"

// ConnTokenKey formats the epoch-scoped connect-token key.
func ConnTokenKey(epoch uint16) string {
	return fmt.Sprintf("conn_token_%d", epoch)
}

// DeviceIPRedactedKey formats the per-day redacted device IP key.
func DeviceIPRedactedKey(date string) string {
	return "device_ip_address_redacted_" + date
}

// AddBandwidthToken stores one bandwidth token under a fresh random
// id, so tokens can be popped in arbitrary order.
func (s *Store) AddBandwidthToken(ctx context.Context, blob []byte) error {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return err
	}
	id := hex.EncodeToString(idBytes[:])
	_, err := s.db.ExecContext(ctx, `INSERT INTO bw_tokens (rand_id, token_blob) VALUES (?, ?)`, id, blob)
	return err
}

// PopBandwidthToken removes and returns an arbitrary stored token, and
// false if the pool is empty.
func (s *Store) PopBandwidthToken(ctx context.Context) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var id string
	var blob []byte
	err = tx.QueryRowContext(ctx, `SELECT rand_id, token_blob FROM bw_tokens LIMIT 1`).Scan(&id, &blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bw_tokens WHERE rand_id = ?`, id); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// BandwidthTokenCount reports how many tokens remain in the pool.
func (s *Store) BandwidthTokenCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bw_tokens`).Scan(&n)
	return n, err
}
