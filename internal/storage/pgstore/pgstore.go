// Package pgstore implements internal/storage.RecordStore on top of
// github.com/jackc/pgx/v5/pgxpool, grounded on the reference stack's
// internal/database pool wrapper. It owns UserState, OpenPosition and
// RiskSentinelDay — structural records serialized to a JSONB column —
// while redisstore owns the hot-path DAY/TW counters.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config mirrors the reference stack's database.Config shape.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Store wraps a pgxpool.Pool and satisfies the JSON half of
// storage.RecordStore against a single `records(key text primary key,
// value jsonb, updated_at timestamptz)` table.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool for cfg. The schema (records table) is
// expected to already exist; this package never runs DDL.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) PutJSON(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()
	`, key, b)
	return err
}

func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM records WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(raw, dest)
}

func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.PutJSON(ctx, key, value)
}

func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	var v string
	ok, err := s.GetJSON(ctx, key, &v)
	return v, ok, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM records WHERE key = $1`, key)
	return err
}

// Incr is implemented for interface completeness (the CounterStore half
// of storage.Store) by delegating to a transactional read-modify-write;
// the engine always routes counters through redisstore in practice.
func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var cur int64
	err = tx.QueryRow(ctx, `SELECT value::text::bigint FROM records WHERE key = $1 FOR UPDATE`, key).Scan(&cur)
	if err != nil && err.Error() != "no rows in result set" {
		return 0, err
	}
	next := cur + delta
	b, _ := json.Marshal(next)
	if _, err := tx.Exec(ctx, `
		INSERT INTO records (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()
	`, key, b); err != nil {
		return 0, err
	}
	return next, tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var v int64
	ok, err := s.GetJSON(ctx, key, &v)
	if !ok || err != nil {
		return 0, err
	}
	return v, nil
}
