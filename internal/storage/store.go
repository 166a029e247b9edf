// Package storage defines the persisted-state contract the engine
// consumes: keyed get/put for structured records, atomic
// increment-and-read for integer counters, and scalar get/set for
// sentinel/auxiliary flags. Two concrete backends live in the
// redisstore and pgstore subpackages; tests use an in-memory fake.
package storage

import "context"

// CounterStore provides atomic increment-and-read for the Tide Gate's
// DAY/TW quota counters. Scope is either a user id or "GLOBAL".
type CounterStore interface {
	// Incr atomically increments key by delta and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	// Get reads the current value of key without mutating it.
	Get(ctx context.Context, key string) (int64, error)
}

// RecordStore provides structural get/put for user records and
// scalar get/set for auxiliary flags (sentinel day records, chat ids).
type RecordStore interface {
	PutJSON(ctx context.Context, key string, value any) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetString(ctx context.Context, key, value string) error
	GetString(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// Store is the full persisted-state surface the engine depends on.
type Store interface {
	CounterStore
	RecordStore
}
