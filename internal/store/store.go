// Package store provides the account-scoped record store that backs the bug
// cache.
//
// Records are opaque JSON documents addressed by (partition, key). A store is
// opened per account, so every partition is already namespaced to that
// account. Only single-record atomicity is guaranteed; there are no
// cross-partition transactions.
//
// Two backends are provided:
//   - DB: embedded SQLite (ncruces/go-sqlite3) with WAL, one file per account
//   - Memory: process-local maps, for tests and ephemeral sessions
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Well-known partition names.
const (
	PartitionBugs  = "bugs"
	PartitionUsers = "users"
	PartitionPrefs = "prefs"
)

var (
	// ErrStorageUnavailable is returned when the store cannot be opened, read
	// or written (quota exceeded, read-only filesystem, closed handle).
	// Callers treat it as fatal to the current operation only.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned by Get when no record exists for the key.
	ErrNotFound = errors.New("record not found")
)

// Record is a stored document.
type Record struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// RecordStore is an account-scoped collection of named partitions.
type RecordStore interface {
	// Partition returns a handle for the named partition. Partitions are
	// created lazily on first write.
	Partition(name string) Partition

	// Reset deletes every record in every partition. It is used on logout.
	Reset(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// Partition is a key/value view over one named partition.
type Partition interface {
	// Name returns the partition name.
	Name() string

	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Put inserts or replaces the value for key.
	Put(ctx context.Context, key string, value json.RawMessage) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GetAll returns every record in the partition ordered by key.
	GetAll(ctx context.Context) ([]Record, error)
}

// GetJSON reads key from p and decodes it into a T.
func GetJSON[T any](ctx context.Context, p Partition, key string) (T, error) {
	var v T
	raw, err := p.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s/%s: %w", p.Name(), key, err)
	}
	return v, nil
}

// PutJSON encodes v and stores it under key in p.
func PutJSON(ctx context.Context, p Partition, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", p.Name(), key, err)
	}
	return p.Put(ctx, key, raw)
}

// unavailable wraps err so that errors.Is(err, ErrStorageUnavailable) holds.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
