package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB is the SQLite-backed RecordStore.
//
// The database runs in embedded mode with WAL so that the CLI can read while
// the daemon writes.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

var _ RecordStore = (*DB)(nil)

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(store.AccountPath(dataDir, "mozilla", "me@example.com"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, unavailable("failed to create database directory", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, unavailable("failed to open database", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, unavailable("failed to ping database", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, unavailable(fmt.Sprintf("failed to apply %q", p), err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// InitSchemaContext creates the records table if it doesn't exist. It is
// idempotent.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		partition TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (partition, key)
	);
	`
	conn, err := db.handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return unavailable("failed to initialize schema", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Partition implements RecordStore.
func (db *DB) Partition(name string) Partition {
	return &sqlPartition{db: db, name: name}
}

// Reset implements RecordStore.
func (db *DB) Reset(ctx context.Context) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return unavailable("failed to reset records", err)
	}
	return nil
}

// Count returns the number of records in a partition.
func (db *DB) Count(ctx context.Context, partition string) (int, error) {
	conn, err := db.handle()
	if err != nil {
		return 0, err
	}
	var n int
	err = conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE partition = ?`, partition).Scan(&n)
	if err != nil {
		return 0, unavailable("failed to count records", err)
	}
	return n, nil
}

func (db *DB) handle() (*sql.DB, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return nil, fmt.Errorf("%w: database is closed", ErrStorageUnavailable)
	}
	return db.conn, nil
}

type sqlPartition struct {
	db   *DB
	name string
}

func (p *sqlPartition) Name() string { return p.name }

func (p *sqlPartition) Get(ctx context.Context, key string) (json.RawMessage, error) {
	conn, err := p.db.handle()
	if err != nil {
		return nil, err
	}

	var value string
	err = conn.QueryRowContext(ctx,
		`SELECT value FROM records WHERE partition = ? AND key = ?`, p.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", p.name, key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("failed to get %s/%s", p.name, key), err)
	}
	return json.RawMessage(value), nil
}

func (p *sqlPartition) Put(ctx context.Context, key string, value json.RawMessage) error {
	conn, err := p.db.handle()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO records (partition, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(partition, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	_, err = conn.ExecContext(ctx, query, p.name, key, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return unavailable(fmt.Sprintf("failed to put %s/%s", p.name, key), err)
	}
	return nil
}

func (p *sqlPartition) Delete(ctx context.Context, key string) error {
	conn, err := p.db.handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx,
		`DELETE FROM records WHERE partition = ? AND key = ?`, p.name, key); err != nil {
		return unavailable(fmt.Sprintf("failed to delete %s/%s", p.name, key), err)
	}
	return nil
}

func (p *sqlPartition) GetAll(ctx context.Context) ([]Record, error) {
	conn, err := p.db.handle()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT key, value, updated_at FROM records WHERE partition = ? ORDER BY key ASC`, p.name)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("failed to list %s", p.name), err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var value, updatedAt string
		if err := rows.Scan(&rec.Key, &value, &updatedAt); err != nil {
			return nil, unavailable("failed to scan record", err)
		}
		rec.Value = json.RawMessage(value)
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			rec.UpdatedAt = t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("error iterating records", err)
	}
	return records, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._@-]+`)

// AccountPath returns the database path for one account of one remote
// instance: <dataDir>/<instance>/<email>.db, with unsafe characters replaced.
func AccountPath(dataDir, instance, email string) string {
	clean := func(s string) string {
		s = unsafePathChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
		s = strings.Trim(s, ".")
		if s == "" {
			return "default"
		}
		return s
	}
	return filepath.Join(dataDir, clean(instance), clean(email)+".db")
}
