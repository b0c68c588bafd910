package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go driver, registers "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);`

// SQLite is a file-backed Backend. Values survive restarts; notifications reach contexts in the
// same process only.
type SQLite struct {
	db     *sql.DB
	mu     sync.Mutex
	fanout *fanout
	logger *zap.Logger
}

// NewSQLite opens (or creates) the database file at path and ensures the schema.
func NewSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the mutex below already orders writes with notifications.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	logger.Info("SQLite store opened", zap.String("path", path))
	return &SQLite{db: db, fanout: newFanout(), logger: logger}, nil
}

// Get returns the value under key.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts key and notifies every other origin in this process.
func (s *SQLite) Set(ctx context.Context, origin, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	const q = `INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.fanout.publish(origin, Change{Key: key, Value: value})
	return nil
}

// Delete removes key and notifies every other origin in this process.
func (s *SQLite) Delete(ctx context.Context, origin, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.fanout.publish(origin, Change{Key: key, Deleted: true})
	}
	return nil
}

// Watch streams changes from other origins in this process.
func (s *SQLite) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	return s.fanout.watch(ctx, origin)
}

// Close stops watchers and closes the database.
func (s *SQLite) Close() error {
	s.fanout.close()
	return s.db.Close()
}
