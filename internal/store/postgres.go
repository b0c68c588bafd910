package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	// NotifyChannel is the LISTEN/NOTIFY channel carrying changes.
	NotifyChannel = "livepoll_changes"
	// NOTIFY payloads are capped at 8000 bytes; larger values are re-read by the watcher.
	maxInlineValue = 7000
)

type pgChange struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Inline  bool   `json:"inline,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Postgres is a Backend on a kv_store table; changes go out with pg_notify inside the write
// transaction, so listeners see them in commit order.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres backend. The kv_store table comes from the embedded migrations.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

// Get returns the value under key.
func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts key and notifies listeners on commit.
func (p *Postgres) Set(ctx context.Context, origin, key, value string) error {
	c := pgChange{Origin: origin, Key: key}
	if len(value) <= maxInlineValue {
		c.Value = value
		c.Inline = true
	}
	const q = `INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	return p.write(ctx, c, q, key, value)
}

// Delete removes key and notifies listeners on commit.
func (p *Postgres) Delete(ctx context.Context, origin, key string) error {
	return p.write(ctx, pgChange{Origin: origin, Key: key, Deleted: true}, `DELETE FROM kv_store WHERE key = $1`, key)
}

func (p *Postgres) write(ctx context.Context, c pgChange, query string, args ...any) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("write %s: %w", c.Key, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(body)); err != nil {
		return fmt.Errorf("notify %s: %w", c.Key, err)
	}
	return tx.Commit(ctx)
}

// Watch holds a dedicated connection in LISTEN and forwards changes not written by origin.
func (p *Postgres) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	out := make(chan Change)
	go func() {
		defer close(out)
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("wait for notification", zap.Error(err))
				}
				return
			}
			var c pgChange
			if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
				p.logger.Warn("invalid change payload", zap.Error(err))
				continue
			}
			if c.Origin == origin {
				continue
			}
			change := Change{Key: c.Key, Value: c.Value, Deleted: c.Deleted}
			if !c.Deleted && !c.Inline {
				v, ok, err := p.Get(ctx, c.Key)
				if err != nil {
					p.logger.Warn("re-read oversized change", zap.String("key", c.Key), zap.Error(err))
					continue
				}
				change.Value, change.Deleted = v, !ok
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the caller owns the pool.
func (p *Postgres) Close() error { return nil }
