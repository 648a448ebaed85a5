// Package pgcache is a content cache stored in a Postgres table, shared by
// every server pointed at the same database.
package pgcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TomasBorquez/mate/internal/contentcache"
	mate "github.com/TomasBorquez/mate/pkg"
)

const schema = `
	CREATE TABLE IF NOT EXISTS content_cache (
		key        text PRIMARY KEY,
		value      bytea NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)
`

const defaultTimeout = 5 * time.Second

type Cache struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  mate.ErrorLogger
}

func New(pool *pgxpool.Pool, logger mate.ErrorLogger) *Cache {
	return &Cache{pool: pool, timeout: defaultTimeout, logger: logger}
}

// Open connects to dsn and makes sure the cache table exists. The caller
// closes the returned pool.
func Open(ctx context.Context, dsn string, logger mate.ErrorLogger) (*Cache, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgcache: connect: %w", err)
	}

	c := New(pool, logger)
	if err := c.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return c, pool, nil
}

func (c *Cache) EnsureSchema(ctx context.Context) error {
	if c.pool == nil {
		return errors.New("nil postgres pool")
	}
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgcache: create table: %w", err)
	}
	return nil
}

// Get returns contentcache.ErrCacheMiss for unknown keys.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.pool == nil {
		return nil, errors.New("nil postgres pool")
	}

	var value []byte
	row := c.pool.QueryRow(ctx, `SELECT value FROM content_cache WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, contentcache.ErrCacheMiss
		}
		return nil, err
	}
	return value, nil
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if c.pool == nil {
		return errors.New("nil postgres pool")
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO content_cache (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	return err
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := c.pool.Exec(ctx, `DELETE FROM content_cache WHERE key = $1`, key)
	return err
}

// Read has the shape of mate.CacheRead.
func (c *Cache) Read(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	value, err := c.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, contentcache.ErrCacheMiss) {
			c.log(mate.LogWarning, fmt.Sprintf("postgres cache read %s: %v", key, err))
		}
		return nil, false
	}
	return value, true
}

// Write has the shape of mate.CacheWrite.
func (c *Cache) Write(key string, value []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.Put(ctx, key, value); err != nil {
		c.log(mate.LogWarning, fmt.Sprintf("postgres cache write %s: %v", key, err))
		return false
	}
	return true
}

func (c *Cache) log(level mate.LogLevel, message string) {
	if c.logger != nil {
		c.logger(level, message)
	}
}
