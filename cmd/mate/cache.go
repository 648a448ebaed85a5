package main

import (
	"context"
	"fmt"
	"time"

	"github.com/TomasBorquez/mate/internal/config"
	"github.com/TomasBorquez/mate/internal/contentcache/badgercache"
	"github.com/TomasBorquez/mate/internal/contentcache/memcache"
	"github.com/TomasBorquez/mate/internal/contentcache/pgcache"
	mate "github.com/TomasBorquez/mate/pkg"
)

// contentCache is the backend picked by configuration. All fields are nil
// when no backend is configured.
type contentCache struct {
	read  mate.CacheRead
	write mate.CacheWrite
	close func()
}

func openContentCache(ctx context.Context, cfg config.ContentCache, log mate.ErrorLogger) (contentCache, error) {
	switch cfg.Backend {
	case "":
		return contentCache{close: func() {}}, nil
	case "memory":
		c := memcache.New(cfg.MaxBytes)
		return contentCache{read: c.Read, write: c.Write, close: func() {}}, nil
	case "badger":
		c, err := badgercache.Open(badgercache.Options{
			Dir:        cfg.Dir,
			TTL:        cfg.TTL,
			GCInterval: 5 * time.Minute,
			Logger:     log,
		})
		if err != nil {
			return contentCache{}, err
		}
		return contentCache{read: c.Read, write: c.Write, close: func() { _ = c.Close() }}, nil
	case "postgres":
		c, pool, err := pgcache.Open(ctx, cfg.DSN, log)
		if err != nil {
			return contentCache{}, err
		}
		return contentCache{read: c.Read, write: c.Write, close: pool.Close}, nil
	}
	return contentCache{}, fmt.Errorf("unknown content cache backend %q", cfg.Backend)
}
