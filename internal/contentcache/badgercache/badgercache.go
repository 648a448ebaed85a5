// Package badgercache is a content cache persisted in a Badger database, so
// cached files survive restarts.
package badgercache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/TomasBorquez/mate/internal/contentcache"
	mate "github.com/TomasBorquez/mate/pkg"
)

type Options struct {
	// Dir holds the database. Empty keeps everything in memory.
	Dir string
	// TTL expires entries, 0 keeps them forever.
	TTL        time.Duration
	GCInterval time.Duration
	Logger     mate.ErrorLogger
}

type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger mate.ErrorLogger

	stopCh chan struct{}
	doneCh chan struct{}
}

func Open(opts Options) (*Cache, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts.Logger = &badgerLogger{log: opts.Logger}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	c := &Cache{
		db:     db,
		ttl:    opts.TTL,
		logger: opts.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if opts.Dir != "" && opts.GCInterval > 0 {
		go c.gcLoop(opts.GCInterval)
	} else {
		close(c.doneCh)
	}
	return c, nil
}

// Get returns contentcache.ErrCacheMiss for unknown or expired keys.
func (c *Cache) Get(key string) ([]byte, error) {
	var value []byte

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return contentcache.ErrCacheMiss
			}
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (c *Cache) Set(key string, value []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (c *Cache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Read has the shape of mate.CacheRead.
func (c *Cache) Read(key string) ([]byte, bool) {
	value, err := c.Get(key)
	if err != nil {
		if !errors.Is(err, contentcache.ErrCacheMiss) {
			c.log(mate.LogWarning, fmt.Sprintf("badger cache read %s: %v", key, err))
		}
		return nil, false
	}
	return value, true
}

// Write has the shape of mate.CacheWrite.
func (c *Cache) Write(key string, value []byte) bool {
	if err := c.Set(key, value); err != nil {
		c.log(mate.LogWarning, fmt.Sprintf("badger cache write %s: %v", key, err))
		return false
	}
	return true
}

func (c *Cache) Close() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
	return c.db.Close()
}

func (c *Cache) gcLoop(interval time.Duration) {
	defer close(c.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Keep collecting while Badger finds value log files to rewrite.
			for c.db.RunValueLogGC(0.5) == nil {
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) log(level mate.LogLevel, message string) {
	if c.logger != nil {
		c.logger(level, message)
	}
}

// badgerLogger adapts a mate.ErrorLogger to Badger's Logger interface.
type badgerLogger struct {
	log mate.ErrorLogger
}

func (l *badgerLogger) emit(level mate.LogLevel, format string, args ...interface{}) {
	if l.log != nil {
		l.log(level, "badger: "+fmt.Sprintf(format, args...))
	}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.emit(mate.LogError, format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.emit(mate.LogWarning, format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.emit(mate.LogDebug, format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.emit(mate.LogDebug, format, args...)
}
