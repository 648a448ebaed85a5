package mate

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CacheRead looks up previously stored file bytes. It must be safe for
// concurrent use.
type CacheRead func(key string) ([]byte, bool)

// CacheWrite stores file bytes and reports success. It runs on background
// goroutines and must be safe for concurrent use.
type CacheWrite func(key string, value []byte) bool

// contentCache drives the user supplied cache callbacks. Writes run in the
// background but are tracked so wait can join every one of them.
type contentCache struct {
	read    CacheRead
	write   CacheWrite
	logs    Loggers
	metrics *Metrics

	reads   singleflight.Group
	writes  singleflight.Group
	pending sync.WaitGroup
	count   atomic.Int64
}

func newContentCache(read CacheRead, write CacheWrite, logs Loggers, metrics *Metrics) *contentCache {
	if read == nil && write == nil {
		return nil
	}
	return &contentCache{read: read, write: write, logs: logs, metrics: metrics}
}

func (c *contentCache) canRead() bool {
	return c != nil && c.read != nil
}

func (c *contentCache) canWrite() bool {
	return c != nil && c.write != nil
}

// lookup coalesces concurrent reads of the same key into one callback call.
func (c *contentCache) lookup(key string) ([]byte, bool) {
	v, _, _ := c.reads.Do(key, func() (any, error) {
		value, ok := c.read(key)
		if !ok {
			return nil, nil
		}
		return value, nil
	})
	value, ok := v.([]byte)
	return value, ok
}

// schedule reads file in the background and hands its bytes to the write
// callback under key. The response does not wait for it.
func (c *contentCache) schedule(key, file string) {
	c.pending.Add(1)
	c.count.Add(1)
	c.metrics.pendingWrites(1)

	go func() {
		defer func() {
			c.metrics.pendingWrites(-1)
			c.count.Add(-1)
			c.pending.Done()
		}()

		_, err, _ := c.writes.Do(key, func() (any, error) {
			value, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("read %s for content cache: %w", file, err)
			}
			if !c.write(key, value) {
				return nil, fmt.Errorf("content cache refused %s", key)
			}
			return nil, nil
		})
		if err != nil {
			c.logs.error(LogWarning, err.Error())
			return
		}
		c.logs.error(LogDebug, "Content cache: stored "+key)
	}()
}

func (c *contentCache) inFlight() int {
	if c == nil {
		return 0
	}
	return int(c.count.Load())
}

// wait blocks until every scheduled write has finished.
func (c *contentCache) wait() {
	if c == nil {
		return
	}
	c.pending.Wait()
}
