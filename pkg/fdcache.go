package mate

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// fileHandle is an open file shared by the fd-cache and the responses
// currently sending it. The file is closed when the last reference drops.
type fileHandle struct {
	file        *os.File
	name        string
	size        int64
	contentType string
	refs        atomic.Int64
}

func newFileHandle(file *os.File, size int64, contentType string) *fileHandle {
	h := &fileHandle{
		file:        file,
		name:        file.Name(),
		size:        size,
		contentType: contentType,
	}
	h.refs.Store(1)
	return h
}

func (h *fileHandle) addRef() {
	h.refs.Add(1)
}

func (h *fileHandle) decRef() {
	if h.refs.Add(-1) == 0 {
		h.file.Close()
	}
}

// reader gives an independent view of the file so concurrent sends never
// share an offset.
func (h *fileHandle) reader() io.Reader {
	return io.NewSectionReader(h.file, 0, h.size)
}

type fdEntry struct {
	handle   *fileHandle
	cachedAt time.Time
}

// fdCache maps requested paths to open files for keepAlive. Lookups share a
// read lock; inserts and evictions take the write lock.
type fdCache struct {
	keepAlive time.Duration
	now       func() time.Time
	metrics   *Metrics
	onPut     func(key, name string)

	mu      sync.RWMutex
	entries map[string]*fdEntry
}

func newFDCache(keepAlive time.Duration, metrics *Metrics) *fdCache {
	return &fdCache{
		keepAlive: keepAlive,
		now:       time.Now,
		metrics:   metrics,
		entries:   make(map[string]*fdEntry),
	}
}

// get returns a referenced handle for a fresh entry; the caller must decRef
// it. A stale entry is evicted and reported through expired.
func (c *fdCache) get(key string) (handle *fileHandle, expired bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.cachedAt) <= c.keepAlive {
		entry.handle.addRef()
		c.mu.RUnlock()
		c.metrics.fileCacheLookup("hit")
		return entry.handle, false
	}
	c.mu.RUnlock()

	if !ok {
		c.metrics.fileCacheLookup("miss")
		return nil, false
	}

	c.mu.Lock()
	if current, ok := c.entries[key]; ok && current == entry {
		delete(c.entries, key)
		entry.handle.decRef()
	}
	c.mu.Unlock()
	c.metrics.fileCacheLookup("expired")
	return nil, true
}

// acquire references the entry for key whatever its age, without counting a
// lookup.
func (c *fdCache) acquire(key string) *fileHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry.handle.addRef()
	return entry.handle
}

// put stores handle under key, taking a reference of its own. Any previous
// entry for key is released.
func (c *fdCache) put(key string, handle *fileHandle) {
	handle.addRef()

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		old.handle.decRef()
	}
	c.entries[key] = &fdEntry{handle: handle, cachedAt: c.now()}
	c.mu.Unlock()

	if c.onPut != nil {
		c.onPut(key, handle.name)
	}
}

func (c *fdCache) invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	entry.handle.decRef()
	return true
}

// invalidateFile evicts every entry that resolved to name or that was
// requested as name, and returns how many went.
func (c *fdCache) invalidateFile(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.entries {
		if key == name || entry.handle.name == name {
			delete(c.entries, key)
			entry.handle.decRef()
			evicted++
		}
	}
	return evicted
}

func (c *fdCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		delete(c.entries, key)
		entry.handle.decRef()
	}
}

func (c *fdCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
