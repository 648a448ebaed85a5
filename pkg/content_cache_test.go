package mate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomasBorquez/mate/internal"
)

type mapCache struct {
	mu     sync.Mutex
	values map[string][]byte
	writes int
}

func newMapCache() *mapCache {
	return &mapCache{values: make(map[string][]byte)}
}

func (c *mapCache) read(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	return value, ok
}

func (c *mapCache) write(key string, value []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.writes++
	return true
}

func TestContentCacheWriteOnly(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "page.html", "<p>hi</p>")
	cache := newMapCache()
	r := NewRenderer(Configuration{CacheWrite: cache.write})

	wire, body := render(t, r, MethodGet, File(path))
	assert.Equal(t, "<p>hi</p>", body)
	assert.Equal(t, "MISS", wire.Headers.Get(cacheHeader))

	r.WaitCacheWrites()
	assert.Equal(t, 0, r.PendingCacheWrites())

	value, ok := cache.read(path)
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", string(value))
}

func TestContentCacheTakesPrecedenceOverDisk(t *testing.T) {
	dir := t.TempDir()
	path := internal.WriteFixture(t, dir, "data.json", `{"v":1}`)
	cache := newMapCache()
	r := NewRenderer(Configuration{CacheRead: cache.read, CacheWrite: cache.write})

	_, body := render(t, r, MethodGet, File(path))
	assert.Equal(t, `{"v":1}`, body)
	r.WaitCacheWrites()

	internal.WriteFixture(t, dir, "data.json", `{"v":2}`)

	wire, body := render(t, r, MethodGet, File(path))
	assert.Equal(t, `{"v":1}`, body)
	assert.True(t, wire.Cached)
	assert.Equal(t, "HIT", wire.Headers.Get(cacheHeader))
	assert.Equal(t, "application/json", wire.Headers.Get("Content-Type"))
	assert.Equal(t, 1, cache.writes)
}

func TestContentCacheReadWithoutExtensionSniffs(t *testing.T) {
	cache := newMapCache()
	cache.write("/srv/site/", []byte("<html><body>hi</body></html>"))
	r := NewRenderer(Configuration{CacheRead: cache.read})

	wire, body := render(t, r, MethodGet, File("/srv/site/"))
	assert.Equal(t, "<html><body>hi</body></html>", body)
	assert.Contains(t, wire.Headers.Get("Content-Type"), "text/html")
}

func TestContentCacheRefusedWriteIsLogged(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "a.txt", "a")

	var mu sync.Mutex
	var messages []string
	r := NewRenderer(Configuration{
		CacheWrite: func(string, []byte) bool { return false },
		Loggers: Loggers{Error: func(level LogLevel, message string) {
			mu.Lock()
			defer mu.Unlock()
			if level == LogWarning {
				messages = append(messages, message)
			}
		}},
	})

	render(t, r, MethodGet, File(path))
	r.WaitCacheWrites()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "refused")
}

func TestStopWaitsForPendingCacheWrites(t *testing.T) {
	dir := t.TempDir()
	internal.WriteFixture(t, dir, "slow.txt", "slow")

	release := make(chan struct{})
	var written sync.WaitGroup
	written.Add(1)
	s := New(Configuration{
		CacheWrite: func(string, []byte) bool {
			<-release
			written.Done()
			return true
		},
	})
	s.CreateRouter("").ServeFiles("/", dir)

	wire := s.Dispatch(&Request{Method: MethodGet, Path: "/slow.txt", Params: Params{}})
	body, err := wire.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "slow", string(body))
	wire.Release()
	assert.Equal(t, 1, s.Renderer().PendingCacheWrites())

	stopped := make(chan error, 1)
	go func() {
		stopped <- s.Stop()
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cache write was pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, ErrNotRunning)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the write finished")
	}
	written.Wait()
	assert.Equal(t, 0, s.Renderer().PendingCacheWrites())
}
