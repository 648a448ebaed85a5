package mate

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomasBorquez/mate/internal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func cachedRenderer(keepAlive time.Duration) (*Renderer, *fakeClock) {
	r := NewRenderer(Configuration{
		EnableInternalFileCache:    true,
		InternalFileCacheKeepAlive: keepAlive,
	})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r.fd.now = clock.Now
	return r, clock
}

func TestFileCacheHitAfterMiss(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "page.html", "<p>cached</p>")
	r, _ := cachedRenderer(time.Minute)

	first, body1 := render(t, r, MethodGet, File(path))
	assert.Equal(t, "MISS", first.Headers.Get(cacheHeader))
	assert.False(t, first.Cached)

	second, body2 := render(t, r, MethodGet, File(path))
	assert.Equal(t, "HIT", second.Headers.Get(cacheHeader))
	assert.True(t, second.Cached)

	assert.Equal(t, body1, body2)
	assert.Equal(t, first.Headers.Get("Content-Type"), second.Headers.Get("Content-Type"))
	assert.Equal(t, 1, r.fd.len())
}

func TestFileCacheHitSkipsDisk(t *testing.T) {
	dir := t.TempDir()
	path := internal.WriteFixture(t, dir, "gone.txt", "still here")
	r, _ := cachedRenderer(time.Minute)

	render(t, r, MethodGet, File(path))
	require.NoError(t, os.Remove(path))

	wire, body := render(t, r, MethodGet, File(path))
	assert.Equal(t, 200, wire.Status)
	assert.Equal(t, "still here", body)
}

func TestFileCacheExpires(t *testing.T) {
	dir := t.TempDir()
	path := internal.WriteFixture(t, dir, "gone.txt", "old")
	r, clock := cachedRenderer(time.Minute)

	render(t, r, MethodGet, File(path))

	clock.Advance(30 * time.Second)
	wire, _ := render(t, r, MethodGet, File(path))
	assert.Equal(t, "HIT", wire.Headers.Get(cacheHeader))

	clock.Advance(31 * time.Second)
	require.NoError(t, os.Remove(path))
	wire, _ = render(t, r, MethodGet, File(path))
	assert.Equal(t, 404, wire.Status)
	assert.Equal(t, 0, r.fd.len())

	internal.WriteFixture(t, dir, "gone.txt", "new")
	wire, body := render(t, r, MethodGet, File(path))
	assert.Equal(t, "MISS", wire.Headers.Get(cacheHeader))
	assert.Equal(t, "new", body)
}

func TestFileCacheMissDoesNotCacheNotFound(t *testing.T) {
	r, _ := cachedRenderer(time.Minute)
	wire, _ := render(t, r, MethodGet, File("/definitely/not/here.txt"))
	assert.Equal(t, 404, wire.Status)
	assert.False(t, wire.Headers.Has(cacheHeader))
	assert.Equal(t, 0, r.fd.len())
}

func TestFileCacheEvictionKeepsInFlightResponses(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "big.txt", "payload")
	r, _ := cachedRenderer(time.Minute)

	first := File(path)
	r.Render(&Request{Method: MethodGet}, &first).Release()

	resp := File(path)
	wire := r.Render(&Request{Method: MethodGet}, &resp)
	require.True(t, wire.Cached)
	handle := wire.handle

	r.PurgeFileCache()
	assert.Equal(t, 0, r.fd.len())

	body, err := wire.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	wire.Release()
	wire.Release()
	_, err = handle.file.Stat()
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestFileCacheHitIgnoresEarlierContentTypeOverride(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "notes.txt", "notes")
	r, _ := cachedRenderer(time.Minute)

	first, _ := render(t, r, MethodGet, File(path).WithContentType("application/x-custom"))
	assert.Equal(t, "MISS", first.Headers.Get(cacheHeader))
	assert.Equal(t, "application/x-custom", first.Headers.Get("Content-Type"))

	second, body := render(t, r, MethodGet, File(path))
	assert.Equal(t, "HIT", second.Headers.Get(cacheHeader))
	assert.Equal(t, "text/plain", second.Headers.Get("Content-Type"))
	assert.Equal(t, "notes", body)

	third, _ := render(t, r, MethodGet, File(path).WithContentType("text/x-override"))
	assert.Equal(t, "HIT", third.Headers.Get(cacheHeader))
	assert.Equal(t, "text/x-override", third.Headers.Get("Content-Type"))
}

func TestFileCacheInvalidateFile(t *testing.T) {
	dir := t.TempDir()
	path := internal.WriteFixture(t, dir, "index.html", "v1")
	r, _ := cachedRenderer(time.Minute)

	render(t, r, MethodGet, File(path))
	render(t, r, MethodGet, File(dir))
	assert.Equal(t, 2, r.fd.len())

	// The directory entry resolved to the same index file.
	assert.Equal(t, 2, r.InvalidateFile(path))
	assert.Equal(t, 0, r.fd.len())
	assert.Equal(t, 0, r.InvalidateFile(path))
}

func TestFileCacheConcurrentMisses(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "shared.txt", "shared")
	r, _ := cachedRenderer(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := File(path)
			wire := r.Render(&Request{Method: MethodGet}, &resp)
			defer wire.Release()

			body, err := wire.Bytes()
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(body))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.fd.len())
}

func TestFileHandleRefCounting(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "h.txt", "x")
	file, err := os.Open(path)
	require.NoError(t, err)

	h := newFileHandle(file, 1, "text/plain")
	h.addRef()
	h.decRef()

	_, err = file.Stat()
	assert.NoError(t, err)

	h.decRef()
	_, err = file.Stat()
	assert.ErrorIs(t, err, os.ErrClosed)
}
