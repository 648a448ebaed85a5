package mate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

const cacheHeader = "X-Mate-Cache"

var indexFiles = []string{"index.html", "index.htm"}

// WireResponse is a rendered response ready for the transport. A body backed
// by a file holds a reference on it until Release.
type WireResponse struct {
	Status  int
	Headers Headers
	// Cached is set when the body came from the file cache or the external
	// content cache.
	Cached bool

	body   []byte
	handle *fileHandle
	// shared handles are also referenced by the fd-cache and must be read
	// through a section reader.
	shared bool
}

func (w *WireResponse) ContentLength() int64 {
	if w.handle != nil {
		return w.handle.size
	}
	return int64(len(w.body))
}

// Bytes returns the whole body, reading it from disk for file responses.
func (w *WireResponse) Bytes() ([]byte, error) {
	if w.handle != nil {
		return io.ReadAll(w.handle.reader())
	}
	return w.body, nil
}

// WriteTo queues the response on rw. Exclusive file bodies are copied from
// the *os.File so net/http can use sendfile.
func (w *WireResponse) WriteTo(rw http.ResponseWriter) error {
	header := rw.Header()
	w.Headers.Each(func(key, value string) {
		header.Set(key, value)
	})
	header.Set("Content-Length", strconv.FormatInt(w.ContentLength(), 10))
	rw.WriteHeader(w.Status)

	var err error
	switch {
	case w.handle == nil:
		_, err = rw.Write(w.body)
	case w.shared:
		_, err = io.Copy(rw, w.handle.reader())
	default:
		_, err = io.Copy(rw, w.handle.file)
	}
	return err
}

// Release drops the response's reference on its file, if any. It is safe to
// call more than once.
func (w *WireResponse) Release() {
	if w.handle != nil {
		w.handle.decRef()
		w.handle = nil
	}
}

// Renderer turns handler responses into wire responses: static files, the
// file and content caches, the error pipeline and header assembly.
type Renderer struct {
	identifier  string
	defaultMime string
	mimes       mimeTable
	global      Headers

	errors  *errorPipeline
	fd      *fdCache
	content *contentCache
	watcher *fileWatcher
	misses  singleflight.Group

	logs    Loggers
	metrics *Metrics
}

// NewRenderer builds a standalone renderer from config. Metrics are not
// registered; use a Server for that.
func NewRenderer(config Configuration) *Renderer {
	return newRenderer(config.withDefaults(), config.loggers(), nil)
}

func newRenderer(config Configuration, logs Loggers, metrics *Metrics) *Renderer {
	r := &Renderer{
		identifier:  config.serverIdentifier(),
		defaultMime: config.DefaultMimeType,
		mimes:       newMimeTable(config.MimeTypes),
		global:      config.GlobalHeaders.Clone(),
		errors:      newErrorPipeline(config.ErrorHandlers, config.AfterError),
		content:     newContentCache(config.CacheRead, config.CacheWrite, logs, metrics),
		logs:        logs,
		metrics:     metrics,
	}
	if config.NotFound != nil {
		r.errors.set(404, config.NotFound)
	}

	if config.EnableInternalFileCache {
		r.fd = newFDCache(config.InternalFileCacheKeepAlive, metrics)
		if config.WatchFileCache {
			watcher, err := newFileWatcher(r.fd, logs)
			if err != nil {
				logs.error(LogWarning, "File cache watcher disabled: "+err.Error())
			} else {
				r.watcher = watcher
			}
		}
	}
	return r
}

// Render resolves resp into a wire response. Callers must Release it once
// it has been written.
func (r *Renderer) Render(req *Request, resp *Response) *WireResponse {
	if resp.Status == 0 {
		resp.Status = defaultSuccessCode(req.Method)
	}

	wire := &WireResponse{}
	var fileType, tag string
	if resp.File != "" && !isError(resp.Status) && !isRedirect(resp.Status) {
		fileType, tag = r.fromFile(req, resp, wire)
	}

	switch {
	case isRedirect(resp.Status):
		target := resp.Redirect
		if target == "" {
			target = resp.Headers.Get("Location")
		}
		resp.Headers = resp.Headers.Clone()
		if target != "" {
			resp.Headers.Set("Location", target)
		}
		resp.Content = ""
		resp.File = ""
	case isError(resp.Status):
		resp.Headers = resp.Headers.Clone()
		r.errors.finish(req, resp)
		wire.body = []byte(resp.Content)
	case wire.handle == nil && wire.body == nil:
		wire.body = []byte(resp.Content)
	}

	wire.Status = resp.Status
	wire.Headers = r.assembleHeaders(resp, fileType, tag)
	return wire
}

// fromFile fills wire from resp.File. On a missing file it turns resp into a
// 404 and on any other failure into a 500 for the error pipeline to finish.
func (r *Renderer) fromFile(req *Request, resp *Response, wire *WireResponse) (contentType, tag string) {
	key := resp.File

	if r.content.canRead() {
		if value, ok := r.content.lookup(key); ok {
			wire.body = value
			wire.Cached = true
			return r.contentTypeFor(resp, key, value), "HIT"
		}
	}

	if r.fd != nil {
		if handle, _ := r.fd.get(key); handle != nil {
			wire.handle = handle
			wire.shared = true
			wire.Cached = true
			if resp.ContentType != "" {
				return resp.ContentType, "HIT"
			}
			return handle.contentType, "HIT"
		}
	}

	if r.fd != nil || r.content != nil {
		tag = "MISS"
	}

	target, info, err := resolveFile(key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.logs.error(LogDebug, "File not found: "+key)
		resp.Status = 404
		resp.File = ""
		resp.Content = ""
		return "", ""
	case err != nil:
		r.logs.error(LogError, fmt.Sprintf("Error meanwhile resolving %s: %v", key, err))
		resp.Status = 500
		resp.File = ""
		resp.Content = ""
		return "", ""
	}

	if info.IsDir() {
		if !resp.Listing {
			resp.Status = 404
			resp.File = ""
			resp.Content = ""
			return "", ""
		}
		listing, err := renderListing(context.Background(), target, req.Path)
		if err != nil {
			r.logs.error(LogError, fmt.Sprintf("Error meanwhile listing %s: %v", target, err))
			resp.Status = 500
			resp.File = ""
			resp.Content = ""
			return "", ""
		}
		wire.body = []byte(listing)
		return "text/html", tag
	}

	contentType = resp.ContentType
	if contentType == "" {
		contentType = r.mimes.lookup(target)
	}

	switch {
	case r.content.canWrite():
		handle, err := openFile(target, info.Size(), contentType)
		if err != nil {
			return r.openFailed(resp, target, err)
		}
		wire.handle = handle
		r.content.schedule(key, target)
	case r.fd != nil:
		// The handle outlives this response, so it keeps the table type
		// rather than a per-response override.
		handle, err := r.openCached(key, target, r.mimes.lookup(target))
		if err != nil {
			return r.openFailed(resp, target, err)
		}
		wire.handle = handle
		wire.shared = true
	default:
		handle, err := openFile(target, info.Size(), contentType)
		if err != nil {
			return r.openFailed(resp, target, err)
		}
		wire.handle = handle
	}

	return contentType, tag
}

func (r *Renderer) openFailed(resp *Response, target string, err error) (string, string) {
	if errors.Is(err, fs.ErrNotExist) {
		resp.Status = 404
	} else {
		r.logs.error(LogError, fmt.Sprintf("Error meanwhile opening %s: %v", target, err))
		resp.Status = 500
	}
	resp.File = ""
	resp.Content = ""
	return "", ""
}

// openCached opens target and stores it in the fd-cache under key.
// Concurrent misses on the same key open the file once.
func (r *Renderer) openCached(key, target, contentType string) (*fileHandle, error) {
	_, err, _ := r.misses.Do(key, func() (any, error) {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		handle, err := openFile(target, info.Size(), contentType)
		if err != nil {
			return nil, err
		}
		r.fd.put(key, handle)
		handle.decRef()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if handle := r.fd.acquire(key); handle != nil {
		return handle, nil
	}
	// Evicted between the insert and now; serve this request uncached.
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	return openFile(target, info.Size(), contentType)
}

func (r *Renderer) contentTypeFor(resp *Response, key string, value []byte) string {
	if resp.ContentType != "" {
		return resp.ContentType
	}
	if filepath.Ext(key) == "" {
		return http.DetectContentType(value)
	}
	return r.mimes.lookup(key)
}

// assembleHeaders applies response headers, then global headers for keys the
// response left unset, then content type and server identifier.
func (r *Renderer) assembleHeaders(resp *Response, fileType, tag string) Headers {
	headers := resp.Headers.Clone()
	headers.Merge(r.global)

	if !isRedirect(resp.Status) {
		switch {
		case fileType != "":
			headers.Set("Content-Type", fileType)
		case resp.ContentType != "":
			headers.Set("Content-Type", resp.ContentType)
		default:
			headers.SetIfAbsent("Content-Type", r.defaultMime)
		}
	}

	if tag != "" {
		headers.Set(cacheHeader, tag)
	}
	headers.SetIfAbsent("Server", r.identifier)
	return headers
}

// SetErrorHandler registers handler for status, replacing any previous one.
func (r *Renderer) SetErrorHandler(status int, handler ErrorHandler) ErrorHandlerHandle {
	return r.errors.set(status, handler)
}

func (r *Renderer) RemoveErrorHandler(handle ErrorHandlerHandle) bool {
	return r.errors.remove(handle)
}

// InvalidateFile evicts the fd-cache entries for path and reports how many
// there were.
func (r *Renderer) InvalidateFile(path string) int {
	if r.fd == nil {
		return 0
	}
	return r.fd.invalidateFile(path)
}

func (r *Renderer) PurgeFileCache() {
	if r.fd != nil {
		r.fd.purge()
	}
}

// PendingCacheWrites is the number of external cache writes still running.
func (r *Renderer) PendingCacheWrites() int {
	return r.content.inFlight()
}

// WaitCacheWrites blocks until every external cache write has finished.
func (r *Renderer) WaitCacheWrites() {
	r.content.wait()
}

// Close waits for pending cache writes, then stops the watcher and closes
// every cached file. Responses still being sent keep their files open.
func (r *Renderer) Close() error {
	r.content.wait()

	var err error
	if r.watcher != nil {
		err = r.watcher.close()
		r.watcher = nil
		r.fd.onPut = nil
	}
	r.PurgeFileCache()
	return err
}

// resolveFile stats name and, for a directory, substitutes the first index
// file it contains. A directory without one is returned as is.
func resolveFile(name string) (string, os.FileInfo, error) {
	info, err := os.Stat(name)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		return name, info, nil
	}

	dir := name
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	for _, index := range indexFiles {
		candidate := dir + index
		if indexInfo, err := os.Stat(candidate); err == nil && !indexInfo.IsDir() {
			return candidate, indexInfo, nil
		}
	}
	return dir, info, nil
}

func openFile(name string, size int64, contentType string) (*fileHandle, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return newFileHandle(file, size, contentType), nil
}
