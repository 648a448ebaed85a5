package mate

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher evicts fd-cache entries when the files behind them change.
// Directories are watched rather than files so editors that save by rename
// are still noticed.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	cache   *fdCache
	logs    Loggers
	done    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	watched map[string]struct{}
}

func newFileWatcher(cache *fdCache, logs Loggers) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watcher := &fileWatcher{
		watcher: w,
		cache:   cache,
		logs:    logs,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		watched: make(map[string]struct{}),
	}
	cache.onPut = func(_, name string) {
		watcher.watch(name)
	}

	go watcher.run()
	return watcher, nil
}

func (w *fileWatcher) watch(name string) {
	dir := filepath.Dir(name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logs.error(LogWarning, fmt.Sprintf("File cache watcher: cannot watch %s: %v", dir, err))
		return
	}
	w.watched[dir] = struct{}{}
}

func (w *fileWatcher) run() {
	defer close(w.stopped)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.evict(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logs.error(LogWarning, "File cache watcher: "+err.Error())
		case <-w.done:
			return
		}
	}
}

// evict drops the changed file and its directory, which may have been cached
// through an index file that just appeared or went away.
func (w *fileWatcher) evict(name string) {
	dir := filepath.Dir(name)
	evicted := w.cache.invalidateFile(name) +
		w.cache.invalidateFile(dir) +
		w.cache.invalidateFile(dir+string(filepath.Separator))
	if evicted > 0 {
		w.logs.error(LogDebug, fmt.Sprintf("File cache: evicted %d entries after change to %s", evicted, name))
	}
}

func (w *fileWatcher) close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}
