package keypool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// StoreWatcher reloads a file-backed store when it changes on disk and
// drops the pool's cached clients
type StoreWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	path     string
	store    Reloader
	pool     *Pool
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
	done   chan struct{}
}

// WatchFileStore starts watching store's backing file
func WatchFileStore(store *FileStore, pool *Pool, logger zerolog.Logger) (*StoreWatcher, error) {
	return newStoreWatcher(store.Path(), store, pool, 300*time.Millisecond, logger)
}

func newStoreWatcher(path string, store Reloader, pool *Pool, debounce time.Duration, logger zerolog.Logger) (*StoreWatcher, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file instead of writing it
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	sw := &StoreWatcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "store_watcher").Logger(),
		path:     filepath.Clean(path),
		store:    store,
		pool:     pool,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go sw.run()
	return sw, nil
}

// Stop stops watching
func (sw *StoreWatcher) Stop() error {
	var err error
	sw.once.Do(func() {
		close(sw.stopCh)
		err = sw.watcher.Close()
		<-sw.done

		sw.mu.Lock()
		if sw.timer != nil {
			sw.timer.Stop()
		}
		sw.mu.Unlock()
	})
	return err
}

func (sw *StoreWatcher) run() {
	defer close(sw.done)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				sw.logger.Debug().Str("op", event.Op.String()).Msg("Credential file change detected")
				sw.schedule()
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error().Err(err).Msg("File watcher error")

		case <-sw.stopCh:
			return
		}
	}
}

func (sw *StoreWatcher) schedule() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.reload)
}

func (sw *StoreWatcher) reload() {
	select {
	case <-sw.stopCh:
		return
	default:
	}

	if err := sw.store.Reload(); err != nil {
		sw.logger.Warn().Err(err).Msg("Failed to reload credential file")
		return
	}
	if sw.pool != nil {
		sw.pool.Invalidate()
	}
	sw.logger.Info().Str("path", sw.path).Msg("Credentials reloaded")
}
