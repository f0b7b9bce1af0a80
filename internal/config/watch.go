package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"gatehouse/internal/metrics"
)

// Watcher hot-reloads the YAML config when the file changes on disk,
// debounced so editors that write in several steps trigger one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload func(*Config) error
	log      zerolog.Logger

	mu      sync.Mutex
	pending *time.Timer

	stop chan struct{}
}

func NewWatcher(path string, debounce time.Duration, log zerolog.Logger, onReload func(*Config) error) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w := &Watcher{
		watcher:  fsw,
		path:     path,
		debounce: debounce,
		onReload: onReload,
		log:      log,
		stop:     make(chan struct{}),
	}

	// watch the directory, not the file: atomic writes replace the inode
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			w.handleChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")

		case <-w.stop:
			return
		}
	}
}

// handleChange arms a trailing timer: the reload fires one debounce
// interval after the last write, so a burst of editor writes produces a
// single reload that sees the final contents.
func (w *Watcher) handleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Reset(w.debounce)
		return
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()

		if err := w.reload("watch"); err != nil {
			w.log.Error().Err(err).Msg("config reload failed, keeping previous config")
		}
	})
}

// Reload re-reads the config on demand (SIGHUP, /reload endpoint).
func (w *Watcher) Reload() error {
	return w.reload("manual")
}

func (w *Watcher) reload(trigger string) error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.onReload(cfg); err != nil {
		return err
	}
	metrics.ConfigReloads.WithLabelValues(trigger).Inc()
	w.log.Info().Str("trigger", trigger).Msg("configuration reloaded")
	return nil
}

func (w *Watcher) Stop() error {
	close(w.stop)

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
