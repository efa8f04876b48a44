package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the config file and re-loads it when it changes. Reloads
// are debounced so that editors writing in multiple steps produce a single
// reload. Consumers apply a reloaded config between attempts, never during
// one.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher

	reloads chan *Config
	errors  chan error

	mu      sync.Mutex
	pending *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:      path,
		debounce:  250 * time.Millisecond,
		logger:    logger.With("component", "config-watcher"),
		fsWatcher: fsWatcher,
		reloads:   make(chan *Config, 1),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Reloads returns the channel of successfully re-loaded configurations.
func (w *Watcher) Reloads() <-chan *Config {
	return w.reloads
}

// Errors returns the channel of watch and reload errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. The parent directory is watched rather than the
// file itself so that atomic rename-into-place writes are seen.
func (w *Watcher) Start() error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	w.path = abs

	if err := w.fsWatcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.eventLoop()

	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		select {
		case w.errors <- err:
		default:
		}
		return
	}

	w.logger.Info("config reloaded", "path", w.path)

	// Keep only the newest config if the consumer is slow.
	select {
	case w.reloads <- cfg:
	default:
		select {
		case <-w.reloads:
		default:
		}
		select {
		case w.reloads <- cfg:
		default:
		}
	}
}
