package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully validated configuration.
type ReloadFunc func(*Config)

// Loader owns the current configuration and reloads it when the file
// changes. Invalid revisions are logged and discarded; the last good
// configuration stays current.
type Loader struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	current     *Config
	subscribers []ReloadFunc

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

const reloadDebounce = 100 * time.Millisecond

// NewLoader loads path once. The file must exist and validate.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath := path
	if path != "" {
		var err error
		absPath, err = filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}
	return &Loader{path: absPath, logger: logger, current: cfg}, nil
}

// Current returns the active configuration. Callers must not mutate it.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnReload registers fn to run after every successful reload.
func (l *Loader) OnReload(fn ReloadFunc) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

// Reload re-reads the file and notifies subscribers if it validates.
func (l *Loader) Reload() error {
	cfg, err := Load(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.current = cfg
	subscribers := make([]ReloadFunc, len(l.subscribers))
	copy(subscribers, l.subscribers)
	l.mu.Unlock()

	for _, fn := range subscribers {
		fn(cfg)
	}
	return nil
}

// Watch starts following the file's directory. Without a file path it is a no-op.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.watcher = watcher
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.watchLoop(ctx, watcher)
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.mu.Lock()
	cancel, watcher, done := l.cancel, l.watcher, l.done
	l.cancel, l.watcher = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	<-done
	return err
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(l.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := l.Reload(); err != nil {
					l.logger.Error("Configuration reload rejected", "path", l.path, "error", err)
					return
				}
				l.logger.Info("Configuration reloaded", "path", l.path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Config watcher error", "error", err)
		}
	}
}
