package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is implemented by components that can update their config at runtime.
type Reloadable interface {
	// OnConfigReload receives the new configuration. A component that
	// rejects it returns an error and keeps its current state; other
	// subscribers are still notified.
	OnConfigReload(newCfg *Config) error
}

// ReloadFunc adapts a function to Reloadable.
type ReloadFunc func(newCfg *Config) error

// OnConfigReload calls f(newCfg).
func (f ReloadFunc) OnConfigReload(newCfg *Config) error { return f(newCfg) }

// ConfigReloader watches for config changes and coordinates reloads.
// It supports SIGHUP signals and optional file-system watching with debounce.
type ConfigReloader struct {
	configPath  string
	currentCfg  atomic.Pointer[Config]
	subscribers []Reloadable
	observer    func(ok bool)
	logger      *slog.Logger
	debounce    time.Duration
	watchFile   bool

	mu      sync.RWMutex
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	stopped chan struct{}
	sigChan chan os.Signal
}

// NewConfigReloader creates a ConfigReloader for the given config file path.
// The initialCfg is set as the current config atomically.
func NewConfigReloader(configPath string, initialCfg *Config, logger *slog.Logger) *ConfigReloader {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ConfigReloader{
		configPath: configPath,
		logger:     logger,
		debounce:   initialCfg.Reload.Debounce.Duration,
		watchFile:  initialCfg.Reload.WatchFile,
		stopped:    make(chan struct{}),
	}
	r.currentCfg.Store(initialCfg)
	return r
}

// Register adds a component to receive reload notifications.
// Must be called before Start.
func (r *ConfigReloader) Register(sub Reloadable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

// Observe sets a callback invoked after every reload attempt with its outcome.
// Must be called before Start.
func (r *ConfigReloader) Observe(fn func(ok bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Current returns the current active configuration. Safe for concurrent use.
func (r *ConfigReloader) Current() *Config {
	return r.currentCfg.Load()
}

// Start begins watching for config changes via SIGHUP and optional file watching.
// It blocks until the provided context is cancelled or Stop is called.
func (r *ConfigReloader) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	// Set up SIGHUP handler
	r.sigChan = make(chan os.Signal, 1)
	signal.Notify(r.sigChan, syscall.SIGHUP)

	// Set up file watcher if enabled
	if r.watchFile {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		r.watcher = watcher

		if err := watcher.Add(r.configPath); err != nil {
			watcher.Close()
			return fmt.Errorf("watching config file %q: %w", r.configPath, err)
		}
		r.logger.Info("config file watcher started", "path", r.configPath, "debounce", r.debounce)
	}

	go r.run(ctx)
	return nil
}

// Stop shuts down the reloader, stopping signal and file watchers.
func (r *ConfigReloader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.stopped
}

// Reload reads and validates the config file, logs the diff and notifies
// subscribers. An invalid file is rejected and the current config is retained.
func (r *ConfigReloader) Reload() error {
	err := r.reload()
	r.mu.RLock()
	observe := r.observer
	r.mu.RUnlock()
	if observe != nil {
		observe(err == nil)
	}
	return err
}

func (r *ConfigReloader) reload() error {
	r.logger.Info("config reload triggered", "path", r.configPath)

	newCfg, err := Load(r.configPath)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"error", err,
			"path", r.configPath,
		)
		return fmt.Errorf("config reload: %w", err)
	}

	oldCfg := r.currentCfg.Load()
	changes := Diff(oldCfg, newCfg)

	if len(changes) == 0 {
		r.logger.Info("config reload: no changes detected")
		return nil
	}

	hasNonReloadable := false
	for _, c := range changes {
		if c.Reloadable {
			r.logger.Info("config change detected",
				"field", c.Field,
				"old", fmt.Sprintf("%v", c.OldValue),
				"new", fmt.Sprintf("%v", c.NewValue),
				"reloadable", true,
			)
		} else {
			hasNonReloadable = true
			r.logger.Warn("config change requires restart (ignored)",
				"field", c.Field,
				"old", fmt.Sprintf("%v", c.OldValue),
				"new", fmt.Sprintf("%v", c.NewValue),
				"reloadable", false,
			)
		}
	}

	if hasNonReloadable {
		r.logger.Warn("some config changes require a restart to take effect")
	}

	r.currentCfg.Store(newCfg)

	r.mu.RLock()
	subs := make([]Reloadable, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	var subErrs []error
	for _, sub := range subs {
		if err := sub.OnConfigReload(newCfg); err != nil {
			r.logger.Error("subscriber reload failed",
				"error", err,
				"subscriber", fmt.Sprintf("%T", sub),
			)
			subErrs = append(subErrs, err)
		}
	}

	r.logger.Info("config reloaded",
		"changes", len(changes),
		"path", r.configPath,
		"subscriber_errors", len(subErrs),
	)

	return errors.Join(subErrs...)
}

// run is the main loop that listens for SIGHUP and file change events.
func (r *ConfigReloader) run(ctx context.Context) {
	defer close(r.stopped)
	defer signal.Stop(r.sigChan)
	if r.watcher != nil {
		defer r.watcher.Close()
	}

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case sig := <-r.sigChan:
			r.logger.Info("received signal, reloading config", "signal", sig)
			if err := r.Reload(); err != nil {
				r.logger.Error("SIGHUP reload failed", "error", err)
			}

		case event, ok := <-r.watcherEvents():
			if !ok {
				return
			}
			// Editors often replace the file, so Create and Rename count too.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(r.debounce)
				debounceCh = debounceTimer.C
			}

		case err, ok := <-r.watcherErrors():
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)

		case <-debounceCh:
			debounceCh = nil
			debounceTimer = nil
			r.logger.Info("config file changed, reloading", "path", r.configPath)
			if r.watcher != nil {
				// The file may be briefly missing during replacement.
				_ = r.watcher.Add(r.configPath)
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("file watch reload failed", "error", err)
			}
		}
	}
}

// watcherEvents returns the watcher's event channel, or a nil channel if no watcher.
func (r *ConfigReloader) watcherEvents() <-chan fsnotify.Event {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Events
}

// watcherErrors returns the watcher's error channel, or a nil channel if no watcher.
func (r *ConfigReloader) watcherErrors() <-chan error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Errors
}
