package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadableConfig watches the config file and swaps in new configurations.
// Only target, backend and logging.level may change at runtime; anything
// else is rejected until restart and the old configuration stays active.
type ReloadableConfig struct {
	path      string
	getenv    func(string) string
	current   atomic.Pointer[Config]
	mu        sync.RWMutex
	watchers  []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	closeOnce sync.Once
	reloadMu  sync.Mutex
	log       logrus.FieldLogger
}

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// NewReloadable wraps an already loaded cfg and starts watching path.
func NewReloadable(path string, cfg *Config, log logrus.FieldLogger) (*ReloadableConfig, error) {
	return newReloadable(path, cfg, os.Getenv, log)
}

func newReloadable(path string, cfg *Config, getenv func(string) string, log logrus.FieldLogger) (*ReloadableConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := &ReloadableConfig{
		path:   abs,
		getenv: getenv,
		stopCh: make(chan struct{}),
		log:    log,
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// editors replace the file on save, so watch the directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch registers fn to run after every accepted reload.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload re-reads the file and applies it if the transition is allowed.
func (r *ReloadableConfig) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := LoadWithEnv(r.path, r.getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}
	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := slices.Clone(r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		fn(oldCfg, newCfg)
	}
	return nil
}

func validateTransition(old, new *Config) error {
	if !slices.Equal(old.Listen, new.Listen) {
		return fmt.Errorf("listen change requires restart: %v -> %v", old.Listen, new.Listen)
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		return fmt.Errorf("transport change requires restart")
	}
	if old.Limits != new.Limits {
		return fmt.Errorf("limits change requires restart")
	}
	if old.Health != new.Health {
		return fmt.Errorf("health change requires restart")
	}
	if old.Metrics != new.Metrics {
		return fmt.Errorf("metrics change requires restart")
	}
	if old.Logging.Format != new.Logging.Format || old.Logging.SyslogAddr != new.Logging.SyslogAddr {
		return fmt.Errorf("logging output change requires restart")
	}
	return nil
}

func (r *ReloadableConfig) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(reloadDelay, r.reloadFromWatch)
			} else {
				debounce.Reset(reloadDelay)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Warn("config watcher error")
		case <-r.stopCh:
			return
		}
	}
}

func (r *ReloadableConfig) reloadFromWatch() {
	if err := r.Reload(); err != nil {
		r.log.WithError(err).Warn("config reload failed")
		return
	}
	r.log.WithField("path", r.path).Info("config reloaded")
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		err = r.watcher.Close()
	})
	return err
}
