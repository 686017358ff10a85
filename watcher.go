// watcher.go: Bundle directory and configuration file watchers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"github.com/fsnotify/fsnotify"
)

// BundleWatcher watches the plugins directory and invokes onChange once per
// burst of bundle events (create, write, remove, rename).
type BundleWatcher struct {
	dir      string
	ext      string
	debounce time.Duration
	logger   Logger
	onChange func()

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	running atomic.Bool
}

// NewBundleWatcher creates a watcher for bundles with extension ext in dir.
func NewBundleWatcher(dir, ext string, debounce time.Duration, logger Logger, onChange func()) *BundleWatcher {
	if logger == nil {
		logger = DefaultLogger()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &BundleWatcher{
		dir:      dir,
		ext:      ext,
		debounce: debounce,
		logger:   logger,
		onChange: onChange,
	}
}

// Start begins watching. The directory is created when missing.
func (w *BundleWatcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("bundle watcher is already running", nil)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.running.Store(false)
		return NewConfigWatcherError("failed to create plugins directory", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return NewConfigWatcherError("failed to create bundle watcher", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.running.Store(false)
		return NewConfigWatcherError("failed to watch plugins directory", err)
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.watchLoop()

	w.logger.Info("Bundle watcher started", "path", w.dir, "debounce", w.debounce)
	return nil
}

// Stop ends watching and cancels a pending notification.
func (w *BundleWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	w.logger.Info("Bundle watcher stopped", "path", w.dir)
	return err
}

func (w *BundleWatcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Bundle change detected", "path", event.Name, "op", event.Op.String())
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Bundle watcher error", "error", err)
		}
	}
}

func (w *BundleWatcher) relevant(event fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(event.Name), w.ext) {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// schedule (re)arms the debounce timer.
func (w *BundleWatcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		defer withStackRecover(w.logger, "bundle-watcher")()
		if !w.running.Load() {
			return
		}
		w.onChange()
	})
}

// ConfigWatcher polls a host configuration file with argus and hands every
// successfully loaded revision to onReload.
type ConfigWatcher struct {
	path     string
	logger   Logger
	watcher  *argus.Watcher
	onReload func(HostConfig)

	current  atomic.Pointer[HostConfig]
	running  atomic.Bool
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher for the configuration file at path.
func NewConfigWatcher(path string, pollInterval time.Duration, logger Logger, onReload func(HostConfig)) *ConfigWatcher {
	if logger == nil {
		logger = DefaultLogger()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	cw := &ConfigWatcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
	}
	cw.watcher = argus.New(argus.Config{
		PollInterval:         pollInterval,
		CacheTTL:             pollInterval / 2,
		MaxWatchedFiles:      1,
		Audit:                argus.AuditConfig{Enabled: false},
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, file string) {
			logger.Error("Configuration watching error", "error", err, "file", file)
		},
	})
	return cw
}

// Start loads the current file and begins polling.
func (cw *ConfigWatcher) Start() error {
	if !cw.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	cfg, err := LoadHostConfig(cw.path)
	if err != nil {
		cw.running.Store(false)
		return err
	}
	cw.current.Store(&cfg)

	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to watch configuration file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to start configuration watcher", err)
	}

	cw.logger.Info("Configuration watcher started", "config_path", cw.path)
	return nil
}

// Stop ends polling. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		if !cw.running.CompareAndSwap(true, false) {
			return
		}
		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop configuration watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped", "config_path", cw.path)
	})
	return stopErr
}

// Current returns the last successfully loaded configuration.
func (cw *ConfigWatcher) Current() (HostConfig, bool) {
	cfg := cw.current.Load()
	if cfg == nil {
		return HostConfig{}, false
	}
	return *cfg, true
}

func (cw *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	cw.logger.Info("Configuration file change detected",
		"path", event.Path,
		"is_create", event.IsCreate,
		"is_delete", event.IsDelete,
		"is_modify", event.IsModify)

	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current configuration", "path", event.Path)
		return
	}
	cw.reload(event.Path)
}

func (cw *ConfigWatcher) reload(path string) {
	cfg, err := LoadHostConfig(path)
	if err != nil {
		cw.logger.Error("Failed to reload configuration, keeping current configuration", "path", path, "error", err)
		return
	}
	cw.current.Store(&cfg)
	if cw.onReload != nil {
		defer withStackRecover(cw.logger, "config-watcher")()
		cw.onReload(cfg)
	}
	cw.logger.Info("Configuration reloaded", "path", path)
}
