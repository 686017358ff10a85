// host.go: Host assembly wiring registry, records, watchers and observability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type hostOptions struct {
	logger     Logger
	store      RecordStore
	installers []InstallerProvider
	registerer prometheus.Registerer
	tracer     trace.Tracer
	embedded   []ModuleFactory
	providers  map[string]ModuleFactory
	resources  fs.FS
	configPath string
	closers    []io.Closer
}

// HostOption customizes NewHost.
type HostOption func(*hostOptions)

// WithLogger sets the host logger; see NewLogger for accepted types.
func WithLogger(logger any) HostOption {
	return func(o *hostOptions) { o.logger = NewLogger(logger) }
}

// WithRecordStore sets the install record store (default: in memory).
func WithRecordStore(store RecordStore) HostOption {
	return func(o *hostOptions) { o.store = store }
}

// WithInstallerProvider adds a collaborator installer to every plugin.
func WithInstallerProvider(provider InstallerProvider) HostOption {
	return func(o *hostOptions) { o.installers = append(o.installers, provider) }
}

// WithRegisterer sets the Prometheus registerer used when metrics are enabled.
func WithRegisterer(registerer prometheus.Registerer) HostOption {
	return func(o *hostOptions) { o.registerer = registerer }
}

// WithTracer sets the tracer used for lifecycle spans.
func WithTracer(tracer trace.Tracer) HostOption {
	return func(o *hostOptions) { o.tracer = tracer }
}

// WithEmbedded registers a module compiled into the host.
func WithEmbedded(factory ModuleFactory) HostOption {
	return func(o *hostOptions) { o.embedded = append(o.embedded, factory) }
}

// WithProvider registers a named implementation for bundle descriptors.
func WithProvider(name string, factory ModuleFactory) HostOption {
	return func(o *hostOptions) {
		if o.providers == nil {
			o.providers = make(map[string]ModuleFactory)
		}
		o.providers[name] = factory
	}
}

// WithEmbeddedResources sets the resource file system of embedded modules.
func WithEmbeddedResources(resources fs.FS) HostOption {
	return func(o *hostOptions) { o.resources = resources }
}

// WithConfigPath enables configuration reloading from path when watching is enabled.
func WithConfigPath(path string) HostOption {
	return func(o *hostOptions) { o.configPath = path }
}

// WithCloser registers a collaborator closed by Host.Close, in reverse order.
func WithCloser(closer io.Closer) HostOption {
	return func(o *hostOptions) { o.closers = append(o.closers, closer) }
}

// Host bundles a Registry with its record tracker, watchers and metrics.
type Host struct {
	config  HostConfig
	logger  Logger
	metrics *Metrics

	registry *Registry
	tracker  *Tracker

	bundleWatcher *BundleWatcher
	configWatcher *ConfigWatcher
	closers       []io.Closer

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewHost builds a host from cfg. Defaults are applied and cfg is validated.
func NewHost(cfg HostConfig, opts ...HostOption) (*Host, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := hostOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = DefaultLogger()
	}
	if options.store == nil {
		options.store = NewMemoryRecordStore()
	}
	if options.tracer == nil {
		options.tracer = NoopTracer()
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		registerer := options.registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		var err error
		if metrics, err = NewMetrics(registerer, cfg.Metrics.Namespace); err != nil {
			return nil, err
		}
	}

	registryConfig := cfg.RegistryConfig()
	registryConfig.Logger = options.logger
	registryConfig.Metrics = metrics
	registryConfig.Tracer = options.tracer
	registryConfig.Installers = options.installers
	registryConfig.Resources = options.resources

	registry := NewRegistry(registryConfig)
	for _, factory := range options.embedded {
		registry.Register(factory)
	}
	for name, factory := range options.providers {
		if err := registry.RegisterProvider(name, factory); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		config:   cfg,
		logger:   options.logger,
		metrics:  metrics,
		registry: registry,
		tracker:  NewTracker(registry, options.store, options.logger),
		closers:  options.closers,
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Watch.Enabled {
		h.bundleWatcher = NewBundleWatcher(cfg.PluginsDir, registryConfig.BundleExtension, cfg.Watch.Debounce, options.logger, h.rescan)
		if options.configPath != "" {
			h.configWatcher = NewConfigWatcher(options.configPath, cfg.Watch.ConfigPollInterval, options.logger, h.applyConfig)
		}
	}
	return h, nil
}

// Registry returns the host registry.
func (h *Host) Registry() *Registry { return h.registry }

// Tracker returns the record-aware lifecycle tracker.
func (h *Host) Tracker() *Tracker { return h.tracker }

// Metrics returns the host metrics, nil when disabled.
func (h *Host) Metrics() *Metrics { return h.metrics }

// Config returns the configuration the host was built with.
func (h *Host) Config() HostConfig { return h.config }

// HealthHandler serves /live and /ready for the host registry.
func (h *Host) HealthHandler() http.Handler { return NewHealthHandler(h.registry) }

// Start scans for modules, restores recorded installs and starts watching.
func (h *Host) Start(ctx context.Context) error {
	if err := h.registry.Scan(ctx); err != nil {
		return err
	}
	if err := h.tracker.Boot(ctx); err != nil {
		h.logger.Warn("Some recorded plugins failed to boot", "error", err)
	}

	if h.bundleWatcher != nil {
		if err := h.bundleWatcher.Start(); err != nil {
			return err
		}
	}
	if h.configWatcher != nil {
		if err := h.configWatcher.Start(); err != nil {
			if h.bundleWatcher != nil {
				_ = h.bundleWatcher.Stop()
			}
			return err
		}
	}

	h.logger.Info("Plugin host started", "plugins", h.registry.Len())
	return nil
}

// rescan runs from the bundle watcher. Recorded plugins that appear in the
// new scan are restored like at startup.
func (h *Host) rescan() {
	if err := h.registry.Scan(h.ctx); err != nil {
		h.logger.Error("Plugin rescan failed", "error", err)
		return
	}
	if err := h.tracker.Boot(h.ctx); err != nil {
		h.logger.Warn("Some recorded plugins failed to boot after rescan", "error", err)
	}
}

// applyConfig applies the reloadable parts of a new configuration.
func (h *Host) applyConfig(cfg HostConfig) {
	h.registry.SetDisabled(cfg.Disabled)
	h.logger.Info("Applied configuration change", "disabled", len(cfg.Disabled))
	h.rescan()
}

// Close stops watching, stops every plugin, releases every bundle and closes
// registered collaborators.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	h.closeOnce.Do(func() {
		if h.configWatcher != nil {
			if err := h.configWatcher.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if h.bundleWatcher != nil {
			if err := h.bundleWatcher.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		h.cancel()

		if err := h.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		for i := len(h.closers) - 1; i >= 0; i-- {
			if err := h.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		h.logger.Info("Plugin host stopped")
	})
	return stderrors.Join(errs...)
}
