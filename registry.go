// registry.go: Module discovery, deduplication, hot replacement and bulk lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/trace"
)

// Registry defaults
const (
	DefaultPluginsDir      = "plugins"
	DefaultBundleExtension = ".zip"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// PluginsDir is scanned for bundles ending in BundleExtension.
	PluginsDir      string
	BundleExtension string

	// DataRoot is the parent of every plugin data directory.
	DataRoot string

	// EvictMissing unloads bundle-backed plugins that no scan candidate
	// provides anymore, typically because their bundle was deleted.
	EvictMissing bool

	// HashWorkers bounds the bundle hashing pool.
	HashWorkers int

	// Disabled lists module names skipped by Scan.
	Disabled []string

	// Resources is the resource file system of embedded modules.
	Resources fs.FS

	Loader     BundleLoader
	Native     NativeResolver
	Installers []InstallerProvider

	Logger  Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

func setRegistryDefaults(config *RegistryConfig) {
	if config.PluginsDir == "" {
		config.PluginsDir = DefaultPluginsDir
	}
	if config.BundleExtension == "" {
		config.BundleExtension = DefaultBundleExtension
	}
	if !strings.HasPrefix(config.BundleExtension, ".") {
		config.BundleExtension = "." + config.BundleExtension
	}
	if config.DataRoot == "" {
		config.DataRoot = DefaultDataRoot
	}
	if config.HashWorkers <= 0 {
		config.HashWorkers = DefaultHashWorkers
	}
	if config.Loader == nil {
		config.Loader = ZipLoader{}
	}
	if config.Native == nil {
		config.Native = GoPluginResolver{}
	}
	if config.Logger == nil {
		config.Logger = DefaultLogger()
	}
	if config.Tracer == nil {
		config.Tracer = NoopTracer()
	}
}

// Registry discovers modules and owns the resulting plugins.
//
// Plugins are indexed by lowercased name and content hash; at most one plugin
// per name is registered at a time. Scans are serialized. Accessors return
// snapshots and locks are never held while lifecycle hooks run.
type Registry struct {
	config RegistryConfig
	logger Logger

	mu       sync.RWMutex
	plugins  map[string]map[string]*Plugin
	contexts map[*Plugin]*IsolationContext

	factoryMu sync.RWMutex
	embedded  []*embeddedModule
	providers map[string]ModuleFactory
	disabled  map[string]struct{}

	scanMu     sync.Mutex
	lastErrors cmap.ConcurrentMap[string, error]
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	setRegistryDefaults(&config)

	r := &Registry{
		config:     config,
		logger:     config.Logger,
		plugins:    make(map[string]map[string]*Plugin),
		contexts:   make(map[*Plugin]*IsolationContext),
		providers:  make(map[string]ModuleFactory),
		disabled:   make(map[string]struct{}),
		lastErrors: cmap.New[error](),
	}
	r.SetDisabled(config.Disabled)
	return r
}

// Register adds a module compiled into the host. Embedded modules take
// precedence over bundles providing the same name.
func (r *Registry) Register(factory ModuleFactory) {
	r.factoryMu.Lock()
	defer r.factoryMu.Unlock()
	r.embedded = append(r.embedded, &embeddedModule{factory: factory})
}

// embeddedModule is a registered factory and the module name it produced on
// its first call. name is only touched while scanMu is held.
type embeddedModule struct {
	factory ModuleFactory
	name    string
}

// RegisterProvider declares a named implementation that bundle descriptors
// may reference from their provides list.
func (r *Registry) RegisterProvider(name string, factory ModuleFactory) error {
	key := strings.ToLower(name)

	r.factoryMu.Lock()
	defer r.factoryMu.Unlock()
	if _, exists := r.providers[key]; exists {
		return NewDuplicateProviderError(name)
	}
	r.providers[key] = factory
	r.logger.Debug("Registered module provider", "provider", name)
	return nil
}

// SetDisabled replaces the set of disabled module names. It takes effect on
// the next Scan.
func (r *Registry) SetDisabled(names []string) {
	disabled := make(map[string]struct{}, len(names))
	for _, name := range names {
		disabled[strings.ToLower(name)] = struct{}{}
	}
	r.factoryMu.Lock()
	r.disabled = disabled
	r.factoryMu.Unlock()
}

func (r *Registry) isDisabled(name string) bool {
	r.factoryMu.RLock()
	defer r.factoryMu.RUnlock()
	_, ok := r.disabled[strings.ToLower(name)]
	return ok
}

// candidate is one module offered by a scan source.
type candidate struct {
	name      string
	hash      string
	origin    string
	module    Module
	factory   ModuleFactory
	resources fs.FS
	isolation *IsolationContext
}

func (c *candidate) release(logger Logger) {
	if c.isolation == nil {
		return
	}
	if err := c.isolation.Release(); err != nil {
		logger.Warn("Failed to release discarded bundle", "bundle", c.origin, "module", c.name, "error", err)
	}
}

func (c *candidate) instantiate() Module {
	if c.module != nil {
		return c.module
	}
	return c.factory()
}

// Scan discovers modules and reconciles them with the registered plugins.
//
// Unchanged modules (same name and hash) are left alone. A module whose
// bundle hash changed is hot-replaced: the old instance is stopped and
// released, the new one is initialized and brought back to the old state.
// Bundles that cannot be read are logged and skipped.
func (r *Registry) Scan(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	started := time.Now()
	defer func() { r.config.Metrics.observeScan(time.Since(started), err) }()

	before := r.Len()

	embedded := r.embeddedCandidates()
	bundles, err := r.bundleCandidates(ctx)
	if err != nil {
		return err
	}

	candidates := mergeCandidates(embedded, bundles, r.logger)
	offered := make(map[string]struct{}, len(candidates))
	reloaded := 0

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			for _, rest := range candidates[i:] {
				rest.release(r.logger)
			}
			return err
		}
		if r.isDisabled(c.name) {
			r.logger.Debug("Skipping disabled module", "module", c.name)
			c.release(r.logger)
			continue
		}
		offered[strings.ToLower(c.name)] = struct{}{}
		if r.apply(ctx, c) {
			reloaded++
		}
	}

	r.unloadStale(ctx, offered)

	after := r.Len()
	r.config.Metrics.setRegistered(after)
	r.logger.Info("Discovered plugins", "before", before, "after", after)
	if reloaded > 0 {
		r.logger.Info("Reloaded plugins", "count", reloaded)
	}
	return nil
}

func (r *Registry) embeddedCandidates() []*candidate {
	r.factoryMu.RLock()
	entries := make([]*embeddedModule, len(r.embedded))
	copy(entries, r.embedded)
	r.factoryMu.RUnlock()

	out := make([]*candidate, 0, len(entries))
	for _, entry := range entries {
		c := &candidate{
			name:      entry.name,
			hash:      EmbeddedHash,
			factory:   entry.factory,
			resources: r.config.Resources,
		}
		// Once the name is known, apply instantiates only when nothing is
		// registered under it.
		if entry.name == "" {
			c.module = entry.factory()
			c.name = c.module.Info().Name
			entry.name = c.name
		}
		c.isolation = NewIsolationContext("", EmbeddedHash, r.config.Resources)
		out = append(out, c)
	}
	return out
}

// bundleCandidates lists, hashes and opens every bundle in PluginsDir.
// A missing directory yields no candidates.
func (r *Registry) bundleCandidates(ctx context.Context) ([]*candidate, error) {
	entries, err := os.ReadDir(r.config.PluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("Plugins directory does not exist", "path", r.config.PluginsDir)
			return nil, nil
		}
		return nil, NewDiscoveryError("failed to list plugins directory", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), r.config.BundleExtension) {
			continue
		}
		paths = append(paths, filepath.Join(r.config.PluginsDir, entry.Name()))
	}
	sort.Strings(paths)

	hashes, err := hashBundles(ctx, paths, r.config.HashWorkers)
	if err != nil {
		return nil, NewDiscoveryError("failed to start hashing pool", err)
	}

	var out []*candidate
	for _, hashed := range hashes {
		if hashed.err != nil {
			r.logger.Warn("Failed to hash plugin bundle", "bundle", hashed.path, "error", hashed.err)
			continue
		}
		out = append(out, r.openBundle(ctx, hashed.path, hashed.hash)...)
	}
	return out, nil
}

// openBundle returns one candidate per module the bundle provides. Each
// candidate owns its own isolation context.
func (r *Registry) openBundle(ctx context.Context, bundlePath, hash string) []*candidate {
	isolation, manifest, err := r.config.Loader.Open(ctx, bundlePath, hash)
	if err != nil {
		r.logger.Warn("Failed to open plugin bundle", "bundle", bundlePath, "error", err)
		return nil
	}

	var out []*candidate
	for i, name := range manifest.Provides {
		if i > 0 {
			isolation, manifest, err = r.config.Loader.Open(ctx, bundlePath, hash)
			if err != nil {
				r.logger.Warn("Failed to reopen plugin bundle", "bundle", bundlePath, "module", name, "error", err)
				continue
			}
		}

		factory, err := r.resolveFactory(name, manifest, bundlePath)
		if err != nil {
			r.logger.Warn("Failed to resolve bundled module", "bundle", bundlePath, "module", name, "error", err)
			_ = isolation.Release()
			continue
		}
		out = append(out, &candidate{
			name:      name,
			hash:      hash,
			origin:    bundlePath,
			factory:   factory,
			resources: isolation.Resources,
			isolation: isolation,
		})
	}
	return out
}

func (r *Registry) resolveFactory(name string, manifest *BundleManifest, bundlePath string) (ModuleFactory, error) {
	if manifest.Library != "" {
		return r.config.Native.Resolve(manifest.LibraryPath, manifest.Symbol)
	}
	r.factoryMu.RLock()
	factory, ok := r.providers[strings.ToLower(name)]
	r.factoryMu.RUnlock()
	if !ok {
		return nil, NewProviderMissingError(name, bundlePath)
	}
	return factory, nil
}

// mergeCandidates puts embedded modules first and drops bundle candidates
// whose name is already taken, either by an embedded module or by an earlier
// bundle in path order.
func mergeCandidates(embedded, bundles []*candidate, logger Logger) []*candidate {
	taken := make(map[string]struct{}, len(embedded)+len(bundles))
	out := make([]*candidate, 0, len(embedded)+len(bundles))

	for _, c := range embedded {
		key := strings.ToLower(c.name)
		if _, dup := taken[key]; dup {
			logger.Warn("Ignoring duplicate embedded module", "module", c.name)
			c.release(logger)
			continue
		}
		taken[key] = struct{}{}
		out = append(out, c)
	}
	for _, c := range bundles {
		key := strings.ToLower(c.name)
		if _, dup := taken[key]; dup {
			logger.Info("Discarding bundled module shadowed by another source", "module", c.name, "bundle", c.origin)
			c.release(logger)
			continue
		}
		taken[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// apply reconciles one candidate. It reports whether a hot replacement happened.
func (r *Registry) apply(ctx context.Context, c *candidate) bool {
	existing := r.byName(c.name)
	if existing != nil && existing.Hash() == c.hash {
		c.release(r.logger)
		return false
	}

	module := c.instantiate()
	if !strings.EqualFold(module.Info().Name, c.name) {
		r.logger.Warn("Module name does not match its declaration",
			"declared", c.name, "actual", module.Info().Name, "bundle", c.origin)
		c.release(r.logger)
		return false
	}

	p := r.newPlugin(module, c)
	if existing == nil {
		r.initPlugin(ctx, p)
		r.add(p, c.isolation)
		r.logger.Debug("Registered plugin", "plugin", p.Name(), "hash", p.Hash())
		return false
	}

	r.hotReplace(ctx, existing, p, c.isolation)
	return true
}

func (r *Registry) newPlugin(module Module, c *candidate) *Plugin {
	return NewPlugin(module,
		WithOrigin(c.origin, c.hash),
		WithResources(c.resources),
		WithDataRoot(r.config.DataRoot),
		WithPluginLogger(r.logger),
		WithInstallers(r.config.Installers...),
		WithPluginMetrics(r.config.Metrics),
		WithPluginTracer(r.config.Tracer),
	)
}

func (r *Registry) initPlugin(ctx context.Context, p *Plugin) {
	if err := p.Init(ctx); err != nil {
		err = NewInitFailedError(p.Name(), err)
		r.lastErrors.Set(p.Name(), err)
		r.logger.Error("Failed to initialize plugin", "plugin", p.Name(), "error", err)
	}
}

func (r *Registry) hotReplace(ctx context.Context, old, replacement *Plugin, isolation *IsolationContext) {
	previous := old.State()
	r.logger.Info("Replacing changed plugin",
		"plugin", old.Name(),
		"old_hash", old.Hash(),
		"new_hash", replacement.Hash(),
		"state", previous.String())

	if previous == StateStarted {
		if err := old.Stop(ctx); err != nil {
			r.logger.Warn("Failed to stop replaced plugin", "plugin", old.Name(), "error", err)
		}
	}
	if err := r.remove(old); err != nil {
		r.logger.Warn("Failed to release replaced plugin", "plugin", old.Name(), "error", err)
	}

	r.initPlugin(ctx, replacement)
	r.add(replacement, isolation)
	r.config.Metrics.observeHotReplace(replacement.Name())

	if previous == StateInstalled || previous == StateStarted {
		replacement.SetState(StateInitialized, StateInstalled)
	}
	if previous == StateStarted {
		if err := replacement.Start(ctx); err != nil {
			r.lastErrors.Set(replacement.Name(), err)
			r.logger.Warn("Failed to start replacement plugin", "plugin", replacement.Name(), "error", err)
		}
	}
}

// unloadStale unloads disabled plugins and, with EvictMissing, bundle-backed
// plugins no candidate offered.
func (r *Registry) unloadStale(ctx context.Context, offered map[string]struct{}) {
	for _, p := range r.AvailablePlugins() {
		_, stillOffered := offered[strings.ToLower(p.Name())]
		evict := r.isDisabled(p.Name()) || (r.config.EvictMissing && !p.Embedded() && !stillOffered)
		if !evict {
			continue
		}
		r.logger.Info("Unloading plugin", "plugin", p.Name(), "origin", p.Origin())
		if err := r.Unload(ctx, p); err != nil {
			r.logger.Warn("Failed to unload plugin", "plugin", p.Name(), "error", err)
		}
	}
}

func (r *Registry) byName(name string) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins[strings.ToLower(name)] {
		return p
	}
	return nil
}

func (r *Registry) add(p *Plugin, isolation *IsolationContext) {
	key := strings.ToLower(p.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	byHash, ok := r.plugins[key]
	if !ok {
		byHash = make(map[string]*Plugin)
		r.plugins[key] = byHash
	}
	byHash[p.Hash()] = p
	if isolation != nil {
		r.contexts[p] = isolation
	}
}

// remove drops p from the maps and releases its isolation context.
func (r *Registry) remove(p *Plugin) error {
	key := strings.ToLower(p.Name())

	r.mu.Lock()
	byHash, ok := r.plugins[key]
	if !ok || byHash[p.Hash()] != p {
		r.mu.Unlock()
		return NewPluginNotFoundError(p.Name())
	}
	delete(byHash, p.Hash())
	if len(byHash) == 0 {
		delete(r.plugins, key)
	}
	isolation := r.contexts[p]
	delete(r.contexts, p)
	r.mu.Unlock()

	if isolation != nil {
		if err := isolation.Release(); err != nil {
			return NewContextReleaseError(p.Name(), err)
		}
	}
	return nil
}

// Unload stops p if it is running, removes it and releases its context.
func (r *Registry) Unload(ctx context.Context, p *Plugin) error {
	if !r.contains(p) {
		return NewPluginNotFoundError(p.Name())
	}

	var errs []error
	if p.State() == StateStarted {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.remove(p); err != nil {
		errs = append(errs, err)
	}
	r.lastErrors.Remove(p.Name())
	r.config.Metrics.setRegistered(r.Len())
	return stderrors.Join(errs...)
}

func (r *Registry) contains(p *Plugin) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plugins[strings.ToLower(p.Name())][p.Hash()] == p
}

// StartAll moves every INITIALIZED plugin to INSTALLED and starts it. Plugins
// already INSTALLED, such as stopped ones, are left alone. Failures are logged
// and remembered; the loop continues.
func (r *Registry) StartAll(ctx context.Context) {
	r.startPlugins(ctx, r.AvailablePlugins())
}

func (r *Registry) startPlugins(ctx context.Context, plugins []*Plugin) {
	for _, p := range plugins {
		if !p.SetState(StateInitialized, StateInstalled) {
			continue
		}
		r.startPlugin(ctx, p)
	}
}

func (r *Registry) startPlugin(ctx context.Context, p *Plugin) {
	if err := p.Start(ctx); err != nil {
		r.lastErrors.Set(p.Name(), err)
		r.logger.Warn("Failed to start plugin", "plugin", p.Name(), "error", err)
		return
	}
	r.lastErrors.Remove(p.Name())
}

// StopAll stops every STARTED plugin. Failures are logged and remembered.
func (r *Registry) StopAll(ctx context.Context) {
	r.stopPlugins(ctx, r.AvailablePlugins())
}

func (r *Registry) stopPlugins(ctx context.Context, plugins []*Plugin) {
	for _, p := range plugins {
		if p.State() != StateStarted {
			continue
		}
		if err := p.Stop(ctx); err != nil {
			r.lastErrors.Set(p.Name(), err)
			r.logger.Warn("Failed to stop plugin", "plugin", p.Name(), "error", err)
		}
	}
}

// AvailablePlugins returns every registered plugin ordered by priority
// (highest first), then lowercased name, then hash.
func (r *Registry) AvailablePlugins() []*Plugin {
	r.mu.RLock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, byHash := range r.plugins {
		for _, p := range byHash {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sortPlugins(out)
	return out
}

func sortPlugins(plugins []*Plugin) {
	sort.SliceStable(plugins, func(i, j int) bool {
		a, b := plugins[i], plugins[j]
		if a.Info().Priority != b.Info().Priority {
			return a.Info().Priority > b.Info().Priority
		}
		return identityKey(a.Name(), a.Hash()) < identityKey(b.Name(), b.Hash())
	})
}

// AvailablePlugin looks a plugin up by case-insensitive name.
func (r *Registry) AvailablePlugin(name string) (*Plugin, bool) {
	p := r.byName(name)
	return p, p != nil
}

// AllPlugins returns a copy of the name -> hash -> plugin index. Names are lowercased.
func (r *Registry) AllPlugins() map[string]map[string]*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]*Plugin, len(r.plugins))
	for name, byHash := range r.plugins {
		inner := make(map[string]*Plugin, len(byHash))
		for hash, p := range byHash {
			inner[hash] = p
		}
		out[name] = inner
	}
	return out
}

// Context returns the isolation context of a plugin. Embedded plugins get a
// context without closers.
func (r *Registry) Context(p *Plugin) (*IsolationContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	isolation, ok := r.contexts[p]
	return isolation, ok
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, byHash := range r.plugins {
		count += len(byHash)
	}
	return count
}

// LastErrors returns the most recent initialization or bulk start/stop
// failure of each plugin that has one.
func (r *Registry) LastErrors() map[string]error {
	return r.lastErrors.Items()
}

// Close stops every plugin and releases every isolation context. The
// registry is empty afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	r.StopAll(ctx)

	var errs []error
	for _, p := range r.AvailablePlugins() {
		if err := r.remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	r.config.Metrics.setRegistered(0)
	return stderrors.Join(errs...)
}
