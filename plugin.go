// plugin.go: Plugin wrapper with the state-gated lifecycle verbs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
	"go.opentelemetry.io/otel/trace"
)

// EmbeddedHash is the hash sentinel of modules compiled into the host.
const EmbeddedHash = "embedded"

// DefaultDataRoot is the directory under which plugin data directories live.
const DefaultDataRoot = "config"

// Plugin wraps one Module instance and owns its lifecycle state.
//
// All transitions go through SetState, an atomic compare-and-set. The verbs
// check the expected state, swap it, then run their side effects. When a side
// effect fails the state stays advanced and the error is returned: callers
// decide whether to retry or to move the plugin back with SetState.
type Plugin struct {
	module Module
	info   ModuleInfo

	hash      string
	origin    string
	resources fs.FS
	dataRoot  string

	state          atomic.Int32
	stateChangedAt atomic.Int64

	conditions *ConditionEngine
	files      *FileInstaller
	migrations *MigrationSet
	installers *InstallerChain

	logger    Logger
	metrics   *Metrics
	tracer    trace.Tracer
	providers []InstallerProvider

	observersMu sync.RWMutex
	observers   []func(p *Plugin, oldState, newState PluginState)
}

// PluginOption configures a Plugin at construction.
type PluginOption func(*Plugin)

// WithOrigin records the bundle a plugin was loaded from and its content hash.
func WithOrigin(origin, hash string) PluginOption {
	return func(p *Plugin) {
		p.origin = origin
		p.hash = hash
	}
}

// WithResources sets the file system the FileInstaller reads from.
func WithResources(resources fs.FS) PluginOption {
	return func(p *Plugin) { p.resources = resources }
}

// WithDataRoot overrides DefaultDataRoot.
func WithDataRoot(root string) PluginOption {
	return func(p *Plugin) {
		if root != "" {
			p.dataRoot = root
		}
	}
}

// WithPluginLogger sets the plugin logger.
func WithPluginLogger(logger Logger) PluginOption {
	return func(p *Plugin) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInstallers appends one collaborator installer per provider after the
// FileInstaller.
func WithInstallers(providers ...InstallerProvider) PluginOption {
	return func(p *Plugin) { p.providers = append(p.providers, providers...) }
}

// WithPluginMetrics enables Prometheus instrumentation.
func WithPluginMetrics(metrics *Metrics) PluginOption {
	return func(p *Plugin) { p.metrics = metrics }
}

// WithPluginTracer sets the tracer used for verb spans.
func WithPluginTracer(tracer trace.Tracer) PluginOption {
	return func(p *Plugin) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithStateListener registers a function called after every successful
// state transition.
func WithStateListener(listener func(p *Plugin, oldState, newState PluginState)) PluginOption {
	return func(p *Plugin) { p.observers = append(p.observers, listener) }
}

// NewPlugin wraps module. The plugin starts in StateAvailable.
func NewPlugin(module Module, opts ...PluginOption) *Plugin {
	p := &Plugin{
		module:     module,
		info:       module.Info(),
		hash:       EmbeddedHash,
		dataRoot:   DefaultDataRoot,
		conditions: NewConditionEngine(),
		files:      NewFileInstaller(),
		migrations: NewMigrationSet(),
		logger:     &NoOpLogger{},
		tracer:     NoopTracer(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With("plugin", p.info.Name)
	p.installers = NewInstallerChain(p.files)
	for _, provider := range p.providers {
		if provider == nil {
			continue
		}
		p.installers.Add(provider(p))
	}
	p.stateChangedAt.Store(timecache.CachedTimeNano())
	return p
}

// Identity and accessors

func (p *Plugin) Name() string     { return p.info.Name }
func (p *Plugin) Info() ModuleInfo { return p.info }
func (p *Plugin) Hash() string     { return p.hash }
func (p *Plugin) Origin() string   { return p.origin }
func (p *Plugin) Module() Module   { return p.module }
func (p *Plugin) Resources() fs.FS { return p.resources }

// Key returns the composite identity "name@hash".
func (p *Plugin) Key() string { return p.info.Name + "@" + p.hash }

// Embedded reports whether the module is compiled into the host.
func (p *Plugin) Embedded() bool { return p.hash == EmbeddedHash }

func (p *Plugin) Conditions() *ConditionEngine { return p.conditions }
func (p *Plugin) Files() *FileInstaller        { return p.files }
func (p *Plugin) Migrations() *MigrationSet    { return p.migrations }

// Installers returns a snapshot of the installer chain.
func (p *Plugin) Installers() []Installer { return p.installers.Installers() }

// Logger returns the plugin-scoped logger.
func (p *Plugin) Logger() Logger { return p.logger }

// State returns the current lifecycle state.
func (p *Plugin) State() PluginState {
	return PluginState(p.state.Load())
}

// StateChangedAt returns the time of the last successful transition.
func (p *Plugin) StateChangedAt() time.Time {
	return time.Unix(0, p.stateChangedAt.Load())
}

// SetState atomically moves the plugin from expected to newState. It reports
// whether the swap happened. Observers run only on success.
func (p *Plugin) SetState(expected, newState PluginState) bool {
	if !p.state.CompareAndSwap(int32(expected), int32(newState)) {
		return false
	}
	p.stateChangedAt.Store(timecache.CachedTimeNano())
	p.metrics.observeTransition(p.Name(), expected, newState)

	if observer, ok := p.module.(StateObserver); ok {
		observer.OnStateChanged(expected, newState)
	}

	p.observersMu.RLock()
	listeners := make([]func(*Plugin, PluginState, PluginState), len(p.observers))
	copy(listeners, p.observers)
	p.observersMu.RUnlock()
	for _, listener := range listeners {
		listener(p, expected, newState)
	}
	return true
}

// AddStateListener registers a function called after every successful transition.
func (p *Plugin) AddStateListener(listener func(p *Plugin, oldState, newState PluginState)) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.observers = append(p.observers, listener)
}

// TestConditions evaluates the checks registered for conditionType.
// Hosts use it for ConditionRuntime checks.
func (p *Plugin) TestConditions(conditionType ConditionType) error {
	return p.conditions.Test(conditionType, p)
}

// DataDir returns <dataRoot>/plugins/<name>.
func (p *Plugin) DataDir() string {
	return filepath.Join(p.dataRoot, "plugins", p.Name())
}

// ResolvePath joins parts under DataDir. Paths escaping the data directory
// are rejected.
func (p *Plugin) ResolvePath(parts ...string) (string, error) {
	root := filepath.Clean(p.DataDir())
	elements := make([]string, 0, len(parts)+1)
	elements = append(elements, root)
	for _, part := range parts {
		elements = append(elements, strings.TrimLeft(filepath.FromSlash(part), `/\`))
	}
	resolved := filepath.Join(elements...)

	relative, err := filepath.Rel(root, resolved)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", NewPathTraversalError(p.Name(), filepath.Join(parts...))
	}
	return resolved, nil
}

// Lifecycle verbs

// Init runs Module.Setup once and moves AVAILABLE -> INITIALIZED.
func (p *Plugin) Init(ctx context.Context) (err error) {
	ctx, span := startVerbSpan(ctx, p.tracer, "init", p)
	defer func() { p.finishVerb(span, "init", err) }()

	return p.verifyStateAndRun(ctx, "init", StateAvailable, StateInitialized, func(context.Context) error {
		return p.module.Setup(&SetupEnv{
			Plugin:     p,
			Files:      p.files,
			Migrations: p.migrations,
			Conditions: p.conditions,
			chain:      p.installers,
		})
	})
}

// Install moves INITIALIZED -> INSTALLED, runs every installer and then
// the module's OnInstall hook.
func (p *Plugin) Install(ctx context.Context) error {
	return p.transition(ctx, "install", ConditionInstall, StateInitialized, StateInstalled, func(ctx context.Context) error {
		if err := p.installers.InstallAll(ctx, p); err != nil {
			return err
		}
		return p.module.OnInstall(ctx)
	})
}

// Uninstall moves INSTALLED -> INITIALIZED, runs every installer's
// Uninstall and then the module's OnUninstall hook.
func (p *Plugin) Uninstall(ctx context.Context) error {
	return p.transition(ctx, "uninstall", ConditionUninstall, StateInstalled, StateInitialized, func(ctx context.Context) error {
		if err := p.installers.UninstallAll(ctx, p); err != nil {
			return err
		}
		return p.module.OnUninstall(ctx)
	})
}

// Start moves INSTALLED -> STARTED, repairs missing installed resources and
// calls OnStart.
func (p *Plugin) Start(ctx context.Context) error {
	return p.transition(ctx, "start", ConditionStart, StateInstalled, StateStarted, func(ctx context.Context) error {
		if err := p.installers.RepairAll(ctx, p); err != nil {
			return err
		}
		return p.module.OnStart(ctx)
	})
}

// Stop moves STARTED -> INSTALLED and calls OnStop.
func (p *Plugin) Stop(ctx context.Context) error {
	return p.transition(ctx, "stop", ConditionStop, StateStarted, StateInstalled, func(ctx context.Context) error {
		return p.module.OnStop(ctx)
	})
}

// Migrate applies the migration set from version from to version to and then
// calls OnMigrate. The plugin must be INSTALLED and stays INSTALLED.
func (p *Plugin) Migrate(ctx context.Context, from, to int) error {
	return p.transition(ctx, "migrate", ConditionMigration, StateInstalled, StateInstalled, func(ctx context.Context) error {
		if err := p.migrations.Migrate(ctx, from, to, p); err != nil {
			return err
		}
		return p.module.OnMigrate(ctx, from, to)
	})
}

// Reload calls OnReload after the reload conditions pass. It is not gated on
// any state.
func (p *Plugin) Reload(ctx context.Context) (err error) {
	ctx, span := startVerbSpan(ctx, p.tracer, "reload", p)
	defer func() { p.finishVerb(span, "reload", err) }()

	if err := p.conditions.Test(ConditionReload, p); err != nil {
		return err
	}
	if err := callRecovered(p.logger, p.Name()+".reload", func() error { return p.module.OnReload(ctx) }); err != nil {
		return NewLifecycleActionError(p.Name(), "reload", p.State(), err)
	}
	return nil
}

func (p *Plugin) transition(ctx context.Context, verb string, gate ConditionType, expected, newState PluginState, action func(context.Context) error) (err error) {
	ctx, span := startVerbSpan(ctx, p.tracer, verb, p)
	defer func() { p.finishVerb(span, verb, err) }()

	if err := p.conditions.Test(gate, p); err != nil {
		return err
	}
	return p.verifyStateAndRun(ctx, verb, expected, newState, action)
}

// verifyStateAndRun checks the current state, swaps it, then runs action.
// The swap is not rolled back when action fails.
func (p *Plugin) verifyStateAndRun(ctx context.Context, verb string, expected, newState PluginState, action func(context.Context) error) error {
	current := p.State()
	if current != expected {
		return NewStateMismatchError(p.Name(), verb, expected, current)
	}
	if !p.SetState(expected, newState) {
		return NewStateChangedError(p.Name(), verb, expected, p.State())
	}

	err := callRecovered(p.logger, p.Name()+"."+verb, func() error { return action(ctx) })
	if err != nil {
		return NewLifecycleActionError(p.Name(), verb, newState, err)
	}
	return nil
}

func (p *Plugin) finishVerb(span trace.Span, verb string, err error) {
	if err != nil {
		p.metrics.observeFailure(p.Name(), verb)
		p.logger.Debug("Plugin operation failed", "verb", verb, "state", p.State().String(), "error", err)
	} else {
		p.logger.Debug("Plugin operation completed", "verb", verb, "state", p.State().String())
	}
	endSpan(span, err)
}
