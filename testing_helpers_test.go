// testing_helpers_test.go: shared modules, bundles and registries for tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// hookModule records every hook call and can be told to fail any of them.
type hookModule struct {
	BaseModule

	info  ModuleInfo
	setup func(env *SetupEnv) error

	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
	changes [][2]PluginState
}

func newHookModule(name string, version int) *hookModule {
	return &hookModule{
		info:   ModuleInfo{Name: name, Version: version},
		failOn: make(map[string]error),
	}
}

func (m *hookModule) withSetup(setup func(env *SetupEnv) error) *hookModule {
	m.setup = setup
	return m
}

func (m *hookModule) fail(hook string, err error) *hookModule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[hook] = err
	return m
}

func (m *hookModule) record(hook string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, hook)
	return m.failOn[hook]
}

func (m *hookModule) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *hookModule) Changes() [][2]PluginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]PluginState(nil), m.changes...)
}

func (m *hookModule) Info() ModuleInfo { return m.info }

func (m *hookModule) Setup(env *SetupEnv) error {
	if err := m.record("setup"); err != nil {
		return err
	}
	if m.setup != nil {
		return m.setup(env)
	}
	return nil
}

func (m *hookModule) OnInstall(context.Context) error   { return m.record("install") }
func (m *hookModule) OnUninstall(context.Context) error { return m.record("uninstall") }
func (m *hookModule) OnStart(context.Context) error     { return m.record("start") }
func (m *hookModule) OnStop(context.Context) error      { return m.record("stop") }
func (m *hookModule) OnReload(context.Context) error    { return m.record("reload") }

func (m *hookModule) OnMigrate(context.Context, int, int) error { return m.record("migrate") }

func (m *hookModule) OnStateChanged(oldState, newState PluginState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, [2]PluginState{oldState, newState})
}

// moduleFactory returns a factory building a fresh hookModule per call and
// remembers the last instance it built.
type moduleFactory struct {
	name    string
	version int

	mu   sync.Mutex
	last *hookModule
}

func (f *moduleFactory) New() Module {
	m := newHookModule(f.name, f.version)
	f.mu.Lock()
	f.last = m
	f.mu.Unlock()
	return m
}

func (f *moduleFactory) Last() *hookModule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// writeBundle writes a zip bundle with a plugin.yaml descriptor and extra files.
func writeBundle(t *testing.T, dir, file, manifest string, files map[string]string) string {
	t.Helper()
	bundlePath := filepath.Join(dir, file)

	out, err := os.Create(bundlePath)
	if err != nil {
		t.Fatalf("Failed to create bundle: %v", err)
	}
	zw := zip.NewWriter(out)

	write := func(name, content string) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to add %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if manifest != "" {
		write("plugin.yaml", manifest)
	}
	for name, content := range files {
		write(name, content)
	}

	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to finalize bundle: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Failed to close bundle: %v", err)
	}
	return bundlePath
}

// newTestPlugin builds a plugin with a private data root.
func newTestPlugin(t *testing.T, module Module, opts ...PluginOption) *Plugin {
	t.Helper()
	base := []PluginOption{WithDataRoot(t.TempDir())}
	return NewPlugin(module, append(base, opts...)...)
}

// newTestRegistry builds a registry over fresh temporary directories.
func newTestRegistry(t *testing.T, configure func(*RegistryConfig)) (*Registry, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	config := RegistryConfig{
		PluginsDir: t.TempDir(),
		DataRoot:   t.TempDir(),
		Logger:     logger,
	}
	if configure != nil {
		configure(&config)
	}
	registry := NewRegistry(config)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry, logger
}
