// registry_test.go: tests for discovery, deduplication and hot replacement
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const greeterManifest = "provides:\n  - greeter\n"

type RegistrySuite struct {
	suite.Suite

	ctx      context.Context
	dir      string
	registry *Registry
	logger   *TestLogger
	greeter  *moduleFactory
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.greeter = &moduleFactory{name: "greeter", version: 1}
	s.newRegistry(nil)
}

func (s *RegistrySuite) TearDownTest() {
	s.NoError(s.registry.Close(s.ctx))
}

func (s *RegistrySuite) newRegistry(configure func(*RegistryConfig)) {
	if s.registry != nil {
		_ = s.registry.Close(s.ctx)
	}
	s.dir = s.T().TempDir()
	s.logger = NewTestLogger()
	config := RegistryConfig{
		PluginsDir: s.dir,
		DataRoot:   s.T().TempDir(),
		Logger:     s.logger,
	}
	if configure != nil {
		configure(&config)
	}
	s.registry = NewRegistry(config)
	s.Require().NoError(s.registry.RegisterProvider("greeter", s.greeter.New))
}

func (s *RegistrySuite) writeGreeter(extra string) string {
	return writeBundle(s.T(), s.dir, "greeter.zip", greeterManifest, map[string]string{
		"greeting.txt": "hello" + extra,
	})
}

func (s *RegistrySuite) greeterPlugin() *Plugin {
	p, ok := s.registry.AvailablePlugin("greeter")
	s.Require().True(ok, "greeter should be registered")
	return p
}

func (s *RegistrySuite) TestScanRegistersBundle() {
	bundlePath := s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))

	p := s.greeterPlugin()
	hash, err := HashFile(bundlePath)
	s.Require().NoError(err)

	s.Equal(hash, p.Hash())
	s.Equal(bundlePath, p.Origin())
	s.False(p.Embedded())
	s.Equal(StateInitialized, p.State())

	isolation, ok := s.registry.Context(p)
	s.Require().True(ok)
	s.Equal(hash, isolation.Hash)
	s.NotEmpty(isolation.ID)

	data, err := fs.ReadFile(p.Resources(), "greeting.txt")
	s.Require().NoError(err)
	s.Equal("hello", string(data))
}

func (s *RegistrySuite) TestUnchangedRescanKeepsInstance() {
	s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	first := s.greeterPlugin()
	firstContext, _ := s.registry.Context(first)

	s.Require().NoError(s.registry.Scan(s.ctx))
	second := s.greeterPlugin()

	s.Same(first, second)
	s.Equal(1, s.registry.Len())
	s.False(firstContext.Released())
	s.Same(first.Module(), Module(s.greeter.Last()), "an unchanged bundle is not instantiated again")
}

func (s *RegistrySuite) TestChangedBundleHotReplacesStartedPlugin() {
	s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	s.registry.StartAll(s.ctx)

	old := s.greeterPlugin()
	oldModule := old.Module().(*hookModule)
	oldContext, _ := s.registry.Context(old)
	s.Require().Equal(StateStarted, old.State())

	s.writeGreeter(", again")
	s.Require().NoError(s.registry.Scan(s.ctx))

	replacement := s.greeterPlugin()
	s.NotSame(old, replacement)
	s.NotEqual(old.Hash(), replacement.Hash())
	s.Equal(StateStarted, replacement.State())
	s.Equal(1, s.registry.Len())

	s.Contains(oldModule.Calls(), "stop")
	s.True(oldContext.Released())
	s.Equal([]string{"setup", "start"}, replacement.Module().(*hookModule).Calls())
	s.True(s.logger.HasMessage("INFO", "Reloaded plugins"))

	data, err := fs.ReadFile(replacement.Resources(), "greeting.txt")
	s.Require().NoError(err)
	s.Equal("hello, again", string(data))
}

func (s *RegistrySuite) TestChangedBundleKeepsInstalledState() {
	s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	s.Require().NoError(s.greeterPlugin().Install(s.ctx))

	s.writeGreeter("!")
	s.Require().NoError(s.registry.Scan(s.ctx))

	replacement := s.greeterPlugin()
	s.Equal(StateInstalled, replacement.State())
	s.NotContains(replacement.Module().(*hookModule).Calls(), "install")
}

func (s *RegistrySuite) TestEmbeddedShadowsBundle() {
	embedded := newHookModule("Greeter", 1)
	s.registry.Register(func() Module { return embedded })
	s.writeGreeter("")

	s.Require().NoError(s.registry.Scan(s.ctx))

	p := s.greeterPlugin()
	s.True(p.Embedded())
	s.Same(Module(embedded), p.Module())
	s.Equal(1, s.registry.Len())
	isolation, hasContext := s.registry.Context(p)
	s.Require().True(hasContext)
	s.Equal(EmbeddedHash, isolation.Hash)
	s.Empty(isolation.Origin)
	s.NotEmpty(isolation.ID)
}

func (s *RegistrySuite) TestStartAllLeavesStoppedPluginInstalled() {
	s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	p := s.greeterPlugin()
	s.Require().NoError(p.Install(s.ctx))
	s.Require().NoError(p.Start(s.ctx))
	s.Require().NoError(p.Stop(s.ctx))

	s.registry.StartAll(s.ctx)

	s.Equal(StateInstalled, p.State())
	s.Equal([]string{"setup", "install", "start", "stop"}, p.Module().(*hookModule).Calls())
}

func (s *RegistrySuite) TestBrokenBundlesAreSkipped() {
	s.writeGreeter("")
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, "garbage.zip"), []byte("not a zip"), 0o644))
	writeBundle(s.T(), s.dir, "nomanifest.zip", "", map[string]string{"a.txt": "a"})
	writeBundle(s.T(), s.dir, "unknown.zip", "provides: [mystery]\n", nil)
	writeBundle(s.T(), s.dir, "badname.zip", "provides: [\"../evil\"]\n", nil)
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("ignored"), 0o644))

	s.Require().NoError(s.registry.Scan(s.ctx))

	s.Equal(1, s.registry.Len())
	s.greeterPlugin()
	s.True(s.logger.HasMessage("WARN", "Failed to open plugin bundle"))
	s.True(s.logger.HasMessage("WARN", "Failed to resolve bundled module"))
}

func (s *RegistrySuite) TestDeclaredNameMustMatchModule() {
	s.Require().NoError(s.registry.RegisterProvider("liar", func() Module { return newHookModule("honest", 1) }))
	writeBundle(s.T(), s.dir, "liar.zip", "provides: [liar]\n", nil)

	s.Require().NoError(s.registry.Scan(s.ctx))

	s.Equal(0, s.registry.Len())
	s.True(s.logger.HasMessage("WARN", "Module name does not match"))
}

func (s *RegistrySuite) TestBundleProvidingSeveralModules() {
	s.Require().NoError(s.registry.RegisterProvider("mailer", func() Module { return newHookModule("mailer", 1) }))
	writeBundle(s.T(), s.dir, "suite.zip", "provides: [greeter, mailer]\n", map[string]string{"shared.txt": "x"})

	s.Require().NoError(s.registry.Scan(s.ctx))
	s.Require().Equal(2, s.registry.Len())

	greeter := s.greeterPlugin()
	mailer, ok := s.registry.AvailablePlugin("mailer")
	s.Require().True(ok)
	s.Equal(greeter.Hash(), mailer.Hash())

	greeterContext, _ := s.registry.Context(greeter)
	mailerContext, _ := s.registry.Context(mailer)
	s.NotEqual(greeterContext.ID, mailerContext.ID)

	s.Require().NoError(s.registry.Unload(s.ctx, greeter))
	s.True(greeterContext.Released())
	s.False(mailerContext.Released())
}

func (s *RegistrySuite) TestEvictMissing() {
	s.newRegistry(func(c *RegistryConfig) { c.EvictMissing = true })
	bundlePath := s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	s.registry.StartAll(s.ctx)

	p := s.greeterPlugin()
	isolation, _ := s.registry.Context(p)

	s.Require().NoError(os.Remove(bundlePath))
	s.Require().NoError(s.registry.Scan(s.ctx))

	_, ok := s.registry.AvailablePlugin("greeter")
	s.False(ok)
	s.True(isolation.Released())
	s.Equal(StateInstalled, p.State())
}

func (s *RegistrySuite) TestMissingBundleKeptWithoutEviction() {
	bundlePath := s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	s.Require().NoError(os.Remove(bundlePath))
	s.Require().NoError(s.registry.Scan(s.ctx))

	s.greeterPlugin()
}

func (s *RegistrySuite) TestDisabledModules() {
	s.writeGreeter("")
	s.Require().NoError(s.registry.Scan(s.ctx))
	s.greeterPlugin()

	s.registry.SetDisabled([]string{"GREETER"})
	s.Require().NoError(s.registry.Scan(s.ctx))
	_, ok := s.registry.AvailablePlugin("greeter")
	s.False(ok)

	s.registry.SetDisabled(nil)
	s.Require().NoError(s.registry.Scan(s.ctx))
	s.greeterPlugin()
}

func (s *RegistrySuite) TestMissingPluginsDirectory() {
	s.newRegistry(func(c *RegistryConfig) { c.PluginsDir = filepath.Join(c.PluginsDir, "absent") })
	s.NoError(s.registry.Scan(s.ctx))
	s.Equal(0, s.registry.Len())
}

func (s *RegistrySuite) TestCancelledScan() {
	s.writeGreeter("")
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	s.Error(s.registry.Scan(ctx))
	s.Equal(0, s.registry.Len())
}

func (s *RegistrySuite) TestCustomBundleExtension() {
	s.newRegistry(func(c *RegistryConfig) { c.BundleExtension = "plug" })
	writeBundle(s.T(), s.dir, "greeter.plug", greeterManifest, nil)
	s.writeGreeter("")

	s.Require().NoError(s.registry.Scan(s.ctx))
	s.Equal(filepath.Join(s.dir, "greeter.plug"), s.greeterPlugin().Origin())
}

func TestRegistryRegisterProvider(t *testing.T) {
	registry, _ := newTestRegistry(t, nil)
	factory := func() Module { return newHookModule("a", 1) }

	require.NoError(t, registry.RegisterProvider("Alpha", factory))
	err := registry.RegisterProvider("alpha", factory)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeDuplicateProvider))
}

func TestRegistryEmbeddedOrderingAndLookup(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, nil)

	low := newHookModule("zeta", 1)
	high := newHookModule("Beta", 1)
	high.info.Priority = 10
	mid := newHookModule("alpha", 1)

	for _, m := range []*hookModule{low, high, mid} {
		m := m
		registry.Register(func() Module { return m })
	}
	require.NoError(t, registry.Scan(ctx))

	names := make([]string, 0)
	for _, p := range registry.AvailablePlugins() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"Beta", "alpha", "zeta"}, names)

	p, ok := registry.AvailablePlugin("BETA")
	require.True(t, ok)
	assert.Equal(t, "Beta", p.Name())

	all := registry.AllPlugins()
	assert.Contains(t, all, "beta")
	assert.Contains(t, all["beta"], EmbeddedHash)
}

func TestRegistryBulkLifecycle(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, nil)

	good := newHookModule("good", 1)
	bad := newHookModule("bad", 1).fail("start", errors.New("no port"))
	registry.Register(func() Module { return good })
	registry.Register(func() Module { return bad })
	require.NoError(t, registry.Scan(ctx))

	registry.StartAll(ctx)

	goodPlugin, _ := registry.AvailablePlugin("good")
	badPlugin, _ := registry.AvailablePlugin("bad")
	assert.Equal(t, StateStarted, goodPlugin.State())
	assert.Equal(t, StateStarted, badPlugin.State(), "failed start still advances state")

	lastErrors := registry.LastErrors()
	assert.Contains(t, lastErrors, "bad")
	assert.NotContains(t, lastErrors, "good")

	// Already started plugins are skipped.
	registry.StartAll(ctx)
	starts := 0
	for _, call := range good.Calls() {
		if call == "start" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	registry.StopAll(ctx)
	assert.Equal(t, StateInstalled, goodPlugin.State())
	assert.Equal(t, StateInstalled, badPlugin.State())

	// Stopped plugins are not INITIALIZED anymore, so they stay down.
	registry.StartAll(ctx)
	assert.Equal(t, StateInstalled, goodPlugin.State())
	assert.Equal(t, StateInstalled, badPlugin.State())
	assert.Equal(t, []string{"setup", "start", "stop"}, good.Calls())
}

func TestRegistryEmbeddedFactoryRunsOnce(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, nil)

	calls := 0
	registry.Register(func() Module {
		calls++
		return newHookModule("counted", 1)
	})

	require.NoError(t, registry.Scan(ctx))
	first, ok := registry.AvailablePlugin("counted")
	require.True(t, ok)
	firstContext, ok := registry.Context(first)
	require.True(t, ok)

	require.NoError(t, registry.Scan(ctx))
	second, _ := registry.AvailablePlugin("counted")
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls, "an unchanged embedded module is not instantiated again")
	assert.False(t, firstContext.Released())

	// After an unload the next scan builds a fresh instance.
	require.NoError(t, registry.Unload(ctx, first))
	assert.True(t, firstContext.Released())
	require.NoError(t, registry.Scan(ctx))
	third, ok := registry.AvailablePlugin("counted")
	require.True(t, ok)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, calls)
}

func TestRegistryInitFailureRecorded(t *testing.T) {
	ctx := context.Background()
	registry, logger := newTestRegistry(t, nil)
	registry.Register(func() Module { return newHookModule("broken", 1).fail("setup", errors.New("bad")) })

	require.NoError(t, registry.Scan(ctx))

	p, ok := registry.AvailablePlugin("broken")
	require.True(t, ok)
	assert.Equal(t, StateInitialized, p.State())
	assert.True(t, HasCode(registry.LastErrors()["broken"], ErrCodeInitFailed))
	assert.True(t, logger.HasMessage("ERROR", "Failed to initialize plugin"))
}

func TestRegistryUnloadAndClose(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t, nil)
	module := newHookModule("demo", 1)
	registry.Register(func() Module { return module })
	require.NoError(t, registry.Scan(ctx))
	registry.StartAll(ctx)

	p, _ := registry.AvailablePlugin("demo")
	require.NoError(t, registry.Unload(ctx, p))
	assert.Contains(t, module.Calls(), "stop")
	assert.Equal(t, 0, registry.Len())

	err := registry.Unload(ctx, p)
	assert.True(t, HasCode(err, ErrCodePluginNotFound))

	require.NoError(t, registry.Scan(ctx))
	assert.Equal(t, 1, registry.Len())
	require.NoError(t, registry.Close(ctx))
	assert.Equal(t, 0, registry.Len())
}

func TestMergeCandidates(t *testing.T) {
	logger := NewTestLogger()
	releasedContext := NewIsolationContext("b.zip", "h2", nil)

	embedded := []*candidate{{name: "A", hash: EmbeddedHash}, {name: "a", hash: EmbeddedHash}}
	bundles := []*candidate{
		{name: "a", hash: "h2", origin: "b.zip", isolation: releasedContext},
		{name: "b", hash: "h3", origin: "c.zip"},
		{name: "B", hash: "h4", origin: "d.zip"},
	}

	merged := mergeCandidates(embedded, bundles, logger)
	require.Len(t, merged, 2)
	assert.Equal(t, "A", merged[0].name)
	assert.Equal(t, "h3", merged[1].hash)
	assert.True(t, releasedContext.Released())
	assert.True(t, logger.HasMessage("WARN", "Ignoring duplicate embedded module"))
}
