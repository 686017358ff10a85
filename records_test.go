// records_test.go: tests for install records and the lifecycle tracker
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore()
	installedOn := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, Record{Name: "Zeta", Version: 1, InstalledOn: installedOn}))
	require.NoError(t, store.Save(ctx, Record{Name: "alpha", Version: 2, AutoStart: true}))

	found, err := store.Find(ctx, "ZETA")
	require.NoError(t, err)
	assert.Equal(t, "Zeta", found.Name)
	assert.Equal(t, installedOn, found.InstalledOn)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "Zeta", all[1].Name)

	require.NoError(t, store.SetAutoStart(ctx, "zeta", true))
	found, _ = store.Find(ctx, "zeta")
	assert.True(t, found.AutoStart)

	require.NoError(t, store.Delete(ctx, "Alpha"))
	_, err = store.Find(ctx, "alpha")
	assert.True(t, IsRecordNotFound(err))

	assert.True(t, IsRecordNotFound(store.Delete(ctx, "alpha")))
	assert.True(t, IsRecordNotFound(store.SetAutoStart(ctx, "missing", true)))
}

// trackerFixture registers embedded modules, scans once and returns a tracker.
func trackerFixture(t *testing.T, store RecordStore, modules ...*hookModule) (*Tracker, *Registry, *TestLogger) {
	t.Helper()
	registry, logger := newTestRegistry(t, nil)
	for _, m := range modules {
		m := m
		registry.Register(func() Module { return m })
	}
	require.NoError(t, registry.Scan(context.Background()))
	return NewTracker(registry, store, nil), registry, logger
}

func TestTrackerInstallAndUninstall(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore()
	module := newHookModule("Billing", 2)
	tracker, registry, logger := trackerFixture(t, store, module)

	assert.Same(t, RecordStore(store), tracker.Store())
	assert.True(t, HasCode(tracker.Install(ctx, "missing", false), ErrCodePluginNotFound))

	require.NoError(t, tracker.Install(ctx, "billing", true))
	p, _ := registry.AvailablePlugin("billing")
	assert.Equal(t, StateInstalled, p.State())
	assert.True(t, logger.HasMessage("INFO", "Installed plugin"))

	record, err := store.Find(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "Billing", record.Name)
	assert.Equal(t, 2, record.Version)
	assert.True(t, record.AutoStart)
	assert.False(t, record.InstalledOn.IsZero())

	err = tracker.Install(ctx, "BILLING", false)
	assert.True(t, HasCode(err, ErrCodeRecordExists))

	require.NoError(t, p.Start(ctx))
	require.NoError(t, tracker.Uninstall(ctx, "billing"))
	assert.Equal(t, StateInitialized, p.State())
	assert.Equal(t, []string{"setup", "install", "start", "stop", "uninstall"}, module.Calls())

	_, err = store.Find(ctx, "billing")
	assert.True(t, IsRecordNotFound(err))
	assert.True(t, IsRecordNotFound(tracker.Uninstall(ctx, "billing")))
}

func TestTrackerInstallFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore()
	module := newHookModule("billing", 1).withSetup(func(env *SetupEnv) error {
		env.Conditions.AddFunc(ConditionInstall, "license", func(*Plugin) ConditionResult {
			return Fail("no license")
		})
		return nil
	})
	tracker, _, _ := trackerFixture(t, store, module)

	err := tracker.Install(ctx, "billing", false)
	assert.True(t, HasCode(err, ErrCodeConditionFailed))

	all, _ := store.All(ctx)
	assert.Empty(t, all)
}

func TestTrackerBoot(t *testing.T) {
	ctx := context.Background()

	t.Run("migrates_and_auto_starts", func(t *testing.T) {
		var applied []int
		module := newHookModule("billing", 3).withSetup(func(env *SetupEnv) error {
			for _, target := range []int{2, 3} {
				target := target
				env.Migrations.AddFunc("schema", target, func(context.Context, *Plugin) error {
					applied = append(applied, target)
					return nil
				})
			}
			return nil
		})
		store := NewMemoryRecordStore()
		require.NoError(t, store.Save(ctx, Record{Name: "billing", Version: 1, AutoStart: true}))
		tracker, registry, _ := trackerFixture(t, store, module)

		require.NoError(t, tracker.Boot(ctx))

		p, _ := registry.AvailablePlugin("billing")
		assert.Equal(t, StateStarted, p.State())
		assert.Equal(t, []int{2, 3}, applied)
		assert.Equal(t, []string{"setup", "migrate", "start"}, module.Calls(), "installers do not run again")

		record, _ := store.Find(ctx, "billing")
		assert.Equal(t, 3, record.Version)
	})

	t.Run("current_version_without_auto_start", func(t *testing.T) {
		module := newHookModule("billing", 1)
		store := NewMemoryRecordStore()
		require.NoError(t, store.Save(ctx, Record{Name: "billing", Version: 1}))
		tracker, registry, _ := trackerFixture(t, store, module)

		require.NoError(t, tracker.Boot(ctx))
		p, _ := registry.AvailablePlugin("billing")
		assert.Equal(t, StateInstalled, p.State())
		assert.Equal(t, []string{"setup"}, module.Calls())
	})

	t.Run("newer_record_is_left_alone", func(t *testing.T) {
		module := newHookModule("billing", 1)
		store := NewMemoryRecordStore()
		require.NoError(t, store.Save(ctx, Record{Name: "billing", Version: 4, AutoStart: true}))
		tracker, registry, logger := trackerFixture(t, store, module)

		require.NoError(t, tracker.Boot(ctx))
		p, _ := registry.AvailablePlugin("billing")
		assert.Equal(t, StateInstalled, p.State())
		assert.True(t, logger.HasMessage("WARN", "Recorded plugin version is newer than the module"))

		record, _ := store.Find(ctx, "billing")
		assert.Equal(t, 4, record.Version)
	})

	t.Run("missing_plugin_is_skipped", func(t *testing.T) {
		store := NewMemoryRecordStore()
		require.NoError(t, store.Save(ctx, Record{Name: "ghost", Version: 1}))
		tracker, _, logger := trackerFixture(t, store)

		require.NoError(t, tracker.Boot(ctx))
		assert.True(t, logger.HasMessage("WARN", "Recorded plugin is not available"))
	})

	t.Run("failures_are_collected", func(t *testing.T) {
		broken := newHookModule("broken", 2).withSetup(func(env *SetupEnv) error {
			env.Migrations.AddFunc("explode", 2, func(context.Context, *Plugin) error {
				return errors.New("boom")
			})
			return nil
		})
		healthy := newHookModule("healthy", 1)
		store := NewMemoryRecordStore()
		require.NoError(t, store.Save(ctx, Record{Name: "broken", Version: 1, AutoStart: true}))
		require.NoError(t, store.Save(ctx, Record{Name: "healthy", Version: 1, AutoStart: true}))
		tracker, registry, _ := trackerFixture(t, store, broken, healthy)

		err := tracker.Boot(ctx)
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeMigrationStep))

		p, _ := registry.AvailablePlugin("healthy")
		assert.Equal(t, StateStarted, p.State())

		record, _ := store.Find(ctx, "broken")
		assert.Equal(t, 1, record.Version)
	})
}

func TestTrackerBulkLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore()
	recorded := newHookModule("recorded", 1)
	stale := newHookModule("stale", 2)
	unrecorded := newHookModule("unrecorded", 1)
	tracker, registry, _ := trackerFixture(t, store, recorded, stale, unrecorded)

	require.NoError(t, store.Save(ctx, Record{Name: "recorded", Version: 1}))
	require.NoError(t, store.Save(ctx, Record{Name: "stale", Version: 1}))

	installed, err := tracker.InstalledPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "recorded", installed[0].Name())

	require.NoError(t, tracker.StartAll(ctx))
	p, _ := registry.AvailablePlugin("recorded")
	assert.Equal(t, StateStarted, p.State())
	other, _ := registry.AvailablePlugin("unrecorded")
	assert.Equal(t, StateInitialized, other.State())
	outdated, _ := registry.AvailablePlugin("stale")
	assert.Equal(t, StateInitialized, outdated.State())

	require.NoError(t, tracker.StopAll(ctx))
	assert.Equal(t, StateInstalled, p.State())

	require.NoError(t, tracker.StartAll(ctx))
	assert.Equal(t, StateInstalled, p.State(), "a stopped plugin is not started again")
	assert.Equal(t, []string{"setup", "start", "stop"}, recorded.Calls())

	require.NoError(t, tracker.SetAutoStart(ctx, "recorded", true))
	record, _ := store.Find(ctx, "recorded")
	assert.True(t, record.AutoStart)
}

func TestTrackerBootMigratesHotReplacedPlugin(t *testing.T) {
	ctx := context.Background()
	var applied []int
	version := 1
	var last *hookModule
	factory := func() Module {
		m := newHookModule("greeter", version).withSetup(func(env *SetupEnv) error {
			env.Migrations.AddFunc("schema", 2, func(context.Context, *Plugin) error {
				applied = append(applied, 2)
				return nil
			})
			return nil
		})
		last = m
		return m
	}

	registry, _ := newTestRegistry(t, nil)
	require.NoError(t, registry.RegisterProvider("greeter", factory))
	dir := registry.config.PluginsDir
	writeBundle(t, dir, "greeter.zip", greeterManifest, map[string]string{"greeting.txt": "hello"})
	require.NoError(t, registry.Scan(ctx))

	store := NewMemoryRecordStore()
	tracker := NewTracker(registry, store, nil)
	require.NoError(t, tracker.Install(ctx, "greeter", true))
	require.NoError(t, tracker.Boot(ctx))
	p, _ := registry.AvailablePlugin("greeter")
	require.Equal(t, StateStarted, p.State())

	version = 2
	writeBundle(t, dir, "greeter.zip", greeterManifest, map[string]string{"greeting.txt": "hello, v2"})
	require.NoError(t, registry.Scan(ctx))
	replacement, _ := registry.AvailablePlugin("greeter")
	require.NotSame(t, p, replacement)
	require.Equal(t, StateStarted, replacement.State())

	require.NoError(t, tracker.Boot(ctx))

	assert.Equal(t, StateStarted, replacement.State())
	assert.Equal(t, []int{2}, applied)
	assert.Equal(t, []string{"setup", "start", "stop", "migrate", "start"}, last.Calls())

	record, err := store.Find(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Version)

	installed, err := tracker.InstalledPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Same(t, replacement, installed[0])
}
