// Package pluginhost discovers extension modules, drives them through an
// explicit lifecycle and coordinates the side effects tied to it: file
// deployment, database schema installation and version migrations.
//
// Key Features:
//   - Atomic lifecycle state machine (available, initialized, installed, started)
//   - Named conditions gating every transition
//   - Ordered, version-tagged migrations
//   - Pluggable installer chain with a built-in file installer
//   - Registry with bundle hashing, deduplication and hot replacement
//   - Per-bundle isolation contexts released on unload
//   - Persistent install records (memory, SQL, Redis) restored at boot
//   - Structured logging, Prometheus metrics and OpenTelemetry spans
//
// Basic Usage:
//
//	type Demo struct{ pluginhost.BaseModule }
//
//	func (Demo) Info() pluginhost.ModuleInfo {
//		return pluginhost.ModuleInfo{Name: "demo", Version: 2}
//	}
//
//	func (Demo) Setup(env *pluginhost.SetupEnv) error {
//		env.Files.AddFile("demo.yaml", "demo.yaml")
//		env.Migrations.AddFunc("add index", 2, migrateIndex)
//		return nil
//	}
//
//	registry := pluginhost.NewRegistry(pluginhost.RegistryConfig{PluginsDir: "plugins"})
//	registry.Register(func() pluginhost.Module { return Demo{} })
//	if err := registry.Scan(ctx); err != nil {
//		log.Fatal(err)
//	}
//	registry.StartAll(ctx)
//
// Bundles:
// A bundle is a zip archive in the plugins directory carrying a plugin.yaml
// descriptor at its root. The descriptor lists the module names it provides;
// each name resolves either to a provider registered with RegisterProvider
// or, when the descriptor names a library, to a symbol of a Go plugin
// shipped inside the bundle. Everything else in the archive is the module's
// resource tree read by the file installer.
//
// Lifecycle:
// Every verb checks the expected state, swaps it atomically and only then
// runs its side effects. A failing side effect leaves the state advanced and
// returns the error.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginhost
