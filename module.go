// module.go: Extension module contract and setup environment
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
)

// Module is the contract implemented by extension code.
//
// The host never calls these methods directly: a Plugin wraps the module and
// invokes them from its state-gated lifecycle verbs. Setup runs exactly once,
// from Plugin.Init, and is where the module declares its files, migrations,
// conditions and collaborator installer resources.
//
// Embed BaseModule to get no-op implementations of the hooks you do not need:
//
//	type Demo struct{ pluginhost.BaseModule }
//
//	func (Demo) Info() pluginhost.ModuleInfo {
//	    return pluginhost.ModuleInfo{Name: "demo", Version: 1}
//	}
//
//	func (Demo) Setup(env *pluginhost.SetupEnv) error {
//	    env.Files.AddFile("config/demo.yaml", "demo.yaml")
//	    return nil
//	}
type Module interface {
	Info() ModuleInfo
	Setup(env *SetupEnv) error

	OnInstall(ctx context.Context) error
	OnUninstall(ctx context.Context) error
	OnMigrate(ctx context.Context, from, to int) error
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnReload(ctx context.Context) error
}

// ModuleFactory creates a fresh module instance. The Registry calls it once
// per scan candidate.
type ModuleFactory func() Module

// StateObserver is implemented by modules that want to observe their own
// state transitions. OnStateChanged runs synchronously after every
// successful compare-and-set, before the transition's side effects.
type StateObserver interface {
	OnStateChanged(oldState, newState PluginState)
}

// BaseModule provides no-op lifecycle hooks.
type BaseModule struct{}

func (BaseModule) Setup(*SetupEnv) error                     { return nil }
func (BaseModule) OnInstall(context.Context) error           { return nil }
func (BaseModule) OnUninstall(context.Context) error         { return nil }
func (BaseModule) OnMigrate(context.Context, int, int) error { return nil }
func (BaseModule) OnStart(context.Context) error             { return nil }
func (BaseModule) OnStop(context.Context) error              { return nil }
func (BaseModule) OnReload(context.Context) error            { return nil }

// SetupEnv is handed to Module.Setup. It exposes the plugin's own file
// installer, migration set and condition engine, plus the collaborator
// installers configured on the host.
type SetupEnv struct {
	Plugin     *Plugin
	Files      *FileInstaller
	Migrations *MigrationSet
	Conditions *ConditionEngine

	chain *InstallerChain
}

// Installer returns the collaborator installer registered under name.
func (e *SetupEnv) Installer(name string) (Installer, bool) {
	return e.chain.Get(name)
}

// AddInstaller appends a module-specific installer to the plugin's chain.
func (e *SetupEnv) AddInstaller(installer Installer) {
	e.chain.Add(installer)
}
