// installer.go: Pluggable install/uninstall/repair handlers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
)

// Installer applies a plugin's side effects at install and uninstall time.
type Installer interface {
	// Name identifies the installer inside a chain ("file", "database", ...).
	Name() string
	Install(ctx context.Context, p *Plugin) error
	Uninstall(ctx context.Context, p *Plugin) error
}

// Repairer is implemented by installers able to restore missing side effects
// without a full reinstall. Plugin.Start runs every repairer of the chain.
type Repairer interface {
	Repair(ctx context.Context, p *Plugin) error
}

// InstallerProvider builds a collaborator installer for a freshly
// constructed plugin. Providers are configured on the Registry.
type InstallerProvider func(p *Plugin) Installer

// InstallerChain is an ordered list of installers invoked uniformly by the
// lifecycle verbs.
type InstallerChain struct {
	mu         sync.RWMutex
	installers []Installer
}

// NewInstallerChain creates a chain with the given installers.
func NewInstallerChain(installers ...Installer) *InstallerChain {
	chain := &InstallerChain{}
	for _, installer := range installers {
		chain.Add(installer)
	}
	return chain
}

// Add appends an installer. Nil installers are ignored.
func (c *InstallerChain) Add(installer Installer) {
	if installer == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installers = append(c.installers, installer)
}

// Get returns the first installer with the given name.
func (c *InstallerChain) Get(name string) (Installer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, installer := range c.installers {
		if installer.Name() == name {
			return installer, true
		}
	}
	return nil, false
}

// Installers returns a snapshot of the chain.
func (c *InstallerChain) Installers() []Installer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Installer, len(c.installers))
	copy(out, c.installers)
	return out
}

// Len returns the number of installers in the chain.
func (c *InstallerChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.installers)
}

// InstallAll runs Install on every installer in order, stopping at the first error.
func (c *InstallerChain) InstallAll(ctx context.Context, p *Plugin) error {
	for _, installer := range c.Installers() {
		if err := installer.Install(ctx, p); err != nil {
			return NewInstallerError(p.Name(), installer.Name(), "install", err)
		}
	}
	return nil
}

// UninstallAll runs Uninstall on every installer in order, stopping at the first error.
func (c *InstallerChain) UninstallAll(ctx context.Context, p *Plugin) error {
	for _, installer := range c.Installers() {
		if err := installer.Uninstall(ctx, p); err != nil {
			return NewInstallerError(p.Name(), installer.Name(), "uninstall", err)
		}
	}
	return nil
}

// RepairAll runs Repair on every installer implementing Repairer.
func (c *InstallerChain) RepairAll(ctx context.Context, p *Plugin) error {
	for _, installer := range c.Installers() {
		repairer, ok := installer.(Repairer)
		if !ok {
			continue
		}
		if err := repairer.Repair(ctx, p); err != nil {
			return NewInstallerError(p.Name(), installer.Name(), "repair", err)
		}
	}
	return nil
}
