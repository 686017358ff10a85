// records.go: Persistent install records and the record-aware lifecycle tracker
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"

	timecache "github.com/agilira/go-timecache"
)

// RecordStore persists which modules are installed, at which version and
// whether they start automatically. Names are matched case-insensitively.
type RecordStore interface {
	// Save inserts or replaces the record of r.Name.
	Save(ctx context.Context, r Record) error
	// Find returns the record of name or an ErrCodeRecordNotFound error.
	Find(ctx context.Context, name string) (Record, error)
	// All returns every record sorted by name.
	All(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, name string) error
	SetAutoStart(ctx context.Context, name string, autoStart bool) error
}

// IsRecordNotFound reports whether err means a missing record.
func IsRecordNotFound(err error) bool {
	return HasCode(err, ErrCodeRecordNotFound)
}

// MemoryRecordStore is a process-local RecordStore.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]Record)}
}

func (s *MemoryRecordStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[strings.ToLower(r.Name)] = r
	return nil
}

func (s *MemoryRecordStore) Find(_ context.Context, name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[strings.ToLower(name)]
	if !ok {
		return Record{}, NewRecordNotFoundError(name)
	}
	return r, nil
}

func (s *MemoryRecordStore) All(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := s.records[key]; !ok {
		return NewRecordNotFoundError(name)
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryRecordStore) SetAutoStart(_ context.Context, name string, autoStart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	r, ok := s.records[key]
	if !ok {
		return NewRecordNotFoundError(name)
	}
	r.AutoStart = autoStart
	s.records[key] = r
	return nil
}

// Tracker drives the lifecycle of registry plugins against a RecordStore,
// so installs survive restarts: Install and Uninstall keep the records in
// sync and Boot restores recorded plugins on the next run.
type Tracker struct {
	registry *Registry
	store    RecordStore
	logger   Logger
}

// NewTracker creates a tracker. A nil logger falls back to the registry logger.
func NewTracker(registry *Registry, store RecordStore, logger Logger) *Tracker {
	if logger == nil {
		logger = registry.logger
	}
	return &Tracker{registry: registry, store: store, logger: logger}
}

// Store returns the underlying record store.
func (t *Tracker) Store() RecordStore { return t.store }

func (t *Tracker) plugin(name string) (*Plugin, error) {
	p, ok := t.registry.AvailablePlugin(name)
	if !ok {
		return nil, NewPluginNotFoundError(name)
	}
	return p, nil
}

// Install installs the named plugin and records it. Installing a plugin that
// already has a record fails without touching it.
func (t *Tracker) Install(ctx context.Context, name string, autoStart bool) error {
	p, err := t.plugin(name)
	if err != nil {
		return err
	}

	if _, err := t.store.Find(ctx, p.Name()); err == nil {
		return NewRecordExistsError(p.Name())
	} else if !IsRecordNotFound(err) {
		return err
	}

	if err := p.Install(ctx); err != nil {
		return err
	}

	record := Record{
		Name:        p.Name(),
		Version:     p.Info().Version,
		InstalledOn: timecache.CachedTime(),
		AutoStart:   autoStart,
	}
	if err := t.store.Save(ctx, record); err != nil {
		return err
	}
	t.logger.Info("Installed plugin", "plugin", p.Name(), "version", record.Version)
	return nil
}

// Uninstall stops the plugin when running, uninstalls it and deletes its record.
func (t *Tracker) Uninstall(ctx context.Context, name string) error {
	p, err := t.plugin(name)
	if err != nil {
		return err
	}
	if _, err := t.store.Find(ctx, p.Name()); err != nil {
		return err
	}

	if p.State() == StateStarted {
		if err := p.Stop(ctx); err != nil {
			return err
		}
	}
	if err := p.Uninstall(ctx); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, p.Name()); err != nil {
		return err
	}
	t.logger.Info("Uninstalled plugin", "plugin", p.Name())
	return nil
}

// InstalledPlugins returns the registered plugins whose record matches both
// their name and their current version, in registry order.
func (t *Tracker) InstalledPlugins(ctx context.Context) ([]*Plugin, error) {
	records, err := t.store.All(ctx)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int, len(records))
	for _, r := range records {
		versions[strings.ToLower(r.Name)] = r.Version
	}

	var out []*Plugin
	for _, p := range t.registry.AvailablePlugins() {
		if version, ok := versions[strings.ToLower(p.Name())]; ok && version == p.Info().Version {
			out = append(out, p)
		}
	}
	return out, nil
}

// Boot restores recorded plugins after a restart. Each recorded plugin still
// INITIALIZED is marked INSTALLED without rerunning its installers, migrated
// when its record is older than the module, and started when auto-start is
// set. Per-plugin failures are logged and returned together.
func (t *Tracker) Boot(ctx context.Context) error {
	records, err := t.store.All(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, ok := t.registry.AvailablePlugin(record.Name)
		if !ok {
			t.logger.Warn("Recorded plugin is not available", "plugin", record.Name)
			continue
		}
		if err := t.boot(ctx, p, record); err != nil {
			t.logger.Warn("Failed to boot plugin", "plugin", p.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (t *Tracker) boot(ctx context.Context, p *Plugin, record Record) error {
	p.SetState(StateInitialized, StateInstalled)

	current := p.Info().Version
	switch {
	case record.Version < current:
		// A hot replacement may have restarted the new version already.
		restart := p.State() == StateStarted
		if restart {
			if err := p.Stop(ctx); err != nil {
				return err
			}
		}
		if err := p.Migrate(ctx, record.Version, current); err != nil {
			return err
		}
		record.Version = current
		if err := t.store.Save(ctx, record); err != nil {
			return err
		}
		t.logger.Info("Migrated plugin", "plugin", p.Name(), "version", current)
		if restart && p.State() == StateInstalled {
			return p.Start(ctx)
		}
	case record.Version > current:
		t.logger.Warn("Recorded plugin version is newer than the module",
			"plugin", p.Name(), "recorded", record.Version, "module", current)
		return nil
	}

	if record.AutoStart && p.State() == StateInstalled {
		return p.Start(ctx)
	}
	return nil
}

// StartAll moves every INITIALIZED installed plugin to INSTALLED and starts
// it; see Registry.StartAll.
func (t *Tracker) StartAll(ctx context.Context) error {
	plugins, err := t.InstalledPlugins(ctx)
	if err != nil {
		return err
	}
	t.registry.startPlugins(ctx, plugins)
	return nil
}

// StopAll stops every running installed plugin.
func (t *Tracker) StopAll(ctx context.Context) error {
	plugins, err := t.InstalledPlugins(ctx)
	if err != nil {
		return err
	}
	t.registry.stopPlugins(ctx, plugins)
	return nil
}

// SetAutoStart updates the auto-start flag of an installed plugin.
func (t *Tracker) SetAutoStart(ctx context.Context, name string, autoStart bool) error {
	return t.store.SetAutoStart(ctx, name, autoStart)
}
