// migrations.go: Version-tagged upgrade steps applied in ascending order
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"sync"
)

// Migration is a one-way upgrade step. TargetVersion is the version the
// step upgrades to.
type Migration interface {
	Description() string
	TargetVersion() int
	Migrate(ctx context.Context, p *Plugin) error
}

// MigrationStep is a function-backed Migration.
type MigrationStep struct {
	Desc   string
	Target int
	Fn     func(ctx context.Context, p *Plugin) error
}

func (m MigrationStep) Description() string { return m.Desc }
func (m MigrationStep) TargetVersion() int  { return m.Target }

// Migrate implements Migration. A step without a function is a no-op.
func (m MigrationStep) Migrate(ctx context.Context, p *Plugin) error {
	if m.Fn == nil {
		return nil
	}
	return m.Fn(ctx, p)
}

// MigrationSet holds the migration steps of one plugin.
type MigrationSet struct {
	mu    sync.RWMutex
	steps []Migration
}

// NewMigrationSet creates an empty set.
func NewMigrationSet() *MigrationSet {
	return &MigrationSet{}
}

// Add registers a step.
func (ms *MigrationSet) Add(step Migration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.steps = append(ms.steps, step)
}

// AddFunc registers a function-backed step.
func (ms *MigrationSet) AddFunc(description string, target int, fn func(ctx context.Context, p *Plugin) error) {
	ms.Add(MigrationStep{Desc: description, Target: target, Fn: fn})
}

// Steps returns the registered steps sorted by ascending target version.
func (ms *MigrationSet) Steps() []Migration {
	ms.mu.RLock()
	steps := make([]Migration, len(ms.steps))
	copy(steps, ms.steps)
	ms.mu.RUnlock()

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].TargetVersion() < steps[j].TargetVersion()
	})
	return steps
}

// Migrate applies, in ascending target order, every step whose target
// version is >= from. Steps targeting versions beyond to run as well. A
// failing step stops the run and leaves the earlier steps applied.
func (ms *MigrationSet) Migrate(ctx context.Context, from, to int, p *Plugin) error {
	if from >= to {
		return NewMigrationRangeError(p.Name(), from, to)
	}

	for _, step := range ms.Steps() {
		if step.TargetVersion() < from {
			continue
		}
		p.logger.Debug("Applying migration step",
			"plugin", p.Name(),
			"step", step.Description(),
			"target_version", step.TargetVersion())

		if err := step.Migrate(ctx, p); err != nil {
			return NewMigrationStepError(p.Name(), step.Description(), step.TargetVersion(), err)
		}
	}
	return nil
}
