// conditions.go: Named predicate checks gating lifecycle transitions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"sync"
)

// Condition is a predicate evaluated against a plugin before a transition.
type Condition interface {
	Test(p *Plugin) ConditionResult
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(p *Plugin) ConditionResult

// Test implements Condition.
func (f ConditionFunc) Test(p *Plugin) ConditionResult {
	return f(p)
}

// ConditionEngine stores named checks per condition type.
//
// Test is fail-fast: the first failing check aborts with its description.
// Checks of one type form a set keyed by name and callers must not rely on
// the order in which they run (the engine currently runs them sorted by name).
type ConditionEngine struct {
	mu         sync.RWMutex
	conditions map[ConditionType]map[string]Condition
}

// NewConditionEngine creates an empty engine.
func NewConditionEngine() *ConditionEngine {
	return &ConditionEngine{
		conditions: make(map[ConditionType]map[string]Condition),
	}
}

// Add registers condition under name for the given type, replacing any
// previous check with the same name. A nil condition, including a nil
// ConditionFunc, is kept and always fails.
func (ce *ConditionEngine) Add(conditionType ConditionType, name string, condition Condition) {
	if fn, ok := condition.(ConditionFunc); ok && fn == nil {
		condition = nil
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()

	set, ok := ce.conditions[conditionType]
	if !ok {
		set = make(map[string]Condition)
		ce.conditions[conditionType] = set
	}
	set[name] = condition
}

// AddFunc is a shorthand for Add with a ConditionFunc.
func (ce *ConditionEngine) AddFunc(conditionType ConditionType, name string, fn func(p *Plugin) ConditionResult) {
	ce.Add(conditionType, name, ConditionFunc(fn))
}

// Remove deletes a named check. It reports whether the check existed.
func (ce *ConditionEngine) Remove(conditionType ConditionType, name string) bool {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	set, ok := ce.conditions[conditionType]
	if !ok {
		return false
	}
	if _, exists := set[name]; !exists {
		return false
	}
	delete(set, name)
	return true
}

// Names returns the sorted names of the checks registered for a type.
func (ce *ConditionEngine) Names(conditionType ConditionType) []string {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	names := make([]string, 0, len(ce.conditions[conditionType]))
	for name := range ce.conditions[conditionType] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Test runs every check of the given type against p. A panicking check
// counts as a failure.
func (ce *ConditionEngine) Test(conditionType ConditionType, p *Plugin) error {
	type namedCondition struct {
		name      string
		condition Condition
	}

	ce.mu.RLock()
	checks := make([]namedCondition, 0, len(ce.conditions[conditionType]))
	for name, condition := range ce.conditions[conditionType] {
		checks = append(checks, namedCondition{name: name, condition: condition})
	}
	ce.mu.RUnlock()

	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	for _, check := range checks {
		if check.condition == nil {
			return NewConditionFailedError(p.Name(), conditionType, check.name, "condition "+check.name+" is nil")
		}
		var result ConditionResult
		err := callRecovered(p.Logger(), p.Name()+".condition."+check.name, func() error {
			result = check.condition.Test(p)
			return nil
		})
		if err != nil {
			return NewConditionFailedError(p.Name(), conditionType, check.name, "condition "+check.name+" panicked")
		}
		if result == (ConditionResult{}) {
			return NewConditionFailedError(p.Name(), conditionType, check.name, "condition "+check.name+" returned an empty result")
		}
		if !result.Success {
			return NewConditionFailedError(p.Name(), conditionType, check.name, result.Description)
		}
	}
	return nil
}

// PluginLookup resolves a plugin by name. *Registry satisfies it.
type PluginLookup interface {
	AvailablePlugin(name string) (*Plugin, bool)
}

// DependencyStarted returns a condition that passes only while the named
// plugin is registered and started.
func DependencyStarted(lookup PluginLookup, name string) Condition {
	return ConditionFunc(func(p *Plugin) ConditionResult {
		dependency, ok := lookup.AvailablePlugin(name)
		if !ok {
			return Fail("dependency " + name + " is not registered")
		}
		if dependency.State() != StateStarted {
			return Fail("dependency " + name + " is not started")
		}
		return Pass("dependency " + name + " is started")
	})
}

// RequireState returns a condition that passes only while p itself is in state.
// It is mostly useful for ConditionRuntime and ConditionReload checks.
func RequireState(state PluginState) Condition {
	return ConditionFunc(func(p *Plugin) ConditionResult {
		if current := p.State(); current != state {
			return Fail("plugin " + p.Name() + " is " + current.String() + ", requires " + state.String())
		}
		return Pass("plugin " + p.Name() + " is " + state.String())
	})
}
