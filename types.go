// types.go: Lifecycle states, module metadata and condition types
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strings"
	"time"
)

// PluginState is the lifecycle state of a Plugin.
//
// StateAvailable is the zero value and the state of a freshly constructed
// plugin. Init moves it to StateInitialized exactly once. From there
// Install/Uninstall toggle between StateInitialized and StateInstalled, and
// Start/Stop toggle between StateInstalled and StateStarted. There is no
// terminal state: a removed module is evicted from the Registry instead.
type PluginState int32

const (
	StateAvailable PluginState = iota
	StateInitialized
	StateInstalled
	StateStarted
)

// String returns a human-readable representation of the plugin state.
func (s PluginState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInitialized:
		return "initialized"
	case StateInstalled:
		return "installed"
	case StateStarted:
		return "started"
	default:
		return "unknown"
	}
}

// ModuleInfo describes a module. Name is the identity used by the Registry;
// Version is the numeric version compared by migrations and install records.
type ModuleInfo struct {
	Name        string `json:"name" yaml:"name"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	CreatedAt   string `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int    `json:"version" yaml:"version"`

	// Priority orders modules in Registry listings, higher first.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ConditionType selects which lifecycle transition a condition gates.
type ConditionType int

const (
	ConditionStart ConditionType = iota
	ConditionStop
	ConditionInstall
	ConditionUninstall
	ConditionMigration
	ConditionReload
	ConditionRuntime
)

func (c ConditionType) String() string {
	switch c {
	case ConditionStart:
		return "start"
	case ConditionStop:
		return "stop"
	case ConditionInstall:
		return "install"
	case ConditionUninstall:
		return "uninstall"
	case ConditionMigration:
		return "migration"
	case ConditionReload:
		return "reload"
	case ConditionRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// ConditionResult is the immutable outcome of a single condition check.
// The zero value is an empty result and counts as a failure.
type ConditionResult struct {
	Success     bool
	Description string
}

// Pass returns a successful result.
func Pass(description string) ConditionResult {
	return ConditionResult{Success: true, Description: description}
}

// Fail returns a failing result carrying description.
func Fail(description string) ConditionResult {
	return ConditionResult{Success: false, Description: description}
}

// Record is the persisted metadata of an installed module.
type Record struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	InstalledOn time.Time `json:"installed_on"`
	AutoStart   bool      `json:"auto_start"`
}

// identityKey builds the composite key used for deterministic ordering.
func identityKey(name, hash string) string {
	return strings.ToLower(name) + "@" + hash
}
