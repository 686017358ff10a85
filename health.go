// health.go: Liveness and readiness endpoints for a plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sort"
	"strings"

	"github.com/heptiolabs/healthcheck"
)

// NewHealthHandler returns an http.Handler serving /live and /ready.
//
// Liveness always passes while the process serves requests. Readiness fails
// while any plugin has a remembered initialization or bulk start failure.
func NewHealthHandler(r *Registry) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("registry", func() error { return nil })
	health.AddReadinessCheck("plugins", func() error { return PluginFailures(r) })
	return health
}

// PluginFailures summarizes Registry.LastErrors as a single error, or nil.
func PluginFailures(r *Registry) error {
	failures := r.LastErrors()
	if len(failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("%d plugin(s) failing: %s", len(names), strings.Join(names, ", "))
}
