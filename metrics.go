// metrics.go: Prometheus instrumentation for lifecycle transitions and scans
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of one host. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitionsTotal *prometheus.CounterVec
	verbFailures     *prometheus.CounterVec
	registered       prometheus.Gauge
	scansTotal       *prometheus.CounterVec
	scanDuration     prometheus.Histogram
	hotReplacements  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
// A nil registerer leaves them unregistered, which is handy in tests.
func NewMetrics(registerer prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "pluginhost"
	}

	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_transitions_total",
				Help:      "Total number of plugin state transitions",
			},
			[]string{"plugin", "from", "to"},
		),
		verbFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_verb_failures_total",
				Help:      "Total number of failed plugin lifecycle operations",
			},
			[]string{"plugin", "verb"},
		),
		registered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_plugins",
				Help:      "Number of plugins currently registered",
			},
		),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of registry scans",
			},
			[]string{"status"},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of registry scans",
				Buckets:   prometheus.DefBuckets,
			},
		),
		hotReplacements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hot_replacements_total",
				Help:      "Total number of plugins replaced by a changed bundle",
			},
			[]string{"plugin"},
		),
	}

	if registerer != nil {
		for _, collector := range m.collectors() {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitionsTotal,
		m.verbFailures,
		m.registered,
		m.scansTotal,
		m.scanDuration,
		m.hotReplacements,
	}
}

func (m *Metrics) observeTransition(plugin string, from, to PluginState) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(plugin, from.String(), to.String()).Inc()
}

func (m *Metrics) observeFailure(plugin, verb string) {
	if m == nil {
		return
	}
	m.verbFailures.WithLabelValues(plugin, verb).Inc()
}

func (m *Metrics) setRegistered(count int) {
	if m == nil {
		return
	}
	m.registered.Set(float64(count))
}

func (m *Metrics) observeScan(duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.scansTotal.WithLabelValues(status).Inc()
	m.scanDuration.Observe(duration.Seconds())
}

func (m *Metrics) observeHotReplace(plugin string) {
	if m == nil {
		return
	}
	m.hotReplacements.WithLabelValues(plugin).Inc()
}
