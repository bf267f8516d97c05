// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector holds the service's own prometheus registry. All methods are
// nil-safe so callers can run without metrics wired up (tests, CLI).
type Collector struct {
	registry *prometheus.Registry

	validations    *prometheus.CounterVec
	keysCreated    prometheus.Counter
	scriptsCreated prometheus.Counter
}

func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_validations_total",
			Help: "Key validation attempts by terminal outcome code",
		}, []string{"code"}),
		keysCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_keys_created_total",
			Help: "License keys created",
		}),
		scriptsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_scripts_created_total",
			Help: "Scripts created",
		}),
	}

	registry.MustRegister(c.validations, c.keysCreated, c.scriptsCreated)
	registry.MustRegister(collectors.NewGoCollector())

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordValidation(code string) {
	if c == nil {
		return
	}
	c.validations.WithLabelValues(code).Inc()
}

func (c *Collector) RecordKeyCreated() {
	if c == nil {
		return
	}
	c.keysCreated.Inc()
}

func (c *Collector) RecordScriptCreated() {
	if c == nil {
		return
	}
	c.scriptsCreated.Inc()
}
