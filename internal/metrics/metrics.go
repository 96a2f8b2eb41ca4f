// Package metrics exposes the overlay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"Spindle/internal/wire"
)

const namespace = "spindle"

// Metrics holds the collectors of one node. A nil *Metrics discards everything.
type Metrics struct {
	registry   *prometheus.Registry
	received   *prometheus.CounterVec // received counts inbound messages by code
	forwarded  *prometheus.CounterVec // forwarded counts routed messages relayed to a hop
	terminated *prometheus.CounterVec // terminated counts routed messages handled locally
	dropped    *prometheus.CounterVec // dropped counts routed messages with no hop and no handler
	duplicates prometheus.Counter     // duplicates counts routed messages seen twice
}

// New creates the collectors and registers them with the process collectors
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from neighbours, by message code.",
		}, []string{"code"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Routed messages relayed to a next hop, by message code.",
		}, []string{"code"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_terminated_total",
			Help:      "Routed messages handled at this node, by message code.",
		}, []string{"code"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Routed messages that could be neither forwarded nor handled, by message code.",
		}, []string{"code"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Routed messages discarded because they were already processed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.received,
		m.forwarded,
		m.terminated,
		m.dropped,
		m.duplicates,
	)

	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Received counts an inbound message.
func (m *Metrics) Received(code wire.Code) {
	if m != nil {
		m.received.WithLabelValues(code.String()).Inc()
	}
}

// Forwarded counts a relayed routed message.
func (m *Metrics) Forwarded(code wire.Code) {
	if m != nil {
		m.forwarded.WithLabelValues(code.String()).Inc()
	}
}

// Terminated counts a routed message handled locally.
func (m *Metrics) Terminated(code wire.Code) {
	if m != nil {
		m.terminated.WithLabelValues(code.String()).Inc()
	}
}

// Dropped counts a routed message that went nowhere.
func (m *Metrics) Dropped(code wire.Code) {
	if m != nil {
		m.dropped.WithLabelValues(code.String()).Inc()
	}
}

// Duplicate counts a routed message seen twice.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

// Gauge registers a gauge sampled from fn at every scrape.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
