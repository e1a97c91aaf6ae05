// Package metrics exposes Prometheus instrumentation for the memory engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/lexlapax/engram/pkg/mem/ltm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "engram"

// Link failure reasons
const (
	ReasonUnknownRecord = "unknown_record"
	ReasonInvalid       = "invalid"
	ReasonWriteFailed   = "write_failed"
)

// Collector holds the engine's metrics.
type Collector struct {
	recordsCreated *prometheus.CounterVec
	accesses       prometheus.Counter
	links          *prometheus.CounterVec
	linkFailures   *prometheus.CounterVec
	reflections    prometheus.Counter
	viewDuration   *prometheus.HistogramVec
	activeRecords  *prometheus.GaugeVec
}

// NewCollector registers the engine's metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		recordsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_created_total",
				Help:      "Total number of memory records created",
			},
			[]string{"category"},
		),
		accesses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accesses_total",
				Help:      "Total number of recorded memory accesses",
			},
		),
		links: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "links_total",
				Help:      "Total number of successful link operations",
			},
			[]string{"type"},
		),
		linkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "link_failures_total",
				Help:      "Total number of rejected or failed link operations",
			},
			[]string{"reason"},
		),
		reflections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reflections_total",
				Help:      "Total number of recorded reflections",
			},
		),
		viewDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "view_duration_seconds",
				Help:      "Time spent computing decay views",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"view"},
		),
		activeRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_records",
				Help:      "Active records per category as of the last active view",
			},
			[]string{"category"},
		),
	}
}

// RecordCreated counts a new record.
func (c *Collector) RecordCreated(category ltm.Category) {
	if c == nil {
		return
	}
	c.recordsCreated.WithLabelValues(string(category)).Inc()
}

// Access counts a recorded access.
func (c *Collector) Access() {
	if c == nil {
		return
	}
	c.accesses.Inc()
}

// Linked counts a committed link.
func (c *Collector) Linked(kind ltm.RelationshipType) {
	if c == nil {
		return
	}
	c.links.WithLabelValues(string(kind)).Inc()
}

// LinkFailed counts a link that left no state behind.
func (c *Collector) LinkFailed(reason string) {
	if c == nil {
		return
	}
	c.linkFailures.WithLabelValues(reason).Inc()
}

// Reflected counts a recorded reflection.
func (c *Collector) Reflected() {
	if c == nil {
		return
	}
	c.reflections.Inc()
}

// ObserveView records how long a view took, measured from start.
func (c *Collector) ObserveView(view string, start time.Time) {
	if c == nil {
		return
	}
	c.viewDuration.WithLabelValues(view).Observe(time.Since(start).Seconds())
}

// SetActive replaces the active record gauges with counts from an active view.
func (c *Collector) SetActive(active []ltm.ActiveMemory) {
	if c == nil {
		return
	}
	counts := make(map[ltm.Category]int)
	for _, m := range active {
		counts[m.Record.Category]++
	}
	for _, category := range ltm.Categories() {
		c.activeRecords.WithLabelValues(string(category)).Set(float64(counts[category]))
	}
}
