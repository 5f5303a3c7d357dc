// Package metrics aggregates operational counters, gauges, and operation
// latencies for the KMS. Everything is exposed twice: as a structured
// snapshot for the service's own monitoring surface, and through a Prometheus
// registry in the standard text exposition format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyWindowCap bounds each operation's rolling latency window.
const latencyWindowCap = 1000

// Collector holds all KMS metrics. Recording is in-process and lock-bounded;
// it never blocks on I/O and never fails the operation being measured.
type Collector struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	cacheEventsTotal  *prometheus.CounterVec
	securityEvents    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	gaugeVec          *prometheus.GaugeVec

	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]*latencyWindow
}

type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

func (w *latencyWindow) add(d time.Duration) {
	if len(w.samples) < latencyWindowCap {
		w.samples = append(w.samples, d)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % latencyWindowCap
	w.full = true
}

func (w *latencyWindow) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s
	}
	return total / time.Duration(len(w.samples))
}

// NewCollector builds a collector with its own Prometheus registry so tests
// never collide on the default one.
func NewCollector() *Collector {
	return newCollectorWithRegistry(prometheus.NewRegistry())
}

func newCollectorWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_operations_total",
				Help: "Total number of key management operations",
			},
			[]string{"operation", "result"},
		),
		cacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_cache_events_total",
				Help: "Total number of key cache hits and misses",
			},
			[]string{"event"},
		),
		securityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kms_security_events_total",
				Help: "Total number of security-relevant events",
			},
			[]string{"event_type"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kms_operation_duration_seconds",
				Help:    "Key management operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		gaugeVec: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kms_gauge",
				Help: "Point-in-time KMS gauges (key counts, cache hit rate, sweep stats)",
			},
			[]string{"name"},
		),
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string]*latencyWindow),
	}
}

// RecordOperation counts one operation outcome.
func (c *Collector) RecordOperation(operation, result string) {
	c.operationsTotal.WithLabelValues(operation, result).Inc()
	c.increment(operation + "_" + result)
}

// RecordCacheEvent counts a cache hit or miss.
func (c *Collector) RecordCacheEvent(event string) {
	c.cacheEventsTotal.WithLabelValues(event).Inc()
	c.increment("cache_" + event)
}

// RecordSecurityEvent counts a security-relevant event.
func (c *Collector) RecordSecurityEvent(eventType string) {
	c.securityEvents.WithLabelValues(eventType).Inc()
	c.increment("security_" + eventType)
}

// IncrementCounter bumps a named counter by one.
func (c *Collector) IncrementCounter(name string) {
	c.increment(name)
}

func (c *Collector) increment(name string) {
	c.mu.Lock()
	c.counters[name]++
	c.mu.Unlock()
}

// SetGauge records a point-in-time value under a name.
func (c *Collector) SetGauge(name string, value float64) {
	c.gaugeVec.WithLabelValues(name).Set(value)
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

// StartTimer returns a stop function that records the elapsed time for the
// operation into both the histogram and the rolling window.
func (c *Collector) StartTimer(operation string) func() {
	start := time.Now()
	return func() {
		c.ObserveDuration(operation, time.Since(start))
	}
}

// ObserveDuration records one latency sample for an operation.
func (c *Collector) ObserveDuration(operation string, d time.Duration) {
	c.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
	c.mu.Lock()
	w, ok := c.timers[operation]
	if !ok {
		w = &latencyWindow{}
		c.timers[operation] = w
	}
	w.add(d)
	c.mu.Unlock()
}

// Snapshot is the structured metrics view.
type Snapshot struct {
	Counters         map[string]int64         `json:"counters"`
	Gauges           map[string]float64       `json:"gauges"`
	AverageLatencies map[string]time.Duration `json:"average_latencies"`
	GeneratedAt      time.Time                `json:"generated_at"`
}

// GetMetrics returns a copy of the current metric state.
func (c *Collector) GetMetrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Counters:         make(map[string]int64, len(c.counters)),
		Gauges:           make(map[string]float64, len(c.gauges)),
		AverageLatencies: make(map[string]time.Duration, len(c.timers)),
		GeneratedAt:      time.Now().UTC(),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}
	for k, w := range c.timers {
		snap.AverageLatencies[k] = w.average()
	}
	return snap
}

// Handler serves the Prometheus text exposition for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
