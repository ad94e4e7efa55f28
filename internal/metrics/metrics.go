// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"TapLedger/internal/engine/reconcile"
	"TapLedger/internal/model"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics implements the observer hooks of the reconciler, the geo client and
// the coordinator.
type Metrics struct {
	reports     *prometheus.CounterVec
	reportTime  *prometheus.HistogramVec
	phaseTime   *prometheus.HistogramVec
	entries     *prometheus.CounterVec
	newAssets   prometheus.Counter
	geoLookups  *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	workerPanic prometheus.Counter
	dropped     prometheus.Counter
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapledger",
			Subsystem: "ingest",
			Name:      "reports_total",
			Help:      "Count of handled tap reports",
		}, []string{"protocol", "result"}),
		reportTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tapledger",
			Subsystem: "ingest",
			Name:      "report_duration_seconds",
			Help:      "Total handling time of one tap report",
			Buckets:   histogramBuckets,
		}, []string{"protocol"}),
		phaseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tapledger",
			Subsystem: "ingest",
			Name:      "phase_duration_seconds",
			Help:      "Time spent per report handling phase",
			Buckets:   histogramBuckets,
		}, []string{"protocol", "phase"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapledger",
			Subsystem: "reconcile",
			Name:      "entries_total",
			Help:      "Count of report entries by outcome",
		}, []string{"protocol", "outcome"}),
		newAssets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tapledger",
			Subsystem: "assets",
			Name:      "created_total",
			Help:      "Count of newly discovered assets",
		}),
		geoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapledger",
			Subsystem: "geo",
			Name:      "lookups_total",
			Help:      "Count of geo lookups by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tapledger",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Reports waiting for a worker",
		}),
		workerPanic: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tapledger",
			Subsystem: "ingest",
			Name:      "worker_panics_total",
			Help:      "Count of recovered panics while handling a report",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tapledger",
			Subsystem: "ingest",
			Name:      "dropped_reports_total",
			Help:      "Count of received reports the coordinator did not accept",
		}),
	}
	if reg == nil {
		return m
	}

	m.reports = register(reg, m.reports)
	m.reportTime = register(reg, m.reportTime)
	m.phaseTime = register(reg, m.phaseTime)
	m.entries = register(reg, m.entries)
	m.newAssets = register(reg, m.newAssets)
	m.geoLookups = register(reg, m.geoLookups)
	m.queueDepth = register(reg, m.queueDepth)
	m.workerPanic = register(reg, m.workerPanic)
	m.dropped = register(reg, m.dropped)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

var _ reconcile.Observer = (*Metrics)(nil)

func (m *Metrics) ObserveMatch(protocol model.Protocol, d time.Duration) {
	m.Phase(protocol, "match", d)
}

func (m *Metrics) ObserveWrite(protocol model.Protocol, d time.Duration) {
	m.Phase(protocol, "write", d)
}

func (m *Metrics) CountEntry(protocol model.Protocol, outcome reconcile.Outcome) {
	m.entries.WithLabelValues(string(protocol), string(outcome)).Inc()
}

// GeoResult counts one geo lookup.
func (m *Metrics) GeoResult(result string) {
	m.geoLookups.WithLabelValues(result).Inc()
}

// Phase records the duration of one report handling phase.
func (m *Metrics) Phase(protocol model.Protocol, phase string, d time.Duration) {
	m.phaseTime.WithLabelValues(string(protocol), phase).Observe(d.Seconds())
}

// Report records one handled report.
func (m *Metrics) Report(protocol model.Protocol, result string, d time.Duration) {
	m.reports.WithLabelValues(string(protocol), result).Inc()
	m.reportTime.WithLabelValues(string(protocol)).Observe(d.Seconds())
}

// NewAssets counts created assets.
func (m *Metrics) NewAssets(n int) {
	if n > 0 {
		m.newAssets.Add(float64(n))
	}
}

// QueueDepth sets the number of queued reports.
func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// WorkerPanic counts one recovered panic.
func (m *Metrics) WorkerPanic() {
	m.workerPanic.Inc()
}

// Dropped counts one report the coordinator did not accept.
func (m *Metrics) Dropped() {
	m.dropped.Inc()
}
