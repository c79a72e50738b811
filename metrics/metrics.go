// Package metrics exposes engine counters and histograms for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "merchant_hub"

var pollDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Registry holds the engine collectors on a private prometheus registry.
// All Observe methods are safe on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	pollCycles        *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	transfersDetected *prometheus.CounterVec
	recordsDropped    *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	leaseEvents       *prometheus.CounterVec
	modeChanges       *prometheus.CounterVec
	entriesConsumed   *prometheus.CounterVec
	entriesAcked      prometheus.Counter
	partialAcks       prometheus.Counter
	leader            prometheus.Gauge
}

// New registers every collector plus the Go and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Polling cycles by outcome.",
		}, []string{"outcome"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of polling cycles.",
			Buckets:   pollDurationBuckets,
		}),
		transfersDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_detected_total",
			Help:      "Transfers accepted and published, by currency.",
		}, []string{"currency"}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Ledger records dropped during detection, by currency and reason.",
		}, []string{"currency", "reason"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Currencies whose batch could not be published.",
		}, []string{"currency"}),
		leaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_events_total",
			Help:      "Lease acquisitions, renewals, losses and releases.",
		}, []string{"event"}),
		modeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_changes_total",
			Help:      "Observed polling mode transitions, by new mode.",
		}, []string{"mode"}),
		entriesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_consumed_total",
			Help:      "Stream entries delivered to consumers, by delivery kind.",
		}, []string{"kind"}),
		entriesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_entries_acknowledged_total",
			Help:      "Stream entries acknowledged.",
		}),
		partialAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_partial_acks_total",
			Help:      "Acknowledge calls that acknowledged fewer entries than requested.",
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this process holds the poller lease.",
		}),
	}
	r.reg.MustRegister(
		r.pollCycles, r.pollDuration, r.transfersDetected, r.recordsDropped,
		r.publishFailures, r.leaseEvents, r.modeChanges, r.entriesConsumed,
		r.entriesAcked, r.partialAcks, r.leader,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObservePollCycle records one cycle outcome ("ok", "transient", "lost", "error").
func (r *Registry) ObservePollCycle(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.pollCycles.WithLabelValues(outcome).Inc()
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	r.pollDuration.Observe(seconds)
}

// ObserveTransfers records n published transfers for currency.
func (r *Registry) ObserveTransfers(currency string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.transfersDetected.WithLabelValues(currency).Add(float64(n))
}

// ObserveDropped records a dropped ledger record.
func (r *Registry) ObserveDropped(currency, reason string) {
	if r == nil {
		return
	}
	r.recordsDropped.WithLabelValues(currency, reason).Inc()
}

// ObservePublishFailure records a batch whose publish failed.
func (r *Registry) ObservePublishFailure(currency string) {
	if r == nil {
		return
	}
	r.publishFailures.WithLabelValues(currency).Inc()
}

// ObserveLease records a lease event ("acquired", "renewed", "lost", "released").
func (r *Registry) ObserveLease(event string) {
	if r == nil {
		return
	}
	r.leaseEvents.WithLabelValues(event).Inc()
}

// SetLeader toggles the leader gauge.
func (r *Registry) SetLeader(held bool) {
	if r == nil {
		return
	}
	if held {
		r.leader.Set(1)
		return
	}
	r.leader.Set(0)
}

// ObserveModeChange records a transition into mode.
func (r *Registry) ObserveModeChange(mode string) {
	if r == nil {
		return
	}
	r.modeChanges.WithLabelValues(mode).Inc()
}

// ObserveConsumed records delivered entries; reclaimed selects the label.
func (r *Registry) ObserveConsumed(n int, reclaimed bool) {
	if r == nil || n <= 0 {
		return
	}
	kind := "new"
	if reclaimed {
		kind = "reclaimed"
	}
	r.entriesConsumed.WithLabelValues(kind).Add(float64(n))
}

// ObserveAck records an Acknowledge call.
func (r *Registry) ObserveAck(requested, acknowledged int) {
	if r == nil {
		return
	}
	r.entriesAcked.Add(float64(acknowledged))
	if acknowledged < requested {
		r.partialAcks.Inc()
	}
}
