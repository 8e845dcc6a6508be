// Package metrics implements the per-operation counters, latency
// histograms, and optional durable flush described by the metrics
// sink component. Grounded directly on the teacher's pkg/metrics:
// prometheus vectors registered once at package init, a promhttp
// handler, and a Timer helper, generalized from the teacher's
// fixed per-domain metric variables to dynamic per-operation labels
// since kvforge's operation set (get/set/delete/atomic.commit/...) is
// open-ended rather than a handful of named cluster concerns.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvforge_operations_total",
			Help: "Total number of operations by name and outcome.",
		},
		[]string{"op", "status"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvforge_operation_duration_seconds",
			Help:    "Operation latency in seconds by name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvforge_queue_depth",
			Help: "Queue message count by status (pending, processing, dlq).",
		},
		[]string{"status"},
	)

	storageEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvforge_storage_entries_total",
			Help: "Total number of live entries in the row store.",
		},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(storageEntriesTotal)
}

// Handler returns the Prometheus scrape handler for /metrics/prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth updates the queue-depth gauges from a queue.Stats-shaped
// snapshot, avoiding a package import cycle with pkg/queue.
func SetQueueDepth(pending, processing, dlq int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("processing").Set(float64(processing))
	queueDepth.WithLabelValues("dlq").Set(float64(dlq))
}

// SetStorageEntries updates the live-entry-count gauge.
func SetStorageEntries(n int) {
	storageEntriesTotal.Set(float64(n))
}

// OpStats is one operation's in-memory aggregate, exposed by the
// internal JSON view.
type OpStats struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	LatencySumMS  int64   `json:"latencySumMs"`
	MeanLatencyMS float64 `json:"meanLatencyMs"`
}

type opAggregate struct {
	count        int64
	errors       int64
	latencySumMS int64
}

// Sink is the storage.Metrics / atomic / queue observation target: it
// feeds the Prometheus vectors above and keeps an in-process aggregate
// per operation for the internal JSON view.
type Sink struct {
	mu   sync.Mutex
	aggs map[string]*opAggregate
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{aggs: make(map[string]*opAggregate)}
}

// Observe implements storage.Metrics (and is used directly by pkg/atomic
// and pkg/queue): it records one operation's outcome and latency.
func (s *Sink) Observe(op string, err error, dur time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(dur.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggs[op]
	if !ok {
		a = &opAggregate{}
		s.aggs[op] = a
	}
	a.count++
	if err != nil {
		a.errors++
	}
	a.latencySumMS += dur.Milliseconds()
}

// Snapshot returns a point-in-time copy of every operation's aggregate.
func (s *Sink) Snapshot() map[string]OpStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]OpStats, len(s.aggs))
	for op, a := range s.aggs {
		mean := 0.0
		if a.count > 0 {
			mean = float64(a.latencySumMS) / float64(a.count)
		}
		out[op] = OpStats{
			Count:         a.count,
			Errors:        a.errors,
			LatencySumMS:  a.latencySumMS,
			MeanLatencyMS: mean,
		}
	}
	return out
}

// Timer is a helper for timing an operation before calling Observe.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
