// Package metrics holds the Prometheus collectors shared by the API and the
// worker. All recording methods are safe on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warmpath"

// DefaultBuckets are the search latency buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	SearchDuration    *prometheus.HistogramVec
	StrategyFailures  *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	EdgesBuilt        *prometheus.CounterVec
	GraphBuildSeconds prometheus.Histogram
	GraphPersons      prometheus.Gauge
	IngestRecords     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := &Metrics{
		registry: reg,
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Search latency by mode and outcome.",
			Buckets:   DefaultBuckets,
		}, []string{"mode", "outcome"}),
		StrategyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "strategy_failures_total",
			Help:      "Search strategies that failed and were dropped from the merge.",
		}, []string{"strategy"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pathcache",
			Name:      "lookups_total",
			Help:      "Path cache lookups by result (hit, miss, expired).",
		}, []string{"result"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Job executions by type and outcome (completed, retried, failed).",
		}, []string{"type", "outcome"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "rate_limited_total",
			Help:      "External source calls rejected by the per-source budget.",
		}, []string{"source"}),
		EdgesBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "edges_built_total",
			Help:      "Adjacency links created by graph builds, by relationship type.",
		}, []string{"type"}),
		GraphBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "build_duration_seconds",
			Help:      "Full graph build duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		GraphPersons: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "persons",
			Help:      "Persons in the compiled graph snapshot.",
		}),
		IngestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Ingested person records by outcome (created, duplicate, invalid).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.SearchDuration, m.StrategyFailures, m.CacheLookups, m.JobsFinished,
		m.RateLimited, m.EdgesBuilt, m.GraphBuildSeconds, m.GraphPersons, m.IngestRecords,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveSearch(mode, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.SearchDuration.WithLabelValues(mode, outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) StrategyFailed(strategy string) {
	if m == nil {
		return
	}
	m.StrategyFailures.WithLabelValues(strategy).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) JobFinished(jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) SourceLimited(source string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(source).Inc()
}

// GraphBuilt records one full build: links per type, duration and size.
func (m *Metrics) GraphBuilt(byType map[string]int, persons int, d time.Duration) {
	if m == nil {
		return
	}
	for t, n := range byType {
		m.EdgesBuilt.WithLabelValues(t).Add(float64(n))
	}
	m.GraphBuildSeconds.Observe(d.Seconds())
	m.GraphPersons.Set(float64(persons))
}

func (m *Metrics) Ingested(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IngestRecords.WithLabelValues(outcome).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve starts an HTTP server on the given port serving /metrics.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts the metrics server in a goroutine and reports a failed
// listen through onErr.
func (m *Metrics) ServeAsync(port int, onErr func(error)) {
	go func() {
		if err := m.Serve(port); err != nil && onErr != nil {
			onErr(err)
		}
	}()
}
