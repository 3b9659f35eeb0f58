// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "nmyth"

// Metrics agrupa os coletores Prometheus do arquivamento. Cada instância tem
// seu próprio registry.
type Metrics struct {
	registry *prometheus.Registry

	archived      prometheus.Counter
	skipped       prometheus.Counter
	failures      *prometheus.CounterVec
	rawBytes      prometheus.Counter
	storedBytes   prometheus.Counter
	activeJobs    prometheus.Gauge
	jobDuration   prometheus.Histogram
	lastSweep     prometheus.Gauge
	catalogSize   prometheus.Gauge
	watcherEvents *prometheus.CounterVec
	httpDenied    *prometheus.CounterVec
}

// NewMetrics cria e registra os coletores.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "recordings_total",
			Help: "Recordings archived successfully.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "skipped_total",
			Help: "Recordings skipped because the sink already holds them.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "failures_total",
			Help: "Failed archive attempts by stage.",
		}, []string{"stage"}), // stage=catalog|disk|transfer|store|metadata
		rawBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "raw_bytes_total",
			Help: "Bytes read from the backend.",
		}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "stored_bytes_total",
			Help: "Bytes written to the sink after compression.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "active_jobs",
			Help: "Archive jobs currently running.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name:    "job_duration_seconds",
			Help:    "Duration of successful archive jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "archive",
			Name: "last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed catalog sweep.",
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "catalog",
			Name: "recordings",
			Help: "Recordings in the backend catalog at the last sweep.",
		}),
		watcherEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "watcher",
			Name: "changes_total",
			Help: "Catalog changes seen by the watcher.",
		}, []string{"kind"}),
		httpDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "http",
			Name: "denied_total",
			Help: "HTTP requests rejected by the allow list.",
		}, []string{"endpoint"}), // endpoint=metrics|api|other
	}

	m.registry.MustRegister(
		m.archived, m.skipped, m.failures, m.rawBytes, m.storedBytes,
		m.activeJobs, m.jobDuration, m.lastSweep, m.catalogSize, m.watcherEvents,
		m.httpDenied,
	)
	return m
}

// Registry expõe o registry (usado nos testes e no handler HTTP).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler retorna o handler HTTP do endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) jobStarted() {
	m.activeJobs.Inc()
}

func (m *Metrics) jobFinished() {
	m.activeJobs.Dec()
}

func (m *Metrics) recordSkip() {
	m.skipped.Inc()
}

func (m *Metrics) recordFailure(stage string) {
	m.failures.WithLabelValues(stage).Inc()
}

func (m *Metrics) recordWatcher(kind string) {
	m.watcherEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordDenied(endpoint string) {
	m.httpDenied.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) recordSuccess(res *StreamResult, d time.Duration) {
	m.archived.Inc()
	m.rawBytes.Add(float64(res.RawBytes))
	m.storedBytes.Add(float64(res.StoredBytes))
	m.jobDuration.Observe(d.Seconds())
}

func (m *Metrics) recordSweep(catalog int, at time.Time) {
	m.catalogSize.Set(float64(catalog))
	m.lastSweep.Set(float64(at.Unix()))
}
