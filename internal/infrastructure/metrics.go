package infrastructure

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/teledm-go/internal/domain"
)

const metricsNamespace = "teledm"

// PrometheusMetrics turns engine events into Prometheus series. It owns its
// registry so that several instances can coexist in tests.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	chunksTotal     prometheus.Counter
	bytesTotal      prometheus.Counter
	retriesTotal    prometheus.Counter
	alertsTotal     prometheus.Counter
	activeDownloads prometheus.Gauge
	fileSizeBytes   prometheus.Histogram
	chunkBytes      prometheus.Histogram
}

// NewPrometheusMetrics creates and registers the engine metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{registry: prometheus.NewRegistry()}

	m.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_total",
			Help:      "Task lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)
	m.chunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "chunks_written_total",
		Help:      "Chunks written and persisted",
	})
	m.bytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "bytes_downloaded_total",
		Help:      "Bytes written to destination files",
	})
	m.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "chunk_retries_total",
		Help:      "Failed chunk requests that were retried",
	})
	m.alertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "engine_alerts_total",
		Help:      "Fatal engine alerts such as storage failures",
	})
	m.activeDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_downloads",
		Help:      "Tasks currently holding a worker slot",
	})
	// 1KB .. 4GB
	m.fileSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "completed_file_size_bytes",
		Help:      "Size of completed downloads",
		Buckets:   prometheus.ExponentialBuckets(1024, 8, 8),
	})
	m.chunkBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "chunk_size_bytes",
		Help:      "Size of written chunks",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 6),
	})

	m.registry.MustRegister(
		m.tasksTotal,
		m.chunksTotal,
		m.bytesTotal,
		m.retriesTotal,
		m.alertsTotal,
		m.activeDownloads,
		m.fileSizeBytes,
		m.chunkBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Observe is an event listener; subscribe it to the download manager
func (m *PrometheusMetrics) Observe(event domain.Event) {
	switch event.Type {
	case domain.EventTaskCreated:
		m.tasksTotal.WithLabelValues(string(domain.StatusQueued)).Inc()

	case domain.EventTaskProgress:
		m.chunksTotal.Inc()
		m.bytesTotal.Add(float64(event.ChunkBytes))
		m.chunkBytes.Observe(float64(event.ChunkBytes))

	case domain.EventTaskRetrying:
		m.retriesTotal.Inc()

	case domain.EventTaskStatusChanged:
		if event.OldStatus == domain.StatusDownloading {
			m.activeDownloads.Dec()
		}
		if event.NewStatus == domain.StatusDownloading {
			m.activeDownloads.Inc()
		}
		m.tasksTotal.WithLabelValues(string(event.NewStatus)).Inc()
		if event.NewStatus == domain.StatusCompleted && event.Task != nil {
			m.fileSizeBytes.Observe(float64(event.Task.BytesDownloaded))
		}

	case domain.EventEngineAlert:
		m.alertsTotal.Inc()
	}
}

// Handler serves the registry in the Prometheus text format
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
