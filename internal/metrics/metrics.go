// Package metrics provides Prometheus metrics for the template server
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the template server
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	TemplatesTotal         prometheus.Gauge

	// Render cache metrics
	CacheLookupsTotal *prometheus.CounterVec
	CacheEntries      prometheus.Gauge

	// Backup metrics
	SnapshotsTotal *prometheus.CounterVec

	// Load metrics
	LoadRecordsTotal *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stopCh chan struct{}
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
		stopCh:          make(chan struct{}),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "templated_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "code"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "templated_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "templated_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "templated_store_operations_total",
			Help: "Total number of template store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "templated_store_operation_duration_seconds",
			Help:    "Duration of template store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.TemplatesTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "templated_templates_total",
			Help: "Number of live templates in the catalog",
		},
	)

	m.CacheLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "templated_render_cache_lookups_total",
			Help: "Render cache lookups by result",
		},
		[]string{"result"},
	)

	m.CacheEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "templated_render_cache_entries",
			Help: "Number of cached renders",
		},
	)

	m.SnapshotsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "templated_snapshots_total",
			Help: "Backup snapshots written by outcome",
		},
		[]string{"status"},
	)

	m.LoadRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "templated_load_records_total",
			Help: "Records seen by catalog loads by outcome",
		},
		[]string{"outcome"},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "templated_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// StartUptime updates the uptime gauge every interval until Stop
func (m *Metrics) StartUptime(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the uptime updater; call at most once
func (m *Metrics) Stop() {
	close(m.stopCh)
}

// RecordGrpcRequest records a gRPC request with its status code
func (m *Metrics) RecordGrpcRequest(method, code string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, code).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOperation records a template store operation
func (m *Metrics) RecordOperation(op, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(op, status).Inc()
	m.StoreOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetTemplateCount updates the catalog size
func (m *Metrics) SetTemplateCount(n int) {
	m.TemplatesTotal.Set(float64(n))
}

// RecordCacheLookup counts a render cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries updates the cached render count
func (m *Metrics) SetCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}

// RecordSnapshot counts a snapshot outcome
func (m *Metrics) RecordSnapshot(status string) {
	m.SnapshotsTotal.WithLabelValues(status).Inc()
}

// RecordLoad counts the per-record outcomes of a catalog load
func (m *Metrics) RecordLoad(loaded, restored, skipped int) {
	m.LoadRecordsTotal.WithLabelValues("loaded").Add(float64(loaded))
	m.LoadRecordsTotal.WithLabelValues("restored").Add(float64(restored))
	m.LoadRecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
}
