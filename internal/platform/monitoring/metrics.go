package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for the service, prefixing
// every metric name with the (sanitized) service name.
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector registers the standard HTTP metrics for a service.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	sanitized := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{serviceName: sanitized, customMetrics: make(map[string]prometheus.Collector)}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: mc.serviceName + "_http_requests_total", Help: "Total number of HTTP requests"},
		[]string{"method", "endpoint", "status"},
	)
	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: mc.serviceName + "_http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "endpoint"},
	)
	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: mc.serviceName + "_active_connections", Help: "Number of active connections"},
	)
	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: mc.serviceName + "_service_info", Help: "Service information"},
		[]string{"version", "commit"},
	)

	prometheus.MustRegister(mc.httpRequestsTotal, mc.httpRequestDuration, mc.activeConnections, mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers a service-specific Prometheus collector.
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	prometheus.MustRegister(metric)
}

// MetricsMiddleware records request counts, latency, and in-flight gauges.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(duration)
	}
}

// Handler serves the Prometheus text exposition format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) { handler.ServeHTTP(c.Writer, c.Request) }
}

// NewCounter creates and registers a service-prefixed counter vector.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: mc.serviceName + "_" + name, Help: help}, labels)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge creates and registers a service-prefixed gauge vector.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: mc.serviceName + "_" + name, Help: help}, labels)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram creates and registers a service-prefixed histogram vector.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: mc.serviceName + "_" + name, Help: help, Buckets: buckets}, labels)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// CreateDatabaseMetrics creates the standard query-count/duration/connection metrics.
func (mc *MetricsCollector) CreateDatabaseMetrics() (*prometheus.CounterVec, *prometheus.HistogramVec, *prometheus.GaugeVec) {
	queries := mc.NewCounter("db_queries_total", "Total database queries", []string{"query_type", "status"})
	duration := mc.NewHistogram("db_query_duration_seconds", "Database query duration", []string{"query_type"}, nil)
	connections := mc.NewGauge("db_connections_active", "Active database connections", []string{"database"})
	return queries, duration, connections
}

// CreateBillingMetrics creates the metering-specific business metrics: events
// ingested, duplicates rejected, quota rejections, and invoices built.
func (mc *MetricsCollector) CreateBillingMetrics() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec) {
	eventsIngested := mc.NewCounter("events_ingested_total", "Total usage events persisted", []string{"event_type"})
	duplicates := mc.NewCounter("events_deduplicated_total", "Total duplicate events suppressed", []string{"event_type"})
	quotaRejections := mc.NewCounter("quota_rejections_total", "Total requests rejected by quota enforcement", []string{"event_type", "mode"})
	invoicesBuilt := mc.NewCounter("invoices_built_total", "Total invoices generated", []string{"status"})
	return eventsIngested, duplicates, quotaRejections, invoicesBuilt
}
