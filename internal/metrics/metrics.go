// Package metrics provides Prometheus metrics for the asset namespace.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetspace_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage backend metrics
	storageOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetspace_storage_operations_total",
			Help: "Storage backend operations by result",
		},
		[]string{"backend", "op", "status"},
	)

	storageOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetspace_storage_operation_duration_seconds",
			Help:    "Storage backend operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	storageBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetspace_storage_bytes_uploaded_total",
			Help: "Total bytes written to the storage backend",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetspace_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetspace_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Namespace operations
	cascadeItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetspace_cascade_items_total",
			Help: "Items touched by cascade rename/delete, by outcome",
		},
		[]string{"op", "status"},
	)

	importEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetspace_import_entries_total",
			Help: "Archive entries processed by the bulk importer",
		},
		[]string{"kind", "status"},
	)

	sweepDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetspace_sweep_deleted_total",
			Help: "Objects removed by the retention sweeper",
		},
	)

	sweepErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetspace_sweep_errors_total",
			Help: "Objects the retention sweeper failed to remove",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assetspace_sweep_duration_seconds",
			Help:    "Duration of a full retention sweep",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStorageOp records one backend call.
func RecordStorageOp(backend, op string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	storageOpsTotal.WithLabelValues(backend, op, status).Inc()
	storageOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordUploadBytes adds to the uploaded byte counter.
func RecordUploadBytes(n int64) {
	if n > 0 {
		storageBytesUploaded.Add(float64(n))
	}
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the open connection gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// RecordCascadeItem counts one item of a rename or delete cascade.
func RecordCascadeItem(op string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	cascadeItemsTotal.WithLabelValues(op, status).Inc()
}

// RecordImportEntry counts one archive entry ("folder" or "file").
func RecordImportEntry(kind, status string) {
	importEntriesTotal.WithLabelValues(kind, status).Inc()
}

// RecordSweep records the outcome of a retention sweep.
func RecordSweep(deleted, failed int, duration time.Duration) {
	sweepDeletedTotal.Add(float64(deleted))
	sweepErrorsTotal.Add(float64(failed))
	sweepDuration.Observe(duration.Seconds())
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request counts and latency. Requests are labelled by
// their mux pattern rather than the raw path so object keys don't explode
// label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
