// Package metrics provides Prometheus metrics for the codepad API.
package metrics

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepad_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codepad_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	treeMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepad_tree_mutations_total",
			Help: "Tree mutations by entity, operation and outcome",
		},
		[]string{"entity", "op", "outcome"},
	)

	changeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codepad_change_subscribers",
			Help: "Number of sessions currently subscribed to workspace changes",
		},
	)

	changeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepad_change_records_total",
			Help: "Change records fanned out to subscribers, by delivery result",
		},
		[]string{"result"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codepad_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	archiveExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepad_archive_exports_total",
			Help: "Workspace archive exports",
		},
		[]string{"status"},
	)

	archiveBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codepad_archive_bytes_total",
			Help: "Total bytes of generated archives",
		},
	)

	unlockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codepad_unlock_attempts_total",
			Help: "Workspace unlock attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordMutation records the outcome of one tree mutation ("ok", "conflict", "not_found", ...).
func RecordMutation(entity, op, outcome string) {
	treeMutationsTotal.WithLabelValues(entity, op, outcome).Inc()
}

func SetChangeSubscribers(count int) {
	changeSubscribers.Set(float64(count))
}

func RecordChangeDelivered() {
	changeRecordsTotal.WithLabelValues("delivered").Inc()
}

func RecordSubscribersEvicted(count int) {
	changeRecordsTotal.WithLabelValues("evicted").Add(float64(count))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

func RecordArchiveExport(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	archiveExportsTotal.WithLabelValues(status).Inc()
	if success {
		archiveBytesTotal.Add(float64(bytes))
	}
}

// RecordUnlockAttempt records a password gate attempt: "success", "failure" or "throttled".
func RecordUnlockAttempt(result string) {
	unlockAttemptsTotal.WithLabelValues(result).Inc()
}

// RegisterDB exports connection pool statistics for db. Registering twice is a no-op.
func RegisterDB(db *sql.DB, name string) {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &already) {
		panic(err)
	}
}
