package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smsrelay"

var (
	// HTTP layer
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// Correlation
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Inbound events by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: matched, duplicate, inserted, unmatched, rejected, error

	matchLookups = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_lookups",
		Help:      "Candidate lookups performed per event",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_cas_conflicts_total",
		Help:      "Resolve attempts lost to a concurrent match",
	})

	// Persistence
	dbOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_operations_total",
		Help:      "Gateway operations by name and result",
	}, []string{"operation", "result"})

	dbOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_operation_duration_seconds",
		Help:      "Gateway operation latency including retries",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"operation"})

	dbRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_retries_total",
		Help:      "Transient failures retried by the gateway",
	}, []string{"operation"})

	dbDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_degraded",
		Help:      "1 while the last gateway operation exhausted its retries",
	})

	// Alerts
	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alert lifecycle events",
	}, []string{"result"}) // queued, dropped, sent, fallback, failed

	relayQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_queue_depth",
		Help:      "Alerts waiting for a relay worker",
	})

	telegramRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telegram_requests_total",
		Help:      "Chat API requests by parse mode and status",
	}, []string{"mode", "status"})

	// Auxiliary endpoints
	auditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_log_entries_total",
		Help:      "Audit log submissions by result",
	}, []string{"result"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_total",
		Help:      "Application package downloads by result",
	}, []string{"result"})
)

// Handler serves the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(route, method, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(route, method, status).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func RecordEvent(kind, outcome string) {
	eventsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordMatchLookups(n int) {
	matchLookups.Observe(float64(n))
}

func RecordCASConflict() {
	casConflictsTotal.Inc()
}

// RecordDBOperation records the final result of a gateway operation
func RecordDBOperation(operation string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	dbOperationsTotal.WithLabelValues(operation, result).Inc()
	dbOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordDBRetry(operation string) {
	dbRetriesTotal.WithLabelValues(operation).Inc()
}

func SetDBDegraded(degraded bool) {
	if degraded {
		dbDegraded.Set(1)
	} else {
		dbDegraded.Set(0)
	}
}

func RecordAlert(result string) {
	alertsTotal.WithLabelValues(result).Inc()
}

func SetRelayQueueDepth(n int) {
	relayQueueDepth.Set(float64(n))
}

func RecordTelegramRequest(mode, status string) {
	telegramRequestsTotal.WithLabelValues(mode, status).Inc()
}

func RecordAuditEntry(result string) {
	auditEntriesTotal.WithLabelValues(result).Inc()
}

func RecordDownload(result string) {
	downloadsTotal.WithLabelValues(result).Inc()
}
