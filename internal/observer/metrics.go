package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	eventProcessingLabels = []string{"event_type", "source"}
	eventActionLabels     = []string{"event_type", "action", "error_type"}

	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_events_received_total",
			Help: "Total number of lead events received from NATS.",
		},
		eventProcessingLabels,
	)
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_events_processed_total",
			Help: "Total number of lead events successfully processed and acknowledged.",
		},
		eventProcessingLabels,
	)
	EventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_events_failed_total",
			Help: "Total number of lead events that failed processing (nak or term).",
		},
		eventProcessingLabels,
	)
	EventProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lead_capture_event_processing_duration_seconds",
			Help:    "Histogram of event processing durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		eventProcessingLabels,
	)
	EventProcessingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_event_processing_actions_total",
			Help: "Total count of ack/nak/term actions taken after event processing, labeled by error type.",
		},
		eventActionLabels,
	)
)

// Store metrics
var (
	dbOperationLabels = []string{"operation", "driver", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lead_capture_store_operation_duration_seconds",
			Help:    "Histogram of record store operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)

	SchemaConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_schema_conflicts_total",
			Help: "Records carrying both field spellings with different values, by field.",
		},
		[]string{"field"},
	)
)

// Lead service metrics
var (
	LeadsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_leads_written_total",
			Help: "Lead writes by origin and result.",
		},
		[]string{"source", "result"},
	)
	ImportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_import_rows_total",
			Help: "Bulk import rows by result.",
		},
		[]string{"result"},
	)
	QueryResultSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lead_capture_query_result_size",
			Help:    "Number of leads returned per query after residual filtering.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)

// HTTP metrics
var (
	httpLabels = []string{"method", "route", "status"}

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_capture_http_requests_total",
			Help: "HTTP requests served by the lead API.",
		},
		httpLabels,
	)
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lead_capture_http_request_duration_seconds",
			Help:    "HTTP request latencies.",
			Buckets: prometheus.DefBuckets,
		},
		httpLabels,
	)
)

// Ingestion worker pool metrics
var (
	ingestionTasksSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_capture_ingestion_tasks_submitted_total",
		Help: "Total number of messages submitted to the ingestion worker pool.",
	})
	ingestionWorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lead_capture_ingestion_workers_running",
		Help: "Number of ingestion workers currently running a task.",
	})
)

// Seeder metrics
var (
	loadgenLabels = []string{"subject"}

	loadgenMessagesAttemptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_messages_attempted_total",
			Help: "Total number of messages the seeder attempted to publish.",
		},
		loadgenLabels,
	)
	loadgenMessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_messages_published_total",
			Help: "Total number of messages successfully published by the seeder.",
		},
		loadgenLabels,
	)
	loadgenPublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_publish_errors_total",
			Help: "Total number of errors encountered by the seeder during publishing.",
		},
		loadgenLabels,
	)
)

// InitMetrics toggles metric collection. Metrics are registered by promauto
// at package init, so disabling only stops the helpers from recording.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// Enabled reports whether metric helpers record values.
func Enabled() bool {
	return metricsEnabled
}

func sanitizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// IncEventsReceived increments the events received counter.
func IncEventsReceived(eventType, source string) {
	if !metricsEnabled {
		return
	}
	EventsReceivedTotal.WithLabelValues(eventType, sanitizeLabel(source)).Inc()
}

// IncEventsProcessed increments the events processed counter.
func IncEventsProcessed(eventType, source string) {
	if !metricsEnabled {
		return
	}
	EventsProcessedTotal.WithLabelValues(eventType, sanitizeLabel(source)).Inc()
}

// IncEventsFailed increments the events failed counter.
func IncEventsFailed(eventType, source string) {
	if !metricsEnabled {
		return
	}
	EventsFailedTotal.WithLabelValues(eventType, sanitizeLabel(source)).Inc()
}

// ObserveEventProcessingDuration records the processing time for a specific event.
func ObserveEventProcessingDuration(eventType, source string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	EventProcessingDurationSeconds.WithLabelValues(eventType, sanitizeLabel(source)).Observe(duration.Seconds())
}

// IncEventProcessingAction increments the counter for a specific processing outcome.
func IncEventProcessingAction(eventType, action, errorType string) {
	if !metricsEnabled {
		return
	}
	EventProcessingActionsTotal.WithLabelValues(eventType, action, SanitizeErrorType(errorType)).Inc()
}

// ObserveDbOperationDuration records the duration for a store operation.
func ObserveDbOperationDuration(operation, driver string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, driver, status).Observe(duration.Seconds())
}

// IncSchemaConflict counts a record whose two field spellings disagree.
func IncSchemaConflict(field string) {
	if !metricsEnabled {
		return
	}
	SchemaConflictsTotal.WithLabelValues(field).Inc()
}

// IncLeadsWritten counts a lead write attempt by origin and result.
func IncLeadsWritten(source string, err error) {
	if !metricsEnabled {
		return
	}
	result := "success"
	if err != nil {
		result = SanitizeErrorType(err.Error())
	}
	LeadsWrittenTotal.WithLabelValues(sanitizeLabel(source), result).Inc()
}

// AddImportRows adds the outcome of a bulk import.
func AddImportRows(successes, failures int) {
	if !metricsEnabled {
		return
	}
	ImportRowsTotal.WithLabelValues("success").Add(float64(successes))
	ImportRowsTotal.WithLabelValues("failure").Add(float64(failures))
}

// ObserveQueryResultSize records how many leads a query returned.
func ObserveQueryResultSize(n int) {
	if !metricsEnabled {
		return
	}
	QueryResultSize.Observe(float64(n))
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	route = sanitizeLabel(route)
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// IncIngestionTasksSubmitted counts a message handed to the worker pool.
func IncIngestionTasksSubmitted() {
	if !metricsEnabled {
		return
	}
	ingestionTasksSubmittedTotal.Inc()
}

// SetIngestionWorkersRunning sets the number of busy ingestion workers.
func SetIngestionWorkersRunning(n int) {
	if !metricsEnabled {
		return
	}
	ingestionWorkersRunning.Set(float64(n))
}

// SanitizeErrorType maps specific errors to a small set of categories.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "store unavailable"):
		return "store_unavailable"
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}

// --- Load Generator Metric Helpers ---

// IncLoadgenMessagesAttempted increments the counter for attempted message publications.
func IncLoadgenMessagesAttempted(subject string) {
	if !metricsEnabled {
		return
	}
	loadgenMessagesAttemptedTotal.WithLabelValues(subject).Inc()
}

// IncLoadgenMessagesPublished increments the counter for successfully published messages.
func IncLoadgenMessagesPublished(subject string) {
	if !metricsEnabled {
		return
	}
	loadgenMessagesPublishedTotal.WithLabelValues(subject).Inc()
}

// IncLoadgenPublishErrors increments the counter for publishing errors.
func IncLoadgenPublishErrors(subject string) {
	if !metricsEnabled {
		return
	}
	loadgenPublishErrorsTotal.WithLabelValues(subject).Inc()
}
