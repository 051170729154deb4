package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	OutcomeComplete    = "complete"
	OutcomeAborted     = "aborted"
	OutcomeUnknownRole = "unknown_role"
	OutcomeSuperseded  = "superseded"
)

var (
	registerOnce sync.Once

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fcgictl",
			Subsystem: "mux",
			Name:      "connections_active",
			Help:      "Connections currently owned by the multiplexer.",
		},
	)
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fcgictl",
			Subsystem: "mux",
			Name:      "connections_accepted_total",
			Help:      "Total accepted connections.",
		},
	)
	recordsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgictl",
			Subsystem: "responder",
			Name:      "records_read_total",
			Help:      "Complete records dispatched, by record type.",
		},
		[]string{"type"},
	)
	requestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgictl",
			Subsystem: "responder",
			Name:      "requests_total",
			Help:      "Finished requests, by outcome.",
		},
		[]string{"outcome"},
	)
	bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fcgictl",
			Subsystem: "mux",
			Name:      "bytes_written_total",
			Help:      "Bytes written to connection sockets.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcgictl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fcgictl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsActive,
			connectionsAccepted,
			recordsRead,
			requestOutcomes,
			bytesWritten,
			httpRequests,
			httpDuration,
		)
	})
}

func ConnectionOpened() {
	RegisterMetrics()
	connectionsAccepted.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connectionsActive.Dec()
}

func RecordRecordRead(recordType string) {
	RegisterMetrics()
	recordsRead.WithLabelValues(recordType).Inc()
}

func RecordRequestOutcome(outcome string) {
	RegisterMetrics()
	requestOutcomes.WithLabelValues(outcome).Inc()
}

func RecordBytesWritten(n int) {
	RegisterMetrics()
	bytesWritten.Add(float64(n))
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
