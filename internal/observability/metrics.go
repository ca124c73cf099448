package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wmlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "input",
			Name:      "commit_total",
			Help:      "Ledger commits by result.",
		},
		[]string{"agent", "result"},
	)
	commitChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "input",
			Name:      "commit_changes_total",
			Help:      "Tag-level changes transmitted by commits.",
		},
		[]string{"agent", "action"},
	)
	outputRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "output",
			Name:      "records_total",
			Help:      "Output notification records by action and result.",
		},
		[]string{"agent", "action", "result"},
	)
	outputBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "output",
			Name:      "batches_total",
			Help:      "Output notification batches by result.",
		},
		[]string{"agent", "result"},
	)
	orphansDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "output",
			Name:      "orphans_discarded_total",
			Help:      "Output WMEs discarded because their parent never arrived.",
		},
		[]string{"agent"},
	)
	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wmlink",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Agent commands served by the kernel session server.",
		},
		[]string{"command", "status"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wmlink",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Agent command handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			commits,
			commitChanges,
			outputRecords,
			outputBatches,
			orphansDiscarded,
			sessionRequests,
			sessionDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordCommit counts one commit attempt and, on success, its transmitted adds and removes.
func RecordCommit(agent string, adds, removes int, err error) {
	RegisterMetrics()
	if err != nil {
		commits.WithLabelValues(agent, "error").Inc()
		return
	}
	commits.WithLabelValues(agent, "ok").Inc()
	commitChanges.WithLabelValues(agent, "add").Add(float64(adds))
	commitChanges.WithLabelValues(agent, "remove").Add(float64(removes))
}

func RecordOutputRecord(agent, action, result string) {
	RegisterMetrics()
	outputRecords.WithLabelValues(agent, action, result).Inc()
}

func RecordOutputBatch(agent string, failed bool, orphans int) {
	RegisterMetrics()
	result := "ok"
	if failed {
		result = "failed"
	}
	outputBatches.WithLabelValues(agent, result).Inc()
	if orphans > 0 {
		orphansDiscarded.WithLabelValues(agent).Add(float64(orphans))
	}
}

func RecordSessionRequest(command, status string, duration time.Duration) {
	RegisterMetrics()
	sessionRequests.WithLabelValues(command, status).Inc()
	sessionDuration.WithLabelValues(command, status).Observe(duration.Seconds())
}
