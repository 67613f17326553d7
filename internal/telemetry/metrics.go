package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_entries_enqueued_total", Help: "Total enqueued queue entries"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	ClaimsTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_claims_total", Help: "Successful entry claims"})
	EmptyPolls       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_empty_polls_total", Help: "Polls that found no eligible entry"})
	ExecuteSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_executions_succeeded_total", Help: "Entries that executed successfully"})
	ExecuteFailure   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_executions_failed_total", Help: "Entries whose action failed"})
	CleanupFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_cleanup_failures_total", Help: "Cleanup-phase failures escalated to operators"})
	RecurringCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_recurring_regenerated_total", Help: "Recurring entries regenerated after execution"})
	ReleasedEntries  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_entries_released_total", Help: "Claims released back to the pool at startup recovery"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_claimable_depth", Help: "Entries due and unclaimed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_entries_inflight", Help: "Entries currently claimed by this server"})
	StaleGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_entries_stale", Help: "Entries claimed longer than the staleness threshold"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ClaimsTotal,
			EmptyPolls,
			ExecuteSuccess,
			ExecuteFailure,
			CleanupFailures,
			RecurringCreated,
			ReleasedEntries,
			QueueDepthGauge,
			InFlightGauge,
			StaleGauge,
		)
	})
	return promhttp.Handler()
}
