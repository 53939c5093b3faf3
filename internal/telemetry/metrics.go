package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_tasks_enqueued_total", Help: "Tasks admitted, by task type"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_rate_limit_rejects_total", Help: "Task submissions rejected by the per-tenant rate limiter"})
	ClaimCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_claimed_total", Help: "Tasks moved into processing"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_claim_conflicts_total", Help: "Claims lost to a concurrent executor"})
	TaskOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ai_tasks_finished_total", Help: "Finished tasks by type and terminal status"}, []string{"type", "status"})
	ReapedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_tasks_lease_expired_total", Help: "Processing tasks failed by the lease reaper"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_tasks_queue_depth", Help: "Tasks waiting in the admission queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_tasks_inflight", Help: "Tasks executing in this process"})
	SubscriberGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ai_event_subscribers", Help: "Live event broker subscriptions"})
	DroppedEvents    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ai_events_dropped_total", Help: "Events dropped because a subscriber mailbox was full"})
	RunnerDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_runner_duration_seconds",
		Help:    "Wall time of workflow runner invocations",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ClaimCounter,
			ClaimConflicts,
			TaskOutcomes,
			ReapedCounter,
			QueueDepthGauge,
			InFlightGauge,
			SubscriberGauge,
			DroppedEvents,
			RunnerDuration,
		)
	})
	return promhttp.Handler()
}
