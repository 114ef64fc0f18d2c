package metrics

import (
	"context"

	"github.com/Borislavv/swarm-scheduler/pkg/event"
	"github.com/VictoriaMetrics/metrics"
)

// Meter translates scheduler lifecycle events into Prometheus series. It is
// a plain bus subscriber: schedulers stay metrics-free and keep working when
// no meter runs.
type Meter interface {
	Run(ctx context.Context, bus *event.Bus)
}

type Metrics struct{}

func New() *Metrics {
	return &Metrics{}
}

// Run consumes the bus until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context, bus *event.Bus) {
	events, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.observe(e)
		}
	}
}

func (m *Metrics) observe(e event.Event) {
	switch e.Type {
	case event.RequestScheduled:
		metrics.GetOrCreateCounter(`swarm_scheduler_requests_scheduled_total`).Inc()
	case event.RequestStarted:
		metrics.GetOrCreateCounter(`swarm_scheduler_requests_started_total`).Inc()
	case event.RequestRetry:
		metrics.GetOrCreateCounter(`swarm_scheduler_requests_retried_total`).Inc()
	case event.RequestCompleted:
		metrics.GetOrCreateCounter(`swarm_scheduler_requests_completed_total`).Inc()
	case event.RequestFailed:
		metrics.GetOrCreateCounter(`swarm_scheduler_requests_failed_total`).Inc()
	case event.TaskEnqueued:
		metrics.GetOrCreateCounter(taskCounterName("enqueued", e.Swarm)).Inc()
	case event.TaskStarted:
		metrics.GetOrCreateCounter(taskCounterName("started", e.Swarm)).Inc()
	case event.TaskCompleted:
		metrics.GetOrCreateCounter(taskCounterName("completed", e.Swarm)).Inc()
	case event.TaskFailed:
		metrics.GetOrCreateCounter(taskCounterName("failed", e.Swarm)).Inc()
	case event.TokensRefilled:
		metrics.GetOrCreateCounter(`swarm_scheduler_token_refills_total`).Inc()
	case event.QueueUpdate:
		metrics.GetOrCreateGauge(`swarm_scheduler_queue_size`, nil).Set(float64(e.QueueSize))
	}
}

func taskCounterName(kind, swarm string) string {
	if swarm == "" {
		swarm = "_unknown_"
	}
	return `swarm_scheduler_tasks_` + kind + `_total{swarm="` + swarm + `"}`
}
