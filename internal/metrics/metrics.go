package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/service"
	"github.com/notifyhub/fanout-dispatch/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsCreated *prometheus.CounterVec
	DeliveriesCreated    *prometheus.CounterVec
	EnqueueFailures      *prometheus.CounterVec
	DeliveriesCompleted  *prometheus.CounterVec
	TransientFailures    *prometheus.CounterVec
	JobsRedelivered      *prometheus.CounterVec
	JobsDropped          *prometheus.CounterVec
	SweepRequeued        prometheus.Counter
	ProcessingLatency    *prometheus.HistogramVec
	QueueDepth           *prometheus.GaugeVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of accepted notification requests.",
		}, []string{"channel"}),

		DeliveriesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_created_total",
			Help: "Total number of deliveries persisted by fan-out.",
		}, []string{"channel"}),

		EnqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enqueue_failures_total",
			Help: "Deliveries committed but not enqueued; left for the sweeper.",
		}, []string{"channel"}),

		DeliveriesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_completed_total",
			Help: "Deliveries that reached a terminal state.",
		}, []string{"channel", "state", "reason"}),

		TransientFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transient_failures_total",
			Help: "Delivery attempts that ended in a redeliverable error.",
		}, []string{"channel", "stage"}),

		JobsRedelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_redelivered_total",
			Help: "Jobs scheduled for redelivery after a transient failure.",
		}, []string{"channel"}),

		JobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_dropped_total",
			Help: "Jobs dropped after reaching the redelivery limit.",
		}, []string{"channel"}),

		SweepRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_requeued_total",
			Help: "Stale pending deliveries re-enqueued by the sweeper.",
		}),

		ProcessingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_processing_seconds",
			Help:    "Latency of the attempt that completed a delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs waiting per priority tier.",
		}, []string{"priority"}),
	}

	reg.MustRegister(
		m.NotificationsCreated,
		m.DeliveriesCreated,
		m.EnqueueFailures,
		m.DeliveriesCompleted,
		m.TransientFailures,
		m.JobsRedelivered,
		m.JobsDropped,
		m.SweepRequeued,
		m.ProcessingLatency,
		m.QueueDepth,
	)

	return m
}

// FanOutHooks returns the callbacks expected by service.NotificationService.
func (m *Metrics) FanOutHooks() service.FanOutHooks {
	return service.FanOutHooks{
		OnFanOut: func(ch domain.Channel, deliveries int) {
			m.NotificationsCreated.WithLabelValues(string(ch)).Inc()
			m.DeliveriesCreated.WithLabelValues(string(ch)).Add(float64(deliveries))
		},
		OnEnqueueFailed: func(ch domain.Channel) {
			m.EnqueueFailures.WithLabelValues(string(ch)).Inc()
		},
	}
}

// ProcessorHooks returns the callbacks expected by service.DeliveryProcessor.
func (m *Metrics) ProcessorHooks() service.ProcessorHooks {
	return service.ProcessorHooks{
		OnCompleted: func(ch domain.Channel, o domain.Outcome, latency time.Duration) {
			reason := ""
			if o.FailureReason != nil {
				reason = string(*o.FailureReason)
			}
			m.DeliveriesCompleted.WithLabelValues(string(ch), string(o.State), reason).Inc()
			m.ProcessingLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
		},
		OnTransient: func(ch domain.Channel, stage string) {
			m.TransientFailures.WithLabelValues(string(ch), stage).Inc()
		},
	}
}

// WorkerHooks returns the callbacks expected by worker.MetricHooks.
// Centralises the prometheus observation calls so worker.go stays import-free.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnRedelivered: func(ch domain.Channel) {
			m.JobsRedelivered.WithLabelValues(string(ch)).Inc()
		},
		OnDropped: func(ch domain.Channel) {
			m.JobsDropped.WithLabelValues(string(ch)).Inc()
		},
	}
}

// SweepHook returns the callback expected by worker.NewSweepWorker.
func (m *Metrics) SweepHook() func(int) {
	return func(n int) { m.SweepRequeued.Add(float64(n)) }
}

// ObserveQueue copies the queue's current depths into the gauges.
func (m *Metrics) ObserveQueue(ctx context.Context, q queue.Queue) error {
	d, err := q.Depths(ctx)
	if err != nil {
		return err
	}
	m.QueueDepth.WithLabelValues(string(domain.PriorityHigh)).Set(float64(d.High))
	m.QueueDepth.WithLabelValues(string(domain.PriorityNormal)).Set(float64(d.Normal))
	m.QueueDepth.WithLabelValues(string(domain.PriorityLow)).Set(float64(d.Low))
	return nil
}
