package profile

import "github.com/prometheus/client_golang/prometheus"

const namespace = "txkernel"

type metrics struct {
	tasks        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	participants *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	readyDepth   prometheus.Gauge
	consumers    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Finished task attempts by base type and outcome.",
		}, []string{"base_type", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Retryable failures that caused an immediate retry.",
		}, []string{"base_type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Tasks dropped without further retry.",
		}, []string{"base_type", "reason"}),
		participants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "txn_participants_total",
			Help:      "Participant protocol outcomes.",
		}, []string{"participant", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempt_duration_seconds",
			Help:      "Duration of a task attempt including commit or abort.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"base_type"}),
		readyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_queue_depth",
			Help:      "Ready tasks plus tasks waiting behind a task queue head, sampled at attempt start.",
		}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_threads",
			Help:      "Consumers currently pulling tasks.",
		}),
	}
	reg.MustRegister(m.tasks, m.retries, m.dropped, m.participants, m.duration, m.readyDepth, m.consumers)
	return m
}
