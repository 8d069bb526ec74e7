// Package stats exports the server metrics to Prometheus: task outcomes and latencies of
// the user pipelines, device connection state transitions, and live gauges.
package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/replica"
	"github.com/deuxdrop/chat/server/store/types"
)

// Outcome label of a successful task.
const outcomeOK = "ok"

// Live reports the gauges sampled at scrape time.
type Live struct {
	// Number of cached user processors.
	Processors func() int
	// Number of device connections, including zombies.
	Connections func() int
}

// Metrics owns a registry with the server metrics.
type Metrics struct {
	registry *prometheus.Registry

	tasks       *prometheus.CounterVec
	taskSeconds *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	newMessages prometheus.Counter
}

// New creates the metrics under the namespace. Nil gauges in live are not exported.
func New(namespace string, live Live) *Metrics {
	start := time.Now()
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tasks_total",
			Help:      "Number of finished tasks by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		taskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "task_duration_seconds",
			Help:      "Time from the start of a task to its outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "transitions_total",
			Help:      "Device connection state transitions.",
		}, []string{"from", "to"}),
		newMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "new_messages_total",
			Help:      "Number of messages reported as new after an update phase.",
		}),
	}

	m.registry.MustRegister(m.tasks, m.taskSeconds, m.transitions, m.newMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the server started.",
		}, func() float64 {
			return time.Since(start).Seconds()
		}))
	if live.Processors != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processors_live_count",
			Help:      "Number of cached user processors.",
		}, func() float64 {
			return float64(live.Processors())
		}))
	}
	if live.Connections != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "connections_live_count",
			Help:      "Number of device connections including those waiting for a reattach.",
		}, func() float64 {
			return float64(live.Connections())
		}))
	}
	return m
}

// Registry returns the registry of the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskDone implements pipeline.Observer.
func (m *Metrics) TaskDone(kind types.EventKind, err error, took time.Duration) {
	outcome := outcomeOK
	if err != nil {
		outcome = string(types.Classify(err))
	}
	m.tasks.WithLabelValues(string(kind), outcome).Inc()
	m.taskSeconds.WithLabelValues(string(kind)).Observe(took.Seconds())
}

// Transition counts a device connection state change. Suitable for Delivery.OnTransition.
func (m *Metrics) Transition(from, to replica.ConnState) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// NewMessages counts released new-message notifications.
func (m *Metrics) NewMessages(n int) {
	m.newMessages.Add(float64(n))
}

type promHTTPLogger struct{}

func (promHTTPLogger) Println(v ...any) {
	logs.Err.Println(v...)
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler(timeout time.Duration) http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.registry,
		promhttp.HandlerFor(
			m.registry,
			promhttp.HandlerOpts{
				ErrorLog: promHTTPLogger{},
				Timeout:  timeout,
			},
		),
	)
}
