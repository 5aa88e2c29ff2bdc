// Package metrics exposes Prometheus metrics fed by telemetry events.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanpama/graphqlipc/internal/eventbus"
	"github.com/hanpama/graphqlipc/internal/events"
)

const namespace = "graphqlipc"

// Metrics holds the collectors of one process.
type Metrics struct {
	Invocations         *prometheus.CounterVec
	InvokeDuration      *prometheus.HistogramVec
	Teardowns           prometheus.Counter
	SubscriptionsActive prometheus.Gauge
	Subscriptions       *prometheus.CounterVec
	SubscriptionUpdates prometheus.Counter
	GraphQLRequests     *prometheus.CounterVec
	TransportRequests   *prometheus.CounterVec
	UpstreamRequests    *prometheus.CounterVec
	UpstreamDuration    prometheus.Histogram
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        prometheus.Histogram

	active sync.Map // correlation id -> struct{}
}

func New() *Metrics {
	return &Metrics{
		Invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "invoke",
				Name:      "total",
				Help:      "Host command invocations by outcome",
			},
			[]string{"command", "status"},
		),
		InvokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "invoke",
				Name:      "duration_seconds",
				Help:      "Host command invocation latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		Teardowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "invoke",
				Name:      "teardowns_total",
				Help:      "Invocations abandoned by a teardown before they resolved",
			},
		),
		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "active",
				Help:      "Subscriptions with an attached listener",
			},
		),
		Subscriptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "finished_total",
				Help:      "Finished subscriptions by outcome",
			},
			[]string{"status"},
		),
		SubscriptionUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "updates_total",
				Help:      "Updates delivered to subscription sinks",
			},
		),
		GraphQLRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graphql",
				Name:      "requests_total",
				Help:      "Requests executed by the host plugin",
			},
			[]string{"type", "status"},
		),
		TransportRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "requests_total",
				Help:      "Remote host requests by transport and result code",
			},
			[]string{"transport", "code"},
		),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "requests_total",
				Help:      "Requests forwarded to the upstream GraphQL endpoint",
			},
			[]string{"status"},
		),
		UpstreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "duration_seconds",
				Help:      "Upstream request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Gateway HTTP requests by method and status code",
			},
			[]string{"method", "code"},
		),
		HTTPDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "duration_seconds",
				Help:      "Gateway HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Invocations, m.InvokeDuration, m.Teardowns,
		m.SubscriptionsActive, m.Subscriptions, m.SubscriptionUpdates,
		m.GraphQLRequests, m.TransportRequests,
		m.UpstreamRequests, m.UpstreamDuration,
		m.HTTPRequests, m.HTTPDuration,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Attach feeds m from the global event bus and returns a function that
// detaches it.
func (m *Metrics) Attach() (detach func()) {
	offs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.InvokeFinish) {
			st := "ok"
			if !e.OK {
				st = "error"
			}
			m.Invocations.WithLabelValues(e.Command, st).Inc()
			m.InvokeDuration.WithLabelValues(e.Command).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(context.Context, events.OperationTeardown) {
			m.Teardowns.Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.SubscriptionStart) {
			m.active.Store(e.ID, struct{}{})
			m.SubscriptionsActive.Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.SubscriptionFinish) {
			// Channels that failed before attaching never counted as active.
			if _, ok := m.active.LoadAndDelete(e.ID); ok {
				m.SubscriptionsActive.Dec()
			}
			m.Subscriptions.WithLabelValues(status(e.Err)).Inc()
			m.SubscriptionUpdates.Add(float64(e.Updates))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.GraphQLFinish) {
			st := "ok"
			if len(e.Errors) > 0 {
				st = "error"
			}
			m.GraphQLRequests.WithLabelValues(e.OperationType, st).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.GRPCClientFinish) {
			m.TransportRequests.WithLabelValues("grpc", e.Code.String()).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.NATSRequestFinish) {
			m.TransportRequests.WithLabelValues("nats", e.Code).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.UpstreamFinish) {
			m.UpstreamRequests.WithLabelValues(status(e.Err)).Inc()
			m.UpstreamDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			m.HTTPRequests.WithLabelValues(e.Method, strconv.Itoa(e.Status)).Inc()
			m.HTTPDuration.Observe(e.Duration.Seconds())
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
