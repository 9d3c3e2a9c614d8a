// ABOUTME: Prometheus collectors for webhook traffic, dropped events, handler latency and subscriptions
// ABOUTME: Implements dispatch.Observer and serves /metrics from a private registry

package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-chat/internal/chat"
)

const namespace = "coven_chat"

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	registry *prometheus.Registry

	webhooks        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handled         *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	subscriptions   *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook requests by platform and response status.",
		}, []string{"platform", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped before reaching a handler, by reason.",
		}, []string{"platform", "reason"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Events that ran at least one handler, by kind and result.",
		}, []string{"platform", "kind", "result"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time from lock acquisition to handler completion.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"platform", "kind"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_subscriptions_total",
			Help:      "Push subscription refresh outcomes.",
		}, []string{"platform", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhooks,
		m.dropped,
		m.handled,
		m.handlerDuration,
		m.subscriptions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) WebhookHandled(platform string, status int) {
	m.webhooks.WithLabelValues(platform, strconv.Itoa(status)).Inc()
}

func (m *Metrics) EventDropped(platform, reason string) {
	m.dropped.WithLabelValues(platform, reason).Inc()
}

func (m *Metrics) EventHandled(platform string, kind chat.Kind, elapsed time.Duration, err error) {
	m.handled.WithLabelValues(platform, string(kind), result(err)).Inc()
	m.handlerDuration.WithLabelValues(platform, string(kind)).Observe(elapsed.Seconds())
}

// SubscriptionCreated counts a newly created push subscription.
func (m *Metrics) SubscriptionCreated(platform string) {
	m.subscriptions.WithLabelValues(platform, "created").Inc()
}

// SubscriptionFailed counts a failed refresh.
func (m *Metrics) SubscriptionFailed(platform string) {
	m.subscriptions.WithLabelValues(platform, "failed").Inc()
}

func result(err error) string {
	var rl *chat.RateLimitedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rl):
		return "rate_limited"
	default:
		return "error"
	}
}
