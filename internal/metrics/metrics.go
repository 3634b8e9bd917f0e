package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Cohort service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook reconciliation.
	WebhookEventsTotal *prometheus.CounterVec
	WebhookDuration    *prometheus.HistogramVec

	// Domain decisions.
	AccessDecisionsTotal *prometheus.CounterVec
	InvitationsTotal     *prometheus.CounterVec

	RateLimitRejectionsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_webhook_events_total",
			Help: "Webhook events received, by source, event type and outcome.",
		}, []string{"source", "event_type", "outcome"}),

		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_webhook_duration_seconds",
			Help:    "Time spent verifying and applying a webhook event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		AccessDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_access_decisions_total",
			Help: "Course access decisions, by granted access type.",
		}, []string{"access_type"}),

		InvitationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_invitations_total",
			Help: "Invitation operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookDuration,
		m.AccessDecisionsTotal,
		m.InvitationsTotal,
		m.RateLimitRejectionsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pathPattern string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pathPattern).Observe(d.Seconds())
}

// ObserveWebhook records one webhook delivery and how long it took.
func (m *Metrics) ObserveWebhook(source, eventType, outcome string, d time.Duration) {
	m.WebhookEventsTotal.WithLabelValues(source, eventType, outcome).Inc()
	m.WebhookDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncAccessDecision counts a decision by its access type.
func (m *Metrics) IncAccessDecision(accessType string) {
	m.AccessDecisionsTotal.WithLabelValues(accessType).Inc()
}

// IncInvitation counts an invitation operation.
func (m *Metrics) IncInvitation(operation, outcome string) {
	m.InvitationsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}
