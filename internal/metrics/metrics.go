// Package metrics holds the Prometheus collectors FlowPipe exports on /metrics.
//
// A nil *Metrics is valid and records nothing, so components can take one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowpipe"

// Metrics groups every collector of the service.
type Metrics struct {
	inboundEvents    *prometheus.CounterVec
	engineOutcomes   *prometheus.CounterVec
	outboundMessages *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	sessionConflicts prometheus.Counter
	sessionsPurged   prometheus.Counter
	deliveryReports  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Use prometheus.NewRegistry() in
// tests to avoid duplicate registration against the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound channel events by channel and handling result.",
		}, []string{"channel", "result"}),
		engineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_outcomes_total",
			Help:      "Flow engine results by outcome.",
		}, []string{"outcome"}),
		outboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound messages by channel and final dispatch status.",
		}, []string{"channel", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of gateway provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		sessionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_version_conflicts_total",
			Help:      "Session writes rejected by the version check.",
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_purged_total",
			Help:      "Expired sessions removed by the sweeper.",
		}),
		deliveryReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_reports_total",
			Help:      "Provider delivery reports by status and whether a message matched.",
		}, []string{"status", "matched"}),
	}
	reg.MustRegister(
		m.inboundEvents,
		m.engineOutcomes,
		m.outboundMessages,
		m.providerLatency,
		m.sessionConflicts,
		m.sessionsPurged,
		m.deliveryReports,
	)
	return m
}

// InboundEvent counts one handled inbound event.
func (m *Metrics) InboundEvent(channel, result string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(channel, result).Inc()
}

// EngineOutcome counts one engine result.
func (m *Metrics) EngineOutcome(outcome string) {
	if m == nil {
		return
	}
	m.engineOutcomes.WithLabelValues(outcome).Inc()
}

// OutboundMessage counts one dispatched message.
func (m *Metrics) OutboundMessage(channel, status string) {
	if m == nil {
		return
	}
	m.outboundMessages.WithLabelValues(channel, status).Inc()
}

// ProviderCall observes the duration of one provider call.
func (m *Metrics) ProviderCall(provider, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// SessionConflict counts one version conflict.
func (m *Metrics) SessionConflict() {
	if m == nil {
		return
	}
	m.sessionConflicts.Inc()
}

// SessionsPurged adds n purged sessions.
func (m *Metrics) SessionsPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsPurged.Add(float64(n))
}

// DeliveryReport counts one provider delivery report.
func (m *Metrics) DeliveryReport(status string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.deliveryReports.WithLabelValues(status, label).Inc()
}
