package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	InboundMessages  *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	CallingTriggers  *prometheus.CounterVec
	ActionsExecuted  *prometheus.CounterVec
	PaymentUpdates   *prometheus.CounterVec
	PaymentLatency   *prometheus.HistogramVec
	ScheduledJobs    *prometheus.CounterVec
	GatewayRequests  *prometheus.CounterVec
	GatewayLatency   *prometheus.HistogramVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Total inbound chat messages processed.",
			}, []string{"type"}),
			OutboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_messages_total",
				Help:      "Total outbound chat messages sent.",
			}, []string{"type"}),
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "funnel_transitions_total",
				Help:      "Funnel state transitions by result.",
			}, []string{"result"}),
			CallingTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calling_triggers_total",
				Help:      "Calling trigger lookups by outcome.",
			}, []string{"key", "outcome"}),
			ActionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calling_actions_total",
				Help:      "Automation actions executed by type and status.",
			}, []string{"action", "status"}),
			PaymentUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_updates_total",
				Help:      "Payment status updates by source and result.",
			}, []string{"source", "result"}),
			PaymentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payment_update_duration_seconds",
				Help:      "Latency distribution for payment update handling.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
			ScheduledJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_jobs_total",
				Help:      "Delayed follow-up/reminder jobs by kind and status.",
			}, []string{"kind", "status"}),
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Payment gateway API calls by endpoint and status.",
			}, []string{"endpoint", "status"}),
			GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Latency distribution for payment gateway calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.InboundMessages,
			metricsInstance.OutboundMessages,
			metricsInstance.Transitions,
			metricsInstance.CallingTriggers,
			metricsInstance.ActionsExecuted,
			metricsInstance.PaymentUpdates,
			metricsInstance.PaymentLatency,
			metricsInstance.ScheduledJobs,
			metricsInstance.GatewayRequests,
			metricsInstance.GatewayLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
