package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	HTTPRequests        *prometheus.CounterVec
	VTURequests         *prometheus.CounterVec
	VTULatency          *prometheus.HistogramVec
	ProviderOutcomes    *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec
	BreakerTransitions  *prometheus.CounterVec
	IdempotencyOutcomes *prometheus.CounterVec
	LedgerOperations    *prometheus.CounterVec
	GiftClaims          *prometheus.CounterVec
	ScheduleRuns        *prometheus.CounterVec
	JobRuns             *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	WAOutgoingMessages  *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			VTURequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vtu_requests_total",
				Help:      "Total upstream VTU API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			VTULatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vtu_request_duration_seconds",
				Help:      "Latency distribution for upstream VTU API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			ProviderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_outcomes_total",
				Help:      "Classified provider gateway outcomes.",
			}, []string{"provider", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Latency of provider gateway calls including timeouts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "outcome"}),
			BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
			}, []string{"provider"}),
			BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions per provider.",
			}, []string{"provider", "to"}),
			IdempotencyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_outcomes_total",
				Help:      "Idempotency guard decisions.",
			}, []string{"outcome"}),
			LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Wallet ledger operations by kind and result.",
			}, []string{"operation", "result"}),
			GiftClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gift_claims_total",
				Help:      "Gift claim attempts by outcome.",
			}, []string{"outcome"}),
			ScheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_runs_total",
				Help:      "Scheduled purchase executions by outcome.",
			}, []string{"outcome"}),
			JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Background job executions by type and outcome.",
			}, []string{"type", "outcome"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications dispatched by kind and channel.",
			}, []string{"kind", "channel"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Redis cache lookups by result.",
			}, []string{"result"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.HTTPRequests,
			metricsInstance.VTURequests,
			metricsInstance.VTULatency,
			metricsInstance.ProviderOutcomes,
			metricsInstance.ProviderLatency,
			metricsInstance.BreakerState,
			metricsInstance.BreakerTransitions,
			metricsInstance.IdempotencyOutcomes,
			metricsInstance.LedgerOperations,
			metricsInstance.GiftClaims,
			metricsInstance.ScheduleRuns,
			metricsInstance.JobRuns,
			metricsInstance.Notifications,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.CacheLookups,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
