package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SessionsStartedTotal counts started session timers.
	SessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_sessions_started_total",
		Help: "Total number of session timers started",
	})

	// SessionsEndedTotal counts ended sessions by outcome.
	SessionsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_sessions_ended_total",
		Help: "Total number of sessions ended, labeled by outcome",
	}, []string{"outcome"})

	// NudgesTotal counts overrun reminder intervals that fired.
	NudgesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_nudges_total",
		Help: "Total number of overrun nudges fired",
	})

	// NegotiationsTotal counts negotiations by kind and transport.
	NegotiationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_negotiations_total",
		Help: "Total number of negotiations started, labeled by kind and transport",
	}, []string{"kind", "transport"})

	// KarmaAdjustmentsTotal counts score adjustments by direction.
	KarmaAdjustmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_karma_adjustments_total",
		Help: "Total number of karma score adjustments, labeled by direction",
	}, []string{"direction"})

	// TokenRefreshesTotal counts auth token exchanges against the backend.
	TokenRefreshesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_token_refreshes_total",
		Help: "Total number of auth token exchanges performed",
	})

	// BackendRequestDuration observes remote negotiation service latency.
	BackendRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessiond_backend_request_duration_seconds",
		Help:    "Latency of remote negotiation service calls, labeled by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// Collectors returns every custom collector for registration on the
// metrics server registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SessionsStartedTotal,
		SessionsEndedTotal,
		NudgesTotal,
		NegotiationsTotal,
		KarmaAdjustmentsTotal,
		TokenRefreshesTotal,
		BackendRequestDuration,
	}
}
