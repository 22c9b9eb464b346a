package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Manager's Prometheus collectors.
type Metrics struct {
	AttemptsTotal     *prometheus.CounterVec
	OutcomesTotal     *prometheus.CounterVec
	BusyRejections    *prometheus.CounterVec
	Reconfigurations  *prometheus.CounterVec
	ActiveAttempts    prometheus.Gauge
	HandshakeDuration *prometheus.HistogramVec
	RateLimited       prometheus.Counter
	KeyErrors         prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_security_attempts_total",
				Help: "Session establishment attempts started",
			},
			[]string{"protocol", "role"},
		),
		OutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_security_outcomes_total",
				Help: "Session establishment attempts finished, by outcome",
			},
			[]string{"protocol", "role", "outcome"},
		),
		BusyRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_security_busy_rejections_total",
				Help: "Requests refused because an attempt was in progress",
			},
			[]string{"protocol", "role"},
		),
		Reconfigurations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_security_reconfigurations_total",
				Help: "Handshake reconfigurations",
			},
			[]string{"protocol"},
		),
		ActiveAttempts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "weave_security_active_attempts",
				Help: "Attempts currently in progress",
			},
		),
		HandshakeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weave_security_handshake_duration_seconds",
				Help:    "Time from first message to outcome",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"protocol", "outcome"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "weave_security_pase_rate_limited_total",
				Help: "Times the PASE rate limiter armed its cooldown",
			},
		),
		KeyErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "weave_security_key_errors_total",
				Help: "Key error messages received",
			},
		),
	}
}

func roleLabel(initiator bool) string {
	if initiator {
		return "initiator"
	}
	return "responder"
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return kindLabel(err)
}
