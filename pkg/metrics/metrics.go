package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Headers counts responses seen by the HSTS stage, by scope and decision.
	Headers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "always_hsts_headers_total",
		Help: "Responses processed by the HSTS stage (result = emitted, plaintext or disabled)",
	}, []string{"scope", "result"})

	// SecondsRemaining is the last max-age sent for a scope.
	SecondsRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "always_hsts_policy_seconds_remaining",
		Help: "max-age of the last Strict-Transport-Security header sent for the scope",
	}, []string{"scope"})
)

var (
	ConfigLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "always_hsts_config_loads_total",
		Help: "Configuration loads (result = ok or error)",
	}, []string{"result"})

	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "always_hsts_stage_errors_total",
		Help: "Requests answered with 500 because a response stage failed",
	}, []string{"scope"})
)
