package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolbridge_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_breaker_transitions_total",
			Help: "Circuit breaker state transitions by target state",
		},
		[]string{"name", "to"},
	)
)
