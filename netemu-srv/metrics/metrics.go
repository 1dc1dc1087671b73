// Package metrics holds the Prometheus collectors exported on the control
// listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// summaryObjectives returns the quantiles tracked by duration summaries.
func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.5:  0.010,
		0.9:  0.010,
		0.99: 0.001,
	}
}

var (
	// FlowsTotal counts finished flows by outcome (closed, failed, rejected).
	FlowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_flows_total",
		Help: "Total number of guest flows by outcome",
	}, []string{"outcome"})

	// FlowFailures counts failed flows by error code.
	FlowFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_flow_failures_total",
		Help: "Total number of failed guest flows by error code",
	}, []string{"code"})

	// ActiveFlows gauges the flows currently open.
	ActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netemu_active_flows",
		Help: "Number of guest flows currently open",
	})

	// Classifications counts classification results.
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_classifications_total",
		Help: "Classification results of new flows",
	}, []string{"result"})

	// ShapedBytes counts bytes delivered through the conditioner.
	ShapedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_shaped_bytes_total",
		Help: "Bytes delivered through the network conditioner",
	}, []string{"direction"})

	// TokenWaitSeconds summarizes time spent waiting for bandwidth tokens.
	TokenWaitSeconds = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "netemu_token_wait_seconds",
		Help:       "Time spent waiting for bandwidth tokens (in seconds)",
		Objectives: summaryObjectives(),
	}, []string{"direction"})

	// LatencyDrawSeconds summarizes the latency drawn per shaping decision.
	LatencyDrawSeconds = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "netemu_latency_draw_seconds",
		Help:       "Latency drawn per shaping decision (in seconds)",
		Objectives: summaryObjectives(),
	}, []string{"direction"})

	// ConfigWrites counts shaping and radio writes by target and outcome.
	ConfigWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netemu_config_writes_total",
		Help: "Shaping and radio configuration writes",
	}, []string{"target", "outcome"})

	// DNSLookupSeconds summarizes the duration of destination resolution.
	DNSLookupSeconds = promauto.NewSummary(prometheus.SummaryOpts{
		Name:       "netemu_resolve_duration_seconds",
		Help:       "Time to resolve a flow destination (in seconds)",
		Objectives: summaryObjectives(),
	})
)

// Outcome returns the ConfigWrites outcome label for err.
func Outcome(err error) string {
	if err != nil {
		return "rejected"
	}
	return "ok"
}
