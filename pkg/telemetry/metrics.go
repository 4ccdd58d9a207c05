// Package telemetry exposes Prometheus metrics for the hot path.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PolicyEvaluateDuration tracks policy_engine.evaluate latency.
	PolicyEvaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmshield_policy_evaluate_duration_seconds",
		Help:    "Duration of one policy engine evaluation.",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
	})

	// PolicyEvaluateActions counts evaluations by final action.
	PolicyEvaluateActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmshield_policy_evaluate_actions_total",
		Help: "Policy engine evaluations by final action.",
	}, []string{"action"})

	// PolicyRulesEvaluated counts individual rule evaluations.
	PolicyRulesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmshield_policy_rules_evaluated_total",
		Help: "Individual policy rule evaluations.",
	})

	// PolicyEvaluatorFailures counts per-rule evaluator failures (treated
	// as no-violation).
	PolicyEvaluatorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmshield_policy_evaluator_failures_total",
		Help: "Per-rule evaluator failures, by rule type.",
	}, []string{"rule_type"})

	// LLMCalls counts LLM client call outcomes.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmshield_llm_calls_total",
		Help: "LLM client calls by outcome.",
	}, []string{"outcome"})

	// LLMRetries counts retried LLM attempts.
	LLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarmshield_llm_retries_total",
		Help: "LLM call attempts retried after a retryable error.",
	})

	// GhostWipes counts wipe executions by outcome.
	GhostWipes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmshield_ghost_wipes_total",
		Help: "Ghost protocol wipe executions by outcome.",
	}, []string{"outcome"})

	// GatewayRejections counts admission rejections by reason.
	GatewayRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmshield_gateway_rejections_total",
		Help: "Gateway admission rejections by reason.",
	}, []string{"reason"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
