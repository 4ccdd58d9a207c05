// Package policy implements the pure event-vs-rules evaluation engine.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/cache"
	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/telemetry"
)

// MatchedRule is the sanitized projection of a matching rule. It carries
// exactly these keys — never the rule config.
type MatchedRule struct {
	RuleID   uuid.UUID         `json:"rule_id"`
	RuleName string            `json:"rule_name"`
	Action   models.RuleAction `json:"action"`
	RuleType models.RuleType   `json:"rule_type"`
}

// Result is one evaluation outcome. MatchedRules preserves priority order.
type Result struct {
	Action         models.RuleAction
	MatchedRules   []MatchedRule
	Details        map[string]map[string]any // rule id → evaluator details
	EvaluatedCount int
	BlockCount     int
	FlagCount      int
}

// ToMap renders the evaluation result as the detail map stored on the
// event row and returned to the caller.
func (r *Result) ToMap() map[string]any {
	matched := make([]map[string]any, 0, len(r.MatchedRules))
	for _, m := range r.MatchedRules {
		matched = append(matched, map[string]any{
			"rule_id":   m.RuleID.String(),
			"rule_name": m.RuleName,
			"action":    string(m.Action),
			"rule_type": string(m.RuleType),
		})
	}
	return map[string]any{
		"action":          string(r.Action),
		"matched_rules":   matched,
		"evaluated_count": r.EvaluatedCount,
		"block_count":     r.BlockCount,
		"flag_count":      r.FlagCount,
	}
}

// Engine evaluates events against the cached per-workspace rule sets. Pure
// apart from rate-limit counter increments and telemetry emission.
type Engine struct {
	cache    *cache.PolicyCache
	counters *WindowCounters
}

// NewEngine creates an engine over the policy cache and counter table.
func NewEngine(policyCache *cache.PolicyCache, counters *WindowCounters) *Engine {
	return &Engine{cache: policyCache, counters: counters}
}

// Counters exposes the rate-limit counter table for the sweeper.
func (e *Engine) Counters() *WindowCounters {
	return e.counters
}

// Evaluate runs every applicable rule (no short-circuit) and aggregates the
// most severe action. A single rule's evaluator failure is logged and
// treated as no-violation so one bad rule never breaks ingestion.
func (e *Engine) Evaluate(ctx context.Context, event *models.AgentEvent, agentType models.AgentType, agentName string) Result {
	start := time.Now()

	rules := e.cache.PolicyRules(ctx, event.WorkspaceID)
	ec := &evalContext{
		event:      event,
		agentType:  agentType,
		agentName:  agentName,
		detections: e.cache.DetectionRules(ctx, event.WorkspaceID),
		counters:   e.counters,
	}

	result := Result{
		Action:  models.ActionAllow,
		Details: make(map[string]map[string]any),
	}

	for i := range rules {
		rule := &rules[i]
		if !ruleApplies(rule, event.EventType, agentType) {
			continue
		}

		result.EvaluatedCount++
		telemetry.PolicyRulesEvaluated.Inc()

		outcome, err := safeEvaluate(rule, ec)
		if err != nil {
			slog.Warn("Rule evaluation failed, treating as no-violation",
				"rule_id", rule.ID, "rule_type", rule.RuleType, "error", err)
			telemetry.PolicyEvaluatorFailures.WithLabelValues(string(rule.RuleType)).Inc()
			continue
		}
		if !outcome.violation {
			continue
		}

		result.MatchedRules = append(result.MatchedRules, MatchedRule{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Action:   rule.Action,
			RuleType: rule.RuleType,
		})
		if outcome.details != nil {
			result.Details[rule.ID.String()] = outcome.details
		}

		switch rule.Action {
		case models.ActionBlock:
			result.BlockCount++
		case models.ActionFlag:
			result.FlagCount++
		}
	}

	// Most severe action wins across all matches.
	switch {
	case result.BlockCount > 0:
		result.Action = models.ActionBlock
	case result.FlagCount > 0:
		result.Action = models.ActionFlag
	}

	telemetry.PolicyEvaluateDuration.Observe(time.Since(start).Seconds())
	telemetry.PolicyEvaluateActions.WithLabelValues(string(result.Action)).Inc()

	return result
}

// safeEvaluate wraps one rule evaluation so a panicking evaluator is
// downgraded to an error instead of breaking the request.
func safeEvaluate(rule *models.PolicyRule, ec *evalContext) (outcome evalOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = evalOutcome{}
			err = fmt.Errorf("evaluator panicked: %v", r)
		}
	}()
	return evaluateRule(rule, ec)
}

// ruleApplies checks the rule's applicability filters. Empty lists mean
// "applies to all"; an event without a resolved agent type passes the
// agent-type filter.
func ruleApplies(rule *models.PolicyRule, eventType models.EventType, agentType models.AgentType) bool {
	if len(rule.AppliesToEventTypes) > 0 {
		found := false
		for _, t := range rule.AppliesToEventTypes {
			if t == string(eventType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(rule.AppliesToAgentTypes) > 0 && agentType != "" {
		found := false
		for _, t := range rule.AppliesToAgentTypes {
			if t == string(agentType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
