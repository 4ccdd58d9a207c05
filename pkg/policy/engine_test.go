package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmshield/swarmshield/pkg/cache"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// fakeRuleSource serves fixed rule sets to the policy cache.
type fakeRuleSource struct {
	rules      []models.PolicyRule
	detections []models.DetectionRule
}

func (f *fakeRuleSource) ListEnabledPolicyRules(context.Context, uuid.UUID) ([]models.PolicyRule, error) {
	return f.rules, nil
}

func (f *fakeRuleSource) ListEnabledDetectionRules(context.Context, uuid.UUID) ([]models.DetectionRule, error) {
	return f.detections, nil
}

func newTestEngine(rules []models.PolicyRule, detections []models.DetectionRule) *Engine {
	policyCache := cache.NewPolicyCache(&fakeRuleSource{rules: rules, detections: detections})
	return NewEngine(policyCache, NewWindowCounters())
}

func testEvent(workspaceID uuid.UUID, eventType models.EventType, content string) *models.AgentEvent {
	return &models.AgentEvent{
		ID:                uuid.New(),
		WorkspaceID:       workspaceID,
		RegisteredAgentID: uuid.New(),
		EventType:         eventType,
		Content:           content,
		SourceIP:          "203.0.113.9",
	}
}

func TestEvaluateNoRulesAllows(t *testing.T) {
	engine := newTestEngine(nil, nil)
	workspaceID := uuid.New()

	result := engine.Evaluate(context.Background(), testEvent(workspaceID, models.EventAction, "hello"), "", "")

	assert.Equal(t, models.ActionAllow, result.Action)
	assert.Empty(t, result.MatchedRules)
	assert.Zero(t, result.EvaluatedCount)

	m := result.ToMap()
	assert.Equal(t, "allow", m["action"])
	assert.Empty(t, m["matched_rules"])
}

func TestEvaluateBlocklistFlags(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "no tool calls", RuleType: models.RuleBlocklist,
		Action: models.ActionFlag, Enabled: true,
		Config: map[string]any{
			"field":     "event_type",
			"list_type": "blocklist",
			"values":    []any{" TOOL_CALL "},
		},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)
	workspaceID := uuid.New()

	result := engine.Evaluate(context.Background(), testEvent(workspaceID, models.EventToolCall, "x"), "", "")
	assert.Equal(t, models.ActionFlag, result.Action)
	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, rule.ID, result.MatchedRules[0].RuleID)
	assert.Equal(t, 1, result.FlagCount)

	// Trimmed, case-insensitive comparison matched; a different event
	// type passes.
	pass := engine.Evaluate(context.Background(), testEvent(workspaceID, models.EventAction, "x"), "", "")
	assert.Equal(t, models.ActionAllow, pass.Action)
}

func TestEvaluateAllowlistViolatesOnNonMatch(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "known ips", RuleType: models.RuleAllowlist,
		Action: models.ActionBlock, Enabled: true,
		Config: map[string]any{
			"field":     "source_ip",
			"list_type": "allowlist",
			"values":    []any{"198.51.100.1"},
		},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)

	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "x"), "", "")
	assert.Equal(t, models.ActionBlock, result.Action)
}

func TestEvaluateAllRulesNoShortCircuit(t *testing.T) {
	blockRule := models.PolicyRule{
		ID: uuid.New(), Name: "block tool calls", RuleType: models.RuleBlocklist,
		Action: models.ActionBlock, Priority: 100, Enabled: true,
		Config: map[string]any{"field": "event_type", "values": []any{"tool_call"}},
	}
	flagRule := models.PolicyRule{
		ID: uuid.New(), Name: "flag tool calls", RuleType: models.RuleBlocklist,
		Action: models.ActionFlag, Priority: 10, Enabled: true,
		Config: map[string]any{"field": "event_type", "values": []any{"tool_call"}},
	}
	engine := newTestEngine([]models.PolicyRule{blockRule, flagRule}, nil)

	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventToolCall, "x"), "", "")

	// Both rules evaluated; most severe action wins; priority order kept.
	assert.Equal(t, models.ActionBlock, result.Action)
	assert.Equal(t, 2, result.EvaluatedCount)
	assert.Equal(t, 1, result.BlockCount)
	assert.Equal(t, 1, result.FlagCount)
	require.Len(t, result.MatchedRules, 2)
	assert.Equal(t, blockRule.ID, result.MatchedRules[0].RuleID)
	assert.Equal(t, flagRule.ID, result.MatchedRules[1].RuleID)
}

func TestMatchedRulesProjectionNeverLeaksConfig(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "r", RuleType: models.RuleBlocklist,
		Action: models.ActionFlag, Enabled: true,
		Config: map[string]any{"field": "event_type", "values": []any{"action"}},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)

	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "x"), "", "")
	m := result.ToMap()
	matched := m["matched_rules"].([]map[string]any)
	require.Len(t, matched, 1)

	// Exactly these keys — never config, values, detection_rule_ids or
	// pattern.
	assert.Len(t, matched[0], 4)
	assert.Contains(t, matched[0], "rule_id")
	assert.Contains(t, matched[0], "rule_name")
	assert.Contains(t, matched[0], "action")
	assert.Contains(t, matched[0], "rule_type")
}

func TestEvaluateRateLimitBoundary(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "rl", RuleType: models.RuleRateLimit,
		Action: models.ActionFlag, Enabled: true,
		Config: map[string]any{"max_events": float64(3), "window_seconds": float64(60)},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)
	workspaceID := uuid.New()
	event := testEvent(workspaceID, models.EventAction, "x")

	// A counter at max_events-1 accepts one more; the next violates.
	for i := 0; i < 3; i++ {
		result := engine.Evaluate(context.Background(), event, "", "")
		assert.Equal(t, models.ActionAllow, result.Action, "event %d should pass", i+1)
	}
	fourth := engine.Evaluate(context.Background(), event, "", "")
	assert.Equal(t, models.ActionFlag, fourth.Action)
	require.Len(t, fourth.MatchedRules, 1)
	assert.Equal(t, models.RuleRateLimit, fourth.MatchedRules[0].RuleType)
}

func TestEvaluateRateLimitPerAgentScope(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "rl", RuleType: models.RuleRateLimit,
		Action: models.ActionFlag, Enabled: true,
		Config: map[string]any{"max_events": float64(1), "window_seconds": float64(60), "per": "mystery"},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)
	workspaceID := uuid.New()

	// Unknown scope defaults to per-agent: two different agents get
	// independent windows.
	a := testEvent(workspaceID, models.EventAction, "x")
	b := testEvent(workspaceID, models.EventAction, "x")

	assert.Equal(t, models.ActionAllow, engine.Evaluate(context.Background(), a, "", "").Action)
	assert.Equal(t, models.ActionAllow, engine.Evaluate(context.Background(), b, "", "").Action)
	assert.Equal(t, models.ActionFlag, engine.Evaluate(context.Background(), a, "", "").Action)
}

func TestEvaluatePayloadSizeBoundary(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "size", RuleType: models.RulePayloadSize,
		Action: models.ActionBlock, Enabled: true,
		Config: map[string]any{"max_payload_bytes": float64(13)},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)

	// {"k":"aaaaa"} serializes to exactly 13 bytes — passes.
	exact := testEvent(uuid.New(), models.EventAction, "")
	exact.Payload = map[string]any{"k": "aaaaa"}
	assert.Equal(t, models.ActionAllow, engine.Evaluate(context.Background(), exact, "", "").Action)

	// One byte larger fails.
	over := testEvent(uuid.New(), models.EventAction, "")
	over.Payload = map[string]any{"k": "aaaaaa"}
	assert.Equal(t, models.ActionBlock, engine.Evaluate(context.Background(), over, "", "").Action)
}

func TestEvaluatePatternMatchListsDetectorIDsOnly(t *testing.T) {
	det := models.DetectionRule{
		ID: uuid.New(), Name: "exfil", DetectionType: models.DetectionKeyword,
		Keywords: []string{"Secret Plan"}, Enabled: true,
	}
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "patterns", RuleType: models.RulePatternMatch,
		Action: models.ActionFlag, Enabled: true,
		Config: map[string]any{"detection_rule_ids": []any{det.ID.String()}},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, []models.DetectionRule{det})

	result := engine.Evaluate(context.Background(),
		testEvent(uuid.New(), models.EventOutput, "leaking the SECRET plan now"), "", "")
	assert.Equal(t, models.ActionFlag, result.Action)

	details := result.Details[rule.ID.String()]
	require.NotNil(t, details)
	matched := details["matched_patterns"].([]string)
	assert.Equal(t, []string{det.ID.String()}, matched)
}

func TestEvaluateRegexDetection(t *testing.T) {
	det := models.DetectionRule{
		ID: uuid.New(), Name: "re", DetectionType: models.DetectionRegex,
		Pattern: `(?i)ignore (all )?previous instructions`, Enabled: true,
	}
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "patterns", RuleType: models.RulePatternMatch,
		Action: models.ActionBlock, Enabled: true,
		Config: map[string]any{"detection_rule_ids": []any{det.ID.String()}},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, []models.DetectionRule{det})

	hit := engine.Evaluate(context.Background(),
		testEvent(uuid.New(), models.EventMessage, "please IGNORE previous instructions"), "", "")
	assert.Equal(t, models.ActionBlock, hit.Action)

	miss := engine.Evaluate(context.Background(),
		testEvent(uuid.New(), models.EventMessage, "normal output"), "", "")
	assert.Equal(t, models.ActionAllow, miss.Action)
}

func TestEvaluateApplicabilityFilters(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "scoped", RuleType: models.RuleBlocklist,
		Action: models.ActionFlag, Enabled: true,
		Config:              map[string]any{"field": "content", "values": []any{"bad"}},
		AppliesToEventTypes: []string{"tool_call"},
		AppliesToAgentTypes: []string{"autonomous"},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)
	workspaceID := uuid.New()

	// Wrong event type: rule filtered out, not evaluated.
	out := engine.Evaluate(context.Background(), testEvent(workspaceID, models.EventAction, "bad"), models.AgentAutonomous, "")
	assert.Zero(t, out.EvaluatedCount)

	// Wrong agent type: filtered.
	out = engine.Evaluate(context.Background(), testEvent(workspaceID, models.EventToolCall, "bad"), models.AgentChatbot, "")
	assert.Zero(t, out.EvaluatedCount)

	// Unresolved agent type passes the agent-type filter.
	out = engine.Evaluate(context.Background(), testEvent(workspaceID, models.EventToolCall, "bad"), "", "")
	assert.Equal(t, 1, out.EvaluatedCount)
	assert.Equal(t, models.ActionFlag, out.Action)
}

func TestEvaluateCustomRuleNeverMatches(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "future", RuleType: models.RuleCustom,
		Action: models.ActionBlock, Enabled: true,
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)

	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "x"), "", "")
	assert.Equal(t, models.ActionAllow, result.Action)
	assert.Equal(t, 1, result.EvaluatedCount)
	assert.Empty(t, result.MatchedRules)
}

func TestEvaluateBadConfigDegradesToNoViolation(t *testing.T) {
	broken := models.PolicyRule{
		ID: uuid.New(), Name: "broken", RuleType: models.RuleRateLimit,
		Action: models.ActionBlock, Priority: 100, Enabled: true,
		Config: map[string]any{}, // missing max_events / window_seconds
	}
	working := models.PolicyRule{
		ID: uuid.New(), Name: "works", RuleType: models.RuleBlocklist,
		Action: models.ActionFlag, Priority: 10, Enabled: true,
		Config: map[string]any{"field": "content", "values": []any{"bad"}},
	}
	engine := newTestEngine([]models.PolicyRule{broken, working}, nil)

	// The broken rule never breaks ingestion; the working rule still
	// matches.
	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "bad"), "", "")
	assert.Equal(t, models.ActionFlag, result.Action)
	assert.Equal(t, 2, result.EvaluatedCount)
	require.Len(t, result.MatchedRules, 1)
	assert.Equal(t, working.ID, result.MatchedRules[0].RuleID)
}

func TestEvaluateListFieldAllowListClosed(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "bad field", RuleType: models.RuleBlocklist,
		Action: models.ActionBlock, Enabled: true,
		Config: map[string]any{"field": "api_key_hash", "values": []any{"x"}},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)

	// Disallowed field selector degrades to no-violation.
	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "x"), "", "")
	assert.Equal(t, models.ActionAllow, result.Action)
}

func TestEvaluateAllowlistMissingValueViolates(t *testing.T) {
	rule := models.PolicyRule{
		ID: uuid.New(), Name: "agents only", RuleType: models.RuleAllowlist,
		Action: models.ActionFlag, Enabled: true,
		Config: map[string]any{"field": "agent_name", "values": []any{"crawler"}},
	}
	engine := newTestEngine([]models.PolicyRule{rule}, nil)

	// Null field value violates for allowlist…
	result := engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "x"), "", "")
	assert.Equal(t, models.ActionFlag, result.Action)

	// …and passes for blocklist.
	blockRule := rule
	blockRule.RuleType = models.RuleBlocklist
	engine = newTestEngine([]models.PolicyRule{blockRule}, nil)
	result = engine.Evaluate(context.Background(), testEvent(uuid.New(), models.EventAction, "x"), "", "")
	assert.Equal(t, models.ActionAllow, result.Action)
}
