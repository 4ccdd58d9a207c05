package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// maxRateLimitEvents caps a rate_limit rule's max_events config.
const maxRateLimitEvents = 1_000_000

// regexMatchTimeout bounds a single detector regex evaluation; a timeout
// yields no-match.
const regexMatchTimeout = 100 * time.Millisecond

// allowedListFields is the closed allow list for blocklist/allowlist
// field selectors.
var allowedListFields = map[string]bool{
	"source_ip":  true,
	"agent_name": true,
	"event_type": true,
	"content":    true,
}

// evalContext carries everything an evaluator may inspect.
type evalContext struct {
	event      *models.AgentEvent
	agentType  models.AgentType // "" when unresolved
	agentName  string
	detections []models.DetectionRule
	counters   *WindowCounters
}

// evalOutcome is the tagged result of one rule evaluation. Evaluators
// return (violation, details) or an error; errors never cross the rule
// boundary — the engine downgrades them to no-violation.
type evalOutcome struct {
	violation bool
	details   map[string]any
}

// evaluateRule dispatches one rule to its evaluator.
func evaluateRule(rule *models.PolicyRule, ec *evalContext) (evalOutcome, error) {
	switch rule.RuleType {
	case models.RuleRateLimit:
		return evalRateLimit(rule, ec)
	case models.RulePatternMatch:
		return evalPatternMatch(rule, ec)
	case models.RuleBlocklist:
		return evalList(rule, ec, true)
	case models.RuleAllowlist:
		return evalList(rule, ec, false)
	case models.RulePayloadSize:
		return evalPayloadSize(rule, ec)
	case models.RuleCustom:
		// Forward-compat hook: never a match.
		return evalOutcome{}, nil
	default:
		return evalOutcome{}, fmt.Errorf("unknown rule type %q", rule.RuleType)
	}
}

// evalRateLimit counts the event against the rule's sliding window.
// Violation when the post-increment count exceeds max_events.
func evalRateLimit(rule *models.PolicyRule, ec *evalContext) (evalOutcome, error) {
	maxEvents, ok := configInt(rule.Config, "max_events")
	if !ok || maxEvents <= 0 {
		return evalOutcome{}, fmt.Errorf("rate_limit rule requires positive max_events")
	}
	if maxEvents > maxRateLimitEvents {
		maxEvents = maxRateLimitEvents
	}
	windowSeconds, ok := configInt(rule.Config, "window_seconds")
	if !ok || windowSeconds <= 0 {
		return evalOutcome{}, fmt.Errorf("rate_limit rule requires positive window_seconds")
	}

	per, _ := rule.Config["per"].(string)
	switch per {
	case "", "agent":
		per = "agent"
	case "workspace":
	default:
		slog.Warn("Unknown rate_limit scope, defaulting to agent", "per", per, "rule_id", rule.ID)
		per = "agent"
	}

	perKey := ec.event.WorkspaceID.String()
	if per == "agent" {
		perKey = ec.event.RegisteredAgentID.String()
	}

	count := ec.counters.Hit(ec.event.WorkspaceID.String(), perKey, rule.ID.String(), windowSeconds)
	if count > maxEvents {
		return evalOutcome{
			violation: true,
			details: map[string]any{
				"count":          count,
				"max_events":     maxEvents,
				"window_seconds": windowSeconds,
				"per":            per,
			},
		}, nil
	}
	return evalOutcome{}, nil
}

// compiledRegexes caches compiled detector patterns. Detection rules are
// validated at create time, so compilation failures here are rare.
var compiledRegexes sync.Map // pattern string → *regexp.Regexp

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := compiledRegexes.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiledRegexes.Store(pattern, re)
	return re, nil
}

// matchWithTimeout runs a regex match on a worker goroutine bounded by
// regexMatchTimeout. Timeout yields no-match; the abandoned goroutine's
// result is discarded.
func matchWithTimeout(re *regexp.Regexp, content string) bool {
	done := make(chan bool, 1)
	go func() { done <- re.MatchString(content) }()

	timer := time.NewTimer(regexMatchTimeout)
	defer timer.Stop()
	select {
	case matched := <-done:
		return matched
	case <-timer.C:
		return false
	}
}

// evalPatternMatch checks the event content against every referenced
// enabled detection rule. details.matched_patterns lists detector ids only
// — never the matched substrings or the pattern itself.
func evalPatternMatch(rule *models.PolicyRule, ec *evalContext) (evalOutcome, error) {
	ids, err := configUUIDList(rule.Config, "detection_rule_ids")
	if err != nil {
		return evalOutcome{}, err
	}
	if len(ids) == 0 {
		return evalOutcome{}, fmt.Errorf("pattern_match rule requires detection_rule_ids")
	}

	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var matched []string
	for i := range ec.detections {
		det := &ec.detections[i]
		if !wanted[det.ID] || !det.Enabled {
			continue
		}
		if detectorMatches(det, ec.event.Content) {
			matched = append(matched, det.ID.String())
		}
	}

	if len(matched) == 0 {
		return evalOutcome{}, nil
	}
	return evalOutcome{
		violation: true,
		details:   map[string]any{"matched_patterns": matched},
	}, nil
}

// detectorMatches runs one detection rule against content.
func detectorMatches(det *models.DetectionRule, content string) bool {
	switch det.DetectionType {
	case models.DetectionRegex:
		re, err := compiledRegex(det.Pattern)
		if err != nil {
			slog.Warn("Detection rule pattern failed to compile", "detection_rule_id", det.ID, "error", err)
			return false
		}
		return matchWithTimeout(re, content)
	case models.DetectionKeyword:
		lower := strings.ToLower(content)
		for _, kw := range det.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	default:
		// Semantic detection runs out of band; never a hot-path match.
		return false
	}
}

// evalList evaluates blocklist (violate on match) and allowlist (violate on
// non-match). Comparison is case-insensitive and whitespace-trimmed. A null
// field value violates for allowlist and passes for blocklist.
func evalList(rule *models.PolicyRule, ec *evalContext, blocklist bool) (evalOutcome, error) {
	field, _ := rule.Config["field"].(string)
	if !allowedListFields[field] {
		return evalOutcome{}, fmt.Errorf("list rule field %q is not allowed", field)
	}
	values, err := configStringList(rule.Config, "values")
	if err != nil || len(values) == 0 {
		return evalOutcome{}, fmt.Errorf("list rule requires non-empty values")
	}

	fieldVal, present := listFieldValue(ec, field)
	if !present {
		if blocklist {
			return evalOutcome{}, nil
		}
		return evalOutcome{
			violation: true,
			details:   map[string]any{"field": field, "reason": "missing_value"},
		}, nil
	}

	normalized := strings.ToLower(strings.TrimSpace(fieldVal))
	matched := false
	for _, v := range values {
		if strings.ToLower(strings.TrimSpace(v)) == normalized {
			matched = true
			break
		}
	}

	if matched == blocklist {
		return evalOutcome{
			violation: true,
			details:   map[string]any{"field": field},
		}, nil
	}
	return evalOutcome{}, nil
}

// listFieldValue resolves a list rule's field selector against the event.
func listFieldValue(ec *evalContext, field string) (string, bool) {
	switch field {
	case "source_ip":
		return ec.event.SourceIP, ec.event.SourceIP != ""
	case "agent_name":
		return ec.agentName, ec.agentName != ""
	case "event_type":
		return string(ec.event.EventType), true
	case "content":
		return ec.event.Content, true
	}
	return "", false
}

// evalPayloadSize enforces max_content_bytes / max_payload_bytes. Sizes are
// byte counts; payload size is measured on the JSON serialization.
func evalPayloadSize(rule *models.PolicyRule, ec *evalContext) (evalOutcome, error) {
	maxContent, hasContent := configInt(rule.Config, "max_content_bytes")
	maxPayload, hasPayload := configInt(rule.Config, "max_payload_bytes")
	if !hasContent && !hasPayload {
		return evalOutcome{}, fmt.Errorf("payload_size rule requires max_content_bytes or max_payload_bytes")
	}

	details := map[string]any{}
	violation := false

	if hasContent && int64(len(ec.event.Content)) > maxContent {
		violation = true
		details["content_bytes"] = len(ec.event.Content)
		details["max_content_bytes"] = maxContent
	}

	if hasPayload {
		serialized, err := json.Marshal(ec.event.Payload)
		if err != nil {
			return evalOutcome{}, fmt.Errorf("failed to serialize payload: %w", err)
		}
		if int64(len(serialized)) > maxPayload {
			violation = true
			details["payload_bytes"] = len(serialized)
			details["max_payload_bytes"] = maxPayload
		}
	}

	if !violation {
		return evalOutcome{}, nil
	}
	return evalOutcome{violation: true, details: details}, nil
}

// --- config helpers ---

// configInt reads an integer config value, accepting JSON numbers.
func configInt(config map[string]any, key string) (int64, bool) {
	switch v := config[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// configStringList reads a list of strings.
func configStringList(config map[string]any, key string) ([]string, error) {
	raw, ok := config[key].([]any)
	if !ok {
		if typed, ok := config[key].([]string); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("config key %q is not a list", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("config key %q contains a non-string entry", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// configUUIDList reads a list of UUIDs.
func configUUIDList(config map[string]any, key string) ([]uuid.UUID, error) {
	strs, err := configStringList(config, key)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("config key %q contains invalid id %q", key, s)
		}
		out = append(out, id)
	}
	return out, nil
}
