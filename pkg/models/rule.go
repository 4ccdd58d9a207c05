package models

import (
	"time"

	"github.com/google/uuid"
)

// RuleType dispatches a policy rule to its evaluator.
type RuleType string

const (
	RuleRateLimit    RuleType = "rate_limit"
	RulePatternMatch RuleType = "pattern_match"
	RuleBlocklist    RuleType = "blocklist"
	RuleAllowlist    RuleType = "allowlist"
	RulePayloadSize  RuleType = "payload_size"
	RuleCustom       RuleType = "custom"
)

// RuleAction is the outcome a matching rule requests.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionFlag  RuleAction = "flag"
	ActionBlock RuleAction = "block"
)

// PolicyRule is a tenant-scoped allow/flag/block criterion. Config is typed
// by RuleType; empty applicability lists mean "applies to all".
type PolicyRule struct {
	ID                  uuid.UUID      `json:"id"`
	WorkspaceID         uuid.UUID      `json:"-"`
	Name                string         `json:"name"`
	RuleType            RuleType       `json:"rule_type"`
	Action              RuleAction     `json:"action"`
	Priority            int            `json:"priority"`
	Enabled             bool           `json:"enabled"`
	Config              map[string]any `json:"-"`
	AppliesToEventTypes []string       `json:"applies_to_event_types,omitempty"`
	AppliesToAgentTypes []string       `json:"applies_to_agent_types,omitempty"`
	InsertedAt          time.Time      `json:"inserted_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// DetectionType classifies a reusable detection rule.
type DetectionType string

const (
	DetectionRegex    DetectionType = "regex"
	DetectionKeyword  DetectionType = "keyword"
	DetectionSemantic DetectionType = "semantic"
)

// Detection rule validation bounds.
const (
	MaxRegexPatternLength = 10000
	MaxKeywordEntries     = 1000
	MaxKeywordBytes       = 500
)

// DetectionRule is a reusable pattern matcher referenced by pattern_match
// policy rules.
type DetectionRule struct {
	ID            uuid.UUID     `json:"id"`
	WorkspaceID   uuid.UUID     `json:"-"`
	Name          string        `json:"name"`
	DetectionType DetectionType `json:"detection_type"`
	Pattern       string        `json:"-"`
	Keywords      []string      `json:"-"`
	Enabled       bool          `json:"enabled"`
	InsertedAt    time.Time     `json:"inserted_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PolicyViolation records one (event, matching rule) pair. Immutable apart
// from resolution.
type PolicyViolation struct {
	ID             uuid.UUID      `json:"id"`
	WorkspaceID    uuid.UUID      `json:"-"`
	AgentEventID   uuid.UUID      `json:"agent_event_id"`
	PolicyRuleID   uuid.UUID      `json:"policy_rule_id"`
	RuleName       string         `json:"rule_name"`
	ActionTaken    EvalStatus     `json:"action_taken"`
	Severity       string         `json:"severity"`
	Details        map[string]any `json:"details,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
	InsertedAt     time.Time      `json:"inserted_at"`
}
