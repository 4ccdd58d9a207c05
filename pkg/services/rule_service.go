package services

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// redosProbeTimeout is the budget for the pathological-input probe run
// against a candidate regex pattern at create time.
const redosProbeTimeout = 100 * time.Millisecond

// redosProbeInput is the pathological input used by the probe.
var redosProbeInput = strings.Repeat("a", 1000) + "!"

// RuleService manages policy and detection rules and publishes the
// per-workspace invalidations the PolicyCache consumes.
type RuleService struct {
	db  *sql.DB
	pub *events.Publisher
}

// NewRuleService creates a RuleService. pub may be nil in tests.
func NewRuleService(db *sql.DB, pub *events.Publisher) *RuleService {
	return &RuleService{db: db, pub: pub}
}

const policyRuleColumns = `id, workspace_id, name, rule_type, action, priority, enabled, config, applies_to_event_types, applies_to_agent_types, inserted_at, updated_at`

func scanPolicyRule(row interface{ Scan(...any) error }) (*models.PolicyRule, error) {
	var r models.PolicyRule
	var config jsonMap
	var eventTypes, agentTypes jsonStrings
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.RuleType, &r.Action, &r.Priority,
		&r.Enabled, &config, &eventTypes, &agentTypes, &r.InsertedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Config = config
	r.AppliesToEventTypes = eventTypes
	r.AppliesToAgentTypes = agentTypes
	return &r, nil
}

const detectionRuleColumns = `id, workspace_id, name, detection_type, pattern, keywords, enabled, inserted_at, updated_at`

func scanDetectionRule(row interface{ Scan(...any) error }) (*models.DetectionRule, error) {
	var r models.DetectionRule
	var pattern sql.NullString
	var keywords jsonStrings
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.DetectionType, &pattern, &keywords,
		&r.Enabled, &r.InsertedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Pattern = pattern.String
	r.Keywords = keywords
	return &r, nil
}

// CreatePolicyRuleInput holds the writable fields of a policy rule.
type CreatePolicyRuleInput struct {
	WorkspaceID         uuid.UUID
	Name                string
	RuleType            models.RuleType
	Action              models.RuleAction
	Priority            int
	Enabled             bool
	Config              map[string]any
	AppliesToEventTypes []string
	AppliesToAgentTypes []string
}

// CreatePolicyRule validates and inserts a rule, then publishes the
// workspace's invalidation.
func (s *RuleService) CreatePolicyRule(ctx context.Context, input CreatePolicyRuleInput) (*models.PolicyRule, error) {
	if input.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	switch input.RuleType {
	case models.RuleRateLimit, models.RulePatternMatch, models.RuleBlocklist,
		models.RuleAllowlist, models.RulePayloadSize, models.RuleCustom:
	default:
		return nil, NewValidationError("rule_type", "unknown rule type")
	}
	switch input.Action {
	case models.ActionAllow, models.ActionFlag, models.ActionBlock:
	default:
		return nil, NewValidationError("action", "must be one of allow, flag, block")
	}
	if input.Priority < 0 {
		return nil, NewValidationError("priority", "must be non-negative")
	}

	configJSON, err := mustJSON(input.Config)
	if err != nil {
		return nil, NewValidationError("config", "is not serializable")
	}
	eventTypesJSON, _ := mustJSON(orEmptyList(input.AppliesToEventTypes))
	agentTypesJSON, _ := mustJSON(orEmptyList(input.AppliesToAgentTypes))

	r := &models.PolicyRule{
		ID:                  uuid.New(),
		WorkspaceID:         input.WorkspaceID,
		Name:                input.Name,
		RuleType:            input.RuleType,
		Action:              input.Action,
		Priority:            input.Priority,
		Enabled:             input.Enabled,
		Config:              input.Config,
		AppliesToEventTypes: input.AppliesToEventTypes,
		AppliesToAgentTypes: input.AppliesToAgentTypes,
		InsertedAt:          utcNow(),
		UpdatedAt:           utcNow(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_rules (id, workspace_id, name, rule_type, action, priority, enabled, config, applies_to_event_types, applies_to_agent_types, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.WorkspaceID, r.Name, r.RuleType, r.Action, r.Priority, r.Enabled,
		configJSON, eventTypesJSON, agentTypesJSON, r.InsertedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create policy rule: %w", err)
	}

	if s.pub != nil {
		_ = s.pub.NotifyPolicyRulesChanged(ctx, input.WorkspaceID.String())
	}
	return r, nil
}

// ListEnabledPolicyRules returns a workspace's enabled rules sorted by
// priority descending. Implements cache.RuleSource.
func (s *RuleService) ListEnabledPolicyRules(ctx context.Context, workspaceID uuid.UUID) ([]models.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyRuleColumns+` FROM policy_rules WHERE workspace_id = $1 AND enabled = true ORDER BY priority DESC, inserted_at ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy rules: %w", err)
	}
	defer rows.Close()

	var out []models.PolicyRule
	for rows.Next() {
		r, err := scanPolicyRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetPolicyRuleEnabled flips a rule and publishes the invalidation.
func (s *RuleService) SetPolicyRuleEnabled(ctx context.Context, workspaceID, ruleID uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_rules SET enabled = $3, updated_at = $4 WHERE id = $1 AND workspace_id = $2`,
		ruleID, workspaceID, enabled, utcNow())
	if err != nil {
		return fmt.Errorf("failed to update policy rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if s.pub != nil {
		_ = s.pub.NotifyPolicyRulesChanged(ctx, workspaceID.String())
	}
	return nil
}

// DeletePolicyRule removes a rule and publishes the invalidation.
func (s *RuleService) DeletePolicyRule(ctx context.Context, workspaceID, ruleID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_rules WHERE id = $1 AND workspace_id = $2`, ruleID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete policy rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if s.pub != nil {
		_ = s.pub.NotifyPolicyRulesChanged(ctx, workspaceID.String())
	}
	return nil
}

// CreateDetectionRuleInput holds the writable fields of a detection rule.
type CreateDetectionRuleInput struct {
	WorkspaceID   uuid.UUID
	Name          string
	DetectionType models.DetectionType
	Pattern       string
	Keywords      []string
	Enabled       bool
}

// CreateDetectionRule validates (including the ReDoS probe for regex
// rules), inserts and publishes the invalidation.
func (s *RuleService) CreateDetectionRule(ctx context.Context, input CreateDetectionRuleInput) (*models.DetectionRule, error) {
	if input.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	switch input.DetectionType {
	case models.DetectionRegex:
		if err := ValidateRegexPattern(input.Pattern); err != nil {
			return nil, err
		}
	case models.DetectionKeyword:
		if len(input.Keywords) == 0 {
			return nil, NewValidationError("keywords", "required for keyword rules")
		}
		if len(input.Keywords) > models.MaxKeywordEntries {
			return nil, NewValidationError("keywords", "too many entries")
		}
		for _, kw := range input.Keywords {
			if len(kw) > models.MaxKeywordBytes {
				return nil, NewValidationError("keywords", "entry exceeds maximum size")
			}
		}
	case models.DetectionSemantic:
	default:
		return nil, NewValidationError("detection_type", "must be one of regex, keyword, semantic")
	}

	keywordsJSON, _ := mustJSON(orEmptyList(input.Keywords))

	r := &models.DetectionRule{
		ID:            uuid.New(),
		WorkspaceID:   input.WorkspaceID,
		Name:          input.Name,
		DetectionType: input.DetectionType,
		Pattern:       input.Pattern,
		Keywords:      input.Keywords,
		Enabled:       input.Enabled,
		InsertedAt:    utcNow(),
		UpdatedAt:     utcNow(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_rules (id, workspace_id, name, detection_type, pattern, keywords, enabled, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.WorkspaceID, r.Name, r.DetectionType, nullIfEmpty(r.Pattern), keywordsJSON, r.Enabled, r.InsertedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create detection rule: %w", err)
	}

	if s.pub != nil {
		_ = s.pub.NotifyDetectionRulesChanged(ctx, input.WorkspaceID.String())
	}
	return r, nil
}

// ListEnabledDetectionRules returns a workspace's enabled detection rules.
// Implements cache.RuleSource.
func (s *RuleService) ListEnabledDetectionRules(ctx context.Context, workspaceID uuid.UUID) ([]models.DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+detectionRuleColumns+` FROM detection_rules WHERE workspace_id = $1 AND enabled = true ORDER BY inserted_at ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection rules: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionRule
	for rows.Next() {
		r, err := scanDetectionRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ValidateRegexPattern enforces the three-part regex validation: compile
// success, length bound, and the 100 ms pathological-input probe. A probe
// that does not return in time rejects the pattern as ReDoS-unsafe.
func ValidateRegexPattern(pattern string) error {
	if pattern == "" {
		return NewValidationError("pattern", "required for regex rules")
	}
	if len(pattern) > models.MaxRegexPatternLength {
		return NewValidationError("pattern", "exceeds maximum length")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return NewValidationError("pattern", "does not compile")
	}

	done := make(chan struct{}, 1)
	go func() {
		re.MatchString(redosProbeInput)
		done <- struct{}{}
	}()

	timer := time.NewTimer(redosProbeTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return NewValidationError("pattern", "rejected as unsafe: probe exceeded 100ms")
	}
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
