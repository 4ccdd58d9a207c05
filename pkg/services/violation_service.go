package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// ViolationService records policy violations, one row per (event,
// matching rule). Rows are immutable apart from resolution.
type ViolationService struct {
	db *sql.DB
}

// NewViolationService creates a ViolationService.
func NewViolationService(db *sql.DB) *ViolationService {
	return &ViolationService{db: db}
}

// CreateViolationInput holds one violation row.
type CreateViolationInput struct {
	WorkspaceID  uuid.UUID
	AgentEventID uuid.UUID
	PolicyRuleID uuid.UUID
	RuleName     string
	ActionTaken  models.EvalStatus // flagged or blocked
	Severity     string
	Details      map[string]any
}

// CreateViolation inserts one violation row.
func (s *ViolationService) CreateViolation(ctx context.Context, input CreateViolationInput) (*models.PolicyViolation, error) {
	if input.ActionTaken != models.EvalFlagged && input.ActionTaken != models.EvalBlocked {
		return nil, NewValidationError("action_taken", "must be flagged or blocked")
	}
	if input.Severity == "" {
		input.Severity = "medium"
	}

	detailsJSON, err := mustJSON(input.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal violation details: %w", err)
	}

	v := &models.PolicyViolation{
		ID:           uuid.New(),
		WorkspaceID:  input.WorkspaceID,
		AgentEventID: input.AgentEventID,
		PolicyRuleID: input.PolicyRuleID,
		RuleName:     input.RuleName,
		ActionTaken:  input.ActionTaken,
		Severity:     input.Severity,
		Details:      input.Details,
		InsertedAt:   utcNow(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_violations (id, workspace_id, agent_event_id, policy_rule_id, rule_name, action_taken, severity, details, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.WorkspaceID, v.AgentEventID, v.PolicyRuleID, v.RuleName, v.ActionTaken,
		v.Severity, detailsJSON, v.InsertedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert violation: %w", err)
	}
	return v, nil
}

// ListViolationsForEvent returns a workspace-scoped event's violations.
func (s *ViolationService) ListViolationsForEvent(ctx context.Context, workspaceID, eventID uuid.UUID) ([]models.PolicyViolation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, agent_event_id, policy_rule_id, rule_name, action_taken, severity, details, resolved_at, resolution_note, inserted_at
		 FROM policy_violations WHERE workspace_id = $1 AND agent_event_id = $2 ORDER BY inserted_at ASC`,
		workspaceID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []models.PolicyViolation
	for rows.Next() {
		var v models.PolicyViolation
		var details jsonMap
		var resolvedAt sql.NullTime
		var note sql.NullString
		if err := rows.Scan(&v.ID, &v.WorkspaceID, &v.AgentEventID, &v.PolicyRuleID, &v.RuleName,
			&v.ActionTaken, &v.Severity, &details, &resolvedAt, &note, &v.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Details = details
		if resolvedAt.Valid {
			t := resolvedAt.Time
			v.ResolvedAt = &t
		}
		v.ResolutionNote = note.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// ResolveViolation records the resolution fields — the only mutation a
// violation row permits.
func (s *ViolationService) ResolveViolation(ctx context.Context, workspaceID, violationID uuid.UUID, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_violations SET resolved_at = $3, resolution_note = $4 WHERE id = $1 AND workspace_id = $2 AND resolved_at IS NULL`,
		violationID, workspaceID, utcNow(), note)
	if err != nil {
		return fmt.Errorf("failed to resolve violation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
