package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// EventService persists submitted agent events. Only the whitelisted
// caller-supplied fields (event_type, content, payload, severity) are ever
// taken from input; everything else is server-set.
type EventService struct {
	db *sql.DB
}

// NewEventService creates an EventService.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

const eventColumns = `id, workspace_id, registered_agent_id, event_type, content, payload, source_ip, severity, status, evaluation_result, evaluated_at, flagged_reason, inserted_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.AgentEvent, error) {
	var e models.AgentEvent
	var payload, evalResult jsonMap
	var evaluatedAt sql.NullTime
	var flaggedReason sql.NullString
	if err := row.Scan(&e.ID, &e.WorkspaceID, &e.RegisteredAgentID, &e.EventType, &e.Content,
		&payload, &e.SourceIP, &e.Severity, &e.Status, &evalResult, &evaluatedAt, &flaggedReason,
		&e.InsertedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Payload = payload
	e.EvaluationResult = evalResult
	if evaluatedAt.Valid {
		t := evaluatedAt.Time
		e.EvaluatedAt = &t
	}
	e.FlaggedReason = flaggedReason.String
	return &e, nil
}

// CreateEventInput holds the writable fields of a new event plus the
// server-resolved identities.
type CreateEventInput struct {
	WorkspaceID       uuid.UUID
	RegisteredAgentID uuid.UUID
	EventType         string
	Content           string
	Payload           map[string]any
	Severity          string
	SourceIP          string
}

// CreateEvent validates and persists an event in status pending.
func (s *EventService) CreateEvent(ctx context.Context, input CreateEventInput) (*models.AgentEvent, error) {
	if input.EventType == "" {
		return nil, NewValidationError("event_type", "required")
	}
	if !models.ValidEventType(input.EventType) {
		return nil, NewValidationError("event_type", "must be one of action, output, tool_call, message, error")
	}
	if len(input.Content) > models.MaxContentBytes {
		return nil, NewValidationError("content", "exceeds maximum size")
	}
	severity := input.Severity
	if severity == "" {
		severity = string(models.SeverityInfo)
	}
	if !models.ValidSeverity(severity) {
		return nil, NewValidationError("severity", "must be one of info, warning, error, critical")
	}

	payloadJSON, err := mustJSON(input.Payload)
	if err != nil {
		return nil, NewValidationError("payload", "is not serializable")
	}
	if len(payloadJSON) > models.MaxPayloadBytes {
		return nil, NewValidationError("payload", "exceeds maximum size")
	}

	e := &models.AgentEvent{
		ID:                uuid.New(),
		WorkspaceID:       input.WorkspaceID,
		RegisteredAgentID: input.RegisteredAgentID,
		EventType:         models.EventType(input.EventType),
		Content:           input.Content,
		Payload:           input.Payload,
		SourceIP:          input.SourceIP,
		Severity:          models.Severity(severity),
		Status:            models.EvalPending,
		InsertedAt:        utcNow(),
		UpdatedAt:         utcNow(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_events (id, workspace_id, registered_agent_id, event_type, content, payload, source_ip, severity, status, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WorkspaceID, e.RegisteredAgentID, e.EventType, e.Content, payloadJSON,
		e.SourceIP, e.Severity, e.Status, e.InsertedAt, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	return e, nil
}

// UpdateEvaluation records the policy engine outcome on the event row.
func (s *EventService) UpdateEvaluation(ctx context.Context, eventID uuid.UUID, status models.EvalStatus, result map[string]any, flaggedReason string) (time.Time, error) {
	resultJSON, err := mustJSON(result)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to marshal evaluation result: %w", err)
	}

	now := utcNow()
	var reason sql.NullString
	if flaggedReason != "" {
		reason = sql.NullString{String: flaggedReason, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE agent_events SET status = $2, evaluation_result = $3, evaluated_at = $4, flagged_reason = $5, updated_at = $4 WHERE id = $1`,
		eventID, status, resultJSON, now, reason)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to update evaluation: %w", err)
	}
	return now, nil
}

// UpdateStatus sets the event status (used when a verdict lands).
func (s *EventService) UpdateStatus(ctx context.Context, eventID uuid.UUID, status models.EvalStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_events SET status = $2, updated_at = $3 WHERE id = $1`,
		eventID, status, utcNow())
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	return nil
}

// GetEvent returns an event scoped to a workspace; foreign rows yield
// ErrNotFound.
func (s *EventService) GetEvent(ctx context.Context, workspaceID, eventID uuid.UUID) (*models.AgentEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM agent_events WHERE id = $1 AND workspace_id = $2`,
		eventID, workspaceID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, notFoundOr(err, "failed to load event")
	}
	return e, nil
}

// ListEvents returns a workspace's most recent events.
func (s *EventService) ListEvents(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]models.AgentEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM agent_events WHERE workspace_id = $1 ORDER BY inserted_at DESC LIMIT $2 OFFSET $3`,
		workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.AgentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
