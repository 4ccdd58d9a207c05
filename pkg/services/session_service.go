package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// SessionService manages analysis sessions, their agent instances,
// deliberation messages and verdicts.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a SessionService.
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

const sessionColumns = `id, workspace_id, agent_event_id, workflow_id, status, metadata, input_content_hash, expires_at, error_message, started_at, completed_at, inserted_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.AnalysisSession, error) {
	var sess models.AnalysisSession
	var metadata jsonMap
	var hash, errMsg sql.NullString
	var expiresAt, startedAt, completedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.AgentEventID, &sess.WorkflowID, &sess.Status,
		&metadata, &hash, &expiresAt, &errMsg, &startedAt, &completedAt, &sess.InsertedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Metadata = metadata
	sess.InputContentHash = hash.String
	sess.ErrorMessage = errMsg.String
	if expiresAt.Valid {
		t := expiresAt.Time
		sess.ExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		sess.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}

// CreateSessionInput holds the fields of a new analysis session.
type CreateSessionInput struct {
	WorkspaceID      uuid.UUID
	AgentEventID     uuid.UUID
	WorkflowID       uuid.UUID
	InputContentHash string
	ExpiresAt        *sql.NullTime
}

// CreateSession inserts a pending session.
func (s *SessionService) CreateSession(ctx context.Context, input CreateSessionInput) (*models.AnalysisSession, error) {
	sess := &models.AnalysisSession{
		ID:               uuid.New(),
		WorkspaceID:      input.WorkspaceID,
		AgentEventID:     input.AgentEventID,
		WorkflowID:       input.WorkflowID,
		Status:           models.SessionPending,
		InputContentHash: input.InputContentHash,
		InsertedAt:       utcNow(),
		UpdatedAt:        utcNow(),
	}

	var expires sql.NullTime
	if input.ExpiresAt != nil {
		expires = *input.ExpiresAt
		if expires.Valid {
			t := expires.Time
			sess.ExpiresAt = &t
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_sessions (id, workspace_id, agent_event_id, workflow_id, status, input_content_hash, expires_at, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.WorkspaceID, sess.AgentEventID, sess.WorkflowID, sess.Status,
		nullIfEmpty(sess.InputContentHash), expires, sess.InsertedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns a workspace-scoped session.
func (s *SessionService) GetSession(ctx context.Context, workspaceID, sessionID uuid.UUID) (*models.AnalysisSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions WHERE id = $1 AND workspace_id = $2`,
		sessionID, workspaceID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundOr(err, "failed to load session")
	}
	return sess, nil
}

// GetSessionByID returns a session without workspace scoping (internal
// orchestrator/wipe-engine use only — never exposed over HTTP).
func (s *SessionService) GetSessionByID(ctx context.Context, sessionID uuid.UUID) (*models.AnalysisSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundOr(err, "failed to load session")
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session's persisted status. Terminal
// transitions stamp completed_at; the move out of pending stamps
// started_at.
func (s *SessionService) UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus, errorMessage string) error {
	now := utcNow()

	var errMsg sql.NullString
	if errorMessage != "" {
		errMsg = sql.NullString{String: errorMessage, Valid: true}
	}

	var completed sql.NullTime
	if status.Terminal() {
		completed = sql.NullTime{Time: now, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_sessions
		 SET status = $2,
		     error_message = COALESCE($3, error_message),
		     started_at = COALESCE(started_at, $4),
		     completed_at = COALESCE(completed_at, $5),
		     updated_at = $4
		 WHERE id = $1`,
		sessionID, status, errMsg, now, completed)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// CreateInstance inserts an agent instance for a session.
func (s *SessionService) CreateInstance(ctx context.Context, inst *models.AgentInstance) (*models.AgentInstance, error) {
	inst.ID = uuid.New()
	inst.InsertedAt = utcNow()
	inst.UpdatedAt = inst.InsertedAt
	if inst.Status == "" {
		inst.Status = models.InstancePending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_instances (id, analysis_session_id, agent_definition_id, role, status, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.AnalysisSessionID, inst.AgentDefinitionID, inst.Role, inst.Status, inst.InsertedAt, inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent instance: %w", err)
	}
	return inst, nil
}

// UpdateInstanceInput holds one instance result update. Token and cost
// deltas are applied with atomic increments.
type UpdateInstanceInput struct {
	Status            models.InstanceStatus
	Vote              *models.RuleAction
	Confidence        *float64
	InitialAssessment *string
	TokensDelta       int64
	CostCentsDelta    int64
}

// UpdateInstance records an LLM call outcome on an instance.
func (s *SessionService) UpdateInstance(ctx context.Context, instanceID uuid.UUID, input UpdateInstanceInput) error {
	var vote sql.NullString
	if input.Vote != nil {
		vote = sql.NullString{String: string(*input.Vote), Valid: true}
	}
	var confidence sql.NullFloat64
	if input.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *input.Confidence, Valid: true}
	}
	var assessment sql.NullString
	if input.InitialAssessment != nil {
		assessment = sql.NullString{String: *input.InitialAssessment, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_instances
		 SET status = $2,
		     vote = COALESCE($3, vote),
		     confidence = COALESCE($4, confidence),
		     initial_assessment = COALESCE($5, initial_assessment),
		     tokens_used = tokens_used + $6,
		     cost_cents = cost_cents + $7,
		     updated_at = $8
		 WHERE id = $1`,
		instanceID, input.Status, vote, confidence, assessment,
		input.TokensDelta, input.CostCentsDelta, utcNow())
	if err != nil {
		return fmt.Errorf("failed to update agent instance: %w", err)
	}
	return nil
}

// ListInstances returns a session's agent instances.
func (s *SessionService) ListInstances(ctx context.Context, sessionID uuid.UUID) ([]models.AgentInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_session_id, agent_definition_id, role, status, vote, confidence, initial_assessment, tokens_used, cost_cents, terminated_at, inserted_at, updated_at
		 FROM agent_instances WHERE analysis_session_id = $1 ORDER BY inserted_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent instances: %w", err)
	}
	defer rows.Close()

	var out []models.AgentInstance
	for rows.Next() {
		var inst models.AgentInstance
		var vote, assessment sql.NullString
		var confidence sql.NullFloat64
		var terminatedAt sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.AnalysisSessionID, &inst.AgentDefinitionID, &inst.Role,
			&inst.Status, &vote, &confidence, &assessment, &inst.TokensUsed, &inst.CostCents,
			&terminatedAt, &inst.InsertedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent instance: %w", err)
		}
		if vote.Valid {
			v := models.RuleAction(vote.String)
			inst.Vote = &v
		}
		if confidence.Valid {
			c := confidence.Float64
			inst.Confidence = &c
		}
		if assessment.Valid {
			a := assessment.String
			inst.InitialAssessment = &a
		}
		if terminatedAt.Valid {
			t := terminatedAt.Time
			inst.TerminatedAt = &t
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CreateMessage inserts one deliberation transcript entry.
func (s *SessionService) CreateMessage(ctx context.Context, msg *models.DeliberationMessage) (*models.DeliberationMessage, error) {
	if msg.Round < 1 {
		return nil, NewValidationError("round", "must be at least 1")
	}
	if len(msg.Content) > models.MaxMessageBytes {
		msg.Content = msg.Content[:models.MaxMessageBytes]
	}

	msg.ID = uuid.New()
	msg.InsertedAt = utcNow()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliberation_messages (id, analysis_session_id, agent_instance_id, message_type, round, content, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.AnalysisSessionID, msg.AgentInstanceID, msg.MessageType, msg.Round, msg.Content, msg.InsertedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliberation message: %w", err)
	}
	return msg, nil
}

// ListRecentMessages returns the last limit messages of a session in
// transcript order (round, then completion time).
func (s *SessionService) ListRecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.DeliberationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_session_id, agent_instance_id, message_type, round, content, inserted_at FROM (
		   SELECT * FROM deliberation_messages WHERE analysis_session_id = $1 ORDER BY round DESC, inserted_at DESC LIMIT $2
		 ) recent ORDER BY round ASC, inserted_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliberation messages: %w", err)
	}
	defer rows.Close()

	var out []models.DeliberationMessage
	for rows.Next() {
		var m models.DeliberationMessage
		if err := rows.Scan(&m.ID, &m.AnalysisSessionID, &m.AgentInstanceID, &m.MessageType, &m.Round, &m.Content, &m.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deliberation message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateVerdict inserts the session's single verdict. A second insert for
// the same session returns ErrAlreadyExists (unique constraint).
func (s *SessionService) CreateVerdict(ctx context.Context, v *models.Verdict) (*models.Verdict, error) {
	v.ID = uuid.New()
	v.InsertedAt = utcNow()

	breakdownJSON, err := json.Marshal(orEmptyBreakdown(v.VoteBreakdown))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vote breakdown: %w", err)
	}
	dissentJSON, err := json.Marshal(orEmptyDissent(v.DissentingOpinions))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dissenting opinions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verdicts (id, analysis_session_id, decision, confidence, reasoning, vote_breakdown, dissenting_opinions, strategy_used, consensus_reached, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.AnalysisSessionID, v.Decision, v.Confidence, v.Reasoning,
		breakdownJSON, dissentJSON, v.StrategyUsed, v.ConsensusReached, v.InsertedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create verdict: %w", err)
	}
	return v, nil
}

// GetVerdict returns a session's verdict.
func (s *SessionService) GetVerdict(ctx context.Context, sessionID uuid.UUID) (*models.Verdict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, analysis_session_id, decision, confidence, reasoning, vote_breakdown, dissenting_opinions, strategy_used, consensus_reached, inserted_at
		 FROM verdicts WHERE analysis_session_id = $1`, sessionID)

	var v models.Verdict
	var breakdownRaw, dissentRaw []byte
	if err := row.Scan(&v.ID, &v.AnalysisSessionID, &v.Decision, &v.Confidence, &v.Reasoning,
		&breakdownRaw, &dissentRaw, &v.StrategyUsed, &v.ConsensusReached, &v.InsertedAt); err != nil {
		return nil, notFoundOr(err, "failed to load verdict")
	}
	if err := json.Unmarshal(breakdownRaw, &v.VoteBreakdown); err != nil {
		return nil, fmt.Errorf("failed to decode vote breakdown: %w", err)
	}
	if err := json.Unmarshal(dissentRaw, &v.DissentingOpinions); err != nil {
		return nil, fmt.Errorf("failed to decode dissenting opinions: %w", err)
	}
	return &v, nil
}

func orEmptyBreakdown(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptyDissent(d []models.DissentingOpinion) []models.DissentingOpinion {
	if d == nil {
		return []models.DissentingOpinion{}
	}
	return d
}
