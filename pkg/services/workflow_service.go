package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// WorkflowService manages deliberation pipelines: workflows, steps, agent
// definitions, prompt templates, consensus policies and ghost protocol
// configs.
type WorkflowService struct {
	db *sql.DB
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(db *sql.DB) *WorkflowService {
	return &WorkflowService{db: db}
}

// ResolvedStep is one workflow step with its definition and optional
// template loaded.
type ResolvedStep struct {
	Step       models.WorkflowStep
	Definition models.AgentDefinition
	Template   *models.PromptTemplate
}

// Plan is a fully loaded workflow ready for execution.
type Plan struct {
	Workflow  models.Workflow
	Steps     []ResolvedStep
	Consensus models.ConsensusPolicy
	Ghost     *models.GhostProtocolConfig
}

// FindTriggeredWorkflow returns the workspace's enabled workflow whose
// trigger_on is matched or all, oldest first, or ErrNotFound.
func (s *WorkflowService) FindTriggeredWorkflow(ctx context.Context, workspaceID uuid.UUID) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, trigger_on, consensus_policy_id, ghost_protocol_config_id, metadata, enabled, inserted_at, updated_at
		 FROM workflows
		 WHERE workspace_id = $1 AND enabled = true AND trigger_on IN ('matched', 'all')
		 ORDER BY inserted_at ASC LIMIT 1`, workspaceID)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, notFoundOr(err, "failed to find triggered workflow")
	}
	return w, nil
}

func scanWorkflow(row interface{ Scan(...any) error }) (*models.Workflow, error) {
	var w models.Workflow
	var metadata jsonMap
	var ghostID sql.Null[uuid.UUID]
	if err := row.Scan(&w.ID, &w.WorkspaceID, &w.Name, &w.TriggerOn, &w.ConsensusPolicyID,
		&ghostID, &metadata, &w.Enabled, &w.InsertedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Metadata = metadata
	if ghostID.Valid {
		id := ghostID.V
		w.GhostProtocolConfigID = &id
	}
	return &w, nil
}

// LoadPlan resolves a workflow's steps, consensus policy and ghost config.
func (s *WorkflowService) LoadPlan(ctx context.Context, workflow *models.Workflow) (*Plan, error) {
	plan := &Plan{Workflow: *workflow}

	// Consensus policy (workspace-scoped).
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, strategy, threshold, weights, require_unanimous_on, inserted_at, updated_at
		 FROM consensus_policies WHERE id = $1 AND workspace_id = $2`,
		workflow.ConsensusPolicyID, workflow.WorkspaceID)
	var cp models.ConsensusPolicy
	var weights jsonWeights
	var unanimousOn jsonStrings
	if err := row.Scan(&cp.ID, &cp.WorkspaceID, &cp.Name, &cp.Strategy, &cp.Threshold,
		&weights, &unanimousOn, &cp.InsertedAt, &cp.UpdatedAt); err != nil {
		return nil, notFoundOr(err, "failed to load consensus policy")
	}
	cp.Weights = weights
	cp.RequireUnanimousOn = unanimousOn
	plan.Consensus = cp

	// Ghost config, if any.
	if workflow.GhostProtocolConfigID != nil {
		ghost, err := s.GetGhostConfig(ctx, workflow.WorkspaceID, *workflow.GhostProtocolConfigID)
		if err != nil {
			return nil, err
		}
		plan.Ghost = ghost
	}

	// Steps with definitions and templates.
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.workflow_id, st.step_index, st.agent_definition_id, st.prompt_template_id, st.inserted_at, st.updated_at,
		        ad.id, ad.workspace_id, ad.role, ad.expertise, ad.system_prompt, ad.model, ad.temperature, ad.max_tokens, ad.inserted_at, ad.updated_at,
		        pt.id, pt.workspace_id, pt.name, pt.template, pt.inserted_at, pt.updated_at
		 FROM workflow_steps st
		 JOIN agent_definitions ad ON ad.id = st.agent_definition_id
		 LEFT JOIN prompt_templates pt ON pt.id = st.prompt_template_id
		 WHERE st.workflow_id = $1
		 ORDER BY st.step_index ASC`, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rs ResolvedStep
		var templateID sql.Null[uuid.UUID]
		var tplID sql.Null[uuid.UUID]
		var tplWorkspace sql.Null[uuid.UUID]
		var tplName, tplBody sql.NullString
		var tplInserted, tplUpdated sql.NullTime
		if err := rows.Scan(
			&rs.Step.ID, &rs.Step.WorkflowID, &rs.Step.StepIndex, &rs.Step.AgentDefinitionID, &templateID, &rs.Step.InsertedAt, &rs.Step.UpdatedAt,
			&rs.Definition.ID, &rs.Definition.WorkspaceID, &rs.Definition.Role, &rs.Definition.Expertise,
			&rs.Definition.SystemPrompt, &rs.Definition.Model, &rs.Definition.Temperature, &rs.Definition.MaxTokens,
			&rs.Definition.InsertedAt, &rs.Definition.UpdatedAt,
			&tplID, &tplWorkspace, &tplName, &tplBody, &tplInserted, &tplUpdated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}
		if templateID.Valid {
			id := templateID.V
			rs.Step.PromptTemplateID = &id
		}
		if tplID.Valid {
			rs.Template = &models.PromptTemplate{
				ID:          tplID.V,
				WorkspaceID: tplWorkspace.V,
				Name:        tplName.String,
				Template:    tplBody.String,
				InsertedAt:  tplInserted.Time,
				UpdatedAt:   tplUpdated.Time,
			}
		}
		plan.Steps = append(plan.Steps, rs)
	}
	return plan, rows.Err()
}

// GetGhostConfig loads a workspace-scoped ghost protocol config.
func (s *WorkflowService) GetGhostConfig(ctx context.Context, workspaceID, configID uuid.UUID) (*models.GhostProtocolConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, enabled, wipe_strategy, wipe_fields, wipe_delay_seconds, max_session_duration_seconds, auto_terminate_on_expiry, crypto_shred, inserted_at, updated_at
		 FROM ghost_protocol_configs WHERE id = $1 AND workspace_id = $2`, configID, workspaceID)
	var g models.GhostProtocolConfig
	var fields jsonStrings
	if err := row.Scan(&g.ID, &g.WorkspaceID, &g.Enabled, &g.WipeStrategy, &fields,
		&g.WipeDelaySeconds, &g.MaxSessionDurationSeconds, &g.AutoTerminateOnExpiry,
		&g.CryptoShred, &g.InsertedAt, &g.UpdatedAt); err != nil {
		return nil, notFoundOr(err, "failed to load ghost config")
	}
	g.WipeFields = fields
	return &g, nil
}

// CreateConsensusPolicy validates invariants (weights > 0, threshold in
// range) and inserts.
func (s *WorkflowService) CreateConsensusPolicy(ctx context.Context, cp *models.ConsensusPolicy) (*models.ConsensusPolicy, error) {
	switch cp.Strategy {
	case models.StrategyMajority, models.StrategySupermajority, models.StrategyUnanimous, models.StrategyWeighted:
	default:
		return nil, NewValidationError("strategy", "unknown strategy")
	}
	if cp.Threshold < 0.0 || cp.Threshold > 1.0 {
		return nil, NewValidationError("threshold", "must be within [0.0, 1.0]")
	}
	for role, weight := range cp.Weights {
		if weight <= 0 {
			return nil, NewValidationError("weights", fmt.Sprintf("weight for %q must be positive", role))
		}
	}

	cp.ID = uuid.New()
	cp.InsertedAt = utcNow()
	cp.UpdatedAt = cp.InsertedAt

	weightsJSON, _ := mustJSON(cp.Weights)
	unanimousJSON, _ := mustJSON(orEmptyList(cp.RequireUnanimousOn))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consensus_policies (id, workspace_id, name, strategy, threshold, weights, require_unanimous_on, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ID, cp.WorkspaceID, cp.Name, cp.Strategy, cp.Threshold, weightsJSON, unanimousJSON, cp.InsertedAt, cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus policy: %w", err)
	}
	return cp, nil
}

// CreateGhostConfig validates the wipe field allow list and inserts.
func (s *WorkflowService) CreateGhostConfig(ctx context.Context, g *models.GhostProtocolConfig) (*models.GhostProtocolConfig, error) {
	switch g.WipeStrategy {
	case models.WipeImmediate, models.WipeDelayed, models.WipeScheduled:
	default:
		return nil, NewValidationError("wipe_strategy", "unknown strategy")
	}
	for _, f := range g.WipeFields {
		if !models.ValidWipeField(f) {
			return nil, NewValidationError("wipe_fields", fmt.Sprintf("%q is not wipable", f))
		}
	}
	if g.MaxSessionDurationSeconds <= 0 {
		return nil, NewValidationError("max_session_duration_seconds", "must be positive")
	}

	g.ID = uuid.New()
	g.InsertedAt = utcNow()
	g.UpdatedAt = g.InsertedAt

	fieldsJSON, _ := mustJSON(orEmptyList(g.WipeFields))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ghost_protocol_configs (id, workspace_id, enabled, wipe_strategy, wipe_fields, wipe_delay_seconds, max_session_duration_seconds, auto_terminate_on_expiry, crypto_shred, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		g.ID, g.WorkspaceID, g.Enabled, g.WipeStrategy, fieldsJSON, g.WipeDelaySeconds,
		g.MaxSessionDurationSeconds, g.AutoTerminateOnExpiry, g.CryptoShred, g.InsertedAt, g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create ghost config: %w", err)
	}
	return g, nil
}

// CreateAgentDefinition inserts an agent definition.
func (s *WorkflowService) CreateAgentDefinition(ctx context.Context, d *models.AgentDefinition) (*models.AgentDefinition, error) {
	if d.Role == "" {
		return nil, NewValidationError("role", "required")
	}
	if d.SystemPrompt == "" {
		return nil, NewValidationError("system_prompt", "required")
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = 1024
	}

	d.ID = uuid.New()
	d.InsertedAt = utcNow()
	d.UpdatedAt = d.InsertedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_definitions (id, workspace_id, role, expertise, system_prompt, model, temperature, max_tokens, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.WorkspaceID, d.Role, d.Expertise, d.SystemPrompt, d.Model, d.Temperature, d.MaxTokens, d.InsertedAt, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent definition: %w", err)
	}
	return d, nil
}

// CreatePromptTemplate inserts a prompt template.
func (s *WorkflowService) CreatePromptTemplate(ctx context.Context, t *models.PromptTemplate) (*models.PromptTemplate, error) {
	if t.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if t.Template == "" {
		return nil, NewValidationError("template", "required")
	}

	t.ID = uuid.New()
	t.InsertedAt = utcNow()
	t.UpdatedAt = t.InsertedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_templates (id, workspace_id, name, template, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.WorkspaceID, t.Name, t.Template, t.InsertedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt template: %w", err)
	}
	return t, nil
}

// CreateWorkflow inserts a workflow.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, w *models.Workflow) (*models.Workflow, error) {
	if w.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	switch w.TriggerOn {
	case models.TriggerMatched, models.TriggerAll, models.TriggerManual:
	default:
		return nil, NewValidationError("trigger_on", "must be one of matched, all, manual")
	}

	w.ID = uuid.New()
	w.InsertedAt = utcNow()
	w.UpdatedAt = w.InsertedAt

	metadataJSON, _ := mustJSON(w.Metadata)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, workspace_id, name, trigger_on, consensus_policy_id, ghost_protocol_config_id, metadata, enabled, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.WorkspaceID, w.Name, w.TriggerOn, w.ConsensusPolicyID, w.GhostProtocolConfigID,
		metadataJSON, w.Enabled, w.InsertedAt, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return w, nil
}

// AddWorkflowStep appends a step to a workflow.
func (s *WorkflowService) AddWorkflowStep(ctx context.Context, st *models.WorkflowStep) (*models.WorkflowStep, error) {
	st.ID = uuid.New()
	st.InsertedAt = utcNow()
	st.UpdatedAt = st.InsertedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, step_index, agent_definition_id, prompt_template_id, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.ID, st.WorkflowID, st.StepIndex, st.AgentDefinitionID, st.PromptTemplateID, st.InsertedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to add workflow step: %w", err)
	}
	return st, nil
}
