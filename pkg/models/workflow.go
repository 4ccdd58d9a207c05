package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerOn controls when a workflow picks up flagged/blocked events.
type TriggerOn string

const (
	TriggerMatched TriggerOn = "matched"
	TriggerAll     TriggerOn = "all"
	TriggerManual  TriggerOn = "manual"
)

// Workflow is an ordered pipeline of LLM steps run when an event escalates.
type Workflow struct {
	ID                    uuid.UUID      `json:"id"`
	WorkspaceID           uuid.UUID      `json:"-"`
	Name                  string         `json:"name"`
	TriggerOn             TriggerOn      `json:"trigger_on"`
	ConsensusPolicyID     uuid.UUID      `json:"consensus_policy_id"`
	GhostProtocolConfigID *uuid.UUID     `json:"ghost_protocol_config_id,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	Enabled               bool           `json:"enabled"`
	InsertedAt            time.Time      `json:"inserted_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// DeliberationRounds returns the per-workflow round override from metadata,
// or def when absent or invalid.
func (w *Workflow) DeliberationRounds(def int) int {
	if w.Metadata == nil {
		return def
	}
	switch v := w.Metadata["deliberation_rounds"].(type) {
	case float64:
		if v >= 0 {
			return int(v)
		}
	case int:
		if v >= 0 {
			return v
		}
	}
	return def
}

// WorkflowStep names one AgentDefinition (and optionally a PromptTemplate)
// at a position in the workflow.
type WorkflowStep struct {
	ID                uuid.UUID  `json:"id"`
	WorkflowID        uuid.UUID  `json:"-"`
	StepIndex         int        `json:"step_index"`
	AgentDefinitionID uuid.UUID  `json:"agent_definition_id"`
	PromptTemplateID  *uuid.UUID `json:"prompt_template_id,omitempty"`
	InsertedAt        time.Time  `json:"inserted_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// AgentDefinition describes one LLM persona participating in deliberations.
type AgentDefinition struct {
	ID           uuid.UUID `json:"id"`
	WorkspaceID  uuid.UUID `json:"-"`
	Role         string    `json:"role"`
	Expertise    string    `json:"expertise,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens"`
	InsertedAt   time.Time `json:"inserted_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PromptTemplate holds a template string with {{name}} placeholders.
// Variable names are word characters only; values are inserted by literal
// substitution, never recursively.
type PromptTemplate struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"-"`
	Name        string    `json:"name"`
	Template    string    `json:"template"`
	InsertedAt  time.Time `json:"inserted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
