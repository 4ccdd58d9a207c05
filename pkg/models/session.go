package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the persisted status of an analysis session.
//
//	pending → analyzing → deliberating → voting → completed
//	               │            │                     ▲
//	               └────────────┴──→ failed ──────────┘
//	                                 timed_out
type SessionStatus string

const (
	SessionPending      SessionStatus = "pending"
	SessionAnalyzing    SessionStatus = "analyzing"
	SessionDeliberating SessionStatus = "deliberating"
	SessionVoting       SessionStatus = "voting"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionTimedOut     SessionStatus = "timed_out"
)

// Terminal reports whether the status is terminal.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionTimedOut:
		return true
	}
	return false
}

// AnalysisSession is one deliberation instance over one event. Ephemeral
// sessions additionally carry the sha256 hash of the source content and a
// wall-clock expiry.
type AnalysisSession struct {
	ID               uuid.UUID      `json:"id"`
	WorkspaceID      uuid.UUID      `json:"-"`
	AgentEventID     uuid.UUID      `json:"agent_event_id"`
	WorkflowID       uuid.UUID      `json:"workflow_id"`
	Status           SessionStatus  `json:"status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	InputContentHash string         `json:"input_content_hash,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	InsertedAt       time.Time      `json:"inserted_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// InstanceStatus is the lifecycle of one LLM agent within a session.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceTimedOut  InstanceStatus = "timed_out"
)

// AgentInstance is one LLM agent participating in one session.
type AgentInstance struct {
	ID                uuid.UUID      `json:"id"`
	AnalysisSessionID uuid.UUID      `json:"analysis_session_id"`
	AgentDefinitionID uuid.UUID      `json:"agent_definition_id"`
	Role              string         `json:"role"`
	Status            InstanceStatus `json:"status"`
	Vote              *RuleAction    `json:"vote,omitempty"`
	Confidence        *float64       `json:"confidence,omitempty"`
	InitialAssessment *string        `json:"initial_assessment,omitempty"`
	TokensUsed        int64          `json:"tokens_used"`
	CostCents         int64          `json:"cost_cents"`
	TerminatedAt      *time.Time     `json:"terminated_at,omitempty"`
	InsertedAt        time.Time      `json:"inserted_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// MessageType classifies a deliberation transcript entry.
type MessageType string

const (
	MessageAnalysis        MessageType = "analysis"
	MessageArgument        MessageType = "argument"
	MessageCounterArgument MessageType = "counter_argument"
	MessageEvidence        MessageType = "evidence"
	MessageSummary         MessageType = "summary"
	MessageVoteRationale   MessageType = "vote_rationale"
)

// MaxMessageBytes bounds a deliberation message's content.
const MaxMessageBytes = 100 << 10

// DeliberationMessage is one debate transcript entry. Round is ≥ 1;
// analysis is round 1.
type DeliberationMessage struct {
	ID                uuid.UUID   `json:"id"`
	AnalysisSessionID uuid.UUID   `json:"analysis_session_id"`
	AgentInstanceID   uuid.UUID   `json:"agent_instance_id"`
	MessageType       MessageType `json:"message_type"`
	Round             int         `json:"round"`
	Content           string      `json:"content"`
	InsertedAt        time.Time   `json:"inserted_at"`
}

// Decision is the final outcome of a session.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionFlag     Decision = "flag"
	DecisionBlock    Decision = "block"
	DecisionEscalate Decision = "escalate"
)

// DissentingOpinion records a valid vote that disagreed with the decision.
type DissentingOpinion struct {
	Role       string  `json:"role"`
	Vote       string  `json:"vote"`
	Confidence float64 `json:"confidence"`
}

// Verdict is the immutable per-session output. Exactly one exists per
// session.
type Verdict struct {
	ID                 uuid.UUID           `json:"id"`
	AnalysisSessionID  uuid.UUID           `json:"analysis_session_id"`
	Decision           Decision            `json:"decision"`
	Confidence         float64             `json:"confidence"`
	Reasoning          string              `json:"reasoning"`
	VoteBreakdown      map[string]int      `json:"vote_breakdown"`
	DissentingOpinions []DissentingOpinion `json:"dissenting_opinions,omitempty"`
	StrategyUsed       ConsensusStrategy   `json:"strategy_used"`
	ConsensusReached   bool                `json:"consensus_reached"`
	InsertedAt         time.Time           `json:"inserted_at"`
}
