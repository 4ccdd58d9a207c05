package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a submitted agent observation.
type EventType string

const (
	EventAction   EventType = "action"
	EventOutput   EventType = "output"
	EventToolCall EventType = "tool_call"
	EventMessage  EventType = "message"
	EventError    EventType = "error"
)

// ValidEventType reports whether s is a known event type.
func ValidEventType(s string) bool {
	switch EventType(s) {
	case EventAction, EventOutput, EventToolCall, EventMessage, EventError:
		return true
	}
	return false
}

// Severity is the caller-declared severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// EvalStatus is the evaluation outcome recorded on an event.
type EvalStatus string

const (
	EvalPending EvalStatus = "pending"
	EvalAllowed EvalStatus = "allowed"
	EvalFlagged EvalStatus = "flagged"
	EvalBlocked EvalStatus = "blocked"
)

// MaxContentBytes bounds the free-form content of an event.
const MaxContentBytes = 1 << 20

// MaxPayloadBytes bounds the JSON-serialized payload of an event.
const MaxPayloadBytes = 1 << 20

// AgentEvent is one submitted action/output. Externally supplied fields are
// restricted to event_type, content, payload and severity; everything else
// is server-set.
type AgentEvent struct {
	ID                uuid.UUID      `json:"id"`
	WorkspaceID       uuid.UUID      `json:"-"`
	RegisteredAgentID uuid.UUID      `json:"registered_agent_id"`
	EventType         EventType      `json:"event_type"`
	Content           string         `json:"content"`
	Payload           map[string]any `json:"payload"`
	SourceIP          string         `json:"source_ip"`
	Severity          Severity       `json:"severity"`
	Status            EvalStatus     `json:"status"`
	EvaluationResult  map[string]any `json:"evaluation_result"`
	EvaluatedAt       *time.Time     `json:"evaluated_at"`
	FlaggedReason     string         `json:"flagged_reason,omitempty"`
	InsertedAt        time.Time      `json:"inserted_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
