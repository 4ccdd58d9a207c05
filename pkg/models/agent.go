package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentType tags the kind of external agent being monitored.
type AgentType string

const (
	AgentAutonomous     AgentType = "autonomous"
	AgentSemiAutonomous AgentType = "semi_autonomous"
	AgentToolAgent      AgentType = "tool_agent"
	AgentChatbot        AgentType = "chatbot"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentRevoked   AgentStatus = "revoked"
)

// RegisteredAgent is an external agent monitored by the firewall. The raw
// API key is never stored — only its SHA-256 hash and an 8-character
// display prefix.
type RegisteredAgent struct {
	ID           uuid.UUID   `json:"id"`
	WorkspaceID  uuid.UUID   `json:"-"`
	Name         string      `json:"name"`
	APIKeyHash   string      `json:"-"`
	APIKeyPrefix string      `json:"-"`
	Type         AgentType   `json:"type"`
	Status       AgentStatus `json:"status"`
	RiskLevel    string      `json:"risk_level"`
	EventCount   int64       `json:"event_count"`
	LastSeenAt   *time.Time  `json:"last_seen_at,omitempty"`
	InsertedAt   time.Time   `json:"inserted_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ValidAgentStatusTransition reports whether an agent may move from one
// status to another. Revoked is terminal; suspended agents must pass
// through review (a fresh registration) rather than flipping back to
// active directly.
func ValidAgentStatusTransition(from, to AgentStatus) bool {
	if from == to {
		return false
	}
	switch {
	case from == AgentRevoked:
		return false
	case from == AgentSuspended && to == AgentActive:
		return false
	default:
		return true
	}
}
