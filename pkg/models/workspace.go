// Package models defines the SwarmShield domain entities and their enums.
package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkspaceStatus is the lifecycle state of a tenant workspace.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceSuspended WorkspaceStatus = "suspended"
	WorkspaceArchived  WorkspaceStatus = "archived"
)

// Workspace is the tenancy boundary. Every domain row is scoped to one.
// Settings is a free-form map; well-known keys include
// "llm_api_key_encrypted" and "llm_budget_limit_cents".
type Workspace struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Status     WorkspaceStatus `json:"status"`
	Settings   map[string]any  `json:"settings,omitempty"`
	InsertedAt time.Time       `json:"inserted_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SettingLLMKeyEncrypted is the settings key holding the AEAD-encrypted
// per-workspace LLM API key (base64).
const SettingLLMKeyEncrypted = "llm_api_key_encrypted"

// SettingLLMBudgetLimitCents is the settings key holding the per-workspace
// LLM budget cap in minor currency units.
const SettingLLMBudgetLimitCents = "llm_budget_limit_cents"
