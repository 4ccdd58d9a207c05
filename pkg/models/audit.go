package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is insert-only. Metadata is sanitized at insert time — see
// services.SanitizeMetadata. Deleting an actor or workspace nullifies the
// reference but preserves the row.
type AuditEntry struct {
	ID           uuid.UUID      `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *uuid.UUID     `json:"resource_id,omitempty"`
	ActorID      *uuid.UUID     `json:"actor_id,omitempty"`
	WorkspaceID  *uuid.UUID     `json:"workspace_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	InsertedAt   time.Time      `json:"inserted_at"`
}
