package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// AuditService writes insert-only audit entries. Hot-path callers submit
// writes through the worker pool with fire-and-forget semantics — a failed
// audit write never crashes the caller.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates an AuditService.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// CreateAuditEntryInput holds the writable fields of an audit entry.
type CreateAuditEntryInput struct {
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	ActorID      *uuid.UUID
	WorkspaceID  *uuid.UUID
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
}

// CreateAuditEntry validates required fields, sanitizes the metadata map
// and inserts the entry.
func (s *AuditService) CreateAuditEntry(ctx context.Context, input CreateAuditEntryInput) (*models.AuditEntry, error) {
	if input.Action == "" {
		return nil, NewValidationError("action", "required")
	}
	if input.ResourceType == "" {
		return nil, NewValidationError("resource_type", "required")
	}

	entry := &models.AuditEntry{
		ID:           uuid.New(),
		Action:       input.Action,
		ResourceType: input.ResourceType,
		ResourceID:   input.ResourceID,
		ActorID:      input.ActorID,
		WorkspaceID:  input.WorkspaceID,
		IPAddress:    input.IPAddress,
		UserAgent:    input.UserAgent,
		Metadata:     SanitizeMetadata(input.Metadata),
		InsertedAt:   time.Now().UTC().Truncate(time.Second),
	}

	metadataJSON, err := json.Marshal(orEmptyMap(entry.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, action, resource_type, resource_id, actor_id, workspace_id, ip_address, user_agent, metadata, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.Action, entry.ResourceType, entry.ResourceID, entry.ActorID,
		entry.WorkspaceID, entry.IPAddress, entry.UserAgent, metadataJSON, entry.InsertedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return entry, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
