package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
)

// PermissionService reads and grants per-workspace user permissions. The
// user login flow itself is external; the core only consumes grants
// through the AuthCache.
type PermissionService struct {
	db  *sql.DB
	pub *events.Publisher
}

// NewPermissionService creates a PermissionService. pub may be nil in
// tests.
func NewPermissionService(db *sql.DB, pub *events.Publisher) *PermissionService {
	return &PermissionService{db: db, pub: pub}
}

// ListPermissions returns the permission keys granted to a user in a
// workspace. Implements cache.PermissionSource.
func (s *PermissionService) ListPermissions(ctx context.Context, userID, workspaceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission_key FROM user_permissions WHERE user_id = $1 AND workspace_id = $2`,
		userID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Grant adds a permission key and publishes the per-user invalidation.
func (s *PermissionService) Grant(ctx context.Context, userID, workspaceID uuid.UUID, permissionKey string) error {
	if permissionKey == "" {
		return NewValidationError("permission_key", "required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_permissions (id, user_id, workspace_id, permission_key, inserted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, workspace_id, permission_key) DO NOTHING`,
		uuid.New(), userID, workspaceID, permissionKey, utcNow())
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}

	if s.pub != nil {
		_ = s.pub.NotifyPermissionsChanged(ctx, events.PermissionsChangedPayload{
			Scope:       events.ScopeInvalidateUser,
			UserID:      userID.String(),
			WorkspaceID: workspaceID.String(),
		})
	}
	return nil
}

// RevokeWorkspace removes all grants in a workspace and publishes the
// workspace-scoped invalidation.
func (s *PermissionService) RevokeWorkspace(ctx context.Context, workspaceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_permissions WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to revoke workspace permissions: %w", err)
	}

	if s.pub != nil {
		_ = s.pub.NotifyPermissionsChanged(ctx, events.PermissionsChangedPayload{
			Scope:       events.ScopeInvalidateWorkspace,
			WorkspaceID: workspaceID.String(),
		})
	}
	return nil
}
