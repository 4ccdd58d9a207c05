package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/models"
)

// WorkspaceService manages tenant workspaces.
type WorkspaceService struct {
	db *sql.DB
}

// NewWorkspaceService creates a WorkspaceService.
func NewWorkspaceService(db *sql.DB) *WorkspaceService {
	return &WorkspaceService{db: db}
}

const workspaceColumns = `id, name, status, settings, inserted_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }) (*models.Workspace, error) {
	var w models.Workspace
	var settings jsonMap
	if err := row.Scan(&w.ID, &w.Name, &w.Status, &settings, &w.InsertedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Settings = settings
	return &w, nil
}

// CreateWorkspace creates a workspace (and its budget row).
func (s *WorkspaceService) CreateWorkspace(ctx context.Context, name string) (*models.Workspace, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}

	w := &models.Workspace{
		ID:         uuid.New(),
		Name:       name,
		Status:     models.WorkspaceActive,
		Settings:   map[string]any{},
		InsertedAt: utcNow(),
		UpdatedAt:  utcNow(),
	}

	settingsJSON, err := mustJSON(w.Settings)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, status, settings, inserted_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.Name, w.Status, settingsJSON, w.InsertedAt, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO llm_budgets (workspace_id) VALUES ($1)`, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit workspace: %w", err)
	}
	return w, nil
}

// GetWorkspace returns a workspace by id.
func (s *WorkspaceService) GetWorkspace(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	w, err := scanWorkspace(row)
	if err != nil {
		return nil, notFoundOr(err, "failed to load workspace")
	}
	return w, nil
}

// GetWorkspaceSettings returns the settings map. Implements the settings
// source consumed by the LLM key store and budget limit cache.
func (s *WorkspaceService) GetWorkspaceSettings(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var settings jsonMap
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM workspaces WHERE id = $1`, id).Scan(&settings)
	if err != nil {
		return nil, notFoundOr(err, "failed to load workspace settings")
	}
	return settings, nil
}

// UpdateSetting sets one settings key on a workspace.
func (s *WorkspaceService) UpdateSetting(ctx context.Context, id uuid.UUID, key string, value any) error {
	valueJSON, err := mustJSON(value)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET settings = jsonb_set(settings, ARRAY[$2], $3::jsonb, true), updated_at = $4 WHERE id = $1`,
		id, key, valueJSON, utcNow())
	if err != nil {
		return fmt.Errorf("failed to update workspace setting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions the workspace status.
func (s *WorkspaceService) UpdateStatus(ctx context.Context, id uuid.UUID, status models.WorkspaceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, utcNow())
	if err != nil {
		return fmt.Errorf("failed to update workspace status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BudgetStore is the atomic per-workspace LLM spend counter. AddSpend is a
// single upserting increment-and-return; there is no read-modify-write
// path to the counter.
type BudgetStore struct {
	db *sql.DB
}

// NewBudgetStore creates a BudgetStore.
func NewBudgetStore(db *sql.DB) *BudgetStore {
	return &BudgetStore{db: db}
}

// AddSpend atomically adds deltaCents to the workspace's spend counter and
// returns the new total.
func (s *BudgetStore) AddSpend(ctx context.Context, workspaceID uuid.UUID, deltaCents int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO llm_budgets (workspace_id, spent_cents, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (workspace_id)
		 DO UPDATE SET spent_cents = llm_budgets.spent_cents + EXCLUDED.spent_cents, updated_at = now()
		 RETURNING spent_cents`,
		workspaceID, deltaCents).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust llm spend: %w", err)
	}
	return total, nil
}

// AddTokens atomically adds token usage.
func (s *BudgetStore) AddTokens(ctx context.Context, workspaceID uuid.UUID, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_budgets (workspace_id, tokens_used, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (workspace_id)
		 DO UPDATE SET tokens_used = llm_budgets.tokens_used + EXCLUDED.tokens_used, updated_at = now()`,
		workspaceID, tokens)
	if err != nil {
		return fmt.Errorf("failed to record token usage: %w", err)
	}
	return nil
}

// Spend returns the current spend counter.
func (s *BudgetStore) Spend(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT spent_cents FROM llm_budgets WHERE workspace_id = $1`, workspaceID).Scan(&total)
	if err != nil {
		return 0, notFoundOr(err, "failed to load llm spend")
	}
	return total, nil
}
