package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
)

// AgentService manages registered external agents and their API keys.
// The raw key is returned exactly once at registration/regeneration; only
// its SHA-256 hash is stored.
type AgentService struct {
	db  *sql.DB
	pub *events.Publisher
}

// NewAgentService creates an AgentService. pub may be nil in tests.
func NewAgentService(db *sql.DB, pub *events.Publisher) *AgentService {
	return &AgentService{db: db, pub: pub}
}

const agentColumns = `id, workspace_id, name, api_key_hash, api_key_prefix, agent_type, status, risk_level, event_count, last_seen_at, inserted_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.RegisteredAgent, error) {
	var a models.RegisteredAgent
	var lastSeen sql.NullTime
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.APIKeyHash, &a.APIKeyPrefix,
		&a.Type, &a.Status, &a.RiskLevel, &a.EventCount, &lastSeen, &a.InsertedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeenAt = &t
	}
	return &a, nil
}

// GenerateAPIKey creates a new raw key ("ssk_" + 43 base64url chars), its
// hash and display prefix.
func GenerateAPIKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("failed to generate key material: %w", err)
	}
	raw = "ssk_" + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashAPIKey(raw)
	prefix = raw[:8]
	return raw, hash, prefix, nil
}

// HashAPIKey returns the lowercase hex SHA-256 of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RegisterAgentInput holds the writable fields of a new agent.
type RegisterAgentInput struct {
	WorkspaceID uuid.UUID
	Name        string
	Type        models.AgentType
	RiskLevel   string
}

// RegisterAgent creates an agent and returns it with the raw key — the
// only time the raw key ever leaves the service.
func (s *AgentService) RegisterAgent(ctx context.Context, input RegisterAgentInput) (*models.RegisteredAgent, string, error) {
	if input.Name == "" {
		return nil, "", NewValidationError("name", "required")
	}
	switch input.Type {
	case models.AgentAutonomous, models.AgentSemiAutonomous, models.AgentToolAgent, models.AgentChatbot:
	default:
		return nil, "", NewValidationError("type", "must be one of autonomous, semi_autonomous, tool_agent, chatbot")
	}
	if input.RiskLevel == "" {
		input.RiskLevel = "low"
	}

	raw, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	a := &models.RegisteredAgent{
		ID:           uuid.New(),
		WorkspaceID:  input.WorkspaceID,
		Name:         input.Name,
		APIKeyHash:   hash,
		APIKeyPrefix: prefix,
		Type:         input.Type,
		Status:       models.AgentActive,
		RiskLevel:    input.RiskLevel,
		InsertedAt:   utcNow(),
		UpdatedAt:    utcNow(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO registered_agents (id, workspace_id, name, api_key_hash, api_key_prefix, agent_type, status, risk_level, inserted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.WorkspaceID, a.Name, a.APIKeyHash, a.APIKeyPrefix, a.Type, a.Status, a.RiskLevel, a.InsertedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", ErrAlreadyExists
		}
		return nil, "", fmt.Errorf("failed to register agent: %w", err)
	}

	return a, raw, nil
}

// GetAgent returns an agent scoped to a workspace. A row owned by another
// workspace yields ErrNotFound.
func (s *AgentService) GetAgent(ctx context.Context, workspaceID, agentID uuid.UUID) (*models.RegisteredAgent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM registered_agents WHERE id = $1 AND workspace_id = $2`,
		agentID, workspaceID)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundOr(err, "failed to load agent")
	}
	return a, nil
}

// GetAgentByKeyHash resolves a key hash without workspace scoping (the
// hash itself is the credential). Implements cache.AgentLookupStore.
func (s *AgentService) GetAgentByKeyHash(ctx context.Context, keyHash string) (*models.RegisteredAgent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM registered_agents WHERE api_key_hash = $1`, keyHash)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve key hash: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns all active agents across workspaces for the
// cache's bulk refresh. Implements cache.AgentLookupStore.
func (s *AgentService) ListActiveAgents(ctx context.Context) ([]models.RegisteredAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM registered_agents WHERE status = $1`, models.AgentActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}
	defer rows.Close()

	var out []models.RegisteredAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an agent's status, enforcing the transition
// table, and publishes the invalidation.
func (s *AgentService) UpdateStatus(ctx context.Context, workspaceID, agentID uuid.UUID, to models.AgentStatus) (*models.RegisteredAgent, error) {
	a, err := s.GetAgent(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	if !models.ValidAgentStatusTransition(a.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, a.Status, to)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE registered_agents SET status = $3, updated_at = $4 WHERE id = $1 AND workspace_id = $2`,
		agentID, workspaceID, to, utcNow())
	if err != nil {
		return nil, fmt.Errorf("failed to update agent status: %w", err)
	}
	a.Status = to

	if s.pub != nil {
		_ = s.pub.NotifyAgentChanged(ctx, events.ChannelAgentStatusChanged,
			events.AgentChangedPayload{AgentID: agentID.String()})
	}
	return a, nil
}

// RegenerateKey issues a fresh API key, returning the raw key once, and
// publishes the invalidation carrying the prior key hash.
func (s *AgentService) RegenerateKey(ctx context.Context, workspaceID, agentID uuid.UUID) (*models.RegisteredAgent, string, error) {
	a, err := s.GetAgent(ctx, workspaceID, agentID)
	if err != nil {
		return nil, "", err
	}
	if a.Status == models.AgentRevoked {
		return nil, "", fmt.Errorf("%w: revoked agents cannot regenerate keys", ErrInvalidTransition)
	}

	raw, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	oldHash := a.APIKeyHash
	_, err = s.db.ExecContext(ctx,
		`UPDATE registered_agents SET api_key_hash = $3, api_key_prefix = $4, updated_at = $5 WHERE id = $1 AND workspace_id = $2`,
		agentID, workspaceID, hash, prefix, utcNow())
	if err != nil {
		return nil, "", fmt.Errorf("failed to rotate agent key: %w", err)
	}
	a.APIKeyHash = hash
	a.APIKeyPrefix = prefix

	if s.pub != nil {
		_ = s.pub.NotifyAgentChanged(ctx, events.ChannelAgentKeyRegenerated,
			events.AgentChangedPayload{AgentID: agentID.String(), OldKeyHash: oldHash})
	}
	return a, raw, nil
}

// DeleteAgent removes an agent (cascading its events) and publishes the
// invalidation.
func (s *AgentService) DeleteAgent(ctx context.Context, workspaceID, agentID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM registered_agents WHERE id = $1 AND workspace_id = $2`, agentID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if s.pub != nil {
		_ = s.pub.NotifyAgentChanged(ctx, events.ChannelAgentDeleted,
			events.AgentChangedPayload{AgentID: agentID.String()})
	}
	return nil
}

// TouchLastSeen bumps event_count and last_seen_at with a single atomic
// UPDATE (no SELECT-then-UPDATE).
func (s *AgentService) TouchLastSeen(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE registered_agents SET event_count = event_count + 1, last_seen_at = $2, updated_at = $2 WHERE id = $1`,
		agentID, utcNow())
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	return nil
}
