package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Publisher broadcasts events over PostgreSQL NOTIFY. Deliberation events
// are stored in the events table then broadcast in a single transaction
// (pg_notify is transactional — held until COMMIT) so late WebSocket
// subscribers can catch up. Cache-invalidation events are broadcast via
// NOTIFY only.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a new Publisher over the pooled database handle.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishDeliberation persists a deliberation event to the per-session
// channel and broadcasts a transient copy on the workspace channel.
// Both publishes are best-effort; the first error encountered is returned.
func (p *Publisher) PublishDeliberation(ctx context.Context, workspaceID, sessionID string, event DeliberationEventPayload) error {
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal deliberation event: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, sessionID, DeliberationChannel(sessionID), payloadJSON); err != nil {
		slog.Warn("Failed to publish deliberation event to session channel",
			"session_id", sessionID, "type", event.Type, "error", err)
		firstErr = err
	}

	if err := p.notifyOnly(ctx, WorkspaceDeliberationsChannel(workspaceID), payloadJSON); err != nil {
		slog.Warn("Failed to publish deliberation event to workspace channel",
			"session_id", sessionID, "type", event.Type, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// PublishGhost broadcasts a ghost protocol event on the per-session and
// per-workspace channels (transient — wipes are idempotent, so a missed or
// duplicated broadcast is recoverable).
func (p *Publisher) PublishGhost(ctx context.Context, workspaceID, sessionID string, event DeliberationEventPayload) error {
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal ghost event: %w", err)
	}

	var firstErr error
	if err := p.notifyOnly(ctx, GhostSessionChannel(sessionID), payloadJSON); err != nil {
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GhostWorkspaceChannel(workspaceID), payloadJSON); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// NotifyAgentChanged broadcasts an agent invalidation on the given channel
// (one of the agents:* channels).
func (p *Publisher) NotifyAgentChanged(ctx context.Context, channel string, payload AgentChangedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal agent invalidation: %w", err)
	}
	return p.notifyOnly(ctx, channel, payloadJSON)
}

// NotifyPolicyRulesChanged broadcasts a per-workspace policy rule
// invalidation.
func (p *Publisher) NotifyPolicyRulesChanged(ctx context.Context, workspaceID string) error {
	return p.notifyOnly(ctx, PolicyRulesChannel(workspaceID), []byte(`{}`))
}

// NotifyDetectionRulesChanged broadcasts a per-workspace detection rule
// invalidation.
func (p *Publisher) NotifyDetectionRulesChanged(ctx context.Context, workspaceID string) error {
	return p.notifyOnly(ctx, DetectionRulesChannel(workspaceID), []byte(`{}`))
}

// NotifyPermissionsChanged broadcasts an auth cache invalidation.
func (p *Publisher) NotifyPermissionsChanged(ctx context.Context, payload PermissionsChangedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions invalidation: %w", err)
	}
	return p.notifyOnly(ctx, ChannelPermissionsChanged, payloadJSON)
}

// NotifyLLMKeyChanged broadcasts an LLM key store invalidation.
func (p *Publisher) NotifyLLMKeyChanged(ctx context.Context, workspaceID string) error {
	payloadJSON, err := json.Marshal(LLMKeyChangedPayload{WorkspaceID: workspaceID})
	if err != nil {
		return fmt.Errorf("failed to marshal llm key invalidation: %w", err)
	}
	return p.notifyOnly(ctx, ChannelLLMKeyChanged, payloadJSON)
}

// persistAndNotify persists a pre-marshaled event to the events table and
// broadcasts via NOTIFY in one transaction.
func (p *Publisher) persistAndNotify(ctx context.Context, sessionID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (session_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, channel, payloadJSON, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}

	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}

	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload string as-is if it is at most 7900
// bytes (a margin under PostgreSQL's 8000-byte NOTIFY limit), otherwise a
// minimal envelope with only the routing fields the client needs to fetch
// the full event.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}

	var routing struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":       routing.Type,
		"session_id": routing.SessionID,
		"truncated":  true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
