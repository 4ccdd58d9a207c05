// Package ghost implements the Ghost Protocol wipe engine: transactional
// redaction of a completed ephemeral session's transient data.
package ghost

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/telemetry"
)

// RedactedValue is written into NOT NULL columns on wipe; NULL-able
// columns are set to NULL instead.
const RedactedValue = "[REDACTED]"

// Precondition errors, checked in order.
var (
	ErrSessionNotFound = errors.New("session_not_found")
	ErrNoGhostProtocol = errors.New("no_ghost_protocol")
	ErrConfigDisabled  = errors.New("config_disabled")
	ErrAlreadyWiped    = errors.New("already_wiped")
)

// Result describes a wipe outcome. Scheduled results carry the timer
// parameters; the session actor owns the timer.
type Result struct {
	Scheduled        bool
	SessionID        uuid.UUID
	WipeStrategy     models.WipeStrategy
	WipeDelaySeconds int
	ScheduledAt      time.Time
	FieldsWiped      []string
	AgentsTerminated int
}

// Engine executes Ghost Protocol wipes. All statements of one wipe commit
// together or not at all; input_content_hash and the Verdict are never
// touched.
type Engine struct {
	db        *sql.DB
	sessions  *services.SessionService
	workflows *services.WorkflowService
	pub       *events.Publisher
}

// NewEngine creates the wipe engine.
func NewEngine(db *sql.DB, sessions *services.SessionService, workflows *services.WorkflowService, pub *events.Publisher) *Engine {
	return &Engine{db: db, sessions: sessions, workflows: workflows, pub: pub}
}

// ExecuteWipe checks preconditions and dispatches by strategy: immediate
// wipes run inline; delayed/scheduled strategies return a Scheduled result
// without mutating — the caller owns the timer and later calls
// ExecuteScheduledWipe.
func (e *Engine) ExecuteWipe(ctx context.Context, sessionID uuid.UUID) (*Result, error) {
	session, cfg, err := e.loadPreconditions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if cfg.WipeStrategy != models.WipeImmediate {
		return &Result{
			Scheduled:        true,
			SessionID:        sessionID,
			WipeStrategy:     cfg.WipeStrategy,
			WipeDelaySeconds: cfg.WipeDelaySeconds,
			ScheduledAt:      time.Now().UTC(),
		}, nil
	}

	return e.wipe(ctx, session, cfg)
}

// ExecuteScheduledWipe runs the wipe for a delayed/scheduled session after
// its timer fired. Preconditions are re-checked.
func (e *Engine) ExecuteScheduledWipe(ctx context.Context, sessionID uuid.UUID) (*Result, error) {
	session, cfg, err := e.loadPreconditions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.wipe(ctx, session, cfg)
}

// loadPreconditions walks the precondition ladder; the first failing check
// returns its distinct error.
func (e *Engine) loadPreconditions(ctx context.Context, sessionID uuid.UUID) (*models.AnalysisSession, *models.GhostProtocolConfig, error) {
	session, err := e.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}

	var ghostConfigID *uuid.UUID
	row := e.db.QueryRowContext(ctx,
		`SELECT ghost_protocol_config_id FROM workflows WHERE id = $1`, session.WorkflowID)
	var cfgID sql.Null[uuid.UUID]
	if err := row.Scan(&cfgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNoGhostProtocol
		}
		return nil, nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if cfgID.Valid {
		id := cfgID.V
		ghostConfigID = &id
	}
	if ghostConfigID == nil {
		return nil, nil, ErrNoGhostProtocol
	}

	cfg, err := e.workflows.GetGhostConfig(ctx, session.WorkspaceID, *ghostConfigID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, nil, ErrNoGhostProtocol
		}
		return nil, nil, err
	}
	if !cfg.Enabled {
		return nil, nil, ErrConfigDisabled
	}

	wiped, err := e.alreadyWiped(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if wiped {
		return nil, nil, ErrAlreadyWiped
	}

	return session, cfg, nil
}

// alreadyWiped reports whether every instance of the session already has
// terminated_at set (and at least one instance exists).
func (e *Engine) alreadyWiped(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var total, terminated int
	err := e.db.QueryRowContext(ctx,
		`SELECT count(*), count(terminated_at) FROM agent_instances WHERE analysis_session_id = $1`,
		sessionID).Scan(&total, &terminated)
	if err != nil {
		return false, fmt.Errorf("failed to check wipe state: %w", err)
	}
	return total > 0 && terminated == total, nil
}

// wipe performs the transactional redaction.
func (e *Engine) wipe(ctx context.Context, session *models.AnalysisSession, cfg *models.GhostProtocolConfig) (*Result, error) {
	e.broadcast(ctx, session, events.EventTypeWipeStarted, cfg)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		telemetry.GhostWipes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to begin wipe transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Second)

	for _, field := range cfg.WipeFields {
		if err := wipeField(ctx, tx, session, field); err != nil {
			telemetry.GhostWipes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to wipe %s: %w", field, err)
		}
	}

	// Mandatory side effect regardless of configured fields.
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_instances SET terminated_at = $2, updated_at = $2 WHERE analysis_session_id = $1`,
		session.ID, now)
	if err != nil {
		telemetry.GhostWipes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to terminate agent instances: %w", err)
	}
	terminated, _ := res.RowsAffected()

	metadata := services.SanitizeMetadata(map[string]any{
		"fields_wiped":      cfg.WipeFields,
		"crypto_shred_used": cfg.CryptoShred,
		"agents_terminated": terminated,
		"wipe_strategy":     string(cfg.WipeStrategy),
	})
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wipe audit metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, action, resource_type, resource_id, workspace_id, metadata, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), "ghost_protocol.wipe_executed", "analysis_session", session.ID,
		session.WorkspaceID, metadataJSON, now)
	if err != nil {
		telemetry.GhostWipes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to insert wipe audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		telemetry.GhostWipes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to commit wipe: %w", err)
	}

	e.broadcast(ctx, session, events.EventTypeWipeCompleted, cfg)
	telemetry.GhostWipes.WithLabelValues("ok").Inc()

	slog.Info("Ghost protocol wipe executed",
		"session_id", session.ID,
		"fields", cfg.WipeFields,
		"agents_terminated", terminated)

	return &Result{
		SessionID:        session.ID,
		WipeStrategy:     cfg.WipeStrategy,
		FieldsWiped:      cfg.WipeFields,
		AgentsTerminated: int(terminated),
	}, nil
}

// wipeField maps one allow-listed field onto its (table, column) targets.
// NOT NULL columns get the redaction sentinel; NULL-able columns go NULL.
// input_content_hash and the Verdict are preserved by construction — no
// mapping touches them.
func wipeField(ctx context.Context, tx *sql.Tx, session *models.AnalysisSession, field string) error {
	switch field {
	case models.WipeFieldInputContent:
		_, err := tx.ExecContext(ctx,
			`UPDATE agent_events SET content = $2, updated_at = now() WHERE id = $1`,
			session.AgentEventID, RedactedValue)
		return err

	case models.WipeFieldDeliberationMessages:
		_, err := tx.ExecContext(ctx,
			`UPDATE deliberation_messages SET content = $2 WHERE analysis_session_id = $1`,
			session.ID, RedactedValue)
		return err

	case models.WipeFieldMetadata:
		_, err := tx.ExecContext(ctx,
			`UPDATE analysis_sessions SET metadata = NULL, updated_at = now() WHERE id = $1`,
			session.ID)
		return err

	case models.WipeFieldInitialAssessment:
		_, err := tx.ExecContext(ctx,
			`UPDATE agent_instances SET initial_assessment = NULL, updated_at = now() WHERE analysis_session_id = $1`,
			session.ID)
		return err

	case models.WipeFieldPayload:
		_, err := tx.ExecContext(ctx,
			`UPDATE agent_events SET payload = to_jsonb($2::text), updated_at = now() WHERE id = $1`,
			session.AgentEventID, RedactedValue)
		return err

	default:
		return fmt.Errorf("field %q is not wipable", field)
	}
}

// broadcast publishes a wipe lifecycle event. Wipes are idempotent, so
// consumers tolerate duplicate or out-of-order delivery.
func (e *Engine) broadcast(ctx context.Context, session *models.AnalysisSession, eventType string, cfg *models.GhostProtocolConfig) {
	if e.pub == nil {
		return
	}
	err := e.pub.PublishGhost(ctx, session.WorkspaceID.String(), session.ID.String(),
		events.DeliberationEventPayload{
			Type:      eventType,
			SessionID: session.ID.String(),
			Payload: map[string]any{
				"wipe_strategy": string(cfg.WipeStrategy),
			},
		})
	if err != nil {
		slog.Warn("Failed to broadcast wipe event", "session_id", session.ID, "type", eventType, "error", err)
	}
}
