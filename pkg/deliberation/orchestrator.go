// Package deliberation runs the multi-model deliberation over escalated
// events: one actor per analysis session, sequential phases with parallel
// LLM fan-out inside each phase.
package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/cache"
	"github.com/swarmshield/swarmshield/pkg/config"
	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/ghost"
	"github.com/swarmshield/swarmshield/pkg/llm"
	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/worker"
)

// Deps bundles everything a session actor needs.
type Deps struct {
	Sessions  *services.SessionService
	Events    *services.EventService
	Workflows *services.WorkflowService
	Audit     *services.AuditService
	Publisher *events.Publisher
	LLM       *llm.Client
	Keys      *cache.LLMKeyStore
	Wipe      *ghost.Engine
	Pool      *worker.Pool
	Config    *config.Config
}

// Orchestrator owns the session registry. Sessions are keyed by event id;
// a second start request for the same event returns the existing actor.
// A failed actor dies without restart (temporary lifetime).
type Orchestrator struct {
	deps Deps

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session // event id → actor

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:     deps,
		sessions: make(map[uuid.UUID]*Session),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Shutdown stops all running session actors.
func (o *Orchestrator) Shutdown() {
	o.cancel()
}

// ActiveSessions reports the number of live actors.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Escalate starts a deliberation for a flagged/blocked event if the
// workspace has a triggered workflow. Deduplicates on event id: the
// existing actor is returned for a repeated escalation.
func (o *Orchestrator) Escalate(ctx context.Context, event *models.AgentEvent) (*Session, error) {
	o.mu.Lock()
	if existing, ok := o.sessions[event.ID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.mu.Unlock()

	workflow, err := o.deps.Workflows.FindTriggeredWorkflow(ctx, event.WorkspaceID)
	if err != nil {
		return nil, err
	}
	plan, err := o.deps.Workflows.LoadPlan(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow plan: %w", err)
	}

	sess, err := newSession(o.deps, plan, event)
	if err != nil {
		return nil, err
	}

	// De-duplicate on insertion: if another request won the race, discard
	// ours and return the winner.
	o.mu.Lock()
	if existing, ok := o.sessions[event.ID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.sessions[event.ID] = sess
	o.mu.Unlock()

	go func() {
		defer o.remove(event.ID)
		sess.run(o.baseCtx)
	}()

	slog.Info("Deliberation session started",
		"session_id", sess.ID(), "event_id", event.ID, "workflow_id", workflow.ID)
	return sess, nil
}

func (o *Orchestrator) remove(eventID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, eventID)
}
