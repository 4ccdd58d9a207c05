package deliberation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/llm"
	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/worker"
)

// minExpiryDelay is the minimum delay before a check_expiry fires.
const minExpiryDelay = time.Second

// deliberationSuffix is appended to each agent's base system prompt during
// debate rounds.
const deliberationSuffix = "\n\nYou are now in a deliberation with other analysts. " +
	"Review the previous discussion, defend or revise your position, and state your current " +
	"vote as VOTE: ALLOW, VOTE: FLAG or VOTE: BLOCK with CONFIDENCE: 0.0-1.0."

// analysisFailureMessage is recorded when no agent completes analysis.
const analysisFailureMessage = "All agents timed out or failed during analysis"

// agentSlot is one participating agent's static call parameters plus its
// instance row id.
type agentSlot struct {
	InstanceID   uuid.UUID
	DefinitionID uuid.UUID
	Role         string
	System       string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// callResult is one LLM completion returned by a fan-out worker.
type callResult struct {
	slot agentSlot
	resp *llm.Response
	err  error
}

// Session is the actor for one deliberation. Its mainline is strictly
// sequential across phases; LLM fan-out happens on short-lived child
// goroutines joined with a single deadline.
type Session struct {
	deps  Deps
	plan  *services.Plan
	event *models.AgentEvent

	record *models.AnalysisSession
	slots  []agentSlot

	expired atomic.Bool
	done    atomic.Bool

	phaseMu     sync.Mutex
	phaseCancel context.CancelFunc
}

// newSession creates the DB session row (with ghost hash/expiry when the
// workflow is ephemeral) and the actor around it.
func newSession(deps Deps, plan *services.Plan, event *models.AgentEvent) (*Session, error) {
	input := services.CreateSessionInput{
		WorkspaceID:  event.WorkspaceID,
		AgentEventID: event.ID,
		WorkflowID:   plan.Workflow.ID,
	}

	if plan.Ghost != nil {
		sum := sha256.Sum256([]byte(event.Content))
		input.InputContentHash = hex.EncodeToString(sum[:])
		expires := time.Now().UTC().Add(time.Duration(plan.Ghost.MaxSessionDurationSeconds) * time.Second).Truncate(time.Second)
		input.ExpiresAt = &sql.NullTime{Time: expires, Valid: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	record, err := deps.Sessions.CreateSession(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis session: %w", err)
	}

	return &Session{deps: deps, plan: plan, event: event, record: record}, nil
}

// ID returns the analysis session id.
func (s *Session) ID() uuid.UUID {
	return s.record.ID
}

// run executes the phase mainline. It is the only goroutine that mutates
// the actor's state; child goroutines communicate by channel.
func (s *Session) run(baseCtx context.Context) {
	defer s.done.Store(true)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session actor panicked", "session_id", s.record.ID, "panic", r)
			s.updateStatus(models.SessionFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if s.record.ExpiresAt != nil && s.plan.Ghost != nil && s.plan.Ghost.AutoTerminateOnExpiry {
		delay := time.Until(*s.record.ExpiresAt)
		if delay < minExpiryDelay {
			delay = minExpiryDelay
		}
		expiry := time.AfterFunc(delay, s.checkExpiry)
		defer expiry.Stop()
	}

	// Phase 1 — analysis.
	if ok := s.runAnalysis(baseCtx); !ok {
		s.updateStatus(models.SessionFailed, analysisFailureMessage)
		return
	}

	// Phase 2 — deliberation rounds (skipped once expired).
	if !s.expired.Load() {
		s.runDeliberation(baseCtx)
	}

	// Phase 3 — voting and verdict.
	s.runVoting(baseCtx)

	if s.expired.Load() {
		s.updateStatus(models.SessionTimedOut, "session expired before completion")
	} else {
		s.updateStatus(models.SessionCompleted, "")
	}

	// Ephemeral sessions dispatch their wipe after reaching a terminal
	// state.
	if s.plan.Ghost != nil {
		s.dispatchWipe(baseCtx)
	}
}

// checkExpiry fires at expires_at. If the session is not terminal it stops
// accepting phase transitions and cancels the in-flight phase; the
// mainline then best-effort completes voting and lands on timed_out.
func (s *Session) checkExpiry() {
	if s.done.Load() {
		return
	}
	slog.Warn("Session expired, forcing termination", "session_id", s.record.ID)
	s.expired.Store(true)
	s.cancelPhase()
}

func (s *Session) cancelPhase() {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	if s.phaseCancel != nil {
		s.phaseCancel()
	}
}

// phaseContext derives the shared deadline for one fan-out phase and
// registers its cancel for expiry forcing.
func (s *Session) phaseContext(baseCtx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.deps.Config.Deliberation.AnalysisTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(baseCtx, timeout)
	s.phaseMu.Lock()
	s.phaseCancel = cancel
	s.phaseMu.Unlock()
	return ctx, cancel
}

// runAnalysis creates one agent instance per workflow step and fans out the
// first LLM call. Returns false when zero agents completed.
func (s *Session) runAnalysis(baseCtx context.Context) bool {
	s.updateStatus(models.SessionAnalyzing, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, step := range s.plan.Steps {
		inst, err := s.deps.Sessions.CreateInstance(ctx, &models.AgentInstance{
			AnalysisSessionID: s.record.ID,
			AgentDefinitionID: step.Definition.ID,
			Role:              step.Definition.Role,
			Status:            models.InstanceRunning,
		})
		if err != nil {
			slog.Error("Failed to create agent instance", "session_id", s.record.ID, "error", err)
			continue
		}
		s.slots = append(s.slots, agentSlot{
			InstanceID:   inst.ID,
			DefinitionID: step.Definition.ID,
			Role:         step.Definition.Role,
			System:       s.systemPrompt(step),
			Model:        s.model(step.Definition.Model),
			Temperature:  step.Definition.Temperature,
			MaxTokens:    step.Definition.MaxTokens,
		})
	}
	cancel()

	if len(s.slots) == 0 {
		// Zero-step workflow: analysis completes with zero messages and
		// the session fails — there is nobody to produce a verdict.
		return false
	}

	results := s.fanOut(baseCtx, s.slots, "", func(slot agentSlot) string {
		return s.event.Content
	})

	completed := 0
	for _, r := range results {
		if r.err != nil {
			s.recordFailure(r)
			continue
		}
		completed++
		vote := llm.ParseVote(r.resp.Content)
		confidence := llm.ParseConfidence(r.resp.Content)
		assessment := r.resp.Content
		s.updateInstance(r.slot.InstanceID, services.UpdateInstanceInput{
			Status:            models.InstanceCompleted,
			Vote:              &vote,
			Confidence:        &confidence,
			InitialAssessment: &assessment,
			TokensDelta:       r.resp.TokensUsed,
			CostCentsDelta:    r.resp.CostCents,
		})
		s.writeMessage(r.slot.InstanceID, models.MessageAnalysis, 1, r.resp.Content)
	}

	if completed == 0 {
		return false
	}

	s.broadcast(events.EventTypeAnalysisComplete, map[string]any{
		"agents_completed": completed,
		"agents_total":     len(s.slots),
	})
	return true
}

// runDeliberation executes the configured debate rounds. Analysis is round
// 1; each iteration here is round ≥ 2. The debate summary is bounded to
// the last agent_count × 2 messages — full history would be unbounded
// memory at scale.
func (s *Session) runDeliberation(baseCtx context.Context) {
	s.updateStatus(models.SessionDeliberating, "")

	rounds := s.plan.Workflow.DeliberationRounds(s.deps.Config.Deliberation.Rounds)
	for i := 0; i < rounds; i++ {
		if s.expired.Load() {
			return
		}
		round := i + 2

		summary := s.debateSummary()
		userContent := fmt.Sprintf("Original event:\n%s\n\nPrevious discussion:\n%s\n\nProvide your response for round %d.",
			s.event.Content, summary, round)

		results := s.fanOut(baseCtx, s.slots, deliberationSuffix, func(agentSlot) string {
			return userContent
		})

		msgType := models.MessageArgument
		if round > 2 {
			msgType = models.MessageCounterArgument
		}

		for _, r := range results {
			if r.err != nil {
				slog.Warn("Deliberation call failed",
					"session_id", s.record.ID, "instance_id", r.slot.InstanceID, "error", r.err)
				continue
			}
			vote := llm.ParseVote(r.resp.Content)
			confidence := llm.ParseConfidence(r.resp.Content)
			s.updateInstance(r.slot.InstanceID, services.UpdateInstanceInput{
				Status:         models.InstanceCompleted,
				Vote:           &vote,
				Confidence:     &confidence,
				TokensDelta:    r.resp.TokensUsed,
				CostCentsDelta: r.resp.CostCents,
			})
			s.writeMessage(r.slot.InstanceID, msgType, round, r.resp.Content)
		}

		s.broadcast(events.EventTypeDeliberationRoundComplete, map[string]any{
			"round": round,
		})
	}
}

// runVoting refreshes the instances from the store, applies the consensus
// policy to the valid votes and writes the verdict exactly once.
func (s *Session) runVoting(baseCtx context.Context) {
	s.updateStatus(models.SessionVoting, "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	instances, err := s.deps.Sessions.ListInstances(ctx, s.record.ID)
	if err != nil {
		slog.Error("Failed to refresh instances for voting", "session_id", s.record.ID, "error", err)
		return
	}

	var votes []VoteInput
	for _, inst := range instances {
		if inst.Vote == nil {
			continue
		}
		switch *inst.Vote {
		case models.ActionAllow, models.ActionFlag, models.ActionBlock:
		default:
			continue
		}
		confidence := 0.5
		if inst.Confidence != nil {
			confidence = *inst.Confidence
		}
		votes = append(votes, VoteInput{Role: inst.Role, Vote: *inst.Vote, Confidence: confidence})
	}

	outcome := Resolve(s.plan.Consensus, votes)

	verdict := &models.Verdict{
		AnalysisSessionID:  s.record.ID,
		Decision:           outcome.Decision,
		Confidence:         outcome.Confidence,
		Reasoning:          s.verdictReasoning(outcome, len(votes)),
		VoteBreakdown:      outcome.Breakdown,
		DissentingOpinions: outcome.Dissenting,
		StrategyUsed:       s.plan.Consensus.Strategy,
		ConsensusReached:   outcome.Consensus,
	}
	if _, err := s.deps.Sessions.CreateVerdict(ctx, verdict); err != nil {
		if errors.Is(err, services.ErrAlreadyExists) {
			slog.Warn("Verdict already exists for session", "session_id", s.record.ID)
			return
		}
		slog.Error("Failed to write verdict", "session_id", s.record.ID, "error", err)
		return
	}

	// Map the decision back onto the event's status; escalate keeps the
	// event in its flagged state for human review.
	switch outcome.Decision {
	case models.DecisionAllow:
		s.updateEventStatus(ctx, models.EvalAllowed)
	case models.DecisionFlag:
		s.updateEventStatus(ctx, models.EvalFlagged)
	case models.DecisionBlock:
		s.updateEventStatus(ctx, models.EvalBlocked)
	}

	sessionID := s.record.ID
	workspaceID := s.record.WorkspaceID
	s.deps.Pool.Submit(worker.Job{
		Name: "audit.verdict_created",
		Fn: func(jobCtx context.Context) {
			_, err := s.deps.Audit.CreateAuditEntry(jobCtx, services.CreateAuditEntryInput{
				Action:       "deliberation.verdict_created",
				ResourceType: "analysis_session",
				ResourceID:   &sessionID,
				WorkspaceID:  &workspaceID,
				Metadata: map[string]any{
					"decision":          string(outcome.Decision),
					"consensus_reached": outcome.Consensus,
					"strategy":          string(s.plan.Consensus.Strategy),
				},
			})
			if err != nil {
				slog.Warn("Failed to write verdict audit entry", "session_id", sessionID, "error", err)
			}
		},
	})

	s.broadcast(events.EventTypeVerdictReached, map[string]any{
		"decision":          string(outcome.Decision),
		"consensus_reached": outcome.Consensus,
		"vote_breakdown":    outcome.Breakdown,
	})
}

// dispatchWipe runs or schedules the ghost wipe after the session reached
// a terminal state. Wipe failures log and continue — the session has
// already completed logically.
func (s *Session) dispatchWipe(baseCtx context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	res, err := s.deps.Wipe.ExecuteWipe(ctx, s.record.ID)
	cancel()
	if err != nil {
		slog.Warn("Ghost wipe failed", "session_id", s.record.ID, "error", err)
		return
	}
	if !res.Scheduled {
		return
	}

	// awaiting_wipe: the actor stays alive holding the timer, then wipes.
	delay := time.Duration(res.WipeDelaySeconds) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-baseCtx.Done():
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.deps.Wipe.ExecuteScheduledWipe(ctx, s.record.ID); err != nil {
		slog.Warn("Scheduled ghost wipe failed", "session_id", s.record.ID, "error", err)
	}
}

// fanOut dispatches one LLM call per slot with a single shared deadline
// and joins the results. Every call runs under the deadline's context, so a
// call cut off by it returns a timeout error. fanOut waits for every call to
// return before collecting the results; slower calls are not abandoned.
func (s *Session) fanOut(baseCtx context.Context, slots []agentSlot, systemSuffix string, userContent func(agentSlot) string) []callResult {
	ctx, cancel := s.phaseContext(baseCtx)
	defer cancel()

	apiKey := s.workspaceKey(ctx)

	resultCh := make(chan callResult, len(slots))
	var wg sync.WaitGroup
	for _, slot := range slots {
		wg.Add(1)
		go func(slot agentSlot) {
			defer wg.Done()
			workspaceID := s.record.WorkspaceID
			resp, err := s.deps.LLM.Call(ctx, llm.Request{
				Model:       slot.Model,
				System:      slot.System + systemSuffix,
				Messages:    []llm.Message{{Role: "user", Content: userContent(slot)}},
				Temperature: slot.Temperature,
				MaxTokens:   slot.MaxTokens,
			}, llm.CallOptions{
				WorkspaceID: &workspaceID,
				APIKey:      apiKey,
			})
			resultCh <- callResult{slot: slot, resp: resp, err: err}
		}(slot)
	}
	wg.Wait()
	close(resultCh)

	var results []callResult
	for r := range resultCh {
		results = append(results, r)
	}
	return results
}

// recordFailure downgrades one instance after a failed analysis call.
func (s *Session) recordFailure(r callResult) {
	status := models.InstanceFailed
	var lerr *llm.Error
	if errors.As(r.err, &lerr) && lerr.Kind == llm.KindTimeout {
		status = models.InstanceTimedOut
	}
	slog.Warn("Analysis call failed",
		"session_id", s.record.ID, "instance_id", r.slot.InstanceID, "error", r.err)
	s.updateInstance(r.slot.InstanceID, services.UpdateInstanceInput{Status: status})
}

// debateSummary returns the last agent_count × 2 messages rendered as a
// transcript.
func (s *Session) debateSummary() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	limit := len(s.slots) * 2
	msgs, err := s.deps.Sessions.ListRecentMessages(ctx, s.record.ID, limit)
	if err != nil {
		slog.Warn("Failed to load debate summary", "session_id", s.record.ID, "error", err)
		return "(no prior discussion available)"
	}

	roleByInstance := make(map[uuid.UUID]string, len(s.slots))
	for _, slot := range s.slots {
		roleByInstance[slot.InstanceID] = slot.Role
	}

	out := ""
	for _, m := range msgs {
		role := roleByInstance[m.AgentInstanceID]
		if role == "" {
			role = "analyst"
		}
		out += fmt.Sprintf("[round %d] %s: %s\n", m.Round, role, m.Content)
	}
	if out == "" {
		return "(no prior discussion)"
	}
	return out
}

// systemPrompt resolves a step's system prompt: the agent definition's
// base prompt, or the step's template rendered with the agent variables.
// A render failure falls back to the base prompt — event content is never
// part of the variable set.
func (s *Session) systemPrompt(step services.ResolvedStep) string {
	if step.Template == nil {
		return step.Definition.SystemPrompt
	}
	rendered, err := Render(step.Template.Template, map[string]string{
		"role":       step.Definition.Role,
		"expertise":  step.Definition.Expertise,
		"event_type": string(s.event.EventType),
	})
	if err != nil {
		slog.Warn("Prompt template render failed, using base prompt",
			"session_id", s.record.ID, "template_id", step.Template.ID, "error", err)
		return step.Definition.SystemPrompt
	}
	return rendered
}

func (s *Session) model(stepModel string) string {
	if stepModel != "" {
		return stepModel
	}
	return s.deps.Config.LLM.DefaultModel
}

// workspaceKey fetches the tenant's decrypted LLM key; empty falls back to
// the client's process-level key.
func (s *Session) workspaceKey(ctx context.Context) string {
	if s.deps.Keys == nil {
		return ""
	}
	key, err := s.deps.Keys.Get(ctx, s.record.WorkspaceID)
	if err != nil {
		slog.Warn("Failed to load workspace LLM key", "session_id", s.record.ID, "error", err)
		return ""
	}
	return key
}

func (s *Session) verdictReasoning(outcome Outcome, validVotes int) string {
	if outcome.Consensus {
		return fmt.Sprintf("%s consensus reached by %d valid votes (strategy %s)",
			outcome.Decision, validVotes, s.plan.Consensus.Strategy)
	}
	return fmt.Sprintf("no consensus among %d valid votes (strategy %s), escalating",
		validVotes, s.plan.Consensus.Strategy)
}

// --- persistence helpers (best-effort; failures are logged) ---

func (s *Session) updateStatus(status models.SessionStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Sessions.UpdateSessionStatus(ctx, s.record.ID, status, errMsg); err != nil {
		slog.Error("Failed to update session status", "session_id", s.record.ID, "status", status, "error", err)
	}
}

func (s *Session) updateInstance(instanceID uuid.UUID, input services.UpdateInstanceInput) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Sessions.UpdateInstance(ctx, instanceID, input); err != nil {
		slog.Error("Failed to update agent instance", "instance_id", instanceID, "error", err)
	}
}

func (s *Session) writeMessage(instanceID uuid.UUID, msgType models.MessageType, round int, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.deps.Sessions.CreateMessage(ctx, &models.DeliberationMessage{
		AnalysisSessionID: s.record.ID,
		AgentInstanceID:   instanceID,
		MessageType:       msgType,
		Round:             round,
		Content:           content,
	})
	if err != nil {
		slog.Error("Failed to write deliberation message", "session_id", s.record.ID, "error", err)
	}
}

func (s *Session) updateEventStatus(ctx context.Context, status models.EvalStatus) {
	if err := s.deps.Events.UpdateStatus(ctx, s.event.ID, status); err != nil {
		slog.Error("Failed to update event status after verdict", "event_id", s.event.ID, "error", err)
	}
}

func (s *Session) broadcast(eventType string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.deps.Publisher.PublishDeliberation(ctx, s.record.WorkspaceID.String(), s.record.ID.String(),
		events.DeliberationEventPayload{
			Type:      eventType,
			SessionID: s.record.ID.String(),
			Payload:   payload,
		})
	if err != nil {
		slog.Warn("Failed to broadcast deliberation event",
			"session_id", s.record.ID, "type", eventType, "error", err)
	}
}
