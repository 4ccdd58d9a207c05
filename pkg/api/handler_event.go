package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/policy"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/worker"
)

// submitEventHandler handles POST /api/v1/events: persist → evaluate →
// violations → escalate → render. Evaluation failure degrades gracefully —
// the event is still persisted and returned.
func (s *Server) submitEventHandler(c *echo.Context) error {
	id := caller(c)

	var req SubmitEventRequest
	if err := c.Bind(&req); err != nil {
		return renderValidation(c, "body", "is not valid JSON")
	}

	event, err := s.events.CreateEvent(c.Request().Context(), services.CreateEventInput{
		WorkspaceID:       id.Entry.WorkspaceID,
		RegisteredAgentID: id.Entry.AgentID,
		EventType:         req.EventType,
		Content:           req.Content,
		Payload:           req.Payload,
		Severity:          req.Severity,
		SourceIP:          c.RealIP(),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	s.evaluate(c, event, id)
	return c.JSON(http.StatusCreated, &dataResponse{Data: event})
}

// evaluate runs the policy engine over the persisted event, records the
// outcome and violations, and escalates flagged/blocked events.
func (s *Server) evaluate(c *echo.Context, event *models.AgentEvent, id *callerIdentity) *policy.Result {
	ctx := c.Request().Context()

	agentType, agentName := s.resolveAgentMeta(ctx, id)

	result := func() *policy.Result {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Policy evaluation crashed, leaving event pending",
					"event_id", event.ID, "panic", r)
			}
		}()
		res := s.engine.Evaluate(ctx, event, agentType, agentName)
		return &res
	}()
	if result == nil {
		// Evaluation itself crashed: the event stays pending.
		return nil
	}

	status := models.EvalAllowed
	flaggedReason := ""
	switch result.Action {
	case models.ActionFlag:
		status = models.EvalFlagged
		flaggedReason = flagReason(result)
	case models.ActionBlock:
		status = models.EvalBlocked
		flaggedReason = flagReason(result)
	}

	evaluatedAt, err := s.events.UpdateEvaluation(ctx, event.ID, status, result.ToMap(), flaggedReason)
	if err != nil {
		slog.Error("Failed to record evaluation", "event_id", event.ID, "error", err)
		return result
	}
	event.Status = status
	event.EvaluationResult = result.ToMap()
	event.EvaluatedAt = &evaluatedAt
	event.FlaggedReason = flaggedReason

	// One violation row per matched flag/block rule.
	for _, m := range result.MatchedRules {
		var actionTaken models.EvalStatus
		var severity string
		switch m.Action {
		case models.ActionFlag:
			actionTaken, severity = models.EvalFlagged, "medium"
		case models.ActionBlock:
			actionTaken, severity = models.EvalBlocked, "high"
		default:
			continue
		}
		_, err := s.violations.CreateViolation(ctx, services.CreateViolationInput{
			WorkspaceID:  event.WorkspaceID,
			AgentEventID: event.ID,
			PolicyRuleID: m.RuleID,
			RuleName:     m.RuleName,
			ActionTaken:  actionTaken,
			Severity:     severity,
			Details:      result.Details[m.RuleID.String()],
		})
		if err != nil {
			slog.Error("Failed to record violation", "event_id", event.ID, "rule_id", m.RuleID, "error", err)
		}
	}

	if result.Action == models.ActionFlag || result.Action == models.ActionBlock {
		s.escalate(event)
	}

	return result
}

// escalate hands the event to the deliberation orchestrator off the
// request path.
func (s *Server) escalate(event *models.AgentEvent) {
	if s.orchestrator == nil {
		return
	}
	eventCopy := *event
	s.pool.Submit(worker.Job{
		Name: "deliberation.escalate",
		Fn: func(jobCtx context.Context) {
			if _, err := s.orchestrator.Escalate(jobCtx, &eventCopy); err != nil {
				// No triggered workflow is the common case, not a failure.
				if !errors.Is(err, services.ErrNotFound) {
					slog.Error("Failed to escalate event", "event_id", eventCopy.ID, "error", err)
				}
			}
		},
	})
}

// resolveAgentMeta loads the caller's type and name for rule applicability
// filters. A lookup failure leaves the type unresolved, which passes the
// agent-type filter.
func (s *Server) resolveAgentMeta(ctx context.Context, id *callerIdentity) (models.AgentType, string) {
	agent, err := s.agents.GetAgent(ctx, id.Entry.WorkspaceID, id.Entry.AgentID)
	if err != nil {
		return "", id.Entry.AgentName
	}
	return agent.Type, agent.Name
}

func flagReason(result *policy.Result) string {
	reason := ""
	for _, m := range result.MatchedRules {
		if m.Action == models.ActionAllow {
			continue
		}
		if reason != "" {
			reason += ", "
		}
		reason += m.RuleName
	}
	if reason == "" {
		return ""
	}
	return "matched rules: " + reason
}

// getEventHandler handles GET /api/v1/events/:id scoped to the caller's
// workspace.
func (s *Server) getEventHandler(c *echo.Context) error {
	id := caller(c)

	eventID, err := parseUUIDParam(c, "id")
	if err != nil {
		return renderError(c, http.StatusNotFound, codeNotFound, "resource not found")
	}

	event, err := s.events.GetEvent(c.Request().Context(), id.Entry.WorkspaceID, eventID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &dataResponse{Data: event})
}
