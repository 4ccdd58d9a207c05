package api

import (
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/services"
)

// adminAuth guards the admin surface with the operator token from the
// environment. Missing configuration closes the surface entirely.
func (s *Server) adminAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.adminToken == "" {
				return renderError(c, http.StatusNotFound, codeNotFound, "resource not found")
			}
			token, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
				return renderError(c, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
			}
			return next(c)
		}
	}
}

// workspaceParam resolves the :workspace_id path parameter.
func (s *Server) workspaceParam(c *echo.Context) (*models.Workspace, error) {
	id, err := parseUUIDParam(c, "workspace_id")
	if err != nil {
		return nil, services.ErrNotFound
	}
	return s.workspaces.GetWorkspace(c.Request().Context(), id)
}

// createWorkspaceHandler handles POST /api/v1/admin/workspaces.
func (s *Server) createWorkspaceHandler(c *echo.Context) error {
	var req CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return renderValidation(c, "body", "is not valid JSON")
	}
	workspace, err := s.workspaces.CreateWorkspace(c.Request().Context(), req.Name)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, &dataResponse{Data: workspace})
}

// registerAgentHandler handles POST /api/v1/admin/workspaces/:workspace_id/agents.
// The response carries the raw API key exactly once.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return renderValidation(c, "body", "is not valid JSON")
	}

	agent, rawKey, err := s.agents.RegisterAgent(c.Request().Context(), services.RegisterAgentInput{
		WorkspaceID: workspace.ID,
		Name:        req.Name,
		Type:        models.AgentType(req.Type),
		RiskLevel:   req.RiskLevel,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, &dataResponse{Data: agentResponse(agent, rawKey)})
}

// updateAgentStatusHandler handles PATCH .../agents/:id/status.
func (s *Server) updateAgentStatusHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	agentID, err := parseUUIDParam(c, "id")
	if err != nil {
		return renderError(c, http.StatusNotFound, codeNotFound, "resource not found")
	}

	var req UpdateAgentStatusRequest
	if err := c.Bind(&req); err != nil {
		return renderValidation(c, "body", "is not valid JSON")
	}

	agent, err := s.agents.UpdateStatus(c.Request().Context(), workspace.ID, agentID, models.AgentStatus(req.Status))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &dataResponse{Data: agentResponse(agent, "")})
}

// regenerateAgentKeyHandler handles POST .../agents/:id/regenerate-key.
func (s *Server) regenerateAgentKeyHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	agentID, err := parseUUIDParam(c, "id")
	if err != nil {
		return renderError(c, http.StatusNotFound, codeNotFound, "resource not found")
	}

	agent, rawKey, err := s.agents.RegenerateKey(c.Request().Context(), workspace.ID, agentID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &dataResponse{Data: agentResponse(agent, rawKey)})
}

// createPolicyRuleHandler handles POST .../policy-rules.
func (s *Server) createPolicyRuleHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	var req CreatePolicyRuleRequest
	if err := c.Bind(&req); err != nil {
		return renderValidation(c, "body", "is not valid JSON")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, err := s.rules.CreatePolicyRule(c.Request().Context(), services.CreatePolicyRuleInput{
		WorkspaceID:         workspace.ID,
		Name:                req.Name,
		RuleType:            models.RuleType(req.RuleType),
		Action:              models.RuleAction(req.Action),
		Priority:            req.Priority,
		Enabled:             enabled,
		Config:              req.Config,
		AppliesToEventTypes: req.AppliesToEventTypes,
		AppliesToAgentTypes: req.AppliesToAgentTypes,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, &dataResponse{Data: rule})
}

// createDetectionRuleHandler handles POST .../detection-rules. Regex
// patterns run the compile/length/ReDoS-probe validation here.
func (s *Server) createDetectionRuleHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	var req CreateDetectionRuleRequest
	if err := c.Bind(&req); err != nil {
		return renderValidation(c, "body", "is not valid JSON")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, err := s.rules.CreateDetectionRule(c.Request().Context(), services.CreateDetectionRuleInput{
		WorkspaceID:   workspace.ID,
		Name:          req.Name,
		DetectionType: models.DetectionType(req.DetectionType),
		Pattern:       req.Pattern,
		Keywords:      req.Keywords,
		Enabled:       enabled,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, &dataResponse{Data: rule})
}

// getSessionHandler handles GET .../sessions/:id with its verdict when
// present.
func (s *Server) getSessionHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	sessionID, err := parseUUIDParam(c, "id")
	if err != nil {
		return renderError(c, http.StatusNotFound, codeNotFound, "resource not found")
	}

	session, err := s.sessions.GetSession(c.Request().Context(), workspace.ID, sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}

	payload := map[string]any{"session": session}
	if verdict, err := s.sessions.GetVerdict(c.Request().Context(), session.ID); err == nil {
		payload["verdict"] = verdict
	}
	return c.JSON(http.StatusOK, &dataResponse{Data: payload})
}

// listEventsHandler handles GET .../events for an admin workspace view.
func (s *Server) listEventsHandler(c *echo.Context) error {
	workspace, err := s.workspaceParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	eventsList, err := s.events.ListEvents(c.Request().Context(), workspace.ID, 50, 0)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &dataResponse{Data: eventsList})
}

func agentResponse(a *models.RegisteredAgent, rawKey string) *RegisteredAgentResponse {
	return &RegisteredAgentResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Type:         string(a.Type),
		Status:       string(a.Status),
		RiskLevel:    a.RiskLevel,
		APIKeyPrefix: a.APIKeyPrefix,
		APIKey:       rawKey,
		EventCount:   a.EventCount,
		LastSeenAt:   a.LastSeenAt,
		InsertedAt:   a.InsertedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}
