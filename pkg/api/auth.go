package api

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmshield/swarmshield/pkg/cache"
	"github.com/swarmshield/swarmshield/pkg/models"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/telemetry"
	"github.com/swarmshield/swarmshield/pkg/worker"
)

// Context keys for the authenticated caller.
const (
	ctxKeyAgent = "swarmshield.agent"
)

// callerIdentity is the resolved caller stored on the request context.
type callerIdentity struct {
	Entry cache.AgentEntry
}

// agentAuth authenticates the bearer token through the ApiKeyCache and
// enforces agent and workspace status. Failure envelopes never reveal
// whether a token was malformed or unknown.
func (s *Server) agentAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				s.auditAuthFailure(c, codeMissingCredentials)
				telemetry.GatewayRejections.WithLabelValues(codeMissingCredentials).Inc()
				return renderError(c, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
			}

			hash := services.HashAPIKey(token)
			entry := s.apiKeys.Lookup(c.Request().Context(), hash)
			if entry.NotFound {
				s.auditAuthFailure(c, codeInvalidCredentials)
				telemetry.GatewayRejections.WithLabelValues(codeInvalidCredentials).Inc()
				return renderError(c, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
			}

			switch entry.Status {
			case models.AgentActive:
			case models.AgentSuspended:
				s.auditAuthFailure(c, codeAgentSuspended)
				telemetry.GatewayRejections.WithLabelValues(codeAgentSuspended).Inc()
				return renderError(c, http.StatusForbidden, codeAgentSuspended, "agent is suspended")
			case models.AgentRevoked:
				s.auditAuthFailure(c, codeAgentRevoked)
				telemetry.GatewayRejections.WithLabelValues(codeAgentRevoked).Inc()
				return renderError(c, http.StatusForbidden, codeAgentRevoked, "agent is revoked")
			default:
				s.auditAuthFailure(c, codeInvalidCredentials)
				return renderError(c, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
			}

			workspace, err := s.workspaces.GetWorkspace(c.Request().Context(), entry.WorkspaceID)
			if err != nil {
				s.auditAuthFailure(c, codeInvalidCredentials)
				return renderError(c, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
			}
			switch workspace.Status {
			case models.WorkspaceActive:
			case models.WorkspaceArchived:
				s.auditAuthFailure(c, codeWorkspaceArchived)
				telemetry.GatewayRejections.WithLabelValues(codeWorkspaceArchived).Inc()
				return renderError(c, http.StatusForbidden, codeWorkspaceArchived, "workspace is archived")
			default:
				s.auditAuthFailure(c, codeWorkspaceSuspended)
				telemetry.GatewayRejections.WithLabelValues(codeWorkspaceSuspended).Inc()
				return renderError(c, http.StatusForbidden, codeWorkspaceSuspended, "workspace is suspended")
			}

			// Admission side effect: async last-seen touch.
			agentID := entry.AgentID
			s.pool.Submit(worker.Job{
				Name: "agent.touch",
				Fn: func(jobCtx context.Context) {
					_ = s.agents.TouchLastSeen(jobCtx, agentID)
				},
			})

			c.Set(ctxKeyAgent, &callerIdentity{Entry: entry})
			return next(c)
		}
	}
}

// bearerToken extracts the token from a case-insensitive Bearer header.
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// caller returns the authenticated identity set by agentAuth.
func caller(c *echo.Context) *callerIdentity {
	id, _ := c.Get(ctxKeyAgent).(*callerIdentity)
	return id
}

// auditAuthFailure records an admission failure with the caller IP and the
// reason — never the token.
func (s *Server) auditAuthFailure(c *echo.Context, reason string) {
	ip := c.RealIP()
	userAgent := c.Request().Header.Get("User-Agent")
	s.pool.Submit(worker.Job{
		Name: "audit.auth_failure",
		Fn: func(jobCtx context.Context) {
			_, _ = s.audit.CreateAuditEntry(jobCtx, services.CreateAuditEntryInput{
				Action:       "gateway.admission_rejected",
				ResourceType: "agent_event",
				IPAddress:    ip,
				UserAgent:    userAgent,
				Metadata:     map[string]any{"reason": reason},
			})
		},
	})
}
