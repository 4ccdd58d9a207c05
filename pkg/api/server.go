// Package api provides the HTTP gateway for SwarmShield.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/swarmshield/swarmshield/pkg/cache"
	"github.com/swarmshield/swarmshield/pkg/config"
	"github.com/swarmshield/swarmshield/pkg/deliberation"
	"github.com/swarmshield/swarmshield/pkg/events"
	"github.com/swarmshield/swarmshield/pkg/policy"
	"github.com/swarmshield/swarmshield/pkg/services"
	"github.com/swarmshield/swarmshield/pkg/telemetry"
	"github.com/swarmshield/swarmshield/pkg/worker"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config

	apiKeys    *cache.ApiKeyCache
	engine     *policy.Engine
	limiter    *IPRateLimiter
	pool       *worker.Pool
	adminToken string

	workspaces *services.WorkspaceService
	agents     *services.AgentService
	events     *services.EventService
	rules      *services.RuleService
	violations *services.ViolationService
	sessions   *services.SessionService
	audit      *services.AuditService

	orchestrator *deliberation.Orchestrator // nil until set
	connManager  *events.ConnectionManager  // nil until set
}

// Deps bundles the server's constructor dependencies.
type Deps struct {
	Config     *config.Config
	APIKeys    *cache.ApiKeyCache
	Engine     *policy.Engine
	Pool       *worker.Pool
	AdminToken string

	Workspaces *services.WorkspaceService
	Agents     *services.AgentService
	Events     *services.EventService
	Rules      *services.RuleService
	Violations *services.ViolationService
	Sessions   *services.SessionService
	Audit      *services.AuditService
}

// NewServer creates the API server and registers its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		echo:       echo.New(),
		cfg:        deps.Config,
		apiKeys:    deps.APIKeys,
		engine:     deps.Engine,
		limiter:    NewIPRateLimiter(deps.Config.RateLimit.MaxRequests, deps.Config.RateLimit.WindowSeconds),
		pool:       deps.Pool,
		adminToken: deps.AdminToken,
		workspaces: deps.Workspaces,
		agents:     deps.Agents,
		events:     deps.Events,
		rules:      deps.Rules,
		violations: deps.Violations,
		sessions:   deps.Sessions,
		audit:      deps.Audit,
	}

	s.setupRoutes()
	return s
}

// SetOrchestrator wires the deliberation orchestrator for escalation.
func (s *Server) SetOrchestrator(o *deliberation.Orchestrator) {
	s.orchestrator = o
}

// SetConnectionManager wires the WebSocket fan-out.
func (s *Server) SetConnectionManager(m *events.ConnectionManager) {
	s.connManager = m
}

// Limiter exposes the IP rate limiter so main can run its sweeper.
func (s *Server) Limiter() *IPRateLimiter {
	return s.limiter
}

// setupRoutes registers all routes and the fixed middleware chain:
// body limit → security headers → CORS → content-type gate → IP rate
// limit, then bearer auth on the agent surface.
func (s *Server) setupRoutes() {
	// Server-wide body size limit of 4 MiB, above the combined 1 MiB content
	// and 1 MiB payload caps to account for JSON envelope overhead.
	s.echo.Use(middleware.BodyLimit(4 * 1024 * 1024))
	s.echo.Use(securityHeaders())
	s.echo.Use(corsMiddleware(s.cfg.CORS))
	s.echo.Use(contentTypeGate())
	s.echo.Use(rateLimitMiddleware(s.limiter))

	v1 := s.echo.Group("/api/v1")

	// Unauthenticated surface.
	v1.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", echo.WrapHandler(telemetry.Handler()))

	// Agent surface (bearer auth via ApiKeyCache).
	agents := v1.Group("")
	agents.Use(s.agentAuth())
	agents.POST("/events", s.submitEventHandler)
	agents.GET("/events/:id", s.getEventHandler)

	// WebSocket stream for deliberation channels.
	v1.GET("/ws", s.wsHandler)

	// Admin surface (operator token).
	admin := v1.Group("/admin")
	admin.Use(s.adminAuth())
	admin.POST("/workspaces", s.createWorkspaceHandler)
	admin.GET("/workspaces/:workspace_id/events", s.listEventsHandler)
	admin.POST("/workspaces/:workspace_id/agents", s.registerAgentHandler)
	admin.PATCH("/workspaces/:workspace_id/agents/:id/status", s.updateAgentStatusHandler)
	admin.POST("/workspaces/:workspace_id/agents/:id/regenerate-key", s.regenerateAgentKeyHandler)
	admin.POST("/workspaces/:workspace_id/policy-rules", s.createPolicyRuleHandler)
	admin.POST("/workspaces/:workspace_id/detection-rules", s.createDetectionRuleHandler)
	admin.GET("/workspaces/:workspace_id/sessions/:id", s.getSessionHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the echo handler for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}
