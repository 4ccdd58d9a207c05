package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/swarmshield/swarmshield/pkg/version"
)

// healthHandler handles GET /api/v1/health. Unauthenticated; the payload
// deliberately carries no runtime, database or topology details.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:    "ok",
		Version:   version.Full(),
		Timestamp: time.Now().UTC(),
	})
}

// parseUUIDParam parses a path parameter as a UUID.
func parseUUIDParam(c *echo.Context, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(name))
}
