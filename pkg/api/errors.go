package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmshield/swarmshield/pkg/services"
)

// Error codes rendered to clients. Authentication failures share one
// generic code — the envelope never differentiates malformed vs unknown
// credentials.
const (
	codeMissingCredentials   = "missing_credentials"
	codeInvalidCredentials   = "invalid_credentials"
	codeAgentSuspended       = "agent_suspended"
	codeAgentRevoked         = "agent_revoked"
	codeWorkspaceArchived    = "workspace_archived"
	codeWorkspaceSuspended   = "workspace_suspended"
	codeUnsupportedMediaType = "unsupported_media_type"
	codeRateLimited          = "rate_limited"
	codeNotFound             = "not_found"
	codeInternalError        = "internal_error"
)

// errorResponse is the envelope for 401/403/415/429 failures.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// validationResponse is the envelope for 422 failures.
type validationResponse struct {
	Errors map[string][]string `json:"errors"`
}

func renderError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, &errorResponse{Error: code, Message: message})
}

func renderValidation(c *echo.Context, field, message string) error {
	return c.JSON(http.StatusUnprocessableEntity, &validationResponse{
		Errors: map[string][]string{field: {message}},
	})
}

// mapServiceError maps service-layer errors onto HTTP responses. A generic
// 500 never leaks the underlying error message.
func mapServiceError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return renderValidation(c, validErr.Field, validErr.Message)
	}
	if errors.Is(err, services.ErrNotFound) {
		return renderError(c, http.StatusNotFound, codeNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return renderError(c, http.StatusConflict, "already_exists", "resource already exists")
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		return renderError(c, http.StatusConflict, "invalid_transition", "status transition not allowed")
	}

	slog.Error("Unexpected service error", "error", err)
	return renderError(c, http.StatusInternalServerError, codeInternalError, "internal server error")
}
