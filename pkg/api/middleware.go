package api

import (
	"fmt"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmshield/swarmshield/pkg/config"
	"github.com/swarmshield/swarmshield/pkg/telemetry"
)

// securityHeaders sets the standard security response headers on every
// response.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}

// corsMiddleware implements the configured CORS policy: ["*"] reflects
// "*"; otherwise the request origin is reflected when listed, else the
// first allow-list entry. OPTIONS preflights short-circuit with 204.
func corsMiddleware(cfg config.CORSConfig) echo.MiddlewareFunc {
	wildcard := len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*"

	resolveOrigin := func(requestOrigin string) string {
		if wildcard {
			return "*"
		}
		for _, allowed := range cfg.AllowedOrigins {
			if allowed == requestOrigin {
				return requestOrigin
			}
		}
		if len(cfg.AllowedOrigins) > 0 {
			return cfg.AllowedOrigins[0]
		}
		return ""
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := resolveOrigin(c.Request().Header.Get("Origin"))
			h := c.Response().Header()
			if origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
			}

			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", fmt.Sprintf("%d", cfg.MaxAge))
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}

// contentTypeGate rejects POST/PUT/PATCH bodies that are not JSON.
func contentTypeGate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			switch c.Request().Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				ct := c.Request().Header.Get("Content-Type")
				if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
					telemetry.GatewayRejections.WithLabelValues(codeUnsupportedMediaType).Inc()
					return renderError(c, http.StatusUnsupportedMediaType,
						codeUnsupportedMediaType, "Content-Type must be application/json")
				}
			}
			return next(c)
		}
	}
}

// rateLimitMiddleware applies the per-IP sliding window and sets the
// X-RateLimit headers; 429 responses add Retry-After.
func rateLimitMiddleware(limiter *IPRateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			allowed, remaining, retryAfter := limiter.Allow(c.RealIP())

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Limit()))
			h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

			if !allowed {
				h.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				telemetry.GatewayRejections.WithLabelValues(codeRateLimited).Inc()
				return renderError(c, http.StatusTooManyRequests,
					codeRateLimited, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
