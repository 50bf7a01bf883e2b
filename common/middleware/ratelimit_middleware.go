// Package middleware holds echo middleware shared across llmctl HTTP
// services.
package middleware

import (
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/common/contracts"
	"github.com/llmctl/llmctl/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to bypass
// rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}

	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		// No secret configured means no bypass.
		return false
	}

	return internalHeader == expectedSecret
}

// GlobalRateLimitMiddleware checks the global service-wide rate limit.
// Protects the whole service from being overwhelmed; limiter errors fail
// open for availability.
func GlobalRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := rateLimiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return tooManyRequests(c, "service is at capacity, try again later", result)
			}

			return next(c)
		}
	}
}

// WorkspaceRateLimitMiddleware checks a flat per-workspace rate limit.
// The tier-aware submission limit lives in the run service; this guard
// covers the rest of the authoring surface. Requests without a workspace
// identity share one default bucket.
func WorkspaceRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			identity := c.Request().Header.Get("X-Workspace-Identity")
			if identity == "" {
				identity = "default"
			}

			result, err := rateLimiter.CheckWorkspaceLimit(c.Request().Context(), identity, limit, 60)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return tooManyRequests(c, "workspace request quota exceeded, wait before retrying", result)
			}

			return next(c)
		}
	}
}

// tooManyRequests writes the contract 429 envelope with a Retry-After
// header.
func tooManyRequests(c echo.Context, message string, result *ratelimit.RateLimitResult) error {
	c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	envelope := contracts.NewAPIError(contracts.CodeRateLimited, message, requestID).
		WithDetails(map[string]any{
			"limit":               result.Limit,
			"current_count":       result.CurrentCount,
			"window":              "60 seconds",
			"retry_after_seconds": result.RetryAfterSeconds,
		})
	return c.JSON(http.StatusTooManyRequests, envelope)
}
