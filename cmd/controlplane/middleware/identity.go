package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/llmctl/llmctl/common/clients"
)

// ContextKey is a custom type for echo context keys to avoid collisions
type ContextKey string

// WorkspaceIdentityKey is the echo context key for the caller's workspace
// identity tag.
const WorkspaceIdentityKey ContextKey = "workspace_identity"

// ExtractWorkspaceIdentity reads the X-Workspace-Identity header into the
// echo context and threads it, together with the request id, onto the
// request context so outbound service calls propagate both headers.
//
// An absent header is allowed; rate limiting falls back to a shared
// default bucket for unidentified callers.
func ExtractWorkspaceIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			identity := c.Request().Header.Get("X-Workspace-Identity")
			if identity != "" {
				c.Set(string(WorkspaceIdentityKey), identity)
				ctx = clients.WithWorkspaceIdentity(ctx, identity)
			}

			if requestID := c.Response().Header().Get(echo.HeaderXRequestID); requestID != "" {
				ctx = clients.WithRequestID(ctx, requestID)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// GetWorkspaceIdentity retrieves the workspace identity from the echo
// context, or "" when the caller sent none.
func GetWorkspaceIdentity(c echo.Context) string {
	identity := c.Get(string(WorkspaceIdentityKey))
	if identity == nil {
		return ""
	}
	s, _ := identity.(string)
	return s
}
