package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// WorkspaceIdentityKey is the context key for the workspace identity
	// tag (sent as X-Workspace-Identity header)
	WorkspaceIdentityKey contextKey = "workspace-identity"

	// RequestIDKey is the context key for the correlation id (sent as
	// X-Request-ID header)
	RequestIDKey contextKey = "request-id"
)

// WithWorkspaceIdentity adds a workspace identity to the context. Outbound
// requests carry it as the X-Workspace-Identity header.
func WithWorkspaceIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, WorkspaceIdentityKey, identity)
}

// GetWorkspaceIdentity retrieves the workspace identity from context
func GetWorkspaceIdentity(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(WorkspaceIdentityKey).(string)
	return identity, ok && identity != ""
}

// WithRequestID adds a correlation id to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the correlation id from context
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(RequestIDKey).(string)
	return requestID, ok && requestID != ""
}
