package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID       contextKey = "request_id"
	keyOrganizationID  contextKey = "organization_id"
	keyCollaborationID contextKey = "collaboration_id"
	keyNodeID          contextKey = "node_id"
	keyUserID          contextKey = "user_id"
)

// WithRequestID adds the request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithOrganizationID adds the authenticated caller's organization ID to context.
func WithOrganizationID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, keyOrganizationID, id)
}

// OrganizationID extracts the caller's organization ID from context.
func OrganizationID(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(keyOrganizationID).(uint)
	return v, ok && v != 0
}

// WithCollaborationID adds the authenticated caller's collaboration ID to context.
func WithCollaborationID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, keyCollaborationID, id)
}

// CollaborationID extracts the caller's collaboration ID from context.
func CollaborationID(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(keyCollaborationID).(uint)
	return v, ok && v != 0
}

// WithNodeID adds the authenticated node's ID to context. Only set for
// node-credential tokens, never for user tokens.
func WithNodeID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, keyNodeID, id)
}

// NodeID extracts the authenticated node's ID from context.
func NodeID(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(keyNodeID).(uint)
	return v, ok && v != 0
}

// WithUserID adds the authenticated user's ID to context.
func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, keyUserID, id)
}

// UserID extracts the authenticated user's ID from context.
func UserID(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(keyUserID).(uint)
	return v, ok && v != 0
}
