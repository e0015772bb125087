package interceptors

import "context"

type contextKey struct{ name string }

var (
	userIDKey       = contextKey{"user_id"}
	sessionIDKey    = contextKey{"session_id"}
	activeRoleIDKey = contextKey{"active_role_id"}
)

// WithIdentity returns a context carrying what a verified access token asserts.
// Handlers read it via GetUserID, GetSessionID, GetActiveRoleID.
func WithIdentity(ctx context.Context, userID, sessionID, activeRoleID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	ctx = context.WithValue(ctx, activeRoleIDKey, activeRoleID)
	return ctx
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok
}

// GetActiveRoleID returns the active role from context and true if set; otherwise "", false.
// An empty value with true means the session holds no role.
func GetActiveRoleID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(activeRoleIDKey).(string)
	return v, ok
}
