package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"session-security-engine/backend/internal/security"
)

const bearerPrefix = "bearer "

// SessionChecker reports whether the session an access token names is still live.
type SessionChecker func(ctx context.Context, userID, sessionID string) (bool, error)

// AuthUnary returns a unary server interceptor that validates the Bearer (access) token
// from gRPC metadata and sets user_id, session_id and active_role_id in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token.
// When checkSession is set, a token whose session has been revoked is rejected even before it expires.
func AuthUnary(tokens *security.TokenIssuer, publicMethods map[string]bool, checkSession SessionChecker) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		claims, err := tokens.VerifyAccess(token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		if checkSession != nil && !public {
			live, err := checkSession(ctx, claims.Subject, claims.SessionID)
			if err != nil || !live {
				return nil, status.Error(codes.Unauthenticated, "session invalid or expired")
			}
		}

		ctx = WithIdentity(ctx, claims.Subject, claims.SessionID, claims.ActiveRoleID)
		return handler(ctx, req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
