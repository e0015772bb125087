package interceptors

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor that writes one structured log line per RPC.
// skipMethods is the set of full method names not to log (e.g. health checks).
func LoggingUnary(log zerolog.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		ev := log.Info()
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss:
			ev = log.Error().Err(err)
		default:
			ev = log.Warn()
		}
		if userID, ok := GetUserID(ctx); ok && userID != "" {
			ev = ev.Str("user_id", userID)
		}
		if sessionID, ok := GetSessionID(ctx); ok && sessionID != "" {
			ev = ev.Str("session_id", sessionID)
		}
		ev.Str("full_method", info.FullMethod).
			Str("status_code", code.String()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("client_ip", ClientIP(ctx)).
			Msg("grpc request")
		return resp, err
	}
}
