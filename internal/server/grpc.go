package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	authhandler "session-security-engine/backend/internal/auth/handler"
	healthhandler "session-security-engine/backend/internal/health/handler"
	"session-security-engine/backend/internal/security"
	"session-security-engine/backend/internal/server/interceptors"
)

// Deps holds the dependencies of the gRPC surface.
type Deps struct {
	// Auth backs SessionAuthService. If nil, its RPCs return Unimplemented.
	Auth authhandler.Orchestrator
	// Tokens verifies access tokens. If nil, no RPC is authenticated and LogoutAll always fails.
	Tokens *security.TokenIssuer
	// SessionChecker rejects access tokens whose session is no longer ACTIVE. Optional.
	SessionChecker interceptors.SessionChecker
	// Health serves grpc.health.v1. If nil, the health service is not registered.
	Health *healthhandler.Server
	Log    zerolog.Logger
}

// NewServer builds a gRPC server with logging, authentication and tracing wired in, and all services registered.
func NewServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(append(ServerOptions(deps), opts...)...)
	RegisterServices(s, deps)
	return s
}

// ServerOptions returns the interceptor chain and stats handler for deps.
func ServerOptions(deps Deps) []grpc.ServerOption {
	quiet := map[string]bool{
		"/grpc.health.v1.Health/Check": true,
		"/grpc.health.v1.Health/Watch": true,
	}
	chain := []grpc.UnaryServerInterceptor{interceptors.LoggingUnary(deps.Log, quiet)}
	if deps.Tokens != nil {
		public := authhandler.PublicMethods()
		for m := range quiet {
			public[m] = true
		}
		chain = append(chain, interceptors.AuthUnary(deps.Tokens, public, deps.SessionChecker))
	}
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}
}

// RegisterServices registers the gRPC services with s.
//
// Service → handler mapping:
//   - sse.auth.v1.SessionAuthService → internal/auth/handler
//   - grpc.health.v1.Health          → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	authhandler.RegisterSessionAuthServer(s, authhandler.NewServer(deps.Auth, deps.Log))
	if deps.Health != nil {
		deps.Health.Register(s)
	}
}

// HealthServiceName is the name grpc.health.v1 registers under.
var HealthServiceName = healthpb.Health_ServiceDesc.ServiceName
