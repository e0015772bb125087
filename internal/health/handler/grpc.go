package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a readiness dependency (e.g. *pgxpool.Pool).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

const pingTimeout = 2 * time.Second

// Server answers grpc.health.v1 from periodic dependency checks.
// Proto: grpc/health/v1/health.proto → internal/health/handler.
type Server struct {
	health   *grpchealth.Server
	deps     map[string]Pinger
	services []string
	log      zerolog.Logger
}

// NewServer returns a health server for the named dependencies. services lists the gRPC service
// names whose status follows the dependencies, in addition to the overall "" entry.
func NewServer(log zerolog.Logger, deps map[string]Pinger, services ...string) *Server {
	s := &Server{health: grpchealth.NewServer(), deps: deps, services: services, log: log}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds the health service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s.health)
}

// Check pings every dependency concurrently and returns the first failure.
func (s *Server) Check(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, dep := range s.deps {
		if dep == nil {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := dep.Ping(pctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Refresh runs Check once and publishes the result.
func (s *Server) Refresh(ctx context.Context) bool {
	if err := s.Check(ctx); err != nil {
		s.log.Warn().Err(err).Msg("readiness check failed")
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run refreshes the status every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING; later updates are ignored.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	for _, svc := range s.services {
		s.health.SetServingStatus(svc, st)
	}
}
