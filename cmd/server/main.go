package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"session-security-engine/backend/internal/anomaly"
	"session-security-engine/backend/internal/audit"
	auditdomain "session-security-engine/backend/internal/audit/domain"
	authhandler "session-security-engine/backend/internal/auth/handler"
	authservice "session-security-engine/backend/internal/auth/service"
	"session-security-engine/backend/internal/catalog"
	"session-security-engine/backend/internal/config"
	"session-security-engine/backend/internal/db"
	"session-security-engine/backend/internal/geo"
	healthhandler "session-security-engine/backend/internal/health/handler"
	"session-security-engine/backend/internal/identity"
	identityrepo "session-security-engine/backend/internal/identity/repository"
	"session-security-engine/backend/internal/logging"
	"session-security-engine/backend/internal/revocation"
	"session-security-engine/backend/internal/security"
	"session-security-engine/backend/internal/server"
	sessiondomain "session-security-engine/backend/internal/session/domain"
	"session-security-engine/backend/internal/session/repository"
	sessionservice "session-security-engine/backend/internal/session/service"
	"session-security-engine/backend/internal/snapshot"
	"session-security-engine/backend/internal/telemetry"
	telemetryotel "session-security-engine/backend/internal/telemetry/otel"
	"session-security-engine/backend/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "")
		bootLog.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.LogLevel, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.OTELServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("otel")
	}
	providers.SetGlobal()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis")
	}

	signer, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		log.Fatal().Err(err).Msg("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must hold a matching key pair")
	}
	tokens, err := security.NewTokenIssuer(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("token issuer")
	}

	uow := repository.NewPostgresUnitOfWork(pool, log)
	statuses := catalog.New(catalog.KindSessionStatus, sessiondomain.StatusCodes(), uow, log)
	events := catalog.New(catalog.KindSecurityEventType, auditdomain.EventCodes(), uow, log)
	for _, c := range []*catalog.Catalog{statuses, events} {
		if err := c.Validate(ctx); err != nil {
			log.Fatal().Err(err).Str("catalog", string(c.Kind())).Msg("catalog validation failed; run migrations")
		}
	}

	var emitters telemetry.MultiEmitter
	emitters = append(emitters, telemetryotel.NewEventEmitter(providers.LoggerProvider))
	var published producer.Producer
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SecurityEventsTopic); kp != nil {
		published = kp
		emitters = append(emitters, kp)
		log.Info().Str("topic", cfg.SecurityEventsTopic).Msg("publishing security events to kafka")
	}
	auditLog := audit.NewLogger(events, log, audit.WithEmitter(emitters))

	revocations := revocation.NewStore(rdb)
	snapshots := snapshot.NewCache(rdb, cfg.SnapshotTTL)
	locator := geo.NewCachedLocator(geo.NewIPAPILocator(cfg.GeoIPLookupURL, cfg.GeoIPLookupTimeout), rdb, cfg.GeoIPCacheTTL, log)
	detector := anomaly.NewDetector(anomaly.Thresholds{
		GPSTimeWindow: cfg.GeoGPSTimeWindow,
		IPTimeWindow:  cfg.GeoIPTimeWindow,
		GPSDistanceKm: cfg.GeoGPSDistanceKm,
		IPDistanceKm:  cfg.GeoIPDistanceKm,
	})
	sessions := sessionservice.NewManager(statuses, auditLog, geo.NewResolver(locator, log), detector,
		sessionservice.WithRevocations(revocations),
		sessionservice.WithSnapshots(snapshots),
		sessionservice.WithMaxPendingPerUser(cfg.MaxPendingSessionsPerUser),
		sessionservice.WithLogger(log),
		sessionservice.WithMeter(otel.GetMeterProvider().Meter("sse.session")),
	)
	verifier := identity.NewCodeExchangeVerifier(identity.CodeExchangeConfig{
		TokenURL:     cfg.IdentityTokenURL,
		UserInfoURL:  cfg.IdentityUserInfoURL,
		ClientID:     cfg.IdentityClientID,
		ClientSecret: cfg.IdentityClientSecret,
		RedirectURL:  cfg.IdentityRedirectURL,
	})
	orch := authservice.NewOrchestrator(uow, sessions, auditLog, tokens, verifier, identityrepo.NewPostgresRepository(pool),
		authservice.WithSnapshots(snapshots),
		authservice.WithLogger(log),
	)

	health := healthhandler.NewServer(log, map[string]healthhandler.Pinger{
		"postgres": pool,
		"redis":    healthhandler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}, authhandler.ServiceName)
	go health.Run(ctx, 10*time.Second)

	s := server.NewServer(server.Deps{
		Auth:           orch,
		Tokens:         tokens,
		SessionChecker: orch.IsSessionActive,
		Health:         health,
		Log:            log,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		if err := s.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gRPC server...")
	health.Shutdown()
	s.GracefulStop()
	shutdownTelemetry(log, providers, published)
	log.Info().Msg("gRPC server stopped")
}

func shutdownTelemetry(log zerolog.Logger, providers *telemetryotel.Providers, published producer.Producer) {
	time.Sleep(telemetry.ShutdownDrainDuration)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := providers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if published != nil {
		if err := published.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}
}
