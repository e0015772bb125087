// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN used by pgxpool and the migrate runner.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// RedisAddr is the host:port of the Redis holding the revocation list, identity snapshots and IP lookups.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	// Anomaly detection windows and thresholds, per location source.
	GeoGPSTimeWindow   time.Duration `mapstructure:"GEO_GPS_TIME_WINDOW"`
	GeoIPTimeWindow    time.Duration `mapstructure:"GEO_IP_TIME_WINDOW"`
	GeoGPSDistanceKm   float64       `mapstructure:"GEO_GPS_DISTANCE_KM"`
	GeoIPDistanceKm    float64       `mapstructure:"GEO_IP_DISTANCE_KM"`
	GeoIPLookupURL     string        `mapstructure:"GEO_IP_LOOKUP_URL"`
	GeoIPLookupTimeout time.Duration `mapstructure:"GEO_IP_LOOKUP_TIMEOUT"`
	GeoIPCacheTTL      time.Duration `mapstructure:"GEO_IP_CACHE_TTL"`

	// MaxPendingSessionsPerUser bounds the queue of sessions awaiting a concurrency decision.
	MaxPendingSessionsPerUser int `mapstructure:"MAX_PENDING_SESSIONS_PER_USER"`

	// Identity provider (authorization-code exchange).
	IdentityTokenURL     string `mapstructure:"IDENTITY_TOKEN_URL"`
	IdentityUserInfoURL  string `mapstructure:"IDENTITY_USERINFO_URL"`
	IdentityClientID     string `mapstructure:"IDENTITY_CLIENT_ID"`
	IdentityClientSecret string `mapstructure:"IDENTITY_CLIENT_SECRET"`
	IdentityRedirectURL  string `mapstructure:"IDENTITY_REDIRECT_URL"`

	// SnapshotTTL bounds how long a per-session identity snapshot may be served from Redis.
	SnapshotTTL time.Duration `mapstructure:"SNAPSHOT_TTL"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. http://localhost:4317).
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTELServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set, security events are published.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	SecurityEventsTopic string `mapstructure:"SECURITY_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group ID for the security event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the worker's push target (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "sse-auth")
	v.SetDefault("JWT_AUDIENCE", "sse-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("GEO_GPS_TIME_WINDOW", "30m")
	v.SetDefault("GEO_IP_TIME_WINDOW", "60m")
	v.SetDefault("GEO_GPS_DISTANCE_KM", 10.0)
	v.SetDefault("GEO_IP_DISTANCE_KM", 100.0)
	v.SetDefault("GEO_IP_LOOKUP_URL", "http://ip-api.com/json/")
	v.SetDefault("GEO_IP_LOOKUP_TIMEOUT", "3s")
	v.SetDefault("GEO_IP_CACHE_TTL", "24h")
	v.SetDefault("MAX_PENDING_SESSIONS_PER_USER", 3)
	v.SetDefault("IDENTITY_TOKEN_URL", "https://oauth2.googleapis.com/token")
	v.SetDefault("IDENTITY_USERINFO_URL", "https://openidconnect.googleapis.com/v1/userinfo")
	v.SetDefault("IDENTITY_CLIENT_ID", "")
	v.SetDefault("IDENTITY_CLIENT_SECRET", "")
	v.SetDefault("IDENTITY_REDIRECT_URL", "")
	v.SetDefault("SNAPSHOT_TTL", "15m")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "session-security-engine")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_TOPIC", "sse-security-events")
	v.SetDefault("KAFKA_GROUP_ID", "sse-security-worker")
	v.SetDefault("LOKI_URL", "")
}

func (c *Config) validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.GeoGPSTimeWindow <= 0 || c.GeoIPTimeWindow <= 0 {
		return errors.New("config: GEO_GPS_TIME_WINDOW and GEO_IP_TIME_WINDOW must be positive")
	}
	if c.GeoGPSDistanceKm <= 0 || c.GeoIPDistanceKm <= 0 {
		return errors.New("config: GEO_GPS_DISTANCE_KM and GEO_IP_DISTANCE_KM must be positive")
	}
	if c.MaxPendingSessionsPerUser < 1 {
		return errors.New("config: MAX_PENDING_SESSIONS_PER_USER must be at least 1")
	}
	return nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTRefreshTTL)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables security event publishing.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
