package app

import (
	"errors"
	"fmt"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBPingTimeout time.Duration
	RunMigrations bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// JWTSecret signs bearer tokens. Required, at least 32 bytes.
	JWTSecret string
	TokenTTL  time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("AURA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("AURA_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("AURA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("AURA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("AURA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("AURA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("AURA_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:   int64(EnvInt("AURA_HTTP_MAX_BODY_BYTES", 64<<10)),

		DatabaseURL:   EnvString("AURA_DATABASE_URL", ""),
		DBSchema:      EnvString("AURA_DB_SCHEMA", "aura"),
		DBMaxConns:    EnvInt32("AURA_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("AURA_DB_MIN_CONNS", 0),
		DBPingTimeout: EnvDuration("AURA_DB_PING_TIMEOUT", 3*time.Second),
		RunMigrations: EnvBool("AURA_DB_RUN_MIGRATIONS", true),

		ReadinessRequireDB: EnvBool("AURA_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("AURA_JWT_SECRET", ""),
		TokenTTL:  EnvDuration("AURA_TOKEN_TTL", 24*time.Hour),
	}
}

// Validate enforces startup policy. Fail-fast is intentional: silently
// running with a weak or missing signing secret is unacceptable.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: AURA_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: AURA_JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	return nil
}
