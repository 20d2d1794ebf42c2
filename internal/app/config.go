package app

import (
	"time"

	"github.com/joho/godotenv"
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

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// CORS allowlist shared by the façade router.
	AllowedOrigins []string

	// JWTSecret verifies upstream-issued bearer tokens. When empty, a static
	// dev verifier driven by PARLEY_DEV_TOKENS ("token=user,token2=user2") is
	// installed instead.
	JWTSecret string
	JWTIssuer string

	// EchoToSender controls whether a sender's own channels receive the
	// message:new fan-out (multi-device echo).
	EchoToSender bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file is honored in development when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr: EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PARLEY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		AllowedOrigins: EnvCSV("PARLEY_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),

		JWTSecret: EnvString("PARLEY_JWT_SECRET", ""),
		JWTIssuer: EnvString("PARLEY_JWT_ISSUER", ""),

		EchoToSender: EnvBool("PARLEY_WS_ECHO_TO_SENDER", true),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),
	}
}
