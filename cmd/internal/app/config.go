package app

import "time"

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
	DBMaxConns  int32
	DBMinConns  int32

	// MigrateOnStart applies the embedded migrations before serving.
	MigrateOnStart bool

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool

	// PEM-encoded RSA private key for token signing. When empty, a
	// throwaway dev key is generated at startup and every restart
	// invalidates outstanding tokens.
	TokenPrivateKeyPEM string
	TokenIssuer        string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration

	// Lifetime rotation ceiling per refresh family.
	MaxRotations int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SF_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("SF_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("SF_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SF_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SF_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SF_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("SF_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:    EnvString("SF_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("SF_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("SF_DB_MIN_CONNS", 0),
		MigrateOnStart: EnvBool("SF_MIGRATE_ON_START", true),

		ReadinessRequireDB: EnvBool("SF_READINESS_REQUIRE_DB", false),

		TokenPrivateKeyPEM: EnvString("SF_TOKEN_PRIVATE_KEY_PEM", ""),
		TokenIssuer:        EnvString("SF_TOKEN_ISSUER", "storefront"),
		AccessTTL:          EnvDuration("SF_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:         EnvDuration("SF_REFRESH_TTL", 14*24*time.Hour),

		MaxRotations: EnvInt("SF_AUTH_MAX_ROTATIONS", 100),
	}
}
