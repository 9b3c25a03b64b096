package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// The refresh cookie is scoped to the refresh endpoint so it rides
	// along only where it is needed.
	RefreshCookieName string
	CookiePath        string
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    http.SameSite

	LoginIPMax      int
	LoginIPWindow   time.Duration
	LoginUserMax    int
	LoginUserWindow time.Duration
}

// LoadConfigFromEnv loads auth config from environment variables with safe
// defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:        envBool("SF_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("SF_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		RefreshCookieName: envString("SF_AUTH_REFRESH_COOKIE_NAME", "refresh_token"),
		CookiePath:        envString("SF_AUTH_COOKIE_PATH", "/api/auth/refresh"),
		CookieDomain:      envString("SF_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:      envBool("SF_AUTH_COOKIE_SECURE", true),
		CookieSameSite:    http.SameSiteStrictMode,
		LoginIPMax:        envInt("SF_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:     envDuration("SF_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		LoginUserMax:      envInt("SF_AUTH_LOGIN_USER_MAX", 5),
		LoginUserWindow:   envDuration("SF_AUTH_LOGIN_USER_WINDOW", 15*time.Minute),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return cfg
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
