// Package config validates the process environment once at startup and
// hands the rest of the server a typed Config.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the validated environment.
type Config struct {
	Port string

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool

	// Redis relay; disabled unless REDIS_ENABLED=true.
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Empty means the in-memory project/message stores.
	DatabaseURL string

	// Auth; SkipAuth swaps in the guest validator.
	Auth0Domain   string
	Auth0Audience string
	SkipAuth      bool

	AllowedOrigins string

	// Topology knobs.
	RoleDataTimeout     time.Duration
	PingInterval        time.Duration
	ProjectCacheSize    int
	NetworkTraceMaxOpen int

	// Rate limit formats, "count-period" per ulule/limiter ("100-M").
	RateLimitGlobal  string
	RateLimitPublic  string
	RateLimitNetwork string
	RateLimitWsIP    string
	RateLimitWsUser  string
}

// ValidateEnv reads and validates every environment variable the server
// consumes, collecting all problems into one error so a bad deploy reports
// everything at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var problems []string
	complain := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		complain("PORT is required")
	} else if !validPort(cfg.Port) {
		complain("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port)
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !validHostPort(cfg.RedisAddr) {
			complain("REDIS_ADDR must be in host:port form (got %q)", cfg.RedisAddr)
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" {
			complain("AUTH0_DOMAIN is required unless SKIP_AUTH=true")
		}
		if cfg.Auth0Audience == "" {
			complain("AUTH0_AUDIENCE is required unless SKIP_AUTH=true")
		}
	}

	cfg.GoEnv = envOr("GO_ENV", "production")
	cfg.LogLevel = envOr("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RoleDataTimeout = 5 * time.Second
	if v := os.Getenv("ROLE_DATA_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RoleDataTimeout = time.Duration(ms) * time.Millisecond
		} else {
			complain("ROLE_DATA_TIMEOUT_MS must be a positive integer (got %q)", v)
		}
	}

	cfg.PingInterval = 30 * time.Second
	if v := os.Getenv("PING_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PingInterval = time.Duration(ms) * time.Millisecond
		} else {
			complain("PING_INTERVAL_MS must be a positive integer (got %q)", v)
		}
	}

	cfg.ProjectCacheSize = 1024
	if v := os.Getenv("PROJECT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ProjectCacheSize = n
		} else {
			complain("PROJECT_CACHE_SIZE must be a positive integer (got %q)", v)
		}
	}

	cfg.NetworkTraceMaxOpen = 5
	if v := os.Getenv("NETWORK_TRACE_MAX_OPEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NetworkTraceMaxOpen = n
		} else {
			complain("NETWORK_TRACE_MAX_OPEN must be a positive integer (got %q)", v)
		}
	}

	cfg.RateLimitGlobal = envOr("RATE_LIMIT_GLOBAL", "1000-M")
	cfg.RateLimitPublic = envOr("RATE_LIMIT_PUBLIC", "100-M")
	cfg.RateLimitNetwork = envOr("RATE_LIMIT_NETWORK", "300-M")
	cfg.RateLimitWsIP = envOr("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = envOr("RATE_LIMIT_WS_USER", "10-M")

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"database_configured", cfg.DatabaseURL != "",
		"skip_auth", cfg.SkipAuth,
		"go_env", cfg.GoEnv,
		"role_data_timeout", cfg.RoleDataTimeout,
		"ping_interval", cfg.PingInterval,
		"project_cache_size", cfg.ProjectCacheSize,
	)
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func validPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1 && n <= 65535
}

func validHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && validPort(port)
}
