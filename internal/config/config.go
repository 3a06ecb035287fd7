// Package config loads the dispatcher's environment-driven configuration
// surface, following the getEnv/getEnvInt convention the teacher used inline
// in cmd/main.go, promoted here to its own package so it can be unit tested
// and reused by both cmd/main.go and tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full environment-driven configuration surface described in
// spec.md §6.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis KV mirror
	RedisHost string
	RedisPort int
	RedisDB   int

	// HTTP admin shell
	HTTPAddr       string
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitOn    bool

	// Auth
	TokenSigningSecret string
	TokenTTL           time.Duration

	// Reconcilers
	HeartbeatTTL             time.Duration
	HeartbeatSweepPeriod     time.Duration
	WaitingDrainPeriod       time.Duration
	TimeoutTransferPeriod    time.Duration
	TimeoutTransferThreshold time.Duration

	LogLevel string
	Pretty   bool
	Env      string
}

// defaultSigningSecret is the value the teacher used for local dev; a
// dispatcher configured with this in a production environment refuses to
// start (see Validate).
const defaultSigningSecret = "dev-secret-change-me"

// Load reads the configuration from the process environment, applying the
// defaults spec.md §6 names.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/chatdispatch?sslmode=disable"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnvInt("REDIS_PORT", 6379),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins:  splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitRPM: getEnvInt("RATE_LIMIT_RPM", 600),
		RateLimitOn:  getEnvBool("RATE_LIMIT_ENABLED", true),

		TokenSigningSecret: getEnv("TOKEN_SIGNING_SECRET", defaultSigningSecret),
		TokenTTL:           time.Duration(getEnvInt("TOKEN_TTL_HOURS", 24)) * time.Hour,

		HeartbeatTTL:             time.Duration(getEnvInt("HEARTBEAT_TTL_SECONDS", 60)) * time.Second,
		HeartbeatSweepPeriod:     time.Duration(getEnvInt("HEARTBEAT_SWEEP_PERIOD_SECONDS", 30)) * time.Second,
		WaitingDrainPeriod:       time.Duration(getEnvInt("WAITING_DRAIN_PERIOD_SECONDS", 60)) * time.Second,
		TimeoutTransferPeriod:    time.Duration(getEnvInt("TIMEOUT_TRANSFER_PERIOD_SECONDS", 60)) * time.Second,
		TimeoutTransferThreshold: time.Duration(getEnvInt("TIMEOUT_TRANSFER_THRESHOLD_MINUTES", 2)) * time.Minute,

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvBool("LOG_PRETTY", false),
		Env:      getEnv("APP_ENV", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fatal-misconfiguration policy of spec.md §7: the
// dispatcher refuses to start with a default signing secret outside
// development.
func (c *Config) Validate() error {
	if c.TokenSigningSecret == defaultSigningSecret && c.Env != "development" {
		return fmt.Errorf("config: TOKEN_SIGNING_SECRET must be set explicitly when APP_ENV=%q", c.Env)
	}
	if c.TokenSigningSecret == "" {
		return fmt.Errorf("config: TOKEN_SIGNING_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
