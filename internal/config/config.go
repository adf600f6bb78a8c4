// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway settings.
type Config struct {
	// ListenAddr is the main proxy listener.
	ListenAddr string

	// AdminAddr serves health, metrics, and the JWKS document.
	AdminAddr string

	// Services maps logical service names to comma-separated replica
	// base URLs.
	Services map[string]string

	JWT       JWTConfig
	RateLimit RateLimitConfig
	Policy    PolicyConfig
	Log       LogConfig
}

// JWTConfig holds token verification settings.
type JWTConfig struct {
	Algorithm string
	SecretKey string
	JWKSURL   string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	MaxTTL    time.Duration
}

// RateLimitConfig holds throttling settings.
type RateLimitConfig struct {
	Enabled bool
	Window  time.Duration

	GetLimit     int
	PostLimit    int
	PutLimit     int
	PatchLimit   int
	DeleteLimit  int
	DefaultLimit int

	// RedisAddr, when set, shares bucket state across replicas.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// PolicyConfig holds scope policy settings.
type PolicyConfig struct {
	Enforced bool
	File     string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// defaultServices are the TaskNotes backends, overridable per service.
var defaultServices = map[string]struct {
	envVar   string
	fallback string
}{
	"auth":         {"AUTH_SERVICE_URL", "http://auth-service:8002"},
	"tasks":        {"TASKS_SERVICE_URL", "http://tasks-service:8003"},
	"notes":        {"NOTES_SERVICE_URL", "http://notes-service:8004"},
	"tags":         {"TAGS_SERVICE_URL", "http://tags-service:8005"},
	"categories":   {"CATEGORIES_SERVICE_URL", "http://categories-service:8006"},
	"user-profile": {"USER_PROFILE_SERVICE_URL", "http://user-profile-service:8007"},
	"search":       {"SEARCH_SERVICE_URL", "http://search-service:8008"},
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: envString("LISTEN_ADDR", ":8083"),
		AdminAddr:  envString("ADMIN_ADDR", ":9090"),
		Services:   make(map[string]string, len(defaultServices)),
		JWT: JWTConfig{
			Algorithm: strings.ToUpper(envString("JWT_ALGORITHM", "HS256")),
			SecretKey: os.Getenv("JWT_SECRET_KEY"),
			JWKSURL:   envString("JWKS_URL", "http://auth-service:8002/.well-known/jwks.json"),
			Issuer:    os.Getenv("JWT_ISSUER"),
			Audience:  os.Getenv("JWT_AUDIENCE"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", true),
			GetLimit:      envInt("RATE_LIMIT_GET", 100),
			PostLimit:     envInt("RATE_LIMIT_POST", 30),
			PutLimit:      envInt("RATE_LIMIT_PUT", 30),
			PatchLimit:    envInt("RATE_LIMIT_PATCH", 30),
			DeleteLimit:   envInt("RATE_LIMIT_DELETE", 20),
			DefaultLimit:  envInt("RATE_LIMIT_DEFAULT", 60),
			RedisAddr:     os.Getenv("RATE_LIMIT_REDIS_ADDR"),
			RedisPassword: os.Getenv("RATE_LIMIT_REDIS_PASSWORD"),
			RedisDB:       envInt("RATE_LIMIT_REDIS_DB", 0),
		},
		Policy: PolicyConfig{
			Enforced: envBool("POLICY_ENFORCEMENT", false),
			File:     os.Getenv("POLICY_FILE"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
	}

	var err error
	if cfg.JWT.ClockSkew, err = envSeconds("JWT_CLOCK_SKEW_SECONDS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.JWT.MaxTTL, err = envSeconds("JWT_MAX_TTL_SECONDS", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Window, err = envSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute); err != nil {
		return nil, err
	}

	for name, def := range defaultServices {
		cfg.Services[name] = envString(def.envVar, def.fallback)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects configurations the gateway cannot start with.
func (c *Config) validate() error {
	switch c.JWT.Algorithm {
	case "HS256":
		if c.JWT.SecretKey == "" {
			return fmt.Errorf("JWT_SECRET_KEY is required with JWT_ALGORITHM=HS256")
		}
	case "RS256":
		if c.JWT.JWKSURL == "" {
			return fmt.Errorf("JWKS_URL is required with JWT_ALGORITHM=RS256")
		}
	default:
		return fmt.Errorf("unsupported JWT_ALGORITHM %q", c.JWT.Algorithm)
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(seconds) * time.Second, nil
}
