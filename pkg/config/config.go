// Package config loads process configuration from the environment under
// the VYAPAAR_ prefix, with an optional local YAML override file for
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the governance pipeline and its
// collaborators need at startup.
type Config struct {
	Port     string
	LogLevel string

	RedisURL      string
	PostgresDSN   string
	AuditFallback string // local file path used when Postgres is unreachable

	WebhookSigningSecret string

	RazorpayAPIBase   string
	RazorpayKeyID     string
	RazorpayKeySecret string

	SafeBrowsingAPIURL string
	SafeBrowsingAPIKey string

	GLEIFAPIURL string

	SlackBotToken  string
	SlackChannelID string
	NtfyURL        string
	NtfyTopic      string

	AdminJWTSecret string

	PollInterval       time.Duration
	AutoPoll           bool
	MaxInFlight        int
	RateLimitMax       int
	RateLimitWindow    time.Duration
	BreakerFailureMax  int
	BreakerResetAfter  time.Duration
	AnomalyRiskThresh  float64
	ReputationCacheTTL time.Duration
	DevMode            bool
}

const envPrefix = "VYAPAAR_"

func getenv(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getenvInt(key, fallbackSeconds)) * time.Second
}

// overrideFile is the shape of the optional local development override.
// Environment variables always win over values loaded from this file.
type overrideFile struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"log_level"`
	RedisURL      string `yaml:"redis_url"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	AuditFallback string `yaml:"audit_fallback"`
	DevMode       bool   `yaml:"dev_mode"`
}

// Load builds a Config from the process environment, optionally
// pre-seeded from a YAML file named by VYAPAAR_CONFIG_FILE.
func Load() (*Config, error) {
	var seed overrideFile
	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading override file: %w", err)
		}
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("config: parsing override file: %w", err)
		}
	}

	cfg := &Config{
		Port:          getenv("PORT", firstNonEmpty(seed.Port, "8080")),
		LogLevel:      getenv("LOG_LEVEL", firstNonEmpty(seed.LogLevel, "INFO")),
		RedisURL:      getenv("REDIS_URL", firstNonEmpty(seed.RedisURL, "redis://localhost:6379/0")),
		PostgresDSN:   getenv("POSTGRES_DSN", firstNonEmpty(seed.PostgresDSN, "postgres://vyapaar@localhost:5432/vyapaar?sslmode=disable")),
		AuditFallback: getenv("AUDIT_FALLBACK_PATH", firstNonEmpty(seed.AuditFallback, "/var/lib/vyapaar/audit-fallback.log")),

		WebhookSigningSecret: os.Getenv(envPrefix + "WEBHOOK_SECRET"),

		RazorpayAPIBase:   getenv("RAZORPAY_API_BASE", "https://api.razorpay.com/v1"),
		RazorpayKeyID:     os.Getenv(envPrefix + "RAZORPAY_KEY_ID"),
		RazorpayKeySecret: os.Getenv(envPrefix + "RAZORPAY_KEY_SECRET"),

		SafeBrowsingAPIURL: getenv("SAFE_BROWSING_API_URL", "https://safebrowsing.googleapis.com/v4/threatMatches:find"),
		SafeBrowsingAPIKey: os.Getenv(envPrefix + "SAFE_BROWSING_API_KEY"),

		GLEIFAPIURL: getenv("GLEIF_API_URL", "https://api.gleif.org/api/v1/lei-records"),

		SlackBotToken:  os.Getenv(envPrefix + "SLACK_BOT_TOKEN"),
		SlackChannelID: os.Getenv(envPrefix + "SLACK_CHANNEL_ID"),
		NtfyURL:        getenv("NTFY_URL", "https://ntfy.sh"),
		NtfyTopic:      os.Getenv(envPrefix + "NTFY_TOPIC"),

		AdminJWTSecret: os.Getenv(envPrefix + "ADMIN_JWT_SECRET"),

		PollInterval:       getenvSeconds("POLL_INTERVAL", 30),
		AutoPoll:           getenvBool("AUTO_POLL", false),
		MaxInFlight:        getenvInt("MAX_IN_FLIGHT", 64),
		RateLimitMax:       getenvInt("RATE_LIMIT_MAX_REQUESTS", 10),
		RateLimitWindow:    getenvSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		BreakerFailureMax:  getenvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetAfter:  getenvSeconds("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 30),
		AnomalyRiskThresh:  getenvFloat("ANOMALY_RISK_THRESHOLD", 0.75),
		ReputationCacheTTL: getenvSeconds("REPUTATION_CACHE_TTL", 300),
		DevMode:            getenvBool("DEV_MODE", seed.DevMode),
	}

	if cfg.WebhookSigningSecret == "" && !cfg.DevMode {
		return nil, fmt.Errorf("config: %sWEBHOOK_SECRET is required outside dev mode", envPrefix)
	}
	return cfg, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Redacted returns a copy of the config with every secret blanked,
// safe to pass to a logger.
func (c Config) Redacted() Config {
	c.WebhookSigningSecret = redact(c.WebhookSigningSecret)
	c.RazorpayKeySecret = redact(c.RazorpayKeySecret)
	c.SafeBrowsingAPIKey = redact(c.SafeBrowsingAPIKey)
	c.SlackBotToken = redact(c.SlackBotToken)
	c.AdminJWTSecret = redact(c.AdminJWTSecret)
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
