// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	GRPCPort         string
	FrontendURL      string
	AllowedOrigins   []string
	DBPath           string
	SeedOnStart      bool
	ToolContextsFile string
	MaxRequestBytes  int64

	LLM       LLMConfig
	Pipeline  PipelineConfig
	Session   SessionConfig
	RateLimit RateLimitConfig

	ConversationLog ConversationLogConfig
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	APIKey          string
	BaseURL         string
	ClassifierModel string
	VisionModel     string
	ReplyModel      string
	Timeout         time.Duration
}

// PipelineConfig tunes the turn pipeline.
type PipelineConfig struct {
	ConfirmationTTL time.Duration
	HistoryWindow   int
}

// SessionConfig controls leases and idle eviction.
type SessionConfig struct {
	IdleTTL       time.Duration
	LeaseTTL      time.Duration
	SweepInterval time.Duration
	CacheSize     int
}

// RateLimitConfig limits chat requests per session.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		GRPCPort:         getEnv("GRPC_PORT", "9090"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "")),
		DBPath:           getEnv("DB_PATH", "./data/movi.db"),
		SeedOnStart:      getEnvBool("SEED_ON_START", false),
		ToolContextsFile: getEnv("TOOL_CONTEXTS_FILE", ""),
		MaxRequestBytes:  int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 8<<20)),
		LLM: LLMConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			BaseURL:         getEnv("OPENAI_BASE_URL", ""),
			ClassifierModel: getEnv("CLASSIFIER_MODEL", "gpt-4o-mini"),
			VisionModel:     getEnv("VISION_MODEL", "gpt-4o"),
			ReplyModel:      getEnv("REPLY_MODEL", "gpt-4o-mini"),
			Timeout:         getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			ConfirmationTTL: getEnvDuration("CONFIRMATION_TTL", 15*time.Minute),
			HistoryWindow:   getEnvInt("HISTORY_WINDOW", 10),
		},
		Session: SessionConfig{
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
			LeaseTTL:      getEnvDuration("LEASE_TTL", 2*time.Minute),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),
			CacheSize:     getEnvInt("SESSION_CACHE_SIZE", 1024),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_RPM", 30),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 5),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.ClassifierModel == "" || c.LLM.ReplyModel == "" || c.LLM.VisionModel == "" {
		return fmt.Errorf("CLASSIFIER_MODEL, VISION_MODEL and REPLY_MODEL cannot be empty")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.Pipeline.ConfirmationTTL <= 0 {
		return fmt.Errorf("CONFIRMATION_TTL must be > 0")
	}
	if c.Pipeline.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Session.LeaseTTL <= 0 || c.Session.SweepInterval <= 0 || c.Session.IdleTTL <= 0 {
		return fmt.Errorf("LEASE_TTL, SWEEP_INTERVAL and SESSION_IDLE_TTL must be > 0")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be > 0")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Origins returns the browser origins allowed for CORS and WebSocket
// upgrades: FRONTEND_URL plus ALLOWED_ORIGINS.
func (c *Config) Origins() []string {
	var out []string
	if c.FrontendURL != "" {
		out = append(out, strings.TrimRight(c.FrontendURL, "/"))
	}
	return append(out, c.AllowedOrigins...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.TrimRight(part, "/"))
		}
	}
	return out
}
