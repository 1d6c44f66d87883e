// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string `yaml:"port"`
	FrontendURL string `yaml:"frontend_url"`
	DBPath      string `yaml:"db_path"`

	// AgentURL is the websocket endpoint of the backend automation agent.
	AgentURL string `yaml:"agent_url"`
	// AgentToken, when non-empty, is sent as a bearer token on the channel
	// handshake. Empty means the dial is unauthenticated.
	AgentToken string `yaml:"agent_token"`

	// JWTSecret signs identity session tokens. Required outside development.
	JWTSecret string `yaml:"jwt_secret"`

	Mail            MailConfig            `yaml:"mail"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SSE             SSEConfig             `yaml:"sse"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
}

// MailConfig controls the outbound email side-effect dispatcher.
type MailConfig struct {
	Endpoint  string `yaml:"endpoint"`
	From      string `yaml:"from"`
	GrantPath string `yaml:"grant_path"`
}

// RateLimitConfig controls per-account chat throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SSEConfig controls the presentation-layer event stream.
type SSEConfig struct {
	RetryDelay         time.Duration `yaml:"retry_delay"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	QueueSize          int           `yaml:"queue_size"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path"`
	QueueSize     int    `yaml:"queue_size"`
}

// Load reads configuration from an optional YAML file (CONFIG_PATH) with
// environment variables taking precedence over file values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:     "8080",
		DBPath:   "./data/prospector.db",
		AgentURL: "ws://localhost:5000/agent",
		Mail: MailConfig{
			GrantPath: "./data/mail_grant",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             5,
		},
		SSE: SSEConfig{
			RetryDelay:         5 * time.Second,
			KeepaliveInterval:  10 * time.Second,
			QueueSize:          100,
			MaxRequestBodySize: 1 << 20,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:    true,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
	}
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.AgentURL = getEnv("AGENT_URL", c.AgentURL)
	c.AgentToken = getEnv("AGENT_TOKEN", c.AgentToken)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.Mail.Endpoint = getEnv("MAIL_ENDPOINT", c.Mail.Endpoint)
	c.Mail.From = getEnv("MAIL_FROM", c.Mail.From)
	c.Mail.GrantPath = getEnv("MAIL_GRANT_PATH", c.Mail.GrantPath)
	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL cannot be empty")
	}
	if !strings.HasPrefix(c.AgentURL, "ws://") && !strings.HasPrefix(c.AgentURL, "wss://") {
		return fmt.Errorf("AGENT_URL must be a ws:// or wss:// URL")
	}
	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit requests_per_second must be > 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be > 0")
	}
	if c.SSE.QueueSize <= 0 {
		return fmt.Errorf("sse queue_size must be > 0")
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
