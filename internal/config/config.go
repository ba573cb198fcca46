// Package config loads and watches the server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default transport knobs. Keep-alive values only affect liveness
// detection, not the messaging protocol.
const (
	DefaultAddr                 = "localhost:3001"
	DefaultKeepAliveTimeoutSec  = 60
	DefaultKeepAliveIntervalSec = 25
	DefaultReplyDelayMillis     = 2000
)

// Reply providers selectable via Reply.Provider.
const (
	ProviderCanned    = "canned"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig holds credentials for an LLM reply provider.
type ProviderConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`
}

// ReplyConfig selects and configures the reply-generation collaborator.
type ReplyConfig struct {
	Provider    string         `json:"provider"`
	DelayMillis int            `json:"delay_millis"`
	OpenAI      ProviderConfig `json:"openai,omitempty"`
	Anthropic   ProviderConfig `json:"anthropic,omitempty"`
}

// Config is the full server configuration.
type Config struct {
	Addr                 string      `json:"addr"`
	AllowedOrigins       []string    `json:"allowed_origins"`
	KeepAliveTimeoutSec  int         `json:"keep_alive_timeout_seconds"`
	KeepAliveIntervalSec int         `json:"keep_alive_interval_seconds"`
	JWTSecret            string      `json:"jwt_secret,omitempty"`
	Reply                ReplyConfig `json:"reply"`
	LogLevel             string      `json:"log_level"`
	LogFile              string      `json:"log_file,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present.
// The default origins are the two local development frontends.
func DefaultConfig() *Config {
	return &Config{
		Addr: DefaultAddr,
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:3000",
		},
		KeepAliveTimeoutSec:  DefaultKeepAliveTimeoutSec,
		KeepAliveIntervalSec: DefaultKeepAliveIntervalSec,
		Reply: ReplyConfig{
			Provider:    ProviderCanned,
			DelayMillis: DefaultReplyDelayMillis,
		},
		LogLevel: "info",
	}
}

// Load reads the configuration file at path on top of the defaults and then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHARLA_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("CHARLA_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("CHARLA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHARLA_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("CHARLA_REPLY_PROVIDER"); v != "" {
		c.Reply.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Reply.OpenAI.APIKey == "" {
		c.Reply.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Reply.Anthropic.APIKey == "" {
		c.Reply.Anthropic.APIKey = v
	}
}

// Validate checks for values that cannot be worked around with defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	switch c.Reply.Provider {
	case ProviderCanned, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown reply provider %q", c.Reply.Provider)
	}
	if c.KeepAliveTimeoutSec <= 0 {
		c.KeepAliveTimeoutSec = DefaultKeepAliveTimeoutSec
	}
	if c.KeepAliveIntervalSec <= 0 || c.KeepAliveIntervalSec >= c.KeepAliveTimeoutSec {
		// Ping must come back before the peer is declared dead.
		c.KeepAliveIntervalSec = c.KeepAliveTimeoutSec * 9 / 10
	}
	if c.Reply.DelayMillis < 0 {
		c.Reply.DelayMillis = DefaultReplyDelayMillis
	}
	return nil
}

// KeepAliveTimeout returns the pong wait as a duration.
func (c *Config) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutSec) * time.Second
}

// KeepAliveInterval returns the ping period as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalSec) * time.Second
}

// ReplyDelay returns the canned responder delay as a duration.
func (c *Config) ReplyDelay() time.Duration {
	return time.Duration(c.Reply.DelayMillis) * time.Millisecond
}
