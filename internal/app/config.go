package app

import (
	"fmt"
	"os"
	"time"

	coreconfig "anonbot/core/config"
	coredatabase "anonbot/core/database"
	"anonbot/internal/relay"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// RelayConfig carries the relay policy values.
type RelayConfig struct {
	TokenLength int `yaml:"token_length" envconfig:"RELAY_TOKEN_LENGTH"`
	// ExchangeTTLHours bounds how long a relayed message stays answerable.
	ExchangeTTLHours int `yaml:"exchange_ttl_hours" envconfig:"RELAY_EXCHANGE_TTL_HOURS"`
	// ConversationTTLMinutes bounds how long a chat may sit mid-flow.
	ConversationTTLMinutes int `yaml:"conversation_ttl_minutes" envconfig:"RELAY_CONVERSATION_TTL_MINUTES"`
	RetryAttempts          int `yaml:"retry_attempts" envconfig:"RELAY_RETRY_ATTEMPTS"`
}

// SentryConfig selects the telemetry destination. Empty DSN disables it.
type SentryConfig struct {
	DSN         string `yaml:"dsn" envconfig:"SENTRY_DSN"`
	Environment string `yaml:"environment" envconfig:"SENTRY_ENVIRONMENT"`
}

// Config is the full bot configuration: the reusable core sections plus the
// relay-specific ones.
type Config struct {
	Core     coreconfig.Config   `yaml:",inline"`
	Database coredatabase.Config `yaml:"database"`
	Relay    RelayConfig         `yaml:"relay"`
	Sentry   SentryConfig        `yaml:"sentry"`
}

// CoreConfig satisfies cmd.ConfigCarrier.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Core }

// ExchangeTTL returns the retention window as a duration.
func (c *Config) ExchangeTTL() time.Duration {
	return time.Duration(c.Relay.ExchangeTTLHours) * time.Hour
}

// ConversationTTL returns the mid-flow inactivity window as a duration.
func (c *Config) ConversationTTL() time.Duration {
	return time.Duration(c.Relay.ConversationTTLMinutes) * time.Minute
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := coreconfig.Normalize(&cfg.Core); err != nil {
		return nil, err
	}
	normalizeRelay(&cfg.Relay)
	return &cfg, nil
}

func normalizeRelay(rc *RelayConfig) {
	if rc.TokenLength <= 0 {
		rc.TokenLength = relay.DefaultTokenLength
	}
	if rc.ExchangeTTLHours <= 0 {
		rc.ExchangeTTLHours = 72
	}
	if rc.ConversationTTLMinutes <= 0 {
		rc.ConversationTTLMinutes = 30
	}
	if rc.RetryAttempts <= 0 {
		rc.RetryAttempts = 2
	}
}
