// Package config provides configuration management for the webhook trader.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when a field is unset.
const (
	// defaultCashFraction is the share of available equity deployed when an
	// alert carries no explicit quantity.
	defaultCashFraction = 0.10
	// defaultStopLossFraction is the stop distance as a fraction of entry price.
	defaultStopLossFraction = 0.10
	// defaultCallTimeout bounds each broker HTTP call.
	defaultCallTimeout = "20s"
	defaultPort        = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     TradingConfig     `yaml:"trading"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // demo | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines Capital.com API settings. APIEndpoint overrides the
// environment-selected base URL, mainly for tests.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	Identifier  string `yaml:"identifier"`
	Password    string `yaml:"password"`
	AccountID   string `yaml:"account_id"`
	APIEndpoint string `yaml:"api_endpoint"`
	CallTimeout string `yaml:"call_timeout"`
}

// TradingConfig defines default sizing parameters for alerts that omit them.
type TradingConfig struct {
	CashFraction     float64 `yaml:"cash_fraction"`
	StopLossFraction float64 `yaml:"stop_loss_fraction"`
}

// ServerConfig defines webhook server settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	PathToken    string `yaml:"path_token"`
	SharedSecret string `yaml:"shared_secret"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "demo" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'demo' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn, or error")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.Identifier == "" {
		return fmt.Errorf("broker.identifier is required")
	}
	if c.Broker.Password == "" {
		return fmt.Errorf("broker.password is required")
	}
	if _, err := time.ParseDuration(c.Broker.CallTimeout); err != nil {
		return fmt.Errorf("broker.call_timeout invalid: %w", err)
	}

	if c.Trading.CashFraction <= 0 || c.Trading.CashFraction > 1.0 {
		return fmt.Errorf("trading.cash_fraction must be in (0,1]")
	}
	if c.Trading.StopLossFraction <= 0 {
		return fmt.Errorf("trading.stop_loss_fraction must be > 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port number")
	}

	return nil
}

// IsDemo returns true when the bot targets the demo environment.
func (c *Config) IsDemo() bool {
	return c.Environment.Mode == "demo"
}

// GetCallTimeout returns the configured per-call timeout duration.
func (c *Config) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.CallTimeout)
	if err != nil {
		d, _ = time.ParseDuration(defaultCallTimeout)
	}
	return d
}

// normalize sets default values for unset fields.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.CallTimeout == "" {
		c.Broker.CallTimeout = defaultCallTimeout
	}
	if c.Trading.CashFraction == 0 {
		c.Trading.CashFraction = defaultCashFraction
	}
	if c.Trading.StopLossFraction == 0 {
		c.Trading.StopLossFraction = defaultStopLossFraction
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
}
