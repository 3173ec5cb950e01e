// Package config loads and validates the process configuration. A loaded
// Config is immutable; runtime changes derive a fresh copy through Store
// so readers never observe a half-applied change.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/goldroute/goldroute/internal/cache"
	"github.com/goldroute/goldroute/internal/chain/ethereum"
	"github.com/goldroute/goldroute/internal/exchange/bitfinex"
	"github.com/goldroute/goldroute/internal/httpapi"
	"github.com/goldroute/goldroute/internal/portfolio"
	"github.com/goldroute/goldroute/internal/security"
	"github.com/goldroute/goldroute/internal/trading"
	"github.com/goldroute/goldroute/internal/venue/envelope"
)

// Config is the whole process configuration. Section defaults live with
// the packages that own them and apply inside their constructors; this
// package fills only its own top-level gaps before validating.
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Server    httpapi.Config   `yaml:"server"`
	Audit     AuditConfig      `yaml:"audit"`
	Security  security.Config  `yaml:"security"`
	Cache     cache.Config     `yaml:"cache"`
	Portfolio portfolio.Config `yaml:"portfolio"`
	Trading   trading.Config   `yaml:"trading"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Chains    []ChainConfig    `yaml:"chains"`
}

// AuditConfig places the journal file. An empty path keeps the journal in
// memory only.
type AuditConfig struct {
	Path  string `yaml:"path"`
	Fsync bool   `yaml:"fsync"`
}

// Credentials seed the encrypted store on first boot. Permissions are the
// venue-reported facts; they must include no-withdraw or the security
// manager refuses them.
type Credentials struct {
	Key         string   `yaml:"key"`
	Secret      string   `yaml:"secret"`
	Permissions []string `yaml:"permissions"`
}

func (c Credentials) Empty() bool { return c.Key == "" && c.Secret == "" }

// ExchangeConfig wires one exchange venue: the adapter, its reliability
// envelope, and optional first-boot credentials.
type ExchangeConfig struct {
	Bitfinex    bitfinex.Config `yaml:"bitfinex"`
	Envelope    envelope.Config `yaml:"envelope"`
	Credentials Credentials     `yaml:"credentials"`
}

// ChainConfig wires one on-chain tracker.
type ChainConfig struct {
	Ethereum ethereum.Config `yaml:"ethereum"`
	Envelope envelope.Config `yaml:"envelope"`
}

// Default returns a config that passes validation once tokens are set.
func Default() *Config {
	return &Config{LogLevel: "info"}
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks explicit values. Zero values that a package constructor
// defaults are left alone.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	for i, ex := range c.Exchanges {
		if err := validateEnvelope(fmt.Sprintf("exchanges[%d]", i), ex.Envelope); err != nil {
			return err
		}
		if ex.Credentials.Key == "" != (ex.Credentials.Secret == "") {
			return fmt.Errorf("exchanges[%d]: credentials need both key and secret", i)
		}
	}
	for i, ch := range c.Chains {
		if ch.Ethereum.RPCURL == "" {
			return fmt.Errorf("chains[%d]: rpc_url is required", i)
		}
		if err := validateEnvelope(fmt.Sprintf("chains[%d]", i), ch.Envelope); err != nil {
			return err
		}
	}
	for i, w := range c.Portfolio.Watches {
		if w.VenueID == "" || w.Address == "" || w.Contract == "" {
			return fmt.Errorf("portfolio.watches[%d]: venue_id, address, and contract are all required", i)
		}
	}
	if c.Trading.BookDepth < 0 {
		return fmt.Errorf("trading.book_depth must not be negative")
	}
	if c.Portfolio.VenueTimeout < 0 || c.Portfolio.CacheTTL < 0 {
		return fmt.Errorf("portfolio timeouts must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", c.Server.Port)
	}
	if len(c.Server.Tokens) == 0 {
		return fmt.Errorf("server.tokens must not be empty, the API rejects every request without one")
	}
	for i, t := range c.Server.Tokens {
		if t == "" {
			return fmt.Errorf("server.tokens[%d] is empty", i)
		}
	}
	if c.Server.RateMax < 0 {
		return fmt.Errorf("server.rate_max must not be negative")
	}
	if c.Server.RateWindow < 0 {
		return fmt.Errorf("server.rate_window must not be negative")
	}
	return nil
}

func validateEnvelope(where string, e envelope.Config) error {
	if e.RequestsPerSecond < 0 {
		return fmt.Errorf("%s: envelope.requests_per_second must not be negative", where)
	}
	if e.BurstSize < 0 {
		return fmt.Errorf("%s: envelope.burst_size must not be negative", where)
	}
	if e.Multiplier < 0 {
		return fmt.Errorf("%s: envelope.multiplier must not be negative", where)
	}
	return nil
}
