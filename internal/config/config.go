// Package config loads the process-wide configuration. The configuration
// is read once at startup and treated as immutable for the lifetime of the
// process; changing a risk limit requires a redeploy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading service.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Broker  Broker  `yaml:"broker"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	Risk    Risk    `yaml:"risk"`
	Webhook Webhook `yaml:"webhook"`
	Logging Logging `yaml:"logging"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Broker selects and tunes the execution adapter.
type Broker struct {
	// Adapter is "instant" (deterministic simulator) or "alpaca".
	Adapter string `yaml:"adapter"`
	// MaxAttempts bounds retries of transient venue failures per order.
	MaxAttempts int `yaml:"max_attempts"`
	// TimeoutSec bounds a single venue call.
	TimeoutSec int `yaml:"timeout_sec"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Risk defines the pre-trade limits enforced on every submission.
type Risk struct {
	MaxPositionUSD  float64            `yaml:"max_position_usd"`
	MaxDailyLossUSD float64            `yaml:"max_daily_loss_usd"`
	AllowedSymbols  []string           `yaml:"allowed_symbols"`
	ReferencePrices map[string]float64 `yaml:"reference_prices"`
}

// Webhook configures lifecycle event delivery. An empty URL disables
// delivery; events are still recorded durably.
type Webhook struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseDelayMS    int    `yaml:"base_delay_ms"`
	MaxDelayMS     int    `yaml:"max_delay_ms"`
	RequestTimeout int    `yaml:"request_timeout_sec"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Derived accessors
// ---------------------------------------------------------------------------

// MaxPosition returns the per-symbol position cap as a decimal.
func (r Risk) MaxPosition() decimal.Decimal { return decimal.NewFromFloat(r.MaxPositionUSD) }

// MaxDailyLoss returns the daily loss cap as a decimal.
func (r Risk) MaxDailyLoss() decimal.Decimal { return decimal.NewFromFloat(r.MaxDailyLossUSD) }

// RefPrices returns the configured reference prices as decimals.
func (r Risk) RefPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.ReferencePrices))
	for sym, p := range r.ReferencePrices {
		out[sym] = decimal.NewFromFloat(p)
	}
	return out
}

// Timeout returns the per-call venue timeout.
func (b Broker) Timeout() time.Duration { return time.Duration(b.TimeoutSec) * time.Second }

// BaseDelay returns the initial webhook retry delay.
func (w Webhook) BaseDelay() time.Duration { return time.Duration(w.BaseDelayMS) * time.Millisecond }

// MaxDelay returns the webhook retry delay cap.
func (w Webhook) MaxDelay() time.Duration { return time.Duration(w.MaxDelayMS) * time.Millisecond }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when a field is absent from the
// YAML file. The risk limits and reference prices follow the service's
// stock deployment (USDT crypto pairs).
func Default() *Config {
	return &Config{
		Server:  Server{Host: "0.0.0.0", Port: 8080},
		Storage: Storage{DataDir: "data", SQLitePath: "data/tradesvc.db"},
		Broker:  Broker{Adapter: "instant", MaxAttempts: 3, TimeoutSec: 5},
		Risk: Risk{
			MaxPositionUSD:  5000,
			MaxDailyLossUSD: 500,
			AllowedSymbols:  []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
			ReferencePrices: map[string]float64{
				"BTC/USDT": 58000,
				"ETH/USDT": 2400,
				"SOL/USDT": 140,
			},
		},
		Webhook: Webhook{
			Secret:         "change_me",
			MaxAttempts:    8,
			BaseDelayMS:    1000,
			MaxDelayMS:     60000,
			RequestTimeout: 5,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads the YAML configuration file at the given path, layers it over
// the defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot safely run with.
func (c *Config) Validate() error {
	switch c.Broker.Adapter {
	case "instant", "alpaca":
	default:
		return fmt.Errorf("config: unknown broker adapter %q", c.Broker.Adapter)
	}
	if c.Risk.MaxPositionUSD <= 0 {
		return fmt.Errorf("config: max_position_usd must be positive, got %v", c.Risk.MaxPositionUSD)
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("config: max_daily_loss_usd must be positive, got %v", c.Risk.MaxDailyLossUSD)
	}
	if len(c.Risk.AllowedSymbols) == 0 {
		return fmt.Errorf("config: allowed_symbols must not be empty")
	}
	if c.Broker.MaxAttempts < 1 {
		return fmt.Errorf("config: broker max_attempts must be at least 1, got %d", c.Broker.MaxAttempts)
	}
	if c.Webhook.URL != "" {
		if c.Webhook.Secret == "" {
			return fmt.Errorf("config: webhook secret required when webhook url is set")
		}
		if c.Webhook.MaxAttempts < 1 {
			return fmt.Errorf("config: webhook max_attempts must be at least 1, got %d", c.Webhook.MaxAttempts)
		}
		if c.Webhook.BaseDelayMS <= 0 {
			return fmt.Errorf("config: webhook base_delay_ms must be positive, got %d", c.Webhook.BaseDelayMS)
		}
		if c.Webhook.MaxDelayMS < c.Webhook.BaseDelayMS {
			return fmt.Errorf("config: webhook max_delay_ms must be at least base_delay_ms, got %d", c.Webhook.MaxDelayMS)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("BROKER_ADAPTER"); v != "" {
		cfg.Broker.Adapter = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("MAX_POS_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxPositionUSD = f
		}
	}
	if v := os.Getenv("MAX_DAILY_LOSS_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxDailyLossUSD = f
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
}
