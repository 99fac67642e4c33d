// Package config defines all configuration for the paper trader.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// the operational fields overridable via environment variables:
// BINANCE_WS_URL, BINANCE_REST_URL, DATABASE_PATH, LOG_LEVEL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Store    StoreConfig    `mapstructure:"store"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ExchangeConfig holds the Binance futures endpoints. Only public,
// unauthenticated surfaces are used: the mark-price WebSocket stream and
// the ticker REST endpoint.
type ExchangeConfig struct {
	WSURL       string        `mapstructure:"ws_url"`
	RESTURL     string        `mapstructure:"rest_url"`
	RESTTimeout time.Duration `mapstructure:"rest_timeout"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// TradingConfig seeds the persisted settings row on first start. After
// that, POST /settings owns these values; the YAML is only the default.
//
//   - TakerFee/MakerFee: fractional rates charged on notional.
//   - BaseBalance: starting equity for balance display.
//   - QuoteAsset: required symbol suffix (BTCUSDT, ETHUSDT, ...).
//   - DefaultStopLossPercent/DefaultTakeProfitPercent: applied when a
//     percent-mode create request leaves the value unset; 0 means none.
type TradingConfig struct {
	TakerFee                 float64 `mapstructure:"taker_fee"`
	MakerFee                 float64 `mapstructure:"maker_fee"`
	BaseBalance              float64 `mapstructure:"base_balance"`
	QuoteAsset               string  `mapstructure:"quote_asset"`
	DefaultStopLossPercent   float64 `mapstructure:"default_stop_loss_percent"`
	DefaultTakeProfitPercent float64 `mapstructure:"default_take_profit_percent"`
}

// StreamConfig tunes the live push channel.
type StreamConfig struct {
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	ClientQueue int           `mapstructure:"client_queue"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing
// file is not an error; every field has a default so the binary runs
// out of the box.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no config file, run on defaults + env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Well-known operational overrides
	if u := os.Getenv("BINANCE_WS_URL"); u != "" {
		cfg.Exchange.WSURL = u
	}
	if u := os.Getenv("BINANCE_REST_URL"); u != "" {
		cfg.Exchange.RESTURL = u
	}
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		cfg.Store.Path = p
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Logging.Level = l
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("exchange.ws_url", "wss://fstream.binance.com/ws")
	v.SetDefault("exchange.rest_url", "https://fapi.binance.com")
	v.SetDefault("exchange.rest_timeout", 5*time.Second)
	v.SetDefault("store.path", "papertrader.db")
	v.SetDefault("trading.taker_fee", 0.0004)
	v.SetDefault("trading.maker_fee", 0.0002)
	v.SetDefault("trading.base_balance", 10000.0)
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.default_stop_loss_percent", 0.0)
	v.SetDefault("trading.default_take_profit_percent", 0.0)
	v.SetDefault("stream.heartbeat", 30*time.Second)
	v.SetDefault("stream.client_queue", 64)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if c.Exchange.RESTURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Trading.TakerFee < 0 || c.Trading.MakerFee < 0 {
		return fmt.Errorf("trading fees must be >= 0")
	}
	if c.Trading.QuoteAsset == "" {
		return fmt.Errorf("trading.quote_asset is required")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be > 0")
	}
	if c.Stream.ClientQueue <= 0 {
		return fmt.Errorf("stream.client_queue must be > 0")
	}
	return nil
}
