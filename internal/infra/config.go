package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"market_engine/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on every REST request.
	DefaultUserAgent = "market-engine/1.0"

	envPrefix = "MARKET_ENGINE"
)

// Config holds every setting of the engine.
// LoadConfig reads the YAML file and then lets MARKET_ENGINE_* environment
// variables override individual keys.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchanges struct {
		Binance BinanceConfig `yaml:"binance"`
		Bybit   BybitConfig   `yaml:"bybit"`
	} `yaml:"exchanges"`

	Engine struct {
		SnapshotDepth        int `yaml:"snapshot_depth"`
		MaxDatapoints        int `yaml:"max_datapoints"`
		TradeBufferLimit     int `yaml:"trade_buffer_limit"`
		PendingDiffLimit     int `yaml:"pending_diff_limit"`
		StatsPollIntervalSec int `yaml:"stats_poll_interval_sec"`
		InboxSize            int `yaml:"inbox_size"`
	} `yaml:"engine"`

	Storage struct {
		Path             string `yaml:"path"`
		TickerInfoTTLMin int    `yaml:"ticker_info_ttl_min"`
	} `yaml:"storage"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Subscriptions []Subscription `yaml:"subscriptions"`
}

// BinanceConfig holds endpoints and weight limits per Binance market.
type BinanceConfig struct {
	SpotRestURL        string `yaml:"spot_rest_url"`
	LinearRestURL      string `yaml:"linear_rest_url"`
	InverseRestURL     string `yaml:"inverse_rest_url"`
	SpotWSURL          string `yaml:"spot_ws_url"`
	LinearWSURL        string `yaml:"linear_ws_url"`
	InverseWSURL       string `yaml:"inverse_ws_url"`
	SpotWeightLimit    int    `yaml:"spot_weight_limit"`
	FuturesWeightLimit int    `yaml:"futures_weight_limit"`
}

// BybitConfig holds the v5 endpoints and the per-IP request window.
type BybitConfig struct {
	RestURL           string `yaml:"rest_url"`
	WSURL             string `yaml:"ws_url"` // base, e.g. wss://stream.bybit.com/v5/public
	RequestsPerWindow int    `yaml:"requests_per_window"`
	WindowSec         int    `yaml:"window_sec"`
}

// Subscription is one chart the daemon keeps live.
type Subscription struct {
	Exchange     string          `yaml:"exchange"` // e.g. "binance_linear"
	Symbol       string          `yaml:"symbol"`
	Timeframe    string          `yaml:"timeframe"`  // kline chart, e.g. "1m"; empty with TickCount > 0
	TickCount    int             `yaml:"tick_count"` // tick chart bucket size
	Step         decimal.Decimal `yaml:"step"`       // footprint price step; zero means the instrument tick size
	Heatmap      bool            `yaml:"heatmap"`
	OpenInterest bool            `yaml:"open_interest"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(cfg, newEnv())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the production endpoints and limits.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "market-engine"

	b := &cfg.Exchanges.Binance
	b.SpotRestURL = "https://api.binance.com"
	b.LinearRestURL = "https://fapi.binance.com"
	b.InverseRestURL = "https://dapi.binance.com"
	b.SpotWSURL = "wss://stream.binance.com:9443"
	b.LinearWSURL = "wss://fstream.binance.com"
	b.InverseWSURL = "wss://dstream.binance.com"
	b.SpotWeightLimit = 6000
	b.FuturesWeightLimit = 2400

	y := &cfg.Exchanges.Bybit
	y.RestURL = "https://api.bybit.com"
	y.WSURL = "wss://stream.bybit.com/v5/public"
	y.RequestsPerWindow = 600
	y.WindowSec = 5

	e := &cfg.Engine
	e.SnapshotDepth = 1000
	e.MaxDatapoints = 5000
	e.TradeBufferLimit = 10_000
	e.PendingDiffLimit = 4096
	e.StatsPollIntervalSec = 60
	e.InboxSize = 4096

	cfg.Storage.Path = "data/market_engine.db"
	cfg.Storage.TickerInfoTTLMin = 24 * 60
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return cfg
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	b := c.Exchanges.Binance
	for field, u := range map[string]string{
		"exchanges.binance.spot_ws_url":    b.SpotWSURL,
		"exchanges.binance.linear_ws_url":  b.LinearWSURL,
		"exchanges.binance.inverse_ws_url": b.InverseWSURL,
		"exchanges.bybit.ws_url":           c.Exchanges.Bybit.WSURL,
	} {
		if !isWSURL(u) {
			return &domain.ConfigError{Field: field, Err: fmt.Errorf("invalid websocket url %q", u)}
		}
	}
	if b.SpotWeightLimit <= 0 || b.FuturesWeightLimit <= 0 {
		return &domain.ConfigError{Field: "exchanges.binance", Err: errors.New("weight limits must be positive")}
	}
	if c.Exchanges.Bybit.RequestsPerWindow <= 0 || c.Exchanges.Bybit.WindowSec <= 0 {
		return &domain.ConfigError{Field: "exchanges.bybit", Err: errors.New("request window must be positive")}
	}
	if c.Engine.MaxDatapoints < 10 {
		return &domain.ConfigError{Field: "engine.max_datapoints", Err: errors.New("must be at least 10")}
	}
	if c.Engine.TradeBufferLimit <= 0 || c.Engine.PendingDiffLimit <= 0 {
		return &domain.ConfigError{Field: "engine", Err: errors.New("buffer limits must be positive")}
	}

	for i, s := range c.Subscriptions {
		field := fmt.Sprintf("subscriptions[%d]", i)
		if _, err := domain.ParseExchange(s.Exchange); err != nil {
			return &domain.ConfigError{Field: field + ".exchange", Err: err}
		}
		if strings.TrimSpace(s.Symbol) == "" {
			return &domain.ConfigError{Field: field + ".symbol", Err: errors.New("symbol is required")}
		}
		if s.Timeframe == "" && s.TickCount <= 0 {
			return &domain.ConfigError{Field: field, Err: errors.New("timeframe or tick_count is required")}
		}
		if s.Timeframe != "" {
			if _, err := domain.ParseTimeframe(s.Timeframe); err != nil {
				return &domain.ConfigError{Field: field + ".timeframe", Err: err}
			}
		}
		if s.Step.IsNegative() {
			return &domain.ConfigError{Field: field + ".step", Err: errors.New("step must not be negative")}
		}
	}

	return nil
}

// StatsPollInterval returns the 24h stats cadence.
func (c *Config) StatsPollInterval() time.Duration {
	return time.Duration(c.Engine.StatsPollIntervalSec) * time.Second
}

// TickerInfoTTL returns how long cached instrument metadata stays valid.
func (c *Config) TickerInfoTTL() time.Duration {
	return time.Duration(c.Storage.TickerInfoTTLMin) * time.Minute
}

func isWSURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// overrideWithEnv replaces values whose MARKET_ENGINE_* variable is set,
// e.g. MARKET_ENGINE_LOGGING_LEVEL=debug.
func overrideWithEnv(cfg *Config, v *viper.Viper) {
	strs := map[string]*string{
		"logging.level":                      &cfg.Logging.Level,
		"logging.dir":                        &cfg.Logging.Dir,
		"metrics.addr":                       &cfg.Metrics.Addr,
		"storage.path":                       &cfg.Storage.Path,
		"exchanges.binance.spot_rest_url":    &cfg.Exchanges.Binance.SpotRestURL,
		"exchanges.binance.linear_rest_url":  &cfg.Exchanges.Binance.LinearRestURL,
		"exchanges.binance.inverse_rest_url": &cfg.Exchanges.Binance.InverseRestURL,
		"exchanges.bybit.rest_url":           &cfg.Exchanges.Bybit.RestURL,
		"exchanges.bybit.ws_url":             &cfg.Exchanges.Bybit.WSURL,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"engine.max_datapoints":          &cfg.Engine.MaxDatapoints,
		"engine.stats_poll_interval_sec": &cfg.Engine.StatsPollIntervalSec,
		"storage.ticker_info_ttl_min":    &cfg.Storage.TickerInfoTTLMin,
	}
	for key, dst := range ints {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
}
