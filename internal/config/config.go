package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the settlement daemon.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Futures    []FuturesConfig  `yaml:"futures"`
	Perps      []PerpConfig     `yaml:"perps"`
	Variance   VarianceConfig   `yaml:"variance"`
	Risk       RiskConfig       `yaml:"risk"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Store      StoreConfig      `yaml:"store"`
	HTTP       HTTPConfig       `yaml:"http"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
	LogFile     string `yaml:"log_file"`
}

type OracleConfig struct {
	Authority  string        `yaml:"authority"`
	FeedMaxAge time.Duration `yaml:"feed_max_age"`
	ReadMaxAge time.Duration `yaml:"read_max_age"`
	Feed       FeedConfig    `yaml:"feed"`
}

type FeedConfig struct {
	Source          string  `yaml:"source"` // websocket|kafka|none
	WSURL           string  `yaml:"ws_url"`
	Symbol          string  `yaml:"symbol"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	Burst           int     `yaml:"burst"`
}

type FuturesConfig struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Symbol           string `yaml:"symbol"`
	Authority        string `yaml:"authority"`
	FeeBps           uint16 `yaml:"fee_bps"`
	PricePerVolPoint uint64 `yaml:"price_per_vol_point"`
	FeeDestination   string `yaml:"fee_destination"`
}

type PerpConfig struct {
	ID                string `yaml:"id"`
	Authority         string `yaml:"authority"`
	Vault             string `yaml:"vault"`
	CheckTokenBalance bool   `yaml:"check_token_balance"`
}

type VarianceConfig struct {
	Authority     string  `yaml:"authority"`
	DefaultStrike float64 `yaml:"default_strike"`
}

type RiskConfig struct {
	MaxMintAmount      uint64  `yaml:"max_mint_amount"`
	MaxMargin          uint64  `yaml:"max_margin"`
	MaxVarianceDeposit uint64  `yaml:"max_variance_deposit"`
	MaxOpenInterest    uint64  `yaml:"max_open_interest"`
	MaxVolatility      float64 `yaml:"max_volatility"`
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
	GroupID  string   `yaml:"group_id"`
}

type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	Database      string        `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig is the listener serving the API, /healthz and /metrics.
type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Namespace      string        `yaml:"namespace"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Load reads a YAML configuration file. A .env file next to it, if present,
// is loaded first so ${VAR} references resolve; variables already set in
// the environment win.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "volsettle-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Oracle.Authority == "" {
		cfg.Oracle.Authority = "oracle"
	}
	if cfg.Oracle.FeedMaxAge == 0 {
		cfg.Oracle.FeedMaxAge = time.Minute
	}
	if cfg.Oracle.Feed.Source == "" {
		cfg.Oracle.Feed.Source = "none"
	}
	if cfg.Oracle.Feed.RateLimitPerSec == 0 {
		cfg.Oracle.Feed.RateLimitPerSec = 10
	}
	if cfg.Oracle.Feed.Burst == 0 {
		cfg.Oracle.Feed.Burst = 1
	}
	for i := range cfg.Futures {
		if cfg.Futures[i].Authority == "" {
			cfg.Futures[i].Authority = "admin"
		}
	}
	for i := range cfg.Perps {
		if cfg.Perps[i].Authority == "" {
			cfg.Perps[i].Authority = "admin"
		}
	}
	if cfg.Variance.Authority == "" {
		cfg.Variance.Authority = "admin"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.General.InstanceID
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.General.InstanceID + "-prices"
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/volsettle"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 1000
	}
	if cfg.ClickHouse.FlushInterval == 0 {
		cfg.ClickHouse.FlushInterval = 5 * time.Second
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "volsettle.db"
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = ":9090"
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "volsettle"
	}
	if cfg.Metrics.HealthInterval == 0 {
		cfg.Metrics.HealthInterval = 10 * time.Second
	}
}

// Validate checks values defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Oracle.Feed.Source {
	case "websocket":
		if c.Oracle.Feed.WSURL == "" {
			return fmt.Errorf("oracle.feed.ws_url is required for the websocket source")
		}
	case "kafka", "none":
	default:
		return fmt.Errorf("oracle.feed.source %q: want websocket, kafka or none", c.Oracle.Feed.Source)
	}
	if c.Oracle.Feed.Source == "kafka" && c.Oracle.Feed.Symbol == "" {
		return fmt.Errorf("oracle.feed.symbol is required for the kafka source")
	}

	seen := make(map[string]bool)
	for _, f := range c.Futures {
		if f.ID == "" {
			return fmt.Errorf("futures: instrument id is required")
		}
		if seen[f.ID] {
			return fmt.Errorf("futures %s: duplicate instrument id", f.ID)
		}
		seen[f.ID] = true
		if f.FeeBps > 10000 {
			return fmt.Errorf("futures %s: fee_bps %d exceeds 10000", f.ID, f.FeeBps)
		}
		if f.FeeDestination == "" {
			return fmt.Errorf("futures %s: fee_destination is required", f.ID)
		}
	}

	seen = make(map[string]bool)
	for _, p := range c.Perps {
		if p.ID == "" {
			return fmt.Errorf("perps: market id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("perps %s: duplicate market id", p.ID)
		}
		seen[p.ID] = true
	}

	if c.Variance.DefaultStrike < 0 {
		return fmt.Errorf("variance.default_strike must not be negative")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.DSN == "" {
		return fmt.Errorf("clickhouse.dsn is required when enabled")
	}
	return nil
}
