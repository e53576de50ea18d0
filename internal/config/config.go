// Package config defines all configuration for the copy-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPY_* environment variables.
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
	Mode       string           `mapstructure:"mode"` // initial mode when the volatile store has none
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Arbitrage  ArbitrageConfig  `mapstructure:"arbitrage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Decision   DecisionConfig   `mapstructure:"decision"`
	Advisor    AdvisorConfig    `mapstructure:"advisor"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Orders     OrdersConfig     `mapstructure:"orders"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig sets where durable state (wallets, trades, orders, filters,
// mappings, positions) is persisted.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig selects the volatile store. An empty Addr switches the engine
// to the in-process store, which is fine for single-instance paper trading.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PolymarketConfig holds the primary venue endpoints and credentials.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys; if
// ApiKey/Secret/Passphrase are set they are used directly. ChainRPC enables
// the on-chain fill watcher; leave it empty to run on the data API alone.
type PolymarketConfig struct {
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`

	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	ApiKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
	Passphrase    string `mapstructure:"passphrase"`

	ChainRPC        string `mapstructure:"chain_rpc"`
	ExchangeAddress string `mapstructure:"exchange_address"`
}

// HasCredentials reports whether live order submission can be configured.
func (c PolymarketConfig) HasCredentials() bool {
	return c.PrivateKey != "" || (c.ApiKey != "" && c.Secret != "" && c.Passphrase != "")
}

// KalshiConfig holds the secondary (read-only) venue. Requests are signed
// with RSA-PSS using the key at PrivateKeyPath.
type KalshiConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ApiKey         string `mapstructure:"api_key"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// Enabled reports whether the secondary venue is configured at all. The
// arbitrage detector refuses to start without it.
func (c KalshiConfig) Enabled() bool {
	return c.ApiKey != "" && c.PrivateKeyPath != ""
}

// IngestConfig controls the per-wallet signal pollers and the optional
// on-chain watcher.
//
//   - PollInterval: how often each wallet poller queries the data API.
//   - TradeLimit: page size per poll.
//   - SeenWindow: sliding window for the in-memory dedup seen-set.
//   - ReconcileInterval: how often the engine diffs pollers against the
//     wallet table (starts new, cancels removed).
//   - ChainPollInterval / ChainConfirmations: on-chain watcher cadence and
//     reorg safety margin.
type IngestConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	TradeLimit         int           `mapstructure:"trade_limit"`
	SeenWindow         time.Duration `mapstructure:"seen_window"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ChainPollInterval  time.Duration `mapstructure:"chain_poll_interval"`
	ChainConfirmations uint64        `mapstructure:"chain_confirmations"`
}

// ArbitrageConfig tunes the cross-venue detector.
//
//   - MinSpread: minimum |secondary_yes - primary_yes| to emit a signal.
//   - MaxSignalSize: size at a 20-cent spread or wider; scaled down
//     linearly for narrower spreads.
type ArbitrageConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MinSpread     float64       `mapstructure:"min_spread"`
	MaxSignalSize float64       `mapstructure:"max_signal_size"`
}

// QueueConfig bounds the signal queue between ingestion and decisions.
type QueueConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// DecisionConfig sets how many workers drain the queue. One worker gives
// deterministic FIFO ordering; more trade ordering for throughput.
type DecisionConfig struct {
	Workers int `mapstructure:"workers"`
}

// AdvisorConfig points at an OpenAI-compatible chat completion endpoint.
// With an empty BaseURL the engine falls back to the deterministic
// threshold advisor.
type AdvisorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	ApiKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RiskConfig sets the hard limits every verdict is validated against.
//
//   - MaxDailyLoss: trading halts for the day once realized P&L reaches
//     -MaxDailyLoss.
//   - MaxSingleTrade: per-trade size cap; larger verdicts are capped, not
//     rejected.
//   - MaxTotalExposure: ceiling on open exposure across all positions.
//   - MaxSlippage: widest acceptable book spread at execution time.
type RiskConfig struct {
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxSingleTrade   float64 `mapstructure:"max_single_trade"`
	MaxTotalExposure float64 `mapstructure:"max_total_exposure"`
	MaxSlippage      float64 `mapstructure:"max_slippage"`
}

// OrdersConfig tunes the live order retry loop.
type OrdersConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// ResolutionConfig controls the P&L finalisation worker.
type ResolutionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// AnalyticsConfig tunes the market quality score inputs.
type AnalyticsConfig struct {
	MinLiquidity         float64       `mapstructure:"min_liquidity"`
	MaxSpreadPct         float64       `mapstructure:"max_spread_pct"`
	MaxVolatility        float64       `mapstructure:"max_volatility"`
	MinHoursToResolution float64       `mapstructure:"min_hours_to_resolution"`
	PriceWindow          time.Duration `mapstructure:"price_window"`
}

// DashboardConfig controls the operator HTTP server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPY_POLYMARKET_PRIVATE_KEY, COPY_API_KEY,
// COPY_API_SECRET, COPY_PASSPHRASE, COPY_KALSHI_API_KEY,
// COPY_KALSHI_PRIVATE_KEY_PATH, COPY_ADVISOR_API_KEY, COPY_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("COPY_POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Polymarket.PrivateKey = key
	}
	if key := os.Getenv("COPY_API_KEY"); key != "" {
		cfg.Polymarket.ApiKey = key
	}
	if secret := os.Getenv("COPY_API_SECRET"); secret != "" {
		cfg.Polymarket.Secret = secret
	}
	if pass := os.Getenv("COPY_PASSPHRASE"); pass != "" {
		cfg.Polymarket.Passphrase = pass
	}
	if key := os.Getenv("COPY_KALSHI_API_KEY"); key != "" {
		cfg.Kalshi.ApiKey = key
	}
	if path := os.Getenv("COPY_KALSHI_PRIVATE_KEY_PATH"); path != "" {
		cfg.Kalshi.PrivateKeyPath = path
	}
	if key := os.Getenv("COPY_ADVISOR_API_KEY"); key != "" {
		cfg.Advisor.ApiKey = key
	}
	if pass := os.Getenv("COPY_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("database.path", "data/copytrader.db")

	v.SetDefault("polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("polymarket.chain_id", 137)
	v.SetDefault("polymarket.exchange_address", "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")

	v.SetDefault("ingest.poll_interval", 15*time.Second)
	v.SetDefault("ingest.trade_limit", 50)
	v.SetDefault("ingest.seen_window", 10*time.Minute)
	v.SetDefault("ingest.reconcile_interval", time.Minute)
	v.SetDefault("ingest.chain_poll_interval", 30*time.Second)
	v.SetDefault("ingest.chain_confirmations", 3)

	v.SetDefault("arbitrage.poll_interval", 30*time.Second)
	v.SetDefault("arbitrage.min_spread", 0.05)
	v.SetDefault("arbitrage.max_signal_size", 100.0)

	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.dedup_window", 5*time.Minute)

	v.SetDefault("decision.workers", 1)

	v.SetDefault("advisor.model", "gpt-4o-mini")
	v.SetDefault("advisor.timeout", 30*time.Second)

	v.SetDefault("risk.max_daily_loss", 500.0)
	v.SetDefault("risk.max_single_trade", 300.0)
	v.SetDefault("risk.max_total_exposure", 2000.0)
	v.SetDefault("risk.max_slippage", 0.05)

	v.SetDefault("orders.max_attempts", 3)
	v.SetDefault("orders.retry_delay", 2*time.Second)
	v.SetDefault("orders.backoff_multiplier", 2.0)

	v.SetDefault("resolution.poll_interval", 5*time.Minute)

	v.SetDefault("analytics.min_liquidity", 1000.0)
	v.SetDefault("analytics.max_spread_pct", 0.10)
	v.SetDefault("analytics.max_volatility", 0.15)
	v.SetDefault("analytics.min_hours_to_resolution", 24.0)
	v.SetDefault("analytics.price_window", 10*time.Minute)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case "paper", "live", "paused":
	default:
		return fmt.Errorf("mode must be one of: paper, live, paused")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Polymarket.GammaBaseURL == "" {
		return fmt.Errorf("polymarket.gamma_base_url is required")
	}
	if c.Polymarket.CLOBBaseURL == "" {
		return fmt.Errorf("polymarket.clob_base_url is required")
	}
	if c.Polymarket.DataBaseURL == "" {
		return fmt.Errorf("polymarket.data_base_url is required")
	}
	if c.Mode == "live" && !c.Polymarket.HasCredentials() {
		return fmt.Errorf("live mode requires polymarket credentials (set COPY_POLYMARKET_PRIVATE_KEY)")
	}
	switch c.Polymarket.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("polymarket.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Polymarket.ChainRPC != "" && c.Polymarket.ExchangeAddress == "" {
		return fmt.Errorf("polymarket.exchange_address is required when chain_rpc is set")
	}
	if c.Ingest.PollInterval <= 0 {
		return fmt.Errorf("ingest.poll_interval must be > 0")
	}
	if c.Ingest.TradeLimit <= 0 {
		return fmt.Errorf("ingest.trade_limit must be > 0")
	}
	if c.Arbitrage.MinSpread <= 0 || c.Arbitrage.MinSpread >= 1 {
		return fmt.Errorf("arbitrage.min_spread must be in (0, 1)")
	}
	if c.Arbitrage.MaxSignalSize <= 0 {
		return fmt.Errorf("arbitrage.max_signal_size must be > 0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.DedupWindow <= 0 {
		return fmt.Errorf("queue.dedup_window must be > 0")
	}
	if c.Decision.Workers <= 0 {
		return fmt.Errorf("decision.workers must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxSingleTrade <= 0 {
		return fmt.Errorf("risk.max_single_trade must be > 0")
	}
	if c.Risk.MaxTotalExposure <= 0 {
		return fmt.Errorf("risk.max_total_exposure must be > 0")
	}
	if c.Risk.MaxSlippage <= 0 || c.Risk.MaxSlippage >= 1 {
		return fmt.Errorf("risk.max_slippage must be in (0, 1)")
	}
	if c.Orders.MaxAttempts <= 0 {
		return fmt.Errorf("orders.max_attempts must be > 0")
	}
	if c.Orders.RetryDelay <= 0 {
		return fmt.Errorf("orders.retry_delay must be > 0")
	}
	if c.Orders.BackoffMultiplier < 1 {
		return fmt.Errorf("orders.backoff_multiplier must be >= 1")
	}
	if c.Kalshi.ApiKey != "" && c.Kalshi.PrivateKeyPath == "" {
		return fmt.Errorf("kalshi.private_key_path is required when kalshi.api_key is set")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid port")
	}
	return nil
}
