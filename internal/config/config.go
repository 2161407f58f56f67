// Package config defines all configuration for the arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
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
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Blackout   BlackoutConfig   `mapstructure:"blackout"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth, order payloads, and redemption
// transactions. FunderAddress is the on-chain address that funds orders
// (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints, the Polygon RPC endpoint for
// on-chain settlement, and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	RPCURL       string `mapstructure:"rpc_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// StrategyConfig tunes the spread-arbitrage strategy.
//
// The core trade: when yes_ask + no_ask < 1, buy equal share counts on both
// sides. Sizing, liquidity consumption, and hedge-quality limits below bound
// how aggressively that happens.
//
//   - MinSpread: minimum detectable edge as a fraction (0.02 = 2¢ per pair).
//   - MinTradeSizeUSD / MaxTradeSizeUSD: per-leg dollar bounds.
//   - MaxPerWindowUSD: total capital committed to one 15-minute market
//     window across all entries (0 disables).
//   - MaxDailyExposureUSD: total capital committed per UTC day (0 disables).
//   - MaxDailyLossUSD: realized-loss cap that trips the circuit breaker.
//   - MaxUnhedgedExposureUSD: while naked one-leg positions above this
//     value are outstanding, no new live entries are taken (0 disables).
//   - MaxLiquidityConsumptionPct: cap on the fraction of visible top-3 ask
//     depth a single entry may consume.
//   - PriceBufferCents: added to the opportunity price on GTC entries to
//     improve fill rates; must stay below the spread to remain profitable.
//   - MinHedgeRatio / CriticalHedgeRatio: post-fill hedge quality gates.
//   - Gradual entry slices a sized trade into tranches with a delay between
//     them, falling back to single-shot when per-tranche size is too small.
type StrategyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Assets  []string `mapstructure:"assets"` // e.g. ["BTC", "ETH"]

	MinSpread              float64 `mapstructure:"min_spread"`
	MinTradeSizeUSD        float64 `mapstructure:"min_trade_size_usd"`
	MaxTradeSizeUSD        float64 `mapstructure:"max_trade_size_usd"`
	MaxPerWindowUSD        float64 `mapstructure:"max_per_window_usd"`
	MaxDailyExposureUSD    float64 `mapstructure:"max_daily_exposure_usd"`
	MaxDailyLossUSD        float64 `mapstructure:"max_daily_loss_usd"`
	MaxUnhedgedExposureUSD float64 `mapstructure:"max_unhedged_exposure_usd"`

	MaxSlippageCents           float64       `mapstructure:"max_slippage_cents"`
	OrderTimeout               time.Duration `mapstructure:"order_timeout"`
	ParallelFillTimeout        time.Duration `mapstructure:"parallel_fill_timeout"`
	LiveOrderWait              time.Duration `mapstructure:"live_order_wait"`
	MaxLiquidityConsumptionPct float64       `mapstructure:"max_liquidity_consumption_pct"`
	PriceBufferCents           float64       `mapstructure:"price_buffer_cents"`

	MinHedgeRatio              float64 `mapstructure:"min_hedge_ratio"`
	CriticalHedgeRatio         float64 `mapstructure:"critical_hedge_ratio"`
	MaxPositionImbalanceShares float64 `mapstructure:"max_position_imbalance_shares"`

	PartialFillExitEnabled      bool    `mapstructure:"partial_fill_exit_enabled"`
	PartialFillMaxSlippageCents float64 `mapstructure:"partial_fill_max_slippage_cents"`

	GradualEntryEnabled        bool          `mapstructure:"gradual_entry_enabled"`
	GradualEntryTranches       int           `mapstructure:"gradual_entry_tranches"`
	GradualEntryDelay          time.Duration `mapstructure:"gradual_entry_delay"`
	GradualEntryMinSpreadCents float64       `mapstructure:"gradual_entry_min_spread_cents"`

	BalanceSizingEnabled bool    `mapstructure:"balance_sizing_enabled"`
	BalanceSizingPct     float64 `mapstructure:"balance_sizing_pct"`
}

// BlackoutConfig defines a scheduled local-time window during which the
// engine simulates instead of submitting (e.g. around the venue's daily
// infrastructure restart). Defaults to 05:00-05:29 America/Chicago.
type BlackoutConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	StartHour   int    `mapstructure:"start_hour"`
	StartMinute int    `mapstructure:"start_minute"`
	EndHour     int    `mapstructure:"end_hour"`
	EndMinute   int    `mapstructure:"end_minute"`
	Timezone    string `mapstructure:"timezone"`
}

// DiscoveryConfig controls how the bot finds 15-minute markets on the
// metadata API.
type DiscoveryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// SettlementConfig controls post-resolution on-chain redemption.
//
//   - GraceMinutes: wait after market end before attempting redemption, so
//     the oracle has reported.
//   - MaxClaimAttempts: failed redemptions beyond this are left for manual
//     intervention.
type SettlementConfig struct {
	GraceMinutes      int           `mapstructure:"grace_minutes"`
	MaxClaimAttempts  int           `mapstructure:"max_claim_attempts"`
	Interval          time.Duration `mapstructure:"interval"`
	RedeemTimeout     time.Duration `mapstructure:"redeem_timeout"`
	CTFAddress        string        `mapstructure:"ctf_address"`
	CollateralAddress string        `mapstructure:"collateral_address"`
}

// StoreConfig sets where trade and settlement state is persisted (SQLite).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
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
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if rpc := os.Getenv("POLY_RPC_URL"); rpc != "" {
		cfg.API.RPCURL = rpc
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults registers defaults for fields that have sensible universal
// values, so a minimal config file stays minimal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.min_spread", 0.02)
	v.SetDefault("strategy.max_slippage_cents", 2)
	v.SetDefault("strategy.order_timeout", "10s")
	v.SetDefault("strategy.parallel_fill_timeout", "5s")
	v.SetDefault("strategy.live_order_wait", "2s")
	v.SetDefault("strategy.max_liquidity_consumption_pct", 0.5)
	v.SetDefault("strategy.price_buffer_cents", 1)
	v.SetDefault("strategy.min_hedge_ratio", 0.8)
	v.SetDefault("strategy.critical_hedge_ratio", 0.5)
	v.SetDefault("strategy.partial_fill_exit_enabled", true)
	v.SetDefault("strategy.partial_fill_max_slippage_cents", 2)
	v.SetDefault("strategy.gradual_entry_tranches", 3)
	v.SetDefault("strategy.gradual_entry_delay", "2s")

	v.SetDefault("blackout.enabled", true)
	v.SetDefault("blackout.start_hour", 5)
	v.SetDefault("blackout.start_minute", 0)
	v.SetDefault("blackout.end_hour", 5)
	v.SetDefault("blackout.end_minute", 29)
	v.SetDefault("blackout.timezone", "America/Chicago")

	v.SetDefault("discovery.poll_interval", "30s")
	v.SetDefault("discovery.cache_ttl", "1m")

	v.SetDefault("settlement.grace_minutes", 10)
	v.SetDefault("settlement.max_claim_attempts", 5)
	v.SetDefault("settlement.interval", "60s")
	v.SetDefault("settlement.redeem_timeout", "60s")
	v.SetDefault("settlement.ctf_address", "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045")
	v.SetDefault("settlement.collateral_address", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

	v.SetDefault("store.path", "data/polyarb.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.RPCURL == "" {
		return fmt.Errorf("api.rpc_url is required for on-chain settlement")
	}
	if len(c.Strategy.Assets) == 0 {
		return fmt.Errorf("strategy.assets must name at least one underlying (e.g. BTC)")
	}
	if c.Strategy.MinSpread <= 0 || c.Strategy.MinSpread >= 1 {
		return fmt.Errorf("strategy.min_spread must be a fraction in (0, 1)")
	}
	if c.Strategy.MinTradeSizeUSD <= 0 {
		return fmt.Errorf("strategy.min_trade_size_usd must be > 0")
	}
	if c.Strategy.MaxTradeSizeUSD < c.Strategy.MinTradeSizeUSD {
		return fmt.Errorf("strategy.max_trade_size_usd must be >= min_trade_size_usd")
	}
	if c.Strategy.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("strategy.max_daily_loss_usd must be > 0")
	}
	if c.Strategy.MaxLiquidityConsumptionPct <= 0 || c.Strategy.MaxLiquidityConsumptionPct > 1 {
		return fmt.Errorf("strategy.max_liquidity_consumption_pct must be in (0, 1]")
	}
	if c.Strategy.MinHedgeRatio <= 0 || c.Strategy.MinHedgeRatio > 1 {
		return fmt.Errorf("strategy.min_hedge_ratio must be in (0, 1]")
	}
	if c.Strategy.CriticalHedgeRatio > c.Strategy.MinHedgeRatio {
		return fmt.Errorf("strategy.critical_hedge_ratio must not exceed min_hedge_ratio")
	}
	if c.Blackout.Enabled {
		if _, err := time.LoadLocation(c.Blackout.Timezone); err != nil {
			return fmt.Errorf("blackout.timezone %q: %w", c.Blackout.Timezone, err)
		}
		if c.Blackout.StartHour < 0 || c.Blackout.StartHour > 23 || c.Blackout.EndHour < 0 || c.Blackout.EndHour > 23 {
			return fmt.Errorf("blackout hours must be in [0, 23]")
		}
		if c.Blackout.StartMinute < 0 || c.Blackout.StartMinute > 59 || c.Blackout.EndMinute < 0 || c.Blackout.EndMinute > 59 {
			return fmt.Errorf("blackout minutes must be in [0, 59]")
		}
	}
	if c.Settlement.MaxClaimAttempts <= 0 {
		return fmt.Errorf("settlement.max_claim_attempts must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
