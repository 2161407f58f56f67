package api

import (
	"time"

	"polyarb/internal/config"
	"polyarb/internal/market"
	"polyarb/pkg/types"
)

// Snapshot is the complete dashboard state, sent on connect and via
// GET /api/state.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`

	BalanceUSD float64 `json:"balance_usd"`

	Markets   []MarketStatus `json:"markets"`
	Positions []types.Position `json:"positions"`

	Today   types.DailyStats          `json:"today"`
	AllTime types.AllTimeStats        `json:"all_time"`
	Breaker types.CircuitBreakerState `json:"circuit_breaker"`

	Queue  QueueInfo     `json:"queue"`
	Config ConfigSummary `json:"config"`
}

// MarketStatus is the per-market view: both sides' best quotes and the
// current spread opportunity, if any.
type MarketStatus struct {
	ConditionID string    `json:"condition_id"`
	Asset       string    `json:"asset"`
	Slug        string    `json:"slug"`
	YesBid      float64   `json:"yes_bid"`
	YesAsk      float64   `json:"yes_ask"`
	NoBid       float64   `json:"no_bid"`
	NoAsk       float64   `json:"no_ask"`
	SpreadCents float64   `json:"spread_cents"`
	ProfitPct   float64   `json:"profit_pct"`
	EndTime     time.Time `json:"end_time"`
	LastUpdate  time.Time `json:"last_update"`
	IsStale     bool      `json:"is_stale"`
}

// QueueInfo reports opportunity-queue health.
type QueueInfo struct {
	Depth   int   `json:"depth"`
	Dropped int64 `json:"dropped"`
	Expired int64 `json:"expired"`
}

// ConfigSummary is the operator-relevant slice of the running config.
type ConfigSummary struct {
	Assets                     []string `json:"assets"`
	MinSpread                  float64  `json:"min_spread"`
	MinTradeSizeUSD            float64  `json:"min_trade_size_usd"`
	MaxTradeSizeUSD            float64  `json:"max_trade_size_usd"`
	MaxDailyExposureUSD        float64  `json:"max_daily_exposure_usd"`
	MaxDailyLossUSD            float64  `json:"max_daily_loss_usd"`
	MaxLiquidityConsumptionPct float64  `json:"max_liquidity_consumption_pct"`
	PriceBufferCents           float64  `json:"price_buffer_cents"`
	MinHedgeRatio              float64  `json:"min_hedge_ratio"`
	GradualEntryEnabled        bool     `json:"gradual_entry_enabled"`
	BlackoutEnabled            bool     `json:"blackout_enabled"`
	BlackoutWindow             string   `json:"blackout_window,omitempty"`
	DryRun                     bool     `json:"dry_run"`
}

// NewConfigSummary projects the running config for the dashboard. Wallet
// and credential fields never leave the process.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	s := ConfigSummary{
		Assets:                     cfg.Strategy.Assets,
		MinSpread:                  cfg.Strategy.MinSpread,
		MinTradeSizeUSD:            cfg.Strategy.MinTradeSizeUSD,
		MaxTradeSizeUSD:            cfg.Strategy.MaxTradeSizeUSD,
		MaxDailyExposureUSD:        cfg.Strategy.MaxDailyExposureUSD,
		MaxDailyLossUSD:            cfg.Strategy.MaxDailyLossUSD,
		MaxLiquidityConsumptionPct: cfg.Strategy.MaxLiquidityConsumptionPct,
		PriceBufferCents:           cfg.Strategy.PriceBufferCents,
		MinHedgeRatio:              cfg.Strategy.MinHedgeRatio,
		GradualEntryEnabled:        cfg.Strategy.GradualEntryEnabled,
		BlackoutEnabled:            cfg.Blackout.Enabled,
		DryRun:                     cfg.DryRun,
	}
	if cfg.Blackout.Enabled {
		s.BlackoutWindow = blackoutWindow(cfg.Blackout)
	}
	return s
}

func blackoutWindow(b config.BlackoutConfig) string {
	return timeOfDay(b.StartHour, b.StartMinute) + "-" + timeOfDay(b.EndHour, b.EndMinute) + " " + b.Timezone
}

func timeOfDay(h, m int) string {
	const digits = "0123456789"
	return string([]byte{digits[h/10], digits[h%10], ':', digits[m/10], digits[m%10]})
}

// marketStatus converts tracker state to the dashboard view.
func marketStatus(m types.Market, s market.MarketState, now time.Time) MarketStatus {
	return MarketStatus{
		ConditionID: s.ConditionID,
		Asset:       s.Asset,
		Slug:        s.Slug,
		YesBid:      s.YesBid,
		YesAsk:      s.YesAsk,
		NoBid:       s.NoBid,
		NoAsk:       s.NoAsk,
		SpreadCents: s.SpreadCents(),
		ProfitPct:   s.ProfitPct(),
		EndTime:     m.EndTime,
		LastUpdate:  s.LastUpdate,
		IsStale:     s.IsStale(now),
	}
}
