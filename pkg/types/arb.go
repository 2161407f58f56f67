package types

import "time"

// arb.go defines the arbitrage domain model: short-lived binary markets,
// detected opportunities, durable trade records, and positions awaiting
// on-chain redemption.

// ————————————————————————————————————————————————————————————————————————
// Markets and opportunities
// ————————————————————————————————————————————————————————————————————————

// TradeableFloor is the minimum time to resolution for new entries.
// A market with 60 seconds or less on the clock is never traded: fills this
// late cannot be rebalanced before resolution.
const TradeableFloor = 60 * time.Second

// Market is a short-duration (15-minute) binary up/down market.
// Discovered from the metadata API, cached for a minute, dropped from hot
// tracking once no longer tradeable.
type Market struct {
	ConditionID string    `json:"condition_id"` // venue-unique CTF condition ID
	Slug        string    `json:"slug"`
	Question    string    `json:"question"`
	Asset       string    `json:"asset"` // underlying symbol, e.g. "BTC"
	YesTokenID  string    `json:"yes_token_id"`
	NoTokenID   string    `json:"no_token_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Active      bool      `json:"active"`
}

// SecondsRemaining returns seconds until resolution, floored at zero.
func (m *Market) SecondsRemaining(now time.Time) float64 {
	rem := m.EndTime.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// IsTradeable reports whether the market is still worth entering:
// active, with strictly more than TradeableFloor on the clock.
func (m *Market) IsTradeable(now time.Time) bool {
	return m.Active && m.EndTime.Sub(now) > TradeableFloor
}

// OpportunityTTL bounds how long a detected opportunity may wait in the
// queue before it is considered stale and discarded unexecuted.
const OpportunityTTL = 30 * time.Second

/// Opportunity is a snapshot suggesting a profitable paired entry:
// at detection time yes_ask + no_ask < 1. It is ephemeral, owned by the
// queue, and re-validated against the live book at execution time.
type Opportunity struct {
	Market      Market    `json:"market"`
	YesPrice    float64   `json:"yes_price"` // best YES ask at detection
	NoPrice     float64   `json:"no_price"`  // best NO ask at detection
	Spread      float64   `json:"spread"`    // 1 - (yes + no)
	SpreadCents float64   `json:"spread_cents"`
	ProfitPct   float64   `json:"profit_pct"` // spread / combined cost
	DetectedAt  time.Time `json:"detected_at"`
}

// IsValid reports whether the opportunity is younger than OpportunityTTL.
func (o *Opportunity) IsValid(now time.Time) bool {
	return now.Sub(o.DetectedAt) < OpportunityTTL
}

// ————————————————————————————————————————————————————————————————————————
// Trade records
// ————————————————————————————————————————————————————————————————————————

// ExecutionStatus classifies how a dual-leg submission ended up.
type ExecutionStatus string

const (
	ExecFullFill    ExecutionStatus = "full_fill"    // both legs matched
	ExecPartialFill ExecutionStatus = "partial_fill" // one leg matched, rebalanced
	ExecOneLegOnly  ExecutionStatus = "one_leg_only" // one leg matched, rebalance failed
	ExecFailed      ExecutionStatus = "failed"       // nothing usable filled
)

// RebalanceAction records how a partial fill was resolved.
type RebalanceAction string

const (
	RebalanceNone           RebalanceAction = ""
	RebalanceHedgeCompleted RebalanceAction = "hedge_completed" // bought the missing leg
	RebalanceExited         RebalanceAction = "exited"          // flattened the filled leg
	RebalanceFailed         RebalanceAction = "failed"          // exit order did not fill, position held
)

// TradeStatus is the resolution state of a trade.
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeWin     TradeStatus = "win"
	TradeLoss    TradeStatus = "loss"
)

// PnLType tags entries in the realized-PnL ledger by origin.
type PnLType string

const (
	PnLResolution PnLType = "resolution" // market resolved against/for us
	PnLSettlement PnLType = "settlement" // on-chain redemption proceeds
	PnLRebalance  PnLType = "rebalance"  // flatten loss from a partial fill
)

// TradeRecord is the durable record of one attempted or executed dual-leg
// trade. Every submitted real trade produces exactly one record, whatever
// its execution status; simulated trades are recorded with DryRun set.
type TradeRecord struct {
	TradeID       string    `json:"trade_id"`
	ConditionID   string    `json:"condition_id"`
	Asset         string    `json:"asset"`
	MarketSlug    string    `json:"market_slug"`
	MarketEndTime time.Time `json:"market_end_time"`
	YesTokenID    string    `json:"yes_token_id"`
	NoTokenID     string    `json:"no_token_id"`

	YesPrice float64 `json:"yes_price"` // intended entry price per leg
	NoPrice  float64 `json:"no_price"`
	YesCost  float64 `json:"yes_cost"` // actual USDC spent per leg
	NoCost   float64 `json:"no_cost"`

	YesShares float64 `json:"yes_shares"` // actually filled
	NoShares  float64 `json:"no_shares"`

	YesOrderStatus OrderStatus `json:"yes_order_status"`
	NoOrderStatus  OrderStatus `json:"no_order_status"`

	HedgeRatio      float64         `json:"hedge_ratio"` // min(yes,no)/max(yes,no)
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	RebalanceAction RebalanceAction `json:"rebalance_action,omitempty"`

	ExpectedProfit float64     `json:"expected_profit"`
	ActualProfit   float64     `json:"actual_profit"`
	Status         TradeStatus `json:"status"`
	DryRun         bool        `json:"dry_run"`

	// Top-3 ask depth per side captured just before submit, for slippage
	// analysis. Zero when telemetry was unavailable.
	YesDepth float64 `json:"yes_depth,omitempty"`
	NoDepth  float64 `json:"no_depth,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TotalCost is the USDC spent across both legs.
func (t *TradeRecord) TotalCost() float64 {
	return t.YesCost + t.NoCost
}

// HedgeRatio computes min/max of two share quantities; 0 when either is zero.
// 1.0 is a perfect hedge.
func HedgeRatio(yesShares, noShares float64) float64 {
	if yesShares <= 0 || noShares <= 0 {
		return 0
	}
	if yesShares < noShares {
		return yesShares / noShares
	}
	return noShares / yesShares
}

// ————————————————————————————————————————————————————————————————————————
// Positions and settlement
// ————————————————————————————————————————————————————————————————————————

// Position is a share holding awaiting market resolution and on-chain
// redemption. One row per non-zero filled leg.
type Position struct {
	TradeID        string    `json:"trade_id"`
	ConditionID    string    `json:"condition_id"`
	TokenID        string    `json:"token_id"`
	Side           string    `json:"side"` // "YES" or "NO"
	Asset          string    `json:"asset"`
	Shares         float64   `json:"shares"`
	EntryPrice     float64   `json:"entry_price"`
	EntryCost      float64   `json:"entry_cost"`
	MarketEndTime  time.Time `json:"market_end_time"`
	Claimed        bool      `json:"claimed"`
	ClaimProceeds  float64   `json:"claim_proceeds"`
	ClaimProfit    float64   `json:"claim_profit"`
	ClaimAttempts  int       `json:"claim_attempts"`
	LastClaimError string    `json:"last_claim_error,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Aggregates and process state
// ————————————————————————————————————————————————————————————————————————

// DailyStats aggregates one UTC calendar day of trading.
type DailyStats struct {
	Date               string  `json:"date"` // "2006-01-02" UTC
	PnL                float64 `json:"pnl"`
	Trades             int     `json:"trades"`
	Wins               int     `json:"wins"`
	Losses             int     `json:"losses"`
	Exposure           float64 `json:"exposure"` // USDC committed today
	OpportunitiesSeen  int     `json:"opportunities_seen"`
	OpportunitiesTaken int     `json:"opportunities_taken"`
}

// AllTimeStats summarizes the full trade history.
type AllTimeStats struct {
	TotalPnL    float64 `json:"total_pnl"`
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
}

// CircuitBreakerState is the process-wide daily-loss breaker. RealizedPnL is
// the running sum of today's ledger entries; once Hit flips true every live
// execution path simulates until an operator reset (or the next UTC day).
type CircuitBreakerState struct {
	Date        string    `json:"date"` // "2006-01-02" UTC
	RealizedPnL float64   `json:"realized_pnl"`
	Hit         bool      `json:"hit"`
	HitAt       time.Time `json:"hit_at,omitempty"`
	HitReason   string    `json:"hit_reason,omitempty"`
	TradesToday int       `json:"trades_today"`
}

// TradingMode is the process-wide execution mode. Priority when several
// conditions hold at once: BLACKOUT > CIRCUIT_BREAKER > DRY_RUN > LIVE.
// Every mode except LIVE routes trades through the simulation path.
type TradingMode string

const (
	ModeLive           TradingMode = "LIVE"
	ModeDryRun         TradingMode = "DRY_RUN"
	ModeCircuitBreaker TradingMode = "CIRCUIT_BREAKER"
	ModeBlackout       TradingMode = "BLACKOUT"
)

// Simulated reports whether this mode suppresses real venue submits.
func (m TradingMode) Simulated() bool {
	return m != ModeLive
}

// PnLPoint is one sample of the cumulative-PnL history series.
type PnLPoint struct {
	Time time.Time `json:"time"`
	PnL  float64   `json:"pnl"`
}
