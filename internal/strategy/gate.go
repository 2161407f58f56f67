package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/risk"
	"polyarb/pkg/types"
)

// Reject reasons, stable strings for the dashboard decision feed.
const (
	RejectExpired        = "expired"
	RejectSpreadTooSmall = "spread_below_threshold"
	RejectTooLate        = "under_time_floor"
	RejectBadPrices      = "invalid_prices"
	RejectNoArb          = "combined_cost_at_or_above_one"
	RejectExposureCap    = "daily_exposure_cap"
	RejectCircuitBreaker = "circuit_breaker"
	RejectBlackout       = "blackout"
	RejectBudget         = "budget_below_minimum"
)

// Decision is the structured outcome of one gate evaluation, emitted to the
// dashboard whether or not the trade proceeds.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ConditionID string    `json:"condition_id"`
	Asset       string    `json:"asset"`
	YesPrice    float64   `json:"yes_price"`
	NoPrice     float64   `json:"no_price"`
	SpreadCents float64   `json:"spread_cents"`
	Mode        string    `json:"mode"`
	At          time.Time `json:"at"`
}

// Gate is the pre-trade validation pass. Structural checks apply to every
// opportunity; capital checks (exposure cap, breaker, blackout, budget)
// apply only when the trade would hit the venue for real — simulated modes
// record trades without committing capital.
type Gate struct {
	cfg    config.StrategyConfig
	risk   *risk.Manager
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate bound to the risk manager.
func NewGate(cfg config.StrategyConfig, riskMgr *risk.Manager, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		risk:   riskMgr,
		logger: logger.With("component", "gate"),
		now:    time.Now,
	}
}

// Check evaluates one opportunity. budgetUSD is the capital available for
// this trade; mode is the already-resolved trading mode.
func (g *Gate) Check(opp *types.Opportunity, mode types.TradingMode, budgetUSD float64) Decision {
	d := Decision{
		ConditionID: opp.Market.ConditionID,
		Asset:       opp.Market.Asset,
		YesPrice:    opp.YesPrice,
		NoPrice:     opp.NoPrice,
		SpreadCents: opp.SpreadCents,
		Mode:        string(mode),
		At:          g.now(),
	}

	now := g.now()
	switch {
	case !opp.IsValid(now):
		d.Reason = RejectExpired
		d.Detail = fmt.Sprintf("age %.1fs", now.Sub(opp.DetectedAt).Seconds())
	case opp.SpreadCents < g.cfg.MinSpread*100:
		d.Reason = RejectSpreadTooSmall
		d.Detail = fmt.Sprintf("%.2f¢ < %.2f¢", opp.SpreadCents, g.cfg.MinSpread*100)
	case opp.Market.SecondsRemaining(now) <= types.TradeableFloor.Seconds():
		d.Reason = RejectTooLate
		d.Detail = fmt.Sprintf("%.0fs remaining", opp.Market.SecondsRemaining(now))
	case opp.YesPrice <= 0 || opp.NoPrice <= 0:
		d.Reason = RejectBadPrices
	case opp.YesPrice+opp.NoPrice >= 1:
		d.Reason = RejectNoArb
		d.Detail = fmt.Sprintf("combined %.4f", opp.YesPrice+opp.NoPrice)
	}
	if d.Reason != "" {
		return d
	}

	// Capital checks gate real submissions only. In simulated modes the
	// executor records the trade without spending anything.
	if mode == types.ModeLive {
		tradeCost := min(budgetUSD, g.cfg.MaxTradeSizeUSD)
		if err := g.risk.CheckExposureCap(tradeCost); err != nil {
			d.Reason = RejectExposureCap
			d.Detail = err.Error()
			return d
		}
		if cb := g.risk.BreakerState(); cb.Hit {
			d.Reason = RejectCircuitBreaker
			d.Detail = cb.HitReason
			return d
		}
		if g.risk.InBlackout() {
			d.Reason = RejectBlackout
			return d
		}
		if budgetUSD < 2*g.cfg.MinTradeSizeUSD {
			d.Reason = RejectBudget
			d.Detail = fmt.Sprintf("budget %.2f < %.2f", budgetUSD, 2*g.cfg.MinTradeSizeUSD)
			return d
		}
	}

	d.Allowed = true
	return d
}
