package strategy

import (
	"fmt"

	"polyarb/internal/config"
)

// SizeResult is one sized dual-leg allocation: equal share counts on both
// legs, dollars split in proportion to the leg prices.
type SizeResult struct {
	Pairs  float64 // shares per leg
	YesUSD float64
	NoUSD  float64
	Reject string // non-empty when the trade is not worth taking
}

// TotalUSD is the combined capital commitment.
func (s SizeResult) TotalUSD() float64 { return s.YesUSD + s.NoUSD }

// ComputeSize turns a budget into an equal-shares allocation.
//
// Equal shares, not equal dollars: profit at resolution is pairs × spread
// regardless of which side wins, so the share counts must match. The
// allocation is then scaled down against max_trade_size and available book
// depth, and rejected outright when either leg falls below min_trade_size.
// yesDepth/noDepth are top-3 ask depths in shares; pass 0 to skip the
// depth shrink.
func ComputeSize(cfg config.StrategyConfig, budgetUSD, yesPrice, noPrice, yesDepth, noDepth float64) SizeResult {
	combined := yesPrice + noPrice
	if combined <= 0 {
		return SizeResult{Reject: "non-positive combined price"}
	}

	pairs := budgetUSD / combined

	// Proportional scale-down when either leg would exceed the per-trade cap.
	// Scaling both legs keeps the share counts equal.
	if cfg.MaxTradeSizeUSD > 0 {
		larger := pairs * yesPrice
		if n := pairs * noPrice; n > larger {
			larger = n
		}
		if larger > cfg.MaxTradeSizeUSD {
			pairs *= cfg.MaxTradeSizeUSD / larger
		}
	}

	// Depth shrink: never plan to consume more than the configured fraction
	// of visible liquidity on either side.
	if cfg.MaxLiquidityConsumptionPct > 0 {
		if yesDepth > 0 {
			if maxShares := cfg.MaxLiquidityConsumptionPct * yesDepth; pairs > maxShares {
				pairs = maxShares
			}
		}
		if noDepth > 0 {
			if maxShares := cfg.MaxLiquidityConsumptionPct * noDepth; pairs > maxShares {
				pairs = maxShares
			}
		}
	}

	yesUSD := pairs * yesPrice
	noUSD := pairs * noPrice

	if yesUSD < cfg.MinTradeSizeUSD || noUSD < cfg.MinTradeSizeUSD {
		return SizeResult{Reject: fmt.Sprintf(
			"insufficient liquidity: legs %.2f/%.2f below minimum %.2f",
			yesUSD, noUSD, cfg.MinTradeSizeUSD)}
	}

	return SizeResult{Pairs: pairs, YesUSD: yesUSD, NoUSD: noUSD}
}

// SplitTranches divides a sized allocation into equal tranches for gradual
// entry. Falls back to a single tranche when disabled, when the spread is
// wide enough that speed matters more than impact, or when per-tranche size
// would drop below the minimum.
func SplitTranches(cfg config.StrategyConfig, sized SizeResult, spreadCents float64) []SizeResult {
	single := []SizeResult{sized}

	if !cfg.GradualEntryEnabled || cfg.GradualEntryTranches <= 1 {
		return single
	}
	if spreadCents >= cfg.GradualEntryMinSpreadCents {
		// Fat spread: take it all before it closes.
		return single
	}

	n := float64(cfg.GradualEntryTranches)
	per := SizeResult{
		Pairs:  sized.Pairs / n,
		YesUSD: sized.YesUSD / n,
		NoUSD:  sized.NoUSD / n,
	}
	if per.YesUSD < cfg.MinTradeSizeUSD || per.NoUSD < cfg.MinTradeSizeUSD {
		return single
	}

	out := make([]SizeResult, cfg.GradualEntryTranches)
	for i := range out {
		out[i] = per
	}
	return out
}
