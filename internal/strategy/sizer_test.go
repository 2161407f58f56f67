package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"polyarb/internal/config"
)

func sizerConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinSpread:                  0.02,
		MinTradeSizeUSD:            1,
		MaxTradeSizeUSD:            25,
		MaxLiquidityConsumptionPct: 0.5,
	}
}

func TestComputeSizeEqualShares(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()

	sized := ComputeSize(cfg, 9.7, 0.47, 0.50, 0, 0)
	require.Empty(t, sized.Reject)
	require.InDelta(t, 10, sized.Pairs, 1e-9)
	require.InDelta(t, 4.7, sized.YesUSD, 1e-9)
	require.InDelta(t, 5.0, sized.NoUSD, 1e-9)
	require.InDelta(t, 9.7, sized.TotalUSD(), 1e-9)
}

func TestComputeSizePerLegCap(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()

	// A 100 USD budget would put ~51.5 on the NO leg; both legs scale down
	// together so the larger lands exactly on the cap and shares stay equal.
	sized := ComputeSize(cfg, 100, 0.47, 0.50, 0, 0)
	require.Empty(t, sized.Reject)
	require.InDelta(t, 25.0, sized.NoUSD, 1e-9)
	require.InDelta(t, 25.0*0.47/0.50, sized.YesUSD, 1e-9)
	require.InDelta(t, sized.YesUSD/0.47, sized.NoUSD/0.50, 1e-9)
}

func TestComputeSizeDepthShrink(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()

	// 12 shares of visible YES depth at 50% consumption caps pairs at 6.
	sized := ComputeSize(cfg, 9.7, 0.47, 0.50, 12, 100)
	require.Empty(t, sized.Reject)
	require.InDelta(t, 6, sized.Pairs, 1e-9)
}

func TestComputeSizeRejectsBelowMinimum(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()

	sized := ComputeSize(cfg, 1.5, 0.47, 0.50, 0, 0)
	require.NotEmpty(t, sized.Reject)

	// Thin books can push an otherwise fine budget under the floor.
	sized = ComputeSize(cfg, 9.7, 0.47, 0.50, 3, 3)
	require.NotEmpty(t, sized.Reject)
}

func TestComputeSizeBadPrices(t *testing.T) {
	t.Parallel()
	sized := ComputeSize(sizerConfig(), 10, 0, 0, 0, 0)
	require.NotEmpty(t, sized.Reject)
}

func TestSplitTranchesDisabled(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()
	sized := SizeResult{Pairs: 10, YesUSD: 4.7, NoUSD: 5.0}

	tranches := SplitTranches(cfg, sized, 3)
	require.Len(t, tranches, 1)
	require.Equal(t, sized, tranches[0])
}

func TestSplitTranchesFatSpreadSingleShot(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()
	cfg.GradualEntryEnabled = true
	cfg.GradualEntryTranches = 3
	cfg.GradualEntryMinSpreadCents = 5

	sized := SizeResult{Pairs: 30, YesUSD: 14.1, NoUSD: 15.0}
	tranches := SplitTranches(cfg, sized, 6)
	require.Len(t, tranches, 1)
}

func TestSplitTranchesDivides(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()
	cfg.GradualEntryEnabled = true
	cfg.GradualEntryTranches = 3
	cfg.GradualEntryMinSpreadCents = 5

	sized := SizeResult{Pairs: 30, YesUSD: 14.1, NoUSD: 15.0}
	tranches := SplitTranches(cfg, sized, 3)
	require.Len(t, tranches, 3)
	require.InDelta(t, 10, tranches[0].Pairs, 1e-9)
	require.InDelta(t, 4.7, tranches[0].YesUSD, 1e-9)
}

func TestSplitTranchesTooSmallFallsBack(t *testing.T) {
	t.Parallel()
	cfg := sizerConfig()
	cfg.GradualEntryEnabled = true
	cfg.GradualEntryTranches = 4
	cfg.GradualEntryMinSpreadCents = 5

	// 2.90/tranche per leg would drop below the 1 USD minimum when split 4x.
	sized := SizeResult{Pairs: 6, YesUSD: 2.82, NoUSD: 3.0}
	tranches := SplitTranches(cfg, sized, 3)
	require.Len(t, tranches, 1)
}
