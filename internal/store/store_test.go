package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polyarb/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(tradeID string) *types.TradeRecord {
	return &types.TradeRecord{
		TradeID:         tradeID,
		ConditionID:     "0xcond1",
		Asset:           "BTC",
		MarketSlug:      "btc-updown-15m-1756200600",
		MarketEndTime:   time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC),
		YesTokenID:      "111111",
		NoTokenID:       "222222",
		YesPrice:        0.47,
		NoPrice:         0.50,
		YesCost:         4.70,
		NoCost:          5.00,
		YesShares:       10,
		NoShares:        10,
		YesOrderStatus:  types.OrderMatched,
		NoOrderStatus:   types.OrderMatched,
		HedgeRatio:      1,
		ExecutionStatus: types.ExecFullFill,
		ExpectedProfit:  0.30,
		Status:          types.TradePending,
		YesDepth:        120,
		NoDepth:         95,
		CreatedAt:       time.Date(2026, 8, 26, 10, 17, 3, 0, time.UTC),
	}
}

func TestTradeRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	want := sampleTrade("trade-1")
	require.NoError(t, s.SaveTrade(want))

	got, err := s.GetTrade("trade-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want.ConditionID, got.ConditionID)
	require.Equal(t, want.YesShares, got.YesShares)
	require.Equal(t, want.ExecutionStatus, got.ExecutionStatus)
	require.InDelta(t, want.ExpectedProfit, got.ExpectedProfit, 1e-9)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.Nil(t, got.ResolvedAt)
	require.False(t, got.DryRun)
}

func TestGetTradeMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetTrade("nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveTradeUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	tr := sampleTrade("trade-up")
	require.NoError(t, s.SaveTrade(tr))

	tr.YesShares = 12
	tr.ExecutionStatus = types.ExecPartialFill
	require.NoError(t, s.SaveTrade(tr))

	got, err := s.GetTrade("trade-up")
	require.NoError(t, err)
	require.Equal(t, 12.0, got.YesShares)
	require.Equal(t, types.ExecPartialFill, got.ExecutionStatus)

	trades, err := s.GetRecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestResolveTrade(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SaveTrade(sampleTrade("trade-r")))
	require.NoError(t, s.ResolveTrade("trade-r", true, 0.28))

	got, err := s.GetTrade("trade-r")
	require.NoError(t, err)
	require.Equal(t, types.TradeWin, got.Status)
	require.InDelta(t, 0.28, got.ActualProfit, 1e-9)
	require.NotNil(t, got.ResolvedAt)

	require.Error(t, s.ResolveTrade("missing", false, 0))
}

func TestRecentTradesOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	older := sampleTrade("trade-old")
	older.CreatedAt = time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	newer := sampleTrade("trade-new")
	newer.CreatedAt = time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveTrade(older))
	require.NoError(t, s.SaveTrade(newer))

	trades, err := s.GetRecentTrades(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "trade-new", trades[0].TradeID)
}

func samplePosition(tradeID, tokenID, side string, endTime time.Time) *types.Position {
	return &types.Position{
		TradeID:       tradeID,
		ConditionID:   "0xcond1",
		TokenID:       tokenID,
		Side:          side,
		Asset:         "BTC",
		Shares:        10,
		EntryPrice:    0.47,
		EntryCost:     4.70,
		MarketEndTime: endTime,
	}
}

func TestSettlementQueueLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ended := time.Now().UTC().Add(-30 * time.Minute)
	require.NoError(t, s.AddToSettlementQueue(samplePosition("t1", "tokY", "YES", ended)))
	require.NoError(t, s.AddToSettlementQueue(samplePosition("t1", "tokN", "NO", ended)))

	claimable, err := s.GetClaimablePositions(10, 5)
	require.NoError(t, err)
	require.Len(t, claimable, 2)

	// Within the grace window nothing is claimable yet.
	claimable, err = s.GetClaimablePositions(60, 5)
	require.NoError(t, err)
	require.Empty(t, claimable)

	require.NoError(t, s.MarkPositionClaimed("t1", "tokY", 10, 5.30))

	unclaimed, err := s.GetUnclaimedPositions()
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	require.Equal(t, "tokN", unclaimed[0].TokenID)
}

func TestSettlementQueueAttemptsExhausted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ended := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.AddToSettlementQueue(samplePosition("t2", "tokY", "YES", ended)))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordClaimAttempt("t2", "tokY", "rpc timeout"))
	}

	claimable, err := s.GetClaimablePositions(10, 3)
	require.NoError(t, err)
	require.Empty(t, claimable)

	// Still visible for operator attention.
	unclaimed, err := s.GetUnclaimedPositions()
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	require.Equal(t, 3, unclaimed[0].ClaimAttempts)
	require.Equal(t, "rpc timeout", unclaimed[0].LastClaimError)
}

func TestSettlementQueueUpsertPreservesBookkeeping(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ended := time.Now().UTC().Add(-time.Hour)
	p := samplePosition("t3", "tokY", "YES", ended)
	require.NoError(t, s.AddToSettlementQueue(p))
	require.NoError(t, s.RecordClaimAttempt("t3", "tokY", "nonce too low"))

	p.Shares = 12
	require.NoError(t, s.AddToSettlementQueue(p))

	unclaimed, err := s.GetUnclaimedPositions()
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	require.Equal(t, 12.0, unclaimed[0].Shares)
	require.Equal(t, 1, unclaimed[0].ClaimAttempts)
}

func TestDailyStatsAccumulate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpdateDailyStats("", StatsDelta{Trades: 1, OpportunitiesSeen: 3, Exposure: 9.7}))
	require.NoError(t, s.UpdateDailyStats("", StatsDelta{Trades: 1, Wins: 1, PnL: 0.3, OpportunitiesTaken: 1}))

	today, err := s.GetTodayStats()
	require.NoError(t, err)
	require.Equal(t, 2, today.Trades)
	require.Equal(t, 1, today.Wins)
	require.Equal(t, 3, today.OpportunitiesSeen)
	require.InDelta(t, 9.7, today.Exposure, 1e-9)
	require.InDelta(t, 0.3, today.PnL, 1e-9)
}

func TestTodayStatsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	today, err := s.GetTodayStats()
	require.NoError(t, err)
	require.Zero(t, today.Trades)
	require.Zero(t, today.PnL)
}

func TestAllTimeStatsWinRate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpdateDailyStats("2026-08-20", StatsDelta{PnL: 1.5, Trades: 3, Wins: 2, Losses: 1}))
	require.NoError(t, s.UpdateDailyStats("2026-08-21", StatsDelta{PnL: -0.5, Trades: 2, Wins: 1, Losses: 1}))

	all, err := s.GetAllTimeStats()
	require.NoError(t, err)
	require.InDelta(t, 1.0, all.TotalPnL, 1e-9)
	require.Equal(t, 5, all.TotalTrades)
	require.InDelta(t, 0.6, all.WinRate, 1e-9)
}

func TestCircuitBreakerTrips(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	cb, err := s.RecordRealizedPnL("t-loss-1", -30, types.PnLRebalance, 50)
	require.NoError(t, err)
	require.False(t, cb.Hit)
	require.InDelta(t, -30, cb.RealizedPnL, 1e-9)

	cb, err = s.RecordRealizedPnL("t-loss-2", -25, types.PnLSettlement, 50)
	require.NoError(t, err)
	require.True(t, cb.Hit)
	require.InDelta(t, -55, cb.RealizedPnL, 1e-9)
	require.NotEmpty(t, cb.HitReason)

	// The trip survives re-reads.
	cb, err = s.GetCircuitBreakerState()
	require.NoError(t, err)
	require.True(t, cb.Hit)
}

func TestCircuitBreakerDisabled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	cb, err := s.RecordRealizedPnL("t-loss", -1000, types.PnLSettlement, 0)
	require.NoError(t, err)
	require.False(t, cb.Hit)
	require.InDelta(t, -1000, cb.RealizedPnL, 1e-9)
}

func TestRealizedPnLDeduplicates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.RecordRealizedPnL("t-dup", -40, types.PnLSettlement, 50)
	require.NoError(t, err)

	// A replay of the same economic event must not double-count.
	cb, err := s.RecordRealizedPnL("t-dup", -40, types.PnLSettlement, 50)
	require.NoError(t, err)
	require.False(t, cb.Hit)
	require.InDelta(t, -40, cb.RealizedPnL, 1e-9)

	// A different pnl type for the same trade is a distinct event.
	cb, err = s.RecordRealizedPnL("t-dup", -15, types.PnLRebalance, 50)
	require.NoError(t, err)
	require.True(t, cb.Hit)
	require.InDelta(t, -55, cb.RealizedPnL, 1e-9)
}

func TestResetCircuitBreaker(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	cb, err := s.RecordRealizedPnL("t-big-loss", -80, types.PnLSettlement, 50)
	require.NoError(t, err)
	require.True(t, cb.Hit)

	require.NoError(t, s.ResetCircuitBreaker())

	cb, err = s.GetCircuitBreakerState()
	require.NoError(t, err)
	require.False(t, cb.Hit)
	require.Empty(t, cb.HitReason)
	// The ledger itself is untouched.
	require.InDelta(t, -80, cb.RealizedPnL, 1e-9)
}

func TestPnLHistoryCumulative(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.RecordRealizedPnL("h1", 0.5, types.PnLSettlement, 0)
	require.NoError(t, err)
	_, err = s.RecordRealizedPnL("h2", -0.2, types.PnLSettlement, 0)
	require.NoError(t, err)

	points, err := s.GetPnLHistory("all")
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.InDelta(t, 0.5, points[0].PnL, 1e-9)
	require.InDelta(t, 0.3, points[1].PnL, 1e-9)

	_, err = s.GetPnLHistory("bogus")
	require.Error(t, err)
}

func TestFillRecordsAndSlippage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SaveFillRecord(&FillRecord{
		TradeID:       "t1",
		TokenID:       "tokY",
		Side:          "YES",
		IntendedPrice: 0.47,
		FillPrice:     0.48,
		IntendedSize:  10,
		FillSize:      10,
	}))
	require.NoError(t, s.SaveFillRecord(&FillRecord{
		TradeID:       "t1",
		TokenID:       "tokN",
		Side:          "NO",
		IntendedPrice: 0.50,
		FillPrice:     0.50,
		IntendedSize:  10,
		FillSize:      8,
	}))

	stats, err := s.GetSlippageStats(7)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Fills)
	require.InDelta(t, 0.5, stats.AvgSlippageCents, 1e-9)
	require.InDelta(t, 1.0, stats.MaxSlippageCents, 1e-9)
	require.InDelta(t, 0.9, stats.AvgFillRate, 1e-9)
}

func TestMarketUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	m := &types.Market{
		ConditionID: "0xcond1",
		Slug:        "btc-updown-15m-1756200600",
		Question:    "Bitcoin Up or Down - August 26, 10:15AM-10:30AM ET",
		Asset:       "BTC",
		YesTokenID:  "111111",
		NoTokenID:   "222222",
		EndTime:     time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC),
		Active:      true,
	}
	require.NoError(t, s.SaveMarket(m))
	m.Question = "updated"
	require.NoError(t, s.SaveMarket(m))
}
