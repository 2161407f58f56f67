package market

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMarket(end time.Time) types.Market {
	return types.Market{
		ConditionID: "0xcond1",
		Slug:        "btc-updown-15m-1765100700",
		Asset:       "BTC",
		YesTokenID:  "1111111111",
		NoTokenID:   "2222222222",
		StartTime:   end.Add(-15 * time.Minute),
		EndTime:     end,
		Active:      true,
	}
}

func bookEvent(tokenID, bid, ask string) types.WSBookEvent {
	evt := types.WSBookEvent{EventType: "book", AssetID: tokenID}
	if bid != "" {
		evt.Buys = []types.PriceLevel{{Price: bid, Size: "100"}}
	}
	if ask != "" {
		evt.Sells = []types.PriceLevel{{Price: ask, Size: "100"}}
	}
	return evt
}

func TestTrackMarketSentinelInit(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	tr.TrackMarket(testMarket(time.Now().Add(10 * time.Minute)))

	st, ok := tr.GetState("0xcond1")
	require.True(t, ok)
	require.Equal(t, sentinelBid, st.YesBid)
	require.Equal(t, sentinelAsk, st.YesAsk)
	require.Equal(t, sentinelBid, st.NoBid)
	require.Equal(t, sentinelAsk, st.NoAsk)
	require.False(t, st.HasBothAsks())
	require.True(t, st.IsStale(time.Now()))
}

func TestApplyBookEventUpdatesState(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)

	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.47"))
	tr.ApplyBookEvent(bookEvent(m.NoTokenID, "0.48", "0.50"))

	st, ok := tr.GetState(m.ConditionID)
	require.True(t, ok)
	require.Equal(t, 0.47, st.YesAsk)
	require.Equal(t, 0.50, st.NoAsk)
	require.True(t, st.HasBothAsks())
	require.InDelta(t, 3.0, st.SpreadCents(), 1e-9)
	require.False(t, st.IsStale(time.Now()))
}

func TestApplyBookEventEmptySideResetsToSentinel(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)

	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.47"))
	// A full snapshot with no asks means the side is genuinely empty.
	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.46", ""))

	st, _ := tr.GetState(m.ConditionID)
	require.Equal(t, 0.46, st.YesBid)
	require.Equal(t, sentinelAsk, st.YesAsk)
}

func TestApplyPriceChangePreservesOmittedSide(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)
	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.47"))

	// Delta with only a bid: the known ask must survive.
	tr.ApplyPriceChange(types.WSPriceChangeEvent{
		EventType: "price_change",
		PriceChanges: []types.WSPriceChange{
			{AssetID: m.YesTokenID, BestBid: "0.46"},
		},
	})

	st, _ := tr.GetState(m.ConditionID)
	require.Equal(t, 0.46, st.YesBid)
	require.Equal(t, 0.47, st.YesAsk)
}

func TestTokenPrefixResolution(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)

	// Feed IDs sometimes arrive truncated relative to the metadata API.
	tr.ApplyBookEvent(bookEvent(m.YesTokenID[:6], "0.45", "0.47"))

	st, _ := tr.GetState(m.ConditionID)
	require.Equal(t, 0.47, st.YesAsk)

	// Unknown tokens are ignored without disturbing state.
	tr.ApplyBookEvent(bookEvent("9999999999", "0.10", "0.11"))
	st, _ = tr.GetState(m.ConditionID)
	require.Equal(t, 0.47, st.YesAsk)
}

func TestOpportunityEmission(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)

	var got []types.Opportunity
	tr.OnOpportunity(func(opp types.Opportunity) { got = append(got, opp) })

	// One real side only: no emission regardless of numbers.
	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.47"))
	require.Empty(t, got)

	// Both asks real, spread 3¢ ≥ 2¢ threshold.
	tr.ApplyBookEvent(bookEvent(m.NoTokenID, "0.48", "0.50"))
	require.Len(t, got, 1)
	require.Equal(t, m.ConditionID, got[0].Market.ConditionID)
	require.Equal(t, 0.47, got[0].YesPrice)
	require.Equal(t, 0.50, got[0].NoPrice)
	require.InDelta(t, 3.0, got[0].SpreadCents, 1e-9)
	require.False(t, got[0].DetectedAt.IsZero())
}

func TestOpportunityBelowThresholdNotEmitted(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)

	emitted := 0
	tr.OnOpportunity(func(types.Opportunity) { emitted++ })

	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.48", "0.50"))
	tr.ApplyBookEvent(bookEvent(m.NoTokenID, "0.47", "0.49"))
	require.Zero(t, emitted)
}

func TestUntrackExpired(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	now := time.Now()

	expired := testMarket(now.Add(-time.Minute))
	live := testMarket(now.Add(10 * time.Minute))
	live.ConditionID = "0xcond2"
	live.YesTokenID = "3333333333"
	live.NoTokenID = "4444444444"
	tr.TrackMarket(expired)
	tr.TrackMarket(live)

	dropped := tr.UntrackExpired()
	require.ElementsMatch(t, []string{expired.YesTokenID, expired.NoTokenID}, dropped)

	_, ok := tr.GetState(expired.ConditionID)
	require.False(t, ok)
	_, ok = tr.GetState(live.ConditionID)
	require.True(t, ok)
	require.ElementsMatch(t, []string{live.YesTokenID, live.NoTokenID}, tr.TrackedTokenIDs())

	// Dropped tokens no longer route events.
	tr.ApplyBookEvent(bookEvent(expired.YesTokenID, "0.45", "0.47"))
	_, ok = tr.GetState(expired.ConditionID)
	require.False(t, ok)
}

func TestStateObserverRateLimited(t *testing.T) {
	t.Parallel()
	tr := NewTracker(2, testLogger())
	m := testMarket(time.Now().Add(10 * time.Minute))
	tr.TrackMarket(m)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	emits := 0
	tr.OnStateChange(func(MarketState) { emits++ })

	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.47"))
	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.48"))
	require.Equal(t, 1, emits, "second emit inside the interval must be suppressed")

	clock = clock.Add(stateEmitInterval + time.Millisecond)
	tr.ApplyBookEvent(bookEvent(m.YesTokenID, "0.45", "0.49"))
	require.Equal(t, 2, emits)
}

func TestParseQuoteFallback(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.55, parseQuote("0.55", 1))
	require.Equal(t, 1.0, parseQuote("", 1))
	require.Equal(t, 0.0, parseQuote("bogus", 0))
}
