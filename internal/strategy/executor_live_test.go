package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polyarb/internal/config"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

// orderToken extracts the token ID from a POST /orders payload so venue
// handlers can answer per leg.
func orderToken(r *http.Request) string {
	var payloads []struct {
		Order struct {
			TokenID string `json:"tokenId"`
		} `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil || len(payloads) == 0 {
		return ""
	}
	return payloads[0].Order.TokenID
}

func liveExecutorFixture(t *testing.T, handler http.HandlerFunc, mutate ...func(*config.StrategyConfig)) (*Executor, *store.Store, *capturingEmitter, *capturingRegistrar) {
	t.Helper()
	cfg := config.Config{}
	cfg.Blackout = config.BlackoutConfig{Enabled: false}
	cfg.Strategy = config.StrategyConfig{
		MinSpread:                   0.02,
		MinTradeSizeUSD:             1,
		MaxTradeSizeUSD:             25,
		MaxDailyLossUSD:             50,
		MinHedgeRatio:               0.8,
		CriticalHedgeRatio:          0.5,
		MaxLiquidityConsumptionPct:  0.9,
		PriceBufferCents:            1,
		ParallelFillTimeout:         5 * time.Second,
		LiveOrderWait:               10 * time.Millisecond,
		PartialFillExitEnabled:      true,
		PartialFillMaxSlippageCents: 1,
	}
	for _, m := range mutate {
		m(&cfg.Strategy)
	}

	client := newVenueClient(t, handler)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	riskMgr := risk.NewManager(cfg, testLogger())
	require.Equal(t, types.ModeLive, riskMgr.Mode())

	tracker := market.NewTracker(cfg.Strategy.MinSpread*100, testLogger())
	queue := NewQueue(8, testLogger())
	gate := NewGate(cfg.Strategy, riskMgr, testLogger())
	rebalancer := NewRebalancer(client, cfg.Strategy, testLogger())
	emitter := &capturingEmitter{}
	registrar := &capturingRegistrar{}

	e := NewExecutor(cfg.Strategy, queue, gate, tracker, client, st, riskMgr,
		rebalancer, registrar, emitter, testLogger())
	return e, st, emitter, registrar
}

// liveProcess tracks the opportunity's book and runs it through the executor.
func liveProcess(e *Executor, opp *types.Opportunity) {
	trackFresh(e.tracker, *opp)
	e.process(context.Background(), opp)
}

func TestExecuteLiveFullFill(t *testing.T) {
	t.Parallel()
	e, st, _, registrar := liveExecutorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			if r.URL.Query().Get("token_id") == "111" {
				bookJSON(w, []types.PriceLevel{{Price: "0.45", Size: "100"}},
					[]types.PriceLevel{{Price: "0.47", Size: "100"}})
				return
			}
			bookJSON(w, []types.PriceLevel{{Price: "0.48", Size: "100"}},
				[]types.PriceLevel{{Price: "0.50", Size: "100"}})
		case "/orders":
			// Matched with no amount echo: the fill falls back to the
			// intended size and price.
			json.NewEncoder(w).Encode([]types.OrderResponse{{
				Success: true, OrderID: "ord", Status: "matched",
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})

	opp := validOpportunity(time.Now())
	liveProcess(e, &opp)

	trades, err := st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	rec := trades[0]
	require.False(t, rec.DryRun)
	require.Equal(t, types.ExecFullFill, rec.ExecutionStatus)
	require.Equal(t, 1.0, rec.HedgeRatio)
	// Budget 25 over combined 0.97, canonicalized to 2 decimals.
	require.InDelta(t, 25.77, rec.YesShares, 1e-9)
	require.InDelta(t, rec.YesShares, rec.NoShares, 1e-9)
	// Fills land at the buffered limit prices 0.48 / 0.51.
	require.InDelta(t, 25.77*0.48, rec.YesCost, 1e-9)
	require.InDelta(t, 25.77*0.51, rec.NoCost, 1e-9)
	require.InDelta(t, 25.77-rec.TotalCost(), rec.ExpectedProfit, 1e-9)

	require.Len(t, registrar.positions, 2)
}

func TestExecuteLivePartialFillHedgeCompleted(t *testing.T) {
	t.Parallel()
	var (
		st      *store.Store
		noPosts atomic.Int64
	)
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			tok := r.URL.Query().Get("token_id")
			if tok == "222" && noPosts.Load() >= 1 {
				// Rebalance-phase read: the one-legged trade must already
				// be durable before any recovery order goes out.
				trades, err := st.GetRecentTrades(5)
				if err != nil || len(trades) != 1 || trades[0].ExecutionStatus != types.ExecOneLegOnly {
					t.Errorf("one-legged state not persisted before recovery: err=%v trades=%+v", err, trades)
				}
			}
			if tok == "111" {
				bookJSON(w, []types.PriceLevel{{Price: "0.45", Size: "100"}},
					[]types.PriceLevel{{Price: "0.47", Size: "100"}})
				return
			}
			bookJSON(w, []types.PriceLevel{{Price: "0.48", Size: "100"}},
				[]types.PriceLevel{{Price: "0.50", Size: "100"}})
		case "/orders":
			if orderToken(r) == "222" && noPosts.Add(1) == 1 {
				// NO entry leg dies; the later hedge order succeeds.
				json.NewEncoder(w).Encode([]types.OrderResponse{{
					Success: false, ErrorMsg: "not enough balance / allowance",
				}})
				return
			}
			json.NewEncoder(w).Encode([]types.OrderResponse{{
				Success: true, OrderID: "ord", Status: "matched",
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}

	e, stGot, _, registrar := liveExecutorFixture(t, handler)
	st = stGot

	opp := validOpportunity(time.Now())
	liveProcess(e, &opp)

	trades, err := st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	rec := trades[0]
	require.Equal(t, types.ExecPartialFill, rec.ExecutionStatus)
	require.Equal(t, types.RebalanceHedgeCompleted, rec.RebalanceAction)
	require.InDelta(t, 25.77, rec.YesShares, 1e-9)
	require.InDelta(t, 25.77, rec.NoShares, 1e-9)
	require.Equal(t, 1.0, rec.HedgeRatio)
	require.Len(t, registrar.positions, 2)
}

func TestExecuteLiveHedgeRatioBelowMinimumMarksFailed(t *testing.T) {
	t.Parallel()
	e, st, _, _ := liveExecutorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			if r.URL.Query().Get("token_id") == "111" {
				bookJSON(w, []types.PriceLevel{{Price: "0.45", Size: "100"}},
					[]types.PriceLevel{{Price: "0.47", Size: "100"}})
				return
			}
			bookJSON(w, []types.PriceLevel{{Price: "0.48", Size: "100"}},
				[]types.PriceLevel{{Price: "0.50", Size: "100"}})
		case "/orders":
			if orderToken(r) == "222" {
				// NO leg only fills 10 of the intended shares.
				json.NewEncoder(w).Encode([]types.OrderResponse{{
					Success: true, OrderID: "ord-no", Status: "matched",
					MakingAmount: "5000000", TakingAmount: "10000000",
				}})
				return
			}
			json.NewEncoder(w).Encode([]types.OrderResponse{{
				Success: true, OrderID: "ord-yes", Status: "matched",
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})

	opp := validOpportunity(time.Now())
	liveProcess(e, &opp)

	trades, err := st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	rec := trades[0]
	require.Equal(t, types.ExecFailed, rec.ExecutionStatus)
	require.InDelta(t, 10.0/25.77, rec.HedgeRatio, 1e-9)
	require.Less(t, rec.HedgeRatio, e.cfg.MinHedgeRatio)
}

func TestExecuteLiveImbalanceAboveLimitMarksFailed(t *testing.T) {
	t.Parallel()
	e, st, _, _ := liveExecutorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			if r.URL.Query().Get("token_id") == "111" {
				bookJSON(w, []types.PriceLevel{{Price: "0.45", Size: "100"}},
					[]types.PriceLevel{{Price: "0.47", Size: "100"}})
				return
			}
			bookJSON(w, []types.PriceLevel{{Price: "0.48", Size: "100"}},
				[]types.PriceLevel{{Price: "0.50", Size: "100"}})
		case "/orders":
			if orderToken(r) == "222" {
				json.NewEncoder(w).Encode([]types.OrderResponse{{
					Success: true, OrderID: "ord-no", Status: "matched",
					MakingAmount: "10000000", TakingAmount: "20000000",
				}})
				return
			}
			json.NewEncoder(w).Encode([]types.OrderResponse{{
				Success: true, OrderID: "ord-yes", Status: "matched",
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})
	// Isolate the share-imbalance limit from the hedge-ratio floor:
	// 20/25.77 clears a 0.7 floor but the 5.77-share gap breaches the cap.
	e.cfg.MinHedgeRatio = 0.7
	e.cfg.MaxPositionImbalanceShares = 5

	opp := validOpportunity(time.Now())
	liveProcess(e, &opp)

	trades, err := st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, types.ExecFailed, trades[0].ExecutionStatus)
	require.Greater(t, trades[0].HedgeRatio, e.cfg.MinHedgeRatio)
}

func TestExecuteLiveRespectsPerWindowCap(t *testing.T) {
	t.Parallel()
	e, st, emitter, _ := liveExecutorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			if r.URL.Query().Get("token_id") == "111" {
				bookJSON(w, []types.PriceLevel{{Price: "0.45", Size: "100"}},
					[]types.PriceLevel{{Price: "0.47", Size: "100"}})
				return
			}
			bookJSON(w, []types.PriceLevel{{Price: "0.48", Size: "100"}},
				[]types.PriceLevel{{Price: "0.50", Size: "100"}})
		case "/orders":
			json.NewEncoder(w).Encode([]types.OrderResponse{{
				Success: true, OrderID: "ord", Status: "matched",
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})
	// First entry commits ~25.51; a second on the same window would breach.
	e.cfg.MaxPerWindowUSD = 30

	opp := validOpportunity(time.Now())
	liveProcess(e, &opp)

	opp2 := validOpportunity(time.Now())
	liveProcess(e, &opp2)

	trades, err := st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	last := emitter.decisions[len(emitter.decisions)-1]
	require.Equal(t, "window_exposure_cap", last.Reason)
}

func TestExecuteLiveHaltsOnUnhedgedExposure(t *testing.T) {
	t.Parallel()
	var noPosts atomic.Int64
	e, st, emitter, _ := liveExecutorFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			tok := r.URL.Query().Get("token_id")
			if tok == "222" && noPosts.Load() >= 1 {
				// Rebalance phase: ask too thin to complete the hedge.
				bookJSON(w, nil, []types.PriceLevel{{Price: "0.50", Size: "2"}})
				return
			}
			if tok == "111" {
				bookJSON(w, []types.PriceLevel{{Price: "0.45", Size: "100"}},
					[]types.PriceLevel{{Price: "0.47", Size: "100"}})
				return
			}
			bookJSON(w, []types.PriceLevel{{Price: "0.48", Size: "100"}},
				[]types.PriceLevel{{Price: "0.50", Size: "100"}})
		case "/orders":
			if orderToken(r) == "222" {
				noPosts.Add(1)
				json.NewEncoder(w).Encode([]types.OrderResponse{{
					Success: false, ErrorMsg: "market order rejected",
				}})
				return
			}
			json.NewEncoder(w).Encode([]types.OrderResponse{{
				Success: true, OrderID: "ord", Status: "matched",
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}, func(sc *config.StrategyConfig) {
		sc.PartialFillExitEnabled = false
		sc.MaxUnhedgedExposureUSD = 5
	})

	// First entry goes one-legged and is held naked (~12.37 exposed).
	opp := validOpportunity(time.Now())
	liveProcess(e, &opp)

	trades, err := st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, types.ExecOneLegOnly, trades[0].ExecutionStatus)
	require.Equal(t, types.RebalanceFailed, trades[0].RebalanceAction)

	// The naked value exceeds the halt threshold; no new entries.
	opp2 := validOpportunity(time.Now())
	liveProcess(e, &opp2)

	trades, err = st.GetRecentTrades(5)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	last := emitter.decisions[len(emitter.decisions)-1]
	require.Equal(t, "unhedged_exposure_cap", last.Reason)
}
