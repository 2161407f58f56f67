package api

import (
	"log/slog"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/settle"
	"polyarb/internal/store"
	"polyarb/internal/strategy"
)

// StateProvider gives the dashboard read access to live engine state.
type StateProvider interface {
	Tracker() *market.Tracker
	RiskManager() *risk.Manager
	Registry() *settle.Registry
	Queue() *strategy.Queue
	BalanceUSD() float64
}

// BuildSnapshot aggregates live and stored state into one dashboard view.
func BuildSnapshot(provider StateProvider, st *store.Store, cfg config.Config, logger *slog.Logger) Snapshot {
	now := time.Now()
	tracker := provider.Tracker()
	riskMgr := provider.RiskManager()
	queue := provider.Queue()

	states := tracker.States()
	markets := make([]MarketStatus, 0, len(states))
	for _, s := range states {
		m, ok := tracker.GetMarket(s.ConditionID)
		if !ok {
			continue
		}
		markets = append(markets, marketStatus(m, s, now))
	}

	snap := Snapshot{
		Timestamp:  now,
		Mode:       string(riskMgr.Mode()),
		BalanceUSD: provider.BalanceUSD(),
		Markets:    markets,
		Positions:  provider.Registry().Open(),
		Breaker:    riskMgr.BreakerState(),
		Queue: QueueInfo{
			Depth:   queue.Len(),
			Dropped: queue.Dropped(),
			Expired: queue.Expired(),
		},
		Config: NewConfigSummary(cfg),
	}

	if today, err := st.GetTodayStats(); err != nil {
		logger.Warn("today stats unavailable", "error", err)
	} else {
		snap.Today = *today
	}
	if allTime, err := st.GetAllTimeStats(); err != nil {
		logger.Warn("all-time stats unavailable", "error", err)
	} else {
		snap.AllTime = *allTime
	}
	return snap
}
