package settle

import (
	"context"
	"log/slog"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

// Worker redeems resolved positions on-chain. One pass per scheduler tick:
// claimable positions are grouped by condition (redemption claims every
// outcome token of a condition in a single transaction), redeemed, and the
// proceeds attributed back to trades as settlement PnL.
type Worker struct {
	cfg          config.SettlementConfig
	store        *store.Store
	chain        *exchange.ChainClient
	registry     *Registry
	risk         *risk.Manager
	maxDailyLoss float64
	dryRun       bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewWorker wires the settlement pass. chain may be nil only in dry-run.
func NewWorker(
	cfg config.SettlementConfig,
	st *store.Store,
	chain *exchange.ChainClient,
	registry *Registry,
	riskMgr *risk.Manager,
	maxDailyLoss float64,
	dryRun bool,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		cfg:          cfg,
		store:        st,
		chain:        chain,
		registry:     registry,
		risk:         riskMgr,
		maxDailyLoss: maxDailyLoss,
		dryRun:       dryRun,
		logger:       logger.With("component", "settlement"),
		now:          time.Now,
	}
}

// Rehydrate loads unclaimed positions from the store into the registry.
// Called once at startup so the in-memory view survives restarts.
func (w *Worker) Rehydrate() error {
	positions, err := w.store.GetUnclaimedPositions()
	if err != nil {
		return err
	}
	for _, p := range positions {
		w.registry.Register(p)
	}
	if len(positions) > 0 {
		w.logger.Info("rehydrated open positions", "count", len(positions))
	}
	return nil
}

// RunOnce performs one settlement pass.
func (w *Worker) RunOnce(ctx context.Context) {
	positions, err := w.store.GetClaimablePositions(w.cfg.GraceMinutes, w.cfg.MaxClaimAttempts)
	if err != nil {
		w.logger.Error("load claimable positions failed", "error", err)
		return
	}
	if len(positions) == 0 {
		return
	}

	groups := make(map[string][]types.Position)
	for _, p := range positions {
		groups[p.ConditionID] = append(groups[p.ConditionID], p)
	}
	w.logger.Info("settlement pass", "positions", len(positions), "conditions", len(groups))

	for conditionID, group := range groups {
		if ctx.Err() != nil {
			return
		}
		w.redeemCondition(ctx, conditionID, group)
	}
}

// redeemCondition claims one condition's tokens and books the results.
func (w *Worker) redeemCondition(ctx context.Context, conditionID string, group []types.Position) {
	if w.dryRun {
		w.logger.Info("dry run, skipping on-chain redemption",
			"condition_id", conditionID, "positions", len(group))
		return
	}

	redeemCtx, cancel := context.WithTimeout(ctx, w.cfg.RedeemTimeout)
	defer cancel()

	result, err := w.chain.RedeemPositions(redeemCtx, conditionID)
	if err != nil {
		w.logger.Error("redemption failed",
			"condition_id", conditionID, "error", err)
		for _, p := range group {
			if rerr := w.store.RecordClaimAttempt(p.TradeID, p.TokenID, err.Error()); rerr != nil {
				w.logger.Warn("record claim attempt failed", "error", rerr)
			}
		}
		return
	}

	w.logger.Info("redemption confirmed",
		"condition_id", conditionID,
		"tx_hash", result.TxHash,
		"proceeds_usd", result.ProceedsUSD,
		"gas_used", result.GasUsed,
	)
	w.book(conditionID, group, result.ProceedsUSD)
}

// book attributes redemption proceeds to positions and trades.
//
// The transaction yields one collateral delta for the whole condition; which
// side won is inferred by comparing the proceeds against each side's total
// share count (winning shares pay $1 each, losing shares pay nothing).
func (w *Worker) book(conditionID string, group []types.Position, proceedsUSD float64) {
	var yesShares, noShares float64
	for _, p := range group {
		if p.Side == "YES" {
			yesShares += p.Shares
		} else {
			noShares += p.Shares
		}
	}
	winningSide := inferWinner(proceedsUSD, yesShares, noShares)

	// Per-trade profit so the realized-PnL ledger stays one entry per trade.
	type tradeTotals struct {
		payout float64
		cost   float64
	}
	trades := make(map[string]*tradeTotals)

	for _, p := range group {
		payout := 0.0
		if p.Side == winningSide {
			payout = p.Shares
		}
		profit := payout - p.EntryCost

		if err := w.store.MarkPositionClaimed(p.TradeID, p.TokenID, payout, profit); err != nil {
			w.logger.Error("mark position claimed failed",
				"trade_id", p.TradeID, "token_id", p.TokenID, "error", err)
			continue
		}
		w.registry.Remove(p.TradeID, p.TokenID)

		tt := trades[p.TradeID]
		if tt == nil {
			tt = &tradeTotals{}
			trades[p.TradeID] = tt
		}
		tt.payout += payout
		tt.cost += p.EntryCost
	}

	for tradeID, tt := range trades {
		pnl := tt.payout - tt.cost
		won := pnl > 0

		cb, err := w.store.RecordRealizedPnL(tradeID, pnl, types.PnLSettlement, w.maxDailyLoss)
		if err != nil {
			w.logger.Error("record settlement pnl failed", "trade_id", tradeID, "error", err)
		} else {
			w.risk.SetBreakerState(*cb)
		}

		if err := w.store.ResolveTrade(tradeID, won, pnl); err != nil {
			w.logger.Warn("resolve trade failed", "trade_id", tradeID, "error", err)
		}

		delta := store.StatsDelta{PnL: pnl}
		if won {
			delta.Wins = 1
		} else {
			delta.Losses = 1
		}
		if err := w.store.UpdateDailyStats("", delta); err != nil {
			w.logger.Warn("stats update failed", "error", err)
		}

		w.logger.Info("trade settled",
			"trade_id", tradeID,
			"condition_id", conditionID,
			"winning_side", winningSide,
			"pnl", pnl,
		)
	}
}

// inferWinner picks the side whose total share count better explains the
// observed proceeds.
func inferWinner(proceedsUSD, yesShares, noShares float64) string {
	yesDiff := proceedsUSD - yesShares
	if yesDiff < 0 {
		yesDiff = -yesDiff
	}
	noDiff := proceedsUSD - noShares
	if noDiff < 0 {
		noDiff = -noDiff
	}
	if yesDiff <= noDiff {
		return "YES"
	}
	return "NO"
}
