package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

// popTimeout bounds each queue wait so shutdown latency stays short.
const popTimeout = 100 * time.Millisecond

// PositionRegistrar receives positions created by fills, in addition to the
// durable settlement queue.
type PositionRegistrar interface {
	Register(p types.Position)
}

// Emitter pushes executor activity to the dashboard. Implementations must
// not block.
type Emitter interface {
	EmitDecision(d Decision)
	EmitTrade(t types.TradeRecord)
}

// Executor is the engine's single trade write path. It consumes the
// opportunity queue one entry at a time, so no two dual-leg submissions
// ever overlap (the pair's two legs are the only concurrent venue calls).
type Executor struct {
	cfg        config.StrategyConfig
	queue      *Queue
	gate       *Gate
	tracker    *market.Tracker
	client     *exchange.Client
	store      *store.Store
	risk       *risk.Manager
	rebalancer *Rebalancer
	registrar  PositionRegistrar
	emitter    Emitter
	logger     *slog.Logger

	balanceUSD atomic.Value // float64, refreshed by the engine
	now        func() time.Time

	capMu       sync.Mutex
	windowSpent map[string]windowSpend // per-condition capital committed
	unhedged    []windowSpend          // naked one-leg value still outstanding
}

// windowSpend is USD committed against one 15-minute window; entries expire
// with the market.
type windowSpend struct {
	usd float64
	end time.Time
}

// NewExecutor wires the trade path. registrar and emitter may be nil.
func NewExecutor(
	cfg config.StrategyConfig,
	queue *Queue,
	gate *Gate,
	tracker *market.Tracker,
	client *exchange.Client,
	st *store.Store,
	riskMgr *risk.Manager,
	rebalancer *Rebalancer,
	registrar PositionRegistrar,
	emitter Emitter,
	logger *slog.Logger,
) *Executor {
	e := &Executor{
		cfg:         cfg,
		queue:       queue,
		gate:        gate,
		tracker:     tracker,
		client:      client,
		store:       st,
		risk:        riskMgr,
		rebalancer:  rebalancer,
		registrar:   registrar,
		emitter:     emitter,
		logger:      logger.With("component", "executor"),
		now:         time.Now,
		windowSpent: make(map[string]windowSpend),
	}
	e.balanceUSD.Store(0.0)
	return e
}

// SetEmitter attaches the dashboard push interface. Call before Run.
func (e *Executor) SetEmitter(em Emitter) {
	e.emitter = em
}

// SetBalance updates the cached wallet balance used for budget sizing.
func (e *Executor) SetBalance(usd float64) {
	e.balanceUSD.Store(usd)
}

// Run consumes the queue until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("executor started")
	for {
		opp, ok := e.queue.Pop(ctx, popTimeout)
		if ctx.Err() != nil {
			e.logger.Info("executor stopped")
			return
		}
		if !ok {
			continue
		}
		e.process(ctx, &opp)
	}
}

// budget returns the capital available for the next trade.
func (e *Executor) budget() float64 {
	balance, _ := e.balanceUSD.Load().(float64)
	budget := e.cfg.MaxTradeSizeUSD
	if e.cfg.BalanceSizingEnabled && balance > 0 {
		budget = balance * e.cfg.BalanceSizingPct
	}
	if balance > 0 && budget > balance {
		budget = balance
	}
	return budget
}

func (e *Executor) process(ctx context.Context, opp *types.Opportunity) {
	if err := e.store.UpdateDailyStats("", store.StatsDelta{OpportunitiesSeen: 1}); err != nil {
		e.logger.Warn("stats update failed", "error", err)
	}

	mode := e.risk.Mode()
	budget := e.budget()

	decision := e.gate.Check(opp, mode, budget)
	e.emitDecision(decision)
	if !decision.Allowed {
		e.logger.Debug("opportunity rejected",
			"condition_id", opp.Market.ConditionID, "reason", decision.Reason, "detail", decision.Detail)
		return
	}

	// The queued snapshot may be seconds old; the live state decides.
	if state, ok := e.tracker.GetState(opp.Market.ConditionID); ok {
		now := e.now()
		if state.IsStale(now) {
			e.skip(opp, mode, "stale_book", "no recent book update")
			return
		}
		if state.SpreadCents() < e.cfg.MinSpread*100 {
			e.skip(opp, mode, "spread_gone",
				"live spread below threshold")
			return
		}
	}

	// Depth for sizing (and telemetry). Simulated modes size against the
	// intended prices alone and never touch the venue.
	var yesDepth, noDepth float64
	if mode == types.ModeLive {
		yesDepth = e.fetchDepth(ctx, opp, opp.Market.YesTokenID, "YES")
		noDepth = e.fetchDepth(ctx, opp, opp.Market.NoTokenID, "NO")
	}

	sized := ComputeSize(e.cfg, budget, opp.YesPrice, opp.NoPrice, yesDepth, noDepth)
	if sized.Reject != "" {
		e.skip(opp, mode, "sizing", sized.Reject)
		return
	}

	if mode.Simulated() {
		e.simulate(opp, sized, mode)
		return
	}

	if reason, detail := e.checkLiveCaps(opp, sized); reason != "" {
		e.skip(opp, mode, reason, detail)
		return
	}
	e.executeLive(ctx, opp, sized, yesDepth, noDepth)
}

// checkLiveCaps enforces the per-window commitment cap and the naked
// exposure halt. Both counters live in this process and reset on restart;
// the gate's daily exposure cap is the durable backstop.
func (e *Executor) checkLiveCaps(opp *types.Opportunity, sized SizeResult) (reason, detail string) {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	e.pruneExpiredLocked()

	if limit := e.cfg.MaxPerWindowUSD; limit > 0 {
		spent := e.windowSpent[opp.Market.ConditionID].usd
		if spent+sized.TotalUSD() > limit {
			return "window_exposure_cap", fmt.Sprintf(
				"%.2f committed + %.2f planned > %.2f", spent, sized.TotalUSD(), limit)
		}
	}
	if limit := e.cfg.MaxUnhedgedExposureUSD; limit > 0 {
		var naked float64
		for _, u := range e.unhedged {
			naked += u.usd
		}
		if naked >= limit {
			return "unhedged_exposure_cap",
				fmt.Sprintf("%.2f naked >= %.2f", naked, limit)
		}
	}
	return "", ""
}

// pruneExpiredLocked drops window and naked entries whose market has ended;
// a naked leg stops being live exposure once the market resolves.
func (e *Executor) pruneExpiredLocked() {
	now := e.now()
	for id, w := range e.windowSpent {
		if w.end.Before(now) {
			delete(e.windowSpent, id)
		}
	}
	kept := e.unhedged[:0]
	for _, u := range e.unhedged {
		if !u.end.Before(now) {
			kept = append(kept, u)
		}
	}
	e.unhedged = kept
}

func (e *Executor) noteWindowSpend(rec *types.TradeRecord) {
	cost := rec.TotalCost()
	if cost <= 0 {
		return
	}
	e.capMu.Lock()
	w := e.windowSpent[rec.ConditionID]
	w.usd += cost
	w.end = rec.MarketEndTime
	e.windowSpent[rec.ConditionID] = w
	e.capMu.Unlock()
}

func (e *Executor) noteUnhedged(usd float64, end time.Time) {
	if usd <= 0 {
		return
	}
	e.capMu.Lock()
	e.unhedged = append(e.unhedged, windowSpend{usd: usd, end: end})
	e.capMu.Unlock()
}

// fetchDepth reads one side's book, records a liquidity snapshot, and
// returns top-3 ask depth. Zero on failure; the sizer then skips the shrink
// and the dual-leg preconditions still protect the submit.
func (e *Executor) fetchDepth(ctx context.Context, opp *types.Opportunity, tokenID, side string) float64 {
	book, err := e.client.GetOrderBook(ctx, tokenID)
	if err != nil {
		e.logger.Warn("depth fetch failed", "token_id", tokenID, "error", err)
		return 0
	}
	depth := exchange.DepthTopN(book.Asks, 3)
	if bestPrice, bestSize, ok := exchange.BestLevel(book.Asks); ok {
		if err := e.store.SaveLiquiditySnapshot(opp.Market.ConditionID, tokenID, side, bestPrice, bestSize, depth); err != nil {
			e.logger.Debug("liquidity snapshot failed", "error", err)
		}
	}
	return depth
}

// simulate records what the trade would have been, at the intended prices,
// without touching the venue. All non-live modes share this path.
func (e *Executor) simulate(opp *types.Opportunity, sized SizeResult, mode types.TradingMode) {
	now := e.now()
	rec := types.TradeRecord{
		TradeID:         uuid.NewString(),
		ConditionID:     opp.Market.ConditionID,
		Asset:           opp.Market.Asset,
		MarketSlug:      opp.Market.Slug,
		MarketEndTime:   opp.Market.EndTime,
		YesTokenID:      opp.Market.YesTokenID,
		NoTokenID:       opp.Market.NoTokenID,
		YesPrice:        opp.YesPrice,
		NoPrice:         opp.NoPrice,
		YesCost:         sized.YesUSD,
		NoCost:          sized.NoUSD,
		YesShares:       sized.Pairs,
		NoShares:        sized.Pairs,
		YesOrderStatus:  types.OrderSimulated,
		NoOrderStatus:   types.OrderSimulated,
		HedgeRatio:      1,
		ExecutionStatus: types.ExecFullFill,
		ExpectedProfit:  sized.Pairs - sized.TotalUSD(),
		Status:          types.TradePending,
		DryRun:          true,
		CreatedAt:       now,
	}

	if err := e.store.SaveTrade(&rec); err != nil {
		e.logger.Error("save simulated trade failed", "error", err)
		return
	}
	if err := e.store.UpdateDailyStats("", store.StatsDelta{Trades: 1, OpportunitiesTaken: 1}); err != nil {
		e.logger.Warn("stats update failed", "error", err)
	}
	e.logger.Info("simulated trade recorded",
		"mode", mode,
		"condition_id", rec.ConditionID,
		"pairs", sized.Pairs,
		"expected_profit", rec.ExpectedProfit,
	)
	e.emitTrade(rec)
}

// executeLive runs the sized trade for real, tranche by tranche, and
// persists exactly one aggregated TradeRecord.
func (e *Executor) executeLive(ctx context.Context, opp *types.Opportunity, sized SizeResult, yesDepth, noDepth float64) {
	rec := types.TradeRecord{
		TradeID:        uuid.NewString(),
		ConditionID:    opp.Market.ConditionID,
		Asset:          opp.Market.Asset,
		MarketSlug:     opp.Market.Slug,
		MarketEndTime:  opp.Market.EndTime,
		YesTokenID:     opp.Market.YesTokenID,
		NoTokenID:      opp.Market.NoTokenID,
		YesPrice:       opp.YesPrice,
		NoPrice:        opp.NoPrice,
		YesOrderStatus: types.OrderFailed,
		NoOrderStatus:  types.OrderFailed,
		Status:         types.TradePending,
		YesDepth:       yesDepth,
		NoDepth:        noDepth,
		CreatedAt:      e.now(),
	}

	tranches := SplitTranches(e.cfg, sized, opp.SpreadCents)
	for i, tranche := range tranches {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.GradualEntryDelay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		result, err := e.client.ExecuteDualLegParallel(ctx, exchange.DualLegRequest{
			YesTokenID:     opp.Market.YesTokenID,
			NoTokenID:      opp.Market.NoTokenID,
			YesPrice:       opp.YesPrice,
			NoPrice:        opp.NoPrice,
			YesUSD:         tranche.YesUSD,
			NoUSD:          tranche.NoUSD,
			PriceBuffer:    e.cfg.PriceBufferCents / 100,
			MaxConsumption: e.cfg.MaxLiquidityConsumptionPct,
			PairTimeout:    e.cfg.ParallelFillTimeout,
			LiveWait:       e.cfg.LiveOrderWait,
		})
		if err != nil {
			e.logger.Error("dual-leg execution error", "error", err)
			break
		}
		if result.Reject != "" {
			e.logger.Info("dual-leg rejected", "reason", result.Reject, "tranche", i)
			break
		}

		e.foldLeg(&rec, result.Yes, true)
		e.foldLeg(&rec, result.No, false)

		if result.Partial {
			e.handlePartial(ctx, &rec, result)
			break
		}
		if !result.Success() {
			break
		}
	}

	e.finalize(&rec)
}

// foldLeg accumulates one leg's fill into the aggregate record.
func (e *Executor) foldLeg(rec *types.TradeRecord, leg types.OrderResult, isYes bool) {
	if isYes {
		rec.YesOrderStatus = leg.Status
	} else {
		rec.NoOrderStatus = leg.Status
	}
	if !leg.Status.Executed() || leg.FilledSize <= 0 {
		return
	}

	cost := leg.FilledSize * leg.AvgPrice
	if isYes {
		rec.YesShares += leg.FilledSize
		rec.YesCost += cost
	} else {
		rec.NoShares += leg.FilledSize
		rec.NoCost += cost
	}

	tokenID := rec.NoTokenID
	side := "NO"
	if isYes {
		tokenID = rec.YesTokenID
		side = "YES"
	}
	if err := e.store.SaveFillRecord(&store.FillRecord{
		TradeID:       rec.TradeID,
		TokenID:       tokenID,
		Side:          side,
		IntendedPrice: leg.Intended.Price,
		FillPrice:     leg.AvgPrice,
		IntendedSize:  leg.Intended.Size,
		FillSize:      leg.FilledSize,
	}); err != nil {
		e.logger.Debug("fill record failed", "error", err)
	}
}

// handlePartial escalates a one-legged fill to the rebalancer and applies
// the outcome to the aggregate record.
func (e *Executor) handlePartial(ctx context.Context, rec *types.TradeRecord, result *exchange.DualLegResult) {
	yesFilled := result.Yes.Status.Executed() && result.Yes.FilledSize > 0

	var filledTokenID, unfilledTokenID string
	var filledShares, filledPrice float64
	if yesFilled {
		filledTokenID, unfilledTokenID = rec.YesTokenID, rec.NoTokenID
		filledShares, filledPrice = result.Yes.FilledSize, result.Yes.AvgPrice
	} else {
		filledTokenID, unfilledTokenID = rec.NoTokenID, rec.YesTokenID
		filledShares, filledPrice = result.No.FilledSize, result.No.AvgPrice
	}

	e.logger.Warn("partial fill, rebalancing",
		"trade_id", rec.TradeID,
		"filled_side", map[bool]string{true: "YES", false: "NO"}[yesFilled],
		"shares", filledShares,
	)

	// The one-legged state is durable before any recovery order goes out;
	// a crash mid-rebalance must not lose the naked position.
	rec.ExecutionStatus = types.ExecOneLegOnly
	rec.HedgeRatio = types.HedgeRatio(rec.YesShares, rec.NoShares)
	if err := e.store.SaveTrade(rec); err != nil {
		e.logger.Error("save partial trade failed", "trade_id", rec.TradeID, "error", err)
	}

	rb, err := e.rebalancer.Resolve(ctx, filledTokenID, unfilledTokenID, filledShares, filledPrice)
	if err != nil {
		e.logger.Error("rebalance error", "error", err)
		rec.RebalanceAction = types.RebalanceFailed
		e.noteUnhedged(filledShares*filledPrice, rec.MarketEndTime)
		return
	}
	rec.RebalanceAction = rb.Action

	switch rb.Action {
	case types.RebalanceHedgeCompleted:
		if yesFilled {
			rec.NoShares += rb.HedgeShares
			rec.NoCost += rb.HedgeCost
			rec.NoOrderStatus = types.OrderMatched
		} else {
			rec.YesShares += rb.HedgeShares
			rec.YesCost += rb.HedgeCost
			rec.YesOrderStatus = types.OrderMatched
		}

	case types.RebalanceExited:
		// Filled leg sold; nothing goes to settlement, the loss is realized
		// now and counts against the daily breaker.
		if yesFilled {
			rec.YesShares = 0
		} else {
			rec.NoShares = 0
		}
		rec.ActualProfit = rb.PnL
		rec.Status = types.TradeLoss
		resolvedAt := e.now()
		rec.ResolvedAt = &resolvedAt

		cb, err := e.store.RecordRealizedPnL(rec.TradeID, rb.PnL, types.PnLRebalance, e.cfg.MaxDailyLossUSD)
		if err != nil {
			e.logger.Error("record rebalance pnl failed", "error", err)
		} else {
			e.risk.SetBreakerState(*cb)
		}

	case types.RebalanceFailed:
		e.logger.Error("rebalance failed, naked position held",
			"trade_id", rec.TradeID, "detail", rb.Detail)
		e.noteUnhedged(filledShares*filledPrice, rec.MarketEndTime)
	}
}

// finalize classifies, enforces the hedge floor, persists, and registers
// positions for settlement.
func (e *Executor) finalize(rec *types.TradeRecord) {
	rec.HedgeRatio = types.HedgeRatio(rec.YesShares, rec.NoShares)

	switch {
	case rec.RebalanceAction == types.RebalanceFailed:
		rec.ExecutionStatus = types.ExecOneLegOnly
	case rec.RebalanceAction != types.RebalanceNone:
		rec.ExecutionStatus = types.ExecPartialFill
	case rec.YesShares > 0 && rec.NoShares > 0:
		rec.ExecutionStatus = types.ExecFullFill
	default:
		rec.ExecutionStatus = types.ExecFailed
	}

	if rec.YesShares > 0 && rec.NoShares > 0 {
		pairs := min(rec.YesShares, rec.NoShares)
		rec.ExpectedProfit = pairs - rec.TotalCost()

		if rec.HedgeRatio < e.cfg.CriticalHedgeRatio {
			e.logger.Error("CRITICAL: hedge ratio below critical floor",
				"trade_id", rec.TradeID, "hedge_ratio", rec.HedgeRatio)
		}
		if rec.HedgeRatio < e.cfg.MinHedgeRatio {
			e.logger.Error("hedge ratio below minimum, marking trade failed",
				"trade_id", rec.TradeID, "hedge_ratio", rec.HedgeRatio,
				"min", e.cfg.MinHedgeRatio)
			rec.ExecutionStatus = types.ExecFailed
		}
		imbalance := math.Abs(rec.YesShares - rec.NoShares)
		if limit := e.cfg.MaxPositionImbalanceShares; limit > 0 && imbalance > limit {
			e.logger.Error("share imbalance above limit, marking trade failed",
				"trade_id", rec.TradeID, "imbalance", imbalance, "max", limit)
			rec.ExecutionStatus = types.ExecFailed
		}
	}

	if err := e.store.SaveTrade(rec); err != nil {
		e.logger.Error("save trade failed", "trade_id", rec.TradeID, "error", err)
	}

	delta := store.StatsDelta{Trades: 1, OpportunitiesTaken: 1, Exposure: rec.TotalCost()}
	if err := e.store.UpdateDailyStats("", delta); err != nil {
		e.logger.Warn("stats update failed", "error", err)
	}
	e.risk.AddExposure(rec.TotalCost())
	e.noteWindowSpend(rec)

	e.registerPositions(rec)
	e.emitTrade(*rec)

	e.logger.Info("trade recorded",
		"trade_id", rec.TradeID,
		"execution_status", rec.ExecutionStatus,
		"yes_shares", rec.YesShares,
		"no_shares", rec.NoShares,
		"hedge_ratio", rec.HedgeRatio,
		"expected_profit", rec.ExpectedProfit,
	)
}

// registerPositions persists every non-zero leg to the settlement queue and
// the in-memory registry.
func (e *Executor) registerPositions(rec *types.TradeRecord) {
	legs := []struct {
		shares  float64
		cost    float64
		price   float64
		tokenID string
		side    string
	}{
		{rec.YesShares, rec.YesCost, rec.YesPrice, rec.YesTokenID, "YES"},
		{rec.NoShares, rec.NoCost, rec.NoPrice, rec.NoTokenID, "NO"},
	}

	for _, leg := range legs {
		if leg.shares <= 0 {
			continue
		}
		entryPrice := leg.price
		if leg.shares > 0 && leg.cost > 0 {
			entryPrice = leg.cost / leg.shares
		}
		pos := types.Position{
			TradeID:       rec.TradeID,
			ConditionID:   rec.ConditionID,
			TokenID:       leg.tokenID,
			Side:          leg.side,
			Asset:         rec.Asset,
			Shares:        leg.shares,
			EntryPrice:    entryPrice,
			EntryCost:     leg.cost,
			MarketEndTime: rec.MarketEndTime,
		}
		if err := e.store.AddToSettlementQueue(&pos); err != nil {
			e.logger.Error("settlement enqueue failed",
				"trade_id", rec.TradeID, "token_id", leg.tokenID, "error", err)
		}
		if e.registrar != nil {
			e.registrar.Register(pos)
		}
	}
}

func (e *Executor) skip(opp *types.Opportunity, mode types.TradingMode, reason, detail string) {
	d := Decision{
		Reason:      reason,
		Detail:      detail,
		ConditionID: opp.Market.ConditionID,
		Asset:       opp.Market.Asset,
		YesPrice:    opp.YesPrice,
		NoPrice:     opp.NoPrice,
		SpreadCents: opp.SpreadCents,
		Mode:        string(mode),
		At:          e.now(),
	}
	e.emitDecision(d)
	e.logger.Debug("opportunity skipped", "condition_id", opp.Market.ConditionID, "reason", reason)
}

func (e *Executor) emitDecision(d Decision) {
	if e.emitter != nil {
		e.emitter.EmitDecision(d)
	}
}

func (e *Executor) emitTrade(t types.TradeRecord) {
	if e.emitter != nil {
		e.emitter.EmitTrade(t)
	}
}
