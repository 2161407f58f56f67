// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. Discovery finds the live 15-minute markets for each configured asset.
//  2. The tracker mirrors both sides' best quotes from the WebSocket feed
//     and emits opportunities when yes_ask + no_ask drops below $1.
//  3. A bounded queue hands opportunities to the executor, the single
//     trade write path (gate → size → dual-leg submit → persist).
//  4. The risk manager resolves the process mode (blackout, breaker,
//     dry-run, live); every mode except live routes through simulation.
//  5. The settlement worker redeems resolved positions on-chain.
//
// Periodic work (market refresh, balance refresh, blackout checks,
// settlement passes, telemetry cleanup) runs on a cron scheduler.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"polyarb/internal/api"
	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/settle"
	"polyarb/internal/store"
	"polyarb/internal/strategy"
	"polyarb/pkg/types"
)

const (
	queueCapacity      = 256
	telemetryKeepDays  = 30
	shutdownCancelWait = 10 * time.Second
)

// Engine owns every component and all background goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	auth      *exchange.Auth
	client    *exchange.Client
	chain     *exchange.ChainClient
	feed      *exchange.WSFeed
	discovery *market.Discovery
	tracker   *market.Tracker
	riskMgr   *risk.Manager
	store     *store.Store
	queue     *strategy.Queue
	executor  *strategy.Executor
	registry  *settle.Registry
	settler   *settle.Worker
	cron      *cron.Cron

	emitter *api.Emitter // nil when the dashboard is disabled

	balanceMu  sync.RWMutex
	balanceUSD float64

	lastMode types.TradingMode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. If L2 API credentials are
// not configured, they are derived via L1 (EIP-712) auth.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	client := exchange.NewClient(cfg, auth, logger)
	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1 auth")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	chain, err := exchange.NewChainClient(
		cfg.API.RPCURL, auth, cfg.Settlement.CTFAddress, cfg.Settlement.CollateralAddress, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	riskMgr := risk.NewManager(cfg, logger)
	tracker := market.NewTracker(cfg.Strategy.MinSpread*100, logger)
	discovery := market.NewDiscovery(cfg, st, logger)
	feed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	queue := strategy.NewQueue(queueCapacity, logger)
	gate := strategy.NewGate(cfg.Strategy, riskMgr, logger)
	rebalancer := strategy.NewRebalancer(client, cfg.Strategy, logger)
	registry := settle.NewRegistry()
	settler := settle.NewWorker(
		cfg.Settlement, st, chain, registry, riskMgr,
		cfg.Strategy.MaxDailyLossUSD, cfg.DryRun, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		auth:      auth,
		client:    client,
		chain:     chain,
		feed:      feed,
		discovery: discovery,
		tracker:   tracker,
		riskMgr:   riskMgr,
		store:     st,
		queue:     queue,
		registry:  registry,
		settler:   settler,
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.executor = strategy.NewExecutor(
		cfg.Strategy, queue, gate, tracker, client, st, riskMgr,
		rebalancer, registry, nil, logger)

	tracker.OnOpportunity(queue.Push)
	return e, nil
}

// SetEmitter attaches the dashboard push interface. Must be called before
// Start.
func (e *Engine) SetEmitter(emitter *api.Emitter) {
	e.emitter = emitter
	e.executor.SetEmitter(emitter)
	e.tracker.OnStateChange(func(s market.MarketState) {
		emitter.EmitMarketState(s)
	})
}

// Start rehydrates persisted state, launches background goroutines, and
// schedules the periodic jobs.
func (e *Engine) Start() error {
	if err := e.rehydrate(); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchMarketEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.executor.Run(e.ctx)
	}()

	// Populate markets and balance before the first scheduler tick.
	e.refreshMarkets()
	e.refreshBalance()

	if err := e.scheduleJobs(); err != nil {
		return err
	}
	e.cron.Start()

	e.lastMode = e.riskMgr.Mode()
	e.logger.Info("engine started",
		"mode", e.lastMode,
		"assets", e.cfg.Strategy.Assets,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop shuts down: stops the scheduler and all goroutines, cancels any
// resting orders as a safety net, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	cronCtx := e.cron.Stop()
	e.cancel()

	// GTC remainders must not outlive the process.
	if !e.cfg.DryRun {
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), shutdownCancelWait)
		if _, err := e.client.CancelAll(cancelCtx); err != nil {
			e.logger.Error("cancel-all on shutdown failed", "error", err)
		}
		cancelCancel()
	}

	<-cronCtx.Done()
	e.wg.Wait()

	e.feed.Close()
	e.chain.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// rehydrate restores state that must survive restarts: the circuit breaker,
// today's committed exposure, and open positions.
func (e *Engine) rehydrate() error {
	cb, err := e.store.GetCircuitBreakerState()
	if err != nil {
		return err
	}
	e.riskMgr.SetBreakerState(*cb)

	today, err := e.store.GetTodayStats()
	if err != nil {
		return err
	}
	e.riskMgr.SetExposure(today.Exposure)

	return e.settler.Rehydrate()
}

func (e *Engine) scheduleJobs() error {
	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{"*/30 * * * * *", "market_refresh", e.refreshMarkets},
		{"*/30 * * * * *", "balance_refresh", e.refreshBalance},
		{"0 * * * * *", "blackout_check", e.checkMode},
		{"15 * * * * *", "settlement", func() { e.settler.RunOnce(e.ctx) }},
		{"0 10 0 * * *", "telemetry_cleanup", e.cleanupTelemetry},
	}
	for _, j := range jobs {
		if _, err := e.cron.AddFunc(j.spec, j.fn); err != nil {
			return err
		}
		e.logger.Debug("scheduled job", "name", j.name, "spec", j.spec)
	}
	return nil
}

// refreshMarkets discovers the current 15-minute windows, subscribes new
// markets, and drops expired ones.
func (e *Engine) refreshMarkets() {
	ctx, cancel := context.WithTimeout(e.ctx, 20*time.Second)
	defer cancel()

	markets, err := e.discovery.FindActiveMarkets(ctx)
	if err != nil {
		e.logger.Error("market discovery failed", "error", err)
		return
	}

	var newTokens []string
	for _, m := range markets {
		if _, known := e.tracker.GetMarket(m.ConditionID); !known {
			newTokens = append(newTokens, m.YesTokenID, m.NoTokenID)
		}
		e.tracker.TrackMarket(m)
	}
	if len(newTokens) > 0 {
		// Subscribe errors while disconnected are fine: the IDs are recorded
		// and sent with the next (re)connect's initial subscription.
		if err := e.feed.Subscribe(e.ctx, newTokens); err != nil {
			e.logger.Debug("subscribe deferred", "error", err)
		}
	}

	e.cancelExpiredOrders(ctx)

	dropped := e.tracker.UntrackExpired()
	if len(dropped) > 0 {
		if err := e.feed.Unsubscribe(e.ctx, dropped); err != nil {
			e.logger.Debug("unsubscribe deferred", "error", err)
		}
	}
}

// cancelExpiredOrders clears resting GTC remainders on markets that just
// left the tradeable window, before the tracker forgets them.
func (e *Engine) cancelExpiredOrders(ctx context.Context) {
	if e.cfg.DryRun {
		return
	}
	now := time.Now()
	for _, s := range e.tracker.States() {
		m, ok := e.tracker.GetMarket(s.ConditionID)
		if !ok || m.IsTradeable(now) {
			continue
		}
		if _, err := e.client.CancelMarketOrders(ctx, m.ConditionID); err != nil {
			e.logger.Warn("cancel expired market orders failed",
				"condition_id", m.ConditionID, "error", err)
		}
	}
}

// refreshBalance reads the on-chain collateral balance into the executor's
// budget sizing.
func (e *Engine) refreshBalance() {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	balance, err := e.chain.CollateralBalance(ctx)
	if err != nil {
		e.logger.Warn("balance refresh failed", "error", err)
		return
	}

	e.balanceMu.Lock()
	e.balanceUSD = balance
	e.balanceMu.Unlock()
	e.executor.SetBalance(balance)
}

// checkMode refreshes the blackout window and announces mode transitions.
func (e *Engine) checkMode() {
	e.riskMgr.RefreshBlackout()

	mode := e.riskMgr.Mode()
	if mode == e.lastMode {
		return
	}
	e.logger.Info("trading mode changed", "from", e.lastMode, "to", mode)
	if e.emitter != nil {
		reason := ""
		if cb := e.riskMgr.BreakerState(); mode == types.ModeCircuitBreaker {
			reason = cb.HitReason
		}
		e.emitter.EmitMode(mode, reason)
	}
	e.lastMode = mode
}

func (e *Engine) cleanupTelemetry() {
	deleted, err := e.store.CleanupOldLiquidityData(telemetryKeepDays)
	if err != nil {
		e.logger.Warn("telemetry cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		e.logger.Info("telemetry cleaned up", "rows", deleted)
	}
}

// dispatchMarketEvents routes WS events into the tracker.
func (e *Engine) dispatchMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.feed.BookEvents():
			e.tracker.ApplyBookEvent(evt)
		case evt := <-e.feed.PriceChangeEvents():
			e.tracker.ApplyPriceChange(evt)
		}
	}
}

// api.StateProvider implementation follows.

// Tracker exposes the book tracker for dashboard reads.
func (e *Engine) Tracker() *market.Tracker { return e.tracker }

// RiskManager exposes the risk manager for dashboard reads.
func (e *Engine) RiskManager() *risk.Manager { return e.riskMgr }

// Registry exposes open positions for dashboard reads.
func (e *Engine) Registry() *settle.Registry { return e.registry }

// Queue exposes queue stats for dashboard reads.
func (e *Engine) Queue() *strategy.Queue { return e.queue }

// Store exposes the persistence layer for the dashboard's REST reads.
func (e *Engine) Store() *store.Store { return e.store }

// BalanceUSD returns the last observed collateral balance.
func (e *Engine) BalanceUSD() float64 {
	e.balanceMu.RLock()
	defer e.balanceMu.RUnlock()
	return e.balanceUSD
}
