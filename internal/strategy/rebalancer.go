package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/pkg/types"
)

// rebalanceOrderTimeout bounds each rebalance round-trip to the venue.
const rebalanceOrderTimeout = 10 * time.Second

// RebalanceResult describes how a one-legged position was resolved.
type RebalanceResult struct {
	Action       types.RebalanceAction
	HedgeShares  float64 // shares bought to complete the hedge
	HedgeCost    float64 // USDC spent on the hedge leg
	ExitShares   float64 // shares sold flattening
	ExitProceeds float64
	PnL          float64 // realized loss/gain when flattening
	Detail       string
}

// Rebalancer resolves partial fills: first try to complete the hedge at a
// still-profitable price, otherwise flatten the filled leg at best bid.
// Holding one naked leg to resolution risks the full entry cost; the
// rebalancer converts that into either a full arbitrage or a bounded
// spread-loss exit.
type Rebalancer struct {
	client *exchange.Client
	cfg    config.StrategyConfig
	logger *slog.Logger
}

// NewRebalancer creates a rebalancer over the venue client.
func NewRebalancer(client *exchange.Client, cfg config.StrategyConfig, logger *slog.Logger) *Rebalancer {
	return &Rebalancer{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "rebalancer"),
	}
}

// Resolve handles one partial fill. filledPrice is the average entry price
// of the filled leg; the function never touches the filled leg except to
// sell it explicitly in step 2.
func (r *Rebalancer) Resolve(ctx context.Context, filledTokenID, unfilledTokenID string, filledShares, filledPrice float64) (*RebalanceResult, error) {
	if filledShares <= 0 {
		return nil, fmt.Errorf("rebalance: no filled shares")
	}
	slippage := r.cfg.PartialFillMaxSlippageCents / 100

	if res := r.tryHedge(ctx, unfilledTokenID, filledShares, filledPrice, slippage); res != nil {
		return res, nil
	}
	if !r.cfg.PartialFillExitEnabled {
		r.logger.Warn("exit disabled, holding naked position to resolution",
			"token_id", filledTokenID, "shares", filledShares)
		return &RebalanceResult{
			Action: types.RebalanceFailed,
			Detail: "partial-fill exit disabled",
		}, nil
	}
	return r.flatten(ctx, filledTokenID, filledShares, filledPrice, slippage), nil
}

// tryHedge attempts step 1: buy the missing leg so the pair completes.
// Returns nil when hedging is not viable and flattening should proceed.
func (r *Rebalancer) tryHedge(ctx context.Context, unfilledTokenID string, filledShares, filledPrice, slippage float64) *RebalanceResult {
	book, err := r.client.GetOrderBook(ctx, unfilledTokenID)
	if err != nil {
		r.logger.Warn("hedge book fetch failed", "error", err)
		return nil
	}
	bestAsk, askSize, ok := exchange.BestLevel(book.Asks)
	if !ok {
		r.logger.Warn("hedge side has no asks")
		return nil
	}

	buyPrice := bestAsk + slippage
	if buyPrice > 0.99 {
		buyPrice = 0.99
	}

	// Tolerate up to 2¢ of spread loss to complete the pair; a completed
	// hedge still beats a naked leg even slightly above a dollar combined.
	if filledPrice+buyPrice >= 1.02 {
		r.logger.Info("hedge not viable, combined cost too high",
			"filled_price", filledPrice, "buy_price", buyPrice)
		return nil
	}
	if askSize < 0.5*filledShares {
		r.logger.Info("hedge not viable, thin ask",
			"ask_size", askSize, "needed", filledShares)
		return nil
	}

	price, size, err := exchange.CanonicalizeOrder(buyPrice, filledShares)
	if err != nil {
		r.logger.Warn("hedge canonicalize failed", "error", err)
		return nil
	}

	orderCtx, cancel := context.WithTimeout(ctx, rebalanceOrderTimeout)
	defer cancel()

	result := r.client.SubmitAndWait(orderCtx, types.UserOrder{
		TokenID: unfilledTokenID, Price: price, Size: size,
		Side: types.BUY, OrderType: types.OrderTypeGTC, TickSize: types.Tick001,
	}, r.cfg.LiveOrderWait)

	if !result.Status.Executed() || result.FilledSize <= 0 {
		r.logger.Info("hedge order did not fill", "status", result.Status)
		return nil
	}

	cost := result.FilledSize * result.AvgPrice
	r.logger.Info("hedge completed",
		"shares", result.FilledSize, "price", result.AvgPrice, "cost", cost)
	return &RebalanceResult{
		Action:      types.RebalanceHedgeCompleted,
		HedgeShares: result.FilledSize,
		HedgeCost:   cost,
	}
}

// flatten is step 2: sell the filled leg at best bid minus slippage. The
// result is a bounded loss instead of a binary resolution-sized one.
func (r *Rebalancer) flatten(ctx context.Context, filledTokenID string, filledShares, filledPrice, slippage float64) *RebalanceResult {
	book, err := r.client.GetOrderBook(ctx, filledTokenID)
	if err != nil {
		return &RebalanceResult{
			Action: types.RebalanceFailed,
			Detail: fmt.Sprintf("exit book fetch: %v", err),
		}
	}
	bestBid, _, ok := exchange.BestLevel(book.Bids)
	if !ok {
		return &RebalanceResult{
			Action: types.RebalanceFailed,
			Detail: "no bids to exit into",
		}
	}

	sellPrice := bestBid - slippage
	if sellPrice < 0.01 {
		sellPrice = 0.01
	}

	price, size, err := exchange.CanonicalizeOrder(sellPrice, filledShares)
	if err != nil {
		return &RebalanceResult{
			Action: types.RebalanceFailed,
			Detail: fmt.Sprintf("exit canonicalize: %v", err),
		}
	}

	orderCtx, cancel := context.WithTimeout(ctx, rebalanceOrderTimeout)
	defer cancel()

	result := r.client.SubmitAndWait(orderCtx, types.UserOrder{
		TokenID: filledTokenID, Price: price, Size: size,
		Side: types.SELL, OrderType: types.OrderTypeGTC, TickSize: types.Tick001,
	}, r.cfg.LiveOrderWait)

	if !result.Status.Executed() || result.FilledSize <= 0 {
		r.logger.Error("exit order did not fill, position held",
			"token_id", filledTokenID, "shares", filledShares)
		return &RebalanceResult{
			Action: types.RebalanceFailed,
			Detail: "exit unfilled, position held to resolution",
		}
	}

	proceeds := result.FilledSize * result.AvgPrice
	pnl := proceeds - result.FilledSize*filledPrice
	r.logger.Warn("position flattened",
		"shares", result.FilledSize, "price", result.AvgPrice, "pnl", pnl)
	return &RebalanceResult{
		Action:       types.RebalanceExited,
		ExitShares:   result.FilledSize,
		ExitProceeds: proceeds,
		PnL:          pnl,
	}
}
