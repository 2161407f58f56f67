// dualleg.go implements the paired-entry primitive: both legs of a
// YES+NO arbitrage submitted in parallel as GTC limit orders at the
// opportunity price plus a narrow buffer.
//
// GTC is deliberate. The venue's FOK handling of two-decimal amounts has
// misfired historically; GTC with a sub-spread buffer fills nearly as fast
// and stays profitable as long as buffer < spread. An order that comes back
// LIVE gets a short grace period and one re-query before being cancelled,
// which converts "resting, would have matched in 300ms" into a fill.
//
// A matched leg is never unwound here as a side effect of the other leg
// failing: selling at market is a new trade with its own slippage. Partial
// outcomes are returned to the caller, whose rebalancer either completes
// the hedge or flattens explicitly.
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"polyarb/pkg/types"
)

// maxEntryPrice caps buffered limit prices; a binary outcome share is never
// worth a dollar before resolution.
const maxEntryPrice = 0.99

// DualLegRequest describes one paired entry.
type DualLegRequest struct {
	YesTokenID     string
	NoTokenID      string
	YesPrice       float64 // opportunity price per leg, NOT refreshed from the book
	NoPrice        float64
	YesUSD         float64 // sized dollars per leg
	NoUSD          float64
	PriceBuffer    float64       // added to each leg's limit price, e.g. 0.01
	MaxConsumption float64       // max fraction of top-3 ask depth per side
	PairTimeout    time.Duration // wall clock for both submits to return
	LiveWait       time.Duration // grace period before cancelling a LIVE leg
}

// DualLegResult is the structured outcome. Exactly one of three shapes:
//   - Reject != "":        pre-flight failed, nothing was submitted
//   - Partial:             exactly one leg executed; the other is cancelled
//   - otherwise:           success (both legs) or failure (neither leg)
type DualLegResult struct {
	Yes      types.OrderResult
	No       types.OrderResult
	YesDepth float64 // top-3 ask depth captured pre-submit
	NoDepth  float64
	Partial  bool
	Reject   string
}

// Success reports whether both legs executed.
func (r *DualLegResult) Success() bool {
	return r.Reject == "" && r.Yes.Status.Executed() && r.No.Status.Executed()
}

// ExecuteDualLegParallel runs the full paired-entry flow: pre-flight
// validation against fresh books, canonicalization, parallel submit,
// LIVE-order grace handling, and outcome classification.
func (c *Client) ExecuteDualLegParallel(ctx context.Context, req DualLegRequest) (*DualLegResult, error) {
	// Arbitrage must still make sense at the intended prices.
	if req.YesPrice+req.NoPrice >= 1 {
		return &DualLegResult{Reject: "arbitrage gone: combined cost >= 1"}, nil
	}
	if req.YesPrice <= 0 || req.NoPrice <= 0 {
		return &DualLegResult{Reject: "non-positive leg price"}, nil
	}

	yesBook, noBook, err := c.fetchBooksParallel(ctx, req.YesTokenID, req.NoTokenID)
	if err != nil {
		return nil, fmt.Errorf("fetch books: %w", err)
	}
	if len(yesBook.Asks) == 0 || len(noBook.Asks) == 0 {
		return &DualLegResult{Reject: "no liquidity: empty ask side"}, nil
	}

	yesDepth := DepthTopN(yesBook.Asks, 3)
	noDepth := DepthTopN(noBook.Asks, 3)

	// Shares from the opportunity prices, per leg. The two sides are sized
	// to equal share counts upstream; canonicalization may shave a cent.
	yesShares := req.YesUSD / req.YesPrice
	noShares := req.NoUSD / req.NoPrice

	if yesShares > req.MaxConsumption*yesDepth || noShares > req.MaxConsumption*noDepth {
		return &DualLegResult{
			YesDepth: yesDepth,
			NoDepth:  noDepth,
			Reject: fmt.Sprintf("too much consumption: need %.2f/%.2f shares against depth %.2f/%.2f",
				yesShares, noShares, yesDepth, noDepth),
		}, nil
	}

	yesLimit := capPrice(req.YesPrice + req.PriceBuffer)
	noLimit := capPrice(req.NoPrice + req.PriceBuffer)

	yesLimit, yesShares, err = CanonicalizeOrder(yesLimit, yesShares)
	if err != nil {
		return &DualLegResult{Reject: "decimal violation: " + err.Error()}, nil
	}
	noLimit, noShares, err = CanonicalizeOrder(noLimit, noShares)
	if err != nil {
		return &DualLegResult{Reject: "decimal violation: " + err.Error()}, nil
	}

	yesOrder := types.UserOrder{
		TokenID: req.YesTokenID, Price: yesLimit, Size: yesShares,
		Side: types.BUY, OrderType: types.OrderTypeGTC, TickSize: types.Tick001,
	}
	noOrder := types.UserOrder{
		TokenID: req.NoTokenID, Price: noLimit, Size: noShares,
		Side: types.BUY, OrderType: types.OrderTypeGTC, TickSize: types.Tick001,
	}

	pairCtx, cancel := context.WithTimeout(ctx, req.PairTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var yesRes, noRes types.OrderResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		yesRes = c.SubmitAndWait(pairCtx, yesOrder, req.LiveWait)
	}()
	go func() {
		defer wg.Done()
		noRes = c.SubmitAndWait(pairCtx, noOrder, req.LiveWait)
	}()
	wg.Wait()

	result := &DualLegResult{
		Yes:      yesRes,
		No:       noRes,
		YesDepth: yesDepth,
		NoDepth:  noDepth,
	}
	result.Partial = yesRes.Status.Executed() != noRes.Status.Executed()

	c.logger.Info("dual-leg pair complete",
		"yes_status", yesRes.Status, "yes_filled", yesRes.FilledSize,
		"no_status", noRes.Status, "no_filled", noRes.FilledSize,
		"partial", result.Partial,
	)
	return result, nil
}

// SubmitAndWait places one GTC order and resolves its fate: an immediate
// match is returned as-is; a LIVE order gets liveWait to match, one
// re-query, and a cancel if it is still resting. The returned status is
// never LIVE.
func (c *Client) SubmitAndWait(ctx context.Context, order types.UserOrder, liveWait time.Duration) types.OrderResult {
	result := types.OrderResult{
		Status:      types.OrderFailed,
		SubmittedAt: time.Now(),
		Intended:    order,
	}

	responses, err := c.PostOrders(ctx, []types.UserOrder{order})
	if err != nil {
		result.ErrorMsg = err.Error()
		return result
	}
	if len(responses) == 0 {
		result.ErrorMsg = "empty response from venue"
		return result
	}

	resp := responses[0]
	result.OrderID = resp.OrderID
	if !resp.Success {
		result.ErrorMsg = resp.ErrorMsg
		return result
	}

	switch normalizeStatus(resp.Status) {
	case types.OrderMatched, types.OrderFilled:
		result.Status = types.OrderMatched
		result.FilledSize, result.AvgPrice = fillFromAmounts(order.Side, resp.MakingAmount, resp.TakingAmount)
		if result.FilledSize == 0 {
			result.FilledSize = order.Size
			result.AvgPrice = order.Price
		}
		return result

	case types.OrderLive:
		// Resting on the book. Give it a moment, then re-query.
		select {
		case <-ctx.Done():
		case <-time.After(liveWait):
		}
		return c.resolveLiveOrder(ctx, order, resp.OrderID, result)

	default:
		result.ErrorMsg = fmt.Sprintf("unexpected order status %q", resp.Status)
		return result
	}
}

// resolveLiveOrder re-queries a resting order and cancels whatever is still
// on the book. Partial matches count as fills for the matched quantity.
func (c *Client) resolveLiveOrder(ctx context.Context, order types.UserOrder, orderID string, result types.OrderResult) types.OrderResult {
	// The pair context may already be done; fall back to a short independent
	// window so the cancel still goes out.
	queryCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	open, err := c.GetOrder(queryCtx, orderID)
	if err != nil {
		c.logger.Warn("re-query live order failed", "order_id", orderID, "error", err)
	}

	matched := 0.0
	stillLive := false
	if open != nil {
		matched, _ = strconv.ParseFloat(open.SizeMatched, 64)
		stillLive = normalizeStatus(open.Status) == types.OrderLive
	} else if err == nil {
		// Order no longer queryable: it either fully matched or was purged.
		// Treat a vanished order conservatively as matched only if the venue
		// reported progress before; otherwise cancelled.
		stillLive = false
	}

	if stillLive {
		if _, cerr := c.CancelOrders(queryCtx, []string{orderID}); cerr != nil {
			c.logger.Error("cancel live order failed", "order_id", orderID, "error", cerr)
		}
	}

	if matched > 0 {
		result.Status = types.OrderMatched
		result.FilledSize = matched
		result.AvgPrice = order.Price
		if open != nil {
			if p, perr := strconv.ParseFloat(open.Price, 64); perr == nil && p > 0 {
				result.AvgPrice = p
			}
		}
		return result
	}

	result.Status = types.OrderCancelled
	return result
}

func (c *Client) fetchBooksParallel(ctx context.Context, yesToken, noToken string) (*types.BookResponse, *types.BookResponse, error) {
	var (
		wg               sync.WaitGroup
		yesBook, noBook  *types.BookResponse
		yesErr, noErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		yesBook, yesErr = c.GetOrderBook(ctx, yesToken)
	}()
	go func() {
		defer wg.Done()
		noBook, noErr = c.GetOrderBook(ctx, noToken)
	}()
	wg.Wait()

	if yesErr != nil {
		return nil, nil, yesErr
	}
	if noErr != nil {
		return nil, nil, noErr
	}
	return yesBook, noBook, nil
}

func capPrice(p float64) float64 {
	if p > maxEntryPrice {
		return maxEntryPrice
	}
	return p
}

// normalizeStatus maps the venue's free-form status strings onto OrderStatus.
func normalizeStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "matched":
		return types.OrderMatched
	case "filled":
		return types.OrderFilled
	case "live", "open":
		return types.OrderLive
	case "cancelled", "canceled", "invalid":
		return types.OrderCancelled
	default:
		return types.OrderFailed
	}
}

// fillFromAmounts derives filled size and average price from the venue's
// micro-unit amount echoes. For a BUY, makingAmount is USDC spent and
// takingAmount is shares received.
func fillFromAmounts(side types.Side, makingAmount, takingAmount string) (size, avgPrice float64) {
	making := parseMicro(makingAmount)
	taking := parseMicro(takingAmount)
	if side == types.BUY {
		if taking > 0 {
			return taking, making / taking
		}
		return 0, 0
	}
	if making > 0 {
		return making, taking / making
	}
	return 0, 0
}

// parseMicro converts a 6-decimal micro-unit string (e.g. "1000000") to a
// float ("1.0").
func parseMicro(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v / 1e6
}
