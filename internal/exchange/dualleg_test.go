package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polyarb/pkg/types"
)

func deepBook(tokenID string) types.BookResponse {
	return types.BookResponse{
		AssetID: tokenID,
		Bids:    []types.PriceLevel{{Price: "0.44", Size: "200"}},
		Asks: []types.PriceLevel{
			{Price: "0.47", Size: "100"},
			{Price: "0.48", Size: "100"},
			{Price: "0.49", Size: "100"},
		},
	}
}

func dualLegRequest() DualLegRequest {
	return DualLegRequest{
		YesTokenID:     "111",
		NoTokenID:      "222",
		YesPrice:       0.47,
		NoPrice:        0.50,
		YesUSD:         4.70,
		NoUSD:          5.00,
		PriceBuffer:    0.01,
		MaxConsumption: 0.5,
		PairTimeout:    5 * time.Second,
		LiveWait:       10 * time.Millisecond,
	}
}

func TestDualLegRejectsWithoutArbitrage(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	req := dualLegRequest()
	req.YesPrice = 0.55
	req.NoPrice = 0.45
	res, err := c.ExecuteDualLegParallel(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, res.Reject, "arbitrage gone")

	req = dualLegRequest()
	req.NoPrice = 0
	res, err = c.ExecuteDualLegParallel(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, res.Reject, "non-positive")
}

func TestDualLegRejectsEmptyAskSide(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		book := deepBook(r.URL.Query().Get("token_id"))
		if book.AssetID == "222" {
			book.Asks = nil
		}
		json.NewEncoder(w).Encode(book)
	})

	res, err := c.ExecuteDualLegParallel(context.Background(), dualLegRequest())
	require.NoError(t, err)
	require.Contains(t, res.Reject, "no liquidity")
}

func TestDualLegRejectsOverConsumption(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		book := deepBook(r.URL.Query().Get("token_id"))
		book.Asks = book.Asks[:1]
		book.Asks[0].Size = "4"
		json.NewEncoder(w).Encode(book)
	})

	// 10 shares against 4 visible at 50% max consumption.
	res, err := c.ExecuteDualLegParallel(context.Background(), dualLegRequest())
	require.NoError(t, err)
	require.Contains(t, res.Reject, "too much consumption")
	require.Equal(t, 4.0, res.YesDepth)
}

func TestDualLegBothLegsMatched(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/book" {
			json.NewEncoder(w).Encode(deepBook(r.URL.Query().Get("token_id")))
			return
		}
		require.Equal(t, "/orders", r.URL.Path)

		var payloads []types.OrderPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payloads))
		require.Len(t, payloads, 1)
		// GTC at the buffered limit.
		require.Equal(t, types.OrderTypeGTC, payloads[0].OrderType)

		json.NewEncoder(w).Encode([]types.OrderResponse{
			{Success: true, OrderID: "ord-" + payloads[0].Order.TokenID, Status: "matched"},
		})
	})

	res, err := c.ExecuteDualLegParallel(context.Background(), dualLegRequest())
	require.NoError(t, err)
	require.Empty(t, res.Reject)
	require.True(t, res.Success())
	require.False(t, res.Partial)
	require.Equal(t, types.OrderMatched, res.Yes.Status)
	require.Equal(t, types.OrderMatched, res.No.Status)
	// No fill echo from the venue: intended size/price stand in.
	require.InDelta(t, 10, res.Yes.FilledSize, 0.02)
	require.InDelta(t, 0.48, res.Yes.AvgPrice, 1e-9)
	require.Equal(t, 300.0, res.YesDepth)
}

func TestDualLegPartialWhenOneLegDies(t *testing.T) {
	t.Parallel()
	var submits atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/book":
			json.NewEncoder(w).Encode(deepBook(r.URL.Query().Get("token_id")))
		case r.URL.Path == "/orders" && r.Method == http.MethodPost:
			if submits.Add(1) == 1 {
				json.NewEncoder(w).Encode([]types.OrderResponse{
					{Success: true, OrderID: "ord-1", Status: "matched"},
				})
				return
			}
			json.NewEncoder(w).Encode([]types.OrderResponse{
				{Success: false, ErrorMsg: "insufficient balance"},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	res, err := c.ExecuteDualLegParallel(context.Background(), dualLegRequest())
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.False(t, res.Success())
}

func TestDualLegLiveLegResolved(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/book":
			json.NewEncoder(w).Encode(deepBook(r.URL.Query().Get("token_id")))
		case r.URL.Path == "/orders" && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode([]types.OrderResponse{
				{Success: true, OrderID: "ord-live", Status: "live"},
			})
		case strings.HasPrefix(r.URL.Path, "/data/order/"):
			// Matched while we waited.
			json.NewEncoder(w).Encode(types.OpenOrder{
				ID: "ord-live", Status: "matched", SizeMatched: "10", Price: "0.48",
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	res, err := c.ExecuteDualLegParallel(context.Background(), dualLegRequest())
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, 10.0, res.Yes.FilledSize)
	require.Equal(t, 0.48, res.Yes.AvgPrice)
}

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()
	require.Equal(t, types.OrderMatched, normalizeStatus("MATCHED"))
	require.Equal(t, types.OrderFilled, normalizeStatus("filled"))
	require.Equal(t, types.OrderLive, normalizeStatus("live"))
	require.Equal(t, types.OrderLive, normalizeStatus("open"))
	require.Equal(t, types.OrderCancelled, normalizeStatus("canceled"))
	require.Equal(t, types.OrderCancelled, normalizeStatus("cancelled"))
	require.Equal(t, types.OrderCancelled, normalizeStatus("invalid"))
	require.Equal(t, types.OrderFailed, normalizeStatus("???"))
}

func TestFillFromAmounts(t *testing.T) {
	t.Parallel()
	// BUY: spent 4.70 USDC for 10 shares.
	size, avg := fillFromAmounts(types.BUY, "4700000", "10000000")
	require.Equal(t, 10.0, size)
	require.InDelta(t, 0.47, avg, 1e-9)

	// SELL: gave 10 shares for 4.40 USDC.
	size, avg = fillFromAmounts(types.SELL, "10000000", "4400000")
	require.Equal(t, 10.0, size)
	require.InDelta(t, 0.44, avg, 1e-9)

	size, avg = fillFromAmounts(types.BUY, "", "")
	require.Zero(t, size)
	require.Zero(t, avg)
}

func TestParseMicro(t *testing.T) {
	t.Parallel()
	require.Equal(t, 1.0, parseMicro("1000000"))
	require.Equal(t, 0.5, parseMicro("500000"))
	require.Zero(t, parseMicro(""))
	require.Zero(t, parseMicro("junk"))
}

func TestCapPrice(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.98, capPrice(0.98))
	require.Equal(t, maxEntryPrice, capPrice(1.05))
}
