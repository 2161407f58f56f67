package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"polyarb/internal/config"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/settle"
	"polyarb/internal/store"
	"polyarb/internal/strategy"
	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixedProvider is a StateProvider over real components with no engine.
type fixedProvider struct {
	tracker  *market.Tracker
	risk     *risk.Manager
	registry *settle.Registry
	queue    *strategy.Queue
	balance  float64
}

func (p *fixedProvider) Tracker() *market.Tracker   { return p.tracker }
func (p *fixedProvider) RiskManager() *risk.Manager { return p.risk }
func (p *fixedProvider) Registry() *settle.Registry { return p.registry }
func (p *fixedProvider) Queue() *strategy.Queue     { return p.queue }
func (p *fixedProvider) BalanceUSD() float64        { return p.balance }

func handlersFixture(t *testing.T) (*Handlers, *fixedProvider, *store.Store) {
	t.Helper()
	cfg := config.Config{DryRun: true}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := &fixedProvider{
		tracker:  market.NewTracker(2, testLogger()),
		risk:     risk.NewManager(cfg, testLogger()),
		registry: settle.NewRegistry(),
		queue:    strategy.NewQueue(8, testLogger()),
		balance:  123.45,
	}
	h := NewHandlers(provider, st, cfg, NewHub(testLogger()), testLogger())
	return h, provider, st
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h, _, _ := handlersFixture(t)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, string(types.ModeDryRun), body["mode"])
}

func TestHandleState(t *testing.T) {
	t.Parallel()
	h, provider, _ := handlersFixture(t)
	provider.tracker.TrackMarket(types.Market{
		ConditionID: "0xc1",
		Asset:       "BTC",
		YesTokenID:  "111",
		NoTokenID:   "222",
		EndTime:     time.Now().Add(10 * time.Minute),
		Active:      true,
	})

	rec := httptest.NewRecorder()
	h.HandleState(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, string(types.ModeDryRun), snap.Mode)
	require.Equal(t, 123.45, snap.BalanceUSD)
	require.Len(t, snap.Markets, 1)
	require.Equal(t, "0xc1", snap.Markets[0].ConditionID)
}

func TestHandleTradesLimitValidation(t *testing.T) {
	t.Parallel()
	h, _, _ := handlersFixture(t)

	for _, raw := range []string{"0", "-5", "501", "abc"} {
		rec := httptest.NewRecorder()
		h.HandleTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit="+raw, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", raw)
	}

	rec := httptest.NewRecorder()
	h.HandleTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlePositions(t *testing.T) {
	t.Parallel()
	h, provider, _ := handlersFixture(t)
	provider.registry.Register(types.Position{
		TradeID: "t1", ConditionID: "0xc1", TokenID: "111", Side: "YES",
		Shares: 10, EntryCost: 4.70,
		MarketEndTime: time.Now().Add(5 * time.Minute),
	})

	rec := httptest.NewRecorder()
	h.HandlePositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var positions []types.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	require.Equal(t, "t1", positions[0].TradeID)
}

func TestHandlePnLHistory(t *testing.T) {
	t.Parallel()
	h, _, _ := handlersFixture(t)

	rec := httptest.NewRecorder()
	h.HandlePnLHistory(rec, httptest.NewRequest(http.MethodGet, "/api/pnl-history", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.HandlePnLHistory(rec, httptest.NewRequest(http.MethodGet, "/api/pnl-history?timeframe=1y", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// sseRecorder is a flushable ResponseWriter safe to read while the SSE
// handler writes from its own goroutine.
type sseRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	hdr http.Header
}

func newSSERecorder() *sseRecorder { return &sseRecorder{hdr: make(http.Header)} }

func (r *sseRecorder) Header() http.Header { return r.hdr }
func (r *sseRecorder) WriteHeader(int)     {}
func (r *sseRecorder) Flush()              {}

func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *sseRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestHandleEventsStreamsSnapshotThenEvents(t *testing.T) {
	t.Parallel()
	h, _, _ := handlersFixture(t)
	go h.hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := newSSERecorder()

	done := make(chan struct{})
	go func() {
		h.HandleEvents(rec, req)
		close(done)
	}()

	// Wait for the handler to write its snapshot and register its listener
	// before broadcasting, so the event can't be lost.
	require.Eventually(t, func() bool {
		h.hub.mu.RLock()
		registered := len(h.hub.listeners) == 1
		h.hub.mu.RUnlock()
		return registered && strings.Contains(rec.String(), `"type":"snapshot"`)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	h.hub.BroadcastEvent(Event{Type: EventMode, Timestamp: time.Now()})
	require.Eventually(t, func() bool {
		return strings.Contains(rec.String(), `"type":"mode"`)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after context cancel")
	}
	require.True(t, strings.HasPrefix(rec.String(), "data: "))
}

func TestWebSocketOriginAllowlist(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Dashboard.AllowedOrigins = []string{"https://dash.example.com"}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := &fixedProvider{
		tracker:  market.NewTracker(2, testLogger()),
		risk:     risk.NewManager(cfg, testLogger()),
		registry: settle.NewRegistry(),
		queue:    strategy.NewQueue(8, testLogger()),
	}
	h := NewHandlers(provider, st, cfg, NewHub(testLogger()), testLogger())

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://dash.example.com")
	require.True(t, h.upgrader.CheckOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	require.False(t, h.upgrader.CheckOrigin(denied))

	// Empty allowlist accepts anything (local-only deployments).
	open, _, _ := handlersFixture(t)
	require.True(t, open.upgrader.CheckOrigin(denied))
}
