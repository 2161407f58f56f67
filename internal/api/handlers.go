package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"polyarb/internal/config"
	"polyarb/internal/store"
)

const defaultTradeLimit = 50

// Handlers holds HTTP handler dependencies. Every endpoint is read-only;
// the dashboard observes the bot, it never drives it.
type Handlers struct {
	provider StateProvider
	store    *store.Store
	cfg      config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(provider StateProvider, st *store.Store, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	allowed := make(map[string]bool, len(cfg.Dashboard.AllowedOrigins))
	for _, o := range cfg.Dashboard.AllowedOrigins {
		allowed[o] = true
	}
	return &Handlers{
		provider: provider,
		store:    st,
		cfg:      cfg,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Empty allowlist means local-only deployment, accept all.
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{
		"status": "ok",
		"mode":   string(h.provider.RiskManager().Mode()),
	})
}

// HandleState returns the full dashboard snapshot.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.provider, h.store, h.cfg, h.logger))
}

// HandleTrades returns recent trades, newest first. ?limit= caps the page.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be in [1, 500]", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := h.store.GetRecentTrades(limit)
	if err != nil {
		h.logger.Error("load trades failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// HandlePositions returns open positions, soonest resolution first.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.Registry().Open())
}

// HandlePnLHistory returns the cumulative realized-PnL series.
// ?timeframe= is one of "24h", "7d", "all" (default "all").
func (h *Handlers) HandlePnLHistory(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	points, err := h.store.GetPnLHistory(timeframe)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, points)
}

// HandleEvents streams hub events over Server-Sent Events for clients that
// can't hold a WebSocket open. Seeds with a snapshot like /ws does.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshot, err := json.Marshal(Event{
		Type: EventSnapshot,
		Data: BuildSnapshot(h.provider, h.store, h.cfg, h.logger),
	})
	if err != nil {
		h.logger.Error("marshal initial snapshot failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", snapshot)
	flusher.Flush()

	events, cancel := h.hub.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWebSocket upgrades the connection, registers the client with the
// hub, and seeds it with a snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	data, err := json.Marshal(Event{
		Type: EventSnapshot,
		Data: BuildSnapshot(h.provider, h.store, h.cfg, h.logger),
	})
	if err != nil {
		h.logger.Error("marshal initial snapshot failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}
