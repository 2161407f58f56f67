package api

import (
	"time"

	"polyarb/internal/strategy"
	"polyarb/pkg/types"
)

// Event is the wrapper for everything pushed to dashboard clients.
type Event struct {
	Type      string      `json:"type"` // "snapshot", "trade", "decision", "market", "mode"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const (
	EventSnapshot = "snapshot"
	EventTrade    = "trade"
	EventDecision = "decision"
	EventMarket   = "market"
	EventMode     = "mode"
)

// ModeEvent announces a trading-mode transition.
type ModeEvent struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

// Emitter adapts the hub to the executor's push interface. All methods are
// non-blocking; a slow dashboard never stalls the trade path.
type Emitter struct {
	hub *Hub
}

// NewEmitter wraps the hub.
func NewEmitter(hub *Hub) *Emitter {
	return &Emitter{hub: hub}
}

// EmitDecision broadcasts one gate/sizing decision.
func (e *Emitter) EmitDecision(d strategy.Decision) {
	e.hub.BroadcastEvent(Event{Type: EventDecision, Timestamp: time.Now(), Data: d})
}

// EmitTrade broadcasts one recorded trade.
func (e *Emitter) EmitTrade(t types.TradeRecord) {
	e.hub.BroadcastEvent(Event{Type: EventTrade, Timestamp: time.Now(), Data: t})
}

// EmitMarketState broadcasts a book-state update.
func (e *Emitter) EmitMarketState(s interface{}) {
	e.hub.BroadcastEvent(Event{Type: EventMarket, Timestamp: time.Now(), Data: s})
}

// EmitMode broadcasts a mode transition.
func (e *Emitter) EmitMode(mode types.TradingMode, reason string) {
	e.hub.BroadcastEvent(Event{
		Type:      EventMode,
		Timestamp: time.Now(),
		Data:      ModeEvent{Mode: string(mode), Reason: reason},
	})
}
