// Package settle tracks open positions after entry and redeems them
// on-chain once their markets resolve. The durable source of truth is the
// store's settlement queue; the in-memory registry is a fast view for the
// dashboard and exposure accounting, rehydrated from the store at startup.
package settle

import (
	"sort"
	"sync"

	"polyarb/pkg/types"
)

// Registry holds the open (unclaimed) positions in memory.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]types.Position
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[string]types.Position)}
}

func key(tradeID, tokenID string) string {
	return tradeID + "|" + tokenID
}

// Register adds or refreshes a position. Re-registering the same leg
// overwrites, which keeps restart rehydration idempotent.
func (r *Registry) Register(p types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[key(p.TradeID, p.TokenID)] = p
}

// Remove drops one leg, typically after a successful claim.
func (r *Registry) Remove(tradeID, tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, key(tradeID, tokenID))
}

// RemoveCondition drops every leg belonging to a condition. Redemption
// claims all of a condition's outcome tokens in one transaction, so the
// whole group leaves together.
func (r *Registry) RemoveCondition(conditionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.positions {
		if p.ConditionID == conditionID {
			delete(r.positions, k)
		}
	}
}

// Open returns a snapshot of all open positions, soonest resolution first.
func (r *Registry) Open() []types.Position {
	r.mu.RLock()
	out := make([]types.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketEndTime.Equal(out[j].MarketEndTime) {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].MarketEndTime.Before(out[j].MarketEndTime)
	})
	return out
}

// OpenValueUSD sums the entry cost of all open positions.
func (r *Registry) OpenValueUSD() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, p := range r.positions {
		total += p.EntryCost
	}
	return total
}

// Count returns the number of open positions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}
