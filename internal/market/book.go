// Package market provides 15-minute market discovery and a live mirror of
// top-of-book prices for every tracked market.
//
// Tracker holds one MarketState per tracked market, updated from two event
// kinds: full "book" snapshots and incremental "price_change" deltas. After
// each mutation it notifies a state observer (dashboard, rate-limited) and,
// when the YES/NO asks sum below a dollar by at least the configured
// threshold, synthesizes an Opportunity for the strategy layer.
package market

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"polyarb/pkg/types"
)

const (
	// Price sentinels for sides with no data yet: a bid of 0 and an ask of 1
	// make an unknown book look maximally unattractive instead of falsely
	// arbitrageable.
	sentinelBid = 0.0
	sentinelAsk = 1.0

	// staleAfter is how long without an update before a state stops being
	// trusted for execution decisions.
	staleAfter = 10 * time.Second

	// stateEmitInterval rate-limits dashboard state pushes per market.
	stateEmitInterval = 500 * time.Millisecond
)

// MarketState is the live top-of-book view of one binary market.
type MarketState struct {
	ConditionID string    `json:"condition_id"`
	Asset       string    `json:"asset"`
	Slug        string    `json:"slug"`
	YesBid      float64   `json:"yes_bid"`
	YesAsk      float64   `json:"yes_ask"`
	NoBid       float64   `json:"no_bid"`
	NoAsk       float64   `json:"no_ask"`
	LastUpdate  time.Time `json:"last_update"`
}

// CombinedCost is the cost of one YES + one NO share at the asks.
func (s *MarketState) CombinedCost() float64 { return s.YesAsk + s.NoAsk }

// Spread is the guaranteed gross profit per pair: 1 − combined cost.
func (s *MarketState) Spread() float64 { return 1 - s.CombinedCost() }

// SpreadCents is Spread in cents.
func (s *MarketState) SpreadCents() float64 { return s.Spread() * 100 }

// ProfitPct is the spread relative to capital at risk.
func (s *MarketState) ProfitPct() float64 {
	c := s.CombinedCost()
	if c <= 0 {
		return 0
	}
	return s.Spread() / c
}

// IsStale reports whether the state is too old to execute against.
func (s *MarketState) IsStale(now time.Time) bool {
	return s.LastUpdate.IsZero() || now.Sub(s.LastUpdate) > staleAfter
}

// HasBothAsks reports whether both ask sides have real data (not sentinels).
func (s *MarketState) HasBothAsks() bool {
	return s.YesAsk < sentinelAsk && s.NoAsk < sentinelAsk
}

// StateObserver receives market state updates for display.
type StateObserver func(state MarketState)

// OpportunityObserver receives synthesized arbitrage opportunities.
type OpportunityObserver func(opp types.Opportunity)

// Tracker maintains MarketState for every tracked market and the reverse
// token indexes needed to route WS events.
type Tracker struct {
	mu            sync.RWMutex
	markets       map[string]types.Market // condition_id → market
	states        map[string]*MarketState
	tokenToMarket map[string]string // token_id → condition_id
	tokenToSide   map[string]string // token_id → "YES" | "NO"

	// The WS sometimes pads or truncates token IDs relative to the metadata
	// API. Resolved prefix matches are memoized; unknown tokens are logged
	// once each to keep the hot path quiet.
	prefixMemo    map[string]string
	unknownLogged map[string]bool

	minSpreadCents float64
	stateObs       StateObserver
	oppObs         OpportunityObserver
	lastEmit       map[string]time.Time

	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates an empty tracker. minSpreadCents gates opportunity
// synthesis; observers may be nil.
func NewTracker(minSpreadCents float64, logger *slog.Logger) *Tracker {
	return &Tracker{
		markets:        make(map[string]types.Market),
		states:         make(map[string]*MarketState),
		tokenToMarket:  make(map[string]string),
		tokenToSide:    make(map[string]string),
		prefixMemo:     make(map[string]string),
		unknownLogged:  make(map[string]bool),
		minSpreadCents: minSpreadCents,
		lastEmit:       make(map[string]time.Time),
		logger:         logger.With("component", "tracker"),
		now:            time.Now,
	}
}

// OnStateChange registers the dashboard observer.
func (t *Tracker) OnStateChange(obs StateObserver) { t.stateObs = obs }

// OnOpportunity registers the strategy observer.
func (t *Tracker) OnOpportunity(obs OpportunityObserver) { t.oppObs = obs }

// TrackMarket begins tracking a market, initializing its state with
// sentinel prices. Re-tracking a known market is a no-op.
func (t *Tracker) TrackMarket(m types.Market) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.markets[m.ConditionID]; ok {
		return
	}
	t.markets[m.ConditionID] = m
	t.states[m.ConditionID] = &MarketState{
		ConditionID: m.ConditionID,
		Asset:       m.Asset,
		Slug:        m.Slug,
		YesBid:      sentinelBid,
		YesAsk:      sentinelAsk,
		NoBid:       sentinelBid,
		NoAsk:       sentinelAsk,
	}
	t.tokenToMarket[m.YesTokenID] = m.ConditionID
	t.tokenToSide[m.YesTokenID] = "YES"
	t.tokenToMarket[m.NoTokenID] = m.ConditionID
	t.tokenToSide[m.NoTokenID] = "NO"

	t.logger.Info("tracking market",
		"condition_id", m.ConditionID, "slug", m.Slug, "ends", m.EndTime)
}

// UntrackExpired drops markets whose end time has passed and returns their
// token IDs so the caller can unsubscribe the feed.
func (t *Tracker) UntrackExpired() []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []string
	for id, m := range t.markets {
		if now.Before(m.EndTime) {
			continue
		}
		dropped = append(dropped, m.YesTokenID, m.NoTokenID)
		delete(t.markets, id)
		delete(t.states, id)
		delete(t.tokenToMarket, m.YesTokenID)
		delete(t.tokenToMarket, m.NoTokenID)
		delete(t.tokenToSide, m.YesTokenID)
		delete(t.tokenToSide, m.NoTokenID)
		delete(t.lastEmit, id)
		t.logger.Info("untracked expired market", "condition_id", id, "slug", m.Slug)
	}
	return dropped
}

// TrackedTokenIDs returns every token ID under tracking, for subscription.
func (t *Tracker) TrackedTokenIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tokenToMarket))
	for id := range t.tokenToMarket {
		out = append(out, id)
	}
	return out
}

// GetMarket returns the tracked market for a condition ID.
func (t *Tracker) GetMarket(conditionID string) (types.Market, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.markets[conditionID]
	return m, ok
}

// GetState returns a copy of the state for a condition ID.
func (t *Tracker) GetState(conditionID string) (MarketState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[conditionID]
	if !ok {
		return MarketState{}, false
	}
	return *st, true
}

// States returns a copy of every tracked state.
func (t *Tracker) States() []MarketState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MarketState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	return out
}

// ApplyBookEvent folds a full book snapshot into the state for its token.
func (t *Tracker) ApplyBookEvent(evt types.WSBookEvent) {
	bestBid := sentinelBid
	if p, _, ok := bestOf(evt.Buys); ok {
		bestBid = p
	}
	bestAsk := sentinelAsk
	if p, _, ok := bestOf(evt.Sells); ok {
		bestAsk = p
	}
	t.applyQuote(evt.AssetID, bestBid, bestAsk, true)
}

// ApplyPriceChange folds top-of-book deltas into the state. Only entries
// carrying best_bid/best_ask move the state.
func (t *Tracker) ApplyPriceChange(evt types.WSPriceChangeEvent) {
	for _, pc := range evt.PriceChanges {
		bid := parseQuote(pc.BestBid, sentinelBid)
		ask := parseQuote(pc.BestAsk, sentinelAsk)
		t.applyQuote(pc.AssetID, bid, ask, false)
	}
}

// applyQuote updates one side of one market. replaceUnknown controls whether
// sentinel inputs overwrite existing data (true for full snapshots, false
// for deltas that may omit a side).
func (t *Tracker) applyQuote(tokenID string, bid, ask float64, replaceUnknown bool) {
	t.mu.Lock()

	resolved, ok := t.resolveTokenLocked(tokenID)
	if !ok {
		t.mu.Unlock()
		return
	}
	conditionID := t.tokenToMarket[resolved]
	side := t.tokenToSide[resolved]
	st := t.states[conditionID]
	if st == nil {
		t.mu.Unlock()
		return
	}

	if side == "YES" {
		if replaceUnknown || bid != sentinelBid {
			st.YesBid = bid
		}
		if replaceUnknown || ask != sentinelAsk {
			st.YesAsk = ask
		}
	} else {
		if replaceUnknown || bid != sentinelBid {
			st.NoBid = bid
		}
		if replaceUnknown || ask != sentinelAsk {
			st.NoAsk = ask
		}
	}
	st.LastUpdate = t.now()

	snapshot := *st
	market := t.markets[conditionID]
	emitState := t.shouldEmitLocked(conditionID)
	t.mu.Unlock()

	if emitState && t.stateObs != nil {
		t.stateObs(snapshot)
	}
	t.maybeEmitOpportunity(market, snapshot)
}

// resolveTokenLocked maps a WS token ID to a tracked one, tolerating prefix
// mismatches. Caller holds the write lock.
func (t *Tracker) resolveTokenLocked(tokenID string) (string, bool) {
	if _, ok := t.tokenToMarket[tokenID]; ok {
		return tokenID, true
	}
	if hit, ok := t.prefixMemo[tokenID]; ok {
		return hit, hit != ""
	}

	for known := range t.tokenToMarket {
		if strings.HasPrefix(known, tokenID) || strings.HasPrefix(tokenID, known) {
			t.prefixMemo[tokenID] = known
			return known, true
		}
	}

	t.prefixMemo[tokenID] = ""
	if !t.unknownLogged[tokenID] {
		t.unknownLogged[tokenID] = true
		t.logger.Debug("event for unknown token", "token_id", tokenID)
	}
	return "", false
}

func (t *Tracker) shouldEmitLocked(conditionID string) bool {
	now := t.now()
	if now.Sub(t.lastEmit[conditionID]) < stateEmitInterval {
		return false
	}
	t.lastEmit[conditionID] = now
	return true
}

// maybeEmitOpportunity synthesizes an Opportunity when both asks are real
// and the spread clears the threshold.
func (t *Tracker) maybeEmitOpportunity(m types.Market, st MarketState) {
	if t.oppObs == nil || !st.HasBothAsks() {
		return
	}
	if st.SpreadCents() < t.minSpreadCents {
		return
	}

	t.oppObs(types.Opportunity{
		Market:      m,
		YesPrice:    st.YesAsk,
		NoPrice:     st.NoAsk,
		Spread:      st.Spread(),
		SpreadCents: st.SpreadCents(),
		ProfitPct:   st.ProfitPct(),
		DetectedAt:  t.now(),
	})
}

func bestOf(levels []types.PriceLevel) (price, size float64, ok bool) {
	if len(levels) == 0 {
		return 0, 0, false
	}
	price = parseQuote(levels[0].Price, 0)
	size = parseQuote(levels[0].Size, 0)
	return price, size, true
}

func parseQuote(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
