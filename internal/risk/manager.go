// Package risk owns process-wide trading posture: which execution mode the
// engine is in, whether the scheduled blackout window is active, and how
// much of today's exposure budget remains.
//
// The blackout flag is recomputed by a cron tick (writer) and read on every
// trade decision (readers), so it lives in an atomic. Everything else sits
// behind a mutex; none of it is on a hot path.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Manager resolves the trading mode and tracks daily exposure.
type Manager struct {
	cfg    config.Config
	logger *slog.Logger

	inBlackout atomic.Bool

	mu           sync.Mutex
	exposureDay  string  // UTC date the exposure figure belongs to
	exposureUSD  float64 // capital committed today
	breakerHit   bool
	breakerState types.CircuitBreakerState

	now func() time.Time
}

// NewManager creates a risk manager. The blackout flag starts from the
// current clock so a restart inside the window is immediately covered.
func NewManager(cfg config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
	m.RefreshBlackout()
	return m
}

// Mode resolves the current trading mode. Priority when several conditions
// hold at once: BLACKOUT > CIRCUIT_BREAKER > DRY_RUN > LIVE.
func (m *Manager) Mode() types.TradingMode {
	if m.InBlackout() {
		return types.ModeBlackout
	}
	m.mu.Lock()
	hit := m.breakerHit
	m.mu.Unlock()
	if hit {
		return types.ModeCircuitBreaker
	}
	if m.cfg.DryRun {
		return types.ModeDryRun
	}
	return types.ModeLive
}

// SetBreakerState records the latest circuit-breaker state from the store.
func (m *Manager) SetBreakerState(cb types.CircuitBreakerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb.Hit && !m.breakerHit {
		m.logger.Error("circuit breaker active, live trading suspended",
			"realized_pnl", cb.RealizedPnL, "reason", cb.HitReason)
	}
	if !cb.Hit && m.breakerHit {
		m.logger.Info("circuit breaker cleared")
	}
	m.breakerHit = cb.Hit
	m.breakerState = cb
}

// BreakerState returns the last known circuit-breaker state.
func (m *Manager) BreakerState() types.CircuitBreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerState
}

// InBlackout reports whether the scheduled blackout window is active.
func (m *Manager) InBlackout() bool {
	return m.inBlackout.Load()
}

// RefreshBlackout recomputes the blackout flag from the wall clock. Called
// once a minute by the scheduler and once at startup.
func (m *Manager) RefreshBlackout() {
	active := m.computeBlackout(m.now())
	was := m.inBlackout.Swap(active)
	if active != was {
		if active {
			m.logger.Warn("entering blackout window, live trading suspended")
		} else {
			m.logger.Info("blackout window over, trading resumes")
		}
	}
}

// computeBlackout checks whether t falls inside the configured window in its
// own timezone. A window may span midnight (e.g. 23:50 to 00:10).
func (m *Manager) computeBlackout(t time.Time) bool {
	b := m.cfg.Blackout
	if !b.Enabled {
		return false
	}

	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		// Validate() catches this at startup; stay safe if it slips through.
		m.logger.Error("invalid blackout timezone, assuming blackout", "tz", b.Timezone)
		return true
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	start := b.StartHour*60 + b.StartMinute
	end := b.EndHour*60 + b.EndMinute

	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// AddExposure records capital committed to a trade, rolling the counter on
// UTC day change.
func (m *Manager) AddExposure(usd float64) {
	today := m.now().UTC().Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exposureDay != today {
		m.exposureDay = today
		m.exposureUSD = 0
	}
	m.exposureUSD += usd
}

// SetExposure overwrites today's exposure, used to rehydrate from the store
// at startup.
func (m *Manager) SetExposure(usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureDay = m.now().UTC().Format("2006-01-02")
	m.exposureUSD = usd
}

// TodayExposure returns the capital committed today.
func (m *Manager) TodayExposure() float64 {
	today := m.now().UTC().Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exposureDay != today {
		return 0
	}
	return m.exposureUSD
}

// CheckExposureCap reports whether committing more USD would breach the
// daily exposure cap. A cap of 0 disables the check.
func (m *Manager) CheckExposureCap(moreUSD float64) error {
	limit := m.cfg.Strategy.MaxDailyExposureUSD
	if limit <= 0 {
		return nil
	}
	current := m.TodayExposure()
	if current+moreUSD > limit {
		return fmt.Errorf("daily exposure cap: %.2f committed, %.2f requested, cap %.2f",
			current, moreUSD, limit)
	}
	return nil
}
