package store

import (
	"fmt"
	"time"
)

// telemetry.go holds the optional liquidity instrumentation: per-leg fill
// records for slippage analysis and pre-submit depth snapshots. Nothing on
// the trading path depends on these tables.

// FillRecord captures one leg's intended-vs-actual execution.
type FillRecord struct {
	TradeID       string
	TokenID       string
	Side          string // "YES" or "NO"
	IntendedPrice float64
	FillPrice     float64
	IntendedSize  float64
	FillSize      float64
}

// SaveFillRecord stores one fill. Slippage is derived, in cents.
func (s *Store) SaveFillRecord(f *FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slippageCents := (f.FillPrice - f.IntendedPrice) * 100
	_, err := s.db.Exec(`
		INSERT INTO fills (trade_id, token_id, side, intended_price, fill_price,
			intended_size, fill_size, slippage_cents, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		f.TradeID, f.TokenID, f.Side, f.IntendedPrice, f.FillPrice,
		f.IntendedSize, f.FillSize, slippageCents,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("save fill record: %w", err)
	}
	return nil
}

// SaveLiquiditySnapshot stores one side's pre-submit book depth.
func (s *Store) SaveLiquiditySnapshot(conditionID, tokenID, side string, bestPrice, bestSize, top3Depth float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO depth_snapshots (condition_id, token_id, side,
			best_price, best_size, top3_depth, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		conditionID, tokenID, side, bestPrice, bestSize, top3Depth,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("save liquidity snapshot: %w", err)
	}
	return nil
}

// SlippageStats aggregates fill quality over a window.
type SlippageStats struct {
	Fills            int
	AvgSlippageCents float64
	MaxSlippageCents float64
	AvgFillRate      float64 // fill_size / intended_size
}

// GetSlippageStats summarizes fills from the last N days.
func (s *Store) GetSlippageStats(days int) (*SlippageStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeFormat)
	st := &SlippageStats{}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(AVG(slippage_cents), 0),
			COALESCE(MAX(slippage_cents), 0),
			COALESCE(AVG(CASE WHEN intended_size > 0 THEN fill_size / intended_size END), 0)
		FROM fills WHERE created_at >= ?`, cutoff).
		Scan(&st.Fills, &st.AvgSlippageCents, &st.MaxSlippageCents, &st.AvgFillRate)
	if err != nil {
		return nil, fmt.Errorf("slippage stats: %w", err)
	}
	return st, nil
}

// CleanupOldLiquidityData drops telemetry rows older than the given number
// of days. Trade and settlement history is never touched.
func (s *Store) CleanupOldLiquidityData(days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeFormat)

	var removed int64
	for _, table := range []string{"fills", "depth_snapshots"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if removed > 0 {
		s.logger.Info("liquidity telemetry cleaned up", "rows", removed, "older_than_days", days)
	}
	return removed, nil
}
