package store

import (
	"database/sql"
	"fmt"
	"time"

	"polyarb/pkg/types"
)

const dateFormat = "2006-01-02"

// StatsDelta is an incremental update to one day's counters. Zero fields
// leave the stored value untouched.
type StatsDelta struct {
	PnL                float64
	Trades             int
	Wins               int
	Losses             int
	Exposure           float64
	OpportunitiesSeen  int
	OpportunitiesTaken int
}

// UpdateDailyStats applies a delta to the row for date (UTC "2006-01-02";
// empty means today), creating it if absent.
func (s *Store) UpdateDailyStats(date string, d StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if date == "" {
		date = time.Now().UTC().Format(dateFormat)
	}

	_, err := s.db.Exec(`
		INSERT INTO daily_stats (date, pnl, trades, wins, losses, exposure,
			opportunities_seen, opportunities_taken)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(date) DO UPDATE SET
			pnl = pnl + excluded.pnl,
			trades = trades + excluded.trades,
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			exposure = exposure + excluded.exposure,
			opportunities_seen = opportunities_seen + excluded.opportunities_seen,
			opportunities_taken = opportunities_taken + excluded.opportunities_taken`,
		date, d.PnL, d.Trades, d.Wins, d.Losses, d.Exposure,
		d.OpportunitiesSeen, d.OpportunitiesTaken,
	)
	if err != nil {
		return fmt.Errorf("update daily stats %s: %w", date, err)
	}
	return nil
}

// RecordRealizedPnL appends one ledger entry and returns the resulting
// circuit-breaker state. The ledger carries UNIQUE(trade_id, pnl_type) so a
// replay of the same economic event cannot double-count; the breaker flip
// happens in the same transaction as the append so a crash between the two
// cannot lose a trip.
//
// maxDailyLoss <= 0 disables the breaker (the ledger still accumulates).
func (s *Store) RecordRealizedPnL(tradeID string, amount float64, pnlType types.PnLType, maxDailyLoss float64) (*types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Format(dateFormat)
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO realized_pnl (trade_id, amount, pnl_type, date, created_at)
		VALUES (?,?,?,?,?)`,
		tradeID, amount, string(pnlType), today, now.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("append pnl ledger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Warn("duplicate pnl entry ignored",
			"trade_id", tradeID, "pnl_type", pnlType)
	}

	// The ledger sum for today is the source of truth for the breaker.
	var sum float64
	var count int
	if err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM realized_pnl WHERE date = ?`, today).Scan(&sum, &count); err != nil {
		return nil, fmt.Errorf("sum pnl ledger: %w", err)
	}

	cb, err := loadBreakerTx(tx, today)
	if err != nil {
		return nil, err
	}
	cb.RealizedPnL = sum
	cb.TradesToday = count

	if !cb.Hit && maxDailyLoss > 0 && sum <= -maxDailyLoss {
		cb.Hit = true
		cb.HitAt = now
		cb.HitReason = fmt.Sprintf("daily realized pnl %.2f breached -%.2f", sum, maxDailyLoss)
		s.logger.Error("circuit breaker tripped",
			"realized_pnl", sum, "max_daily_loss", maxDailyLoss, "trade_id", tradeID)
	}

	if err := saveBreakerTx(tx, cb); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cb, nil
}

// GetCircuitBreakerState returns today's breaker state, lazily resetting it
// when the stored row belongs to a previous UTC day.
func (s *Store) GetCircuitBreakerState() (*types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Format(dateFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cb, err := loadBreakerTx(tx, today)
	if err != nil {
		return nil, err
	}
	if err := saveBreakerTx(tx, cb); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cb, nil
}

// ResetCircuitBreaker clears the hit flag for today. Operator action; the
// ledger itself is untouched.
func (s *Store) ResetCircuitBreaker() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE circuit_breaker
		SET hit = 0, hit_at = NULL, hit_reason = ''
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("reset circuit breaker: %w", err)
	}
	s.logger.Warn("circuit breaker manually reset")
	return nil
}

// loadBreakerTx reads the singleton row, resetting it for a new day.
func loadBreakerTx(tx *sql.Tx, today string) (*types.CircuitBreakerState, error) {
	cb := &types.CircuitBreakerState{Date: today}

	var (
		date      string
		hit       int
		hitAt     sql.NullString
		hitReason string
	)
	err := tx.QueryRow(`
		SELECT date, realized_pnl, hit, hit_at, hit_reason, trades_today
		FROM circuit_breaker WHERE id = 1`).
		Scan(&date, &cb.RealizedPnL, &hit, &hitAt, &hitReason, &cb.TradesToday)
	switch {
	case err == sql.ErrNoRows:
		return cb, nil
	case err != nil:
		return nil, fmt.Errorf("load circuit breaker: %w", err)
	}

	if date != today {
		// New UTC day: yesterday's losses no longer gate trading.
		return cb, nil
	}

	cb.Hit = hit != 0
	cb.HitReason = hitReason
	if hitAt.Valid {
		cb.HitAt, _ = time.Parse(timeFormat, hitAt.String)
	}
	return cb, nil
}

func saveBreakerTx(tx *sql.Tx, cb *types.CircuitBreakerState) error {
	hit := 0
	if cb.Hit {
		hit = 1
	}
	var hitAt any
	if !cb.HitAt.IsZero() {
		hitAt = cb.HitAt.UTC().Format(timeFormat)
	}
	_, err := tx.Exec(`
		INSERT INTO circuit_breaker (id, date, realized_pnl, hit, hit_at, hit_reason, trades_today)
		VALUES (1,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			realized_pnl = excluded.realized_pnl,
			hit = excluded.hit,
			hit_at = excluded.hit_at,
			hit_reason = excluded.hit_reason,
			trades_today = excluded.trades_today`,
		cb.Date, cb.RealizedPnL, hit, hitAt, cb.HitReason, cb.TradesToday,
	)
	if err != nil {
		return fmt.Errorf("save circuit breaker: %w", err)
	}
	return nil
}

// GetTodayStats returns the counters for the current UTC day.
func (s *Store) GetTodayStats() (*types.DailyStats, error) {
	today := time.Now().UTC().Format(dateFormat)
	st := &types.DailyStats{Date: today}

	err := s.db.QueryRow(`
		SELECT pnl, trades, wins, losses, exposure,
			opportunities_seen, opportunities_taken
		FROM daily_stats WHERE date = ?`, today).
		Scan(&st.PnL, &st.Trades, &st.Wins, &st.Losses, &st.Exposure,
			&st.OpportunitiesSeen, &st.OpportunitiesTaken)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("today stats: %w", err)
	}
	return st, nil
}

// GetAllTimeStats aggregates the full daily history.
func (s *Store) GetAllTimeStats() (*types.AllTimeStats, error) {
	st := &types.AllTimeStats{}
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(pnl), 0), COALESCE(SUM(trades), 0),
			COALESCE(SUM(wins), 0), COALESCE(SUM(losses), 0)
		FROM daily_stats`).
		Scan(&st.TotalPnL, &st.TotalTrades, &st.Wins, &st.Losses)
	if err != nil {
		return nil, fmt.Errorf("all-time stats: %w", err)
	}
	if resolved := st.Wins + st.Losses; resolved > 0 {
		st.WinRate = float64(st.Wins) / float64(resolved)
	}
	return st, nil
}

// GetPnLHistory returns the cumulative realized-PnL series for a timeframe
// of "24h", "7d", or "all".
func (s *Store) GetPnLHistory(timeframe string) ([]types.PnLPoint, error) {
	var cutoff string
	switch timeframe {
	case "24h":
		cutoff = time.Now().UTC().Add(-24 * time.Hour).Format(timeFormat)
	case "7d":
		cutoff = time.Now().UTC().Add(-7 * 24 * time.Hour).Format(timeFormat)
	case "all", "":
		cutoff = ""
	default:
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}

	query := `SELECT created_at, amount FROM realized_pnl`
	args := []any{}
	if cutoff != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, cutoff)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pnl history: %w", err)
	}
	defer rows.Close()

	var (
		out []types.PnLPoint
		sum float64
	)
	for rows.Next() {
		var createdAt string
		var amount float64
		if err := rows.Scan(&createdAt, &amount); err != nil {
			return nil, fmt.Errorf("scan pnl point: %w", err)
		}
		ts, _ := time.Parse(timeFormat, createdAt)
		sum += amount
		out = append(out, types.PnLPoint{Time: ts, PnL: sum})
	}
	return out, rows.Err()
}
