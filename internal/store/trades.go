package store

import (
	"database/sql"
	"fmt"
	"time"

	"polyarb/pkg/types"
)

// SaveTrade inserts or replaces one trade record. Called for every dual-leg
// attempt, real or simulated, whatever the outcome.
func (s *Store) SaveTrade(t *types.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolvedAt any
	if t.ResolvedAt != nil {
		resolvedAt = t.ResolvedAt.UTC().Format(timeFormat)
	}
	dryRun := 0
	if t.DryRun {
		dryRun = 1
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades (
			trade_id, condition_id, asset, market_slug, market_end_time,
			yes_token_id, no_token_id,
			yes_price, no_price, yes_cost, no_cost, yes_shares, no_shares,
			yes_order_status, no_order_status,
			hedge_ratio, execution_status, rebalance_action,
			expected_profit, actual_profit, status, dry_run,
			yes_depth, no_depth, created_at, resolved_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.TradeID, t.ConditionID, t.Asset, t.MarketSlug,
		t.MarketEndTime.UTC().Format(timeFormat),
		t.YesTokenID, t.NoTokenID,
		t.YesPrice, t.NoPrice, t.YesCost, t.NoCost, t.YesShares, t.NoShares,
		string(t.YesOrderStatus), string(t.NoOrderStatus),
		t.HedgeRatio, string(t.ExecutionStatus), string(t.RebalanceAction),
		t.ExpectedProfit, t.ActualProfit, string(t.Status), dryRun,
		t.YesDepth, t.NoDepth,
		t.CreatedAt.UTC().Format(timeFormat), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	return nil
}

// ResolveTrade marks a pending trade won or lost with its final profit.
func (s *Store) ResolveTrade(tradeID string, won bool, actualProfit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := types.TradeLoss
	if won {
		status = types.TradeWin
	}
	res, err := s.db.Exec(`
		UPDATE trades
		SET status = ?, actual_profit = ?, resolved_at = ?
		WHERE trade_id = ?`,
		string(status), actualProfit, time.Now().UTC().Format(timeFormat), tradeID,
	)
	if err != nil {
		return fmt.Errorf("resolve trade %s: %w", tradeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve trade %s: not found", tradeID)
	}
	return nil
}

// GetRecentTrades returns up to limit trades, newest first.
func (s *Store) GetRecentTrades(limit int) ([]types.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, condition_id, asset, market_slug, market_end_time,
			yes_token_id, no_token_id,
			yes_price, no_price, yes_cost, no_cost, yes_shares, no_shares,
			yes_order_status, no_order_status,
			hedge_ratio, execution_status, rebalance_action,
			expected_profit, actual_profit, status, dry_run,
			yes_depth, no_depth, created_at, resolved_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTrade loads one trade by ID; nil when absent.
func (s *Store) GetTrade(tradeID string) (*types.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, condition_id, asset, market_slug, market_end_time,
			yes_token_id, no_token_id,
			yes_price, no_price, yes_cost, no_cost, yes_shares, no_shares,
			yes_order_status, no_order_status,
			hedge_ratio, execution_status, rebalance_action,
			expected_profit, actual_profit, status, dry_run,
			yes_depth, no_depth, created_at, resolved_at
		FROM trades WHERE trade_id = ?`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanTrade(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTrade(rows *sql.Rows) (types.TradeRecord, error) {
	var (
		t                    types.TradeRecord
		endTime, createdAt   string
		resolvedAt           sql.NullString
		yesStatus, noStatus  string
		execStatus, rebal    string
		status               string
		dryRun               int
	)
	err := rows.Scan(
		&t.TradeID, &t.ConditionID, &t.Asset, &t.MarketSlug, &endTime,
		&t.YesTokenID, &t.NoTokenID,
		&t.YesPrice, &t.NoPrice, &t.YesCost, &t.NoCost, &t.YesShares, &t.NoShares,
		&yesStatus, &noStatus,
		&t.HedgeRatio, &execStatus, &rebal,
		&t.ExpectedProfit, &t.ActualProfit, &status, &dryRun,
		&t.YesDepth, &t.NoDepth, &createdAt, &resolvedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan trade: %w", err)
	}

	t.YesOrderStatus = types.OrderStatus(yesStatus)
	t.NoOrderStatus = types.OrderStatus(noStatus)
	t.ExecutionStatus = types.ExecutionStatus(execStatus)
	t.RebalanceAction = types.RebalanceAction(rebal)
	t.Status = types.TradeStatus(status)
	t.DryRun = dryRun != 0
	t.MarketEndTime, _ = time.Parse(timeFormat, endTime)
	t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if resolvedAt.Valid {
		if ts, perr := time.Parse(timeFormat, resolvedAt.String); perr == nil {
			t.ResolvedAt = &ts
		}
	}
	return t, nil
}

// SaveMarket upserts a discovered market so the dashboard can show history.
func (s *Store) SaveMarket(m *types.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO markets (condition_id, slug, question, asset,
			yes_token_id, no_token_id, start_time, end_time, discovered_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(condition_id) DO UPDATE SET
			slug = excluded.slug,
			question = excluded.question,
			end_time = excluded.end_time`,
		m.ConditionID, m.Slug, m.Question, m.Asset,
		m.YesTokenID, m.NoTokenID,
		m.StartTime.UTC().Format(timeFormat),
		m.EndTime.UTC().Format(timeFormat),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("save market %s: %w", m.ConditionID, err)
	}
	return nil
}
