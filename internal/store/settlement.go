package store

import (
	"database/sql"
	"fmt"
	"time"

	"polyarb/pkg/types"
)

// AddToSettlementQueue upserts one position row. Re-registering the same
// trade/token pair (e.g. after a restart replay) only refreshes share and
// cost figures; claim bookkeeping survives.
func (s *Store) AddToSettlementQueue(p *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settlement_queue (
			trade_id, token_id, condition_id, side, asset,
			shares, entry_price, entry_cost, market_end_time, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trade_id, token_id) DO UPDATE SET
			shares = excluded.shares,
			entry_price = excluded.entry_price,
			entry_cost = excluded.entry_cost,
			market_end_time = excluded.market_end_time`,
		p.TradeID, p.TokenID, p.ConditionID, p.Side, p.Asset,
		p.Shares, p.EntryPrice, p.EntryCost,
		p.MarketEndTime.UTC().Format(timeFormat),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("enqueue position %s/%s: %w", p.TradeID, p.TokenID, err)
	}
	return nil
}

// MarkPositionClaimed records a successful redemption.
func (s *Store) MarkPositionClaimed(tradeID, tokenID string, proceeds, profit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE settlement_queue
		SET claimed = 1, claim_proceeds = ?, claim_profit = ?,
			last_claim_error = '', claimed_at = ?
		WHERE trade_id = ? AND token_id = ?`,
		proceeds, profit, time.Now().UTC().Format(timeFormat), tradeID, tokenID,
	)
	if err != nil {
		return fmt.Errorf("mark claimed %s/%s: %w", tradeID, tokenID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark claimed %s/%s: not found", tradeID, tokenID)
	}
	return nil
}

// RecordClaimAttempt bumps the attempt counter and stores the error text.
func (s *Store) RecordClaimAttempt(tradeID, tokenID, claimErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE settlement_queue
		SET claim_attempts = claim_attempts + 1, last_claim_error = ?
		WHERE trade_id = ? AND token_id = ?`,
		claimErr, tradeID, tokenID,
	)
	if err != nil {
		return fmt.Errorf("record claim attempt %s/%s: %w", tradeID, tokenID, err)
	}
	return nil
}

// GetClaimablePositions returns unclaimed positions whose market ended at
// least waitMinutes ago and which have attempts left, oldest market first.
func (s *Store) GetClaimablePositions(waitMinutes, maxAttempts int) ([]types.Position, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(waitMinutes) * time.Minute)
	rows, err := s.db.Query(`
		SELECT trade_id, token_id, condition_id, side, asset,
			shares, entry_price, entry_cost, market_end_time,
			claimed, claim_proceeds, claim_profit, claim_attempts, last_claim_error
		FROM settlement_queue
		WHERE claimed = 0 AND claim_attempts < ? AND market_end_time <= ?
		ORDER BY market_end_time ASC`,
		maxAttempts, cutoff.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query claimable: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetUnclaimedPositions returns every position still awaiting redemption,
// including those out of attempts (which need operator attention).
func (s *Store) GetUnclaimedPositions() ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT trade_id, token_id, condition_id, side, asset,
			shares, entry_price, entry_cost, market_end_time,
			claimed, claim_proceeds, claim_profit, claim_attempts, last_claim_error
		FROM settlement_queue
		WHERE claimed = 0
		ORDER BY market_end_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unclaimed: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]types.Position, error) {
	var out []types.Position
	for rows.Next() {
		var (
			p       types.Position
			endTime string
			claimed int
		)
		if err := rows.Scan(
			&p.TradeID, &p.TokenID, &p.ConditionID, &p.Side, &p.Asset,
			&p.Shares, &p.EntryPrice, &p.EntryCost, &endTime,
			&claimed, &p.ClaimProceeds, &p.ClaimProfit, &p.ClaimAttempts, &p.LastClaimError,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Claimed = claimed != 0
		p.MarketEndTime, _ = time.Parse(timeFormat, endTime)
		out = append(out, p)
	}
	return out, rows.Err()
}
