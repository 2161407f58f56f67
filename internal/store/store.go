// Package store is the durable record of everything the engine does:
// trades, positions awaiting on-chain settlement, per-day counters, the
// realized-PnL ledger that backs the daily circuit breaker, and optional
// fill/depth telemetry.
//
// Backed by SQLite (pure-Go driver) in WAL mode. Writes are serialized
// behind a mutex on top of the driver's own locking; reads go straight to
// the pool. Schema setup is idempotent and additive only, so restarts and
// upgrades converge without a migration tool.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// timeFormat is how timestamps are stored. RFC3339 sorts lexicographically,
// which the history queries rely on.
const timeFormat = "2006-01-02T15:04:05.999999999Z07:00"

// Store wraps the SQLite handle. All mutating operations take the write
// mutex; each is individually atomic.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates (or opens) the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writes per connection; one writer avoids
	// SQLITE_BUSY churn under concurrent cron + trade-path writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id         TEXT PRIMARY KEY,
			condition_id     TEXT NOT NULL,
			asset            TEXT NOT NULL DEFAULT '',
			market_slug      TEXT NOT NULL DEFAULT '',
			market_end_time  TEXT NOT NULL DEFAULT '',
			yes_token_id     TEXT NOT NULL DEFAULT '',
			no_token_id      TEXT NOT NULL DEFAULT '',
			yes_price        REAL NOT NULL DEFAULT 0,
			no_price         REAL NOT NULL DEFAULT 0,
			yes_cost         REAL NOT NULL DEFAULT 0,
			no_cost          REAL NOT NULL DEFAULT 0,
			yes_shares       REAL NOT NULL DEFAULT 0,
			no_shares        REAL NOT NULL DEFAULT 0,
			yes_order_status TEXT NOT NULL DEFAULT '',
			no_order_status  TEXT NOT NULL DEFAULT '',
			hedge_ratio      REAL NOT NULL DEFAULT 0,
			execution_status TEXT NOT NULL DEFAULT '',
			rebalance_action TEXT NOT NULL DEFAULT '',
			expected_profit  REAL NOT NULL DEFAULT 0,
			actual_profit    REAL NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'pending',
			dry_run          INTEGER NOT NULL DEFAULT 0,
			yes_depth        REAL NOT NULL DEFAULT 0,
			no_depth         REAL NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			resolved_at      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_condition ON trades(condition_id)`,

		`CREATE TABLE IF NOT EXISTS settlement_queue (
			trade_id         TEXT NOT NULL,
			token_id         TEXT NOT NULL,
			condition_id     TEXT NOT NULL,
			side             TEXT NOT NULL DEFAULT '',
			asset            TEXT NOT NULL DEFAULT '',
			shares           REAL NOT NULL DEFAULT 0,
			entry_price      REAL NOT NULL DEFAULT 0,
			entry_cost       REAL NOT NULL DEFAULT 0,
			market_end_time  TEXT NOT NULL DEFAULT '',
			claimed          INTEGER NOT NULL DEFAULT 0,
			claim_proceeds   REAL NOT NULL DEFAULT 0,
			claim_profit     REAL NOT NULL DEFAULT 0,
			claim_attempts   INTEGER NOT NULL DEFAULT 0,
			last_claim_error TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			claimed_at       TEXT,
			PRIMARY KEY (trade_id, token_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlement_unclaimed
			ON settlement_queue(claimed, market_end_time)`,

		`CREATE TABLE IF NOT EXISTS markets (
			condition_id  TEXT PRIMARY KEY,
			slug          TEXT NOT NULL DEFAULT '',
			question      TEXT NOT NULL DEFAULT '',
			asset         TEXT NOT NULL DEFAULT '',
			yes_token_id  TEXT NOT NULL DEFAULT '',
			no_token_id   TEXT NOT NULL DEFAULT '',
			start_time    TEXT NOT NULL DEFAULT '',
			end_time      TEXT NOT NULL DEFAULT '',
			discovered_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS daily_stats (
			date                TEXT PRIMARY KEY,
			pnl                 REAL NOT NULL DEFAULT 0,
			trades              INTEGER NOT NULL DEFAULT 0,
			wins                INTEGER NOT NULL DEFAULT 0,
			losses              INTEGER NOT NULL DEFAULT 0,
			exposure            REAL NOT NULL DEFAULT 0,
			opportunities_seen  INTEGER NOT NULL DEFAULT 0,
			opportunities_taken INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS realized_pnl (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id   TEXT NOT NULL,
			amount     REAL NOT NULL,
			pnl_type   TEXT NOT NULL,
			date       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (trade_id, pnl_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_realized_pnl_date ON realized_pnl(date)`,

		`CREATE TABLE IF NOT EXISTS circuit_breaker (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			date         TEXT NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			hit          INTEGER NOT NULL DEFAULT 0,
			hit_at       TEXT,
			hit_reason   TEXT NOT NULL DEFAULT '',
			trades_today INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS fills (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id       TEXT NOT NULL,
			token_id       TEXT NOT NULL,
			side           TEXT NOT NULL DEFAULT '',
			intended_price REAL NOT NULL DEFAULT 0,
			fill_price     REAL NOT NULL DEFAULT 0,
			intended_size  REAL NOT NULL DEFAULT 0,
			fill_size      REAL NOT NULL DEFAULT 0,
			slippage_cents REAL NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS depth_snapshots (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			condition_id TEXT NOT NULL,
			token_id     TEXT NOT NULL,
			side         TEXT NOT NULL DEFAULT '',
			best_price   REAL NOT NULL DEFAULT 0,
			best_size    REAL NOT NULL DEFAULT 0,
			top3_depth   REAL NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_depth_created ON depth_snapshots(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}
