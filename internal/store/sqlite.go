// Package store provides SQLite-backed persistence for the bar cache and
// the trade ledger. The ledger feeds the safety gate's daily-loss and
// daily-trade-count checks.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"autotrader/internal/models"
)

// TradeRecord is one realized round trip written to the ledger.
type TradeRecord struct {
	ID         string
	Timestamp  time.Time
	Symbol     string
	StrategyID string
	Quantity   int
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
}

// SQLiteStore persists bars and trades.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Bars table for historical OHLCV data
	CREATE TABLE IF NOT EXISTS bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, timestamp);

	-- Trades table: realized round trips
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		strategy_id TEXT,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBars upserts a batch of bars for a symbol.
func (s *SQLiteStore) SaveBars(symbol string, bars []models.Bar) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting bar insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO bars (symbol, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("preparing bar insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(symbol, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("inserting bar %s: %w", b.Timestamp, err)
		}
	}
	return tx.Commit()
}

// LoadBars returns bars for a symbol within [from, to], ascending.
func (s *SQLiteStore) LoadBars(symbol string, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`,
		symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// RecordTrade appends a realized round trip to the ledger.
func (s *SQLiteStore) RecordTrade(t TradeRecord) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO trades (id, timestamp, symbol, strategy_id, quantity, entry_price, exit_price, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.UTC(), t.Symbol, t.StrategyID, t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL)
	if err != nil {
		return fmt.Errorf("recording trade: %w", err)
	}
	return nil
}

// DayRealizedPnL sums realized P&L for the calendar day containing t (UTC).
func (s *SQLiteStore) DayRealizedPnL(day time.Time) (float64, error) {
	start, end := dayBounds(day)
	var pnl sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT SUM(pnl) FROM trades WHERE timestamp >= ? AND timestamp < ?`,
		start, end).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("querying day pnl: %w", err)
	}
	return pnl.Float64, nil
}

// TradeCountOn counts ledger entries for the calendar day containing t (UTC).
func (s *SQLiteStore) TradeCountOn(day time.Time) (int, error) {
	start, end := dayBounds(day)
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM trades WHERE timestamp >= ? AND timestamp < ?`,
		start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting trades: %w", err)
	}
	return n, nil
}

// TradesForStrategy returns the ledger rows for one strategy, oldest first.
func (s *SQLiteStore) TradesForStrategy(strategyID string) ([]TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, symbol, strategy_id, quantity, entry_price, exit_price, pnl
		FROM trades WHERE strategy_id = ? ORDER BY timestamp ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.Symbol, &t.StrategyID, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func dayBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
