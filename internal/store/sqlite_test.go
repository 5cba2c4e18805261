package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"autotrader/internal/models"
)

func newTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadBars(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	bars := []models.Bar{
		{Timestamp: base, Open: 100, High: 105, Low: 99, Close: 104, Volume: 1000},
		{Timestamp: base.Add(time.Minute), Open: 104, High: 106, Low: 103, Close: 105, Volume: 800},
		{Timestamp: base.Add(2 * time.Minute), Open: 105, High: 105, Low: 101, Close: 102, Volume: 1200},
	}
	if err := db.SaveBars("AAPL", bars); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}

	got, err := db.LoadBars("AAPL", base, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d bars, want 3", len(got))
	}
	for i := range got {
		if !got[i].Timestamp.Equal(bars[i].Timestamp) || got[i].Close != bars[i].Close {
			t.Errorf("bar %d = %+v, want %+v", i, got[i], bars[i])
		}
	}

	// Range query excludes out-of-window bars.
	partial, err := db.LoadBars("AAPL", base.Add(time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("LoadBars partial: %v", err)
	}
	if len(partial) != 1 || partial[0].Close != 105 {
		t.Errorf("partial load = %+v, want the middle bar", partial)
	}

	// Other symbols see nothing.
	other, err := db.LoadBars("MSFT", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("LoadBars other symbol: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("unexpected bars for MSFT: %+v", other)
	}
}

func TestSaveBarsUpserts(t *testing.T) {
	db := newTestDB(t)

	ts := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	if err := db.SaveBars("AAPL", []models.Bar{{Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}}); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}
	// A corrected bar for the same instant replaces the first one.
	if err := db.SaveBars("AAPL", []models.Bar{{Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 101, Volume: 20}}); err != nil {
		t.Fatalf("SaveBars replace: %v", err)
	}

	got, err := db.LoadBars("AAPL", ts, ts)
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 101 || got[0].Volume != 20 {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestTradeLedgerDayAggregates(t *testing.T) {
	db := newTestDB(t)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	trades := []TradeRecord{
		{Timestamp: day.Add(14 * time.Hour), Symbol: "AAPL", StrategyID: "s1", Quantity: 5, EntryPrice: 100, ExitPrice: 110, PnL: 50},
		{Timestamp: day.Add(15 * time.Hour), Symbol: "AAPL", StrategyID: "s1", Quantity: 5, EntryPrice: 110, ExitPrice: 104, PnL: -30},
		{Timestamp: day.Add(16 * time.Hour), Symbol: "MSFT", StrategyID: "s2", Quantity: 2, EntryPrice: 300, ExitPrice: 310, PnL: 20},
		// Previous day must not leak into today's aggregates.
		{Timestamp: day.Add(-2 * time.Hour), Symbol: "AAPL", StrategyID: "s1", Quantity: 1, EntryPrice: 90, ExitPrice: 80, PnL: -10},
	}
	for _, tr := range trades {
		if err := db.RecordTrade(tr); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	pnl, err := db.DayRealizedPnL(day.Add(18 * time.Hour))
	if err != nil {
		t.Fatalf("DayRealizedPnL: %v", err)
	}
	if math.Abs(pnl-40) > 1e-9 {
		t.Errorf("day pnl = %v, want 40", pnl)
	}

	n, err := db.TradeCountOn(day.Add(18 * time.Hour))
	if err != nil {
		t.Fatalf("TradeCountOn: %v", err)
	}
	if n != 3 {
		t.Errorf("day trade count = %d, want 3", n)
	}

	// An empty day reports zero, not an error.
	pnl, err = db.DayRealizedPnL(day.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("DayRealizedPnL empty day: %v", err)
	}
	if pnl != 0 {
		t.Errorf("empty day pnl = %v, want 0", pnl)
	}
}

func TestTradesForStrategy(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := TradeRecord{
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Symbol:     "AAPL",
			StrategyID: "s1",
			Quantity:   1,
			EntryPrice: 100,
			ExitPrice:  100 + float64(i),
			PnL:        float64(i),
		}
		if err := db.RecordTrade(rec); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}
	if err := db.RecordTrade(TradeRecord{Timestamp: base, Symbol: "MSFT", StrategyID: "s2", Quantity: 1, EntryPrice: 1, ExitPrice: 1}); err != nil {
		t.Fatalf("RecordTrade other strategy: %v", err)
	}

	got, err := db.TradesForStrategy("s1")
	if err != nil {
		t.Fatalf("TradesForStrategy: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d trades, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Error("trades not in ascending time order")
		}
	}
	if got[0].ID == "" {
		t.Error("trade id not assigned on insert")
	}
}
