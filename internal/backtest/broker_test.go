package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"autotrader/internal/models"
)

var barBase = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

// barN builds the n-th bar of a series, one minute apart.
func barN(n int, o, h, l, c float64) models.Bar {
	return models.Bar{
		Timestamp: barBase.Add(time.Duration(n) * time.Minute),
		Open:      o, High: h, Low: l, Close: c,
		Volume: 1000,
	}
}

func flatBar(n int, price float64) models.Bar {
	return barN(n, price, price, price, price)
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMarketOrderFillsAtCurrentClose(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 10000)
	hb.AdvanceBar(barN(0, 100, 102, 99, 101))

	order, err := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Quantity: 3,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if order.Status != models.OrderStatusFilled || !near(order.AvgFillPrice, 101) {
		t.Errorf("market fill = %+v, want filled at 101", order)
	}
	if !near(hb.Cash(), 10000-3*101) {
		t.Errorf("cash = %v", hb.Cash())
	}
}

func TestRestingOrderWaitsOneBar(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 10000)
	hb.AdvanceBar(barN(0, 100, 101, 95, 100))

	// A limit buy at 100 submitted during this bar must not fill against it,
	// even though the bar's range crosses the limit.
	order, err := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 100,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	got, _ := hb.GetOrder(ctx, order.BrokerID)
	if got.Status != models.OrderStatusAccepted {
		t.Fatalf("order filled on its submission bar: %+v", got)
	}

	hb.AdvanceBar(barN(1, 102, 103, 100, 102))
	got, _ = hb.GetOrder(ctx, order.BrokerID)
	if got.Status != models.OrderStatusFilled {
		t.Fatalf("order did not fill on the next bar: %+v", got)
	}
}

func TestLimitFillPrices(t *testing.T) {
	tests := []struct {
		name      string
		side      models.OrderSide
		limit     float64
		bar       models.Bar
		wantFill  bool
		wantPrice float64
	}{
		{"buy touches low exactly", models.OrderSideBuy, 100, barN(1, 103, 104, 100, 102), true, 100},
		{"buy gaps below limit fills at open", models.OrderSideBuy, 100, barN(1, 97, 99, 96, 98), true, 97},
		{"buy never reached", models.OrderSideBuy, 100, barN(1, 103, 105, 101, 104), false, 0},
		{"sell touches high exactly", models.OrderSideSell, 110, barN(1, 106, 110, 105, 108), true, 110},
		{"sell gaps above limit fills at open", models.OrderSideSell, 110, barN(1, 115, 117, 112, 116), true, 115},
		{"sell never reached", models.OrderSideSell, 110, barN(1, 106, 109, 105, 108), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			hb := NewHistoricalBroker("AAPL", 100000)
			hb.AdvanceBar(flatBar(0, 100))

			order, err := hb.SubmitOrder(ctx, models.OrderRequest{
				ClientID: "c1", Symbol: "AAPL", Side: tt.side,
				Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: tt.limit,
			})
			if err != nil {
				t.Fatalf("SubmitOrder: %v", err)
			}

			hb.AdvanceBar(tt.bar)
			got, _ := hb.GetOrder(ctx, order.BrokerID)
			if tt.wantFill {
				if got.Status != models.OrderStatusFilled || !near(got.AvgFillPrice, tt.wantPrice) {
					t.Errorf("got %s at %v, want fill at %v", got.Status, got.AvgFillPrice, tt.wantPrice)
				}
			} else if got.Status != models.OrderStatusAccepted {
				t.Errorf("got %s, want still working", got.Status)
			}
		})
	}
}

func TestStopFillPrices(t *testing.T) {
	tests := []struct {
		name      string
		side      models.OrderSide
		stop      float64
		bar       models.Bar
		wantFill  bool
		wantPrice float64
	}{
		{"sell stop touched", models.OrderSideSell, 95, barN(1, 97, 98, 94, 96), true, 95},
		{"sell stop gapped through fills at open", models.OrderSideSell, 95, barN(1, 92, 93, 91, 92), true, 92},
		{"sell stop untouched", models.OrderSideSell, 95, barN(1, 97, 99, 96, 98), false, 0},
		{"buy stop touched", models.OrderSideBuy, 105, barN(1, 103, 106, 102, 105), true, 105},
		{"buy stop gapped through fills at open", models.OrderSideBuy, 105, barN(1, 108, 110, 107, 109), true, 108},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			hb := NewHistoricalBroker("AAPL", 100000)
			hb.AdvanceBar(flatBar(0, 100))

			order, err := hb.SubmitOrder(ctx, models.OrderRequest{
				ClientID: "c1", Symbol: "AAPL", Side: tt.side,
				Type: models.OrderTypeStop, Quantity: 1, StopPrice: tt.stop,
			})
			if err != nil {
				t.Fatalf("SubmitOrder: %v", err)
			}

			hb.AdvanceBar(tt.bar)
			got, _ := hb.GetOrder(ctx, order.BrokerID)
			if tt.wantFill {
				if got.Status != models.OrderStatusFilled || !near(got.AvgFillPrice, tt.wantPrice) {
					t.Errorf("got %s at %v, want fill at %v", got.Status, got.AvgFillPrice, tt.wantPrice)
				}
			} else if got.Status != models.OrderStatusAccepted {
				t.Errorf("got %s, want still working", got.Status)
			}
		})
	}
}

func TestTrailingStopTracksAndFills(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 100000)
	hb.AdvanceBar(flatBar(0, 100))

	order, err := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideSell,
		Type: models.OrderTypeTrailingStop, Quantity: 1,
		TrailPercent: 0.05, Watermark: 100,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	// Rally: watermark rides to 120, trigger 114, untouched.
	hb.AdvanceBar(barN(1, 110, 120, 109, 118))
	got, _ := hb.GetOrder(ctx, order.BrokerID)
	if got.Status != models.OrderStatusAccepted {
		t.Fatalf("trailing stop fired during rally: %+v", got)
	}
	if !near(got.Watermark, 120) {
		t.Errorf("watermark = %v, want 120", got.Watermark)
	}

	// Pullback through the trigger fills at min(trigger, open).
	hb.AdvanceBar(barN(2, 110, 112, 108, 109))
	got, _ = hb.GetOrder(ctx, order.BrokerID)
	if got.Status != models.OrderStatusFilled {
		t.Fatalf("trailing stop did not fire: %+v", got)
	}
	if !near(got.AvgFillPrice, 110) {
		t.Errorf("fill = %v, want open 110 (trigger %v gapped through)", got.AvgFillPrice, 120*0.95)
	}
}

func TestTrailingStopWatermarkAdvancesBeforeTrigger(t *testing.T) {
	// Within one bar the high raises the watermark first; only then is the
	// trigger tested against the low.
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 100000)
	hb.AdvanceBar(flatBar(0, 100))

	order, _ := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideSell,
		Type: models.OrderTypeTrailingStop, Quantity: 1,
		TrailPercent: 0.10, Watermark: 100,
	})

	// Old trigger would be 90; the new high 120 moves it to 108. The low of
	// 107 pierces the new trigger, so the same bar fills the order.
	hb.AdvanceBar(barN(1, 110, 120, 107, 112))
	got, _ := hb.GetOrder(ctx, order.BrokerID)
	if got.Status != models.OrderStatusFilled {
		t.Fatalf("same-bar watermark advance not applied: %+v", got)
	}
	if !near(got.AvgFillPrice, 108) {
		t.Errorf("fill = %v, want the updated trigger 108", got.AvgFillPrice)
	}
}

func TestOCOGapOpenStopWins(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 100000)
	hb.AdvanceBar(flatBar(0, 100))

	tp, _ := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "tp", Symbol: "AAPL", Side: models.OrderSideSell,
		Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 110,
	})
	sl, _ := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "sl", Symbol: "AAPL", Side: models.OrderSideSell,
		Type: models.OrderTypeStop, Quantity: 1, StopPrice: 95, OCOPeerID: tp.BrokerID,
	})

	// Both levels are inside the bar, but the open gapped to the stop side.
	hb.AdvanceBar(barN(1, 92, 111, 92, 110))

	gotSL, _ := hb.GetOrder(ctx, sl.BrokerID)
	gotTP, _ := hb.GetOrder(ctx, tp.BrokerID)
	if gotSL.Status != models.OrderStatusFilled || !near(gotSL.AvgFillPrice, 92) {
		t.Errorf("stop = %+v, want fill at the gap open 92", gotSL)
	}
	if gotTP.Status != models.OrderStatusCancelled {
		t.Errorf("take profit = %s, want cancelled by the OCO link", gotTP.Status)
	}
}

func TestOCORisingBarLimitWins(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 100000)
	hb.AdvanceBar(flatBar(0, 100))

	tp, _ := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "tp", Symbol: "AAPL", Side: models.OrderSideSell,
		Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 110,
	})
	_, _ = hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "sl", Symbol: "AAPL", Side: models.OrderSideSell,
		Type: models.OrderTypeStop, Quantity: 1, StopPrice: 95, OCOPeerID: tp.BrokerID,
	})

	// Open inside the bracket, rising close: the limit side is credited.
	hb.AdvanceBar(barN(1, 100, 112, 94, 111))

	gotTP, _ := hb.GetOrder(ctx, tp.BrokerID)
	if gotTP.Status != models.OrderStatusFilled || !near(gotTP.AvgFillPrice, 110) {
		t.Errorf("take profit = %+v, want fill at 110", gotTP)
	}
	gotSL, _ := hb.GetOrder(ctx, hb.byClientID["sl"])
	if gotSL.Status != models.OrderStatusCancelled {
		t.Errorf("stop = %s, want cancelled", gotSL.Status)
	}
}

func TestSubmitIsIdempotentByClientID(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 10000)
	hb.AdvanceBar(flatBar(0, 100))

	req := models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Quantity: 2,
	}
	first, err := hb.SubmitOrder(ctx, req)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	second, err := hb.SubmitOrder(ctx, req)
	if err != nil {
		t.Fatalf("SubmitOrder retry: %v", err)
	}
	if first.BrokerID != second.BrokerID {
		t.Errorf("retry created a new order: %s vs %s", first.BrokerID, second.BrokerID)
	}
	if !near(hb.Cash(), 10000-2*100) {
		t.Errorf("cash = %v, retry double-spent", hb.Cash())
	}
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 10000)
	hb.AdvanceBar(flatBar(0, 100))

	order, _ := hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 90,
	})
	if err := hb.CancelOrder(ctx, order.BrokerID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got, _ := hb.GetOrder(ctx, order.BrokerID)
	if got.Status != models.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Final orders cannot be cancelled again.
	if err := hb.CancelOrder(ctx, order.BrokerID); err == nil {
		t.Error("expected error cancelling a final order")
	}
	if err := hb.CancelOrder(ctx, "SIM_999"); err == nil {
		t.Error("expected error cancelling an unknown order")
	}
}

func TestEquityMarksOpenPositions(t *testing.T) {
	ctx := context.Background()
	hb := NewHistoricalBroker("AAPL", 10000)
	hb.AdvanceBar(flatBar(0, 100))

	_, _ = hb.SubmitOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Quantity: 5,
	})

	if !near(hb.Equity(100), 10000) {
		t.Errorf("equity at cost = %v, want 10000", hb.Equity(100))
	}
	if !near(hb.Equity(110), 10050) {
		t.Errorf("equity marked up = %v, want 10050", hb.Equity(110))
	}

	positions, _ := hb.GetPositions(ctx)
	if len(positions) != 1 || positions[0].Quantity != 5 || !near(positions[0].AvgEntryPrice, 100) {
		t.Errorf("positions = %+v", positions)
	}
}
