package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/audit"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/internal/safety"
)

type routerFixture struct {
	router   *Router
	mock     *MockBroker
	auditDir string
}

func newRouterFixture(t *testing.T, policy safety.Policy, dryRun bool) *routerFixture {
	t.Helper()
	auditDir := filepath.Join(t.TempDir(), "audit")
	auditL, err := audit.NewLogger(audit.Config{LogDir: auditDir, MaxSize: 10}, "test")
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	t.Cleanup(func() { auditL.Close() })

	mock := NewMockBroker(100000)
	router := NewRouter(RouterConfig{
		Broker: mock,
		Gate:   safety.NewGate(policy),
		Audit:  auditL,
		Logger: zerolog.Nop(),
		DryRun: dryRun,
	})
	return &routerFixture{router: router, mock: mock, auditDir: auditDir}
}

func (f *routerFixture) auditTypes(t *testing.T) []audit.EventType {
	t.Helper()
	file, err := os.Open(filepath.Join(f.auditDir, "audit.log"))
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	defer file.Close()

	var types []audit.EventType
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		types = append(types, ev.EventType)
	}
	return types
}

func limitBuy(clientID string, qty int, price float64) models.OrderRequest {
	return models.OrderRequest{
		ClientID:   clientID,
		StrategyID: "s1",
		Symbol:     "AAPL",
		Side:       models.OrderSideBuy,
		Type:       models.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: price,
	}
}

func TestRouterSubmitAudited(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{}, false)
	ctx := context.Background()

	order, err := f.router.Submit(ctx, limitBuy("c1", 2, 100))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.BrokerID == "" || order.Status != models.OrderStatusAccepted {
		t.Errorf("order = %+v", order)
	}

	types := f.auditTypes(t)
	if len(types) != 1 || types[0] != audit.EventOrderSubmitted {
		t.Errorf("audit events = %v, want one ORDER_SUBMITTED", types)
	}
}

func TestRouterDuplicateWindow(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{DuplicateWindow: time.Minute}, false)
	ctx := context.Background()

	if _, err := f.router.Submit(ctx, limitBuy("c1", 2, 100)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Identical symbol/side/quantity inside the window is refused even with
	// a fresh client id.
	_, err := f.router.Submit(ctx, limitBuy("c2", 2, 100))
	code, refused := errors.IsSafetyRefusal(err)
	if !refused || code != errors.SafetyDuplicateOrder {
		t.Errorf("second Submit: %v (code %q), want duplicate refusal", err, code)
	}

	// A different quantity is not a duplicate.
	if _, err := f.router.Submit(ctx, limitBuy("c3", 3, 100)); err != nil {
		t.Errorf("different quantity refused: %v", err)
	}
}

func TestRouterAcceptsBothBracketLegsInWindow(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{DuplicateWindow: time.Minute}, false)
	ctx := context.Background()

	// A filled bracket entry places its take-profit and stop-loss in the
	// same cycle: same symbol, side, and quantity. Neither leg may trip
	// the duplicate check.
	tp := models.OrderRequest{
		ClientID:   "s1-take_profit",
		StrategyID: "s1",
		Symbol:     "AAPL",
		Side:       models.OrderSideSell,
		Type:       models.OrderTypeLimit,
		Quantity:   10,
		LimitPrice: 110,
	}
	if _, err := f.router.Submit(ctx, tp); err != nil {
		t.Fatalf("take-profit leg: %v", err)
	}

	sl := models.OrderRequest{
		ClientID:   "s1-stop_loss",
		StrategyID: "s1",
		Symbol:     "AAPL",
		Side:       models.OrderSideSell,
		Type:       models.OrderTypeStop,
		Quantity:   10,
		StopPrice:  95,
	}
	if _, err := f.router.Submit(ctx, sl); err != nil {
		t.Fatalf("stop-loss leg refused after take-profit leg: %v", err)
	}

	open, _ := f.mock.GetOpenOrders(ctx)
	if len(open) != 2 {
		t.Errorf("open orders = %d, want both bracket legs", len(open))
	}
}

func TestRouterKillSwitch(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{KillSwitch: true}, false)

	_, err := f.router.Submit(context.Background(), limitBuy("c1", 1, 100))
	code, refused := errors.IsSafetyRefusal(err)
	if !refused || code != errors.SafetyKillSwitch {
		t.Errorf("Submit under kill switch: %v (code %q)", err, code)
	}

	open, _ := f.mock.GetOpenOrders(context.Background())
	if len(open) != 0 {
		t.Errorf("refused order reached the broker: %+v", open)
	}

	found := false
	for _, typ := range f.auditTypes(t) {
		if typ == audit.EventSafetyRefusal {
			found = true
		}
	}
	if !found {
		t.Error("refusal not audited")
	}
}

func TestRouterDryRun(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{}, true)

	_, err := f.router.Submit(context.Background(), limitBuy("c1", 1, 100))
	if !errors.Is(err, errors.ErrEngineDryRun) {
		t.Errorf("Submit in dry run: %v, want ErrEngineDryRun", err)
	}

	open, _ := f.mock.GetOpenOrders(context.Background())
	if len(open) != 0 {
		t.Errorf("dry run placed orders: %+v", open)
	}
}

func TestRouterSubmitIdempotentClientID(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{}, false)
	ctx := context.Background()

	first, err := f.router.Submit(ctx, limitBuy("stable", 1, 100))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := f.router.Submit(ctx, limitBuy("stable", 1, 100))
	if err != nil {
		t.Fatalf("retried Submit: %v", err)
	}
	if first.BrokerID != second.BrokerID {
		t.Errorf("retry created a second order: %s vs %s", first.BrokerID, second.BrokerID)
	}
}

func TestRouterCancelWithRetryExhausts(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{}, false)
	ctx := context.Background()

	order, err := f.router.Submit(ctx, limitBuy("c1", 1, 100))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.mock.CancelErr = fmt.Errorf("broker api unavailable")
	if err := f.router.CancelWithRetry(ctx, "s1", order.BrokerID, "AAPL"); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}

	// Once the broker recovers the same cancel succeeds.
	f.mock.CancelErr = nil
	if err := f.router.CancelWithRetry(ctx, "s1", order.BrokerID, "AAPL"); err != nil {
		t.Errorf("cancel after recovery: %v", err)
	}
	got, err := f.router.OrderStatus(ctx, order.BrokerID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestRouterQuotePassthrough(t *testing.T) {
	f := newRouterFixture(t, safety.Policy{}, false)
	f.mock.SetQuote(models.Quote{Symbol: "AAPL", Last: 101.5, Timestamp: time.Now().UTC()})

	q, err := f.router.Quote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Last != 101.5 {
		t.Errorf("quote last = %v", q.Last)
	}

	if _, err := f.router.Quote(context.Background(), "MSFT"); err == nil {
		t.Error("expected error for unknown symbol")
	}
}
