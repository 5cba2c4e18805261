package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// MockBroker is an in-memory broker for tests and dry runs. Orders rest
// until FillOrder is called or a price update crosses them; fills adjust
// positions and cash like a real account would.
type MockBroker struct {
	orders     map[string]*models.Order
	byClientID map[string]string
	positions  map[string]*models.Position
	cash       float64
	marketOpen bool

	priceCache map[string]models.Quote

	// CancelErr, when set, makes CancelOrder fail. Used to exercise the
	// bracket desync path.
	CancelErr error

	orderCounter int
	mu           sync.RWMutex
}

// NewMockBroker creates a mock broker with the given starting cash.
func NewMockBroker(initialCash float64) *MockBroker {
	return &MockBroker{
		orders:     make(map[string]*models.Order),
		byClientID: make(map[string]string),
		positions:  make(map[string]*models.Position),
		cash:       initialCash,
		marketOpen: true,
		priceCache: make(map[string]models.Quote),
	}
}

// SetQuote installs a quote for a symbol.
func (m *MockBroker) SetQuote(q models.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceCache[q.Symbol] = q
}

// SetMarketOpen controls the simulated market session.
func (m *MockBroker) SetMarketOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketOpen = open
}

// GetQuote returns the installed quote for a symbol.
func (m *MockBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.priceCache[symbol]
	if !ok {
		return nil, errors.NewDataError("quote", symbol, "no quote installed", errors.ErrSymbolNotFound)
	}
	return &q, nil
}

// IsMarketOpen reports the simulated session state.
func (m *MockBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marketOpen, nil
}

// SubmitOrder accepts an order. Market orders fill immediately at the
// installed quote; everything else rests until FillOrder.
func (m *MockBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent by client id.
	if id, ok := m.byClientID[req.ClientID]; ok && req.ClientID != "" {
		return m.cloneOrder(id)
	}

	m.orderCounter++
	now := time.Now().UTC()
	order := &models.Order{
		ClientID:     req.ClientID,
		BrokerID:     fmt.Sprintf("MOCK_%d", m.orderCounter),
		StrategyID:   req.StrategyID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		TrailPercent: req.TrailPercent,
		Watermark:    req.Watermark,
		OCOPeerID:    req.OCOPeerID,
		Status:       models.OrderStatusAccepted,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
	m.orders[order.BrokerID] = order
	if req.ClientID != "" {
		m.byClientID[req.ClientID] = order.BrokerID
	}

	if req.Type == models.OrderTypeMarket {
		if q, ok := m.priceCache[req.Symbol]; ok {
			m.fillLocked(order, q.Last)
		}
	}

	out := *order
	return &out, nil
}

// CancelOrder cancels a resting order.
func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}

	order, ok := m.orders[orderID]
	if !ok {
		return errors.NewOrderError(orderID, "", "cancel", "order not found", errors.ErrDataNotFound)
	}
	if order.Status.Final() {
		return errors.NewOrderError(orderID, order.Symbol, "cancel",
			fmt.Sprintf("cannot cancel order with status %s", order.Status), nil)
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

// GetOrder returns the current state of an order.
func (m *MockBroker) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cloneOrder(orderID)
}

// GetOpenOrders returns all non-final orders.
func (m *MockBroker) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Order
	for _, o := range m.orders {
		if o.Status.Live() {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetAccount returns the simulated account.
func (m *MockBroker) GetAccount(ctx context.Context) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	equity := m.cash
	for _, p := range m.positions {
		last := p.AvgEntryPrice
		if q, ok := m.priceCache[p.Symbol]; ok {
			last = q.Last
		}
		equity += last * float64(p.Quantity)
	}
	return &models.Account{
		Cash:        m.cash,
		Equity:      equity,
		BuyingPower: m.cash,
	}, nil
}

// GetPositions returns simulated positions with marks from the price cache.
func (m *MockBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		pos := *p
		if q, ok := m.priceCache[p.Symbol]; ok {
			pos.LastPrice = q.Last
			pos.MarketValue = q.Last * float64(pos.Quantity)
			pos.UnrealizedPL = (q.Last - pos.AvgEntryPrice) * float64(pos.Quantity)
		}
		out = append(out, pos)
	}
	return out, nil
}

// FillOrder marks a resting order filled at the given price. Test hook.
func (m *MockBroker) FillOrder(orderID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return errors.NewOrderError(orderID, "", "fill", "order not found", errors.ErrDataNotFound)
	}
	if order.Status.Final() {
		return errors.NewOrderError(orderID, order.Symbol, "fill",
			fmt.Sprintf("cannot fill order with status %s", order.Status), nil)
	}
	m.fillLocked(order, price)
	return nil
}

func (m *MockBroker) fillLocked(order *models.Order, price float64) {
	order.Status = models.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.UpdatedAt = time.Now().UTC()

	value := price * float64(order.Quantity)
	pos, exists := m.positions[order.Symbol]
	if order.Side == models.OrderSideBuy {
		if !exists {
			pos = &models.Position{Symbol: order.Symbol}
			m.positions[order.Symbol] = pos
		}
		totalCost := pos.AvgEntryPrice*float64(pos.Quantity) + value
		pos.Quantity += order.Quantity
		if pos.Quantity > 0 {
			pos.AvgEntryPrice = totalCost / float64(pos.Quantity)
		}
		m.cash -= value
	} else {
		if exists {
			pos.Quantity -= order.Quantity
			if pos.Quantity <= 0 {
				delete(m.positions, order.Symbol)
			}
		}
		m.cash += value
	}
}

func (m *MockBroker) cloneOrder(orderID string) (*models.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return nil, errors.NewOrderError(orderID, "", "get", "order not found", errors.ErrDataNotFound)
	}
	out := *order
	return &out, nil
}

// Ensure MockBroker implements Broker interface
var _ Broker = (*MockBroker)(nil)
