package backtest

import (
	"context"
	"fmt"
	"sort"

	"autotrader/internal/broker"
	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// HistoricalBroker answers the live broker surface against a bar replay.
// The driver advances it one bar at a time; resting orders become eligible
// for fills on the bar after submission, market orders fill immediately at
// the current bar's close.
type HistoricalBroker struct {
	symbol string
	cash   float64

	currentBar models.Bar
	seq        int

	orders     map[string]*models.Order
	byClientID map[string]string
	// submittedSeq tracks the bar an order arrived in; fills require a
	// strictly later bar.
	submittedSeq map[string]int
	// trailLevel is the per-order watermark for trailing stops.
	trailLevel map[string]float64

	positions map[string]int
	avgEntry  map[string]float64

	fillSeq      []string
	orderCounter int
}

// NewHistoricalBroker creates a simulator for one symbol.
func NewHistoricalBroker(symbol string, initialCash float64) *HistoricalBroker {
	return &HistoricalBroker{
		symbol:       symbol,
		cash:         initialCash,
		orders:       make(map[string]*models.Order),
		byClientID:   make(map[string]string),
		submittedSeq: make(map[string]int),
		trailLevel:   make(map[string]float64),
		positions:    make(map[string]int),
		avgEntry:     make(map[string]float64),
	}
}

// AdvanceBar installs the next bar and processes resting orders against it.
func (h *HistoricalBroker) AdvanceBar(bar models.Bar) {
	h.seq++
	h.currentBar = bar
	h.processPending(bar)
}

// Cash returns the current cash balance.
func (h *HistoricalBroker) Cash() float64 {
	return h.cash
}

// Equity marks open positions to the given price and adds cash.
func (h *HistoricalBroker) Equity(markPrice float64) float64 {
	eq := h.cash
	for _, qty := range h.positions {
		eq += float64(qty) * markPrice
	}
	return eq
}

// FilledOrders returns every filled order in fill order. The sequence is
// deterministic for a given bar series.
func (h *HistoricalBroker) FilledOrders() []models.Order {
	out := make([]models.Order, 0, len(h.fillSeq))
	for _, id := range h.fillSeq {
		out = append(out, *h.orders[id])
	}
	return out
}

// --- broker.Broker surface ---

// GetQuote derives a quote from the current bar.
func (h *HistoricalBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if h.seq == 0 {
		return nil, errors.NewDataError("quote", symbol, "no bar loaded", errors.ErrDataNotFound)
	}
	q := h.currentBar.QuoteAt(symbol)
	return &q, nil
}

// IsMarketOpen is always true during a replay.
func (h *HistoricalBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	return true, nil
}

// SubmitOrder accepts an order into the book. Market orders fill at the
// current bar's close; everything else rests until the next bar.
func (h *HistoricalBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if id, ok := h.byClientID[req.ClientID]; ok && req.ClientID != "" {
		out := *h.orders[id]
		return &out, nil
	}

	h.orderCounter++
	now := h.currentBar.Timestamp
	order := &models.Order{
		ClientID:     req.ClientID,
		BrokerID:     fmt.Sprintf("SIM_%d", h.orderCounter),
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
	h.orders[order.BrokerID] = order
	if req.ClientID != "" {
		h.byClientID[req.ClientID] = order.BrokerID
	}
	h.submittedSeq[order.BrokerID] = h.seq
	if req.Type == models.OrderTypeTrailingStop {
		h.trailLevel[order.BrokerID] = req.Watermark
	}

	if req.Type == models.OrderTypeMarket {
		h.fill(order, h.currentBar.Close)
	}

	out := *order
	return &out, nil
}

// CancelOrder cancels a resting order.
func (h *HistoricalBroker) CancelOrder(ctx context.Context, orderID string) error {
	order, ok := h.orders[orderID]
	if !ok {
		return errors.NewOrderError(orderID, h.symbol, "cancel", "order not found", errors.ErrDataNotFound)
	}
	if order.Status.Final() {
		return errors.NewOrderError(orderID, order.Symbol, "cancel",
			fmt.Sprintf("cannot cancel order with status %s", order.Status), nil)
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = h.currentBar.Timestamp
	return nil
}

// GetOrder returns the current state of an order.
func (h *HistoricalBroker) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, ok := h.orders[orderID]
	if !ok {
		return nil, errors.NewOrderError(orderID, h.symbol, "get", "order not found", errors.ErrDataNotFound)
	}
	out := *order
	return &out, nil
}

// GetOpenOrders returns all working orders.
func (h *HistoricalBroker) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	ids := h.liveOrderIDs()
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *h.orders[id])
	}
	return out, nil
}

// GetAccount returns the simulated account marked at the current close.
func (h *HistoricalBroker) GetAccount(ctx context.Context) (*models.Account, error) {
	eq := h.Equity(h.currentBar.Close)
	return &models.Account{
		Cash:        h.cash,
		Equity:      eq,
		BuyingPower: h.cash,
	}, nil
}

// GetPositions returns the simulated positions marked at the current close.
func (h *HistoricalBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	for sym, qty := range h.positions {
		if qty == 0 {
			continue
		}
		out = append(out, models.Position{
			Symbol:        sym,
			Quantity:      qty,
			AvgEntryPrice: h.avgEntry[sym],
			LastPrice:     h.currentBar.Close,
			MarketValue:   h.currentBar.Close * float64(qty),
			UnrealizedPL:  (h.currentBar.Close - h.avgEntry[sym]) * float64(qty),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// --- fill engine ---

// processPending runs the per-bar fill pass: OCO conflicts are resolved
// first, then orders fill in the fixed type order stop, limit, trailing.
func (h *HistoricalBroker) processPending(bar models.Bar) {
	eligible := h.eligibleOrderIDs()
	skip := h.resolveOCOConflicts(bar, eligible)

	byType := func(t models.OrderType) []string {
		var ids []string
		for _, id := range eligible {
			if h.orders[id].Type == t && !skip[id] {
				ids = append(ids, id)
			}
		}
		return ids
	}

	for _, t := range []models.OrderType{models.OrderTypeStop, models.OrderTypeLimit, models.OrderTypeTrailingStop} {
		for _, id := range byType(t) {
			order := h.orders[id]
			if order.Status.Final() {
				continue // cancelled mid-pass by an OCO fill
			}
			if t == models.OrderTypeTrailingStop {
				// Watermark advances to the bar high before the trigger
				// test, within the same bar.
				if bar.High > h.trailLevel[id] {
					h.trailLevel[id] = bar.High
					order.Watermark = bar.High
				}
			}
			ok, price := h.fillPrice(order, bar)
			if ok {
				h.fill(order, price)
			}
		}
	}
}

// eligibleOrderIDs lists live orders submitted before this bar, in
// submission order for determinism.
func (h *HistoricalBroker) eligibleOrderIDs() []string {
	ids := h.liveOrderIDs()
	var out []string
	for _, id := range ids {
		if h.submittedSeq[id] < h.seq {
			out = append(out, id)
		}
	}
	return out
}

func (h *HistoricalBroker) liveOrderIDs() []string {
	var ids []string
	for id, o := range h.orders {
		if o.Status.Live() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return h.submittedSeq[ids[i]] < h.submittedSeq[ids[j]] ||
			(h.submittedSeq[ids[i]] == h.submittedSeq[ids[j]] && ids[i] < ids[j])
	})
	return ids
}

// resolveOCOConflicts finds bracket pairs where both legs could fill in
// this bar and suppresses the losing side per the conservative policy: a
// gap open outside the bracket fills the gapped-to side at the open; an
// open inside the bracket fills the side reached first by the bar's
// direction of motion.
func (h *HistoricalBroker) resolveOCOConflicts(bar models.Bar, eligible []string) map[string]bool {
	skip := make(map[string]bool)
	seen := make(map[string]bool)

	for _, id := range eligible {
		order := h.orders[id]
		if order.OCOPeerID == "" || seen[id] {
			continue
		}
		peer, ok := h.orders[order.OCOPeerID]
		if !ok || !peer.Status.Live() {
			continue
		}
		seen[id] = true
		seen[peer.BrokerID] = true

		okA, _ := h.fillPrice(order, bar)
		okB, _ := h.fillPrice(peer, bar)
		if !okA || !okB {
			continue
		}

		// Identify the stop and limit legs of the pair.
		stop, limit := order, peer
		if stop.Type != models.OrderTypeStop {
			stop, limit = peer, order
		}

		var winner *models.Order
		switch {
		case bar.Open <= stop.StopPrice:
			winner = stop
		case bar.Open >= limit.LimitPrice:
			winner = limit
		case bar.Close >= bar.Open:
			winner = limit // rising bar reaches the upper level first
		default:
			winner = stop
		}

		if winner == stop {
			skip[limit.BrokerID] = true
		} else {
			skip[stop.BrokerID] = true
		}
	}
	return skip
}

// fillPrice applies the per-type fill rules against a bar. Returns whether
// the order fills and at what price.
func (h *HistoricalBroker) fillPrice(order *models.Order, bar models.Bar) (bool, float64) {
	switch order.Type {
	case models.OrderTypeMarket:
		return true, bar.Close

	case models.OrderTypeLimit:
		L := order.LimitPrice
		if order.Side == models.OrderSideBuy {
			if bar.Low <= L {
				return true, minF(L, bar.Open)
			}
		} else {
			if bar.High >= L {
				return true, maxF(L, bar.Open)
			}
		}

	case models.OrderTypeStop:
		S := order.StopPrice
		if order.Side == models.OrderSideBuy {
			if bar.High >= S {
				return true, maxF(S, bar.Open)
			}
		} else {
			if bar.Low <= S {
				return true, minF(S, bar.Open)
			}
		}

	case models.OrderTypeTrailingStop:
		w := h.trailLevel[order.BrokerID]
		trigger := w * (1 - order.TrailPercent)
		if bar.Low <= trigger {
			return true, minF(trigger, bar.Open)
		}
	}
	return false, 0
}

func (h *HistoricalBroker) fill(order *models.Order, price float64) {
	order.Status = models.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.UpdatedAt = h.currentBar.Timestamp
	h.fillSeq = append(h.fillSeq, order.BrokerID)

	value := price * float64(order.Quantity)
	if order.Side == models.OrderSideBuy {
		prevQty := h.positions[order.Symbol]
		totalCost := h.avgEntry[order.Symbol]*float64(prevQty) + value
		h.positions[order.Symbol] = prevQty + order.Quantity
		h.avgEntry[order.Symbol] = totalCost / float64(h.positions[order.Symbol])
		h.cash -= value
	} else {
		h.positions[order.Symbol] -= order.Quantity
		if h.positions[order.Symbol] == 0 {
			delete(h.positions, order.Symbol)
			delete(h.avgEntry, order.Symbol)
		}
		h.cash += value
	}

	h.cancelOCOPeers(order)
}

// cancelOCOPeers cancels the linked leg of a filled OCO order, in both
// link directions.
func (h *HistoricalBroker) cancelOCOPeers(filled *models.Order) {
	cancel := func(o *models.Order) {
		if o.Status.Live() {
			o.Status = models.OrderStatusCancelled
			o.UpdatedAt = h.currentBar.Timestamp
		}
	}
	if filled.OCOPeerID != "" {
		if peer, ok := h.orders[filled.OCOPeerID]; ok {
			cancel(peer)
		}
	}
	for _, o := range h.orders {
		if o.OCOPeerID == filled.BrokerID {
			cancel(o)
		}
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Ensure HistoricalBroker implements the broker surface.
var _ broker.Broker = (*HistoricalBroker)(nil)
