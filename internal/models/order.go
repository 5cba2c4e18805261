// Package models defines the core data types shared across the engine,
// the broker adapters, and the backtest simulator.
package models

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Final reports whether the status is terminal.
func (s OrderStatus) Final() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Live reports whether the order is still working at the broker.
func (s OrderStatus) Live() bool {
	return s == OrderStatusPending || s == OrderStatusAccepted || s == OrderStatusPartial
}

// OrderRequest is an outgoing instruction before the broker has seen it.
// ClientID is stable across retries; the broker assigns its own id on accept.
type OrderRequest struct {
	ClientID     string    `json:"client_id"`
	StrategyID   string    `json:"strategy_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	Type         OrderType `json:"type"`
	Quantity     int       `json:"quantity"`
	LimitPrice   float64   `json:"limit_price,omitempty"`
	StopPrice    float64   `json:"stop_price,omitempty"`
	TrailPercent float64   `json:"trail_percent,omitempty"`
	// Watermark seeds trailing-stop tracking; usually the entry fill price.
	Watermark float64 `json:"watermark,omitempty"`
	OCOPeerID string  `json:"oco_peer_id,omitempty"`
}

// Order is the broker-side view of an order.
type Order struct {
	ClientID     string      `json:"client_id"`
	BrokerID     string      `json:"broker_id,omitempty"`
	StrategyID   string      `json:"strategy_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Quantity     int         `json:"quantity"`
	LimitPrice   float64     `json:"limit_price,omitempty"`
	StopPrice    float64     `json:"stop_price,omitempty"`
	TrailPercent float64     `json:"trail_percent,omitempty"`
	Watermark    float64     `json:"watermark,omitempty"`
	OCOPeerID    string      `json:"oco_peer_id,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    int         `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price,omitempty"`
	// Commission is a per-trade cash adjustment; zero in v1.
	Commission  float64   `json:"commission,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Quote is a point-in-time market snapshot. In backtests High and Low carry
// the bar range; live adapters may leave them equal to Last.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Mid returns the bid/ask midpoint, falling back to Last when the book is empty.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Account holds broker account state.
type Account struct {
	Cash             float64 `json:"cash"`
	Equity           float64 `json:"equity"`
	BuyingPower      float64 `json:"buying_power"`
	DayPnL           float64 `json:"day_pnl"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	DaytradeCount    int     `json:"daytrade_count"`
}

// Position is an open holding.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      int     `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	LastPrice     float64 `json:"last_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
}
