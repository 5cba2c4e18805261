// Package safety implements the pre-trade gate. Every order passes through
// Check before it reaches a broker; the gate is pure and deterministic so
// the same inputs always produce the same verdict.
package safety

import (
	"strings"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// Policy holds the gate limits. A zero limit disables that check.
type Policy struct {
	KillSwitch            bool
	AllowProduction       bool
	MaxPositionQty        int
	MaxPositionNotional   float64
	DailyLossLimit        float64
	MaxDailyTrades        int
	DuplicateWindow       time.Duration
	BlockPatternDayTrades bool
}

// PolicyFromConfig builds a Policy from the loaded safety section.
func PolicyFromConfig(cfg config.SafetyConfig) Policy {
	return Policy{
		KillSwitch:            cfg.KillSwitch,
		AllowProduction:       cfg.AllowProduction,
		MaxPositionQty:        cfg.MaxPositionQty,
		MaxPositionNotional:   cfg.MaxPositionNotional,
		DailyLossLimit:        cfg.DailyLossLimit,
		MaxDailyTrades:        cfg.MaxDailyTrades,
		DuplicateWindow:       time.Duration(cfg.DuplicateWindowSeconds) * time.Second,
		BlockPatternDayTrades: cfg.BlockPatternDayTrades,
	}
}

// RecentOrder is a previously submitted order used for duplicate detection.
// The identity carries the client id, order type, and reference price so a
// bracket's stop leg is never mistaken for a duplicate of its limit leg.
type RecentOrder struct {
	ClientID    string
	Symbol      string
	Side        models.OrderSide
	Type        models.OrderType
	Quantity    int
	Price       float64
	SubmittedAt time.Time
}

// Snapshot is everything the gate needs to decide, captured before the call.
// OpenOrders must include all non-final orders so reserved quantity counts
// against the position limits.
type Snapshot struct {
	Account      models.Account
	Positions    []models.Position
	OpenOrders   []models.Order
	RecentOrders []RecentOrder
	// RealizedDayPnL is today's closed P&L from the trade ledger. Negative
	// means a loss.
	RealizedDayPnL float64
	// TradesToday is the count of today's ledger entries.
	TradesToday int
	// LiveTrading is true when the order would reach a real brokerage
	// rather than a paper or mock adapter.
	LiveTrading bool
	Now         time.Time
}

// Gate evaluates orders against a Policy.
type Gate struct {
	policy Policy
	// killFile, when set, engages the kill switch whenever the file exists,
	// so an operator can halt a running engine without restarting it.
	killFile string
}

// NewGate creates a gate with the given policy.
func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// SetKillSwitch engages or releases the kill switch.
func (g *Gate) SetKillSwitch(on bool) {
	g.policy.KillSwitch = on
}

// SetKillFile points the gate at the operator kill-switch file; while the
// file exists every order is refused.
func (g *Gate) SetKillFile(path string) {
	g.killFile = path
}

// Check runs every gate rule against the order. Rules run in a fixed order
// and the first refusal wins; nil means the order may proceed.
func (g *Gate) Check(req models.OrderRequest, snap Snapshot) error {
	if g.policy.KillSwitch || (g.killFile != "" && KillSwitchEngaged(g.killFile)) {
		return errors.NewSafetyError(errors.SafetyKillSwitch, req.Symbol, "kill switch is engaged", 0, 0)
	}

	if snap.LiveTrading && !g.policy.AllowProduction {
		return errors.NewSafetyError(errors.SafetyProductionBlocked, req.Symbol,
			"live trading requires safety.allow_production", 0, 0)
	}

	if err := g.checkDuplicate(req, snap); err != nil {
		return err
	}

	if err := g.checkPatternDayTrade(req, snap); err != nil {
		return err
	}

	if req.Side == models.OrderSideBuy {
		if err := g.checkPositionQty(req, snap); err != nil {
			return err
		}
		if err := g.checkPositionNotional(req, snap); err != nil {
			return err
		}
	}

	if err := g.checkDailyLoss(req, snap); err != nil {
		return err
	}

	if err := g.checkDailyTrades(req, snap); err != nil {
		return err
	}

	if req.Side == models.OrderSideBuy {
		if err := g.checkBuyingPower(req, snap); err != nil {
			return err
		}
	}

	return nil
}

func (g *Gate) checkDuplicate(req models.OrderRequest, snap Snapshot) error {
	if g.policy.DuplicateWindow <= 0 {
		return nil
	}
	cutoff := snap.Now.Add(-g.policy.DuplicateWindow)
	price := orderReferencePrice(req)
	for _, r := range snap.RecentOrders {
		if r.SubmittedAt.Before(cutoff) {
			continue
		}
		// A resubmit under the same client id is the idempotent retry path,
		// not an accidental duplicate.
		if r.ClientID != "" && r.ClientID == req.ClientID {
			continue
		}
		if strings.EqualFold(r.Symbol, req.Symbol) && r.Side == req.Side &&
			r.Type == req.Type && r.Quantity == req.Quantity && r.Price == price {
			return errors.NewSafetyError(errors.SafetyDuplicateOrder, req.Symbol,
				"identical order submitted within duplicate window", 0, g.policy.DuplicateWindow.Seconds())
		}
	}
	return nil
}

func (g *Gate) checkPatternDayTrade(req models.OrderRequest, snap Snapshot) error {
	if !g.policy.BlockPatternDayTrades || req.Side != models.OrderSideSell {
		return nil
	}
	// Selling a position opened today while already at 3 round trips would
	// flag the account; refuse the trade instead.
	if !snap.Account.PatternDayTrader && snap.Account.DaytradeCount >= 3 {
		return errors.NewSafetyError(errors.SafetyPDTBlocked, req.Symbol,
			"sell would exceed pattern day trade limit", float64(snap.Account.DaytradeCount), 3)
	}
	return nil
}

func (g *Gate) checkPositionQty(req models.OrderRequest, snap Snapshot) error {
	if g.policy.MaxPositionQty <= 0 {
		return nil
	}
	projected := req.Quantity + heldQty(req.Symbol, snap.Positions) + reservedBuyQty(req.Symbol, snap.OpenOrders)
	if projected > g.policy.MaxPositionQty {
		return errors.NewSafetyError(errors.SafetyPositionSize, req.Symbol,
			"projected position quantity exceeds limit", float64(projected), float64(g.policy.MaxPositionQty))
	}
	return nil
}

func (g *Gate) checkPositionNotional(req models.OrderRequest, snap Snapshot) error {
	if g.policy.MaxPositionNotional <= 0 {
		return nil
	}
	price := orderReferencePrice(req)
	if price <= 0 {
		return nil // market order with no quote; notional is checked by buying power
	}
	held := 0.0
	for _, p := range snap.Positions {
		if strings.EqualFold(p.Symbol, req.Symbol) {
			held += p.MarketValue
		}
	}
	reserved := 0.0
	for _, o := range snap.OpenOrders {
		if o.Status.Live() && o.Side == models.OrderSideBuy && strings.EqualFold(o.Symbol, req.Symbol) {
			p := o.LimitPrice
			if p == 0 {
				p = o.StopPrice
			}
			reserved += float64(o.Quantity-o.FilledQty) * p
		}
	}
	projected := held + reserved + float64(req.Quantity)*price
	if projected > g.policy.MaxPositionNotional {
		return errors.NewSafetyError(errors.SafetyPositionNotional, req.Symbol,
			"projected position notional exceeds limit", projected, g.policy.MaxPositionNotional)
	}
	return nil
}

func (g *Gate) checkDailyLoss(req models.OrderRequest, snap Snapshot) error {
	if g.policy.DailyLossLimit <= 0 {
		return nil
	}
	loss := -snap.RealizedDayPnL
	if loss >= g.policy.DailyLossLimit {
		return errors.NewSafetyError(errors.SafetyDailyLoss, req.Symbol,
			"daily loss limit reached", loss, g.policy.DailyLossLimit)
	}
	return nil
}

func (g *Gate) checkDailyTrades(req models.OrderRequest, snap Snapshot) error {
	if g.policy.MaxDailyTrades <= 0 {
		return nil
	}
	if snap.TradesToday >= g.policy.MaxDailyTrades {
		return errors.NewSafetyError(errors.SafetyDailyTrades, req.Symbol,
			"daily trade limit reached", float64(snap.TradesToday), float64(g.policy.MaxDailyTrades))
	}
	return nil
}

func (g *Gate) checkBuyingPower(req models.OrderRequest, snap Snapshot) error {
	price := orderReferencePrice(req)
	if price <= 0 {
		return nil
	}
	cost := float64(req.Quantity) * price
	reserved := 0.0
	for _, o := range snap.OpenOrders {
		if o.Status.Live() && o.Side == models.OrderSideBuy {
			p := o.LimitPrice
			if p == 0 {
				p = o.StopPrice
			}
			reserved += float64(o.Quantity-o.FilledQty) * p
		}
	}
	if cost+reserved > snap.Account.BuyingPower {
		return errors.NewSafetyError(errors.SafetyBuyingPower, req.Symbol,
			"order cost exceeds available buying power", cost+reserved, snap.Account.BuyingPower)
	}
	return nil
}

func heldQty(symbol string, positions []models.Position) int {
	total := 0
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			total += p.Quantity
		}
	}
	return total
}

func reservedBuyQty(symbol string, orders []models.Order) int {
	total := 0
	for _, o := range orders {
		if o.Status.Live() && o.Side == models.OrderSideBuy && strings.EqualFold(o.Symbol, symbol) {
			total += o.Quantity - o.FilledQty
		}
	}
	return total
}

// orderReferencePrice picks the price the gate sizes an order at: the limit
// price, else the stop price, else zero for market orders.
func orderReferencePrice(req models.OrderRequest) float64 {
	if req.LimitPrice > 0 {
		return req.LimitPrice
	}
	if req.StopPrice > 0 {
		return req.StopPrice
	}
	return 0
}
