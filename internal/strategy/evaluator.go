// Package strategy implements the per-phase evaluation logic for all
// strategy variants and the persistent strategy store.
//
// Evaluate is pure: given a strategy record, a quote, and an order-status
// lookup it returns the updated record and at most one Action. The caller
// (live engine or backtest driver) executes the action and commits the
// record, so behavior is identical against a live broker and the simulator.
package strategy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// OrderLookup resolves an order id to its current broker-side state.
type OrderLookup func(orderID string) (*models.Order, error)

// ActionType classifies what the evaluator wants done.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionSubmit
	ActionCancel
)

// OrderSlot names the role an order plays inside a strategy, so the commit
// helper knows which runtime field records it.
type OrderSlot string

const (
	SlotEntry      OrderSlot = "entry"
	SlotTakeProfit OrderSlot = "take_profit"
	SlotStopLoss   OrderSlot = "stop_loss"
	SlotRung       OrderSlot = "rung"
	SlotGrid       OrderSlot = "grid"
)

// Action is the single side effect an evaluation step may request.
type Action struct {
	Type    ActionType
	Slot    OrderSlot
	Index   int
	Request models.OrderRequest

	// Cancel fields. FilledOrderID is set when the cancel is an OCO peer
	// cancel so failures can be reported with full context.
	CancelOrderID string
	FilledOrderID string
	Reason        string
}

// Evaluate advances one strategy by one step. It never touches the store or
// the broker; the returned Action is the only requested side effect.
func Evaluate(s models.Strategy, q models.Quote, lookup OrderLookup, now time.Time) (models.Strategy, Action, error) {
	if s.Phase.Terminal() || s.Runtime.Quarantined || s.SchedulePending(now) {
		return s, Action{}, nil
	}

	switch s.Phase {
	case models.PhasePending:
		return evalPending(s, q, now)
	case models.PhaseEntryActive:
		return evalEntryActive(s, lookup, now)
	case models.PhasePositionOpen:
		return evalPositionOpen(s, q, lookup, now)
	case models.PhaseExiting:
		return evalExiting(s, lookup, now)
	}
	return s, Action{}, errors.NewValidationError("phase", s.Phase, "unknown phase")
}

// --- pending ---

func evalPending(s models.Strategy, q models.Quote, now time.Time) (models.Strategy, Action, error) {
	switch s.Variant {
	case models.VariantGrid:
		// Grid never places a single entry; it seeds symmetric resting
		// orders around the reference and goes straight to managing them.
		seedGrid(&s)
		s.Runtime.EntryFillPrice = s.Params.Grid.Reference
		s.Runtime.HighWatermark = s.Params.Grid.Reference
		if err := s.SetPhase(models.PhasePositionOpen); err != nil {
			return s, Action{}, err
		}
		return s, Action{}, nil

	case models.VariantPullbackTrailing:
		// Track the pre-entry high, then buy the dip.
		high := q.Last
		if q.High > high {
			high = q.High
		}
		if high > s.Runtime.PullbackReference {
			s.Runtime.PullbackReference = high
			s.UpdatedAt = now
		}
		trigger := s.Runtime.PullbackReference * (1 - s.Params.PullbackPct)
		if s.Runtime.PullbackReference <= 0 || q.Last > trigger {
			return s, Action{}, nil
		}
		return s, submitEntry(s, models.OrderTypeMarket, 0), nil
	}

	switch s.EntryType {
	case models.EntryLimit:
		return s, submitEntry(s, models.OrderTypeLimit, *s.EntryPrice), nil
	case models.EntryCondition:
		met, err := entryConditionMet(s.EntryCondition, q.Last)
		if err != nil {
			return s, Action{}, err
		}
		if !met {
			return s, Action{}, nil
		}
		return s, submitEntry(s, models.OrderTypeMarket, 0), nil
	default:
		return s, submitEntry(s, models.OrderTypeMarket, 0), nil
	}
}

func submitEntry(s models.Strategy, orderType models.OrderType, limitPrice float64) Action {
	return Action{
		Type: ActionSubmit,
		Slot: SlotEntry,
		Request: models.OrderRequest{
			ClientID:   clientID(s, SlotEntry, 0),
			StrategyID: s.ID,
			Symbol:     s.Symbol,
			Side:       models.OrderSideBuy,
			Type:       orderType,
			Quantity:   s.Quantity,
			LimitPrice: limitPrice,
		},
	}
}

// entryConditionMet parses "below:<price>" / "above:<price>" conditions.
func entryConditionMet(cond string, last float64) (bool, error) {
	parts := strings.SplitN(strings.TrimSpace(cond), ":", 2)
	if len(parts) != 2 {
		return false, errors.NewValidationError("entry_condition", cond, "want <below|above>:<price>")
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return false, errors.NewValidationError("entry_condition", cond, "bad price")
	}
	switch strings.ToLower(parts[0]) {
	case "below":
		return last <= price, nil
	case "above":
		return last >= price, nil
	}
	return false, errors.NewValidationError("entry_condition", cond, "want below or above")
}

// --- entry_active ---

func evalEntryActive(s models.Strategy, lookup OrderLookup, now time.Time) (models.Strategy, Action, error) {
	order, err := lookup(s.Runtime.EntryOrderID)
	if err != nil {
		return s, Action{}, errors.Wrap(err, "querying entry order")
	}

	switch order.Status {
	case models.OrderStatusFilled:
		s.Runtime.EntryFillPrice = order.AvgFillPrice
		s.Runtime.HighWatermark = order.AvgFillPrice
		if err := s.SetPhase(models.PhasePositionOpen); err != nil {
			return s, Action{}, err
		}
		return s, Action{}, nil
	case models.OrderStatusRejected:
		s.Runtime.LastError = fmt.Sprintf("entry order %s rejected", order.BrokerID)
		if err := s.SetPhase(models.PhaseCancelled); err != nil {
			return s, Action{}, err
		}
		return s, Action{}, nil
	case models.OrderStatusCancelled:
		if err := s.SetPhase(models.PhaseCancelled); err != nil {
			return s, Action{}, err
		}
		return s, Action{}, nil
	}
	return s, Action{}, nil
}

// --- position_open ---

func evalPositionOpen(s models.Strategy, q models.Quote, lookup OrderLookup, now time.Time) (models.Strategy, Action, error) {
	// Watermark bookkeeping is shared by the trailing variants.
	high := q.Last
	if q.High > high {
		high = q.High
	}
	if high > s.Runtime.HighWatermark {
		s.Runtime.HighWatermark = high
		s.UpdatedAt = now
	}

	switch s.Variant {
	case models.VariantTrailingStop, models.VariantPullbackTrailing:
		if s.Runtime.SLOrderID != "" {
			return s, Action{}, nil
		}
		return s, Action{
			Type: ActionSubmit,
			Slot: SlotStopLoss,
			Request: models.OrderRequest{
				ClientID:     clientID(s, SlotStopLoss, 0),
				StrategyID:   s.ID,
				Symbol:       s.Symbol,
				Side:         models.OrderSideSell,
				Type:         models.OrderTypeTrailingStop,
				Quantity:     s.Quantity,
				TrailPercent: s.Params.TrailingStopPct,
				Watermark:    s.Runtime.HighWatermark,
			},
		}, nil

	case models.VariantBracket:
		return evalBracketPlacement(s)

	case models.VariantScaleOut:
		if len(s.Runtime.Rungs) == 0 {
			seedRungs(&s)
		}
		for i := range s.Runtime.Rungs {
			r := s.Runtime.Rungs[i]
			if r.OrderID != "" {
				continue
			}
			return s, Action{
				Type:  ActionSubmit,
				Slot:  SlotRung,
				Index: i,
				Request: models.OrderRequest{
					ClientID:   clientID(s, SlotRung, i),
					StrategyID: s.ID,
					Symbol:     s.Symbol,
					Side:       models.OrderSideSell,
					Type:       models.OrderTypeLimit,
					Quantity:   r.Quantity,
					LimitPrice: r.Price,
				},
			}, nil
		}
		return s, Action{}, nil

	case models.VariantGrid:
		return evalGrid(s, lookup, now)
	}
	return s, Action{}, errors.NewValidationError("variant", s.Variant, "unknown variant")
}

// evalBracketPlacement places TP first, then SL linked to it. Sequential
// placement keeps the broker from ever seeing an unpaired stop.
func evalBracketPlacement(s models.Strategy) (models.Strategy, Action, error) {
	entry := s.Runtime.EntryFillPrice
	if s.Runtime.TPOrderID == "" {
		return s, Action{
			Type: ActionSubmit,
			Slot: SlotTakeProfit,
			Request: models.OrderRequest{
				ClientID:   clientID(s, SlotTakeProfit, 0),
				StrategyID: s.ID,
				Symbol:     s.Symbol,
				Side:       models.OrderSideSell,
				Type:       models.OrderTypeLimit,
				Quantity:   s.Quantity,
				LimitPrice: entry * (1 + s.Params.TakeProfitPct),
			},
		}, nil
	}
	if s.Runtime.SLOrderID == "" {
		return s, Action{
			Type: ActionSubmit,
			Slot: SlotStopLoss,
			Request: models.OrderRequest{
				ClientID:   clientID(s, SlotStopLoss, 0),
				StrategyID: s.ID,
				Symbol:     s.Symbol,
				Side:       models.OrderSideSell,
				Type:       models.OrderTypeStop,
				Quantity:   s.Quantity,
				StopPrice:  entry * (1 - s.Params.StopLossPct),
				OCOPeerID:  s.Runtime.TPOrderID,
			},
		}, nil
	}
	return s, Action{}, nil
}

// evalGrid detects fills, queues the one-rung-delayed replacement on the
// opposite side, and places the next resting order. Grid has no terminal
// phase: it runs until externally cancelled.
func evalGrid(s models.Strategy, lookup OrderLookup, now time.Time) (models.Strategy, Action, error) {
	spacing := s.Params.Grid.SpacingPct

	for i := range s.Runtime.GridLevels {
		lvl := &s.Runtime.GridLevels[i]
		if lvl.OrderID == "" || lvl.Filled {
			continue
		}
		order, err := lookup(lvl.OrderID)
		if err != nil {
			return s, Action{}, errors.Wrap(err, "querying grid order")
		}
		if order.Status != models.OrderStatusFilled {
			continue
		}
		lvl.Filled = true
		s.UpdatedAt = now

		// Each fill queues the symmetric order one rung away on the
		// other side.
		opposite := models.GridLevel{Quantity: lvl.Quantity}
		if lvl.Side == models.OrderSideBuy {
			opposite.Side = models.OrderSideSell
			opposite.Price = lvl.Price * (1 + spacing)
		} else {
			opposite.Side = models.OrderSideBuy
			opposite.Price = lvl.Price * (1 - spacing)
		}
		s.Runtime.GridLevels = append(s.Runtime.GridLevels, opposite)
	}

	for i := range s.Runtime.GridLevels {
		lvl := s.Runtime.GridLevels[i]
		if lvl.OrderID != "" || lvl.Filled {
			continue
		}
		orderType := models.OrderTypeLimit
		return s, Action{
			Type:  ActionSubmit,
			Slot:  SlotGrid,
			Index: i,
			Request: models.OrderRequest{
				ClientID:   clientID(s, SlotGrid, i),
				StrategyID: s.ID,
				Symbol:     s.Symbol,
				Side:       lvl.Side,
				Type:       orderType,
				Quantity:   lvl.Quantity,
				LimitPrice: lvl.Price,
			},
		}, nil
	}
	return s, Action{}, nil
}

// --- exiting ---

func evalExiting(s models.Strategy, lookup OrderLookup, now time.Time) (models.Strategy, Action, error) {
	switch s.Variant {
	case models.VariantTrailingStop, models.VariantPullbackTrailing:
		order, err := lookup(s.Runtime.SLOrderID)
		if err != nil {
			return s, Action{}, errors.Wrap(err, "querying trailing exit")
		}
		switch order.Status {
		case models.OrderStatusFilled:
			if err := s.SetPhase(models.PhaseCompleted); err != nil {
				return s, Action{}, err
			}
		case models.OrderStatusCancelled, models.OrderStatusRejected:
			s.Runtime.LastError = fmt.Sprintf("exit order %s %s", order.BrokerID, order.Status)
			if err := s.SetPhase(models.PhaseCancelled); err != nil {
				return s, Action{}, err
			}
		}
		return s, Action{}, nil

	case models.VariantBracket:
		return evalBracketExit(s, lookup)

	case models.VariantScaleOut:
		allFilled := true
		for i := range s.Runtime.Rungs {
			r := &s.Runtime.Rungs[i]
			if r.Filled {
				continue
			}
			order, err := lookup(r.OrderID)
			if err != nil {
				return s, Action{}, errors.Wrap(err, "querying rung order")
			}
			switch order.Status {
			case models.OrderStatusFilled:
				r.Filled = true
				s.UpdatedAt = now
			case models.OrderStatusCancelled, models.OrderStatusRejected:
				s.Runtime.LastError = fmt.Sprintf("rung order %s %s", order.BrokerID, order.Status)
				if err := s.SetPhase(models.PhaseCancelled); err != nil {
					return s, Action{}, err
				}
				return s, Action{}, nil
			default:
				allFilled = false
			}
		}
		if allFilled {
			if err := s.SetPhase(models.PhaseCompleted); err != nil {
				return s, Action{}, err
			}
		}
		return s, Action{}, nil
	}
	return s, Action{}, nil
}

// evalBracketExit watches both legs. The first fill triggers an OCO cancel
// of the peer; completion waits until the peer is confirmed dead so the
// invariant "one filled, one cancelled" holds on every completed bracket.
func evalBracketExit(s models.Strategy, lookup OrderLookup) (models.Strategy, Action, error) {
	tp, err := lookup(s.Runtime.TPOrderID)
	if err != nil {
		return s, Action{}, errors.Wrap(err, "querying take-profit order")
	}
	sl, err := lookup(s.Runtime.SLOrderID)
	if err != nil {
		return s, Action{}, errors.Wrap(err, "querying stop-loss order")
	}

	var filled, peer *models.Order
	switch {
	case tp.Status == models.OrderStatusFilled:
		filled, peer = tp, sl
	case sl.Status == models.OrderStatusFilled:
		filled, peer = sl, tp
	default:
		return s, Action{}, nil
	}

	if peer.Status.Live() {
		return s, Action{
			Type:          ActionCancel,
			CancelOrderID: peer.BrokerID,
			FilledOrderID: filled.BrokerID,
			Reason:        "oco peer filled",
		}, nil
	}

	if err := s.SetPhase(models.PhaseCompleted); err != nil {
		return s, Action{}, err
	}
	return s, Action{}, nil
}

// --- commit helpers ---

// AttachOrder records a submitted order against its slot and advances the
// phase. Called by the driver after a successful submit of act.Request.
func AttachOrder(s *models.Strategy, act Action, order *models.Order) error {
	switch act.Slot {
	case SlotEntry:
		s.Runtime.EntryOrderID = order.BrokerID
		return s.SetPhase(models.PhaseEntryActive)

	case SlotTakeProfit:
		s.Runtime.TPOrderID = order.BrokerID
		s.Runtime.ExitOrderIDs = append(s.Runtime.ExitOrderIDs, order.BrokerID)
		return nil

	case SlotStopLoss:
		s.Runtime.SLOrderID = order.BrokerID
		s.Runtime.ExitOrderIDs = append(s.Runtime.ExitOrderIDs, order.BrokerID)
		// The trailing variants have a single exit; the bracket is armed
		// once both legs are working. Either way all exits are now placed.
		return s.SetPhase(models.PhaseExiting)

	case SlotRung:
		if act.Index < 0 || act.Index >= len(s.Runtime.Rungs) {
			return errors.NewValidationError("rung_index", act.Index, "out of range")
		}
		s.Runtime.Rungs[act.Index].OrderID = order.BrokerID
		s.Runtime.ExitOrderIDs = append(s.Runtime.ExitOrderIDs, order.BrokerID)
		for _, r := range s.Runtime.Rungs {
			if r.OrderID == "" {
				return nil
			}
		}
		return s.SetPhase(models.PhaseExiting)

	case SlotGrid:
		if act.Index < 0 || act.Index >= len(s.Runtime.GridLevels) {
			return errors.NewValidationError("grid_index", act.Index, "out of range")
		}
		s.Runtime.GridLevels[act.Index].OrderID = order.BrokerID
		return nil
	}
	return errors.NewValidationError("slot", act.Slot, "unknown order slot")
}

// MarkOcoDesync flags a strategy whose bracket peer cancel ultimately
// failed. The strategy stays in exiting and is quarantined so no further
// orders are emitted until an operator intervenes.
func MarkOcoDesync(s *models.Strategy, err error) {
	s.Runtime.OCODesync = true
	s.Runtime.Quarantined = true
	s.Runtime.LastError = err.Error()
	s.UpdatedAt = time.Now().UTC()
}

// Quarantine excludes a strategy from evaluation after an unrecoverable
// per-strategy error.
func Quarantine(s *models.Strategy, reason string) {
	s.Runtime.Quarantined = true
	s.Runtime.LastError = reason
	s.UpdatedAt = time.Now().UTC()
}

// LiveOrderIDs returns every order id the strategy may have working at the
// broker, for external cancellation.
func LiveOrderIDs(s models.Strategy) []string {
	var ids []string
	add := func(id string) {
		if id != "" {
			ids = append(ids, id)
		}
	}
	add(s.Runtime.EntryOrderID)
	add(s.Runtime.TPOrderID)
	add(s.Runtime.SLOrderID)
	for _, r := range s.Runtime.Rungs {
		if !r.Filled {
			add(r.OrderID)
		}
	}
	for _, g := range s.Runtime.GridLevels {
		if !g.Filled {
			add(g.OrderID)
		}
	}
	return ids
}

// seedRungs computes rung prices and quantities, pushing rounding residue
// into the last rung so the total always equals the strategy quantity.
func seedRungs(s *models.Strategy) {
	entry := s.Runtime.EntryFillPrice
	rungs := make([]models.RungState, len(s.Params.ScaleRungs))
	allocated := 0
	for i, r := range s.Params.ScaleRungs {
		qty := int(math.Round(float64(s.Quantity) * r.Fraction))
		rungs[i] = models.RungState{
			TargetPct: r.TargetPct,
			Price:     entry * (1 + r.TargetPct),
			Quantity:  qty,
		}
		allocated += qty
	}
	if n := len(rungs); n > 0 {
		rungs[n-1].Quantity += s.Quantity - allocated
	}
	s.Runtime.Rungs = rungs
}

// seedGrid lays out the initial symmetric buy/sell levels around the
// reference price.
func seedGrid(s *models.Strategy) {
	g := s.Params.Grid
	levels := make([]models.GridLevel, 0, 2*g.Levels)
	for i := 1; i <= g.Levels; i++ {
		levels = append(levels, models.GridLevel{
			Price:    g.Reference * (1 - float64(i)*g.SpacingPct),
			Side:     models.OrderSideBuy,
			Quantity: g.QtyPerLevel,
		})
	}
	for i := 1; i <= g.Levels; i++ {
		levels = append(levels, models.GridLevel{
			Price:    g.Reference * (1 + float64(i)*g.SpacingPct),
			Side:     models.OrderSideSell,
			Quantity: g.QtyPerLevel,
		})
	}
	s.Runtime.GridLevels = levels
}

func clientID(s models.Strategy, slot OrderSlot, index int) string {
	if slot == SlotRung || slot == SlotGrid {
		return fmt.Sprintf("%s-%d-%s-%d", s.ID, s.Runtime.Generation, slot, index)
	}
	return fmt.Sprintf("%s-%d-%s", s.ID, s.Runtime.Generation, slot)
}
