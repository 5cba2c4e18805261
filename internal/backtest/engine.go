package backtest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/internal/safety"
	"autotrader/internal/strategy"
)

// maxStepsPerBar bounds the evaluator drain loop within one bar. A bracket
// needs several steps (detect fill, place TP, place SL); anything past this
// bound indicates a non-advancing strategy.
const maxStepsPerBar = 32

// Engine replays a bar series through the shared evaluator against a
// HistoricalBroker. Replays are deterministic: the same bars, strategy, and
// config always produce an identical Result.
type Engine struct {
	initialCash float64
	gate        *safety.Gate
	rearm       bool
	logger      zerolog.Logger
}

// EngineConfig wires a backtest engine. Gate may be nil to disable safety
// checks in the replay. Rearm resets a completed strategy to pending so the
// replay can trade the pattern repeatedly.
type EngineConfig struct {
	InitialCash float64
	Gate        *safety.Gate
	Rearm       bool
	Logger      zerolog.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		initialCash: cfg.InitialCash,
		gate:        cfg.Gate,
		rearm:       cfg.Rearm,
		logger:      cfg.Logger,
	}
}

// Run replays bars through one strategy. Cancellation is honored at bar
// granularity. Errors inside the replay are captured into the Result;
// only setup failures return a non-nil error.
func (e *Engine) Run(ctx context.Context, s models.Strategy, bars []models.Bar) (*Result, error) {
	s.Canonicalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	result := &Result{
		ID:          uuid.NewString()[:8],
		Symbol:      s.Symbol,
		Variant:     s.Variant,
		InitialCash: e.initialCash,
	}

	if len(bars) == 0 {
		result.NoData = true
		result.FinalEquity = e.initialCash
		return result, nil
	}
	result.Start = bars[0].Timestamp
	result.End = bars[len(bars)-1].Timestamp

	hb := NewHistoricalBroker(s.Symbol, e.initialCash)
	lookup := func(orderID string) (*models.Order, error) {
		return hb.GetOrder(ctx, orderID)
	}

	// The strategy record is driven in place; the caller's copy is not
	// mutated.
	s.Enabled = true
	log := e.logger.With().Str("strategy_id", s.ID).Str("symbol", s.Symbol).Logger()

	for _, bar := range bars {
		select {
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			break
		default:
		}
		if result.Error != "" {
			break
		}

		hb.AdvanceBar(bar)
		quote := bar.QuoteAt(s.Symbol)
		now := bar.Timestamp

		stop := false
		for step := 0; step < maxStepsPerBar; step++ {
			next, act, err := strategy.Evaluate(s, quote, lookup, now)
			if err != nil {
				strategy.Quarantine(&next, err.Error())
				s = next
				result.Error = err.Error()
				stop = true
				break
			}
			s = next

			if act.Type == strategy.ActionNone {
				break
			}

			switch act.Type {
			case strategy.ActionSubmit:
				if refused := e.checkGate(ctx, hb, act.Request, now); refused != nil {
					if act.Slot == strategy.SlotEntry && len(hb.FilledOrders()) == 0 {
						result.StrategyRejected = true
						result.Error = refused.Error()
					} else {
						strategy.Quarantine(&s, refused.Error())
						result.Error = refused.Error()
					}
					stop = true
				} else {
					order, err := hb.SubmitOrder(ctx, act.Request)
					if err != nil {
						strategy.Quarantine(&s, err.Error())
						result.Error = err.Error()
						stop = true
					} else if err := strategy.AttachOrder(&s, act, order); err != nil {
						strategy.Quarantine(&s, err.Error())
						result.Error = err.Error()
						stop = true
					}
				}

			case strategy.ActionCancel:
				if err := hb.CancelOrder(ctx, act.CancelOrderID); err != nil {
					var oe *errors.OrderError
					if !errors.As(err, &oe) {
						strategy.Quarantine(&s, err.Error())
						result.Error = err.Error()
						stop = true
					}
					// A cancel racing an already-final order is benign;
					// the next step observes the terminal state.
				}
			}
			if stop {
				break
			}

			if s.Phase == models.PhaseCompleted && e.rearm {
				log.Debug().Time("bar", bar.Timestamp).Msg("Strategy completed, re-arming")
				s = resetForReplay(s)
			}
			if s.Phase.Terminal() || s.Runtime.Quarantined {
				stop = true
				break
			}
		}

		result.EquityCurve = append(result.EquityCurve, EquityPoint{
			Timestamp: bar.Timestamp,
			Equity:    hb.Equity(bar.Close),
		})

		if stop && result.StrategyRejected {
			break
		}
	}

	final := hb.Equity(bars[len(bars)-1].Close)
	result.FinalEquity = final
	result.Trades = matchTrades(hb.FilledOrders())
	result.Metrics = computeMetrics(e.initialCash, final, result.Trades, result.EquityCurve)
	return result, nil
}

// checkGate consults the safety gate with a snapshot from the simulator, so
// backtests reflect the same refusals as live trading.
func (e *Engine) checkGate(ctx context.Context, hb *HistoricalBroker, req models.OrderRequest, now time.Time) error {
	if e.gate == nil {
		return nil
	}
	account, err := hb.GetAccount(ctx)
	if err != nil {
		return err
	}
	positions, err := hb.GetPositions(ctx)
	if err != nil {
		return err
	}
	open, err := hb.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	return e.gate.Check(req, safety.Snapshot{
		Account:    *account,
		Positions:  positions,
		OpenOrders: open,
		Now:        now,
	})
}

// resetForReplay re-arms a completed strategy: parameters survive, runtime
// state and phase reset so the next qualifying bar can enter again. The
// generation counter advances so re-armed orders get fresh client ids.
func resetForReplay(s models.Strategy) models.Strategy {
	gen := s.Runtime.Generation + 1
	s.Runtime = models.RuntimeState{Generation: gen}
	s.Phase = models.PhasePending
	return s
}
