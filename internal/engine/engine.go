package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/errors"
	"autotrader/internal/logging"
	"autotrader/internal/models"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

// maxStepsPerCycle bounds the evaluator steps for one strategy inside a
// single tick, enough to arm a full bracket in one cycle.
const maxStepsPerCycle = 8

// Engine drives the live evaluation cycle. Strategies are evaluated
// serially in id order within a tick; per-strategy failures are isolated
// and never abort the loop.
type Engine struct {
	store  *strategy.Store
	router *broker.Router
	auditL *audit.Logger
	ledger *store.SQLiteStore
	lock   *FileLock
	logger zerolog.Logger

	pollInterval    time.Duration
	marketHoursOnly bool
}

// Config wires an Engine.
type Config struct {
	Store           *strategy.Store
	Router          *broker.Router
	Audit           *audit.Logger
	Ledger          *store.SQLiteStore
	Lock            *FileLock
	Logger          zerolog.Logger
	PollInterval    time.Duration
	MarketHoursOnly bool
}

// New creates an engine.
func New(cfg Config) *Engine {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Engine{
		store:           cfg.Store,
		router:          cfg.Router,
		auditL:          cfg.Audit,
		ledger:          cfg.Ledger,
		lock:            cfg.Lock,
		logger:          cfg.Logger,
		pollInterval:    interval,
		marketHoursOnly: cfg.MarketHoursOnly,
	}
}

// Run acquires the writer lock and loops until ctx is cancelled. The
// in-flight cycle always completes before shutdown; the lock is released on
// the way out.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.lock.Acquire(); err != nil {
		return err
	}
	defer e.lock.Release()

	_ = e.auditL.LogEngine(ctx, audit.EventEngineStarted, map[string]interface{}{
		"poll_interval": e.pollInterval.String(),
	})
	defer func() {
		_ = e.auditL.LogEngine(context.Background(), audit.EventEngineStopped, nil)
	}()

	if err := e.reconcileOrders(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Order reconciliation failed")
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run the first cycle immediately rather than waiting a full period.
	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Shutdown requested, stopping after current cycle")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// RunOnce acquires the lock, runs a single cycle, and releases.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.lock.Acquire(); err != nil {
		return err
	}
	defer e.lock.Release()

	if err := e.reconcileOrders(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Order reconciliation failed")
	}
	e.runCycle(ctx)
	return nil
}

// runCycle is one tick: activate scheduled strategies, then evaluate every
// active strategy against a fresh quote.
func (e *Engine) runCycle(ctx context.Context) {
	started := time.Now()
	now := started.UTC()

	e.activateScheduled(ctx, now)

	if e.marketHoursOnly {
		open, err := e.router.Broker().IsMarketOpen(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Market-open check failed, skipping cycle")
			return
		}
		if !open {
			e.logger.Debug().Msg("Market closed, skipping cycle")
			return
		}
	}

	active, err := e.store.ListActive(now)
	if err != nil {
		e.logger.Error().Err(err).Msg("Loading active strategies failed")
		return
	}

	evaluated, actions, failures := 0, 0, 0
	for i := range active {
		select {
		case <-ctx.Done():
			logging.LogCycle(e.logger, evaluated, actions, failures, time.Since(started))
			return
		default:
		}

		n, err := e.evaluateStrategy(ctx, active[i], now)
		evaluated++
		actions += n
		if err != nil {
			failures++
		}
	}

	logging.LogCycle(e.logger, evaluated, actions, failures, time.Since(started))
}

// activateScheduled flips strategies whose schedule time has arrived:
// enabled set, schedule fields cleared, persisted, audited — atomically per
// strategy.
func (e *Engine) activateScheduled(ctx context.Context, now time.Time) {
	scheduled, err := e.store.ListScheduled(now)
	if err != nil {
		e.logger.Error().Err(err).Msg("Loading scheduled strategies failed")
		return
	}

	for _, s := range scheduled {
		if s.ScheduleAt == nil || s.ScheduleAt.After(now) {
			continue
		}
		at := *s.ScheduleAt
		s.Enabled = true
		s.ScheduleEnabled = false
		s.ScheduleAt = nil
		if err := e.store.Upsert(s); err != nil {
			e.logger.Error().Err(err).Str("strategy_id", s.ID).Msg("Persisting activation failed")
			continue
		}
		_ = e.auditL.LogActivation(ctx, s.ID, s.Symbol, at)
		logging.LogActivation(e.logger, s.ID, s.Symbol, at)
	}
}

// evaluateStrategy advances one strategy through up to maxStepsPerCycle
// evaluator steps, executing each emitted action, and persists the final
// record. Returns the number of actions executed.
func (e *Engine) evaluateStrategy(ctx context.Context, s models.Strategy, now time.Time) (int, error) {
	log := logging.WithStrategy(logging.WithSymbol(e.logger, s.Symbol), s.ID)

	quote, err := e.router.Quote(ctx, s.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Quote fetch failed, skipping strategy")
		return 0, err
	}

	lookup := func(orderID string) (*models.Order, error) {
		return e.router.OrderStatus(ctx, orderID)
	}

	actions := 0
	var stepErr error
	for step := 0; step < maxStepsPerCycle; step++ {
		prevPhase := s.Phase

		next, act, err := strategy.Evaluate(s, *quote, lookup, now)
		if err != nil {
			strategy.Quarantine(&next, err.Error())
			s = next
			_ = e.auditL.LogQuarantine(ctx, s.ID, s.Symbol, err.Error())
			log.Error().Err(err).Msg("Evaluation failed, strategy quarantined")
			stepErr = err
			break
		}
		s = next

		if s.Phase != prevPhase {
			_ = e.auditL.LogPhase(ctx, s.ID, s.Symbol, string(prevPhase), string(s.Phase))
			logging.LogPhase(log, s.ID, s.Symbol, string(prevPhase), string(s.Phase))
		}

		if act.Type == strategy.ActionNone {
			break
		}
		actions++

		done, err := e.executeAction(ctx, &s, act, log)
		if err != nil {
			stepErr = err
		}
		if done {
			break
		}

		if s.Phase.Terminal() || s.Runtime.Quarantined {
			break
		}
	}

	if s.Phase == models.PhaseCompleted {
		e.recordCompletion(ctx, s, log)
	}

	if err := e.store.Upsert(s); err != nil {
		log.Error().Err(err).Msg("Persisting strategy failed")
		return actions, err
	}
	return actions, stepErr
}

// executeAction performs one evaluator-requested side effect. The bool
// result asks the caller to stop stepping this strategy for the cycle.
func (e *Engine) executeAction(ctx context.Context, s *models.Strategy, act strategy.Action, log zerolog.Logger) (bool, error) {
	switch act.Type {
	case strategy.ActionSubmit:
		order, err := e.router.Submit(ctx, act.Request)
		if err != nil {
			if errors.Is(err, errors.ErrEngineDryRun) {
				return true, nil
			}
			if _, refused := errors.IsSafetyRefusal(err); refused {
				// Refusals are not strategy faults; retry next cycle.
				log.Warn().Err(err).Msg("Order refused by safety gate")
				return true, err
			}
			if errors.IsTransient(err) {
				log.Warn().Err(err).Msg("Transient broker failure, will retry next cycle")
				return true, err
			}
			strategy.Quarantine(s, err.Error())
			_ = e.auditL.LogQuarantine(ctx, s.ID, s.Symbol, err.Error())
			log.Error().Err(err).Msg("Order submission failed, strategy quarantined")
			return true, err
		}
		if err := strategy.AttachOrder(s, act, order); err != nil {
			strategy.Quarantine(s, err.Error())
			_ = e.auditL.LogQuarantine(ctx, s.ID, s.Symbol, err.Error())
			return true, err
		}
		logging.LogOrder(log, order.BrokerID, order.Symbol, string(order.Side), string(order.Status))
		return false, nil

	case strategy.ActionCancel:
		err := e.router.CancelWithRetry(ctx, s.ID, act.CancelOrderID, s.Symbol)
		if err == nil {
			return false, nil
		}
		if act.FilledOrderID != "" {
			// Bracket peer cancel ultimately failed: both legs may be
			// live. Flag and stop touching this strategy.
			desync := errors.NewOcoDesyncError(s.ID, act.FilledOrderID, act.CancelOrderID, err)
			strategy.MarkOcoDesync(s, desync)
			_ = e.auditL.LogOcoDesync(ctx, s.ID, s.Symbol, act.FilledOrderID, act.CancelOrderID, desync.Error())
			log.Error().Err(desync).Msg("OCO peer cancel failed, strategy needs operator attention")
			return true, desync
		}
		log.Warn().Err(err).Str("order_id", act.CancelOrderID).Msg("Cancel failed, will retry next cycle")
		return true, err
	}
	return false, nil
}

// recordCompletion writes the realized round trip to the trade ledger.
func (e *Engine) recordCompletion(ctx context.Context, s models.Strategy, log zerolog.Logger) {
	if e.ledger == nil || s.Runtime.EntryFillPrice <= 0 {
		return
	}

	for _, id := range s.Runtime.ExitOrderIDs {
		order, err := e.router.OrderStatus(ctx, id)
		if err != nil || order.Status != models.OrderStatusFilled {
			continue
		}
		pnl := (order.AvgFillPrice - s.Runtime.EntryFillPrice) * float64(order.FilledQty)
		rec := store.TradeRecord{
			Timestamp:  time.Now().UTC(),
			Symbol:     s.Symbol,
			StrategyID: s.ID,
			Quantity:   order.FilledQty,
			EntryPrice: s.Runtime.EntryFillPrice,
			ExitPrice:  order.AvgFillPrice,
			PnL:        pnl,
		}
		if err := e.ledger.RecordTrade(rec); err != nil {
			log.Warn().Err(err).Msg("Recording trade to ledger failed")
			continue
		}
		logging.LogFill(log, order.BrokerID, s.Symbol, string(order.Side), order.FilledQty, order.AvgFillPrice)
		_ = e.auditL.LogFill(ctx, s.ID, order.BrokerID, s.Symbol, string(order.Side), order.FilledQty, order.AvgFillPrice)
	}
}

// reconcileOrders re-queries the broker for every order id the strategies
// still reference, so a restart picks up fills and cancels that happened
// while the engine was down.
func (e *Engine) reconcileOrders(ctx context.Context) error {
	all, err := e.store.LoadAll()
	if err != nil {
		return err
	}

	checked, missing := 0, 0
	for _, s := range all {
		if s.Phase.Terminal() {
			continue
		}
		for _, id := range strategy.LiveOrderIDs(s) {
			if _, err := e.router.OrderStatus(ctx, id); err != nil {
				missing++
				e.logger.Warn().Str("strategy_id", s.ID).Str("order_id", id).Err(err).
					Msg("Referenced order unknown at broker")
				continue
			}
			checked++
		}
	}

	_ = e.auditL.LogEngine(ctx, audit.EventOrdersReconciled, map[string]interface{}{
		"checked": checked,
		"missing": missing,
	})
	return nil
}

// CancelStrategy cancels a strategy externally: every live order is
// cancelled and the phase moves to cancelled.
func (e *Engine) CancelStrategy(ctx context.Context, id string) error {
	s, err := e.store.Load(id)
	if err != nil {
		return err
	}
	if s.Phase.Terminal() {
		return errors.Wrapf(errors.ErrTerminalPhase, "strategy %s is %s", id, s.Phase)
	}

	for _, orderID := range strategy.LiveOrderIDs(*s) {
		if err := e.router.Cancel(ctx, s.ID, orderID, s.Symbol); err != nil {
			e.logger.Warn().Err(err).Str("order_id", orderID).Msg("Cancel during strategy cancellation failed")
		}
	}

	if err := s.SetPhase(models.PhaseCancelled); err != nil {
		return err
	}
	if err := e.store.Upsert(*s); err != nil {
		return err
	}
	return e.auditL.Log(ctx, audit.Event{
		EventType:  audit.EventStrategyCancelled,
		StrategyID: s.ID,
		Symbol:     s.Symbol,
		Success:    true,
	})
}
