package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/audit"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/internal/safety"
	"autotrader/pkg/utils"
)

// LedgerReader supplies realized-P&L figures for the safety snapshot.
// Implemented by the sqlite trade ledger; nil disables those checks' inputs.
type LedgerReader interface {
	DayRealizedPnL(day time.Time) (float64, error)
	TradeCountOn(day time.Time) (int, error)
}

// Router is the single path to a broker. It builds the safety snapshot,
// consults the gate, submits with a stable client id so retries cannot
// double-place, and audits every attempt before returning.
type Router struct {
	broker Broker
	gate   *safety.Gate
	auditL *audit.Logger
	ledger LedgerReader
	logger zerolog.Logger

	dryRun      bool
	liveTrading bool
	callTimeout time.Duration
	retryCfg    utils.RetryConfig

	mu     sync.Mutex
	recent []safety.RecentOrder
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Broker Broker
	Gate   *safety.Gate
	Audit  *audit.Logger
	Ledger LedgerReader
	Logger zerolog.Logger
	DryRun bool
	// LiveTrading marks the broker as a real brokerage; the gate then
	// requires safety.allow_production before any order passes.
	LiveTrading bool
	CallTimeout time.Duration
}

// NewRouter creates an order router.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		broker:      cfg.Broker,
		gate:        cfg.Gate,
		auditL:      cfg.Audit,
		ledger:      cfg.Ledger,
		logger:      cfg.Logger,
		dryRun:      cfg.DryRun,
		liveTrading: cfg.LiveTrading,
		callTimeout: timeout,
		retryCfg:    utils.DefaultRetryConfig(),
	}
}

// Submit routes an order through the gate to the broker. On refusal the
// returned error is a *errors.SafetyError and nothing reaches the broker.
func (r *Router) Submit(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	snap, err := r.buildSnapshot(ctx, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "building safety snapshot")
	}

	if err := r.gate.Check(req, snap); err != nil {
		if code, ok := errors.IsSafetyRefusal(err); ok {
			_ = r.auditL.LogSafetyRefusal(ctx, req.StrategyID, req.Symbol, code, err.Error())
		}
		return nil, err
	}

	if r.dryRun {
		r.logger.Info().
			Str("strategy_id", req.StrategyID).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Str("type", string(req.Type)).
			Int("quantity", req.Quantity).
			Msg("Dry run: order not routed")
		return nil, errors.ErrEngineDryRun
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	order, err := r.broker.SubmitOrder(callCtx, req)
	price := req.LimitPrice
	if price == 0 {
		price = req.StopPrice
	}
	if err != nil {
		_ = r.auditL.LogOrderSubmitted(ctx, req.StrategyID, req.ClientID, req.Symbol,
			string(req.Side), string(req.Type), req.Quantity, price, false, err.Error())
		return nil, errors.NewOrderError(req.ClientID, req.Symbol, "submit", "broker rejected submission", err)
	}

	_ = r.auditL.LogOrderSubmitted(ctx, req.StrategyID, order.BrokerID, req.Symbol,
		string(req.Side), string(req.Type), req.Quantity, price, true, "")

	r.recordRecent(req, snap.Now)
	return order, nil
}

// Cancel cancels a working order.
func (r *Router) Cancel(ctx context.Context, strategyID, orderID, symbol string) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	err := r.broker.CancelOrder(callCtx, orderID)
	_ = r.auditL.LogOrderCancelled(ctx, strategyID, orderID, symbol, err == nil, errMsg(err))
	return err
}

// CancelWithRetry cancels with backoff. Used for bracket peer cancels where
// a transient failure must not leave both legs live.
func (r *Router) CancelWithRetry(ctx context.Context, strategyID, orderID, symbol string) error {
	err := utils.Retry(ctx, r.retryCfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return r.broker.CancelOrder(callCtx, orderID)
	})
	_ = r.auditL.LogOrderCancelled(ctx, strategyID, orderID, symbol, err == nil, errMsg(err))
	return err
}

// OrderStatus returns the broker's current view of an order.
func (r *Router) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.broker.GetOrder(callCtx, orderID)
}

// Quote fetches a quote through the underlying broker, retrying transient
// failures with backoff.
func (r *Router) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	return utils.RetryWithResult(ctx, r.retryCfg, func() (*models.Quote, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return r.broker.GetQuote(callCtx, symbol)
	})
}

// Broker exposes the underlying broker for read-only queries.
func (r *Router) Broker() Broker {
	return r.broker
}

func (r *Router) buildSnapshot(ctx context.Context, now time.Time) (safety.Snapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	account, err := r.broker.GetAccount(callCtx)
	if err != nil {
		return safety.Snapshot{}, err
	}
	positions, err := r.broker.GetPositions(callCtx)
	if err != nil {
		return safety.Snapshot{}, err
	}
	open, err := r.broker.GetOpenOrders(callCtx)
	if err != nil {
		return safety.Snapshot{}, err
	}

	var dayPnL float64
	var trades int
	if r.ledger != nil {
		if v, err := r.ledger.DayRealizedPnL(now); err == nil {
			dayPnL = v
		}
		if n, err := r.ledger.TradeCountOn(now); err == nil {
			trades = n
		}
	}

	r.mu.Lock()
	recent := make([]safety.RecentOrder, len(r.recent))
	copy(recent, r.recent)
	r.mu.Unlock()

	return safety.Snapshot{
		Account:        *account,
		Positions:      positions,
		OpenOrders:     open,
		RecentOrders:   recent,
		RealizedDayPnL: dayPnL,
		TradesToday:    trades,
		LiveTrading:    r.liveTrading,
		Now:            now,
	}, nil
}

func (r *Router) recordRecent(req models.OrderRequest, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop entries older than the longest plausible duplicate window.
	cutoff := now.Add(-10 * time.Minute)
	kept := r.recent[:0]
	for _, rec := range r.recent {
		if rec.SubmittedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	price := req.LimitPrice
	if price == 0 {
		price = req.StopPrice
	}
	r.recent = append(kept, safety.RecentOrder{
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       price,
		SubmittedAt: now,
	})
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
