package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"autotrader/internal/models"
)

// MatchedTrade is one FIFO-matched entry/exit round trip.
type MatchedTrade struct {
	Symbol     string    `json:"symbol"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
}

// EquityPoint is one sample of the equity curve. It serializes as the pair
// [iso_timestamp, equity].
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

func (p EquityPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Timestamp.UTC().Format(time.RFC3339), p.Equity})
}

func (p *EquityPoint) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var ts string
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return err
	}
	var eq float64
	if err := json.Unmarshal(raw[1], &eq); err != nil {
		return err
	}
	p.Timestamp = t
	p.Equity = eq
	return nil
}

// boundedFloat carries +Inf through JSON as the string "inf".
type boundedFloat float64

func (f boundedFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsInf(v, 1) {
		return json.Marshal("inf")
	}
	if math.IsNaN(v) {
		return json.Marshal(nil)
	}
	return json.Marshal(v)
}

func (f *boundedFloat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "inf" {
			*f = boundedFloat(math.Inf(1))
			return nil
		}
		return fmt.Errorf("unexpected profit factor %q", s)
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = boundedFloat(v)
	return nil
}

// Metrics are derived from the matched trades and the equity curve.
type Metrics struct {
	TotalReturn    float64      `json:"total_return"`
	TotalReturnPct float64      `json:"total_return_pct"`
	Trades         int          `json:"trades"`
	Winners        int          `json:"winners"`
	Losers         int          `json:"losers"`
	WinRate        float64      `json:"win_rate"`
	ProfitFactor   boundedFloat `json:"profit_factor"`
	MaxDrawdown    float64      `json:"max_drawdown"`
	MaxDrawdownPct float64      `json:"max_drawdown_pct"`
	AvgWin         float64      `json:"avg_win"`
	AvgLoss        float64      `json:"avg_loss"`
	LargestWin     float64      `json:"largest_win"`
	LargestLoss    float64      `json:"largest_loss"`
	// Sharpe is annualized and omitted below 30 return observations.
	Sharpe *float64 `json:"sharpe,omitempty"`
}

// Result is the immutable outcome of one backtest run.
type Result struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Variant     models.Variant `json:"variant"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	InitialCash float64        `json:"initial_cash"`
	FinalEquity float64        `json:"final_equity"`
	Metrics     Metrics        `json:"metrics"`
	Trades      []MatchedTrade `json:"trades"`
	EquityCurve []EquityPoint  `json:"equity_curve"`

	// Failure modes surface as fields, never as lost ledgers.
	NoData           bool   `json:"no_data,omitempty"`
	StrategyRejected bool   `json:"strategy_rejected,omitempty"`
	Error            string `json:"error,omitempty"`
}

// matchTrades pairs buys against sells FIFO per symbol, splitting lots when
// quantities differ.
func matchTrades(fills []models.Order) []MatchedTrade {
	type lot struct {
		qty   int
		price float64
		ts    time.Time
	}
	open := make(map[string][]lot)
	var matched []MatchedTrade

	for _, o := range fills {
		if o.Status != models.OrderStatusFilled {
			continue
		}
		if o.Side == models.OrderSideBuy {
			open[o.Symbol] = append(open[o.Symbol], lot{o.FilledQty, o.AvgFillPrice, o.UpdatedAt})
			continue
		}

		remaining := o.FilledQty
		for remaining > 0 && len(open[o.Symbol]) > 0 {
			head := &open[o.Symbol][0]
			qty := remaining
			if head.qty < qty {
				qty = head.qty
			}
			matched = append(matched, MatchedTrade{
				Symbol:     o.Symbol,
				Quantity:   qty,
				EntryPrice: head.price,
				ExitPrice:  o.AvgFillPrice,
				EntryTime:  head.ts,
				ExitTime:   o.UpdatedAt,
				PnL:        (o.AvgFillPrice - head.price) * float64(qty),
			})
			head.qty -= qty
			remaining -= qty
			if head.qty == 0 {
				open[o.Symbol] = open[o.Symbol][1:]
			}
		}
	}
	return matched
}

// computeMetrics derives the full metric set.
func computeMetrics(initialCash, finalEquity float64, trades []MatchedTrade, curve []EquityPoint) Metrics {
	m := Metrics{
		TotalReturn: finalEquity - initialCash,
		Trades:      len(trades),
	}
	if initialCash > 0 {
		m.TotalReturnPct = m.TotalReturn / initialCash
	}

	var sumWins, sumLosses float64
	for _, t := range trades {
		if t.PnL > 0 {
			m.Winners++
			sumWins += t.PnL
			if t.PnL > m.LargestWin {
				m.LargestWin = t.PnL
			}
		} else if t.PnL < 0 {
			m.Losers++
			sumLosses += t.PnL
			if t.PnL < m.LargestLoss {
				m.LargestLoss = t.PnL
			}
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(m.Winners) / float64(len(trades))
	}
	if m.Winners > 0 {
		m.AvgWin = sumWins / float64(m.Winners)
	}
	if m.Losers > 0 {
		m.AvgLoss = sumLosses / float64(m.Losers)
	}
	if sumLosses == 0 {
		m.ProfitFactor = boundedFloat(math.Inf(1))
	} else {
		m.ProfitFactor = boundedFloat(sumWins / math.Abs(sumLosses))
	}

	peak := math.Inf(-1)
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
			if peak > 0 {
				m.MaxDrawdownPct = dd / peak
			}
		}
	}

	m.Sharpe = sharpe(curve)
	return m
}

// sharpe annualizes the mean/std of per-bar returns, assuming daily bars.
// Returns nil below 30 observations.
func sharpe(curve []EquityPoint) *float64 {
	if len(curve) < 31 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 30 {
		return nil
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return nil
	}

	s := mean / std * math.Sqrt(252)
	return &s
}
