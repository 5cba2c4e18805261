package models

import (
	"fmt"
	"time"
)

// Bar is one OHLCV aggregate for a fixed time window.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Validate checks the OHLC range invariants.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	if b.Low > b.Open || b.Open > b.High {
		return fmt.Errorf("bar at %s: open %.4f outside [%.4f, %.4f]", b.Timestamp.Format(time.RFC3339), b.Open, b.Low, b.High)
	}
	if b.Low > b.Close || b.Close > b.High {
		return fmt.Errorf("bar at %s: close %.4f outside [%.4f, %.4f]", b.Timestamp.Format(time.RFC3339), b.Close, b.Low, b.High)
	}
	return nil
}

// QuoteAt derives the evaluation quote for a bar: last from close, with the
// bar range carried so watermark updates can use the true high.
func (b Bar) QuoteAt(symbol string) Quote {
	return Quote{
		Symbol:    symbol,
		Bid:       b.Close,
		Ask:       b.Close,
		Last:      b.Close,
		High:      b.High,
		Low:       b.Low,
		Timestamp: b.Timestamp,
	}
}
