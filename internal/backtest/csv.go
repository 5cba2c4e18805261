// Package backtest implements the historical fill simulator and the
// deterministic replay driver that shares the live evaluator.
package backtest

import (
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// csvTime parses the two accepted timestamp layouts: ISO-8601, or
// "2006-01-02 15:04:05" assumed local market time.
type csvTime struct {
	time.Time
}

func (ct *csvTime) UnmarshalCSV(s string) error {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			ct.Time = t
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (ct csvTime) MarshalCSV() (string, error) {
	return ct.Format(time.RFC3339), nil
}

type csvBar struct {
	Timestamp csvTime `csv:"timestamp"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    int64   `csv:"volume"`
}

// LoadBarsCSV reads an OHLCV CSV with header
// timestamp,open,high,low,close,volume. Rows must be strictly ascending and
// every bar must satisfy the OHLC range invariants.
func LoadBarsCSV(path string) ([]models.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening bar CSV")
	}
	defer f.Close()

	var rows []csvBar
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.Wrap(err, "parsing bar CSV")
	}

	bars := make([]models.Bar, 0, len(rows))
	var prev time.Time
	for i, r := range rows {
		b := models.Bar{
			Timestamp: r.Timestamp.Time,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
		if err := b.Validate(); err != nil {
			return nil, errors.Wrapf(err, "row %d", i+1)
		}
		if !prev.IsZero() && !b.Timestamp.After(prev) {
			return nil, errors.NewDataError("bars", "",
				fmt.Sprintf("row %d: timestamp %s not strictly ascending", i+1, b.Timestamp.Format(time.RFC3339)), nil)
		}
		prev = b.Timestamp
		bars = append(bars, b)
	}
	return bars, nil
}
