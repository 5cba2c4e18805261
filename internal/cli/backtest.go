package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"autotrader/internal/audit"
	"autotrader/internal/backtest"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/internal/safety"
)

func newBacktestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay strategies against historical bars",
	}

	var (
		csvPath    string
		strategyID string
		fromDate   string
		toDate     string
		cash       float64
		timeoutSec int
		noGate     bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one strategy against a bar CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			s, err := app.Store.Load(strategyID)
			if err != nil {
				return err
			}

			bars, err := app.loadBars(s.Symbol, csvPath, fromDate, toDate)
			if err != nil {
				return err
			}

			initialCash := cash
			if initialCash <= 0 {
				initialCash = app.Config.Backtest.InitialCash
			}

			var gate *safety.Gate
			if !noGate {
				gate = safety.NewGate(safety.PolicyFromConfig(app.Config.Safety))
			}

			eng := backtest.NewEngine(backtest.EngineConfig{
				InitialCash: initialCash,
				Gate:        gate,
				Logger:      app.Logger,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			result, err := eng.Run(ctx, *s, bars)
			if err != nil {
				return err
			}

			resultsDir := app.Config.Backtest.ResultsDir
			if resultsDir == "" {
				resultsDir = app.ConfigDir + "/backtests"
			}
			path, err := backtest.SaveResult(resultsDir, result)
			if err != nil {
				return err
			}
			if app.Audit != nil {
				_ = app.Audit.Log(ctx, audit.Event{
					EventType:  "BACKTEST_COMPLETED",
					StrategyID: s.ID,
					Symbol:     s.Symbol,
					Success:    result.Error == "",
					ErrorMsg:   result.Error,
					Details: map[string]interface{}{
						"result_file":  path,
						"final_equity": result.FinalEquity,
					},
				})
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			printResult(output, result, path)
			return nil
		},
	}
	runCmd.Flags().StringVar(&csvPath, "csv", "", "bar CSV file (timestamp,open,high,low,close,volume); omit to replay cached bars")
	runCmd.Flags().StringVar(&strategyID, "strategy", "", "strategy id to replay")
	runCmd.Flags().StringVar(&fromDate, "from", "", "start of cached-bar range (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&toDate, "to", "", "end of cached-bar range (YYYY-MM-DD)")
	runCmd.Flags().Float64Var(&cash, "cash", 0, "initial cash (default from config)")
	runCmd.Flags().IntVar(&timeoutSec, "timeout", 300, "replay timeout in seconds")
	runCmd.Flags().BoolVar(&noGate, "no-gate", false, "disable the safety gate for this replay")
	runCmd.MarkFlagRequired("strategy")
	cmd.AddCommand(runCmd)

	return cmd
}

// loadBars resolves the replay data. A CSV import is cached in the ledger so
// later runs can replay the same symbol without the file; with no CSV the
// bars come from the cache, filtered to the requested range.
func (app *App) loadBars(symbol, csvPath, fromDate, toDate string) ([]models.Bar, error) {
	if csvPath != "" {
		bars, err := backtest.LoadBarsCSV(csvPath)
		if err != nil {
			return nil, err
		}
		if app.Ledger != nil {
			if err := app.Ledger.SaveBars(symbol, bars); err != nil {
				app.Logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache imported bars")
			}
		}
		return bars, nil
	}

	if app.Ledger == nil {
		return nil, fmt.Errorf("no --csv given and the bar cache is unavailable")
	}
	from, to, err := parseBarRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return app.Ledger.LoadBars(symbol, from, to)
}

func parseBarRange(fromDate, toDate string) (time.Time, time.Time, error) {
	// An open range replays everything cached for the symbol.
	from := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	var err error
	if fromDate != "" {
		if from, err = time.Parse("2006-01-02", fromDate); err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "parsing --from")
		}
	}
	if toDate != "" {
		if to, err = time.Parse("2006-01-02", toDate); err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "parsing --to")
		}
		// Make --to inclusive of the whole day.
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

func printResult(output *Output, r *backtest.Result, path string) {
	output.Bold("Backtest %s — %s (%s)", r.ID, r.Symbol, r.Variant)
	if r.NoData {
		output.Error("No bar data in range")
		return
	}
	if r.StrategyRejected {
		output.Error("Strategy rejected by safety gate: %s", r.Error)
		return
	}
	if r.Error != "" {
		output.Error("Replay stopped early: %s", r.Error)
	}

	output.Printf("  Period:        %s — %s\n", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
	output.Printf("  Initial cash:  %.2f\n", r.InitialCash)
	output.Printf("  Final equity:  %.2f\n", r.FinalEquity)
	output.Printf("  Total return:  %.2f (%.2f%%)\n", r.Metrics.TotalReturn, r.Metrics.TotalReturnPct*100)
	output.Printf("  Trades:        %d (%d win / %d loss, %.1f%% win rate)\n",
		r.Metrics.Trades, r.Metrics.Winners, r.Metrics.Losers, r.Metrics.WinRate*100)
	output.Printf("  Max drawdown:  %.2f (%.2f%%)\n", r.Metrics.MaxDrawdown, r.Metrics.MaxDrawdownPct*100)
	if r.Metrics.Sharpe != nil {
		output.Printf("  Sharpe:        %.2f\n", *r.Metrics.Sharpe)
	}
	output.Dim("Result saved to %s", path)
}
