// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/errors"
	"autotrader/internal/logging"
	"autotrader/internal/safety"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Store     *strategy.Store
	Ledger    *store.SQLiteStore
	Audit     *audit.Logger

	// initErr defers a fatal wiring failure until a command actually runs,
	// so cobra can report it through the normal error path.
	initErr error
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, configDir string, logger zerolog.Logger) *cobra.Command {
	if configDir == "" {
		configDir = config.DefaultConfigDir()
	}

	app := &App{
		Config:    cfg,
		ConfigDir: configDir,
		Logger:    logger,
		Store:     strategy.NewStore(filepath.Join(configDir, "strategies.yaml")),
	}

	ledger, err := store.NewSQLiteStore(filepath.Join(configDir, "trader.db"))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize trade ledger, daily-loss checks disabled")
	} else {
		app.Ledger = ledger
	}

	// The audit trail is mandatory: without it the router would route
	// orders no record survives of, so a failed init aborts the command.
	auditCfg := audit.DefaultConfig()
	auditCfg.LogDir = filepath.Join(configDir, "audit")
	auditLogger, err := audit.NewLogger(auditCfg, "cli")
	if err != nil {
		app.initErr = errors.Wrap(err, "initializing audit logger")
	} else {
		app.Audit = auditLogger
	}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Automated multi-phase equities trading engine",
		Long: `trader runs multi-phase trading strategies (trailing stops, brackets,
scale-outs, grids) against a broker, and backtests them against historical
bar data with the exact same evaluation logic.

Use 'trader help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.initErr != nil {
				return app.initErr
			}
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/autotrader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newEngineCmd(app))
	rootCmd.AddCommand(newBacktestCmd(app))
	rootCmd.AddCommand(newStrategyCmd(app))

	return rootCmd
}

// newEngine builds the live engine from the app's dependencies. The broker
// is a mock unless production is explicitly allowed; wiring a real adapter
// happens behind the same interface.
func (app *App) newEngine() *engine.Engine {
	gate := safety.NewGate(safety.PolicyFromConfig(app.Config.Safety))
	gate.SetKillFile(safety.KillSwitchFile(app.ConfigDir))

	var ledger broker.LedgerReader
	if app.Ledger != nil {
		ledger = app.Ledger
	}

	router := broker.NewRouter(broker.RouterConfig{
		Broker: broker.NewMockBroker(app.Config.Backtest.InitialCash),
		Gate:   gate,
		Audit:  app.Audit,
		Ledger: ledger,
		Logger: app.Logger,
		DryRun: app.Config.Engine.DryRun,
		// The mock never reaches a real brokerage; a production adapter
		// sets LiveTrading so the gate enforces safety.allow_production.
		LiveTrading: false,
	})

	return engine.New(engine.Config{
		Store:           app.Store,
		Router:          router,
		Audit:           app.Audit,
		Ledger:          app.Ledger,
		Lock:            engine.NewFileLock(app.ConfigDir),
		Logger:          app.Logger,
		PollInterval:    time.Duration(app.Config.Engine.PollIntervalSeconds) * time.Second,
		MarketHoursOnly: app.Config.Engine.MarketHoursOnly,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
			} else {
				output.Printf("trader v%s\n", Version)
			}
		},
	}
}
