package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"autotrader/internal/safety"
)

func newEngineCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run the live evaluation engine",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Long: `Runs the evaluation loop under the single-writer lock. The first
interrupt finishes the current cycle and shuts down cleanly; a second
interrupt terminates immediately (the lock is still released).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := app.newEngine()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sig := make(chan os.Signal, 2)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				app.Logger.Info().Msg("Interrupt received, finishing current cycle")
				cancel()
				<-sig
				app.Logger.Warn().Msg("Second interrupt, terminating now")
				os.Exit(130)
			}()

			return eng.Run(ctx)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single evaluation cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.newEngine().RunOnce(cmd.Context())
		},
	})

	killCmd := &cobra.Command{
		Use:   "kill-switch [on|off]",
		Short: "Engage or release the kill switch",
		Long: `The kill switch blocks every outbound order at the safety gate. Engaging
it writes a marker file in the config directory that running engines check
on every order, so no restart is needed for it to take effect.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			on := args[0] == "on"
			if !on && args[0] != "off" {
				output.Error("Argument must be 'on' or 'off'")
				return nil
			}
			path := safety.KillSwitchFile(app.ConfigDir)
			if on {
				if err := safety.EngageKillSwitch(path, "engaged via cli"); err != nil {
					return err
				}
			} else {
				if err := safety.ReleaseKillSwitch(path); err != nil {
					return err
				}
			}
			if app.Audit != nil {
				_ = app.Audit.Log(cmd.Context(), killSwitchEvent(on))
			}
			if on {
				output.Success("Kill switch engaged: all orders will be refused")
				output.Dim("Marker written to %s", path)
			} else {
				output.Success("Kill switch released")
			}
			return nil
		},
	}
	cmd.AddCommand(killCmd)

	return cmd
}
