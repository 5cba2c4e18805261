package cli

import (
	"time"

	"github.com/spf13/cobra"

	"autotrader/internal/audit"
)

func newStrategyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategy",
		Short: "Manage strategies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			all, err := app.Store.LoadAll()
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(all)
			}
			if len(all) == 0 {
				output.Dim("No strategies configured")
				return nil
			}
			for _, s := range all {
				line := s.String()
				if s.ScheduleEnabled && s.ScheduleAt != nil {
					line += " scheduled " + s.ScheduleAt.Format(time.RFC3339)
				}
				if s.Runtime.Quarantined {
					line += " [quarantined: " + s.Runtime.LastError + "]"
				}
				output.Println(line)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(app, cmd, args[0], true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(app, cmd, args[0], false)
		},
	})

	var scheduleAt string
	scheduleCmd := &cobra.Command{
		Use:   "schedule <id>",
		Short: "Schedule a strategy to activate at a future instant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			at, err := time.Parse(time.RFC3339, scheduleAt)
			if err != nil {
				return err
			}
			s, err := app.Store.Load(args[0])
			if err != nil {
				return err
			}
			s.ScheduleAt = &at
			s.ScheduleEnabled = true
			s.Enabled = false
			if err := app.Store.Upsert(*s); err != nil {
				return err
			}
			output.Success("Strategy %s scheduled for %s", s.ID, at.Format(time.RFC3339))
			return nil
		},
	}
	scheduleCmd.Flags().StringVar(&scheduleAt, "at", "", "activation instant (RFC 3339)")
	scheduleCmd.MarkFlagRequired("at")
	cmd.AddCommand(scheduleCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a strategy and all of its working orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.newEngine().CancelStrategy(cmd.Context(), args[0]); err != nil {
				return err
			}
			output.Success("Strategy %s cancelled", args[0])
			return nil
		},
	})

	return cmd
}

func setEnabled(app *App, cmd *cobra.Command, id string, enabled bool) error {
	output := NewOutput(cmd)
	s, err := app.Store.Load(id)
	if err != nil {
		return err
	}
	s.Enabled = enabled
	if err := app.Store.Upsert(*s); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	output.Success("Strategy %s %s", s.ID, state)
	return nil
}

func killSwitchEvent(on bool) audit.Event {
	action := "released"
	if on {
		action = "engaged"
	}
	return audit.Event{
		EventType: audit.EventKillSwitch,
		Action:    action,
		Success:   true,
	}
}
