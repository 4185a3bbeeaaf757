package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/db"
)

// setAutopilot flips the shared pause flag. Running daemons pick the
// change up on their next sweep; no restart is needed.
func setAutopilot(cmd *cobra.Command, value string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.SetRuntimeState(conn, db.RuntimeKeyAutopilot, value, time.Now().UnixMilli()); err != nil {
		return err
	}

	if jsonMode(cmd) {
		return writeJSON(cmd, map[string]any{"autopilot": value})
	}
	switch value {
	case db.AutopilotPaused:
		fmt.Fprintln(cmd.OutOrStdout(), "Autopilot paused. Every prompt will be relayed to you.")
	default:
		fmt.Fprintln(cmd.OutOrStdout(), "Autopilot resumed. The loaded policy applies again.")
	}
	return nil
}

// NewPauseCmd creates the pause command.
func NewPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause autopilot so every prompt escalates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAutopilot(cmd, db.AutopilotPaused)
		},
	}
}

// NewResumeCmd creates the resume command.
func NewResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume autopilot under the loaded policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAutopilot(cmd, db.AutopilotActive)
		},
	}
}
