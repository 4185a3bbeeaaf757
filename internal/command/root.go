// Package command is the atlasbridge CLI: session launching, autopilot
// control, policy tooling, and audit verification.
package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "atlasbridge"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "AtlasBridge keeps interactive AI agents moving while you are away",
		Long: `AtlasBridge runs an interactive agent inside a pseudoterminal, detects
when it stops to ask a question, relays the question to you over Telegram,
Slack, or a desktop notification, and types your answer back. A policy file
can answer routine prompts automatically; everything is recorded in a
hash-chained audit log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().String("config", "", "path to the config file")
	cmd.PersistentFlags().String("state-dir", "", "state directory (default ~/.config/atlasbridge)")

	cmd.AddCommand(
		NewRunCmd(),
		NewPauseCmd(),
		NewResumeCmd(),
		NewPolicyCmd(),
		NewAuditCmd(),
		NewVersionCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
