package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := cmd.Root().Version
			if jsonMode(cmd) {
				return writeJSON(cmd, map[string]string{"name": AppName, "version": v})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", AppName, v)
			return nil
		},
	}
}
