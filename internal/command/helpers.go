package command

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/config"
)

// loadConfig resolves the state dir and loads the layered configuration
// using the global --config and --state-dir flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	stateFlag, _ := cmd.Flags().GetString("state-dir")

	stateDir, err := config.ResolveStateDir(stateFlag)
	if err != nil {
		return nil, err
	}
	return config.Load(file, stateDir)
}

// jsonMode reports whether the global --json flag is set.
func jsonMode(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// writeJSON emits one machine-readable object on stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(v)
}

// newLogger builds the process logger at the configured level. Logs go
// to stderr so they never mix with a mirrored child terminal on stdout.
func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
}
