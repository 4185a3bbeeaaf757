package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/pty"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tool> [args...]",
		Short: "Launch a supervised agent session",
		Long: `Run spawns the tool inside a pseudoterminal and supervises it: output
is mirrored to this terminal, detected prompts are relayed to the
configured channels, and replies are typed back into the tool.

The terminal stays fully interactive; answering locally always works.
Use Ctrl+C (or SIGTERM when detached) to shut the session down.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policyFile, _ := cmd.Flags().GetString("policy")
			label, _ := cmd.Flags().GetString("session-label")
			experimental, _ := cmd.Flags().GetBool("experimental")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			daemon.RegisterBuiltinChannels()
			eng, err := daemon.New(cfg, daemon.Options{PolicyFile: policyFile}, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				return err
			}

			sess, err := eng.StartSession(ctx, daemon.SessionOptions{
				Tool:         args[0],
				Args:         args[1:],
				Label:        label,
				Experimental: experimental,
				Stdin:        os.Stdin,
				Stdout:       os.Stdout,
			})
			if err != nil {
				return err
			}

			if !jsonMode(cmd) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s session %s started (pid %d)\n",
					sess.Meta.Tool, sess.Meta.SessionID[:8], sess.Meta.PID)
			}

			// Put the host terminal in raw mode so keystrokes (including
			// Ctrl+C) pass through to the child, and follow its resizes.
			restore := func() {}
			if pty.IsTerminal(int(os.Stdin.Fd())) {
				r, err := pty.RawMode(int(os.Stdin.Fd()))
				if err != nil {
					logger.Warn("raw mode unavailable", "error", err)
				} else {
					restore = r
					defer restore()
				}
				stopResize := pty.MirrorResize(sess.Handle(), os.Stdin, func(err error) {
					logger.Warn("resize mirroring failed", "error", err)
				})
				defer stopResize()
			}

			code, err := sess.Wait(ctx)
			restore()
			if err != nil {
				// Signal-driven teardown; settle the child before leaving.
				sess.Shutdown()
				return ErrInterrupted
			}

			if jsonMode(cmd) {
				if err := writeJSON(cmd, map[string]any{
					"session_id": sess.Meta.SessionID,
					"exit_code":  code,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "Session ended (exit %d)\n", code)
			}
			if code != 0 {
				return fmt.Errorf("%s exited with code %d", sess.Meta.Tool, code)
			}
			return nil
		},
	}

	cmd.Flags().String("policy", "", "policy file (overrides autopilot.policy_file)")
	cmd.Flags().String("session-label", "", "label shown in relayed messages")
	cmd.Flags().Bool("experimental", false, "allow experimental platform backends")

	return cmd
}
