package command

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// NewPolicyCmd creates the policy command group.
func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and dry-run autopilot policies",
	}
	cmd.AddCommand(newPolicyValidateCmd())
	cmd.AddCommand(newPolicyTestCmd())
	return cmd
}

// resolvePolicyFile picks the file argument, falling back to the
// configured autopilot.policy_file.
func resolvePolicyFile(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Autopilot.PolicyFile == "" {
		return "", types.Errorf(types.KindConfig, "no policy file given and autopilot.policy_file is not set")
	}
	return cfg.Autopilot.PolicyFile, nil
}

func newPolicyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a policy file and print its content hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePolicyFile(cmd, args)
			if err != nil {
				return err
			}
			p, err := policy.Load(path)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				return writeJSON(cmd, map[string]any{
					"name":  p.Name,
					"mode":  string(p.Mode),
					"rules": len(p.Rules),
					"hash":  p.Hash(),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy %q is valid\n", p.Name)
			fmt.Fprintf(out, "  mode:  %s\n", p.Mode)
			fmt.Fprintf(out, "  rules: %d\n", len(p.Rules))
			fmt.Fprintf(out, "  hash:  %s\n", p.Hash())
			return nil
		},
	}
}

func newPolicyTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test [file]",
		Short: "Evaluate a synthetic prompt against a policy",
		Long: `Test runs one synthetic prompt through the policy evaluator and prints
the decision, without touching any session or the decision trace. Use
--explain to see why each rule matched or did not.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, _ := cmd.Flags().GetString("prompt")
			typ, _ := cmd.Flags().GetString("type")
			conf, _ := cmd.Flags().GetString("confidence")
			tool, _ := cmd.Flags().GetString("tool")
			explain, _ := cmd.Flags().GetBool("explain")

			pt := types.PromptType(typ)
			switch pt {
			case types.PromptYesNo, types.PromptConfirmEnter, types.PromptMultipleChoice,
				types.PromptFreeText, types.PromptUnknown:
			default:
				return types.Errorf(types.KindConfig, "unknown prompt type %q", typ)
			}
			c := types.Confidence(conf)
			if c.Rank() == 0 {
				return types.Errorf(types.KindConfig, "unknown confidence %q (want low, medium or high)", conf)
			}

			path, err := resolvePolicyFile(cmd, args)
			if err != nil {
				return err
			}
			p, err := policy.Load(path)
			if err != nil {
				return err
			}

			d := policy.Eval(p, policy.Input{
				ToolID: tool,
				Event: types.PromptEvent{
					Type:       pt,
					Confidence: c,
					Excerpt:    prompt,
				},
			})

			if jsonMode(cmd) {
				out := map[string]any{
					"action": string(d.Action),
				}
				if d.Value != "" {
					out["value"] = d.Value
				}
				if d.Message != "" {
					out["message"] = d.Message
				}
				if d.MatchedRule != "" {
					out["matched_rule"] = d.MatchedRule
				}
				if explain {
					out["explain"] = d.Explain
				}
				return writeJSON(cmd, out)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "action: %s\n", d.Action)
			if d.Value != "" {
				fmt.Fprintf(out, "value:  %q\n", d.Value)
			}
			if d.MatchedRule != "" {
				fmt.Fprintf(out, "rule:   %s\n", d.MatchedRule)
			}
			if d.Message != "" {
				fmt.Fprintf(out, "note:   %s\n", d.Message)
			}
			if explain {
				fmt.Fprintln(out, "trace:")
				fmt.Fprintf(out, "  %s\n", strings.Join(d.Explain, "\n  "))
			}
			return nil
		},
	}

	cmd.Flags().String("prompt", "", "prompt excerpt to evaluate")
	cmd.Flags().String("type", string(types.PromptYesNo), "prompt type (yes_no, confirm_enter, multiple_choice, free_text, unknown)")
	cmd.Flags().String("confidence", string(types.ConfidenceHigh), "detector confidence (low, medium, high)")
	cmd.Flags().String("tool", "", "tool id to match against")
	cmd.Flags().Bool("explain", false, "print the evaluation trace")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}
