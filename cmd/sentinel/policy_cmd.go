package main

import (
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/policy"
)

func newPolicyCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and exercise authorization profiles",
	}
	cmd.AddCommand(newPolicyCheckCommand(root), newPolicyValidateCommand(root))
	return cmd
}

func loadOracle(root *rootOptions, path string) (*policy.Oracle, error) {
	if path != "" {
		root.cfg.PolicyProfile = path
	}
	p, err := root.cfg.Profile()
	if err != nil {
		return nil, err
	}
	return policy.NewOracle(p)
}

type checkReport struct {
	Target     policy.Descriptor `json:"target"`
	Action     string            `json:"action"`
	Decision   string            `json:"decision"`
	Rule       string            `json:"rule"`
	Reason     string            `json:"reason,omitempty"`
	PolicyHash string            `json:"policy_hash"`
}

// newPolicyCheckCommand exits 1 on Deny.
func newPolicyCheckCommand(root *rootOptions) *cobra.Command {
	var (
		profile string
		target  policy.Descriptor
		action  string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the oracle about one (target, action) pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			oracle, err := loadOracle(root, profile)
			if err != nil {
				return err
			}
			res := oracle.Validate(target, action)
			rep := checkReport{
				Target:     target,
				Action:     action,
				Decision:   res.Decision.String(),
				Rule:       res.Rule,
				Reason:     res.Reason,
				PolicyHash: oracle.PolicyHash(),
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				if err := writeJSON(out, rep); err != nil {
					return err
				}
			} else {
				printf(out, "%s (%s)", rep.Decision, rep.Rule)
				if rep.Reason != "" {
					printf(out, ": %s", rep.Reason)
				}
				printf(out, "\n")
			}
			if res.Decision == policy.Deny {
				return checkFailed("denied by %s", res.Rule)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "profile YAML (default $SENTINEL_POLICY_PROFILE or built-in)")
	cmd.Flags().StringVar(&target.App, "app", "", "target application")
	cmd.Flags().StringVar(&target.RoleName, "role", "", "target accessibility role")
	cmd.Flags().StringVar(&target.Name, "label", "", "target label")
	cmd.Flags().StringVar(&action, "action", "click", "action primitive")
	return cmd
}

func newPolicyValidateCommand(root *rootOptions) *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a profile and print its policy hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			oracle, err := loadOracle(root, profile)
			if err != nil {
				return checkFailed("%v", err)
			}
			p := oracle.Profile()
			out := cmd.OutOrStdout()
			if root.JSON {
				return writeJSON(out, map[string]any{
					"name":        p.Name,
					"version":     p.Version,
					"rules":       len(p.Rules),
					"policy_hash": oracle.PolicyHash(),
				})
			}
			printf(out, "profile %s %s OK, %d rules\n", p.Name, p.Version, len(p.Rules))
			printf(out, "policy hash: %s\n", oracle.PolicyHash())
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "profile YAML (default $SENTINEL_POLICY_PROFILE or built-in)")
	return cmd
}
