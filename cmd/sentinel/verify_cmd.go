package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

// newVerifyLedgerCommand implements `sentinel verify-ledger`.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken (or unsealed with --require-seal)
//	2 = ledger unreadable
func newVerifyLedgerCommand(root *rootOptions) *cobra.Command {
	var (
		path        string
		requireSeal bool
		seedHex     string
	)
	cmd := &cobra.Command{
		Use:   "verify-ledger",
		Short: "Verify the hash chain, intent/effect pairing and seals of an audit ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = root.cfg.LedgerPath
			}
			opts := ledger.VerifyOptions{RequireSeal: requireSeal, Seed: root.cfg.SigningSeed}
			if seedHex != "" {
				seed, err := hex.DecodeString(seedHex)
				if err != nil {
					return fmt.Errorf("--seed-hex: %w", err)
				}
				opts.Seed = seed
			}

			rep, err := ledger.VerifyFile(path, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.JSON {
				if err := writeJSON(out, rep); err != nil {
					return err
				}
			} else if rep.Valid {
				printf(out, "ledger OK: %s\n", path)
				printf(out, "entries: %d  sessions: %d  signed seals: %d  sealed: %t\n",
					rep.Entries, rep.Sessions, rep.SignedSeals, rep.Sealed)
				printf(out, "head: %s\n", rep.Head)
				if rep.PendingIntent != "" {
					printf(out, "pending intent: %s\n", rep.PendingIntent)
				}
				for _, o := range rep.OrphanedIntents {
					printf(out, "orphaned intent: %s\n", o)
				}
			} else {
				printf(out, "ledger BROKEN: %s\n", path)
				printf(out, "at index %d: %s\n", rep.BrokenAt, rep.Reason)
			}

			if !rep.Valid {
				return checkFailed("ledger invalid at index %d: %s", rep.BrokenAt, rep.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "ledger file (default $SENTINEL_LEDGER_PATH)")
	cmd.Flags().BoolVar(&requireSeal, "require-seal", false, "fail if the last session is not sealed")
	cmd.Flags().StringVar(&seedHex, "seed-hex", "", "pin seal signatures to this hex seed (default $SENTINEL_SIGNING_SEED)")
	return cmd
}
