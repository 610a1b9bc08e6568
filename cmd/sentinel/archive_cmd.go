package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/archive"
	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

// newArchiveCommand uploads a sealed, verified ledger to the store selected
// by SENTINEL_ARCHIVE_TYPE. Exits 1 if the ledger is unsealed or broken.
func newArchiveCommand(root *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a sealed ledger to content-addressed storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = root.cfg.LedgerPath
			}
			ctx := cmd.Context()
			store, err := archive.NewStoreFromEnv(ctx)
			if err != nil {
				return err
			}
			rec, err := archive.ArchiveLedger(ctx, store, path, ledger.VerifyOptions{Seed: root.cfg.SigningSeed})
			if errors.Is(err, archive.ErrNotSealed) || errors.Is(err, archive.ErrUnverified) {
				return checkFailed("%v", err)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				return writeJSON(out, rec)
			}
			printf(out, "archived %s (%d entries)\n", rec.Manifest.LedgerKey, rec.Manifest.Entries)
			printf(out, "manifest %s\n", rec.ManifestKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "ledger file (default $SENTINEL_LEDGER_PATH)")
	return cmd
}
