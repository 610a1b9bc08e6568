package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/ledger/index"
)

func newAuditCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query tooling over the audit ledger",
	}
	cmd.AddCommand(newAuditIndexCommand(root))
	return cmd
}

// newAuditIndexCommand backfills a SQL index from a verified ledger file.
// Exits 1 if the ledger does not verify.
func newAuditIndexCommand(root *rootOptions) *cobra.Command {
	var path, dsn string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Mirror a verified ledger into the SQL audit index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = root.cfg.LedgerPath
			}
			if dsn == "" {
				dsn = root.cfg.AuditIndexDSN
			}
			if dsn == "" {
				return errors.New("--dsn or SENTINEL_AUDIT_INDEX_DSN is required")
			}
			ctx := cmd.Context()
			idx, err := index.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer func() { _ = idx.Close() }()

			n, err := idx.Backfill(ctx, path)
			if errors.Is(err, index.ErrUnverifiedLedger) {
				return checkFailed("%v", err)
			}
			if err != nil {
				return err
			}
			total, err := idx.Count(ctx)
			if err != nil {
				return err
			}
			open, err := idx.UnresolvedIntents(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.JSON {
				return writeJSON(out, map[string]any{
					"scanned":            n,
					"indexed":            total,
					"unresolved_intents": open,
				})
			}
			printf(out, "scanned %d entries, index holds %d\n", n, total)
			for _, h := range open {
				printf(out, "unresolved intent: %s\n", h)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "ledger file (default $SENTINEL_LEDGER_PATH)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "sqlite path or postgres:// URL (default $SENTINEL_AUDIT_INDEX_DSN)")
	return cmd
}
