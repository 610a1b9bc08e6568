package main

import (
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/sentinel/pkg/recovery"
)

type statusReport struct {
	Path          string          `json:"path"`
	Record        recovery.Record `json:"record"`
	NeedsRecovery bool            `json:"needs_recovery"`
}

// newStatusCommand implements `sentinel status`. It exits 1 when the
// authority record describes an unclean shutdown.
func newStatusCommand(root *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted authority record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = root.cfg.StatePath
			}
			rec := recovery.NewStore(path).Load()
			rep := statusReport{Path: path, Record: rec, NeedsRecovery: rec.NeedsRecovery()}

			out := cmd.OutOrStdout()
			if root.JSON {
				if err := writeJSON(out, rep); err != nil {
					return err
				}
			} else {
				printf(out, "state: %s\n", path)
				printf(out, "mode: %s  dirty: %t  automation active: %t  restore required: %t\n",
					rec.Mode, rec.Dirty, rec.AutomationActive, rec.RestoreRequired)
				if rec.LastSnapshotID != "" {
					printf(out, "last snapshot: %s\n", rec.LastSnapshotID)
				}
				if !rec.UpdatedAt.IsZero() {
					printf(out, "updated: %s\n", rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
				}
			}
			if rep.NeedsRecovery {
				return checkFailed("authority record needs recovery")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "state", "", "authority record (default $SENTINEL_STATE_PATH)")
	return cmd
}
