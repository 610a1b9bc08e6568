package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
	"github.com/Mindburn-Labs/sentinel/pkg/recovery"
)

// Recover applies the boot decision of the authority record. After an
// unclean shutdown it releases every input, stops automation, re-enables
// the user, disarms, records the recovery in the ledger and only then marks
// the record clean. Call it once at startup, before any Run.
//
// If any backend step fails the record stays dirty so the next boot retries.
func (k *Kernel) Recover(ctx context.Context) (recovery.BootDecision, error) {
	d := k.state.Boot()
	if !d.Pessimistic {
		k.logger.Info("authority record clean, no recovery needed")
		return d, nil
	}
	k.logger.Warn("pessimistic recovery",
		"reason", d.Reason,
		"mode", d.Record.Mode,
		"last_snapshot", d.Record.LastSnapshotID,
	)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"force_release_all", k.backend.ForceReleaseAll},
		{"stop_automated_input", k.backend.StopAutomatedInput},
		{"enable_user_input", k.backend.EnableUserInput},
		{"set_observer_mode", func(ctx context.Context) error {
			return k.backend.SetExecutionMode(ctx, authority.Observer)
		}},
	}
	var errs []error
	failed := []string{}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			k.logger.Error("recovery step failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			failed = append(failed, s.name)
		}
	}
	k.arb.SetAutomationActive(false)
	k.disarm("boot recovery: " + d.Reason)

	payload := map[string]any{
		"reason":           d.Reason,
		"previous_mode":    d.Record.Mode.String(),
		"last_snapshot_id": d.Record.LastSnapshotID,
		"failed_steps":     failed,
	}
	if err := k.audit.RecordEvidence("boot_recovery", payload); err != nil {
		return d, fmt.Errorf("record recovery: %w", err)
	}
	if len(errs) > 0 {
		return d, fmt.Errorf("boot recovery incomplete: %w", errors.Join(errs...))
	}
	if err := k.state.MarkClean(); err != nil {
		return d, fmt.Errorf("clear authority record: %w", err)
	}
	return d, nil
}
