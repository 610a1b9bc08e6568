package restoration

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
)

// Restorer returns the workspace to a snapshot. It is idempotent per
// snapshot: after a successful restore, later calls only repeat the
// unconditional force release.
type Restorer struct {
	backend Backend
	opts    options

	mu       sync.Mutex
	restored map[string]bool
}

func NewRestorer(backend Backend, opts ...Option) *Restorer {
	return &Restorer{
		backend:  backend,
		opts:     buildOptions("restore", opts),
		restored: make(map[string]bool),
	}
}

// Restore runs the ordered restore steps. Steps up to the extended
// metadata never fail the restore; cursor, focus and execution mode do.
// On failure ForceReleaseAll runs again so human input is never left
// blocked, and the failure is recorded as evidence.
func (r *Restorer) Restore(ctx context.Context, snap *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.opts.logger.With("snapshot", snap.ID())

	if err := r.backend.ForceReleaseAll(ctx); err != nil {
		log.Error("force release failed", "error", err)
	}
	if r.restored[snap.ID()] {
		return nil
	}

	if err := r.restore(ctx, snap); err != nil {
		if rerr := r.backend.ForceReleaseAll(ctx); rerr != nil {
			log.Error("safety release after failed restore failed", "error", rerr)
		}
		log.Error("restore failed", "error", err)
		r.record(EvidenceRestoreFailed, snap, err)
		return err
	}
	r.restored[snap.ID()] = true
	log.Info("workspace restored")
	return nil
}

func (r *Restorer) restore(ctx context.Context, snap *Snapshot) error {
	log := r.opts.logger.With("snapshot", snap.ID())

	if err := r.backend.StopAutomatedInput(ctx); err != nil {
		log.Warn("stop automated input failed", "error", err)
	}
	if err := r.backend.EnableUserInput(ctx); err != nil {
		log.Warn("enable user input failed", "error", err)
	}

	r.restoreExtended(ctx, snap)

	want := snap.Cursor()
	if err := r.backend.SetCursorPosition(ctx, want); err != nil {
		return &RestorationError{Step: "cursor", Err: err}
	}

	focus, app := snap.Focus(), snap.Application()
	focused, ferr := r.backend.FocusWindow(ctx, focus.WindowID)
	if ferr != nil || !focused {
		activated, aerr := r.backend.ActivateApplication(ctx, app.ProcessName, app.PID)
		if aerr != nil {
			return &RestorationError{Step: "focus", Err: fmt.Errorf("%w: %v", ErrNoFocus, aerr)}
		}
		if !activated {
			return &RestorationError{Step: "focus", Err: ErrNoFocus}
		}
		log.Warn("window focus failed, application activated instead", "window", focus.WindowID, "app", app.ProcessName)
	}

	if err := r.backend.SetExecutionMode(ctx, authority.Observer); err != nil {
		return &RestorationError{Step: "execution mode", Err: err}
	}

	if r.opts.settle > 0 {
		r.opts.sleep(r.opts.settle)
	}
	mode, err := r.backend.ExecutionMode(ctx)
	if err != nil {
		return &RestorationError{Step: "post-restore mode", Err: err}
	}
	if mode != authority.Observer {
		return &RestorationError{Step: "post-restore mode", Err: fmt.Errorf("mode is %s", mode)}
	}
	got, err := r.backend.CursorPosition(ctx)
	if err != nil {
		return &RestorationError{Step: "post-restore cursor", Err: err}
	}
	if got != want {
		return &RestorationError{Step: "post-restore cursor", Err: fmt.Errorf("cursor at (%d,%d), want (%d,%d)", got.X, got.Y, want.X, want.Y)}
	}
	return nil
}

// restoreExtended never fails; each missing or failing piece is logged.
func (r *Restorer) restoreExtended(ctx context.Context, snap *Snapshot) {
	meta := snap.Metadata()
	ext := r.opts.ext
	windowID := snap.Focus().WindowID

	var failed []string
	note := func(what string, err error) {
		if err != nil {
			failed = append(failed, what)
			r.opts.logger.Warn("extended restore failed", "what", what, "error", err)
		}
	}
	if meta.Geometry != nil {
		note("geometry", ext.SetWindowGeometry(ctx, windowID, *meta.Geometry))
	}
	if meta.ZOrder != nil {
		note("z-order", ext.SetWindowZOrder(ctx, windowID, *meta.ZOrder))
	}
	if len(meta.BrowserState) > 0 {
		note("browser", ext.SetBrowserState(ctx, meta.BrowserState))
	}
	if meta.MediaPosition != nil {
		note("media", ext.SetMediaPosition(ctx, *meta.MediaPosition))
	}
	if len(failed) > 0 && r.opts.evidence != nil {
		if err := r.opts.evidence.RecordEvidence(EvidenceExtendedFailed, map[string]any{
			"snapshot_id": snap.ID(),
			"failed":      failed,
		}); err != nil {
			r.opts.logger.Error("recording evidence failed", "error", err)
		}
	}
}

func (r *Restorer) record(kind string, snap *Snapshot, cause error) {
	if r.opts.evidence == nil {
		return
	}
	if err := r.opts.evidence.RecordEvidence(kind, map[string]any{
		"snapshot_id": snap.ID(),
		"error":       cause.Error(),
	}); err != nil {
		r.opts.logger.Error("recording evidence failed", "error", err)
	}
}

// Restored reports whether snap has been successfully restored.
func (r *Restorer) Restored(snapshotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restored[snapshotID]
}
