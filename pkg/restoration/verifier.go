package restoration

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
)

// Verifier proves, independently of the restorer, that the workspace
// matches a snapshot. It never repairs anything.
type Verifier struct {
	backend Backend
	feed    Feed
	opts    options
}

func NewVerifier(backend Backend, feed Feed, opts ...Option) *Verifier {
	return &Verifier{backend: backend, feed: feed, opts: buildOptions("verify", opts)}
}

// Verify returns a *VerificationError for the first check that fails.
func (v *Verifier) Verify(ctx context.Context, snap *Snapshot) error {
	err := v.verify(ctx, snap)
	if err != nil {
		v.opts.logger.Error("restoration verification failed", "snapshot", snap.ID(), "error", err)
		if v.opts.evidence != nil {
			if rerr := v.opts.evidence.RecordEvidence(EvidenceVerifyFailed, map[string]any{
				"snapshot_id": snap.ID(),
				"error":       err.Error(),
			}); rerr != nil {
				v.opts.logger.Error("recording evidence failed", "error", rerr)
			}
		}
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, snap *Snapshot) error {
	mode, err := v.backend.ExecutionMode(ctx)
	if err != nil {
		return &VerificationError{Check: "execution mode", Err: err}
	}
	if mode != authority.Observer {
		return &VerificationError{Check: "execution mode", Expected: authority.Observer.String(), Actual: mode.String()}
	}

	want := snap.Cursor()
	got, err := v.backend.CursorPosition(ctx)
	if err != nil {
		return &VerificationError{Check: "cursor", Err: err}
	}
	if abs(got.X-want.X) > v.opts.tolerance || abs(got.Y-want.Y) > v.opts.tolerance {
		return &VerificationError{
			Check:    "cursor",
			Expected: fmt.Sprintf("(%d,%d)", want.X, want.Y),
			Actual:   fmt.Sprintf("(%d,%d)", got.X, got.Y),
		}
	}

	focus, err := v.backend.FocusedWindow(ctx)
	if err != nil {
		return &VerificationError{Check: "focus", Err: err}
	}
	if focus.WindowID != snap.Focus().WindowID {
		return &VerificationError{Check: "focus", Expected: snap.Focus().WindowID, Actual: focus.WindowID}
	}

	if ev, ok := snap.Evidence(); ok {
		if v.feed == nil {
			return &VerificationError{Check: "evidence", Err: ErrFeedUnavailable}
		}
		obs := v.feed.Read()
		if !obs.Available {
			return &VerificationError{Check: "evidence", Err: ErrFeedUnavailable}
		}
		if obs.ContentHash != ev.ContentHash {
			return &VerificationError{Check: "evidence", Expected: ev.ContentHash, Actual: obs.ContentHash}
		}
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
