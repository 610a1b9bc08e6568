package restoration

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State of one automated run's restoration bracket.
type State int

const (
	NotCaptured State = iota
	Captured
	Restoring
	Verified
	RestoreFailed
	VerifyFailed
)

func (s State) String() string {
	switch s {
	case NotCaptured:
		return "NOT_CAPTURED"
	case Captured:
		return "CAPTURED"
	case Restoring:
		return "RESTORING"
	case Verified:
		return "VERIFIED"
	case RestoreFailed:
		return "RESTORE_FAILED"
	case VerifyFailed:
		return "VERIFY_FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrTransactionState = errors.New("restoration transaction in wrong state")

// Transaction brackets one automated run: Capture before, Complete after.
type Transaction struct {
	provider *Provider
	restorer *Restorer
	verifier *Verifier
	evidence EvidenceRecorder

	mu    sync.Mutex
	state State
	snap  *Snapshot
	err   error
}

func NewTransaction(p *Provider, r *Restorer, v *Verifier, evidence EvidenceRecorder) *Transaction {
	return &Transaction{provider: p, restorer: r, verifier: v, evidence: evidence}
}

// Capture takes the snapshot. On error the transaction stays NotCaptured
// and the run must not start.
func (t *Transaction) Capture(ctx context.Context) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != NotCaptured {
		return nil, fmt.Errorf("%w: capture in %s", ErrTransactionState, t.state)
	}
	snap, err := t.provider.Capture(ctx)
	if err != nil {
		return nil, err
	}
	t.snap = snap
	t.state = Captured
	if t.evidence != nil {
		if err := t.evidence.RecordEvidence(EvidenceCaptured, snap.Record()); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Complete restores and then verifies. It is safe to call more than once;
// a finished transaction returns its original outcome.
func (t *Transaction) Complete(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Captured:
	case Verified, RestoreFailed, VerifyFailed:
		return t.err
	default:
		return fmt.Errorf("%w: complete in %s", ErrTransactionState, t.state)
	}

	t.state = Restoring
	if err := t.restorer.Restore(ctx, t.snap); err != nil {
		t.state, t.err = RestoreFailed, err
		return err
	}
	if err := t.verifier.Verify(ctx, t.snap); err != nil {
		t.state, t.err = VerifyFailed, err
		return err
	}
	t.state = Verified
	if t.evidence != nil {
		if err := t.evidence.RecordEvidence(EvidenceVerified, map[string]any{"snapshot_id": t.snap.ID()}); err != nil {
			t.err = err
			return err
		}
	}
	return nil
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns the captured snapshot, or nil before capture.
func (t *Transaction) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
