package restoration

import (
	"errors"
	"fmt"
)

var (
	ErrNotObserver     = errors.New("execution mode is not OBSERVER")
	ErrFeedUnavailable = errors.New("observation feed unavailable")
	ErrFeedBlind       = errors.New("observation feed is blind")
	ErrNoFocus         = errors.New("focus and application activation both failed")
)

// CaptureError means the run must not start.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "snapshot capture failed: " + e.Reason
	}
	return fmt.Sprintf("snapshot capture failed: %s: %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// RestorationError reports the restore step that failed.
type RestorationError struct {
	Step string
	Err  error
}

func (e *RestorationError) Error() string {
	return fmt.Sprintf("restore failed at %s: %v", e.Step, e.Err)
}

func (e *RestorationError) Unwrap() error { return e.Err }

// VerificationError reports the first check that did not hold.
type VerificationError struct {
	Check    string
	Expected string
	Actual   string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification %s failed: %v", e.Check, e.Err)
	}
	return fmt.Sprintf("verification %s failed: expected=%s actual=%s", e.Check, e.Expected, e.Actual)
}

func (e *VerificationError) Unwrap() error { return e.Err }
