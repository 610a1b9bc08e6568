package authority

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyReason       = errors.New("transition reason is empty")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrObserverUnhealthy = errors.New("observer unhealthy")
	ErrVisionUnavailable = errors.New("vision unavailable")
)

// TransitionError is returned for every refused transition.
type TransitionError struct {
	From Mode
	To   Mode
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s refused: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
