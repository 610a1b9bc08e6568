package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ExitIntegrityFailure is the process exit code used by the default fatal
// handler. An unrecorded mutation is treated as an unauthorized one.
const ExitIntegrityFailure = 70

var (
	ErrPendingIntent   = errors.New("unresolved INTENT without EFFECT")
	ErrNoPendingIntent = errors.New("EFFECT recorded without active INTENT")
	ErrSealed          = errors.New("ledger session already sealed")
	ErrPoisoned        = errors.New("ledger poisoned by earlier integrity failure")
	ErrSerialization   = errors.New("canonical serialization failed")
	ErrPersistence     = errors.New("durable write failed")
	ErrChainBroken     = errors.New("hash chain is broken")
)

// IntegrityError reports a violated ledger rule. Every IntegrityError raised
// by Record is fatal: the ledger refuses further writes and the fatal
// handler runs before the error is returned.
type IntegrityError struct {
	Op    string
	Index uint64
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("AUDIT_INTEGRITY_FAILURE: %s at index %d: %v", e.Op, e.Index, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// FatalHandler is invoked once per integrity failure, after the ledger has
// been poisoned. The default handler terminates the process.
type FatalHandler func(err error)

// ExitHandler logs the failure and exits with ExitIntegrityFailure.
func ExitHandler(logger *slog.Logger) FatalHandler {
	return func(err error) {
		logger.Error("audit ledger integrity failure, terminating", "error", err)
		os.Exit(ExitIntegrityFailure)
	}
}
