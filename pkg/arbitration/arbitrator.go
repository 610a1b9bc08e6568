// Package arbitration decides, per step, whether the operator may continue
// given the most recent input event, and runs the deadman watchdog that
// hands control back to the human when the operator goes silent.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Decision is the arbitrator's verdict for one step.
type Decision int

const (
	Continue Decision = iota
	Yield
	Abort
	Release
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "CONTINUE"
	case Yield:
		return "YIELD"
	case Abort:
		return "ABORT"
	case Release:
		return "RELEASE"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Stops reports whether the step that produced d must not execute.
func (d Decision) Stops() bool { return d != Continue }

// Origin classifies an input event.
type Origin int

const (
	OperatorOrigin Origin = iota
	HumanOrigin
)

func (o Origin) String() string {
	if o == OperatorOrigin {
		return "OPERATOR"
	}
	return "HUMAN"
}

// Config holds the arbitration timings. ClassificationWindow must stay well
// below WatchdogTimeout.
type Config struct {
	ClassificationWindow time.Duration
	WatchdogInterval     time.Duration
	WatchdogTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClassificationWindow: 200 * time.Millisecond,
		WatchdogInterval:     500 * time.Millisecond,
		WatchdogTimeout:      3 * time.Second,
	}
}

var ErrInvalidConfig = errors.New("invalid arbitration config")

func (c Config) Validate() error {
	switch {
	case c.ClassificationWindow <= 0:
		return fmt.Errorf("%w: classification window must be positive", ErrInvalidConfig)
	case c.WatchdogInterval <= 0:
		return fmt.Errorf("%w: watchdog interval must be positive", ErrInvalidConfig)
	case c.WatchdogTimeout <= c.ClassificationWindow:
		return fmt.Errorf("%w: classification window %s must be shorter than watchdog timeout %s",
			ErrInvalidConfig, c.ClassificationWindow, c.WatchdogTimeout)
	case c.WatchdogInterval >= c.WatchdogTimeout:
		return fmt.Errorf("%w: watchdog interval %s must be shorter than timeout %s",
			ErrInvalidConfig, c.WatchdogInterval, c.WatchdogTimeout)
	}
	return nil
}

// Clock abstracts time for tests. Now must carry a monotonic reading in
// production.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type Option func(*Arbitrator)

func WithClock(c Clock) Option { return func(a *Arbitrator) { a.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(a *Arbitrator) { a.logger = l } }

// Arbitrator enforces "human always wins".
type Arbitrator struct {
	mu sync.Mutex

	cfg          Config
	clock        Clock
	lastOp       time.Time
	marked       bool
	active       bool
	activeSince  time.Time
	forced       bool
	forcedReason string

	released chan string
	logger   *slog.Logger
}

func New(cfg Config, opts ...Option) (*Arbitrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Arbitrator{
		cfg:      cfg,
		clock:    wallClock{},
		released: make(chan string, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default().With("component", "arbitration")
	}
	return a, nil
}

// MarkOperatorAction records that the operator is about to issue input.
// Call it immediately before every automated primitive.
func (a *Arbitrator) MarkOperatorAction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastOp = a.clock.Now()
	a.marked = true
}

// Classify attributes an input event observed at the given time.
func (a *Arbitrator) Classify(at time.Time) Origin {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.classifyLocked(at)
}

func (a *Arbitrator) classifyLocked(at time.Time) Origin {
	if !a.marked || at.Sub(a.lastOp) > a.cfg.ClassificationWindow {
		return HumanOrigin
	}
	return OperatorOrigin
}

// Evaluate returns the decision for an input event observed at the given
// time. Forced release short-circuits everything; human presence never
// continues.
func (a *Arbitrator) Evaluate(at time.Time, highRisk, operatorConfident bool) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.forced {
		return Release
	}
	if a.classifyLocked(at) == HumanOrigin {
		if highRisk {
			return Abort
		}
		// Operator confidence does not matter once a human is present.
		return Yield
	}
	return Continue
}

// Standing returns the decision when no input event has been observed:
// Release if forced release is set, Continue otherwise.
func (a *Arbitrator) Standing() Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.forced {
		return Release
	}
	return Continue
}

// SetAutomationActive tells the watchdog whether the operator is expected
// to be issuing input.
func (a *Arbitrator) SetAutomationActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if active && !a.active {
		a.activeSince = a.clock.Now()
	}
	a.active = active
}

// EmergencyReclaim sets forced release. Idempotent.
func (a *Arbitrator) EmergencyReclaim(reason string) {
	a.mu.Lock()
	set := a.setForcedLocked(reason)
	a.mu.Unlock()
	if set {
		a.logger.Warn("emergency reclaim", "reason", reason)
	}
}

// ClearEmergencyReclaim clears forced release. Idempotent.
func (a *Arbitrator) ClearEmergencyReclaim() {
	a.mu.Lock()
	was := a.forced
	a.forced = false
	a.forcedReason = ""
	a.mu.Unlock()
	if was {
		a.logger.Info("forced release cleared")
	}
}

// ForcedRelease reports whether forced release is set, and why.
func (a *Arbitrator) ForcedRelease() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forced, a.forcedReason
}

// Released delivers the reason each time forced release becomes set.
// Delivery is best effort: a pending notification is not duplicated.
func (a *Arbitrator) Released() <-chan string {
	return a.released
}

func (a *Arbitrator) setForcedLocked(reason string) bool {
	if a.forced {
		return false
	}
	a.forced = true
	a.forcedReason = reason
	select {
	case a.released <- reason:
	default:
	}
	return true
}

// CheckDeadman runs one watchdog evaluation and reports whether it set
// forced release. Silence is measured from the later of the last operator
// action and the moment automation became active.
func (a *Arbitrator) CheckDeadman() bool {
	a.mu.Lock()
	if !a.active || a.forced {
		a.mu.Unlock()
		return false
	}
	since := a.activeSince
	if a.marked && a.lastOp.After(since) {
		since = a.lastOp
	}
	silent := a.clock.Now().Sub(since)
	if silent <= a.cfg.WatchdogTimeout {
		a.mu.Unlock()
		return false
	}
	reason := fmt.Sprintf("deadman: operator silent for %s", silent.Round(time.Millisecond))
	a.setForcedLocked(reason)
	a.mu.Unlock()

	a.logger.Error("deadman watchdog fired", "silent", silent, "timeout", a.cfg.WatchdogTimeout)
	return true
}

// RunWatchdog polls CheckDeadman until ctx is done. It never waits on the
// main loop.
func (a *Arbitrator) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.CheckDeadman()
		}
	}
}

// Config returns the active timings.
func (a *Arbitrator) Config() Config { return a.cfg }
