// Package authority owns the kernel's authority mode and the observer and
// vision health latches that gate it.
//
// Legal unforced edges are Observer→Armed, Armed→Executing, Armed→Observer
// and Executing→Observer. The only forced transition is to Observer.
package authority

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultHistoryLimit bounds the forensic transition history.
const DefaultHistoryLimit = 2000

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Transition is one committed mode change.
type Transition struct {
	Seq             uint64    `json:"seq"`
	From            Mode      `json:"from"`
	To              Mode      `json:"to"`
	Reason          string    `json:"reason"`
	Forced          bool      `json:"forced"`
	Abort           bool      `json:"abort"`
	At              time.Time `json:"at"`
	VisionLive      bool      `json:"vision_live"`
	ObserverHealthy bool      `json:"observer_healthy"`
}

// Forensics is a side-effect free view of the controller.
type Forensics struct {
	Mode            Mode          `json:"mode"`
	EnteredAt       time.Time     `json:"entered_at"`
	Uptime          time.Duration `json:"uptime"`
	LastReason      string        `json:"last_reason"`
	LastForced      bool          `json:"last_forced"`
	ObserverHealthy bool          `json:"observer_healthy"`
	HealthReason    string        `json:"health_reason,omitempty"`
	VisionConfirmed bool          `json:"vision_confirmed"`
	VisionFailed    bool          `json:"vision_failed"`
	InputLocked     bool          `json:"input_locked"`
	HistoryDepth    int           `json:"history_depth"`
}

type Option func(*Controller)

func WithClock(c Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(ctl *Controller) { ctl.logger = l } }

func WithInputLock(l InputLock) Option { return func(ctl *Controller) { ctl.lock = l } }

func WithHistoryLimit(n int) Option {
	return func(ctl *Controller) {
		if n > 0 {
			ctl.historyLimit = n
		}
	}
}

// Controller is the authority state machine. All check-then-commit
// sequences run under one hold of mu.
type Controller struct {
	mu sync.Mutex

	mode    Mode
	entered time.Time
	reason  string
	forced  bool

	observerFailed  bool
	healthReason    string
	visionConfirmed bool
	visionFailed    bool

	lock         InputLock
	history      []Transition
	historyLimit int
	historyHead  int
	seq          uint64

	started   time.Time
	clock     Clock
	listeners []func(Transition)
	logger    *slog.Logger
}

// NewController returns a controller in Observer with vision unconfirmed.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		mode:         Observer,
		reason:       "startup",
		clock:        wallClock{},
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lock == nil {
		c.lock = &FlagLock{}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "authority")
	}
	c.started = c.clock.Now()
	c.entered = c.started
	return c
}

// OnTransition registers fn to be called after every committed transition.
// Listeners run outside the controller lock, in commit order per caller.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RequestTransition moves the controller to target. Checks run in order:
// empty reason, no-op, edge set, observer health, vision liveness.
func (c *Controller) RequestTransition(target Mode, reason string, force bool) error {
	c.mu.Lock()
	from := c.mode
	if strings.TrimSpace(reason) == "" {
		c.mu.Unlock()
		return &TransitionError{From: from, To: target, Err: ErrEmptyReason}
	}
	if target == from {
		c.mu.Unlock()
		return nil
	}
	legal := Allowed(from, target) || (force && target == Observer)
	if !legal {
		c.mu.Unlock()
		return &TransitionError{From: from, To: target, Err: ErrIllegalTransition}
	}
	if c.observerFailed && target != Observer {
		c.mu.Unlock()
		return &TransitionError{From: from, To: target, Err: ErrObserverUnhealthy}
	}
	if target == Executing && !c.visionLiveLocked() {
		c.mu.Unlock()
		return &TransitionError{From: from, To: target, Err: ErrVisionUnavailable}
	}
	t := c.commitLocked(target, reason, force, false)
	listeners := c.listeners
	c.mu.Unlock()

	c.logger.Info("authority transition", "from", t.From, "to", t.To, "reason", reason, "forced", force)
	notify(listeners, t)
	return nil
}

// Arm moves Observer→Armed.
func (c *Controller) Arm(reason string) error {
	return c.RequestTransition(Armed, reason, false)
}

// Execute moves Armed→Executing.
func (c *Controller) Execute(reason string) error {
	return c.RequestTransition(Executing, reason, false)
}

// Disarm forces the controller back to Observer from any mode.
func (c *Controller) Disarm(reason string) error {
	return c.RequestTransition(Observer, reason, true)
}

// UpdateObserverHealth latches observer failure. Health can be lost but
// never regained. Losing health while Executing aborts to Observer within
// this call; the return value reports whether that happened.
func (c *Controller) UpdateObserverHealth(healthy bool, reason string) bool {
	if healthy {
		return false
	}
	c.mu.Lock()
	if !c.observerFailed {
		c.observerFailed = true
		c.healthReason = reason
		c.logger.Error("observer unhealthy", "reason", reason)
	}
	return c.abortIfExecutingLocked("observer unhealthy: " + reason)
}

// UpdateVisionStatus feeds the raw vision liveness signal. The first ok
// confirms vision; any !ok latches it failed permanently. Losing vision
// while Executing aborts to Observer.
func (c *Controller) UpdateVisionStatus(ok bool) bool {
	c.mu.Lock()
	if ok {
		if !c.visionFailed {
			c.visionConfirmed = true
		}
		c.mu.Unlock()
		return false
	}
	if !c.visionFailed {
		c.visionFailed = true
		c.logger.Error("vision lost")
	}
	return c.abortIfExecutingLocked("vision lost")
}

// abortIfExecutingLocked is entered with mu held and releases it.
func (c *Controller) abortIfExecutingLocked(reason string) bool {
	if c.mode != Executing {
		c.mu.Unlock()
		return false
	}
	t := c.commitLocked(Observer, reason, true, true)
	listeners := c.listeners
	c.mu.Unlock()

	c.logger.Warn("execution aborted", "reason", reason)
	notify(listeners, t)
	return true
}

func (c *Controller) commitLocked(target Mode, reason string, forced, abort bool) Transition {
	now := c.clock.Now()
	c.seq++
	t := Transition{
		Seq:             c.seq,
		From:            c.mode,
		To:              target,
		Reason:          reason,
		Forced:          forced,
		Abort:           abort,
		At:              now,
		VisionLive:      c.visionLiveLocked(),
		ObserverHealthy: !c.observerFailed,
	}
	c.mode = target
	c.entered = now
	c.reason = reason
	c.forced = forced

	switch target {
	case Executing:
		c.lock.Engage()
	case Observer:
		c.lock.Release()
	}

	if len(c.history) < c.historyLimit {
		c.history = append(c.history, t)
	} else {
		c.history[c.historyHead] = t
		c.historyHead = (c.historyHead + 1) % c.historyLimit
	}
	return t
}

func (c *Controller) visionLiveLocked() bool {
	return c.visionConfirmed && !c.visionFailed
}

func notify(listeners []func(Transition), t Transition) {
	for _, fn := range listeners {
		fn(t)
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// VisionLive reports whether vision is confirmed and has never failed.
func (c *Controller) VisionLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visionLiveLocked()
}

// ObserverHealthy reports whether observer health has never been lost.
func (c *Controller) ObserverHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.observerFailed
}

// InputLocked reports the input lock state.
func (c *Controller) InputLocked() bool {
	return c.lock.Engaged()
}

// History returns the retained transitions, oldest first.
func (c *Controller) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, 0, len(c.history))
	out = append(out, c.history[c.historyHead:]...)
	out = append(out, c.history[:c.historyHead]...)
	return out
}

// Forensics returns a read-only view of the controller.
func (c *Controller) Forensics() Forensics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Forensics{
		Mode:            c.mode,
		EnteredAt:       c.entered,
		Uptime:          c.clock.Now().Sub(c.started),
		LastReason:      c.reason,
		LastForced:      c.forced,
		ObserverHealthy: !c.observerFailed,
		HealthReason:    c.healthReason,
		VisionConfirmed: c.visionConfirmed,
		VisionFailed:    c.visionFailed,
		InputLocked:     c.lock.Engaged(),
		HistoryDepth:    len(c.history),
	}
}
