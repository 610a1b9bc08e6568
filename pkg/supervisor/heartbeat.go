package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Heartbeat detects a stalled main loop. The loop calls Beat once per step;
// if no beat arrives within the timeout while the heartbeat is started, the
// fire callback runs once. Check never waits on the loop.
type Heartbeat struct {
	timeout time.Duration
	now     func() time.Time
	fire    func(silent time.Duration)
	logger  *slog.Logger

	mu     sync.Mutex
	last   time.Time
	active bool
	fired  bool
}

func NewHeartbeat(timeout time.Duration, now func() time.Time, fire func(silent time.Duration), logger *slog.Logger) *Heartbeat {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default().With("component", "heartbeat")
	}
	return &Heartbeat{timeout: timeout, now: now, fire: fire, logger: logger}
}

// Start arms the heartbeat and counts as a beat.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = true
	h.fired = false
	h.last = h.now()
}

func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = false
}

func (h *Heartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = h.now()
}

// Fired reports whether the heartbeat fired since the last Start.
func (h *Heartbeat) Fired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

// Check evaluates the heartbeat once and reports whether it fired.
func (h *Heartbeat) Check() bool {
	h.mu.Lock()
	if !h.active || h.fired {
		h.mu.Unlock()
		return false
	}
	silent := h.now().Sub(h.last)
	if silent <= h.timeout {
		h.mu.Unlock()
		return false
	}
	h.fired = true
	h.mu.Unlock()

	h.logger.Error("main loop heartbeat lost", "silent", silent, "timeout", h.timeout)
	if h.fire != nil {
		h.fire(silent)
	}
	return true
}

// Run polls Check every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check()
		}
	}
}
