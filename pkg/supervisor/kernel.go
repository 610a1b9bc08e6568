package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sentinel/pkg/arbitration"
	"github.com/Mindburn-Labs/sentinel/pkg/authority"
	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
	"github.com/Mindburn-Labs/sentinel/pkg/recovery"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration"
)

const DefaultHeartbeatTimeout = 5 * time.Second

// Deps are the kernel components. All are required.
type Deps struct {
	Controller *authority.Controller
	Arbitrator *arbitration.Arbitrator
	Oracle     *policy.Oracle
	Ledger     *ledger.Ledger
	State      *recovery.Store
	Backend    restoration.Backend
	Feed       restoration.Feed
}

func (d Deps) validate() error {
	switch {
	case d.Controller == nil:
		return errors.New("supervisor: controller is required")
	case d.Arbitrator == nil:
		return errors.New("supervisor: arbitrator is required")
	case d.Oracle == nil:
		return errors.New("supervisor: oracle is required")
	case d.Ledger == nil:
		return errors.New("supervisor: ledger is required")
	case d.State == nil:
		return errors.New("supervisor: state store is required")
	case d.Backend == nil:
		return errors.New("supervisor: backend is required")
	case d.Feed == nil:
		return errors.New("supervisor: feed is required")
	}
	return nil
}

type Option func(*Kernel)

func WithLogger(l *slog.Logger) Option { return func(k *Kernel) { k.logger = l } }

func WithMetrics(m Metrics) Option { return func(k *Kernel) { k.metrics = m } }

// WithClock sets the time source for the heartbeat and input polling. It
// should match the arbitrator's clock.
func WithClock(now func() time.Time) Option { return func(k *Kernel) { k.now = now } }

// WithRateLimit paces actions. A non-positive rate disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(k *Kernel) {
		if perSecond <= 0 {
			k.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		k.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.heartbeatTimeout = d }
}

// WithRestorationOptions passes options to the snapshot provider, restorer
// and verifier.
func WithRestorationOptions(opts ...restoration.Option) Option {
	return func(k *Kernel) { k.restorationOpts = append(k.restorationOpts, opts...) }
}

// Kernel is the single main loop of the authority kernel.
type Kernel struct {
	ctl     *authority.Controller
	arb     *arbitration.Arbitrator
	oracle  *policy.Oracle
	audit   *ledger.Ledger
	state   *recovery.Store
	backend restoration.Backend

	provider *restoration.Provider
	restorer *restoration.Restorer
	verifier *restoration.Verifier

	heartbeat        *Heartbeat
	heartbeatTimeout time.Duration
	limiter          *rate.Limiter
	metrics          Metrics
	now              func() time.Time
	logger           *slog.Logger
	restorationOpts  []restoration.Option

	running sync.Mutex
}

func NewKernel(deps Deps, opts ...Option) (*Kernel, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		ctl:              deps.Controller,
		arb:              deps.Arbitrator,
		oracle:           deps.Oracle,
		audit:            deps.Ledger,
		state:            deps.State,
		backend:          deps.Backend,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		metrics:          nopMetrics{},
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = slog.Default().With("component", "supervisor")
	}

	ropts := append([]restoration.Option{
		restoration.WithEvidence(k.audit),
		restoration.WithNow(k.now),
	}, k.restorationOpts...)
	k.provider = restoration.NewProvider(deps.Backend, deps.Feed, ropts...)
	k.restorer = restoration.NewRestorer(deps.Backend, ropts...)
	k.verifier = restoration.NewVerifier(deps.Backend, deps.Feed, ropts...)
	k.heartbeat = NewHeartbeat(k.heartbeatTimeout, k.now, k.heartbeatLost, k.logger)

	k.ctl.OnTransition(func(t authority.Transition) {
		k.metrics.RecordTransition(context.Background(), t.From.String(), t.To.String(), t.Forced, t.Abort)
		if err := k.state.Track(t.To); err != nil {
			k.logger.Error("failed to persist authority mode", "mode", t.To, "error", err)
		}
	})
	// Runs under the ledger lock: nothing here may write to the ledger.
	k.audit.AddFatalHook(func(err error) {
		reason := "audit integrity failure: " + err.Error()
		k.arb.EmergencyReclaim(reason)
		k.releaseAll(reason)
	})
	return k, nil
}

// Heartbeat exposes the main-loop heartbeat so callers can run its watchdog.
func (k *Kernel) Heartbeat() *Heartbeat { return k.heartbeat }

// Watch runs the deadman and heartbeat watchdogs and reacts to forced
// release until ctx is done. It blocks.
func (k *Kernel) Watch(ctx context.Context, interval time.Duration) {
	go k.arb.RunWatchdog(ctx)
	go k.heartbeat.Run(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-k.arb.Released():
			k.releaseAll(reason)
		}
	}
}

func (k *Kernel) heartbeatLost(silent time.Duration) {
	reason := fmt.Sprintf("heartbeat lost after %s", silent.Round(time.Millisecond))
	k.arb.EmergencyReclaim(reason)
	k.releaseAll(reason)
}

// releaseAll hands control back to the human. It never touches the ledger.
func (k *Kernel) releaseAll(reason string) {
	if err := k.backend.ForceReleaseAll(context.Background()); err != nil {
		k.logger.Error("force release failed", "reason", reason, "error", err)
	}
	if err := k.ctl.Disarm(reason); err != nil {
		k.logger.Error("disarm failed", "reason", reason, "error", err)
	}
}

// Run executes one task. The controller must be Armed with live vision.
// Run always leaves the controller in Observer.
func (k *Kernel) Run(ctx context.Context, run Run) Outcome {
	out := Outcome{Task: run.Task}
	if run.Planner == nil || run.Executor == nil {
		out.Reason, out.Err = Rejected, ErrInvalidRun
		return out
	}
	if !k.running.TryLock() {
		out.Reason, out.Err = Rejected, ErrRunInProgress
		return out
	}
	defer k.running.Unlock()

	if mode := k.ctl.Mode(); mode != authority.Armed || !k.ctl.VisionLive() {
		out.Reason = Rejected
		out.Err = fmt.Errorf("%w: mode %s, vision live %t", ErrNotArmed, mode, k.ctl.VisionLive())
		return out
	}
	if forced, why := k.arb.ForcedRelease(); forced {
		out.Reason = Released
		out.Err = fmt.Errorf("%w: forced release set: %s", ErrInterrupted, why)
		k.disarm("forced release set")
		return out
	}

	tx := restoration.NewTransaction(k.provider, k.restorer, k.verifier, k.audit)
	snap, err := tx.Capture(ctx)
	if err != nil {
		out.Reason, out.Err = CaptureFailed, err
		k.logger.Warn("snapshot capture failed, run not started", "task", run.Task, "error", err)
		k.evidence("run_rejected", map[string]any{"task": run.Task, "error": err.Error()})
		k.disarm("capture failed")
		k.metrics.RecordRun(ctx, string(out.Reason), 0)
		return out
	}
	out.SnapshotID = snap.ID()

	k.loop(ctx, run, &out)
	k.finish(ctx, tx, &out)
	return out
}

func (k *Kernel) loop(ctx context.Context, run Run, out *Outcome) {
	if err := k.state.MarkDirty(out.SnapshotID); err != nil {
		out.Reason, out.Err = StateUnpersisted, err
		return
	}
	k.evidence("run_started", map[string]any{
		"task":        run.Task,
		"snapshot_id": out.SnapshotID,
		"policy_hash": k.oracle.PolicyHash(),
	})
	if err := k.ctl.Execute("run: " + run.Task); err != nil {
		out.Reason, out.Err = AuthorityLost, err
		return
	}
	if err := k.backend.SetExecutionMode(ctx, authority.Executing); err != nil {
		k.logger.Warn("backend did not accept executing mode", "error", err)
	}
	k.arb.SetAutomationActive(true)
	k.heartbeat.Start()

	lastInput := k.now()
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			out.Reason, out.Err = Cancelled, err
			return
		}
		if k.limiter != nil {
			if err := k.limiter.Wait(ctx); err != nil {
				out.Reason, out.Err = Cancelled, err
				return
			}
		}
		k.heartbeat.Beat()
		if k.interrupted(out) {
			return
		}

		act, ok, err := run.Planner.Next(ctx)
		if err != nil {
			out.Reason, out.Err = PlannerFailed, err
			return
		}
		if !ok {
			out.Reason = Completed
			return
		}

		decision := k.arb.Standing()
		if run.Input != nil {
			if at, seen := run.Input.LastInput(); seen && at.After(lastInput) {
				lastInput = at
				decision = k.arb.Evaluate(at, act.HighRisk, act.Confident)
			}
		}
		if decision.Stops() {
			k.metrics.RecordArbitration(ctx, decision.String())
			k.stopOnArbitration(ctx, decision, out)
			return
		}

		res := k.oracle.Validate(act.Target, act.Name)
		k.metrics.RecordDecision(ctx, res.Decision.String(), res.Rule)
		switch res.Decision {
		case policy.Allow:
		case policy.RequireHumanConfirmation:
			if !k.confirm(ctx, run, act, res, out) {
				return
			}
		default:
			out.Reason = PolicyDenied
			out.Err = fmt.Errorf("%w: %s (%s)", ErrPolicyDenied, res.Reason, res.Rule)
			k.evidence("policy_denied", map[string]any{
				"task": run.Task, "step": step, "action": act.Name,
				"rule": res.Rule, "reason": res.Reason,
			})
			return
		}

		// Confirmation may have taken a while.
		if k.interrupted(out) {
			return
		}

		intent := map[string]any{
			"task":        run.Task,
			"step":        step,
			"target":      describe(act.Target),
			"decision":    res.Decision.String(),
			"rule":        res.Rule,
			"policy_hash": k.oracle.PolicyHash(),
			"high_risk":   act.HighRisk,
		}
		if len(act.Params) > 0 {
			intent["params"] = act.Params
		}
		if _, err := k.audit.Intent(act.Name, intent); err != nil {
			out.Reason, out.Err = LedgerFailed, err
			return
		}

		k.arb.MarkOperatorAction()
		result, execErr := k.execute(ctx, run.Executor, act)

		effect := map[string]any{"step": step, "ok": execErr == nil}
		if result != nil {
			effect["result"] = result
		}
		if execErr != nil {
			effect["error"] = execErr.Error()
		}
		if _, err := k.audit.Effect(effect); err != nil {
			out.Reason, out.Err = LedgerFailed, err
			return
		}
		out.Steps = step
		if execErr != nil {
			out.Reason, out.Err = ExecutorFailed, execErr
			return
		}
	}
}

// interrupted checks the safety flags set by background detectors.
func (k *Kernel) interrupted(out *Outcome) bool {
	if k.heartbeat.Fired() {
		out.Reason, out.Err = HeartbeatLost, fmt.Errorf("%w: heartbeat lost", ErrInterrupted)
		return true
	}
	if forced, why := k.arb.ForcedRelease(); forced {
		out.Reason, out.Err = Released, fmt.Errorf("%w: %s", ErrInterrupted, why)
		return true
	}
	if mode := k.ctl.Mode(); mode != authority.Executing {
		out.Reason, out.Err = AuthorityLost, fmt.Errorf("%w: mode is %s", ErrInterrupted, mode)
		return true
	}
	return false
}

func (k *Kernel) stopOnArbitration(ctx context.Context, d arbitration.Decision, out *Outcome) {
	out.Err = fmt.Errorf("%w: arbitrator decided %s", ErrInterrupted, d)
	switch d {
	case arbitration.Abort:
		out.Reason = Aborted
		if err := k.backend.ForceReleaseAll(ctx); err != nil {
			k.logger.Error("force release on abort failed", "error", err)
		}
	case arbitration.Release:
		out.Reason = Released
	default:
		out.Reason = Yielded
	}
}

func (k *Kernel) confirm(ctx context.Context, run Run, act Action, res policy.Result, out *Outcome) bool {
	if run.Confirmer == nil {
		out.Reason = ConfirmationRefused
		out.Err = fmt.Errorf("%w: no confirmer for %s (%s)", ErrConfirmationRefused, act.Name, res.Reason)
		return false
	}
	ok, err := run.Confirmer.Confirm(ctx, act, res)
	if err != nil {
		out.Reason, out.Err = ConfirmationRefused, fmt.Errorf("%w: %w", ErrConfirmationRefused, err)
		return false
	}
	if !ok {
		out.Reason, out.Err = ConfirmationRefused, fmt.Errorf("%w: %s", ErrConfirmationRefused, res.Reason)
		return false
	}
	return true
}

func (k *Kernel) execute(ctx context.Context, ex Executor, act Action) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
	}()
	return ex.Execute(ctx, act)
}

// finish closes the run: restore, verify, mark clean, disarm. Restoration
// runs even when ctx is already cancelled.
func (k *Kernel) finish(ctx context.Context, tx *restoration.Transaction, out *Outcome) {
	k.arb.SetAutomationActive(false)
	k.heartbeat.Stop()

	err := tx.Complete(context.WithoutCancel(ctx))
	var verr *restoration.VerificationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		out.VerifyErr = err
	default:
		out.RestoreErr = err
	}
	if out.RestoreErr == nil {
		if err := k.state.MarkClean(); err != nil {
			k.logger.Error("failed to clear dirty marker", "error", err)
		}
	} else {
		k.logger.Error("restore failed, dirty marker kept for boot recovery", "error", out.RestoreErr)
	}
	k.disarm("run finished: " + string(out.Reason))

	payload := map[string]any{
		"task":        out.Task,
		"reason":      string(out.Reason),
		"steps":       out.Steps,
		"snapshot_id": out.SnapshotID,
	}
	if out.Err != nil {
		payload["error"] = out.Err.Error()
	}
	if out.RestoreErr != nil {
		payload["restore_error"] = out.RestoreErr.Error()
	}
	if out.VerifyErr != nil {
		payload["verify_error"] = out.VerifyErr.Error()
	}
	k.evidence("run_finished", payload)
	k.metrics.RecordRun(ctx, string(out.Reason), out.Steps)
	k.logger.Info("run finished",
		"task", out.Task,
		"reason", out.Reason,
		"steps", out.Steps,
		"restored", out.RestoreErr == nil,
		"verified", out.RestoreErr == nil && out.VerifyErr == nil,
	)
}

func (k *Kernel) disarm(reason string) {
	if err := k.ctl.Disarm(reason); err != nil {
		k.logger.Error("disarm failed", "error", err)
	}
}

// evidence writes a best-effort ledger event. A failed write has already
// poisoned the ledger and invoked its fatal handler.
func (k *Kernel) evidence(kind string, payload map[string]any) {
	if err := k.audit.RecordEvidence(kind, payload); err != nil {
		k.logger.Error("ledger write failed", "kind", kind, "error", err)
	}
}

func describe(t policy.Target) map[string]any {
	out := map[string]any{}
	if t == nil {
		return out
	}
	if app, err := t.Application(); err == nil {
		out["app"] = app
	}
	if role, err := t.Role(); err == nil {
		out["role"] = role
	}
	if label, err := t.Label(); err == nil {
		out["label"] = label
	}
	return out
}
