package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/arbitration"
	"github.com/Mindburn-Labs/sentinel/pkg/authority"
	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
	"github.com/Mindburn-Labs/sentinel/pkg/recovery"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration/restorationtest"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t          *testing.T
	clock      *testClock
	ctl        *authority.Controller
	arb        *arbitration.Arbitrator
	led        *ledger.Ledger
	ledgerPath string
	state      *recovery.Store
	statePath  string
	backend    *restorationtest.Backend
	feed       *restorationtest.Feed
	kernel     *Kernel

	mu    sync.Mutex
	fatal []error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	return newHarnessIn(t, t.TempDir(), opts...)
}

func newHarnessIn(t *testing.T, dir string, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		clock:      &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		ledgerPath: filepath.Join(dir, "audit.jsonl"),
		statePath:  filepath.Join(dir, "authority.json"),
	}
	h.ctl = authority.NewController(authority.WithClock(h.clock))
	arb, err := arbitration.New(arbitration.DefaultConfig(), arbitration.WithClock(h.clock))
	require.NoError(t, err)
	h.arb = arb

	h.led, err = ledger.Open(h.ledgerPath, ledger.WithFatalHandler(func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.fatal = append(h.fatal, err)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.led.Close() })

	oracle, err := policy.NewOracle(policy.DefaultProfile())
	require.NoError(t, err)

	h.state = recovery.NewStore(h.statePath)
	h.backend = restorationtest.NewBackend()
	h.backend.AddWindow("W1", "notes", restoration.Application{ProcessName: "editor", PID: 42})
	h.backend.AddWindow("W2", "browser", restoration.Application{ProcessName: "firefox", PID: 77})
	h.backend.Set(restoration.Cursor{X: 100, Y: 200}, "W1")
	h.feed = restorationtest.NewFeed()

	all := append([]Option{
		WithClock(h.clock.Now),
		WithRestorationOptions(restoration.WithSettleDelay(0)),
	}, opts...)
	h.kernel, err = NewKernel(Deps{
		Controller: h.ctl,
		Arbitrator: h.arb,
		Oracle:     oracle,
		Ledger:     h.led,
		State:      h.state,
		Backend:    h.backend,
		Feed:       h.feed,
	}, all...)
	require.NoError(t, err)
	return h
}

func (h *harness) arm() {
	h.t.Helper()
	h.ctl.UpdateVisionStatus(true)
	require.NoError(h.t, h.ctl.Arm("test"))
}

func (h *harness) report() *ledger.Report {
	h.t.Helper()
	rep, err := ledger.VerifyFile(h.ledgerPath, ledger.VerifyOptions{})
	require.NoError(h.t, err)
	return rep
}

func (h *harness) fatals() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.fatal...)
}

type script struct {
	actions []Action
	next    int
}

func (s *script) Next(context.Context) (Action, bool, error) {
	if s.next >= len(s.actions) {
		return Action{}, false, nil
	}
	a := s.actions[s.next]
	s.next++
	return a, true, nil
}

type execFunc func(ctx context.Context, act Action) (map[string]any, error)

func (f execFunc) Execute(ctx context.Context, act Action) (map[string]any, error) { return f(ctx, act) }

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	hook  func(step int)
}

func (e *recordingExecutor) Execute(_ context.Context, act Action) (map[string]any, error) {
	e.mu.Lock()
	e.calls = append(e.calls, act.Name)
	step := len(e.calls)
	e.mu.Unlock()
	if e.hook != nil {
		e.hook(step)
	}
	return map[string]any{"done": act.Name}, nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type confirmFunc func(context.Context, Action, policy.Result) (bool, error)

func (f confirmFunc) Confirm(ctx context.Context, a Action, r policy.Result) (bool, error) {
	return f(ctx, a, r)
}

type fakeInput struct {
	mu sync.Mutex
	at time.Time
}

func (i *fakeInput) LastInput() (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.at, !i.at.IsZero()
}

func (i *fakeInput) set(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.at = at
}

func click(label string) Action {
	return Action{Name: "click", Target: policy.Descriptor{RoleName: "push button", Name: label, App: "gedit"}}
}

func steps(labels ...string) *script {
	s := &script{}
	for _, l := range labels {
		s.actions = append(s.actions, click(l))
	}
	return s
}

func TestRun_CompletesRestoresAndVerifies(t *testing.T) {
	h := newHarness(t)
	h.arm()
	exec := &recordingExecutor{hook: func(int) {
		h.backend.Set(restoration.Cursor{X: 500, Y: 500}, "W2")
	}}

	out := h.kernel.Run(context.Background(), Run{Task: "save notes", Planner: steps("File", "Save"), Executor: exec})

	require.True(t, out.OK(), "outcome: %+v", out)
	assert.Equal(t, Completed, out.Reason)
	assert.Equal(t, 2, out.Steps)
	assert.NotEmpty(t, out.SnapshotID)

	cursor, focus, mode := h.backend.State()
	assert.Equal(t, restoration.Cursor{X: 100, Y: 200}, cursor)
	assert.Equal(t, "W1", focus)
	assert.Equal(t, authority.Observer, mode)
	assert.Equal(t, authority.Observer, h.ctl.Mode())
	assert.False(t, h.ctl.InputLocked())

	rec := h.state.Current()
	assert.False(t, rec.Dirty)
	assert.False(t, rec.NeedsRecovery())
	assert.Equal(t, out.SnapshotID, rec.LastSnapshotID)

	rep := h.report()
	require.True(t, rep.Valid, rep.Reason)
	assert.Empty(t, rep.PendingIntent)
	assert.Empty(t, h.fatals())
}

func TestRun_RequiresArmedAndVision(t *testing.T) {
	h := newHarness(t)
	exec := &recordingExecutor{}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A"), Executor: exec})
	assert.Equal(t, Rejected, out.Reason)
	assert.ErrorIs(t, out.Err, ErrNotArmed)
	assert.Zero(t, exec.count())
	assert.Empty(t, h.backend.CallsSnapshot())

	out = h.kernel.Run(context.Background(), Run{Task: "t"})
	assert.ErrorIs(t, out.Err, ErrInvalidRun)
}

func TestRun_BlindFeedNeverStarts(t *testing.T) {
	h := newHarness(t)
	h.arm()
	h.feed.SetBlind(true)
	exec := &recordingExecutor{}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A"), Executor: exec})

	assert.Equal(t, CaptureFailed, out.Reason)
	var capErr *restoration.CaptureError
	assert.ErrorAs(t, out.Err, &capErr)
	assert.Zero(t, exec.count())
	assert.Equal(t, authority.Observer, h.ctl.Mode())
	assert.False(t, h.state.Current().Dirty)

	rep := h.report()
	require.True(t, rep.Valid, rep.Reason)
	assert.Empty(t, rep.PendingIntent)
}

func TestRun_PolicyDenyStopsBeforeExecution(t *testing.T) {
	h := newHarness(t)
	h.arm()
	exec := &recordingExecutor{}
	plan := &script{actions: []Action{
		click("Save"),
		{Name: "click", Target: policy.Descriptor{RoleName: "push button", Name: "OK", App: "unknown"}},
		click("Never"),
	}}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: plan, Executor: exec})

	assert.Equal(t, PolicyDenied, out.Reason)
	assert.ErrorIs(t, out.Err, ErrPolicyDenied)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, 1, exec.count())
	assert.Nil(t, out.RestoreErr)
	assert.Equal(t, authority.Observer, h.ctl.Mode())
	assert.Empty(t, h.report().PendingIntent)
}

func TestRun_HighRiskNeedsConfirmation(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		h := newHarness(t)
		h.arm()
		exec := &recordingExecutor{}
		var asked policy.Result
		confirm := confirmFunc(func(_ context.Context, _ Action, r policy.Result) (bool, error) {
			asked = r
			return false, nil
		})

		out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("Delete file"), Executor: exec, Confirmer: confirm})

		assert.Equal(t, ConfirmationRefused, out.Reason)
		assert.ErrorIs(t, out.Err, ErrConfirmationRefused)
		assert.Equal(t, policy.RequireHumanConfirmation, asked.Decision)
		assert.Zero(t, exec.count())
	})

	t.Run("no confirmer", func(t *testing.T) {
		h := newHarness(t)
		h.arm()
		out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("Delete file"), Executor: &recordingExecutor{}})
		assert.Equal(t, ConfirmationRefused, out.Reason)
	})

	t.Run("approved", func(t *testing.T) {
		h := newHarness(t)
		h.arm()
		exec := &recordingExecutor{}
		confirm := confirmFunc(func(context.Context, Action, policy.Result) (bool, error) { return true, nil })

		out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("Delete file"), Executor: exec, Confirmer: confirm})

		assert.True(t, out.OK(), "outcome: %+v", out)
		assert.Equal(t, 1, exec.count())
	})
}

func TestRun_DeadmanFireMidStepStopsNextStep(t *testing.T) {
	h := newHarness(t)
	h.arm()
	exec := &recordingExecutor{}
	exec.hook = func(step int) {
		if step == 1 {
			h.clock.Advance(h.arb.Config().WatchdogTimeout + time.Second)
			require.True(t, h.arb.CheckDeadman())
		}
	}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A", "B", "C"), Executor: exec})

	assert.Equal(t, Released, out.Reason)
	assert.ErrorIs(t, out.Err, ErrInterrupted)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, 1, exec.count())
	assert.Positive(t, h.backend.Releases)
	assert.Equal(t, authority.Observer, h.ctl.Mode())

	rep := h.report()
	require.True(t, rep.Valid, rep.Reason)
	assert.Empty(t, rep.PendingIntent)
}

func TestRun_ReclaimBeforeStartRefuses(t *testing.T) {
	h := newHarness(t)
	h.arm()
	h.arb.EmergencyReclaim("operator hotkey")

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A"), Executor: &recordingExecutor{}})
	assert.Equal(t, Released, out.Reason)
	assert.Empty(t, h.backend.CallsSnapshot())
	assert.Equal(t, authority.Observer, h.ctl.Mode())
	assert.False(t, h.state.Current().Dirty)
}

func TestRun_HeartbeatLossReleasesAndStops(t *testing.T) {
	h := newHarness(t, WithHeartbeatTimeout(2*time.Second))
	h.arm()
	exec := &recordingExecutor{}
	exec.hook = func(step int) {
		if step == 1 {
			h.clock.Advance(3 * time.Second)
			require.True(t, h.kernel.Heartbeat().Check())
		}
	}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A", "B"), Executor: exec})

	assert.Equal(t, HeartbeatLost, out.Reason)
	assert.Equal(t, 1, exec.count())
	forced, why := h.arb.ForcedRelease()
	assert.True(t, forced)
	assert.Contains(t, why, "heartbeat lost")
	assert.Equal(t, authority.Observer, h.ctl.Mode())
}

func TestRun_HumanInput(t *testing.T) {
	tests := []struct {
		name     string
		highRisk bool
		advance  time.Duration
		want     StopReason
	}{
		{"operator echo continues", false, 50 * time.Millisecond, Completed},
		{"human yields", false, time.Second, Yielded},
		{"human on high risk aborts", true, time.Second, Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.arm()
			input := &fakeInput{}
			exec := &recordingExecutor{}
			exec.hook = func(step int) {
				if step == 1 {
					h.clock.Advance(tt.advance)
					input.set(h.clock.Now())
				}
			}
			plan := steps("A", "B")
			for i := range plan.actions {
				plan.actions[i].HighRisk = tt.highRisk
			}

			out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: plan, Executor: exec, Input: input})

			assert.Equal(t, tt.want, out.Reason)
			if tt.want == Completed {
				assert.Equal(t, 2, exec.count())
			} else {
				assert.Equal(t, 1, exec.count())
			}
			assert.Equal(t, authority.Observer, h.ctl.Mode())
		})
	}
}

func TestRun_ExecutorPanicIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.arm()
	exec := execFunc(func(context.Context, Action) (map[string]any, error) { panic("boom") })

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A", "B"), Executor: exec})

	assert.Equal(t, ExecutorFailed, out.Reason)
	assert.ErrorIs(t, out.Err, ErrExecutorPanic)
	assert.Equal(t, 1, out.Steps)
	rep := h.report()
	require.True(t, rep.Valid, rep.Reason)
	assert.Empty(t, rep.PendingIntent)
}

func TestRun_CancelledContextStillRestores(t *testing.T) {
	h := newHarness(t)
	h.arm()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &recordingExecutor{hook: func(int) {
		h.backend.Set(restoration.Cursor{X: 1, Y: 1}, "W2")
		cancel()
	}}

	out := h.kernel.Run(ctx, Run{Task: "t", Planner: steps("A", "B"), Executor: exec})

	assert.Equal(t, Cancelled, out.Reason)
	assert.Nil(t, out.RestoreErr)
	cursor, focus, _ := h.backend.State()
	assert.Equal(t, restoration.Cursor{X: 100, Y: 200}, cursor)
	assert.Equal(t, "W1", focus)
}

func TestRun_RestoreFailureKeepsDirty(t *testing.T) {
	h := newHarness(t)
	h.arm()
	exec := &recordingExecutor{hook: func(int) {
		h.backend.Fail["SetCursorPosition"] = restorationtest.ErrInjected
	}}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A"), Executor: exec})

	assert.Equal(t, Completed, out.Reason)
	var rerr *restoration.RestorationError
	require.ErrorAs(t, out.RestoreErr, &rerr)
	assert.False(t, out.OK())
	assert.True(t, h.state.Current().Dirty)
	assert.Equal(t, authority.Observer, h.ctl.Mode())

	onDisk := recovery.NewStore(h.statePath).Load()
	assert.True(t, onDisk.NeedsRecovery())
}

func TestRun_LedgerFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.arm()
	exec := &recordingExecutor{hook: func(int) { _ = h.led.Close() }}

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A", "B"), Executor: exec})

	assert.Equal(t, LedgerFailed, out.Reason)
	var ierr *ledger.IntegrityError
	assert.ErrorAs(t, out.Err, &ierr)
	assert.NotEmpty(t, h.fatals())
	forced, _ := h.arb.ForcedRelease()
	assert.True(t, forced)
	assert.Equal(t, authority.Observer, h.ctl.Mode())
	assert.True(t, h.state.Current().Dirty, "unverifiable run must be recovered at next boot")
}

func TestRun_OneAtATime(t *testing.T) {
	h := newHarness(t)
	h.arm()
	var nested Outcome
	exec := &recordingExecutor{}
	exec.hook = func(step int) {
		if step == 1 {
			nested = h.kernel.Run(context.Background(), Run{Task: "nested", Planner: steps("X"), Executor: &recordingExecutor{}})
		}
	}

	out := h.kernel.Run(context.Background(), Run{Task: "outer", Planner: steps("A"), Executor: exec})

	assert.True(t, out.OK(), "outcome: %+v", out)
	assert.Equal(t, Rejected, nested.Reason)
	assert.ErrorIs(t, nested.Err, ErrRunInProgress)
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	decisions   []string
	runs        []string
}

func (m *recordingMetrics) RecordTransition(_ context.Context, from, to string, _, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+">"+to)
}

func (m *recordingMetrics) RecordDecision(_ context.Context, decision, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
}

func (m *recordingMetrics) RecordArbitration(context.Context, string) {}

func (m *recordingMetrics) RecordRun(_ context.Context, reason string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, reason)
}

func TestRun_ReportsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	h := newHarness(t, WithMetrics(m), WithRateLimit(1000, 1))
	h.arm()

	out := h.kernel.Run(context.Background(), Run{Task: "t", Planner: steps("A", "B"), Executor: &recordingExecutor{}})
	require.True(t, out.OK(), "outcome: %+v", out)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"OBSERVER>ARMED", "ARMED>EXECUTING", "EXECUTING>OBSERVER"}, m.transitions)
	assert.Equal(t, []string{"ALLOW", "ALLOW"}, m.decisions)
	assert.Equal(t, []string{"completed"}, m.runs)
}

func TestNewKernel_RequiresDeps(t *testing.T) {
	_, err := NewKernel(Deps{})
	assert.Error(t, err)
}
