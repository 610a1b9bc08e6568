package authority

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func liveController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c := NewController(opts...)
	c.UpdateVisionStatus(true)
	return c
}

func TestController_StartsInObserver(t *testing.T) {
	c := NewController()
	assert.Equal(t, Observer, c.Mode())
	assert.False(t, c.VisionLive())
	assert.True(t, c.ObserverHealthy())
	assert.False(t, c.InputLocked())
}

func TestController_EdgeSet(t *testing.T) {
	modes := []Mode{Observer, Armed, Executing}
	for _, from := range modes {
		for _, to := range modes {
			if from == to {
				continue
			}
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				c := liveController(t)
				driveTo(t, c, from)

				err := c.RequestTransition(to, "test", false)
				if Allowed(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, c.Mode())
				} else {
					assert.ErrorIs(t, err, ErrIllegalTransition)
					assert.Equal(t, from, c.Mode())
				}
			})
		}
	}
}

func driveTo(t *testing.T, c *Controller, m Mode) {
	t.Helper()
	if m >= Armed {
		require.NoError(t, c.Arm("setup"))
	}
	if m == Executing {
		require.NoError(t, c.Execute("setup"))
	}
}

func TestController_EmptyReason(t *testing.T) {
	c := NewController()
	err := c.RequestTransition(Armed, "   ", false)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrEmptyReason)
	assert.Equal(t, Observer, terr.From)
	assert.Equal(t, Armed, terr.To)
}

func TestController_SameModeIsNoop(t *testing.T) {
	c := NewController()
	require.NoError(t, c.RequestTransition(Observer, "noop", false))
	assert.Empty(t, c.History())
}

func TestController_ForceOnlyTargetsObserver(t *testing.T) {
	c := liveController(t)
	err := c.RequestTransition(Executing, "skip arming", true)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	driveTo(t, c, Executing)
	require.NoError(t, c.Disarm("stop"))
	assert.Equal(t, Observer, c.Mode())
	h := c.History()
	assert.True(t, h[len(h)-1].Forced)
}

func TestController_VisionGate(t *testing.T) {
	c := NewController()
	require.NoError(t, c.Arm("arm"))
	assert.ErrorIs(t, c.Execute("go"), ErrVisionUnavailable)

	c.UpdateVisionStatus(true)
	c.UpdateVisionStatus(false)
	c.UpdateVisionStatus(true) // cannot revive
	assert.False(t, c.VisionLive())
	assert.ErrorIs(t, c.Execute("go"), ErrVisionUnavailable)
	assert.Equal(t, Armed, c.Mode())
}

func TestController_VisionLossAbortsExecution(t *testing.T) {
	c := liveController(t)
	driveTo(t, c, Executing)

	assert.True(t, c.UpdateVisionStatus(false))
	assert.Equal(t, Observer, c.Mode())
	assert.False(t, c.InputLocked())
}

func TestController_ObserverHealthIsMonotonic(t *testing.T) {
	c := liveController(t)
	driveTo(t, c, Executing)
	require.True(t, c.InputLocked())

	aborted := c.UpdateObserverHealth(false, "perception crashed")
	assert.True(t, aborted)
	assert.Equal(t, Observer, c.Mode())
	assert.False(t, c.InputLocked())

	c.UpdateObserverHealth(true, "back")
	assert.False(t, c.ObserverHealthy())
	assert.Equal(t, "perception crashed", c.Forensics().HealthReason)

	h := c.History()
	last := h[len(h)-1]
	assert.True(t, last.Abort)
	assert.True(t, last.Forced)
	assert.False(t, last.ObserverHealthy)

	// Force does not bypass the health gate.
	assert.ErrorIs(t, c.RequestTransition(Armed, "retry", true), ErrObserverUnhealthy)
	assert.ErrorIs(t, c.Arm("retry"), ErrObserverUnhealthy)
}

func TestController_UnhealthyWhileArmedDoesNotAbort(t *testing.T) {
	c := liveController(t)
	driveTo(t, c, Armed)
	assert.False(t, c.UpdateObserverHealth(false, "lost"))
	assert.Equal(t, Armed, c.Mode())
	assert.ErrorIs(t, c.Execute("go"), ErrObserverUnhealthy)
	require.NoError(t, c.Disarm("give up"))
}

func TestController_InputLockFollowsMode(t *testing.T) {
	lock := &FlagLock{}
	c := liveController(t, WithInputLock(lock))
	require.NoError(t, c.Arm("arm"))
	assert.False(t, lock.Engaged())
	require.NoError(t, c.Execute("go"))
	assert.True(t, lock.Engaged())
	require.NoError(t, c.RequestTransition(Observer, "done", false))
	assert.False(t, lock.Engaged())
}

func TestController_HistoryIsBounded(t *testing.T) {
	c := liveController(t, WithHistoryLimit(3))
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Arm("arm"))
		require.NoError(t, c.Disarm("disarm"))
	}
	h := c.History()
	require.Len(t, h, 3)
	assert.Equal(t, uint64(6), h[0].Seq)
	assert.Equal(t, uint64(8), h[2].Seq)
	assert.Equal(t, 3, c.Forensics().HistoryDepth)
}

func TestController_Forensics(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := liveController(t, WithClock(fixedClock{t: start}))
	require.NoError(t, c.Arm("arm"))

	f := c.Forensics()
	assert.Equal(t, Armed, f.Mode)
	assert.Equal(t, "arm", f.LastReason)
	assert.True(t, f.VisionConfirmed)
	assert.False(t, f.InputLocked)
	assert.Equal(t, 1, f.HistoryDepth)
	assert.Equal(t, Armed, c.Mode())
}

func TestController_ListenersRunAfterCommit(t *testing.T) {
	c := liveController(t)
	var seen []Transition
	c.OnTransition(func(tr Transition) {
		// The lock is released, so reading state does not deadlock.
		assert.Equal(t, tr.To, c.Mode())
		seen = append(seen, tr)
	})
	require.NoError(t, c.Arm("arm"))
	require.NoError(t, c.Disarm("disarm"))
	require.Len(t, seen, 2)
	assert.Equal(t, Armed, seen[0].To)
	assert.Equal(t, Observer, seen[1].To)
}

func TestController_ConcurrentArmCommitsOnce(t *testing.T) {
	c := liveController(t)
	var commits atomic.Int32
	c.OnTransition(func(Transition) { commits.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.RequestTransition(Armed, "race", false)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), commits.Load())
	assert.Equal(t, Armed, c.Mode())
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Observer, Armed, Executing} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("hijacked")
	assert.Error(t, err)
}
