package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
	"github.com/Mindburn-Labs/sentinel/pkg/recovery"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration/restorationtest"
)

func crashedState(t *testing.T, dir string) {
	t.Helper()
	s := recovery.NewStore(filepath.Join(dir, "authority.json"))
	require.NoError(t, s.MarkDirty("snap-before-crash"))
	require.NoError(t, s.Track(authority.Executing))
}

func TestRecover_CleanBootDoesNothing(t *testing.T) {
	h := newHarness(t)

	d, err := h.kernel.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Pessimistic)
	assert.Equal(t, "clean", d.Reason)
	assert.Empty(t, h.backend.CallsSnapshot())
}

func TestRecover_AfterUncleanShutdown(t *testing.T) {
	dir := t.TempDir()
	crashedState(t, dir)
	h := newHarnessIn(t, dir)

	d, err := h.kernel.Recover(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Pessimistic)
	assert.Equal(t, "snap-before-crash", d.Record.LastSnapshotID)
	assert.Equal(t, authority.Executing, d.Record.Mode)

	assert.Equal(t, []string{"ForceReleaseAll", "StopAutomatedInput", "EnableUserInput", "SetExecutionMode"},
		h.backend.CallsSnapshot())
	assert.True(t, h.backend.UserInputEnabled)
	assert.Equal(t, authority.Observer, h.ctl.Mode())

	onDisk := recovery.NewStore(h.statePath).Load()
	assert.False(t, onDisk.NeedsRecovery())

	rep := h.report()
	require.True(t, rep.Valid, rep.Reason)
}

func TestRecover_BackendFailureLeavesDirty(t *testing.T) {
	dir := t.TempDir()
	crashedState(t, dir)
	h := newHarnessIn(t, dir)
	h.backend.Fail["EnableUserInput"] = restorationtest.ErrInjected

	d, err := h.kernel.Recover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, restorationtest.ErrInjected)
	assert.True(t, d.Pessimistic)
	assert.Contains(t, h.backend.CallsSnapshot(), "SetExecutionMode", "later steps still run")

	onDisk := recovery.NewStore(h.statePath).Load()
	assert.True(t, onDisk.Dirty)
}

func TestHeartbeat(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	fired := 0
	hb := NewHeartbeat(time.Second, clock.Now, func(time.Duration) { fired++ }, nil)

	clock.Advance(time.Hour)
	assert.False(t, hb.Check(), "inactive heartbeat never fires")

	hb.Start()
	clock.Advance(900 * time.Millisecond)
	assert.False(t, hb.Check())
	hb.Beat()
	clock.Advance(900 * time.Millisecond)
	assert.False(t, hb.Check())

	clock.Advance(200 * time.Millisecond)
	assert.True(t, hb.Check())
	assert.True(t, hb.Fired())
	assert.False(t, hb.Check(), "fires once per start")
	assert.Equal(t, 1, fired)

	hb.Start()
	assert.False(t, hb.Fired())
	hb.Stop()
	clock.Advance(time.Hour)
	assert.False(t, hb.Check())
	assert.Equal(t, 1, fired)
}

func TestHeartbeat_RunPolls(t *testing.T) {
	done := make(chan struct{})
	hb := NewHeartbeat(10*time.Millisecond, nil, func(time.Duration) { close(done) }, nil)
	hb.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat watchdog did not fire")
	}
}
