package authority

import "sync/atomic"

// InputLock is the externally owned flag that blocks human input while the
// operator is executing. Implementations must be safe for concurrent use.
type InputLock interface {
	Engage()
	Release()
	Engaged() bool
}

// FlagLock is an in-process InputLock.
type FlagLock struct {
	engaged atomic.Bool
}

func (l *FlagLock) Engage()       { l.engaged.Store(true) }
func (l *FlagLock) Release()      { l.engaged.Store(false) }
func (l *FlagLock) Engaged() bool { return l.engaged.Load() }
