// Package supervisor runs automated tasks under the authority kernel. Every
// step is paced, arbitrated against human input, authorized by the policy
// oracle and bracketed by ledger intent/effect entries; every run is bracketed
// by a restoration transaction and the crash-safe authority record.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/policy"
)

// Action is one primitive proposed by a Planner.
type Action struct {
	// Name is the primitive, e.g. "click" or "type".
	Name   string
	Target policy.Target
	Params map[string]any
	// HighRisk escalates a human-input Yield to Abort.
	HighRisk  bool
	Confident bool
}

// Planner proposes the next action. ok is false once the task is complete.
type Planner interface {
	Next(ctx context.Context) (act Action, ok bool, err error)
}

// Executor performs an authorized action and returns a JSON-serializable
// result for the ledger.
type Executor interface {
	Execute(ctx context.Context, act Action) (map[string]any, error)
}

// Confirmer asks a human to approve an action the oracle flagged.
type Confirmer interface {
	Confirm(ctx context.Context, act Action, res policy.Result) (bool, error)
}

// HumanInput reports the time of the most recent physical input event.
type HumanInput interface {
	LastInput() (at time.Time, ok bool)
}

// Run describes one automated task.
type Run struct {
	Task      string
	Planner   Planner
	Executor  Executor
	Confirmer Confirmer
	Input     HumanInput
}

// StopReason says why a run ended.
type StopReason string

const (
	Completed           StopReason = "completed"
	Rejected            StopReason = "rejected"
	CaptureFailed       StopReason = "capture_failed"
	StateUnpersisted    StopReason = "state_unpersisted"
	PolicyDenied        StopReason = "policy_denied"
	ConfirmationRefused StopReason = "confirmation_refused"
	Yielded             StopReason = "yielded"
	Aborted             StopReason = "aborted"
	Released            StopReason = "released"
	AuthorityLost       StopReason = "authority_lost"
	HeartbeatLost       StopReason = "heartbeat_lost"
	ExecutorFailed      StopReason = "executor_failed"
	PlannerFailed       StopReason = "planner_failed"
	LedgerFailed        StopReason = "ledger_failed"
	Cancelled           StopReason = "cancelled"
)

// Outcome summarizes a finished run.
type Outcome struct {
	Task       string
	Reason     StopReason
	Steps      int
	SnapshotID string
	// Err explains any reason other than Completed.
	Err error
	// RestoreErr and VerifyErr report the closing restoration bracket.
	RestoreErr error
	VerifyErr  error
}

// OK reports a completed run whose environment was restored and verified.
func (o Outcome) OK() bool {
	return o.Reason == Completed && o.Err == nil && o.RestoreErr == nil && o.VerifyErr == nil
}

var (
	ErrInvalidRun          = errors.New("run needs a planner and an executor")
	ErrNotArmed            = errors.New("authority is not armed")
	ErrRunInProgress       = errors.New("a run is already in progress")
	ErrPolicyDenied        = errors.New("action denied by policy")
	ErrConfirmationRefused = errors.New("human confirmation refused")
	ErrInterrupted         = errors.New("run interrupted")
	ErrExecutorPanic       = errors.New("executor panicked")
)

// Metrics receives kernel counters. observability.Provider implements it.
type Metrics interface {
	RecordTransition(ctx context.Context, from, to string, forced, abort bool)
	RecordDecision(ctx context.Context, decision, rule string)
	RecordArbitration(ctx context.Context, decision string)
	RecordRun(ctx context.Context, reason string, steps int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(context.Context, string, string, bool, bool) {}
func (nopMetrics) RecordDecision(context.Context, string, string)               {}
func (nopMetrics) RecordArbitration(context.Context, string)                    {}
func (nopMetrics) RecordRun(context.Context, string, int)                       {}
