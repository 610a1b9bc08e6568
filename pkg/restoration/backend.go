// Package restoration captures the workspace before automation, restores it
// afterwards and independently verifies the restoration.
package restoration

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
)

// ErrUnsupported is returned by extended capabilities a backend lacks.
var ErrUnsupported = errors.New("capability not supported")

// Backend is the OS-facing automation collaborator. ForceReleaseAll must
// succeed even when other calls are failing.
type Backend interface {
	StopAutomatedInput(ctx context.Context) error
	EnableUserInput(ctx context.Context) error
	CursorPosition(ctx context.Context) (Cursor, error)
	SetCursorPosition(ctx context.Context, c Cursor) error
	FocusedWindow(ctx context.Context) (Focus, error)
	FocusWindow(ctx context.Context, windowID string) (bool, error)
	ActiveApplication(ctx context.Context) (Application, error)
	ActivateApplication(ctx context.Context, processName string, pid int) (bool, error)
	ExecutionMode(ctx context.Context) (authority.Mode, error)
	SetExecutionMode(ctx context.Context, m authority.Mode) error
	ForceReleaseAll(ctx context.Context) error
}

// ExtendedBackend covers optional workspace state. Getters return
// ErrUnsupported when the backend cannot provide a value.
type ExtendedBackend interface {
	WindowGeometry(ctx context.Context, windowID string) (Geometry, error)
	SetWindowGeometry(ctx context.Context, windowID string, g Geometry) error
	WindowZOrder(ctx context.Context, windowID string) (int, error)
	SetWindowZOrder(ctx context.Context, windowID string, z int) error
	BrowserState(ctx context.Context) (map[string]any, error)
	SetBrowserState(ctx context.Context, state map[string]any) error
	MediaPosition(ctx context.Context) (time.Duration, error)
	SetMediaPosition(ctx context.Context, pos time.Duration) error
}

// NopExtended supports nothing.
type NopExtended struct{}

func (NopExtended) WindowGeometry(context.Context, string) (Geometry, error) {
	return Geometry{}, ErrUnsupported
}

func (NopExtended) SetWindowGeometry(context.Context, string, Geometry) error {
	return nil
}

func (NopExtended) WindowZOrder(context.Context, string) (int, error) {
	return 0, ErrUnsupported
}

func (NopExtended) SetWindowZOrder(context.Context, string, int) error {
	return nil
}

func (NopExtended) BrowserState(context.Context) (map[string]any, error) {
	return nil, ErrUnsupported
}

func (NopExtended) SetBrowserState(context.Context, map[string]any) error {
	return nil
}

func (NopExtended) MediaPosition(context.Context) (time.Duration, error) {
	return 0, ErrUnsupported
}

func (NopExtended) SetMediaPosition(context.Context, time.Duration) error {
	return nil
}

// Observation is one read of the live perception feed.
type Observation struct {
	Available      bool
	Blind          bool
	FrameTimestamp time.Time
	ContentHash    string
}

// Feed is the live observation feed. Read never blocks and never fails.
type Feed interface {
	Read() Observation
}

// EvidenceRecorder persists restoration evidence, normally to the ledger.
type EvidenceRecorder interface {
	RecordEvidence(kind string, payload map[string]any) error
}

// Evidence kinds.
const (
	EvidenceCaptured       = "snapshot_captured"
	EvidenceRestoreFailed  = "restore_failed"
	EvidenceVerifyFailed   = "verify_failed"
	EvidenceVerified       = "restore_verified"
	EvidenceExtendedFailed = "extended_restore_failed"
)
