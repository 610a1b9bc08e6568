package restoration

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
)

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Cursor is an absolute screen position.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Focus identifies the focused window.
type Focus struct {
	WindowID string `json:"window_id"`
	Title    string `json:"title,omitempty"`
}

// Application identifies the foreground application. PID 0 means unknown.
type Application struct {
	ProcessName string `json:"process_name"`
	PID         int    `json:"pid,omitempty"`
}

// Geometry is a window rectangle.
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Evidence binds a snapshot to the perception frame it was taken against.
type Evidence struct {
	FrameTimestamp time.Time `json:"frame_timestamp"`
	ContentHash    string    `json:"content_hash"`
}

// Metadata is the optional, best-effort part of a snapshot.
type Metadata struct {
	Geometry      *Geometry      `json:"window_geometry,omitempty"`
	ZOrder        *int           `json:"window_z_order,omitempty"`
	BrowserState  map[string]any `json:"browser_state,omitempty"`
	MediaPosition *time.Duration `json:"media_position,omitempty"`
	Evidence      *Evidence      `json:"evidence,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := Metadata{
		BrowserState: cloneMap(m.BrowserState),
		Extra:        cloneMap(m.Extra),
	}
	if m.Geometry != nil {
		g := *m.Geometry
		out.Geometry = &g
	}
	if m.ZOrder != nil {
		z := *m.ZOrder
		out.ZOrder = &z
	}
	if m.MediaPosition != nil {
		p := *m.MediaPosition
		out.MediaPosition = &p
	}
	if m.Evidence != nil {
		e := *m.Evidence
		out.Evidence = &e
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot is the immutable pre-automation workspace truth. The only way to
// obtain one is NewSnapshot, which validates every invariant.
type Snapshot struct {
	id         string
	capturedAt time.Time
	cursor     Cursor
	focus      Focus
	app        Application
	mode       authority.Mode
	meta       Metadata
}

// NewSnapshot validates and builds a snapshot stamped with a fresh id.
func NewSnapshot(capturedAt time.Time, cursor Cursor, focus Focus, app Application, mode authority.Mode, meta Metadata) (*Snapshot, error) {
	switch {
	case capturedAt.IsZero():
		return nil, fmt.Errorf("%w: capture time missing", ErrInvalidSnapshot)
	case mode != authority.Observer:
		return nil, fmt.Errorf("%w: captured in %s, must be %s", ErrInvalidSnapshot, mode, authority.Observer)
	case cursor.X < 0 || cursor.Y < 0:
		return nil, fmt.Errorf("%w: cursor (%d,%d) is negative", ErrInvalidSnapshot, cursor.X, cursor.Y)
	case focus.WindowID == "":
		return nil, fmt.Errorf("%w: focused window id is empty", ErrInvalidSnapshot)
	case app.ProcessName == "":
		return nil, fmt.Errorf("%w: application process name is empty", ErrInvalidSnapshot)
	case app.PID < 0:
		return nil, fmt.Errorf("%w: pid %d is not positive", ErrInvalidSnapshot, app.PID)
	}
	return &Snapshot{
		id:         uuid.NewString(),
		capturedAt: capturedAt.UTC(),
		cursor:     cursor,
		focus:      focus,
		app:        app,
		mode:       mode,
		meta:       meta.clone(),
	}, nil
}

func (s *Snapshot) ID() string                    { return s.id }
func (s *Snapshot) CapturedAt() time.Time         { return s.capturedAt }
func (s *Snapshot) Cursor() Cursor                { return s.cursor }
func (s *Snapshot) Focus() Focus                  { return s.focus }
func (s *Snapshot) Application() Application      { return s.app }
func (s *Snapshot) ExecutionMode() authority.Mode { return s.mode }

// Metadata returns a copy; the snapshot itself never changes.
func (s *Snapshot) Metadata() Metadata { return s.meta.clone() }

// Evidence returns the bound perception evidence, if any.
func (s *Snapshot) Evidence() (Evidence, bool) {
	if s.meta.Evidence == nil {
		return Evidence{}, false
	}
	return *s.meta.Evidence, true
}

// Record is the snapshot in ledger payload form.
func (s *Snapshot) Record() map[string]any {
	r := map[string]any{
		"snapshot_id":    s.id,
		"captured_at":    s.capturedAt.Format(time.RFC3339Nano),
		"execution_mode": s.mode.String(),
		"cursor":         map[string]any{"x": s.cursor.X, "y": s.cursor.Y},
		"focus":          map[string]any{"window_id": s.focus.WindowID, "title": s.focus.Title},
		"application":    map[string]any{"process_name": s.app.ProcessName, "pid": s.app.PID},
	}
	if ev, ok := s.Evidence(); ok {
		r["evidence"] = map[string]any{
			"frame_timestamp": ev.FrameTimestamp.UTC().Format(time.RFC3339Nano),
			"content_hash":    ev.ContentHash,
		}
	}
	return r
}
