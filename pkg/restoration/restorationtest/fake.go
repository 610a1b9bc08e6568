// Package restorationtest provides in-memory backends for exercising the
// restoration and supervisor packages without a desktop.
package restorationtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration"
)

// Backend is an in-memory desktop. Every method call is appended to Calls.
type Backend struct {
	mu sync.Mutex

	Cursor  restoration.Cursor
	Focus   restoration.Focus
	App     restoration.Application
	Mode    authority.Mode
	Windows map[string]restoration.Application

	AutomationStopped bool
	UserInputEnabled  bool
	Releases          int

	// Failure injection, keyed by method name.
	Fail map[string]error
	// FocusRefused makes FocusWindow report false without error.
	FocusRefused bool

	Calls []string
}

// NewBackend returns a desktop at cursor (0,0) focused on window "W0".
func NewBackend() *Backend {
	return &Backend{
		Focus: restoration.Focus{WindowID: "W0", Title: "desktop"},
		App:   restoration.Application{ProcessName: "shell", PID: 1},
		Mode:  authority.Observer,
		Windows: map[string]restoration.Application{
			"W0": {ProcessName: "shell", PID: 1},
		},
		Fail: make(map[string]error),
	}
}

// AddWindow registers a window owned by app.
func (b *Backend) AddWindow(id, title string, app restoration.Application) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Windows[id] = app
}

// Set moves the desktop into the given state without recording a call.
func (b *Backend) Set(c restoration.Cursor, focusID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cursor = c
	b.Focus = restoration.Focus{WindowID: focusID}
	if app, ok := b.Windows[focusID]; ok {
		b.App = app
	}
}

func (b *Backend) call(name string) error {
	b.Calls = append(b.Calls, name)
	return b.Fail[name]
}

// CallsSnapshot returns a copy of the call log.
func (b *Backend) CallsSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Calls...)
}

// ResetCalls clears the call log.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = nil
}

// State returns cursor, focused window and mode under the lock.
func (b *Backend) State() (restoration.Cursor, string, authority.Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Cursor, b.Focus.WindowID, b.Mode
}

func (b *Backend) StopAutomatedInput(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("StopAutomatedInput"); err != nil {
		return err
	}
	b.AutomationStopped = true
	return nil
}

func (b *Backend) EnableUserInput(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("EnableUserInput"); err != nil {
		return err
	}
	b.UserInputEnabled = true
	return nil
}

func (b *Backend) CursorPosition(context.Context) (restoration.Cursor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("CursorPosition"); err != nil {
		return restoration.Cursor{}, err
	}
	return b.Cursor, nil
}

func (b *Backend) SetCursorPosition(_ context.Context, c restoration.Cursor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("SetCursorPosition"); err != nil {
		return err
	}
	b.Cursor = c
	return nil
}

func (b *Backend) FocusedWindow(context.Context) (restoration.Focus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("FocusedWindow"); err != nil {
		return restoration.Focus{}, err
	}
	return b.Focus, nil
}

func (b *Backend) FocusWindow(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("FocusWindow"); err != nil {
		return false, err
	}
	app, ok := b.Windows[id]
	if !ok || b.FocusRefused {
		return false, nil
	}
	b.Focus = restoration.Focus{WindowID: id}
	b.App = app
	return true, nil
}

func (b *Backend) ActiveApplication(context.Context) (restoration.Application, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("ActiveApplication"); err != nil {
		return restoration.Application{}, err
	}
	return b.App, nil
}

func (b *Backend) ActivateApplication(_ context.Context, name string, pid int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("ActivateApplication"); err != nil {
		return false, err
	}
	for id, app := range b.Windows {
		if app.ProcessName == name && (pid == 0 || app.PID == pid) {
			b.Focus = restoration.Focus{WindowID: id}
			b.App = app
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) ExecutionMode(context.Context) (authority.Mode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("ExecutionMode"); err != nil {
		return authority.Observer, err
	}
	return b.Mode, nil
}

func (b *Backend) SetExecutionMode(_ context.Context, m authority.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.call("SetExecutionMode"); err != nil {
		return err
	}
	b.Mode = m
	return nil
}

func (b *Backend) ForceReleaseAll(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "ForceReleaseAll")
	b.Releases++
	b.AutomationStopped = true
	b.UserInputEnabled = true
	return nil
}

// Feed is a controllable observation feed.
type Feed struct {
	mu  sync.Mutex
	obs restoration.Observation
}

// NewFeed returns a live feed showing content hash "frame-0".
func NewFeed() *Feed {
	return &Feed{obs: restoration.Observation{
		Available:      true,
		FrameTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ContentHash:    "frame-0",
	}}
}

func (f *Feed) Read() restoration.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.obs
}

func (f *Feed) Set(obs restoration.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = obs
}

// SetBlind toggles the blind flag.
func (f *Feed) SetBlind(blind bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs.Blind = blind
}

// SetContent changes the content hash.
func (f *Feed) SetContent(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs.ContentHash = hash
}

// Evidence records evidence in memory.
type Evidence struct {
	mu    sync.Mutex
	Kinds []string
	Err   error
}

func (e *Evidence) RecordEvidence(kind string, _ map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Kinds = append(e.Kinds, kind)
	return e.Err
}

// Recorded returns a copy of the recorded kinds.
func (e *Evidence) Recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Kinds...)
}

// ErrInjected is a convenient failure for Fail maps.
var ErrInjected = errors.New("injected failure")
