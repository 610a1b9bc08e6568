// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every entry is persisted as one JSON object per line. The entry hash is the
// SHA-256 of the RFC 8785 canonical form of the entry without its hash field,
// so a ledger file can be verified offline with nothing but this package.
// Mutating actions are bracketed by an INTENT and its EFFECT; at most one
// intent may be outstanding at any time.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

// Entry types.
const (
	TypeSessionStart = "SESSION_START"
	TypeSessionSeal  = "SESSION_SEAL"
	TypeAction       = "ACTION"
	TypeEvent        = "EVENT"
)

// Phase marks an entry as one half of the intent/effect protocol.
type Phase string

const (
	PhaseNone   Phase = ""
	PhaseIntent Phase = "INTENT"
	PhaseEffect Phase = "EFFECT"
)

// Entry is a single immutable ledger record.
type Entry struct {
	Index       uint64         `json:"index"`
	SessionID   string         `json:"session_id"`
	Type        string         `json:"type"`
	Phase       Phase          `json:"phase,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	MonotonicNS int64          `json:"monotonic_ns"`
	Payload     map[string]any `json:"payload,omitempty"`
	IntentRef   string         `json:"intent_ref,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash,omitempty"`
}

// Clock abstracts time so tests can pin timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Mirror receives a copy of every durably written entry. Mirrors are best
// effort; a failing mirror never affects the ledger.
type Mirror interface {
	Mirror(ctx context.Context, e Entry) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithFatalHandler replaces the process-terminating fatal handler.
func WithFatalHandler(h FatalHandler) Option {
	return func(l *Ledger) { l.onFatal = h }
}

// WithSessionID pins the session id instead of generating a random one.
func WithSessionID(id string) Option {
	return func(l *Ledger) { l.sessionID = id }
}

// WithSigningSeed enables ed25519 seal signatures.
func WithSigningSeed(seed []byte) Option {
	return func(l *Ledger) { l.seed = append([]byte(nil), seed...) }
}

// WithMirror registers a best-effort mirror.
func WithMirror(m Mirror) Option {
	return func(l *Ledger) { l.mirrors = append(l.mirrors, m) }
}

// Ledger is the append-only audit log of one kernel session.
type Ledger struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	sessionID string
	clock     Clock
	opened    time.Time
	next      uint64
	head      string
	pending   string
	sealed    bool
	failed    error
	seed      []byte
	mirrors   []Mirror
	hooks     []func(error)
	onFatal   FatalHandler
	logger    *slog.Logger
}

// Open opens the ledger file at path, verifying and continuing any existing
// chain, and records SESSION_START.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:  path,
		clock: wallClock{},
		head:  canonicalize.ZeroHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "ledger")
	}
	if l.onFatal == nil {
		l.onFatal = ExitHandler(l.logger)
	}
	if l.sessionID == "" {
		l.sessionID = uuid.NewString()
	}

	var orphan string
	if f, err := os.Open(path); err == nil {
		report, verr := Verify(f, VerifyOptions{})
		_ = f.Close()
		if verr != nil {
			return nil, fmt.Errorf("ledger: existing chain unreadable: %w", verr)
		}
		if !report.Valid {
			return nil, &IntegrityError{Op: "open", Index: report.BrokenAt, Err: fmt.Errorf("%w: %s", ErrChainBroken, report.Reason)}
		}
		if report.Entries > 0 {
			l.next = report.Entries
			l.head = report.Head
		}
		orphan = report.PendingIntent
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	l.file = f
	l.opened = l.clock.Now()

	payload := map[string]any{"pid": os.Getpid(), "host": hostFingerprint()}
	if orphan != "" {
		payload["orphaned_intent"] = orphan
		l.logger.Warn("previous session ended with an unresolved intent", "intent", orphan)
	}
	if _, err := l.Record(Entry{Type: TypeSessionStart, Payload: payload}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// AddFatalHook registers a callback run before the fatal handler. Hooks are
// the place for best-effort emergency release of input. Hooks run while the
// ledger lock is held and must not call back into the ledger.
func (l *Ledger) AddFatalHook(h func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Record appends e to the ledger. The ledger owns index, session, timestamps,
// chain links and intent references; those fields of e are overwritten.
// Record returns only after the entry has been fsynced.
func (l *Ledger) Record(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(e)
}

func (l *Ledger) append(e Entry) (Entry, error) {
	if l.failed != nil {
		return Entry{}, &IntegrityError{Op: "record", Index: l.next, Err: ErrPoisoned}
	}
	if l.sealed && e.Type != TypeSessionStart {
		return Entry{}, l.fail("record", ErrSealed)
	}

	switch {
	case e.Phase == PhaseIntent && l.pending != "":
		return Entry{}, l.fail("intent", ErrPendingIntent)
	case e.Type == TypeSessionSeal && l.pending != "":
		return Entry{}, l.fail("seal", ErrPendingIntent)
	case e.Phase == PhaseEffect && l.pending == "":
		return Entry{}, l.fail("effect", ErrNoPendingIntent)
	case e.Phase != PhaseNone && e.Phase != PhaseIntent && e.Phase != PhaseEffect:
		return Entry{}, l.fail("record", fmt.Errorf("unknown phase %q", e.Phase))
	}

	now := l.clock.Now()
	e.Index = l.next
	e.SessionID = l.sessionID
	e.Timestamp = now.UTC()
	e.MonotonicNS = now.Sub(l.opened).Nanoseconds()
	e.PrevHash = l.head
	e.IntentRef = ""
	e.Hash = ""
	if e.Phase == PhaseEffect {
		e.IntentRef = l.pending
	}

	hash, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return Entry{}, l.fail("canonicalize", fmt.Errorf("%w: %v", ErrSerialization, err))
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, l.fail("serialize", fmt.Errorf("%w: %v", ErrSerialization, err))
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return Entry{}, l.fail("write", fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, l.fail("fsync", fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	l.next++
	l.head = hash
	switch {
	case e.Phase == PhaseIntent:
		l.pending = hash
	case e.Phase == PhaseEffect:
		l.pending = ""
	}
	switch e.Type {
	case TypeSessionSeal:
		l.sealed = true
	case TypeSessionStart:
		l.sealed = false
	}

	for _, m := range l.mirrors {
		if err := m.Mirror(context.Background(), e); err != nil {
			l.logger.Warn("ledger mirror failed", "index", e.Index, "error", err)
		}
	}
	return e, nil
}

// Intent records the INTENT half of a mutating action.
func (l *Ledger) Intent(action string, payload map[string]any) (Entry, error) {
	p := clonePayload(payload)
	p["action"] = action
	return l.Record(Entry{Type: TypeAction, Phase: PhaseIntent, Payload: p})
}

// Effect resolves the outstanding intent.
func (l *Ledger) Effect(payload map[string]any) (Entry, error) {
	return l.Record(Entry{Type: TypeAction, Phase: PhaseEffect, Payload: clonePayload(payload)})
}

// Event records a phase-less entry of the given type.
func (l *Ledger) Event(entryType string, payload map[string]any) (Entry, error) {
	if entryType == "" {
		entryType = TypeEvent
	}
	return l.Record(Entry{Type: entryType, Payload: clonePayload(payload)})
}

// RecordEvidence records a restoration or recovery evidence event.
func (l *Ledger) RecordEvidence(kind string, payload map[string]any) error {
	p := clonePayload(payload)
	p["kind"] = kind
	_, err := l.Record(Entry{Type: TypeEvent, Payload: p})
	return err
}

// Seal closes the session. Sealing with an outstanding intent is an
// integrity failure.
func (l *Ledger) Seal(reason string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload := map[string]any{
		"reason":     reason,
		"chain_head": l.head,
		"entries":    l.next,
	}
	if len(l.seed) > 0 && l.pending == "" && l.failed == nil {
		sig, pub, err := signSeal(l.seed, l.sessionID, l.head)
		if err != nil {
			return Entry{}, l.fail("sign", err)
		}
		payload["signature"] = sig
		payload["public_key"] = pub
	}
	return l.append(Entry{Type: TypeSessionSeal, Payload: payload})
}

// Close releases the file handle. It does not seal the session.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// SessionID returns the id stamped on every entry of this session.
func (l *Ledger) SessionID() string { return l.sessionID }

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Head returns the hash of the last persisted entry.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// PendingIntent returns the hash of the outstanding intent, if any.
func (l *Ledger) PendingIntent() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Len returns the number of entries in the file, across sessions.
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Sealed reports whether the current session has been sealed.
func (l *Ledger) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// fail poisons the ledger and runs the fatal path. Caller holds l.mu.
func (l *Ledger) fail(op string, err error) error {
	ierr := &IntegrityError{Op: op, Index: l.next, Err: err}
	l.failed = ierr
	for _, h := range l.hooks {
		runHook(l.logger, h, ierr)
	}
	l.onFatal(ierr)
	return ierr
}

func runHook(logger *slog.Logger, h func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fatal hook panicked", "panic", r)
		}
	}()
	h(err)
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
