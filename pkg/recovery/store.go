// Package recovery persists the last known authority state so that a
// restart after an unclean shutdown forces pessimistic recovery.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/authority"
)

// SchemaVersion of the on-disk record. Any other version is ignored.
const SchemaVersion = 1

// Record is the durable authority record.
type Record struct {
	SchemaVersion    int            `json:"schema_version"`
	Mode             authority.Mode `json:"mode"`
	AutomationActive bool           `json:"automation_active"`
	RestoreRequired  bool           `json:"restore_required"`
	LastSnapshotID   string         `json:"last_snapshot_id,omitempty"`
	Dirty            bool           `json:"dirty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// SafeDefault is what an absent or unreadable record means: Observer, clean.
func SafeDefault() Record {
	return Record{SchemaVersion: SchemaVersion, Mode: authority.Observer}
}

// NeedsRecovery reports whether the record describes an unclean shutdown.
func (r Record) NeedsRecovery() bool {
	return r.Dirty || r.AutomationActive || r.RestoreRequired || r.Mode != authority.Observer
}

// BootDecision is the one-time startup verdict.
type BootDecision struct {
	Record      Record
	Pessimistic bool
	Reason      string
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func WithNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store owns the record file.
type Store struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	current Record

	bootOnce sync.Once
	boot     BootDecision
}

func NewStore(path string, opts ...Option) *Store {
	s := &Store{path: path, now: time.Now, current: SafeDefault()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "recovery")
	}
	return s
}

// Path returns the record file path.
func (s *Store) Path() string { return s.path }

// Load reads the record. Missing, unreadable, corrupt or version-mismatched
// files yield SafeDefault.
func (s *Store) Load() Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("authority record unreadable, using safe default", "path", s.path, "error", err)
		}
		return SafeDefault()
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Warn("authority record corrupt, using safe default", "path", s.path, "error", err)
		return SafeDefault()
	}
	if r.SchemaVersion != SchemaVersion {
		s.logger.Warn("authority record version mismatch, using safe default", "path", s.path, "version", r.SchemaVersion)
		return SafeDefault()
	}
	return r
}

// Boot loads the record exactly once per process and decides whether
// pessimistic recovery is required.
func (s *Store) Boot() BootDecision {
	s.bootOnce.Do(func() {
		r := s.Load()
		s.mu.Lock()
		s.current = r
		s.mu.Unlock()

		d := BootDecision{Record: r, Pessimistic: r.NeedsRecovery()}
		switch {
		case r.Dirty:
			d.Reason = "unclean shutdown: dirty marker set"
		case r.AutomationActive:
			d.Reason = "unclean shutdown: automation was active"
		case r.RestoreRequired:
			d.Reason = "unclean shutdown: restore pending"
		case r.Mode != authority.Observer:
			d.Reason = "unclean shutdown: mode was " + r.Mode.String()
		default:
			d.Reason = "clean"
		}
		s.boot = d
	})
	return s.boot
}

// Current returns the in-memory record.
func (s *Store) Current() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Save persists r atomically and makes it current.
func (s *Store) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *Store) saveLocked(r Record) error {
	r.SchemaVersion = SchemaVersion
	r.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode authority record: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return err
	}
	s.current = r
	return nil
}

// update applies fn to the current record and persists it. The on-disk
// record is read first so the boot decision sees what the last process left.
func (s *Store) update(fn func(*Record)) error {
	s.Boot()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.current
	fn(&r)
	return s.saveLocked(r)
}

// MarkDirty records that automation is about to start against snapshotID.
func (s *Store) MarkDirty(snapshotID string) error {
	return s.update(func(r *Record) {
		r.Dirty = true
		r.AutomationActive = true
		r.RestoreRequired = true
		r.LastSnapshotID = snapshotID
	})
}

// MarkClean records a completed, restored run.
func (s *Store) MarkClean() error {
	return s.update(func(r *Record) {
		r.Dirty = false
		r.AutomationActive = false
		r.RestoreRequired = false
		r.Mode = authority.Observer
	})
}

// Track persists a mode change.
func (s *Store) Track(mode authority.Mode) error {
	return s.update(func(r *Record) { r.Mode = mode })
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it, renames it over path and fsyncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".authority-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	cleanup = false
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for fsync: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Sync(); err != nil {
		if errors.Is(err, syscall.EINVAL) {
			return nil
		}
		return fmt.Errorf("fsync directory: %w", err)
	}
	return nil
}
