// Package index mirrors ledger entries into a SQL database for querying.
// The JSON-lines ledger file remains the source of truth; the index is
// rebuilt from it at any time with Backfill.
package index

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

var ErrUnverifiedLedger = errors.New("ledger failed verification")

// Index implements ledger.Mirror over database/sql.
// It supports both Postgres and SQLite.
type Index struct {
	db *sql.DB
}

func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Open connects to dsn. postgres:// and postgresql:// URLs use lib/pq;
// anything else is treated as a SQLite path, with an optional sqlite: prefix.
func Open(ctx context.Context, dsn string) (*Index, error) {
	driver, source := "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, source = "postgres", dsn
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open audit index: %w", err)
	}
	idx := New(db)
	if err := idx.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	hash TEXT PRIMARY KEY,
	idx BIGINT NOT NULL,
	session_id TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	ts TEXT NOT NULL,
	intent_ref TEXT NOT NULL DEFAULT '',
	prev_hash TEXT NOT NULL,
	payload TEXT
);
`

func (i *Index) Init(ctx context.Context) error {
	if _, err := i.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit index: %w", err)
	}
	return nil
}

// Mirror inserts e. Re-inserting an entry already present is a no-op.
func (i *Index) Mirror(ctx context.Context, e ledger.Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	query := `
		INSERT INTO audit_entries (hash, idx, session_id, entry_type, phase, ts, intent_ref, prev_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO NOTHING
	`
	_, err = i.db.ExecContext(ctx, query,
		e.Hash, int64(e.Index), e.SessionID, e.Type, string(e.Phase),
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.IntentRef, e.PrevHash, string(payload),
	)
	return err
}

// Backfill verifies the ledger file at path and mirrors every entry.
// Unverifiable ledgers are refused so the index never holds forged rows.
func (i *Index) Backfill(ctx context.Context, path string) (int, error) {
	rep, err := ledger.VerifyFile(path, ledger.VerifyOptions{})
	if err != nil {
		return 0, err
	}
	if !rep.Valid {
		return 0, fmt.Errorf("%w: %s", ErrUnverifiedLedger, rep.Reason)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	n := 0
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, fmt.Errorf("decode entry %d: %w", n, err)
		}
		if err := i.Mirror(ctx, e); err != nil {
			return n, fmt.Errorf("mirror entry %d: %w", e.Index, err)
		}
		n++
	}
	return n, sc.Err()
}

// Count returns the number of indexed entries.
func (i *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

// UnresolvedIntents lists intent hashes that no effect references.
func (i *Index) UnresolvedIntents(ctx context.Context) ([]string, error) {
	query := `
		SELECT i.hash FROM audit_entries i
		WHERE i.phase = 'INTENT'
		AND NOT EXISTS (SELECT 1 FROM audit_entries e WHERE e.phase = 'EFFECT' AND e.intent_ref = i.hash)
		ORDER BY i.idx
	`
	rows, err := i.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}
