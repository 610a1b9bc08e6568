package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

func TestIndex_Mirror(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := New(db)
	e := ledger.Entry{
		Index:     3,
		SessionID: "s1",
		Type:      ledger.TypeAction,
		Phase:     ledger.PhaseEffect,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:   map[string]any{"ok": true},
		IntentRef: "aa",
		PrevHash:  "bb",
		Hash:      "cc",
	}

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs("cc", int64(3), "s1", "ACTION", "EFFECT", "2026-01-02T03:04:05Z", "aa", "bb", `{"ok":true}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, idx.Mirror(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, New(db).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_UnresolvedIntents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"hash"}).AddRow("h1").AddRow("h7")
	mock.ExpectQuery("SELECT i.hash FROM audit_entries").WillReturnRows(rows)

	got, err := New(db).UnresolvedIntents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h7"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func writeLedger(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := ledger.Open(path, ledger.WithFatalHandler(func(error) {}))
	require.NoError(t, err)
	_, err = l.Intent("click", map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = l.Effect(nil)
	require.NoError(t, err)
	_, err = l.Intent("type", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	return path
}

func TestIndex_SQLiteBackfill(t *testing.T) {
	dir := t.TempDir()
	path := writeLedger(t, dir)
	ctx := context.Background()

	idx, err := Open(ctx, "sqlite:"+filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	n, err := idx.Backfill(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// Backfilling twice does not duplicate rows.
	_, err = idx.Backfill(ctx, path)
	require.NoError(t, err)
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	pending, err := idx.UnresolvedIntents(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestIndex_BackfillRefusesTamperedLedger(t *testing.T) {
	dir := t.TempDir()
	path := writeLedger(t, dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"x":1`, `"x":2`, 1)), 0o600))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = New(db).Backfill(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnverifiedLedger)
	assert.NoError(t, mock.ExpectationsWereMet())
}
