package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	key, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", key)

	again, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, key, again)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "delete is idempotent")
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "md5:abc", "sha256:xyz", "sha256:../../etc/passwd", "sha256:" + strings.Repeat("A", 64)} {
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "audit", "ledgers/")

	key, err := s.Put(ctx, []byte("chain"))
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("chain"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts, "existing objects are not re-uploaded")

	digest := strings.TrimPrefix(key, "sha256:")
	assert.Contains(t, fake.objects, "ledgers/"+digest+".blob")

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "chain", string(data))

	require.NoError(t, s.Delete(ctx, key))
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func writeLedger(t *testing.T, seal bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := ledger.Open(path, ledger.WithFatalHandler(func(error) {}))
	require.NoError(t, err)
	_, err = l.Intent("click", map[string]any{"label": "Save"})
	require.NoError(t, err)
	_, err = l.Effect(map[string]any{"ok": true})
	require.NoError(t, err)
	if seal {
		_, err = l.Seal("done")
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
	return path
}

func TestArchiveLedger(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	path := writeLedger(t, true)

	rec, err := ArchiveLedger(ctx, store, path, ledger.VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Manifest.Entries)
	assert.Equal(t, 1, rec.Manifest.Sessions)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	stored, err := store.Get(ctx, rec.Manifest.LedgerKey)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)

	body, err := store.Get(ctx, rec.ManifestKey)
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, rec.Manifest.Head, m.Head)
	assert.Equal(t, rec.Manifest.LedgerKey, m.LedgerKey)
}

func TestArchiveLedger_Refusals(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = ArchiveLedger(ctx, store, writeLedger(t, false), ledger.VerifyOptions{})
	assert.ErrorIs(t, err, ErrNotSealed)

	path := writeLedger(t, true)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"Save"`), []byte(`"Sold"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))
	_, err = ArchiveLedger(ctx, store, path, ledger.VerifyOptions{})
	assert.ErrorIs(t, err, ErrUnverified)

	_, err = ArchiveLedger(ctx, store, filepath.Join(t.TempDir(), "missing.jsonl"), ledger.VerifyOptions{})
	assert.Error(t, err)
}

func TestNewStoreFromEnv(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t.Setenv("SENTINEL_ARCHIVE_TYPE", "")
	t.Setenv("SENTINEL_ARCHIVE_DIR", "")
	t.Setenv("SENTINEL_DATA_DIR", dir)

	s, err := NewStoreFromEnv(ctx)
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "got %T", s)
	assert.Equal(t, filepath.Join(dir, "archive"), fs.dir)

	t.Setenv("SENTINEL_ARCHIVE_TYPE", "s3")
	t.Setenv("SENTINEL_ARCHIVE_S3_BUCKET", "")
	_, err = NewStoreFromEnv(ctx)
	assert.ErrorContains(t, err, "bucket is required")

	t.Setenv("SENTINEL_ARCHIVE_TYPE", "tape")
	_, err = NewStoreFromEnv(ctx)
	assert.ErrorContains(t, err, "unsupported")
}
