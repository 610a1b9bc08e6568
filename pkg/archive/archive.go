package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
)

type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv selects a store from SENTINEL_ARCHIVE_TYPE ("fs" by
// default, "s3" or "gcs").
//
//   - fs: SENTINEL_ARCHIVE_DIR, else $SENTINEL_DATA_DIR/archive
//   - s3: SENTINEL_ARCHIVE_S3_BUCKET (required), SENTINEL_ARCHIVE_S3_REGION
//     or AWS_REGION, SENTINEL_ARCHIVE_S3_ENDPOINT, SENTINEL_ARCHIVE_S3_PREFIX
//   - gcs: SENTINEL_ARCHIVE_GCS_BUCKET (required), SENTINEL_ARCHIVE_GCS_PREFIX;
//     needs the gcp build tag
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("SENTINEL_ARCHIVE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dir := os.Getenv("SENTINEL_ARCHIVE_DIR")
		if dir == "" {
			data := os.Getenv("SENTINEL_DATA_DIR")
			if data == "" {
				data = "./data"
			}
			dir = filepath.Join(data, "archive")
		}
		return NewFileStore(dir)
	case BackendS3:
		region := os.Getenv("SENTINEL_ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   os.Getenv("SENTINEL_ARCHIVE_S3_BUCKET"),
			Region:   region,
			Endpoint: os.Getenv("SENTINEL_ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("SENTINEL_ARCHIVE_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive type %q", backend)
	}
}

var (
	ErrNotSealed  = errors.New("ledger is not sealed")
	ErrUnverified = errors.New("ledger failed verification")
)

// Manifest describes an archived ledger. It is stored next to the ledger
// blob in canonical JSON.
type Manifest struct {
	LedgerKey  string    `json:"ledger_key"`
	Head       string    `json:"head"`
	Entries    uint64    `json:"entries"`
	Sessions   int       `json:"sessions"`
	SignedSeal int       `json:"signed_seals"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Receipt is what ArchiveLedger returns.
type Receipt struct {
	Manifest    Manifest
	ManifestKey string
}

// ArchiveLedger verifies the ledger at path and uploads it with its
// manifest. Only a valid ledger whose last session is sealed, with no
// outstanding intent, is archived.
func ArchiveLedger(ctx context.Context, store Store, path string, opts ledger.VerifyOptions) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	// Verify the bytes that will be uploaded, not the file, which may grow.
	rep, err := ledger.Verify(bytes.NewReader(data), opts)
	if err != nil {
		return nil, fmt.Errorf("verify ledger: %w", err)
	}
	if !rep.Valid {
		return nil, fmt.Errorf("%w at index %d: %s", ErrUnverified, rep.BrokenAt, rep.Reason)
	}
	if !rep.Sealed || rep.PendingIntent != "" {
		return nil, fmt.Errorf("%w: %s", ErrNotSealed, path)
	}

	ledgerKey, err := store.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("upload ledger: %w", err)
	}
	m := Manifest{
		LedgerKey:  ledgerKey,
		Head:       rep.Head,
		Entries:    rep.Entries,
		Sessions:   rep.Sessions,
		SignedSeal: rep.SignedSeals,
		ArchivedAt: time.Now().UTC(),
	}
	body, err := canonicalize.JCS(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	manifestKey, err := store.Put(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}
	return &Receipt{Manifest: m, ManifestKey: manifestKey}, nil
}
