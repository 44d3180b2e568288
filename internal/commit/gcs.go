package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// GCSStore keeps the store of record in a single GCS object. Object
// generations are the version tokens: every Store carries a generation
// precondition, so a concurrent writer surfaces as ErrConflict instead of a
// lost update.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSStore connects via Application Default Credentials and fails fast
// when the bucket is unreachable.
func NewGCSStore(ctx context.Context, bucket, object string) (*GCSStore, error) {
	if bucket == "" || object == "" {
		return nil, errors.New("commit: gcs bucket and object are required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket, object: object}, nil
}

// NewGCSStoreWithClient constructs a store from an existing client
// (primarily for emulator-backed testing).
func NewGCSStoreWithClient(client *storage.Client, bucket, object string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("commit: gcs client is required")
	}
	if bucket == "" || object == "" {
		return nil, errors.New("commit: gcs bucket and object are required")
	}
	return &GCSStore{client: client, bucket: bucket, object: object}, nil
}

// Load reads the record document. A missing object is an empty set at
// version zero, which makes the first commit a create-if-absent.
func (s *GCSStore) Load(ctx context.Context) ([]pipeline.RecordEntry, Version, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open store of record: %w", err)
	}
	defer func() { _ = r.Close() }()

	generation := r.Attrs.Generation
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read store of record: %w", err)
	}
	var doc remoteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("parse store of record: %w", err)
	}
	return doc.Entries, Version(generation), nil
}

// Store writes the document under a generation precondition. base zero means
// "the object must not exist yet".
func (s *GCSStore) Store(ctx context.Context, entries []pipeline.RecordEntry, base Version) (Version, error) {
	doc := remoteDocument{
		SchemaVersion: remoteSchemaVersion,
		UpdatedAt:     time.Now().UTC(),
		Entries:       entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode store of record: %w", err)
	}

	conds := storage.Conditions{GenerationMatch: int64(base)}
	if base == 0 {
		conds = storage.Conditions{DoesNotExist: true}
	}
	w := s.client.Bucket(s.bucket).Object(s.object).If(conds).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("write store of record: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailure(err) {
			return 0, fmt.Errorf("store of record moved past generation %d: %w", base, ErrConflict)
		}
		return 0, fmt.Errorf("finalize store of record: %w", err)
	}

	var generation int64
	if attrs := w.Attrs(); attrs != nil {
		generation = attrs.Generation
	}
	return Version(generation), nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// isPreconditionFailure recognizes the HTTP 412 GCS returns when a
// generation precondition no longer holds.
func isPreconditionFailure(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return false
}
