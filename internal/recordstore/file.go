package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/lockfile"
	"github.com/mirrorops/vodsync/internal/pipeline"
)

const fileSchemaVersion = 1

type fileDocument struct {
	SchemaVersion int                    `json:"schema_version"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Entries       []pipeline.RecordEntry `json:"entries"`
}

// FileConfig controls the file-backed store.
type FileConfig struct {
	// Path is the JSON document holding all records. The advisory lock lives
	// beside it so lock identity survives atomic replacement.
	Path string

	// Lock tunes the bounded-retry lock discipline.
	Lock lockfile.Config

	// Now defaults to time.Now.
	Now func() time.Time
}

// FileStore keeps all records in one JSON document. Reads take a shared
// advisory lock, writes an exclusive one; every write lands in a sibling
// temp file and is renamed into place.
type FileStore struct {
	path   string
	locker *lockfile.Locker
	now    func() time.Time
	logger *zap.Logger
}

// NewFileStore builds a FileStore and creates the parent directory.
func NewFileStore(cfg FileConfig, logger *zap.Logger) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("recordstore: path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating record store dir: %w", err)
	}
	return &FileStore{
		path:   cfg.Path,
		locker: lockfile.New(cfg.Path+".lock", cfg.Lock, logger),
		now:    cfg.Now,
		logger: logger,
	}, nil
}

// ReadAll returns every record, ordered by key.
func (s *FileStore) ReadAll(ctx context.Context) ([]pipeline.RecordEntry, error) {
	guard, err := s.locker.Shared(ctx)
	if err != nil {
		return nil, fmt.Errorf("locking record store: %w", err)
	}
	defer guard.Release()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := make([]pipeline.RecordEntry, len(doc.Entries))
	copy(entries, doc.Entries)
	sortEntries(entries)
	return entries, nil
}

// Upsert writes entry under its normalized key. A second upsert for the same
// key replaces the existing record; the store never holds two entries for
// one logical item.
func (s *FileStore) Upsert(ctx context.Context, entry pipeline.RecordEntry) error {
	key, err := entryKey(entry)
	if err != nil {
		return err
	}
	entry.Key = key

	guard, err := s.locker.Exclusive(ctx)
	if err != nil {
		return fmt.Errorf("locking record store: %w", err)
	}
	defer guard.Release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Entries {
		if doc.Entries[i].Key == key {
			doc.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, entry)
	}
	if err := s.persist(doc); err != nil {
		return err
	}
	s.logger.Debug("record upserted",
		zap.String("key", key),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// IsProcessed reports whether a done record exists for the URL. Failed
// records do not count; the next run is expected to retry them.
func (s *FileStore) IsProcessed(ctx context.Context, rawKey string) (bool, error) {
	key, err := lookupKey(rawKey)
	if err != nil {
		return false, err
	}
	guard, err := s.locker.Shared(ctx)
	if err != nil {
		return false, fmt.Errorf("locking record store: %w", err)
	}
	defer guard.Release()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for _, e := range doc.Entries {
		if e.Key == key && e.Status == pipeline.ItemStatusDone {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op; the store holds no long-lived resources.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileDocument{SchemaVersion: fileSchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record store: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Path: s.path, Err: err}
	}
	if doc.SchemaVersion > fileSchemaVersion {
		return nil, &ParseError{
			Path: s.path,
			Err:  fmt.Errorf("schema version %d is newer than supported %d", doc.SchemaVersion, fileSchemaVersion),
		}
	}
	return &doc, nil
}

func (s *FileStore) persist(doc *fileDocument) error {
	doc.SchemaVersion = fileSchemaVersion
	doc.UpdatedAt = s.now().UTC()
	sortEntries(doc.Entries)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing record store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing record store: %w", err)
	}
	return nil
}
