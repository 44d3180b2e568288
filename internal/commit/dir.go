package commit

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

// DirStore keeps the store of record in one JSON document on a shared
// filesystem (NFS mount, host volume). The envelope carries a version
// counter; Store compares it under an exclusive advisory lock, so two
// pipeline instances sharing the mount get the same conflict semantics GCS
// generations provide.
type DirStore struct {
	path   string
	locker *lockfile.Locker
	now    func() time.Time
}

// NewDirStore builds a DirStore rooted at path and creates its parent
// directory.
func NewDirStore(path string, lock lockfile.Config, logger *zap.Logger) (*DirStore, error) {
	if path == "" {
		return nil, errors.New("commit: dir store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating dir store parent: %w", err)
	}
	return &DirStore{
		path:   path,
		locker: lockfile.New(path+".lock", lock, logger),
		now:    time.Now,
	}, nil
}

// Load reads the document under a shared lock.
func (s *DirStore) Load(ctx context.Context) ([]pipeline.RecordEntry, Version, error) {
	guard, err := s.locker.Shared(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("locking store of record: %w", err)
	}
	defer guard.Release()

	doc, exists, err := s.read()
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		return nil, 0, nil
	}
	return doc.Entries, Version(doc.Version), nil
}

// Store writes the document if the on-disk version still equals base.
func (s *DirStore) Store(ctx context.Context, entries []pipeline.RecordEntry, base Version) (Version, error) {
	guard, err := s.locker.Exclusive(ctx)
	if err != nil {
		return 0, fmt.Errorf("locking store of record: %w", err)
	}
	defer guard.Release()

	current, exists, err := s.read()
	if err != nil {
		return 0, err
	}
	var currentVersion Version
	if exists {
		currentVersion = Version(current.Version)
	}
	if currentVersion != base {
		return 0, fmt.Errorf("store of record at version %d, caller at %d: %w",
			currentVersion, base, ErrConflict)
	}

	next := remoteDocument{
		SchemaVersion: remoteSchemaVersion,
		Version:       int64(base) + 1,
		UpdatedAt:     s.now().UTC(),
		Entries:       entries,
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode store of record: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return 0, fmt.Errorf("write store of record: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, fmt.Errorf("replace store of record: %w", err)
	}
	return base + 1, nil
}

func (s *DirStore) read() (*remoteDocument, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read store of record: %w", err)
	}
	var doc remoteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("parse store of record %s: %w", s.path, err)
	}
	return &doc, true, nil
}
