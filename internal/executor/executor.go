// Package executor runs the download/enrich/upload step for one work item:
// render the page through the borrowed browser, spool the artifact under the
// item's disk reservation, then stream it into the blob store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/hash/sha256"
	"github.com/mirrorops/vodsync/internal/pipeline"
)

// Config tunes artifact placement.
type Config struct {
	// BlobPrefix is prepended to every uploaded object path.
	BlobPrefix string

	// ContentType is sent with every upload.
	ContentType string
}

func (c Config) withDefaults() Config {
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Executor persists rendered snapshots. It implements pipeline.Executor.
type Executor struct {
	blobs  pipeline.BlobStore
	hasher *sha256.Hasher
	cfg    Config
	logger *zap.Logger
}

// New builds an Executor over the given blob store.
func New(blobs pipeline.BlobStore, cfg Config, logger *zap.Logger) (*Executor, error) {
	if blobs == nil {
		return nil, errors.New("executor: blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		blobs:  blobs,
		hasher: sha256.New(),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

// Execute renders the item's page, writes the artifact into spoolDir, and
// uploads it. The spool file stays on disk until the supervisor releases the
// item's reservation, so disk usage never exceeds what was reserved.
func (e *Executor) Execute(ctx context.Context, item pipeline.WorkItem, spoolDir string, session pipeline.BrowserSession) (pipeline.ExecResult, error) {
	if session == nil {
		return pipeline.ExecResult{}, errors.New("executor: browser session is required")
	}

	snap, err := session.Snapshot(ctx, item.SourceURL)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("rendering %s: %w", item.SourceURL, err)
	}
	if snap.StatusCode >= 400 {
		return pipeline.ExecResult{}, fmt.Errorf("rendering %s: upstream status %d", item.SourceURL, snap.StatusCode)
	}
	if len(snap.Body) == 0 {
		return pipeline.ExecResult{}, fmt.Errorf("rendering %s: empty body", item.SourceURL)
	}

	if err := os.MkdirAll(spoolDir, 0o750); err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("creating spool dir: %w", err)
	}
	spoolPath := filepath.Join(spoolDir, "artifact.html")
	if err := os.WriteFile(spoolPath, snap.Body, 0o600); err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("spooling artifact: %w", err)
	}

	f, err := os.Open(spoolPath)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("reopening spool file: %w", err)
	}
	hash, size, err := e.hasher.HashReader(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing spool file: %w", cerr)
	}
	if err != nil {
		return pipeline.ExecResult{}, err
	}

	f, err = os.Open(spoolPath)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("reopening spool file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			e.logger.Warn("closing spool file failed", zap.Error(cerr))
		}
	}()

	uri, err := e.blobs.PutObject(ctx, e.blobPath(item, hash), e.cfg.ContentType, f)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("uploading artifact: %w", err)
	}

	e.logger.Debug("artifact stored",
		zap.String("url", item.SourceURL),
		zap.String("uri", uri),
		zap.Int64("bytes", size),
	)
	return pipeline.ExecResult{
		ArtifactURI: uri,
		ContentHash: hash,
		Title:       snap.Title,
		Bytes:       size,
		Duration:    snap.Duration,
	}, nil
}

// blobPath keys objects by site and content hash so re-uploads of identical
// content land on the same object.
func (e *Executor) blobPath(item pipeline.WorkItem, hash string) string {
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	site := pipeline.Host(item.SourceURL)
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", site, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, site, hash)
}
