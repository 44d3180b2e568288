package commit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// ErrConflict means the remote moved underneath the caller's base version.
// The coordinator reacts by rebasing, never by overwriting blind.
var ErrConflict = errors.New("remote diverged")

// Version identifies one remote document state. GCS uses the object
// generation; the directory store uses a counter embedded in the envelope.
type Version int64

// RemoteStore is the shared store of record. Load returns the current
// entries with their version; a missing document is an empty set at version
// zero. Store writes entries only if the remote still holds base, returning
// ErrConflict otherwise.
type RemoteStore interface {
	Load(ctx context.Context) ([]pipeline.RecordEntry, Version, error)
	Store(ctx context.Context, entries []pipeline.RecordEntry, base Version) (Version, error)
}

// Config tunes the coordinator.
type Config struct {
	// MaxAttempts bounds the publish loop across both failure classes.
	MaxAttempts int

	// BaseDelay and MaxDelay shape the transient-failure backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// FallbackDir receives the change set when every attempt fails.
	FallbackDir string

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Coordinator retries publishes against a RemoteStore. It is single-writer:
// one supervisor calls Commit, in order, and the coordinator never reorders
// change sets.
type Coordinator struct {
	remote RemoteStore
	cfg    Config
	logger *zap.Logger
}

// New builds a Coordinator.
func New(remote RemoteStore, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if remote == nil {
		return nil, errors.New("commit: remote store is required")
	}
	cfg = cfg.withDefaults()
	if cfg.FallbackDir == "" {
		return nil, errors.New("commit: fallback dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.FallbackDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating fallback dir: %w", err)
	}
	return &Coordinator{remote: remote, cfg: cfg, logger: logger}, nil
}

// Commit publishes the change set. A conflict rebases onto the fresh remote
// state and retries immediately; a transient failure retries after an
// exponential backoff. When attempts run out the change set is written to a
// timestamped fallback file and the returned error names it.
func (c *Coordinator) Commit(ctx context.Context, entries []pipeline.RecordEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		remote, version, err := c.remote.Load(ctx)
		if err == nil {
			merged := mergeEntries(remote, entries)
			if _, err = c.remote.Store(ctx, merged, version); err == nil {
				c.logger.Info("change set committed",
					zap.Int("entries", len(entries)),
					zap.Int("attempt", attempt+1),
				)
				return nil
			}
		}
		lastErr = err

		if errors.Is(err, ErrConflict) {
			c.logger.Warn("remote diverged, rebasing", zap.Int("attempt", attempt+1))
			continue
		}
		if attempt < c.cfg.MaxAttempts-1 {
			delay := c.backoff(attempt)
			c.logger.Warn("commit attempt failed, backing off",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	fallbackPath, fbErr := c.writeFallback(entries)
	if fbErr != nil {
		return fmt.Errorf("commit failed after %d attempts: %w (fallback write failed: %v)",
			c.cfg.MaxAttempts, lastErr, fbErr)
	}
	c.logger.Error("commit failed, change set preserved",
		zap.String("fallback", fallbackPath),
		zap.Error(lastErr),
	)
	return fmt.Errorf("commit failed after %d attempts, change set preserved at %s: %w",
		c.cfg.MaxAttempts, fallbackPath, lastErr)
}

// mergeEntries rebases local on top of remote: remote rows survive unless
// the change set carries the same key, and the result is ordered by key.
func mergeEntries(remote, local []pipeline.RecordEntry) []pipeline.RecordEntry {
	byKey := make(map[string]pipeline.RecordEntry, len(remote)+len(local))
	for _, e := range remote {
		byKey[e.Key] = e
	}
	for _, e := range local {
		byKey[e.Key] = e
	}
	merged := make([]pipeline.RecordEntry, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Key < merged[j].Key })
	return merged
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) writeFallback(entries []pipeline.RecordEntry) (string, error) {
	doc := remoteDocument{
		SchemaVersion: remoteSchemaVersion,
		UpdatedAt:     c.cfg.Now().UTC(),
		Entries:       entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding fallback: %w", err)
	}
	name := fmt.Sprintf("unpublished-%s.json", c.cfg.Now().UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(c.cfg.FallbackDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing fallback: %w", err)
	}
	return path, nil
}

const remoteSchemaVersion = 1

// remoteDocument is the JSON envelope shared by every RemoteStore. Version
// is meaningful to the directory store only; GCS versions via generations.
type remoteDocument struct {
	SchemaVersion int                    `json:"schema_version"`
	Version       int64                  `json:"version,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Entries       []pipeline.RecordEntry `json:"entries"`
}
