package recordstore

import (
	"fmt"
	"sort"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// ParseError marks a store whose backing document cannot be decoded. It is
// fatal: the run must stop rather than risk overwriting records it cannot
// read back.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record store %s is unreadable: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// entryKey derives the canonical key for an entry, preferring the explicit
// key and falling back to the source URL. Normalization is idempotent, so
// already-normalized keys pass through unchanged.
func entryKey(entry pipeline.RecordEntry) (string, error) {
	raw := entry.Key
	if raw == "" {
		raw = entry.SourceURL
	}
	key, err := pipeline.NormalizeURL(raw)
	if err != nil {
		return "", fmt.Errorf("deriving record key: %w", err)
	}
	return key, nil
}

// lookupKey normalizes a caller-supplied URL or key for comparison.
func lookupKey(raw string) (string, error) {
	key, err := pipeline.NormalizeURL(raw)
	if err != nil {
		return "", fmt.Errorf("normalizing lookup key: %w", err)
	}
	return key, nil
}

// sortEntries orders entries by key for deterministic reads and diffs.
func sortEntries(entries []pipeline.RecordEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
