package pipeline

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrSourceExhausted is returned by Discovery.Next once the source has no
// further candidates. It ends the run cleanly; it is not a failure.
var ErrSourceExhausted = errors.New("work source exhausted")

// Discovery produces a lazy, possibly-infinite sequence of candidate work
// items. Errors other than ErrSourceExhausted are recoverable discovery
// failures and are routed to the backoff controller by the caller.
type Discovery interface {
	Next(ctx context.Context) (WorkItem, error)
}

// Executor runs the download/enrich/upload step for one item. spoolDir is a
// scratch directory covered by the item's disk reservation; the executor may
// fill it up to the reserved size. Any error is an item-level failure.
type Executor interface {
	Execute(ctx context.Context, item WorkItem, spoolDir string, session BrowserSession) (ExecResult, error)
}

// RecordStore is the durable collection of completed-item records keyed by
// normalized URL. Reads take a shared lock, writes an exclusive lock; both
// are bounded and retried by the implementation.
type RecordStore interface {
	ReadAll(ctx context.Context) ([]RecordEntry, error)
	Upsert(ctx context.Context, entry RecordEntry) error
	IsProcessed(ctx context.Context, key string) (bool, error)
	Close() error
}

// ReservationManager accounts free disk space against in-flight
// reservations. Reserve returning false is the normal "no capacity" signal,
// not an error.
type ReservationManager interface {
	Reserve(ctx context.Context, key string, size int64) (bool, error)
	Release(ctx context.Context, key string) error
	Available(ctx context.Context) (int64, error)
	SweepStale(ctx context.Context) (int, error)
}

// BrowserSession is the per-item view of a live browser handle. Sessions are
// borrowed for one item and never retained across retirements.
type BrowserSession interface {
	Snapshot(ctx context.Context, rawURL string) (PageSnapshot, error)
}

// BrowserPool owns the heavyweight browser process. Acquire is idempotent
// while a live, unexpired handle exists; NoteSuccess advances the retirement
// counter; Retire tears the current handle down and verifies process exit.
type BrowserPool interface {
	Acquire(ctx context.Context) (BrowserSession, error)
	Retire(ctx context.Context)
	NoteSuccess()
}

// Committer publishes locally-accumulated record state to the shared remote
// store of record, retrying conflicts and transient failures internally.
type Committer interface {
	Commit(ctx context.Context, entries []RecordEntry) error
}

// BlobStore writes raw artifacts and returns a URI. Implementations stream;
// artifacts can be multi-gigabyte video files.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, event CompletionEvent) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
