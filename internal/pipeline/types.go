package pipeline

import (
	"time"
)

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Item status values persisted in the record store.
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusDone       ItemStatus = "done"
	ItemStatusFailed     ItemStatus = "failed"
)

// WorkItem is one unit of pipeline work: a source URL and whatever metadata
// discovery attached to it. Key is the normalized-URL deduplication key and
// is derived, never supplied, by callers outside discovery.
type WorkItem struct {
	ID           string            `json:"id"`
	SourceURL    string            `json:"source_url"`
	Key          string            `json:"key"`
	Status       ItemStatus        `json:"status"`
	Title        string            `json:"title,omitempty"`
	SizeEstimate int64             `json:"size_estimate"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// RecordEntry is the durable representation of a completed work item. The
// Key (normalized URL) is unique across all entries in a store.
type RecordEntry struct {
	Key         string     `json:"key"`
	SourceURL   string     `json:"source_url"`
	Title       string     `json:"title,omitempty"`
	ArtifactURI string     `json:"artifact_uri,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	Status      ItemStatus `json:"status"`
	CompletedAt time.Time  `json:"completed_at"`
}

// ExecResult carries the metadata an executor produced for one item.
type ExecResult struct {
	ArtifactURI string
	ContentHash string
	Title       string
	Bytes       int64
	Duration    time.Duration
}

// StopReason explains why a supervisor run ended.
type StopReason string

// Stop reasons reported in the run summary.
const (
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopSourceExhausted StopReason = "source_exhausted"
	StopTerminalBackoff StopReason = "terminal_backoff"
	StopCanceled        StopReason = "canceled"
	StopFatal           StopReason = "fatal"
)

// RunSummary is the result of one supervisor stint.
type RunSummary struct {
	RunID     string     `json:"run_id"`
	Started   time.Time  `json:"started_at"`
	Finished  time.Time  `json:"finished_at"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Committed int        `json:"committed"`
	Reason    StopReason `json:"stop_reason"`
}

// CompletionEvent is published after a work item's record has been durably
// committed.
type CompletionEvent struct {
	RunID       string    `json:"run_id"`
	Key         string    `json:"key"`
	SourceURL   string    `json:"source_url"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// PageSnapshot is the rendered result a browser session hands to executors.
type PageSnapshot struct {
	URL        string
	FinalURL   string
	Title      string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}
