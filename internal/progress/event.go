package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
	StageItemStart Stage = "ITEM_START"
	StageItemDone  Stage = "ITEM_DONE"
	StageCommit    Stage = "COMMIT"
)

// Outcome classifies how an item ended.
type Outcome string

// Item outcomes reported on ITEM_DONE events.
const (
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Event captures a single pipeline milestone.
type Event struct {
	// RunID identifies the stint that emitted the event.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes item events to a host label.
	Site string
	// URL is the optional source URL; it should not contain credentials.
	URL string
	// Bytes carries the artifact size for completed items and the entry
	// count for commit events.
	Bytes int64
	// Outcome classifies item completions.
	Outcome Outcome
	// Dur captures execution latency for items and whole runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (skip reason, error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageCommit:
	case StageItemStart:
		if e.Site == "" {
			return errors.New("item start requires site")
		}
	case StageItemDone:
		if e.Site == "" {
			return errors.New("item done requires site")
		}
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
