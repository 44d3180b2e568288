package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/backoff"
	"github.com/mirrorops/vodsync/internal/pipeline"
	"github.com/mirrorops/vodsync/internal/progress"
)

// Config carries the run-level tunables.
type Config struct {
	// Deadline is the absolute wall-clock instant the host will kill the
	// process at (minus whatever slack the caller built in).
	Deadline time.Time

	// Margin is the per-item safety margin: once less than Margin remains
	// before Deadline, no new item is started.
	Margin time.Duration

	// CommitEvery triggers a durable commit after this many completed items.
	// A final commit always runs at loop end.
	CommitEvery int

	// SweepEvery re-runs the stale-reservation sweep after this many
	// iterations. The sweep also runs once at loop start.
	SweepEvery int

	// SpoolDir is the scratch directory item downloads land under; each item
	// gets a subdirectory that is removed when its reservation is released.
	SpoolDir string

	// DefaultSizeEstimate is the reservation size for items whose discovery
	// metadata carries no estimate.
	DefaultSizeEstimate int64

	// RunID labels this stint in logs, events, and published records.
	RunID string
}

func (c Config) withDefaults() Config {
	if c.Margin <= 0 {
		c.Margin = 5 * time.Minute
	}
	if c.CommitEvery <= 0 {
		c.CommitEvery = 10
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 50
	}
	if c.DefaultSizeEstimate <= 0 {
		c.DefaultSizeEstimate = 2 << 30 // 2 GiB
	}
	return c
}

// Deps are the collaborators the supervisor drives. Publisher and Emitter
// are optional; everything else is required.
type Deps struct {
	Discovery pipeline.Discovery
	Executor  pipeline.Executor
	Store     pipeline.RecordStore
	Reserver  pipeline.ReservationManager
	Browsers  pipeline.BrowserPool
	Committer pipeline.Committer
	Publisher pipeline.Publisher
	Backoff   *backoff.Controller
	Clock     pipeline.Clock
	Emitter   progress.Emitter
}

func (d Deps) validate() error {
	switch {
	case d.Discovery == nil:
		return errors.New("supervisor: discovery is required")
	case d.Executor == nil:
		return errors.New("supervisor: executor is required")
	case d.Store == nil:
		return errors.New("supervisor: record store is required")
	case d.Reserver == nil:
		return errors.New("supervisor: reservation manager is required")
	case d.Browsers == nil:
		return errors.New("supervisor: browser pool is required")
	case d.Committer == nil:
		return errors.New("supervisor: committer is required")
	case d.Backoff == nil:
		return errors.New("supervisor: backoff controller is required")
	case d.Clock == nil:
		return errors.New("supervisor: clock is required")
	}
	return nil
}

// RunStatus is a point-in-time snapshot for the ops endpoint.
type RunStatus struct {
	RunID           string    `json:"run_id"`
	Started         time.Time `json:"started_at"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Committed       int       `json:"committed"`
	PendingCommit   int       `json:"pending_commit"`
	CurrentURL      string    `json:"current_url,omitempty"`
	BackoffFailures int       `json:"backoff_failures"`
	BackoffTerminal bool      `json:"backoff_terminal"`
	BudgetRemaining string    `json:"budget_remaining"`
	Running         bool      `json:"running"`
}

// Supervisor owns one stint. It is single-threaded with respect to item
// processing; Status may be read concurrently by the ops server.
type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	started   time.Time
	current   string
	completed int
	failed    int
	skipped   int
	committed int
	pending   []pipeline.RecordEntry
}

// New validates the collaborators and builds a Supervisor.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Supervisor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.SpoolDir == "" {
		return nil, errors.New("supervisor: spool dir is required")
	}
	if cfg.Deadline.IsZero() {
		return nil, errors.New("supervisor: deadline is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run executes the stint until the budget runs out, the source drains, the
// backoff controller turns terminal, or a subsystem failure makes continuing
// unsafe. Item-level failures are recorded and absorbed; only subsystem
// failures surface as a non-nil error alongside the summary.
func (s *Supervisor) Run(ctx context.Context) (pipeline.RunSummary, error) {
	started := s.deps.Clock.Now()
	s.mu.Lock()
	s.running = true
	s.started = started
	s.mu.Unlock()

	summary := pipeline.RunSummary{RunID: s.cfg.RunID, Started: started}
	s.emit(progress.Event{Stage: progress.StageRunStart})

	if swept, err := s.deps.Reserver.SweepStale(ctx); err != nil {
		s.logger.Warn("startup reservation sweep failed", zap.Error(err))
	} else if swept > 0 {
		s.logger.Info("reclaimed stale reservations", zap.Int("count", swept))
	}

	reason, runErr := s.loop(ctx)

	// The final commit runs on every exit path so completed work is never
	// stranded locally, including after a fatal subsystem error.
	if err := s.commitPending(ctx); err != nil {
		s.logger.Error("final commit failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	s.mu.Lock()
	s.running = false
	s.current = ""
	summary.Completed = s.completed
	summary.Failed = s.failed
	summary.Skipped = s.skipped
	summary.Committed = s.committed
	s.mu.Unlock()

	summary.Finished = s.deps.Clock.Now()
	summary.Reason = reason

	stage := progress.StageRunDone
	if runErr != nil {
		stage = progress.StageRunError
	}
	s.emit(progress.Event{
		Stage: stage,
		Dur:   summary.Finished.Sub(summary.Started),
		Note:  string(reason),
	})
	s.logger.Info("run finished",
		zap.String("reason", string(reason)),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("committed", summary.Committed),
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)),
	)
	return summary, runErr
}

func (s *Supervisor) loop(ctx context.Context) (pipeline.StopReason, error) {
	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			return pipeline.StopCanceled, nil
		}
		remaining := s.cfg.Deadline.Sub(s.deps.Clock.Now())
		if remaining < s.cfg.Margin {
			s.logger.Info("time budget exhausted",
				zap.Duration("remaining", remaining),
				zap.Duration("margin", s.cfg.Margin),
			)
			return pipeline.StopBudgetExhausted, nil
		}

		if iteration > 0 && iteration%s.cfg.SweepEvery == 0 {
			if _, err := s.deps.Reserver.SweepStale(ctx); err != nil {
				s.logger.Warn("periodic reservation sweep failed", zap.Error(err))
			}
		}

		item, err := s.deps.Discovery.Next(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrSourceExhausted) {
				return pipeline.StopSourceExhausted, nil
			}
			if ctx.Err() != nil {
				return pipeline.StopCanceled, nil
			}
			directive := s.deps.Backoff.RecordFailure()
			switch directive.Action {
			case backoff.ActionTerminate:
				s.logger.Error("discovery terminally degraded, stopping", zap.Error(err))
				return pipeline.StopTerminalBackoff, nil
			case backoff.ActionWait:
				// A wait that would outlive the budget is pointless; stop now
				// and let the next stint retry with a fresh window.
				if directive.Wait+s.cfg.Margin > s.cfg.Deadline.Sub(s.deps.Clock.Now()) {
					s.logger.Info("backoff wait exceeds remaining budget, stopping",
						zap.Duration("wait", directive.Wait),
					)
					return pipeline.StopBudgetExhausted, nil
				}
				if err := sleep(ctx, directive.Wait); err != nil {
					return pipeline.StopCanceled, nil
				}
			}
			continue
		}
		s.deps.Backoff.RecordSuccess()

		if err := s.processItem(ctx, item); err != nil {
			// A host signal landing mid-item surfaces as context
			// cancellation from whichever collaborator saw it first; that
			// is a normal stop, not a subsystem failure.
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return pipeline.StopCanceled, nil
			}
			return pipeline.StopFatal, err
		}

		s.mu.Lock()
		completed := s.completed
		s.mu.Unlock()
		if completed > 0 && completed%s.cfg.CommitEvery == 0 {
			if err := s.commitPending(ctx); err != nil {
				s.logger.Warn("periodic commit failed, change set preserved", zap.Error(err))
			}
		}
	}
}

// processItem runs one item end to end. Its returned error is a subsystem
// failure that must stop the run; item-level failures are absorbed into the
// counters here.
func (s *Supervisor) processItem(ctx context.Context, item pipeline.WorkItem) error {
	key, err := pipeline.NormalizeURL(item.SourceURL)
	if err != nil {
		s.logger.Warn("discarding item with unusable url",
			zap.String("url", item.SourceURL),
			zap.Error(err),
		)
		s.noteSkip(item.SourceURL, "bad_url")
		return nil
	}
	item.Key = key

	s.mu.Lock()
	s.current = item.SourceURL
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = ""
		s.mu.Unlock()
	}()

	processed, err := s.deps.Store.IsProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("dedup check for %s: %w", key, err)
	}
	if processed {
		s.logger.Debug("item already processed", zap.String("key", key))
		s.noteSkip(item.SourceURL, "duplicate")
		return nil
	}

	size := item.SizeEstimate
	if size <= 0 {
		size = s.cfg.DefaultSizeEstimate
	}
	ok, err := s.deps.Reserver.Reserve(ctx, key, size)
	if err != nil {
		return fmt.Errorf("reserving %d bytes for %s: %w", size, key, err)
	}
	if !ok {
		s.logger.Info("no disk capacity for item, skipping",
			zap.String("key", key),
			zap.Int64("size", size),
		)
		s.noteSkip(item.SourceURL, "no_capacity")
		return nil
	}
	spool := filepath.Join(s.cfg.SpoolDir, itemDirName(item))
	defer func() {
		if err := os.RemoveAll(spool); err != nil {
			s.logger.Warn("removing spool dir failed", zap.String("dir", spool), zap.Error(err))
		}
		releaseCtx := context.WithoutCancel(ctx)
		if err := s.deps.Reserver.Release(releaseCtx, key); err != nil {
			s.logger.Warn("releasing reservation failed", zap.String("key", key), zap.Error(err))
		}
	}()

	item.Status = pipeline.ItemStatusInProgress
	s.emit(progress.Event{
		Stage: progress.StageItemStart,
		Site:  pipeline.Host(item.SourceURL),
		URL:   item.SourceURL,
	})

	start := s.deps.Clock.Now()
	result, execErr := s.executeWithRetry(ctx, item, spool)
	elapsed := s.deps.Clock.Now().Sub(start)

	entry := pipeline.RecordEntry{
		Key:         key,
		SourceURL:   item.SourceURL,
		Title:       item.Title,
		CompletedAt: s.deps.Clock.Now(),
	}
	if execErr != nil {
		entry.Status = pipeline.ItemStatusFailed
		s.logger.Warn("item failed",
			zap.String("url", item.SourceURL),
			zap.Duration("elapsed", elapsed),
			zap.Error(execErr),
		)
		s.emit(progress.Event{
			Stage:   progress.StageItemDone,
			Site:    pipeline.Host(item.SourceURL),
			URL:     item.SourceURL,
			Outcome: progress.OutcomeFailed,
			Dur:     elapsed,
			Note:    execErr.Error(),
		})
	} else {
		entry.Status = pipeline.ItemStatusDone
		entry.ArtifactURI = result.ArtifactURI
		entry.ContentHash = result.ContentHash
		if result.Title != "" {
			entry.Title = result.Title
		}
		s.deps.Browsers.NoteSuccess()
		s.logger.Info("item completed",
			zap.String("url", item.SourceURL),
			zap.String("artifact", result.ArtifactURI),
			zap.Int64("bytes", result.Bytes),
			zap.Duration("elapsed", elapsed),
		)
		s.emit(progress.Event{
			Stage:   progress.StageItemDone,
			Site:    pipeline.Host(item.SourceURL),
			URL:     item.SourceURL,
			Outcome: progress.OutcomeDone,
			Bytes:   result.Bytes,
			Dur:     elapsed,
		})
	}

	// Recording the outcome must survive cancellation: by this point the
	// item has already run and losing its record would orphan the artifact.
	// A lost write is a correctness violation; the run cannot continue once
	// the store's retry budget is spent.
	if err := s.deps.Store.Upsert(context.WithoutCancel(ctx), entry); err != nil {
		return fmt.Errorf("recording %s: %w", key, err)
	}

	s.mu.Lock()
	if execErr != nil {
		s.failed++
	} else {
		s.completed++
		s.pending = append(s.pending, entry)
	}
	s.mu.Unlock()
	return nil
}

// executeWithRetry gives an item exactly one fresh-browser retry after a
// fault. The faulted handle is retired first; its state is untrusted.
func (s *Supervisor) executeWithRetry(ctx context.Context, item pipeline.WorkItem, spool string) (pipeline.ExecResult, error) {
	session, err := s.deps.Browsers.Acquire(ctx)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("acquiring browser: %w", err)
	}
	result, execErr := s.deps.Executor.Execute(ctx, item, spool, session)
	if execErr == nil {
		return result, nil
	}
	s.deps.Browsers.Retire(ctx)
	if ctx.Err() != nil {
		return pipeline.ExecResult{}, execErr
	}

	s.logger.Warn("execution faulted, retrying with fresh browser",
		zap.String("url", item.SourceURL),
		zap.Error(execErr),
	)
	session, err = s.deps.Browsers.Acquire(ctx)
	if err != nil {
		return pipeline.ExecResult{}, fmt.Errorf("relaunching browser: %w", err)
	}
	result, retryErr := s.deps.Executor.Execute(ctx, item, spool, session)
	if retryErr != nil {
		s.deps.Browsers.Retire(ctx)
		return pipeline.ExecResult{}, retryErr
	}
	return result, nil
}

// commitPending publishes the accumulated change set and, on success, emits
// completion events for every entry in it.
func (s *Supervisor) commitPending(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	// Commits run to completion even when the budget or the host signal has
	// fired; aborting a half-published change set is worse than overrunning
	// the margin slightly.
	commitCtx := context.WithoutCancel(ctx)
	if err := s.deps.Committer.Commit(commitCtx, batch); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed += len(batch)
	s.mu.Unlock()
	s.emit(progress.Event{Stage: progress.StageCommit, Bytes: int64(len(batch))})

	if s.deps.Publisher != nil {
		for _, entry := range batch {
			event := pipeline.CompletionEvent{
				RunID:       s.cfg.RunID,
				Key:         entry.Key,
				SourceURL:   entry.SourceURL,
				ArtifactURI: entry.ArtifactURI,
				ContentHash: entry.ContentHash,
				CompletedAt: entry.CompletedAt,
			}
			if err := s.deps.Publisher.Publish(commitCtx, event); err != nil {
				s.logger.Warn("publishing completion event failed",
					zap.String("key", entry.Key),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (s *Supervisor) noteSkip(url, why string) {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	s.emit(progress.Event{
		Stage:   progress.StageItemDone,
		Site:    pipeline.Host(url),
		URL:     url,
		Outcome: progress.OutcomeSkipped,
		Note:    why,
	})
}

// Status reports a snapshot for the ops endpoint. Safe to call from any
// goroutine, including while Run is in flight.
func (s *Supervisor) Status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.cfg.Deadline.Sub(s.deps.Clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return RunStatus{
		RunID:           s.cfg.RunID,
		Started:         s.started,
		Completed:       s.completed,
		Failed:          s.failed,
		Skipped:         s.skipped,
		Committed:       s.committed,
		PendingCommit:   len(s.pending),
		CurrentURL:      s.current,
		BackoffFailures: s.deps.Backoff.Failures(),
		BackoffTerminal: s.deps.Backoff.Terminal(),
		BudgetRemaining: remaining.String(),
		Running:         s.running,
	}
}

func (s *Supervisor) emit(evt progress.Event) {
	if s.deps.Emitter == nil {
		return
	}
	evt.RunID = s.cfg.RunID
	evt.TS = s.deps.Clock.Now()
	s.deps.Emitter.Emit(evt)
}

// itemDirName keys an item's spool subdirectory, preferring the discovery ID
// and falling back to a digest-safe mangle of the key.
func itemDirName(item pipeline.WorkItem) string {
	if item.ID != "" {
		return item.ID
	}
	return sanitizeKey(item.Key)
}

func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
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
