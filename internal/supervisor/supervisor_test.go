package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/backoff"
	"github.com/mirrorops/vodsync/internal/pipeline"
	"github.com/mirrorops/vodsync/internal/progress"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDiscovery yields queued results in order, then ErrSourceExhausted.
type fakeDiscovery struct {
	mu     sync.Mutex
	queue  []discoveryResult
	onNext func()
}

type discoveryResult struct {
	item pipeline.WorkItem
	err  error
}

func (d *fakeDiscovery) push(urls ...string) {
	for _, u := range urls {
		d.queue = append(d.queue, discoveryResult{item: pipeline.WorkItem{ID: "id-" + u[len(u)-1:], SourceURL: u}})
	}
}

func (d *fakeDiscovery) pushErr(err error) {
	d.queue = append(d.queue, discoveryResult{err: err})
}

func (d *fakeDiscovery) Next(context.Context) (pipeline.WorkItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onNext != nil {
		d.onNext()
	}
	if len(d.queue) == 0 {
		return pipeline.WorkItem{}, pipeline.ErrSourceExhausted
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	return r.item, r.err
}

type fakeStore struct {
	mu        sync.Mutex
	processed map[string]bool
	upserts   []pipeline.RecordEntry
	checkErr  error
	upsertErr error

	// lockBacked mimics the advisory-locked stores, which refuse to acquire
	// on a dead context.
	lockBacked bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{processed: map[string]bool{}}
}

func (s *fakeStore) ReadAll(context.Context) ([]pipeline.RecordEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.RecordEntry(nil), s.upserts...), nil
}

func (s *fakeStore) Upsert(ctx context.Context, entry pipeline.RecordEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockBacked && ctx.Err() != nil {
		return fmt.Errorf("locking record store: %w", ctx.Err())
	}
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, entry)
	return nil
}

func (s *fakeStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return false, s.checkErr
	}
	return s.processed[key], nil
}

func (s *fakeStore) Close() error { return nil }

type fakeReserver struct {
	mu       sync.Mutex
	full     bool
	reserved []string
	released []string
	sweeps   int
}

func (r *fakeReserver) Reserve(_ context.Context, key string, _ int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false, nil
	}
	r.reserved = append(r.reserved, key)
	return true, nil
}

func (r *fakeReserver) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, key)
	return nil
}

func (r *fakeReserver) Available(context.Context) (int64, error) { return 1 << 40, nil }

func (r *fakeReserver) SweepStale(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return 0, nil
}

type fakeSession struct{}

func (fakeSession) Snapshot(_ context.Context, rawURL string) (pipeline.PageSnapshot, error) {
	return pipeline.PageSnapshot{URL: rawURL, StatusCode: 200, Body: []byte("ok")}, nil
}

type fakePool struct {
	mu        sync.Mutex
	acquires  int
	retires   int
	successes int
}

func (p *fakePool) Acquire(context.Context) (pipeline.BrowserSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	return fakeSession{}, nil
}

func (p *fakePool) Retire(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retires++
}

func (p *fakePool) NoteSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
}

// fakeExecutor pops one scripted error per call; an empty script succeeds.
type fakeExecutor struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	cost    time.Duration
	clock   *fakeClock
	onStart func()
}

func (e *fakeExecutor) Execute(_ context.Context, item pipeline.WorkItem, _ string, _ pipeline.BrowserSession) (pipeline.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.onStart != nil {
		e.onStart()
	}
	if e.cost > 0 && e.clock != nil {
		e.clock.advance(e.cost)
	}
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return pipeline.ExecResult{}, err
		}
	}
	return pipeline.ExecResult{
		ArtifactURI: "mem://artifacts/" + item.Key,
		ContentHash: "abc123",
		Bytes:       1024,
	}, nil
}

type fakeCommitter struct {
	mu      sync.Mutex
	batches [][]pipeline.RecordEntry
	err     error
}

func (c *fakeCommitter) Commit(_ context.Context, entries []pipeline.RecordEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, append([]pipeline.RecordEntry(nil), entries...))
	return nil
}

func (c *fakeCommitter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	events []pipeline.CompletionEvent
}

func (p *fakePublisher) Publish(_ context.Context, evt pipeline.CompletionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Stage
	}
	return out
}

type harness struct {
	clock     *fakeClock
	discovery *fakeDiscovery
	store     *fakeStore
	reserver  *fakeReserver
	pool      *fakePool
	executor  *fakeExecutor
	committer *fakeCommitter
	publisher *fakePublisher
	emitter   *captureEmitter
	backoff   *backoff.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	ctl, err := backoff.New(backoff.DefaultLadder(), zap.NewNop())
	require.NoError(t, err)
	return &harness{
		clock:     clock,
		discovery: &fakeDiscovery{},
		store:     newFakeStore(),
		reserver:  &fakeReserver{},
		pool:      &fakePool{},
		executor:  &fakeExecutor{clock: clock},
		committer: &fakeCommitter{},
		publisher: &fakePublisher{},
		emitter:   &captureEmitter{},
		backoff:   ctl,
	}
}

func (h *harness) supervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	if cfg.Deadline.IsZero() {
		cfg.Deadline = h.clock.Now().Add(time.Hour)
	}
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	s, err := New(cfg, Deps{
		Discovery: h.discovery,
		Executor:  h.executor,
		Store:     h.store,
		Reserver:  h.reserver,
		Browsers:  h.pool,
		Committer: h.committer,
		Publisher: h.publisher,
		Backoff:   h.backoff,
		Clock:     h.clock,
		Emitter:   h.emitter,
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestRunDrainsSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1", "https://cdn.example.com/vod/2")
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StopSourceExhausted, summary.Reason)
	require.Equal(t, 2, summary.Completed)
	require.Zero(t, summary.Failed)
	require.Equal(t, 2, summary.Committed)

	// Every reservation was released and every record committed.
	require.Equal(t, h.reserver.reserved, h.reserver.released)
	require.Equal(t, 2, h.committer.total())
	require.Len(t, h.publisher.events, 2)
	require.Equal(t, "run-test", h.publisher.events[0].RunID)
	require.Equal(t, 2, h.pool.successes)
}

func TestRunStopsBeforeBudgetExpires(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	s := h.supervisor(t, Config{
		Deadline: h.clock.Now().Add(4 * time.Minute),
		Margin:   5 * time.Minute,
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StopBudgetExhausted, summary.Reason)
	require.Zero(t, summary.Completed)
	require.Zero(t, h.executor.calls)
}

func TestInFlightItemFinishesPastMargin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1", "https://cdn.example.com/vod/2")
	h.executor.cost = 10 * time.Minute
	s := h.supervisor(t, Config{
		Deadline: h.clock.Now().Add(12 * time.Minute),
		Margin:   5 * time.Minute,
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	// The first item starts inside the margin and runs to completion; the
	// second never starts.
	require.Equal(t, pipeline.StopBudgetExhausted, summary.Reason)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, h.executor.calls)
	require.Equal(t, 1, summary.Committed)
}

func TestDuplicateItemsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	key, err := pipeline.NormalizeURL("https://cdn.example.com/vod/1")
	require.NoError(t, err)
	h.store.processed[key] = true

	s := h.supervisor(t, Config{})
	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Completed)
	require.Empty(t, h.reserver.reserved)
	require.Zero(t, h.executor.calls)
}

func TestBadURLSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("://not-a-url")
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Empty(t, h.store.upserts)
}

func TestNoCapacitySkips(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.reserver.full = true
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, h.executor.calls)
	require.Empty(t, h.reserver.released)
}

func TestFailedItemRecordedAndReleased(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.executor.errs = []error{errors.New("render timeout"), errors.New("render timeout")}
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, summary.Completed)

	// The failure is still recorded and the reservation released.
	require.Len(t, h.store.upserts, 1)
	require.Equal(t, pipeline.ItemStatusFailed, h.store.upserts[0].Status)
	require.Equal(t, h.reserver.reserved, h.reserver.released)

	// Nothing committed, nothing published.
	require.Zero(t, h.committer.total())
	require.Empty(t, h.publisher.events)
}

func TestRetryWithFreshBrowser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.executor.errs = []error{errors.New("browser crashed")}
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 2, h.executor.calls)
	require.Equal(t, 2, h.pool.acquires)
	require.Equal(t, 1, h.pool.retires)
}

func TestTerminalBackoffStopsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctl, err := backoff.New([]backoff.Rung{{Failures: 2, Terminate: true}}, zap.NewNop())
	require.NoError(t, err)
	h.backoff = ctl
	h.discovery.pushErr(errors.New("listing 503"))
	h.discovery.pushErr(errors.New("listing 503"))
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StopTerminalBackoff, summary.Reason)
	require.True(t, h.backoff.Terminal())
}

func TestBackoffWaitBeyondBudgetStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctl, err := backoff.New([]backoff.Rung{
		{Failures: 1, Wait: 30 * time.Minute},
		{Failures: 5, Terminate: true},
	}, zap.NewNop())
	require.NoError(t, err)
	h.backoff = ctl
	h.discovery.pushErr(errors.New("listing 503"))
	s := h.supervisor(t, Config{
		Deadline: h.clock.Now().Add(10 * time.Minute),
		Margin:   time.Minute,
	})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, pipeline.StopBudgetExhausted, summary.Reason)
}

func TestDiscoverySuccessResetsBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctl, err := backoff.New([]backoff.Rung{{Failures: 2, Terminate: true}}, zap.NewNop())
	require.NoError(t, err)
	h.backoff = ctl
	h.discovery.pushErr(errors.New("listing 503"))
	h.discovery.push("https://cdn.example.com/vod/1")
	h.discovery.pushErr(errors.New("listing 503"))
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	// The success between failures resets the count, so two non-consecutive
	// failures never reach the terminal rung.
	require.Equal(t, pipeline.StopSourceExhausted, summary.Reason)
	require.Equal(t, 1, summary.Completed)
}

func TestUpsertFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.store.upsertErr = errors.New("lock timeout")
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, pipeline.StopFatal, summary.Reason)
	// The reservation is still released on the fatal path.
	require.Equal(t, h.reserver.reserved, h.reserver.released)
}

func TestDedupCheckFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.store.checkErr = errors.New("lock timeout")
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, pipeline.StopFatal, summary.Reason)
	require.Empty(t, h.reserver.reserved)
}

func TestPeriodicCommitCadence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push(
		"https://cdn.example.com/vod/1",
		"https://cdn.example.com/vod/2",
		"https://cdn.example.com/vod/3",
	)
	s := h.supervisor(t, Config{CommitEvery: 2})

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Committed)
	// One periodic commit of two entries plus the final commit of one.
	require.Len(t, h.committer.batches, 2)
	require.Len(t, h.committer.batches[0], 2)
	require.Len(t, h.committer.batches[1], 1)
}

func TestCommitFailurePreservesChangeSetUntilFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.committer.err = errors.New("remote unavailable")
	s := h.supervisor(t, Config{})

	summary, err := s.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, pipeline.StopSourceExhausted, summary.Reason)
	require.Zero(t, summary.Committed)
	require.Empty(t, h.publisher.events)
}

func TestHostSignalMidItemStillRecordsOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	h.store.lockBacked = true

	// The host signal lands while the item is executing; the item still
	// completes successfully.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor.onStart = cancel

	s := h.supervisor(t, Config{})
	summary, err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.StopCanceled, summary.Reason)

	// The completed item's record is persisted and durably committed even
	// though the run context is dead.
	require.Equal(t, 1, summary.Completed)
	require.Len(t, h.store.upserts, 1)
	require.Equal(t, pipeline.ItemStatusDone, h.store.upserts[0].Status)
	require.Equal(t, 1, summary.Committed)
	require.Equal(t, h.reserver.reserved, h.reserver.released)
}

func TestSignalDuringDedupCheckStopsCleanly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The signal lands between discovery and the dedup check, so the
	// lock-backed store sees a dead context.
	h.discovery.onNext = cancel
	h.store.checkErr = fmt.Errorf("locking record store: %w", context.Canceled)

	s := h.supervisor(t, Config{})
	summary, err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.StopCanceled, summary.Reason)
}

func TestCanceledContextStopsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := h.supervisor(t, Config{})

	summary, err := s.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.StopCanceled, summary.Reason)
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	s := h.supervisor(t, Config{})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	stages := h.emitter.stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Contains(t, stages, progress.StageItemStart)
	require.Contains(t, stages, progress.StageItemDone)
	require.Contains(t, stages, progress.StageCommit)
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.discovery.push("https://cdn.example.com/vod/1")
	s := h.supervisor(t, Config{RunID: "run-42"})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	status := s.Status()
	require.Equal(t, "run-42", status.RunID)
	require.Equal(t, 1, status.Completed)
	require.Zero(t, status.PendingCommit)
	require.False(t, status.Running)
}

func TestNewRejectsMissingDeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := New(Config{SpoolDir: t.TempDir(), Deadline: time.Now().Add(time.Hour)}, Deps{
		Executor:  h.executor,
		Store:     h.store,
		Reserver:  h.reserver,
		Browsers:  h.pool,
		Committer: h.committer,
		Backoff:   h.backoff,
		Clock:     h.clock,
	}, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "discovery")
}
