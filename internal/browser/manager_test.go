package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

type fakeBrowser struct {
	mu            sync.Mutex
	alive         bool
	dieOnShutdown bool
	dieOnKill     bool
	shutdowns     int
	kills         int
	pid           int
}

func (b *fakeBrowser) Snapshot(_ context.Context, rawURL string) (pipeline.PageSnapshot, error) {
	return pipeline.PageSnapshot{URL: rawURL, Body: []byte("<html></html>")}, nil
}

func (b *fakeBrowser) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	if b.dieOnShutdown {
		b.alive = false
	}
}

func (b *fakeBrowser) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

func (b *fakeBrowser) Kill() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kills++
	if b.dieOnKill {
		b.alive = false
	}
	return nil
}

func (b *fakeBrowser) PID() int { return b.pid }

func (b *fakeBrowser) counts() (shutdowns, kills int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdowns, b.kills
}

func (b *fakeBrowser) die() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive = false
}

type fakeLauncher struct {
	mu       sync.Mutex
	make     func(n int) *fakeBrowser
	launched []*fakeBrowser
	err      error
}

func (l *fakeLauncher) Launch(context.Context) (liveBrowser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{alive: true, dieOnShutdown: true, pid: 1000 + len(l.launched)}
	if l.make != nil {
		b = l.make(len(l.launched))
	}
	l.launched = append(l.launched, b)
	return b, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func testConfig() Config {
	return Config{
		MaxUses:      3,
		PollInterval: time.Millisecond,
		PollAttempts: 3,
	}
}

func newTestManager(l *fakeLauncher) *Manager {
	return NewManagerWithLauncher(l, testConfig(), zap.NewNop())
}

func TestAcquire_IdempotentWhileLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{}
	m := newTestManager(l)

	first, err := m.Acquire(ctx)
	require.NoError(t, err)
	second, err := m.Acquire(ctx)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, l.launches())
}

func TestAcquire_RecyclesAfterMaxUses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{}
	m := newTestManager(l)

	first, err := m.Acquire(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m.NoteSuccess()
	}

	second, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 2, l.launches())

	shutdowns, kills := l.launched[0].counts()
	require.Equal(t, 1, shutdowns)
	require.Zero(t, kills)
}

func TestAcquire_RelaunchesDeadBrowser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{}
	m := newTestManager(l)

	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	l.launched[0].die()

	_, err = m.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, l.launches())
}

func TestRetire_GracefulExit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{}
	m := newTestManager(l)

	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	m.Retire(ctx)

	shutdowns, kills := l.launched[0].counts()
	require.Equal(t, 1, shutdowns)
	require.Zero(t, kills)
	require.False(t, m.Stats().Live)
}

func TestRetire_EscalatesToKill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{
		make: func(n int) *fakeBrowser {
			return &fakeBrowser{alive: true, dieOnKill: true, pid: 2000 + n}
		},
	}
	m := newTestManager(l)

	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	m.Retire(ctx)

	shutdowns, kills := l.launched[0].counts()
	require.Equal(t, 1, shutdowns)
	require.Equal(t, 1, kills)
	require.False(t, l.launched[0].Alive())
}

func TestRetire_UnkillableProcessIsLoggedNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{
		make: func(n int) *fakeBrowser {
			return &fakeBrowser{alive: true, pid: 3000 + n}
		},
	}
	m := newTestManager(l)

	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	m.Retire(ctx)

	// The manager moves on even though the process never confirmed exit.
	require.False(t, m.Stats().Live)
	_, err = m.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, l.launches())
}

func TestRetire_WithoutHandleIsNoop(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	m := newTestManager(l)

	m.Retire(context.Background())
	require.Zero(t, l.launches())
}

func TestNoteSuccess_WithoutHandleIsNoop(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeLauncher{})
	m.NoteSuccess()
	require.Zero(t, m.Stats().Uses)
}

func TestAcquire_LaunchErrorPropagates(t *testing.T) {
	t.Parallel()
	launchErr := errors.New("no chrome binary")
	m := newTestManager(&fakeLauncher{err: launchErr})

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, launchErr)
}

func TestStats_TracksLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := &fakeLauncher{}
	m := newTestManager(l)

	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	m.NoteSuccess()
	m.NoteSuccess()

	stats := m.Stats()
	require.Equal(t, 1, stats.Launches)
	require.Equal(t, 2, stats.Uses)
	require.True(t, stats.Live)

	m.Retire(ctx)
	stats = m.Stats()
	require.Equal(t, 1, stats.Retirements)
	require.Zero(t, stats.Uses)
	require.False(t, stats.Live)
}
