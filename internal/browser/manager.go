package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// launcher starts a browser process and hands back its live handle.
type launcher interface {
	Launch(ctx context.Context) (liveBrowser, error)
}

// liveBrowser is one running browser process. Shutdown requests a graceful
// exit; Alive probes the OS process; Kill is the forceful fallback.
type liveBrowser interface {
	pipeline.BrowserSession
	Shutdown()
	Alive() bool
	Kill() error
	PID() int
}

// Config tunes the lifecycle manager.
type Config struct {
	// UserAgent is sent with every page load.
	UserAgent string

	// SnapshotTimeout bounds one page render.
	SnapshotTimeout time.Duration

	// MaxUses retires the browser after this many successful items.
	MaxUses int

	// PollInterval and PollAttempts bound the exit-verification loop during
	// teardown.
	PollInterval time.Duration
	PollAttempts int
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "vodsync/1.0"
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 45 * time.Second
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 20
	}
	return c
}

// Stats is a point-in-time view of the manager for the ops endpoint.
type Stats struct {
	Launches    int  `json:"launches"`
	Retirements int  `json:"retirements"`
	Uses        int  `json:"uses"`
	Live        bool `json:"live"`
}

// Manager owns at most one live browser at a time. Acquire is idempotent
// while the current handle is live and unexpired; NoteSuccess advances the
// retirement counter; Retire tears the handle down and verifies exit.
type Manager struct {
	mu          sync.Mutex
	launcher    launcher
	cfg         Config
	logger      *zap.Logger
	current     liveBrowser
	uses        int
	launches    int
	retirements int
}

// NewManager builds a Manager that launches headless Chrome via chromedp.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		launcher: &chromedpLauncher{userAgent: cfg.UserAgent, snapshotTimeout: cfg.SnapshotTimeout},
		cfg:      cfg,
		logger:   logger,
	}
}

// NewManagerWithLauncher constructs a Manager around an existing launcher
// (primarily for testing).
func NewManagerWithLauncher(l launcher, cfg Config, logger *zap.Logger) *Manager {
	m := NewManager(cfg, logger)
	m.launcher = l
	return m
}

// Acquire returns the current handle, launching a fresh browser when none is
// live, the previous one expired, or its process died underneath us.
func (m *Manager) Acquire(ctx context.Context) (pipeline.BrowserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		switch {
		case !m.current.Alive():
			m.logger.Warn("browser process died, relaunching", zap.Int("pid", m.current.PID()))
			m.retireLocked(ctx)
		case m.uses >= m.cfg.MaxUses:
			m.logger.Info("browser reached max uses, recycling",
				zap.Int("uses", m.uses),
				zap.Int("max_uses", m.cfg.MaxUses),
			)
			m.retireLocked(ctx)
		default:
			return m.current, nil
		}
	}

	b, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	m.current = b
	m.uses = 0
	m.launches++
	m.logger.Info("browser launched", zap.Int("pid", b.PID()))
	return b, nil
}

// NoteSuccess records one successful use of the current handle.
func (m *Manager) NoteSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.uses++
}

// Retire tears down the current handle, if any. Safe to call after a fault
// or when no handle exists.
func (m *Manager) Retire(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retireLocked(ctx)
}

// retireLocked shuts the browser down and polls for process exit, escalating
// to a forced kill. Failure to confirm death is logged, not raised; cleanup
// here is best-effort.
func (m *Manager) retireLocked(ctx context.Context) {
	if m.current == nil {
		return
	}
	b := m.current
	m.current = nil
	m.uses = 0
	m.retirements++

	b.Shutdown()
	if m.awaitExit(ctx, b) {
		m.logger.Info("browser exited cleanly", zap.Int("pid", b.PID()))
		return
	}

	m.logger.Warn("browser ignored graceful shutdown, killing", zap.Int("pid", b.PID()))
	if err := b.Kill(); err != nil {
		m.logger.Warn("killing browser failed", zap.Int("pid", b.PID()), zap.Error(err))
	}
	if !m.awaitExit(ctx, b) {
		m.logger.Warn("browser process could not be confirmed dead", zap.Int("pid", b.PID()))
	}
}

func (m *Manager) awaitExit(ctx context.Context, b liveBrowser) bool {
	for i := 0; i < m.cfg.PollAttempts; i++ {
		if !b.Alive() {
			return true
		}
		select {
		case <-ctx.Done():
			return !b.Alive()
		case <-time.After(m.cfg.PollInterval):
		}
	}
	return !b.Alive()
}

// Stats reports lifecycle counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Launches:    m.launches,
		Retirements: m.retirements,
		Uses:        m.uses,
		Live:        m.current != nil,
	}
}
