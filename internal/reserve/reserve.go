package reserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mirrorops/vodsync/internal/diskstat"
	"github.com/mirrorops/vodsync/internal/lockfile"
)

const ledgerSchemaVersion = 1

// DefaultStaleAfter is the age past which a reservation is assumed to belong
// to a crashed run and becomes eligible for sweep reclamation.
const DefaultStaleAfter = 2 * time.Hour

// Reservation is one provisional claim on spool capacity. The owner PID is
// recorded for diagnostics only; reclamation is age-based.
type Reservation struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	OwnerPID  int       `json:"owner_pid"`
}

type ledger struct {
	SchemaVersion int           `json:"schema_version"`
	Reservations  []Reservation `json:"reservations"`
}

// Config carries the tunables for a Manager.
type Config struct {
	// LedgerPath is the JSON file holding active reservations. The advisory
	// lock lives beside it so the lock survives ledger replacement.
	LedgerPath string

	// SpoolDir is the directory downloads land in; free space is probed there.
	SpoolDir string

	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration

	// Lock tunes the advisory-lock retry discipline.
	Lock lockfile.Config

	// Prober reports free bytes. Required.
	Prober diskstat.Prober

	// Now and PID default to time.Now and os.Getpid.
	Now func() time.Time
	PID int
}

// Manager implements atomic reserve/release accounting over a file-backed
// ledger. Reserve returning false means "no capacity right now" and is a
// normal outcome, not an error.
type Manager struct {
	ledgerPath string
	spoolDir   string
	staleAfter time.Duration
	locker     *lockfile.Locker
	prober     diskstat.Prober
	now        func() time.Time
	pid        int
	logger     *zap.Logger
}

// New builds a Manager and creates the ledger and spool directories.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.LedgerPath == "" {
		return nil, errors.New("reserve: ledger path is required")
	}
	if cfg.SpoolDir == "" {
		return nil, errors.New("reserve: spool dir is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("reserve: prober is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	return &Manager{
		ledgerPath: cfg.LedgerPath,
		spoolDir:   cfg.SpoolDir,
		staleAfter: cfg.StaleAfter,
		locker:     lockfile.New(cfg.LedgerPath+".lock", cfg.Lock, logger),
		prober:     cfg.Prober,
		now:        cfg.Now,
		pid:        cfg.PID,
		logger:     logger,
	}, nil
}

// Reserve claims size bytes for key. Under the exclusive ledger lock it
// computes available = free − sum(active), and only a fit both appends and
// persists; a decline leaves the ledger untouched. Reserving a key that
// already holds a reservation renews it, releasing the previous claim first.
func (m *Manager) Reserve(ctx context.Context, key string, size int64) (bool, error) {
	if key == "" {
		return false, errors.New("reserve: empty key")
	}
	if size < 0 {
		return false, fmt.Errorf("reserve: negative size %d", size)
	}
	guard, err := m.locker.Exclusive(ctx)
	if err != nil {
		return false, fmt.Errorf("locking reservation ledger: %w", err)
	}
	defer guard.Release()

	led, err := m.load()
	if err != nil {
		return false, err
	}
	free, err := m.prober.FreeBytes(m.spoolDir)
	if err != nil {
		return false, fmt.Errorf("probing free space: %w", err)
	}

	var held int64
	renewAt := -1
	for i, r := range led.Reservations {
		if r.Key == key {
			renewAt = i
			continue
		}
		held += r.Size
	}
	available := free - held
	if size > available {
		m.logger.Info("reservation declined",
			zap.String("key", key),
			zap.Int64("requested", size),
			zap.Int64("available", available),
		)
		return false, nil
	}

	next := Reservation{Key: key, Size: size, CreatedAt: m.now().UTC(), OwnerPID: m.pid}
	if renewAt >= 0 {
		led.Reservations[renewAt] = next
	} else {
		led.Reservations = append(led.Reservations, next)
	}
	if err := m.persist(led); err != nil {
		return false, err
	}
	m.logger.Debug("reservation granted",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.Int64("remaining", available-size),
	)
	return true, nil
}

// Release drops the reservation for key. Releasing a key that holds no
// reservation is a no-op, so completion and failure paths can both call it
// unconditionally.
func (m *Manager) Release(ctx context.Context, key string) error {
	guard, err := m.locker.Exclusive(ctx)
	if err != nil {
		return fmt.Errorf("locking reservation ledger: %w", err)
	}
	defer guard.Release()

	led, err := m.load()
	if err != nil {
		return err
	}
	kept := make([]Reservation, 0, len(led.Reservations))
	found := false
	for _, r := range led.Reservations {
		if r.Key == key {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return nil
	}
	led.Reservations = kept
	if err := m.persist(led); err != nil {
		return err
	}
	m.logger.Debug("reservation released", zap.String("key", key))
	return nil
}

// Available reports free − sum(active) under a shared lock.
func (m *Manager) Available(ctx context.Context) (int64, error) {
	guard, err := m.locker.Shared(ctx)
	if err != nil {
		return 0, fmt.Errorf("locking reservation ledger: %w", err)
	}
	defer guard.Release()

	led, err := m.load()
	if err != nil {
		return 0, err
	}
	free, err := m.prober.FreeBytes(m.spoolDir)
	if err != nil {
		return 0, fmt.Errorf("probing free space: %w", err)
	}
	var held int64
	for _, r := range led.Reservations {
		held += r.Size
	}
	return free - held, nil
}

// Active returns a copy of the current reservations under a shared lock.
func (m *Manager) Active(ctx context.Context) ([]Reservation, error) {
	guard, err := m.locker.Shared(ctx)
	if err != nil {
		return nil, fmt.Errorf("locking reservation ledger: %w", err)
	}
	defer guard.Release()

	led, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]Reservation, len(led.Reservations))
	copy(out, led.Reservations)
	return out, nil
}

// SweepStale removes reservations older than the staleness threshold and
// reports how many were reclaimed. This is best-effort leak recovery after a
// crash, not a correctness guarantee; a long-running legitimate download can
// in principle be reclaimed early.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	guard, err := m.locker.Exclusive(ctx)
	if err != nil {
		return 0, fmt.Errorf("locking reservation ledger: %w", err)
	}
	defer guard.Release()

	led, err := m.load()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.staleAfter)
	kept := make([]Reservation, 0, len(led.Reservations))
	removed := 0
	for _, r := range led.Reservations {
		if r.CreatedAt.Before(cutoff) {
			removed++
			m.logger.Warn("reclaiming stale reservation",
				zap.String("key", r.Key),
				zap.Int64("size", r.Size),
				zap.Time("created_at", r.CreatedAt),
				zap.Int("owner_pid", r.OwnerPID),
			)
			continue
		}
		kept = append(kept, r)
	}
	if removed == 0 {
		return 0, nil
	}
	led.Reservations = kept
	if err := m.persist(led); err != nil {
		return 0, err
	}
	return removed, nil
}

func (m *Manager) load() (*ledger, error) {
	data, err := os.ReadFile(m.ledgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return &ledger{SchemaVersion: ledgerSchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading reservation ledger: %w", err)
	}
	var led ledger
	if err := json.Unmarshal(data, &led); err != nil {
		return nil, fmt.Errorf("parsing reservation ledger %s: %w", m.ledgerPath, err)
	}
	return &led, nil
}

// persist writes the ledger to a sibling temp file and renames it into
// place, so readers never observe a torn write.
func (m *Manager) persist(led *ledger) error {
	led.SchemaVersion = ledgerSchemaVersion
	data, err := json.MarshalIndent(led, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding reservation ledger: %w", err)
	}
	tmp := m.ledgerPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing reservation ledger: %w", err)
	}
	if err := os.Rename(tmp, m.ledgerPath); err != nil {
		return fmt.Errorf("replacing reservation ledger: %w", err)
	}
	return nil
}
