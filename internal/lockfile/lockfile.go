package lockfile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// ErrTimeout indicates every lock attempt exhausted its bounded wait. A
// caller seeing this must fail loudly rather than proceed without the lock.
var ErrTimeout = errors.New("lock acquisition timed out")

// Config controls lock acquisition behavior.
type Config struct {
	// AttemptTimeout bounds the wait of a single acquisition attempt.
	AttemptTimeout time.Duration
	// MaxAttempts is the total number of acquisition attempts.
	MaxAttempts int
	// BackoffBase seeds the inter-attempt delay: base * 2^attempt.
	BackoffBase time.Duration
	// PollInterval is how often a pending attempt re-tests the lock.
	PollInterval time.Duration
}

const (
	defaultAttemptTimeout = 2 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 500 * time.Millisecond
	defaultPollInterval   = 25 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Locker acquires shared or exclusive advisory locks on one path.
type Locker struct {
	path   string
	cfg    Config
	logger *zap.Logger
}

// New builds a Locker for the lock file at path.
func New(path string, cfg Config, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{
		path:   path,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Guard is a held lock. Release must be called on every exit path.
type Guard struct {
	fl *flock.Flock
}

// Release drops the lock. It is safe to call on a nil guard.
func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	if err := g.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", g.fl.Path(), err)
	}
	return nil
}

// Exclusive acquires the write lock.
func (l *Locker) Exclusive(ctx context.Context) (*Guard, error) {
	return l.acquire(ctx, "exclusive", func(fl *flock.Flock, attemptCtx context.Context) (bool, error) {
		return fl.TryLockContext(attemptCtx, l.cfg.PollInterval)
	})
}

// Shared acquires the read lock.
func (l *Locker) Shared(ctx context.Context) (*Guard, error) {
	return l.acquire(ctx, "shared", func(fl *flock.Flock, attemptCtx context.Context) (bool, error) {
		return fl.TryRLockContext(attemptCtx, l.cfg.PollInterval)
	})
}

func (l *Locker) acquire(
	ctx context.Context,
	mode string,
	try func(*flock.Flock, context.Context) (bool, error),
) (*Guard, error) {
	fl := flock.New(l.path)
	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, l.path, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		locked, err := try(fl, attemptCtx)
		cancel()
		if locked {
			return &Guard{fl: fl}, nil
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, l.path, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, l.path, err)
		}

		if attempt == l.cfg.MaxAttempts-1 {
			break
		}
		delay := l.backoffDelay(attempt)
		l.logger.Debug("lock attempt timed out; backing off",
			zap.String("path", l.path),
			zap.String("mode", mode),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("acquire %s lock on %s: %w", mode, l.path, err)
		}
	}
	return nil, fmt.Errorf("acquire %s lock on %s after %d attempts: %w",
		mode, l.path, l.cfg.MaxAttempts, ErrTimeout)
}

func (l *Locker) backoffDelay(attempt int) time.Duration {
	delay := l.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
