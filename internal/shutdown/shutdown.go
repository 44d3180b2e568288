// Package shutdown runs registered cleanup hooks on any termination path:
// normal exit, fatal error, or a host signal. Each hook is independently
// best-effort and time-bounded; one failing hook never blocks the rest.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hook is one named cleanup step.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Registry collects hooks and runs them once, in registration order.
type Registry struct {
	mu      sync.Mutex
	hooks   []Hook
	ran     bool
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry builds a Registry. perHookTimeout bounds each hook; zero means
// 10 seconds.
func NewRegistry(perHookTimeout time.Duration, logger *zap.Logger) *Registry {
	if perHookTimeout <= 0 {
		perHookTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{timeout: perHookTimeout, logger: logger}
}

// Add registers a hook. Hooks added after Run has fired are ignored.
func (r *Registry) Add(name string, run func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return
	}
	r.hooks = append(r.hooks, Hook{Name: name, Run: run})
}

// Run executes every hook once. Repeat calls are no-ops, so it is safe to
// invoke from both a signal handler path and a deferred normal-exit path.
func (r *Registry) Run() {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return
	}
	r.ran = true
	hooks := r.hooks
	r.mu.Unlock()

	for _, hook := range hooks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		start := time.Now()
		if err := hook.Run(ctx); err != nil {
			r.logger.Warn("shutdown hook failed",
				zap.String("hook", hook.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		} else {
			r.logger.Debug("shutdown hook finished",
				zap.String("hook", hook.Name),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		cancel()
	}
}
