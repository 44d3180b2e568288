// Package memory records completion events in memory for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []pipeline.CompletionEvent
	closed bool
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, event pipeline.CompletionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []pipeline.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]pipeline.CompletionEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Close marks the publisher closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Publisher) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
