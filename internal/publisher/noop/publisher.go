// Package noop discards completion events for deployments without a broker.
package noop

import (
	"context"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// Publisher drops every event.
type Publisher struct{}

// New returns a noop Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish discards the event.
func (*Publisher) Publish(context.Context, pipeline.CompletionEvent) error {
	return nil
}

// Close is a no-op.
func (*Publisher) Close() error {
	return nil
}
