package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// Static yields a fixed URL list, one item per call, then reports
// exhaustion. It backs the config-driven "sync exactly these" mode and most
// tests.
type Static struct {
	mu   sync.Mutex
	urls []string
	next int
	ids  pipeline.IDGenerator
}

// NewStatic builds a Static source over urls.
func NewStatic(urls []string, ids pipeline.IDGenerator) *Static {
	copied := make([]string, len(urls))
	copy(copied, urls)
	return &Static{urls: copied, ids: ids}
}

// Next returns the next configured URL as a pending work item.
func (s *Static) Next(ctx context.Context) (pipeline.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.WorkItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.urls) {
		return pipeline.WorkItem{}, pipeline.ErrSourceExhausted
	}
	url := s.urls[s.next]
	s.next++

	item := pipeline.WorkItem{SourceURL: url, Status: pipeline.ItemStatusPending}
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			return pipeline.WorkItem{}, fmt.Errorf("generating item id: %w", err)
		}
		item.ID = id
	}
	return item, nil
}
