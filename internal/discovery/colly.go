package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// CollyConfig tunes the listing-page scraper.
type CollyConfig struct {
	// ListingURL is the first listing page. Subsequent pages are requested
	// with a "page" query parameter.
	ListingURL string

	// LinkSelector is the CSS selector matching candidate item links.
	LinkSelector string

	// MaxPages bounds pagination; the source drains once it is reached or a
	// page yields nothing new.
	MaxPages int

	// RequestsPerSecond throttles listing fetches.
	RequestsPerSecond float64

	UserAgent string
	Timeout   time.Duration
}

func (c CollyConfig) withDefaults() CollyConfig {
	if c.LinkSelector == "" {
		c.LinkSelector = "a[href]"
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "vodsync/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// CollySource scrapes listing pages lazily: each refill fetches one page and
// queues the item links it finds. Duplicate links (by normalized URL) are
// dropped at discovery time so the supervisor sees each candidate once per
// run.
type CollySource struct {
	cfg     CollyConfig
	base    *colly.Collector
	limiter *rate.Limiter
	ids     pipeline.IDGenerator
	logger  *zap.Logger

	mu    sync.Mutex
	queue []pipeline.WorkItem
	seen  map[string]struct{}
	page  int
	done  bool
}

// NewCollySource builds a CollySource.
func NewCollySource(cfg CollyConfig, ids pipeline.IDGenerator, logger *zap.Logger) (*CollySource, error) {
	cfg = cfg.withDefaults()
	if cfg.ListingURL == "" {
		return nil, errors.New("discovery: listing url is required")
	}
	if _, err := url.Parse(cfg.ListingURL); err != nil {
		return nil, fmt.Errorf("discovery: bad listing url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := colly.NewCollector(colly.Async(false))
	base.UserAgent = cfg.UserAgent
	base.SetRequestTimeout(cfg.Timeout)

	return &CollySource{
		cfg:     cfg,
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		ids:     ids,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}, nil
}

// Next pops the next queued candidate, refilling from the listing pages as
// needed. It returns pipeline.ErrSourceExhausted once pagination is spent;
// any other error is a recoverable discovery failure for the backoff
// controller.
func (s *CollySource) Next(ctx context.Context) (pipeline.WorkItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.WorkItem{}, err
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return item, nil
		}
		if s.done {
			s.mu.Unlock()
			return pipeline.WorkItem{}, pipeline.ErrSourceExhausted
		}
		s.mu.Unlock()

		if err := s.fetchNextPage(ctx); err != nil {
			return pipeline.WorkItem{}, err
		}
	}
}

// fetchNextPage scrapes one listing page and queues its new links. An empty
// page (or the page cap) drains the source.
func (s *CollySource) fetchNextPage(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discovery rate limit wait: %w", err)
	}

	s.mu.Lock()
	s.page++
	page := s.page
	if page > s.cfg.MaxPages {
		s.done = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	pageURL, err := s.pageURL(page)
	if err != nil {
		return err
	}

	var (
		found    []pipeline.WorkItem
		fetchErr error
	)
	collector := s.base.Clone()
	collector.OnHTML(s.cfg.LinkSelector, func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" {
			return
		}
		key, err := pipeline.NormalizeURL(href)
		if err != nil {
			return
		}
		s.mu.Lock()
		if _, dup := s.seen[key]; dup {
			s.mu.Unlock()
			return
		}
		s.seen[key] = struct{}{}
		s.mu.Unlock()

		item := pipeline.WorkItem{
			SourceURL: href,
			Key:       key,
			Status:    pipeline.ItemStatusPending,
			Title:     trimTitle(e.Text),
			Meta:      map[string]string{"listing_page": strconv.Itoa(page)},
		}
		if s.ids != nil {
			if id, err := s.ids.NewID(); err == nil {
				item.ID = id
			}
		}
		found = append(found, item)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := collector.Visit(pageURL); err != nil {
		return fmt.Errorf("visit listing page %d: %w", page, err)
	}
	collector.Wait()
	if fetchErr != nil {
		return fmt.Errorf("fetch listing page %d: %w", page, fetchErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(found) == 0 {
		s.logger.Info("listing page empty, source drained", zap.Int("page", page))
		s.done = true
		return nil
	}
	s.queue = append(s.queue, found...)
	s.logger.Debug("listing page scraped",
		zap.Int("page", page),
		zap.Int("candidates", len(found)),
	)
	return nil
}

func (s *CollySource) pageURL(page int) (string, error) {
	if page == 1 {
		return s.cfg.ListingURL, nil
	}
	u, err := url.Parse(s.cfg.ListingURL)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// trimTitle collapses anchor-text whitespace and caps the length in runes,
// so a multi-byte character is never split mid-sequence.
func trimTitle(text string) string {
	const max = 200
	out := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(out) > max {
		out = string([]rune(out)[:max])
	}
	return out
}
