package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/mirrorops/vodsync/internal/pipeline"
)

// chromedpLauncher starts headless Chrome through a fresh exec allocator per
// launch, so every handle owns its own OS process.
type chromedpLauncher struct {
	userAgent       string
	snapshotTimeout time.Duration
}

func (l *chromedpLauncher) Launch(ctx context.Context) (liveBrowser, error) {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(l.userAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	if err := ctx.Err(); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, err
	}

	var proc *os.Process
	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		proc = c.Browser.Process()
	}
	return &chromedpBrowser{
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		proc:            proc,
		userAgent:       l.userAgent,
		snapshotTimeout: l.snapshotTimeout,
	}, nil
}

type chromedpBrowser struct {
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	proc            *os.Process
	userAgent       string
	snapshotTimeout time.Duration
}

// Snapshot renders rawURL in a fresh tab and returns the settled DOM.
func (b *chromedpBrowser) Snapshot(ctx context.Context, rawURL string) (pipeline.PageSnapshot, error) {
	start := time.Now()

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.snapshotTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	meta.listen(tabCtx)

	var (
		html  string
		title string
	)
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(b.userAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return pipeline.PageSnapshot{}, fmt.Errorf("chromedp run: %w", err)
	}

	return pipeline.PageSnapshot{
		URL:        rawURL,
		FinalURL:   meta.finalURL(rawURL),
		Title:      title,
		StatusCode: meta.status(),
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

// Shutdown cancels the browser and allocator contexts, which asks Chrome to
// exit; exit verification belongs to the manager.
func (b *chromedpBrowser) Shutdown() {
	b.browserCancel()
	b.allocatorCancel()
}

// Alive probes the OS process with signal 0.
func (b *chromedpBrowser) Alive() bool {
	if b.proc == nil {
		return false
	}
	return b.proc.Signal(syscall.Signal(0)) == nil
}

// Kill force-terminates the OS process.
func (b *chromedpBrowser) Kill() error {
	if b.proc == nil {
		return nil
	}
	return b.proc.Kill()
}

func (b *chromedpBrowser) PID() int {
	if b.proc == nil {
		return 0
	}
	return b.proc.Pid
}

// responseMeta captures the main-document response once per tab.
type responseMeta struct {
	mu         sync.Mutex
	once       sync.Once
	statusCode int
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		m.once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.statusCode = int(resp.Response.Status)
			m.url = resp.Response.URL
		})
	})
}

func (m *responseMeta) finalURL(raw string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url == "" {
		return raw
	}
	return m.url
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

// forwardCancel propagates cancellation from parent into cancel until the
// returned stop function runs.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
