package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer turns a page URL into its rendered HTML. The storefront is a
// JavaScript application, so plain HTTP GETs return an empty shell; rendering
// is delegated to an external browser driver behind this interface. A
// renderer must not mutate any persisted state.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
	Close()
}

// ChromePool is a Renderer backed by a fixed pool of headless Chrome
// sessions. Pool size should match the entity worker count: each worker
// holds one session for the duration of a page load.
type ChromePool struct {
	sessions    chan context.Context
	cancels     []context.CancelFunc
	allocCancel context.CancelFunc
}

// ChromeConfig controls the browser pool.
type ChromeConfig struct {
	Sessions  int
	UserAgent string
	Headless  bool
}

// NewChromePool starts size browser sessions. Sessions are created eagerly
// so a misconfigured Chrome install fails at setup, not mid-run.
func NewChromePool(cfg ChromeConfig) (*ChromePool, error) {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	p := &ChromePool{
		sessions:    make(chan context.Context, cfg.Sessions),
		allocCancel: allocCancel,
	}

	for i := 0; i < cfg.Sessions; i++ {
		sctx, cancel := chromedp.NewContext(allocCtx)
		// Run with no actions starts the browser process.
		if err := chromedp.Run(sctx); err != nil {
			cancel()
			p.Close()
			return nil, fmt.Errorf("starting browser session %d: %w", i, err)
		}
		p.cancels = append(p.cancels, cancel)
		p.sessions <- sctx
	}

	return p, nil
}

// Render loads the page in a pooled session and returns the document HTML
// once the body is ready. The caller bounds the wait via ctx.
func (p *ChromePool) Render(ctx context.Context, url string) (string, error) {
	var session context.Context
	select {
	case session = <-p.sessions:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { p.sessions <- session }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	tctx, cancel := context.WithDeadline(session, deadline)
	defer cancel()

	var html string
	err := chromedp.Run(tctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}

// Close tears down all sessions and the allocator.
func (p *ChromePool) Close() {
	for _, cancel := range p.cancels {
		cancel()
	}
	p.allocCancel()
}
