// Package fetcher renders URLs with a headless browser. One browser
// runs per worker process; a bounded pool of tabs serves concurrent
// jobs, and tabs are recycled after a fixed number of navigations to
// bound memory growth.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"giftflow/internal/fault"
)

type Pool struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	slots   chan *pageSlot
	maxUses int
	timeout time.Duration
}

type pageSlot struct {
	ctx    context.Context
	cancel context.CancelFunc
	uses   int
}

// NewPool launches the browser. A launch failure is returned to the
// caller and must be treated as fatal to the worker process, never
// attributed to a job.
func NewPool(ctx context.Context, maxPages, maxUses int, timeout time.Duration) (*Pool, error) {
	if maxPages <= 0 {
		maxPages = 4
	}
	if maxUses <= 0 {
		maxUses = 25
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Forces the browser process to start now so launch failures
	// surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	slots := make(chan *pageSlot, maxPages)
	for i := 0; i < maxPages; i++ {
		slots <- nil // lazily created on first acquisition
	}

	return &Pool{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		slots:         slots,
		maxUses:       maxUses,
		timeout:       timeout,
	}, nil
}

// WithPage runs fn with an exclusive page. The slot is returned to the
// pool on every exit path; a slot whose fn failed is disposed rather
// than reused, since a wedged tab poisons later navigations.
func (p *Pool) WithPage(ctx context.Context, fn func(pageCtx context.Context) error) error {
	var slot *pageSlot
	select {
	case slot = <-p.slots:
	case <-ctx.Done():
		// Slot starvation is a capacity problem, not a cancel: the
		// job stays eligible for another attempt.
		return fault.Transientf("waiting for a free page: %v", ctx.Err())
	}

	if slot == nil || slot.uses >= p.maxUses {
		if slot != nil {
			slot.cancel()
		}
		pageCtx, cancel := chromedp.NewContext(p.browserCtx)
		slot = &pageSlot{ctx: pageCtx, cancel: cancel}
	}
	slot.uses++

	err := fn(slot.ctx)
	if err != nil {
		slot.cancel()
		p.slots <- nil
		return err
	}
	p.slots <- slot
	return nil
}

// navContext bounds one navigation. It must derive from the page's
// chromedp context, so the caller's ctx (stage timeout, shutdown,
// lease loss) is propagated into it instead.
func navContext(pageCtx, callerCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	navCtx, cancel := context.WithTimeout(pageCtx, timeout)
	stop := context.AfterFunc(callerCtx, cancel)
	return navCtx, func() {
		stop()
		cancel()
	}
}

// Fetch navigates to url and returns the rendered body innerHTML.
func (p *Pool) Fetch(ctx context.Context, url string) (string, error) {
	var html string
	err := p.WithPage(ctx, func(pageCtx context.Context) error {
		navCtx, cancel := navContext(pageCtx, ctx, p.timeout)
		defer cancel()

		err := chromedp.Run(navCtx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.InnerHTML("body", &html, chromedp.ByQuery),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fault.Transientf("page load timed out after %s: %s", p.timeout, url)
			}
			return fault.Transientf("navigate %s: %v", url, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return html, nil
}

// Close shuts the browser down.
func (p *Pool) Close() {
	p.browserCancel()
	p.allocCancel()
}
