// Package screenshot captures web pages as PNG images with headless Chrome.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var (
	// ErrInvalidDimensions is returned for a viewport that is not strictly
	// positive.
	ErrInvalidDimensions = errors.New("invalid viewport dimensions")

	// ErrRenderTimeout is returned when the page does not settle within the
	// configured timeout.
	ErrRenderTimeout = errors.New("render timed out")
)

// PageError is returned when the page itself answered with an HTTP error
// status. Nothing is captured in that case.
type PageError struct {
	URL    string
	Status int
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %s answered status %d", e.URL, e.Status)
}

// Options configures the browser launch.
type Options struct {
	// ChromePath overrides the browser binary; empty searches the usual
	// locations.
	ChromePath string
	// NoSandbox passes --no-sandbox, needed when running as root in a
	// container.
	NoSandbox bool
	// Timeout bounds one capture from launch to the last byte.
	Timeout time.Duration
	// MaxBrowsers bounds how many browsers run at once.
	MaxBrowsers int
}

// Engine launches one browser per capture from a shared allocator.
type Engine struct {
	alloc   context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	sem     chan struct{}
	log     *slog.Logger
}

// New prepares the exec allocator. No browser starts until Capture is
// called.
func New(parent context.Context, opts Options, log *slog.Logger) *Engine {
	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-features", "site-per-process,Translate,BlinkGenPropertyTrees,FontsOnDemand"),
	)
	if opts.NoSandbox {
		flags = append(flags, chromedp.Flag("no-sandbox", true))
	}
	if opts.ChromePath != "" {
		flags = append(flags, chromedp.ExecPath(opts.ChromePath))
	}
	alloc, cancel := chromedp.NewExecAllocator(parent, flags...)

	maxBrowsers := opts.MaxBrowsers
	if maxBrowsers < 1 {
		maxBrowsers = 1
	}
	return &Engine{
		alloc:   alloc,
		cancel:  cancel,
		timeout: opts.Timeout,
		sem:     make(chan struct{}, maxBrowsers),
		log:     log,
	}
}

// Close stops every browser still running.
func (e *Engine) Close() {
	e.cancel()
}

// Capture opens url in a fresh browser, waits until the network has been
// idle, sizes the viewport to width x height and returns the PNG.
func (e *Engine) Capture(ctx context.Context, url string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	browserCtx, cancelBrowser := chromedp.NewContext(e.alloc)
	defer cancelBrowser()
	runCtx, cancel := context.WithTimeout(browserCtx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	idle := newIdleWatcher(runCtx)
	var loader cdp.LoaderID
	var buf []byte
	err := chromedp.Run(runCtx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, id, errText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return fmt.Errorf("navigate %s: %s", url, errText)
			}
			loader = id
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := idle.wait(ctx, loader); err != nil {
				return err
			}
			if status := idle.status(loader); status >= 400 {
				return &PageError{URL: url, Status: int(status)}
			}
			return nil
		}),
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		var pe *PageError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, classify(err, ctx, runCtx, url)
	}

	e.log.Debug("captured page", "url", url, "width", width, "height", height, "bytes", len(buf), "elapsed", time.Since(start).Round(time.Millisecond))
	return buf, nil
}

// classify maps a failed run to ErrRenderTimeout when the capture's own
// deadline fired, as opposed to the caller giving up.
func classify(err error, caller, run context.Context, url string) error {
	if caller.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrRenderTimeout, url)
	}
	return fmt.Errorf("capture %s: %w", url, err)
}

// ///////////////////////////////////////////////
// Network idle
// ///////////////////////////////////////////////

// idleWatcher records which loaders have reached the networkIdle lifecycle
// event and the HTTP status of their documents. It has to be attached
// before navigation starts.
type idleWatcher struct {
	mu     sync.Mutex
	idle   map[cdp.LoaderID]bool
	docs   map[cdp.LoaderID]int64
	notify chan struct{}
}

func newIdleWatcher(ctx context.Context) *idleWatcher {
	w := &idleWatcher{
		idle:   make(map[cdp.LoaderID]bool),
		docs:   make(map[cdp.LoaderID]int64),
		notify: make(chan struct{}, 1),
	}
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			if e.Name == "networkIdle" {
				w.mark(e.LoaderID)
			}
		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument && e.Response != nil {
				w.document(e.LoaderID, e.Response.Status)
			}
		}
	})
	return w
}

func (w *idleWatcher) document(id cdp.LoaderID, status int64) {
	w.mu.Lock()
	w.docs[id] = status
	w.mu.Unlock()
}

// status is the HTTP status of the document loaded by id, zero when unknown.
func (w *idleWatcher) status(id cdp.LoaderID) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.docs[id]
}

func (w *idleWatcher) mark(id cdp.LoaderID) {
	w.mu.Lock()
	w.idle[id] = true
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *idleWatcher) reached(id cdp.LoaderID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idle[id]
}

// wait blocks until loader id went idle.
func (w *idleWatcher) wait(ctx context.Context, id cdp.LoaderID) error {
	for {
		if w.reached(id) {
			return nil
		}
		select {
		case <-w.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
