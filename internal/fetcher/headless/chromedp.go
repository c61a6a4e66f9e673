// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// domSettleDelay gives client-side routers a beat to finish after the body
// element is ready. OuterHTML on a half-hydrated page returns the same shell
// markup the probe fetch already saw.
const domSettleDelay = 500 * time.Millisecond

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements notes.Fetcher using chromedp and headless Chrome. It is
// the promotion target when a probe fetch comes back looking like a
// JavaScript shell.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. One Chrome
// allocator is shared by every fetch; MaxParallel bounds concurrent tabs.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocator, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocator,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the shared browser allocator.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page in a fresh tab and returns the post-JavaScript DOM.
func (f *Fetcher) Fetch(ctx context.Context, request notes.FetchRequest) (notes.FetchResult, error) {
	if err := f.takeSlot(ctx); err != nil {
		return notes.FetchResult{}, err
	}
	defer f.freeSlot()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.NavigationTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	page := &pageCapture{}
	page.listen(tabCtx)

	start := time.Now()
	if err := chromedp.Run(tabCtx, page.tasks(request)); err != nil {
		return notes.FetchResult{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	result := page.result(request.URL)
	result.Duration = time.Since(start)
	return result, nil
}

func (f *Fetcher) takeSlot(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) freeSlot() {
	if f.slots == nil {
		return
	}
	select {
	case <-f.slots:
	default:
	}
}

// pageCapture collects what a single tab navigation produces: the rendered
// markup plus the main document response metadata reported over the DevTools
// protocol.
type pageCapture struct {
	html     string
	location string

	mu       sync.Mutex
	status   int
	mimeType string
	docURL   string
}

func (p *pageCapture) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, p.observe)
}

// observe records the main document response. Subresource responses carry
// image and script metadata and are ignored.
func (p *pageCapture) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	p.mu.Lock()
	p.status = int(resp.Response.Status)
	p.mimeType = resp.Response.MimeType
	p.docURL = resp.Response.URL
	p.mu.Unlock()
}

// tasks builds the navigation script for one fetch.
func (p *pageCapture) tasks(request notes.FetchRequest) chromedp.Tasks {
	return chromedp.Tasks{
		enableNetwork(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(domSettleDelay),
		chromedp.Location(&p.location),
		chromedp.OuterHTML("html", &p.html, chromedp.ByQuery),
	}
}

// result assembles the FetchResult, falling back to the post-redirect
// location and then the requested URL when no document response was seen.
func (p *pageCapture) result(requestURL string) notes.FetchResult {
	p.mu.Lock()
	status, mimeType, docURL := p.status, p.mimeType, p.docURL
	p.mu.Unlock()

	url := docURL
	if url == "" {
		url = p.location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}

	return notes.FetchResult{
		URL:          url,
		StatusCode:   status,
		ContentType:  mimeType,
		Body:         []byte(p.html),
		UsedHeadless: true,
	}
}

func enableNetwork(extra http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(extra) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(foldHeaders(extra)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// foldHeaders joins repeated values with a comma, which is how HTTP folds
// multi-valued headers onto one line.
func foldHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
