// Package headless contains page fetchers that render through a browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultReadySelector     = "body"
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ProxyURL          string
	// ReadySelector must match before the DOM is captured. Roster pages that
	// un-comment their table client-side can wait on the table itself.
	ReadySelector string
	// SettleDelay gives late scripts time to run once ReadySelector matches.
	SettleDelay time.Duration
}

// Fetcher implements roster.PageFetcher using chromedp and headless Chrome.
// Each fetch opens its own tab in a shared browser.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. ProxyURL, when
// set, is passed to the browser as its proxy server.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = defaultReadySelector
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
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
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the DOM. The main document's HTTP
// status is passed through unchanged; only navigation failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, request roster.FetchRequest) (roster.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return roster.FetchResponse{}, &roster.TransportError{URL: request.URL, Err: err}
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout(request.Timeout))
	defer cancel()

	doc := &documentStatus{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	if err != nil {
		return roster.FetchResponse{}, &roster.TransportError{URL: request.URL, Err: err}
	}
	return doc.response(request.URL, page, time.Since(start)), nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request roster.FetchRequest) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.ReadySelector, chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		userAgent := f.cfg.UserAgent
		extra := make(network.Headers, len(headers))
		for key, value := range headers {
			// Chrome ignores User-Agent in extra headers; it has to be an override.
			if http.CanonicalHeaderKey(key) == "User-Agent" {
				userAgent = value
				continue
			}
			extra[key] = value
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
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

func (f *Fetcher) release() {
	if f.slots == nil {
		return
	}
	select {
	case <-f.slots:
	default:
	}
}

func (f *Fetcher) navTimeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// documentStatus records the status of the last main-document response, so a
// redirect chain reports where it ended.
type documentStatus struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentStatus) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.mu.Unlock()
}

// response builds the FetchResponse. Pages served from cache or about: URLs
// emit no document event and are treated as 200.
func (d *documentStatus) response(requestURL string, page renderedPage, elapsed time.Duration) roster.FetchResponse {
	d.mu.Lock()
	status, url := d.status, d.url
	d.mu.Unlock()

	if url == "" {
		url = page.location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return roster.FetchResponse{
		URL:        url,
		StatusCode: status,
		Body:       []byte(page.html),
		Duration:   elapsed,
	}
}
