// Package collyfetcher implements roster.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout applies when a request carries none of its own.
	Timeout time.Duration
	// ProxyURL routes every request through a forward proxy. Credentials may
	// be embedded in the URL.
	ProxyURL string
	// CABundles are PEM files appended to the system roots, for proxies that
	// re-sign TLS traffic.
	CABundles []string
}

// Fetcher implements roster.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport, err := newHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned without
// error; network failures and timeouts come back as *roster.TransportError.
func (f *Fetcher) Fetch(ctx context.Context, request roster.FetchRequest) (roster.FetchResponse, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result   roster.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(reqCtx, request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(reqCtx, collector, request.URL, &fetchErr); err != nil {
		return roster.FetchResponse{}, &roster.TransportError{URL: request.URL, Err: err}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request roster.FetchRequest,
	start time.Time,
	result *roster.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request roster.FetchRequest,
	start time.Time,
	result *roster.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = roster.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request roster.FetchRequest, r *colly.Request) {
	for key, value := range request.Headers {
		r.Headers.Set(key, value)
	}
}

func newHTTPTransport(cfg Config) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	if len(cfg.CABundles) > 0 {
		pool, err := certPool(cfg.CABundles)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return transport, nil
}

// certPool returns the system roots plus every certificate in paths.
func certPool(paths []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, path := range paths {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", path)
		}
	}
	return pool, nil
}
