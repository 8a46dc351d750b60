// Package ratelimit implements a per-host token bucket used to pace page fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/roster-crawler/internal/metrics"
	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// minBackoffRPS is the floor the limiter backs off to after throttling.
const minBackoffRPS = 0.1

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS of zero or less means unlimited.
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for rawURL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	limiter := l.limiter(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// ReportResult halves the host's rate when the server signals throttling.
// Unlimited hosts are left alone.
func (l *Limiter) ReportResult(rawURL string, statusCode int) {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return
	}
	limiter := l.limiter(metrics.SanitizeSite(rawURL))
	current := limiter.Limit()
	if current == rate.Inf {
		return
	}
	next := current / 2
	if next < minBackoffRPS {
		next = minBackoffRPS
	}
	limiter.SetLimit(next)
}

// Limit returns the current rate for rawURL's host.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.limiter(metrics.SanitizeSite(rawURL)).Limit()
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Wrap paces every fetch through next by l.
func Wrap(next roster.PageFetcher, l *Limiter) roster.PageFetcher {
	if l == nil {
		return next
	}
	return &fetcher{next: next, limiter: l}
}

type fetcher struct {
	next    roster.PageFetcher
	limiter *Limiter
}

func (f *fetcher) Fetch(ctx context.Context, req roster.FetchRequest) (roster.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return roster.FetchResponse{}, err
	}
	resp, err := f.next.Fetch(ctx, req)
	if err == nil {
		f.limiter.ReportResult(req.URL, resp.StatusCode)
	}
	return resp, err
}

