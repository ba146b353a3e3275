// Package httpfetch implements the fetch port over HTTP for JSON API sources.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hirewire/cvpipeline/internal/core"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "cvpipeline/1.0"
)

// FetcherOptions configures the HTTP fetcher.
type FetcherOptions struct {
	// Timeout caps one round trip when the request carries no timeout of its
	// own. Defaults to 30s.
	Timeout time.Duration

	// UserAgent is sent on every request. Defaults to the pipeline identity.
	UserAgent string

	Logger *slog.Logger
}

// Fetcher retrieves source pages over HTTP. Requests route through the proxy
// named on the request, with one pooled client per proxy so connections are
// reused across pages of the same source.
//
// The fetcher performs no retries; retry policy belongs to the pipeline,
// which knows a source's budgets and backoff rules.
type Fetcher struct {
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*resty.Client // keyed by proxy URL, "" for direct
}

var _ core.Fetcher = (*Fetcher)(nil)

// NewFetcher constructs an HTTP fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "httpfetch")
	}

	return &Fetcher{
		timeout:   timeout,
		userAgent: ua,
		logger:    logger,
		clients:   make(map[string]*resty.Client),
	}
}

// Fetch performs one GET against the request URL. Transport failures return
// an error; any HTTP status, 2xx or not, comes back in the result so callers
// can distinguish throttling from outages.
func (f *Fetcher) Fetch(ctx context.Context, req core.FetchRequest) (*core.FetchResult, error) {
	if req.URL == "" {
		return nil, errors.New("fetch request url is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := f.client(req.ProxyURL).R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}

	resp, err := r.Get(req.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}

	if f.logger != nil {
		f.logger.DebugContext(ctx, "fetched page",
			"url", req.URL,
			"status", resp.StatusCode(),
			"bytes", len(resp.Body()),
			"elapsed_ms", resp.Time().Milliseconds(),
		)
	}

	return &core.FetchResult{
		Payload:    resp.Body(),
		StatusCode: resp.StatusCode(),
		Timing:     resp.Time(),
	}, nil
}

// client returns the pooled client for the given proxy, creating it on first
// use. The empty key is the direct, proxyless client.
func (f *Fetcher) client(proxyURL string) *resty.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[proxyURL]; ok {
		return c
	}

	c := resty.New().
		SetHeader("User-Agent", f.userAgent).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if proxyURL != "" {
		c.SetProxy(proxyURL)
	}
	f.clients[proxyURL] = c
	return c
}
