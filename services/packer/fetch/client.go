// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetch retrieves remote JavaScript sources over HTTP.
//
// The client retries transient failures, rotates user agents, rate-limits
// per origin, and refuses hosts on the blacklist. It produces parsed
// ast.SourceUnit values so callers never touch raw response bodies.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Zeeeepa/Packer-InfoFinder/services/packer/ast"
)

// Sentinel errors returned by the client.
var (
	// ErrBlacklisted is returned for hosts the client refuses to contact.
	ErrBlacklisted = errors.New("host is blacklisted")

	// ErrStatus is returned when the server answers with a non-success
	// status after retries are exhausted.
	ErrStatus = errors.New("unexpected http status")

	// ErrBodyTooLarge is returned when a response body exceeds the
	// configured cap.
	ErrBodyTooLarge = errors.New("response body too large")
)

// Default client configuration values.
const (
	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 20 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2

	// DefaultRetryBackoff is the base delay between retries; attempt n
	// waits n times this.
	DefaultRetryBackoff = 500 * time.Millisecond

	// DefaultMaxBodyBytes caps response bodies at 10 MiB.
	DefaultMaxBodyBytes = 10 << 20

	// DefaultRatePerOrigin is the steady request rate allowed per origin.
	DefaultRatePerOrigin = rate.Limit(10)

	// DefaultBurstPerOrigin is the per-origin burst size.
	DefaultBurstPerOrigin = 5
)

// defaultUserAgents are rotated across requests so a run does not present a
// single synthetic fingerprint.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// ClientOptions configures the fetch client.
type ClientOptions struct {
	// Timeout is the per-request timeout.
	// Default: 20s
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Default: 2
	MaxRetries int

	// RetryBackoff is the base delay between retries.
	// Default: 500ms
	RetryBackoff time.Duration

	// MaxBodyBytes caps response bodies.
	// Default: 10 MiB
	MaxBodyBytes int64

	// RatePerOrigin is the steady per-origin request rate.
	// Default: 10/s
	RatePerOrigin rate.Limit

	// BurstPerOrigin is the per-origin burst size.
	// Default: 5
	BurstPerOrigin int

	// UserAgents are rotated round-robin. Default: a small browser set.
	UserAgents []string

	// ProxyURL routes all requests through an HTTP/SOCKS proxy when set.
	ProxyURL string

	// Cookie is sent verbatim in the Cookie header when set.
	Cookie string

	// Headers are extra headers added to every request.
	Headers map[string]string

	// BlacklistHosts are host names (exact or suffix match) the client
	// refuses to contact.
	BlacklistHosts []string

	// InsecureTLS disables certificate verification. Off by default;
	// scan targets with broken staging certs need it.
	InsecureTLS bool

	// Logger receives per-request diagnostics. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryBackoff:   DefaultRetryBackoff,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RatePerOrigin:  DefaultRatePerOrigin,
		BurstPerOrigin: DefaultBurstPerOrigin,
		UserAgents:     defaultUserAgents,
	}
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*ClientOptions)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.Timeout = d
	}
}

// WithMaxRetries sets the retry count.
func WithMaxRetries(n int) ClientOption {
	return func(o *ClientOptions) {
		o.MaxRetries = n
	}
}

// WithRetryBackoff sets the base retry delay.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.RetryBackoff = d
	}
}

// WithMaxBodyBytes caps response bodies.
func WithMaxBodyBytes(n int64) ClientOption {
	return func(o *ClientOptions) {
		o.MaxBodyBytes = n
	}
}

// WithRate sets the per-origin rate limit.
func WithRate(limit rate.Limit, burst int) ClientOption {
	return func(o *ClientOptions) {
		o.RatePerOrigin = limit
		o.BurstPerOrigin = burst
	}
}

// WithUserAgents replaces the rotated user-agent set.
func WithUserAgents(agents []string) ClientOption {
	return func(o *ClientOptions) {
		o.UserAgents = agents
	}
}

// WithProxy routes requests through the given proxy URL.
func WithProxy(proxyURL string) ClientOption {
	return func(o *ClientOptions) {
		o.ProxyURL = proxyURL
	}
}

// WithCookie sets the Cookie header sent on every request.
func WithCookie(cookie string) ClientOption {
	return func(o *ClientOptions) {
		o.Cookie = cookie
	}
}

// WithHeaders adds extra headers to every request.
func WithHeaders(headers map[string]string) ClientOption {
	return func(o *ClientOptions) {
		o.Headers = headers
	}
}

// WithBlacklist sets hosts the client refuses to contact.
func WithBlacklist(hosts []string) ClientOption {
	return func(o *ClientOptions) {
		o.BlacklistHosts = hosts
	}
}

// WithInsecureTLS disables certificate verification.
func WithInsecureTLS(insecure bool) ClientOption {
	return func(o *ClientOptions) {
		o.InsecureTLS = insecure
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *ClientOptions) {
		o.Logger = logger
	}
}

// Client fetches remote JavaScript.
//
// Thread Safety:
//
//	Client is safe for concurrent use. The per-origin limiter map is
//	mutex-guarded and the underlying http.Client is shared.
type Client struct {
	options ClientOptions
	http    *http.Client
	uaIndex atomic.Uint64

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a fetch client.
func NewClient(opts ...ClientOption) (*Client, error) {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if len(options.UserAgents) == 0 {
		options.UserAgents = defaultUserAgents
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,
	}
	if options.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if options.ProxyURL != "" {
		proxy, err := url.Parse(options.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &Client{
		options: options,
		http: &http.Client{
			Transport: transport,
			Timeout:   options.Timeout,
		},
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Fetch retrieves a URL and returns it as a parsed-ready source unit.
//
// Description:
//
//	Applies the blacklist, waits on the origin's rate limiter, and
//	retries transient failures (network errors, 429, 5xx) with linear
//	backoff. Non-transient statuses fail immediately.
//
// Inputs:
//
//	ctx    - Cancels the request including limiter waits and backoff.
//	rawURL - Absolute URL of the script to fetch.
//
// Outputs:
//
//	*ast.SourceUnit - The fetched source.
//	error           - ErrBlacklisted, ErrStatus, ErrBodyTooLarge, or a
//	                  wrapped transport error.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*ast.SourceUnit, error) {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return ast.NewSourceUnit(rawURL, body)
}

// Get retrieves a URL and returns the raw body. Used for entry HTML pages,
// which are not JavaScript source units.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if c.blacklisted(parsed.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, parsed.Hostname())
	}
	if err := c.limiter(parsed.Scheme + "://" + parsed.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.options.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.options.RetryBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, retryable, err := c.attempt(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.options.Logger.Debug("retrying fetch",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// attempt performs a single request. The second return reports whether the
// failure is worth retrying.
func (c *Client) attempt(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.nextUserAgent())
	req.Header.Set("Accept", "*/*")
	if c.options.Cookie != "" {
		req.Header.Set("Cookie", c.options.Cookie)
	}
	for k, v := range c.options.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to body read
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, rawURL)
	default:
		return nil, false, fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.options.MaxBodyBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}
	if int64(len(body)) > c.options.MaxBodyBytes {
		return nil, false, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, rawURL, c.options.MaxBodyBytes)
	}
	return body, false, nil
}

// nextUserAgent rotates through the configured user-agent set.
func (c *Client) nextUserAgent() string {
	i := c.uaIndex.Add(1) - 1
	return c.options.UserAgents[i%uint64(len(c.options.UserAgents))]
}

// limiter returns the rate limiter for an origin, creating it on first use.
func (c *Client) limiter(origin string) *rate.Limiter {
	c.limMu.Lock()
	defer c.limMu.Unlock()
	lim, ok := c.limiters[origin]
	if !ok {
		lim = rate.NewLimiter(c.options.RatePerOrigin, c.options.BurstPerOrigin)
		c.limiters[origin] = lim
	}
	return lim
}

// blacklisted reports whether a host matches the blacklist exactly or as a
// parent-domain suffix.
func (c *Client) blacklisted(host string) bool {
	host = strings.ToLower(host)
	for _, b := range c.options.BlacklistHosts {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}
