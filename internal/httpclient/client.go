// Package httpclient is the rate-limited, retrying HTTP core shared by every
// upstream provider. Each attempt is classified into a tagged Result and an
// explicit retry loop decides whether to back off, honour Retry-After, or stop.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
	defaultBaseDelay  = time.Second
	maxBackoff        = 60 * time.Second
	defaultRetryAfter = 60 * time.Second
	defaultUserAgent  = "finance-pipeline/1.0"
	maxErrorBody      = 512
)

var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("authentication failed")
	ErrRequest      = errors.New("request failed")
)

// StatusError is returned when the upstream keeps answering with a non-2xx
// status other than 401 and 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRequest }

// Request describes a single logical call. Endpoint is joined to the
// client's base URL.
type Request struct {
	Method   string
	Endpoint string
	Params   map[string]string
	Body     any
	Headers  map[string]string
}

// Response is a successful upstream response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Attempts   int
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client performs HTTP calls against one upstream base URL.
type Client struct {
	baseURL     string
	client      *http.Client
	timeout     time.Duration
	headers     map[string]string
	limiter     *Limiter
	maxAttempts int
	baseDelay   time.Duration
	clock       clock.Clock
	observe     func(Kind)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithHeader adds a static header sent with every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.headers[key] = value }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return WithHeader("User-Agent", ua)
}

// WithRapidAPI sets the RapidAPI gateway key and host headers.
func WithRapidAPI(key, host string) Option {
	return func(cl *Client) {
		cl.headers["x-rapidapi-key"] = key
		cl.headers["x-rapidapi-host"] = host
	}
}

// WithBearer sets bearer authentication and an optional secret header.
func WithBearer(key, secret string) Option {
	return func(cl *Client) {
		cl.headers["Authorization"] = "Bearer " + key
		if secret != "" {
			cl.headers["X-API-Secret"] = secret
		}
	}
}

// WithLimiter shares a rate limiter with the client. Nil disables limiting.
func WithLimiter(l *Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// WithRetry sets the maximum number of attempts and the base backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(cl *Client) {
		if maxAttempts > 0 {
			cl.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			cl.baseDelay = baseDelay
		}
	}
}

// WithClock sets the clock used for backoff and Retry-After sleeps.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithObserver registers fn to be called with the outcome of every attempt.
func WithObserver(fn func(Kind)) Option {
	return func(cl *Client) { cl.observe = fn }
}

// New creates a Client for baseURL with the given options applied.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: defaultTimeout,
		headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   defaultUserAgent,
		},
		maxAttempts: defaultAttempts,
		baseDelay:   defaultBaseDelay,
		clock:       clock.Real{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout > 0 && c.client.Timeout != c.timeout {
		hc := *c.client
		hc.Timeout = c.timeout
		c.client = &hc
	}
	return c
}

// BaseURL returns the upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Get is a shortcut for a GET request with query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Params: params})
}

// Do sends req, waiting on the rate limiter before every attempt and
// retrying rate-limited and transient outcomes. Authentication failures are
// returned immediately.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		res := c.attempt(ctx, req, attempt)
		if c.observe != nil {
			c.observe(res.Kind)
		}
		switch res.Kind {
		case KindOK:
			res.Response.Attempts = attempt
			return res.Response, nil
		case KindAuthFailed, KindFatal:
			return nil, res.Err
		}

		lastErr = res.Err
		// A 429 always waits out Retry-After, even when no attempt is left.
		var wait time.Duration
		switch {
		case res.Kind == KindRateLimited:
			wait = res.RetryAfter
			slog.Warn("http: rate limited, waiting", "endpoint", req.Endpoint, "retryAfter", wait.String())
		case attempt == c.maxAttempts:
			continue
		default:
			wait = c.backoff(attempt)
		}
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, err)
		}
	}

	return nil, fmt.Errorf("%s %s: giving up after %d attempts: %w", req.Method, req.Endpoint, c.maxAttempts, lastErr)
}

// backoff returns the wait after the given 1-based attempt: base * 2^(n-1).
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *Client) attempt(ctx context.Context, req Request, n int) Result {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return Result{Kind: KindFatal, Err: err}
	}

	start := c.clock.Now()
	res, err := c.client.Do(httpReq) //nolint:gosec // URL built from internal config
	if err != nil {
		if ctx.Err() != nil {
			return Result{Kind: KindFatal, Err: ctx.Err()}
		}
		slog.Warn("http: request error", "method", req.Method, "url", redactURL(httpReq.URL), "attempt", n, "error", err)
		return Result{Kind: KindTransient, Err: fmt.Errorf("%w: %v", ErrRequest, err)}
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{Kind: KindTransient, Err: fmt.Errorf("%w: read body: %v", ErrRequest, err)}
	}
	elapsed := c.clock.Now().Sub(start)

	result := classify(res, body, c.clock.Now())
	slog.Info("http: request",
		"method", req.Method,
		"url", redactURL(httpReq.URL),
		"status", res.StatusCode,
		"outcome", result.Kind.String(),
		"attempt", n,
	)
	if result.Kind == KindOK {
		result.Response = &Response{
			StatusCode: res.StatusCode,
			Header:     res.Header,
			Body:       body,
			Elapsed:    elapsed,
		}
	}
	return result
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(req.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func redactURL(u *url.URL) string {
	return u.Path + "?" + u.RawQuery
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
