package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/feedstate/internal/mutation"
	"github.com/artpar/feedstate/internal/state"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultUserAgent    = "feedstate/0.1"
	defaultRetryMax     = 2
	defaultRetryWaitMin = 250 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
	maxErrorBody        = 4 << 10
)

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("remote returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Client delivers mutations and follow actions over HTTP. Requests that fail
// with a connection error, 429 or 5xx are retried; every request carries an
// absolute target, so repeating one is safe.
type Client struct {
	baseURL   *url.URL
	retry     *retryablehttp.Client
	headers   http.Header
	userAgent string
	logger    hclog.Logger
}

// Option is a function that configures the Client.
type Option func(*Client)

// WithTimeout sets the timeout of a single attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.retry.HTTPClient.Timeout = timeout
	}
}

// WithRetryMax sets how often a failed request is retried. Zero disables
// retries.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.retry.RetryMax = n
	}
}

// WithRetryWait bounds the backoff between attempts.
func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.retry.RetryWaitMin = waitMin
		c.retry.RetryWaitMax = waitMax
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.retry.HTTPClient = hc
	}
}

// WithHeader adds a static header to every request, e.g. a session cookie.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient builds a client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = defaultTimeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = defaultRetryWaitMin
	rc.RetryWaitMax = defaultRetryWaitMax
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:   base,
		retry:     rc,
		headers:   make(http.Header),
		userAgent: defaultUserAgent,
		logger:    hclog.NewNullLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	// hclog satisfies retryablehttp.LeveledLogger.
	c.retry.Logger = c.logger

	return c, nil
}

type mutationRequest struct {
	Kind   state.Kind `json:"kind"`
	ID     int64      `json:"id"`
	Target int        `json:"target"`
}

// SendMutation posts a state change. Any 2xx reply is success.
func (c *Client) SendMutation(ctx context.Context, kind state.Kind, id int64, target int) error {
	body := mutationRequest{Kind: kind, ID: id, Target: target}
	return c.do(ctx, "/api/mutations", body, nil)
}

type followRequest struct {
	Name       string `json:"name"`
	KeepFollow bool   `json:"keepFollow"`
}

type followResponse struct {
	Follows    bool `json:"follows"`
	Subscribed bool `json:"subscribed"`
}

// SendFollowAction posts a follow action and reports whether the relationship
// the server returns matches the request.
func (c *Client) SendFollowAction(ctx context.Context, action mutation.FollowAction, name string, opts mutation.FollowOptions) (bool, error) {
	switch action {
	case mutation.ActionFollow, mutation.ActionUnfollow, mutation.ActionSubscribe, mutation.ActionUnsubscribe:
	default:
		return false, fmt.Errorf("unknown follow action %q", action)
	}

	var reply followResponse
	body := followRequest{Name: name, KeepFollow: opts.KeepFollow}
	if err := c.do(ctx, "/api/follows/"+string(action), body, &reply); err != nil {
		return false, err
	}

	return confirms(action, opts, reply), nil
}

func confirms(action mutation.FollowAction, opts mutation.FollowOptions, reply followResponse) bool {
	switch action {
	case mutation.ActionFollow:
		return reply.Follows
	case mutation.ActionUnfollow:
		return !reply.Follows
	case mutation.ActionSubscribe:
		return reply.Subscribed
	case mutation.ActionUnsubscribe:
		if !opts.KeepFollow && reply.Follows {
			return false
		}
		return !reply.Subscribed
	}
	return false
}

func (c *Client) do(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpoint := c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := c.retry.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Trace("remote call", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("api url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api url %q has no host", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// Verify Client implements both sender interfaces
var (
	_ mutation.Sender       = (*Client)(nil)
	_ mutation.FollowSender = (*Client)(nil)
)
