package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/pkg/logger"
	"github.com/rs/zerolog"
)

const defaultUserAgent = "issuesentry/1.0"

// Credentials identify one provider instance.
type Credentials struct {
	BaseURL  string // https://<domain>
	Email    string
	APIToken string
}

// Domain returns the host part of BaseURL.
func (c Credentials) Domain() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(c.BaseURL, "https://"), "http://")
	}
	return u.Host
}

// Client talks to one provider instance. It owns its HTTP client and
// RateLimiter so two credential sets never share throttling state.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	limiter    *RateLimiter
	policy     RetryPolicy
	pageSize   int
	userAgent  string
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	log        zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter replaces the per-client RateLimiter.
func WithRateLimiter(l *RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithClock injects the time source and the backoff sleeper.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
			c.policy.Now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithRetryPolicy replaces the policy derived from config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		now := c.policy.Now
		c.policy = p
		if c.policy.Now == nil {
			c.policy.Now = now
		}
	}
}

// NewClient builds a client for creds using the tunables in cfg.
func NewClient(creds Credentials, cfg config.JiraConfig, opts ...Option) *Client {
	creds.BaseURL = strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if creds.BaseURL != "" && !strings.Contains(creds.BaseURL, "://") {
		creds.BaseURL = "https://" + creds.BaseURL
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	c := &Client{
		creds: creds,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.MaxConcurrentRequests,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:   NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrentRequests),
		policy:    NewRetryPolicy(cfg),
		pageSize:  pageSize,
		userAgent: defaultUserAgent,
		now:       time.Now,
		sleep:     sleepContext,
		log:       logger.With("jira").With().Str("domain", creds.Domain()).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain returns the provider host this client talks to.
func (c *Client) Domain() string {
	return c.creds.Domain()
}

// PageSize returns the maxResults used for paged endpoints.
func (c *Client) PageSize() int {
	return c.pageSize
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// GetJSON performs a GET through the RateLimiter and RetryPolicy and decodes
// a JSON object body.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	var out map[string]any
	if err := c.getInto(ctx, path, query, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// getInto is GetJSON for an arbitrary destination.
func (c *Client) getInto(ctx context.Context, path string, query url.Values, dst any) error {
	body, err := c.do(ctx, path, query)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &JSONError{Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.creds.BaseURL == "" {
		return nil, errors.New("jira base URL is required")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	endpoint := c.creds.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var attempts Attempts
	for {
		status, header, body, err := c.attempt(ctx, endpoint)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		outcome := Outcome{StatusCode: status, Err: err}
		if status == http.StatusTooManyRequests {
			outcome.RetryAfter = header.Get("Retry-After")
		}
		decision := c.policy.Decide(outcome, &attempts)

		switch decision.Kind {
		case DecisionSuccess:
			return body, nil
		case DecisionRetry:
			c.log.Warn().
				Str("path", path).
				Int("attempt", attempts.Total()).
				Int("transient_attempts", attempts.Transient).
				Int("rate_limited_attempts", attempts.RateLimited).
				Dur("delay", decision.Delay).
				Str("reason", decision.Reason).
				Msg("[Jira] retrying request")
			if err := c.sleep(ctx, decision.Delay); err != nil {
				return nil, err
			}
		default:
			c.log.Error().
				Str("path", path).
				Int("status", status).
				Int("transient_attempts", attempts.Transient).
				Int("rate_limited_attempts", attempts.RateLimited).
				Str("reason", decision.Reason).
				Msg("[Jira] request failed")
			return nil, c.giveUpError(path, status, body, err, attempts, outcome.RetryAfter)
		}
	}
}

func (c *Client) giveUpError(path string, status int, body []byte, err error, attempts Attempts, retryAfter string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{
			Path:       path,
			Attempts:   attempts.RateLimited,
			RetryAfter: c.policy.retryAfter(retryAfter),
		}
	case err != nil:
		return &RetryExhaustedError{Path: path, Attempts: attempts.Transient, Last: err}
	case status >= 500:
		return &RetryExhaustedError{
			Path:     path,
			Attempts: attempts.Transient,
			Last:     &TransportError{StatusCode: status, Path: path, Body: snippet(body)},
		}
	default:
		return &TransportError{StatusCode: status, Path: path, Body: snippet(body)}
	}
}

// attempt sends one request. A non-nil error means no usable response was
// received (connection failure, timeout or truncated body).
func (c *Client) attempt(ctx context.Context, endpoint string) (int, http.Header, []byte, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.creds.Email != "" || c.creds.APIToken != "" {
		req.SetBasicAuth(c.creds.Email, c.creds.APIToken)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.log.Debug().
		Str("url", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", c.now().Sub(start)).
		Msg("[Jira] request")
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
