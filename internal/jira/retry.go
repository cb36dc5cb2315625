package jira

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/issuesentry/internal/config"
)

// DecisionKind is the verdict of RetryPolicy.Decide.
type DecisionKind int

const (
	DecisionSuccess DecisionKind = iota
	DecisionRetry
	DecisionGiveUp
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSuccess:
		return "success"
	case DecisionRetry:
		return "retry"
	default:
		return "give-up"
	}
}

// Outcome describes how one request attempt ended. Err is set for
// connection and timeout failures, StatusCode otherwise.
type Outcome struct {
	StatusCode int
	Err        error
	RetryAfter string // raw Retry-After header on 429
}

// Decision is what the caller should do next.
type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration
	Reason string
}

// Attempts tracks the two independent retry budgets of one logical request.
type Attempts struct {
	Transient   int // connection errors, timeouts and 5xx
	RateLimited int // 429 responses
}

// Total is the number of attempts that have failed so far.
func (a Attempts) Total() int {
	return a.Transient + a.RateLimited
}

// RetryPolicy classifies attempt outcomes.
//
// Transient failures share MaxRetries: the MaxRetries-th such failure gives
// up, earlier ones wait BaseDelay * 2^(n-1). 429 responses wait for the
// Retry-After value and are counted against RateLimitMaxRetries only.
type RetryPolicy struct {
	MaxRetries          int
	RateLimitMaxRetries int
	BaseDelay           time.Duration
	DefaultRetryAfter   time.Duration
	Now                 func() time.Time
}

// NewRetryPolicy builds a policy from the jira config section.
func NewRetryPolicy(cfg config.JiraConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:          cfg.MaxRetries,
		RateLimitMaxRetries: cfg.RateLimitMaxRetries,
		BaseDelay:           cfg.BaseRetryDelay,
		DefaultRetryAfter:   cfg.DefaultRetryAfter,
	}
}

// Decide classifies outcome and updates the budgets in attempts.
func (p RetryPolicy) Decide(outcome Outcome, attempts *Attempts) Decision {
	if outcome.Err != nil {
		return p.transient(attempts, "connection error: "+outcome.Err.Error())
	}

	code := outcome.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Decision{Kind: DecisionSuccess}
	case code == http.StatusTooManyRequests:
		attempts.RateLimited++
		if attempts.RateLimited > p.rateLimitBudget() {
			return Decision{Kind: DecisionGiveUp, Reason: "rate limit retries exhausted"}
		}
		return Decision{
			Kind:   DecisionRetry,
			Delay:  p.retryAfter(outcome.RetryAfter),
			Reason: "rate limited",
		}
	case code >= 500:
		return p.transient(attempts, "server error "+strconv.Itoa(code))
	default:
		return Decision{Kind: DecisionGiveUp, Reason: "client error " + strconv.Itoa(code)}
	}
}

func (p RetryPolicy) transient(attempts *Attempts, reason string) Decision {
	attempts.Transient++
	if attempts.Transient >= p.maxRetries() {
		return Decision{Kind: DecisionGiveUp, Reason: reason}
	}
	return Decision{
		Kind:   DecisionRetry,
		Delay:  p.Backoff(attempts.Transient),
		Reason: reason,
	}
}

// Backoff returns BaseDelay * 2^(attempt-1) for attempt >= 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func (p RetryPolicy) maxRetries() int {
	if p.MaxRetries <= 0 {
		return 3
	}
	return p.MaxRetries
}

func (p RetryPolicy) rateLimitBudget() int {
	if p.RateLimitMaxRetries <= 0 {
		return 10
	}
	return p.RateLimitMaxRetries
}

// retryAfter parses delta-seconds or an HTTP date, falling back to
// DefaultRetryAfter when the header is absent or unparseable.
func (p RetryPolicy) retryAfter(header string) time.Duration {
	fallback := p.DefaultRetryAfter
	if fallback <= 0 {
		fallback = 5 * time.Second
	}

	value := strings.TrimSpace(header)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		if wait := at.Sub(now()); wait > 0 {
			return wait
		}
		return 0
	}
	return fallback
}
