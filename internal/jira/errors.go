package jira

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const maxBodySnippet = 512

// TransportError is returned for a non-success HTTP status that is not retried.
type TransportError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("jira %s: unexpected HTTP status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("jira %s: unexpected HTTP status %d: %s", e.Path, e.StatusCode, e.Body)
}

// RateLimitError is returned once the 429 budget is spent.
type RateLimitError struct {
	Path       string
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("jira %s: rate limited after %d attempt(s)", e.Path, e.Attempts))
	if e.RetryAfter > 0 {
		builder.WriteString("; last retry_after=")
		builder.WriteString(e.RetryAfter.String())
	}
	return builder.String()
}

// RetryExhaustedError wraps the last transient failure once the main budget is spent.
type RetryExhaustedError struct {
	Path     string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("jira %s: giving up after %d attempt(s): %v", e.Path, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

type JSONError struct {
	Err error
}

func (e *JSONError) Error() string {
	return fmt.Sprintf("decode response: %v", e.Err)
}

func (e *JSONError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err is a non-retryable 4xx (other than 429).
func IsClientError(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode >= 400 && te.StatusCode < 500 && te.StatusCode != http.StatusTooManyRequests
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxBodySnippet {
		return s
	}
	cut := maxBodySnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
