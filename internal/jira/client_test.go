package jira

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/huangang/issuesentry/internal/config"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testJiraConfig() config.JiraConfig {
	cfg := config.DefaultJiraConfig()
	cfg.RequestsPerMinute = 600000 // 0.1ms spacing keeps tests fast
	return cfg
}

// scriptedServer answers with the given statuses in order, repeating the
// last one once the script runs out.
func scriptedServer(t *testing.T, statuses []int, headers map[int]http.Header, body string) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		status := statuses[idx]
		for k, vals := range headers[idx] {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(body))
		} else {
			w.Write([]byte(`{"errorMessages":["nope"]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(baseURL string, rec *sleepRecorder) *Client {
	return NewClient(
		Credentials{BaseURL: baseURL, Email: "bot@example.com", APIToken: "token-123"},
		testJiraConfig(),
		WithClock(nil, rec.sleep),
	)
}

func TestGetJSON_RetriesServerErrorsThenSucceeds(t *testing.T) {
	srv, calls := scriptedServer(t, []int{500, 500, 200}, nil, `{"ok":true}`)
	rec := &sleepRecorder{}
	client := newTestClient(srv.URL, rec)

	payload, err := client.GetJSON(context.Background(), "/rest/api/3/search", nil)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, expected 3", *calls)
	}

	delays := rec.recorded()
	if len(delays) != 2 {
		t.Fatalf("sleeps = %v, expected 2", delays)
	}
	if delays[1] < 2*delays[0] {
		t.Errorf("second delay %v should be at least twice the first %v", delays[1], delays[0])
	}
	if delays[0] != time.Second {
		t.Errorf("first delay = %v, expected base delay 1s", delays[0])
	}
}

func TestGetJSON_NotFoundIsNotRetried(t *testing.T) {
	srv, calls := scriptedServer(t, []int{404}, nil, "")
	rec := &sleepRecorder{}
	client := newTestClient(srv.URL, rec)

	_, err := client.GetJSON(context.Background(), "/rest/api/3/search", nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if *calls != 1 {
		t.Errorf("calls = %d, expected exactly 1", *calls)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("expected no sleeps, got %v", rec.recorded())
	}
	if !IsClientError(err) {
		t.Errorf("IsClientError(%v) = false, expected true", err)
	}
	if StatusCode(err) != 404 {
		t.Errorf("StatusCode = %d, expected 404", StatusCode(err))
	}
}

func TestGetJSON_ServerErrorsExhaustBudget(t *testing.T) {
	srv, calls := scriptedServer(t, []int{503}, nil, "")
	rec := &sleepRecorder{}
	client := newTestClient(srv.URL, rec)

	_, err := client.GetJSON(context.Background(), "/rest/api/3/search", nil)
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, expected 3", exhausted.Attempts)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, expected 3", *calls)
	}
	if StatusCode(err) != 503 {
		t.Errorf("StatusCode = %d, expected wrapped 503", StatusCode(err))
	}
	if IsClientError(err) {
		t.Error("server error exhaustion must not be reported as a client error")
	}
}

func TestGetJSON_RateLimitUsesRetryAfter(t *testing.T) {
	headers := map[int]http.Header{0: {"Retry-After": []string{"2"}}}
	srv, calls := scriptedServer(t, []int{429, 200}, headers, `{}`)
	rec := &sleepRecorder{}
	client := newTestClient(srv.URL, rec)

	if _, err := client.GetJSON(context.Background(), "/x", nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if *calls != 2 {
		t.Errorf("calls = %d, expected 2", *calls)
	}
	delays := rec.recorded()
	if len(delays) != 1 || delays[0] != 2*time.Second {
		t.Errorf("sleeps = %v, expected [2s]", delays)
	}
}

func TestGetJSON_RateLimitDefaultsRetryAfter(t *testing.T) {
	srv, _ := scriptedServer(t, []int{429, 200}, nil, `{}`)
	rec := &sleepRecorder{}
	client := newTestClient(srv.URL, rec)

	if _, err := client.GetJSON(context.Background(), "/x", nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	delays := rec.recorded()
	if len(delays) != 1 || delays[0] != 5*time.Second {
		t.Errorf("sleeps = %v, expected default [5s]", delays)
	}
}

func TestGetJSON_RateLimitDoesNotConsumeMainBudget(t *testing.T) {
	// Two transient failures plus several 429s still fit in a main budget of 3.
	srv, calls := scriptedServer(t, []int{500, 429, 429, 429, 500, 200}, nil, `{}`)
	rec := &sleepRecorder{}
	client := newTestClient(srv.URL, rec)

	if _, err := client.GetJSON(context.Background(), "/x", nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if *calls != 6 {
		t.Errorf("calls = %d, expected 6", *calls)
	}
}

func TestGetJSON_RateLimitBudgetExhausted(t *testing.T) {
	srv, calls := scriptedServer(t, []int{429}, nil, "")
	rec := &sleepRecorder{}
	cfg := testJiraConfig()
	cfg.RateLimitMaxRetries = 2
	client := NewClient(Credentials{BaseURL: srv.URL}, cfg, WithClock(nil, rec.sleep))

	_, err := client.GetJSON(context.Background(), "/x", nil)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if *calls != 3 {
		t.Errorf("calls = %d, expected 3 (1 + 2 retries)", *calls)
	}
	if StatusCode(err) != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, expected 429", StatusCode(err))
	}
}

func TestGetJSON_ConnectionErrorsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(baseURL, rec)

	_, err := client.GetJSON(context.Background(), "/x", nil)
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if len(rec.recorded()) != 2 {
		t.Errorf("sleeps = %v, expected 2 backoffs", rec.recorded())
	}
}

func TestGetJSON_SendsBasicAuthAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || pass != "token-123" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		if r.URL.Query().Get("jql") != "project=ABC" {
			t.Errorf("jql = %q", r.URL.Query().Get("jql"))
		}
		w.Write([]byte(`{"total":0,"issues":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL, &sleepRecorder{})
	query := map[string][]string{"jql": {"project=ABC"}}
	if _, err := client.GetJSON(context.Background(), "rest/api/3/search", query); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
}

func TestGetJSON_InvalidJSON(t *testing.T) {
	srv, _ := scriptedServer(t, []int{200}, nil, `not json`)
	client := newTestClient(srv.URL, &sleepRecorder{})

	_, err := client.GetJSON(context.Background(), "/x", nil)
	var jsonErr *JSONError
	if !errors.As(err, &jsonErr) {
		t.Fatalf("expected JSONError, got %v", err)
	}
}

func TestGetJSON_CanceledContextStops(t *testing.T) {
	srv, calls := scriptedServer(t, []int{500}, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(srv.URL, &sleepRecorder{})
	_, err := client.GetJSON(ctx, "/x", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if *calls != 0 {
		t.Errorf("calls = %d, expected none after cancel", *calls)
	}
}

func TestNewClient_NormalizesBaseURL(t *testing.T) {
	client := NewClient(Credentials{BaseURL: "acme.atlassian.net/"}, testJiraConfig())
	if client.creds.BaseURL != "https://acme.atlassian.net" {
		t.Errorf("BaseURL = %q", client.creds.BaseURL)
	}
	if client.Domain() != "acme.atlassian.net" {
		t.Errorf("Domain = %q", client.Domain())
	}
}

func TestMyself(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/3/myself" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"accountId":"acc-1","displayName":"Bot","active":true}`))
	}))
	defer srv.Close()

	acct, err := newTestClient(srv.URL, &sleepRecorder{}).Myself(context.Background())
	if err != nil {
		t.Fatalf("Myself() error = %v", err)
	}
	if acct.AccountID != "acc-1" || acct.DisplayName != "Bot" {
		t.Errorf("account = %+v", acct)
	}
}
