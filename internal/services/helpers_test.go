package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/jira"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testDomain = "acme.atlassian.net"

// newTestDB opens a private in-memory database with every table migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testSealer(t *testing.T) *utils.Sealer {
	t.Helper()
	sealer, err := utils.NewSealer("test-encryption-key")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return sealer
}

// testJiraConfig keeps throttling out of the way of tests.
func testJiraConfig() config.JiraConfig {
	cfg := config.DefaultJiraConfig()
	cfg.RequestsPerMinute = 600000
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func sampleIssue(key string) *issue.NormalizedIssue {
	updated := "2026-10-01T09:00:00Z"
	inactive := 3
	return &issue.NormalizedIssue{
		Key:                 key,
		Domain:              testDomain,
		ProjectName:         "Alpha",
		Team:                "Platform",
		Summary:             "Summary of " + key,
		Assignee:            "Dana",
		Reporter:            "Lee",
		Labels:              []string{"backend"},
		OriginalEstimate:    "2d",
		RemainingEstimate:   "1d",
		TimeLogged:          "1d",
		WorklogEntries:      2,
		Status:              "In Progress",
		DueDate:             "2026-10-20",
		UpdatedAt:           &updated,
		InactivityDays:      &inactive,
		DaysInCurrentStatus: issue.KnownDays(4),
		Priority:            "High",
	}
}

// fakeQueue records payloads and fails when err is set.
type fakeQueue struct {
	mu       sync.Mutex
	err      error
	payloads [][]byte
}

func (q *fakeQueue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, append([]byte(nil), payload...))
	return nil
}

func (q *fakeQueue) IsAsync() bool { return false }
func (q *fakeQueue) Close() error  { return nil }

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}

// fakePublisher records published issues and refuses keys in fail.
type fakePublisher struct {
	mu    sync.Mutex
	fail  map[string]bool
	items []*issue.NormalizedIssue
}

func (p *fakePublisher) Publish(_ context.Context, item *issue.NormalizedIssue) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[item.Key] {
		return false
	}
	p.items = append(p.items, item)
	return true
}

func (p *fakePublisher) published() []*issue.NormalizedIssue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*issue.NormalizedIssue(nil), p.items...)
}

const testAPIToken = "ATATT3xFfGF0-test-token-0001"

// newFakeJira serves routes by path and answers 404 for anything else.
func newFakeJira(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	if _, ok := routes["/rest/api/3/myself"]; !ok {
		routes["/rest/api/3/myself"] = jsonHandler(`{"accountId":"557058:abc","displayName":"Sync Bot","active":true}`)
	}
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}
}

func newTestCredentials(t *testing.T, db *gorm.DB) *CredentialService {
	t.Helper()
	return NewCredentialService(db, testSealer(t), testJiraConfig()).
		WithClientOptions(jira.WithClock(nil, noSleep))
}

// connectTo stores a credential for srv and returns its id as text.
func connectTo(t *testing.T, creds *CredentialService, srv *httptest.Server) (*models.JiraCredential, string) {
	t.Helper()
	cred, err := creds.Connect(context.Background(), &ConnectRequest{
		BaseURL:  srv.URL,
		Email:    "bot@acme.test",
		APIToken: testAPIToken,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return cred, strconv.FormatUint(uint64(cred.ID), 10)
}
