package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/services"
	"github.com/huangang/issuesentry/internal/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:handlers_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type memQueue struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (q *memQueue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return nil
}
func (q *memQueue) IsAsync() bool { return false }
func (q *memQueue) Close() error  { return nil }

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func seedIssue(t *testing.T, db *gorm.DB, key string, failed bool) {
	t.Helper()
	item := &issue.NormalizedIssue{
		Key:                 key,
		Domain:              "acme.atlassian.net",
		ProjectName:         "Alpha",
		Status:              "In Progress",
		DaysInCurrentStatus: issue.UnknownDays,
	}
	store := services.NewIssueStore(db)
	var err error
	if failed {
		err = store.SaveFailure(context.Background(), item, errors.New("timeout"))
	} else {
		err = store.SavePrediction(context.Background(), item, &services.Prediction{DelayLabel: services.LabelDelayed, DelayScore: 0.8, PriorityScore: 0.7})
	}
	if err != nil {
		t.Fatal(err)
	}
}

func TestWebhookHandler_AlwaysOK(t *testing.T) {
	db := newTestDB(t)
	sealer, _ := utils.NewSealer("test-key")
	creds := services.NewCredentialService(db, sealer, config.DefaultJiraConfig())
	handler := NewIssueWebhookHandler(services.NewWebhookService(creds, services.NewPublisher(&memQueue{}), ""))

	router := gin.New()
	router.POST("/api/webhook/jira", handler.HandleJiraWebhook)

	tests := []struct {
		name   string
		body   string
		status string
	}{
		{"ignored", `{"webhookEvent":"jira:issue_deleted"}`, services.WebhookIgnored},
		{"malformed", `{"webhookEvent"`, services.WebhookError},
		{"unknown instance", `{"webhookEvent":"jira:issue_created","issue":{"key":"A-1","self":"https://nobody.atlassian.net/x","fields":{}}}`, services.WebhookError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, "POST", "/api/webhook/jira", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, expected 200", w.Code)
			}
			var result services.WebhookResult
			decode(t, w, &result)
			if result.Status != tt.status {
				t.Errorf("result status = %q, expected %q", result.Status, tt.status)
			}
		})
	}
}

func TestIssueHandler(t *testing.T) {
	db := newTestDB(t)
	seedIssue(t, db, "ALPHA-1", false)
	seedIssue(t, db, "ALPHA-2", true)
	queue := &memQueue{}
	handler := NewIssueHandler(db, services.NewRescoreService(db, queue))

	router := gin.New()
	router.GET("/issues", handler.List)
	router.GET("/issues/:key", handler.Get)
	router.POST("/issues/:key/rescore", handler.Rescore)

	w := doRequest(router, "GET", "/issues?delay_label=Delayed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Data struct {
			Total int64                `json:"total"`
			Items []models.IssueRecord `json:"items"`
		} `json:"data"`
	}
	decode(t, w, &list)
	if list.Data.Total != 1 || list.Data.Items[0].Key != "ALPHA-1" {
		t.Errorf("list = %+v", list.Data)
	}

	if w := doRequest(router, "GET", "/issues/ALPHA-2?domain=acme.atlassian.net", nil); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := doRequest(router, "GET", "/issues/NOPE-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, expected 404", w.Code)
	}

	if w := doRequest(router, "POST", "/issues/ALPHA-2/rescore", nil); w.Code != http.StatusAccepted {
		t.Errorf("rescore status = %d, expected 202", w.Code)
	}
	if len(queue.payloads) != 1 {
		t.Errorf("queued %d payloads, expected 1", len(queue.payloads))
	}
	if w := doRequest(router, "POST", "/issues/NOPE-1/rescore", nil); w.Code != http.StatusNotFound {
		t.Errorf("rescore missing status = %d, expected 404", w.Code)
	}
}

func TestLLMConfigHandler_CRUD(t *testing.T) {
	handler := NewLLMConfigHandler(newTestDB(t))
	router := gin.New()
	router.GET("/llm-configs", handler.List)
	router.GET("/llm-configs/active", handler.GetActive)
	router.GET("/llm-configs/:id", handler.GetByID)
	router.POST("/llm-configs", handler.Create)
	router.PUT("/llm-configs/:id", handler.Update)
	router.DELETE("/llm-configs/:id", handler.Delete)

	w := doRequest(router, "POST", "/llm-configs", gin.H{"name": "main", "model": "gpt-4o-mini", "api_key": "sk-abcdefghijklmnop"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sk-abcdefghijklmnop") {
		t.Error("create response leaks the api key")
	}

	cases := []struct {
		method string
		path   string
		body   any
		code   int
	}{
		{"POST", "/llm-configs", gin.H{"name": "bad"}, http.StatusBadRequest},
		{"POST", "/llm-configs", gin.H{"name": "x", "model": "m", "provider": "watson"}, http.StatusBadRequest},
		{"GET", "/llm-configs/1", nil, http.StatusOK},
		{"GET", "/llm-configs/abc", nil, http.StatusBadRequest},
		{"GET", "/llm-configs/99", nil, http.StatusNotFound},
		{"PUT", "/llm-configs/1", gin.H{"model": "gpt-4o"}, http.StatusOK},
		{"PUT", "/llm-configs/99", gin.H{"model": "gpt-4o"}, http.StatusNotFound},
		{"GET", "/llm-configs", nil, http.StatusOK},
		{"GET", "/llm-configs/active", nil, http.StatusOK},
		{"DELETE", "/llm-configs/1", nil, http.StatusOK},
		{"DELETE", "/llm-configs/1", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := doRequest(router, tc.method, tc.path, tc.body); w.Code != tc.code {
			t.Errorf("%s %s status = %d, expected %d: %s", tc.method, tc.path, w.Code, tc.code, w.Body.String())
		}
	}
}

func TestJiraHandler_ErrorMapping(t *testing.T) {
	db := newTestDB(t)
	sealer, _ := utils.NewSealer("test-key")
	creds := services.NewCredentialService(db, sealer, config.DefaultJiraConfig())
	syncService := services.NewSyncService(db, creds, services.NewPublisher(&memQueue{}), config.SyncConfig{})
	handler := NewJiraHandler(creds, syncService, false)
	t.Cleanup(handler.Shutdown)

	router := gin.New()
	router.POST("/jira/connect", handler.Connect)
	router.GET("/jira/credentials", handler.ListCredentials)
	router.DELETE("/jira/credentials/:id", handler.DeactivateCredential)
	router.POST("/jira/credentials/:id/sync", handler.Sync)
	router.GET("/jira/credentials/:id/runs", handler.Runs)
	router.GET("/jira/runs", handler.Runs)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"connect missing fields", "POST", "/jira/connect", gin.H{"base_url": "acme.atlassian.net"}, http.StatusBadRequest},
		{"connect bad email", "POST", "/jira/connect", gin.H{"base_url": "acme.atlassian.net", "email": "nope", "api_token": "ATATT3xFfGF0-test-token-0001"}, http.StatusBadRequest},
		{"list credentials", "GET", "/jira/credentials", nil, http.StatusOK},
		{"deactivate unknown", "DELETE", "/jira/credentials/7", nil, http.StatusNotFound},
		{"sync bad id", "POST", "/jira/credentials/abc/sync", nil, http.StatusBadRequest},
		{"sync unknown", "POST", "/jira/credentials/7/sync", nil, http.StatusNotFound},
		{"sync unknown waiting", "POST", "/jira/credentials/7/sync?wait=true", nil, http.StatusNotFound},
		{"runs bad id", "GET", "/jira/credentials/x/runs", nil, http.StatusBadRequest},
		{"all runs", "GET", "/jira/runs", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := doRequest(router, tc.method, tc.path, tc.body); w.Code != tc.code {
				t.Errorf("status = %d, expected %d: %s", w.Code, tc.code, w.Body.String())
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	db := newTestDB(t)
	seedIssue(t, db, "ALPHA-1", false)
	queue := &memQueue{}

	router := gin.New()
	router.GET("/health", NewHealthHandler(db, queue).CheckHealth)
	router.GET("/metrics", NewMetricsHandler(db, queue).Metrics)

	w := doRequest(router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var health map[string]any
	decode(t, w, &health)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	w = doRequest(router, "GET", "/metrics", nil)
	body := w.Body.String()
	for _, want := range []string{
		"issuesentry_queue_async_enabled 0",
		`issuesentry_issues{prediction_status="completed"} 1`,
		`issuesentry_issues_by_delay{delay_label="Delayed"} 1`,
		"issuesentry_credentials_active 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
