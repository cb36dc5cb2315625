package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/pkg/logger"
)

// Webhook statuses. The endpoint answers 200 for all of them.
const (
	WebhookReceived = "received"
	WebhookIgnored  = "ignored"
	WebhookError    = "error"
)

// Recognised events, with the "jira:" prefix removed.
const (
	EventIssueCreated   = "issue_created"
	EventIssueUpdated   = "issue_updated"
	EventWorklogCreated = "worklog_created"
	EventWorklogUpdated = "worklog_updated"
	EventWorklogDeleted = "worklog_deleted"
)

// WebhookEvent is the subset of a provider webhook body this service reads.
type WebhookEvent struct {
	WebhookEvent string          `json:"webhookEvent"`
	Timestamp    int64           `json:"timestamp"` // ms since epoch
	Issue        map[string]any  `json:"issue"`
	Changelog    map[string]any  `json:"changelog"`
	Worklog      *WorklogPayload `json:"worklog"`
}

type WorklogPayload struct {
	ID        string `json:"id"`
	Self      string `json:"self"`
	IssueID   string `json:"issueId"`
	Created   string `json:"created"`
	Updated   string `json:"updated"`
	Started   string `json:"started"`
	TimeSpent string `json:"timeSpent"`
}

// WebhookResult is the JSON body returned to the provider.
type WebhookResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	Key     string `json:"key,omitempty"`
}

// WebhookRequest carries one inbound delivery.
type WebhookRequest struct {
	Body         []byte
	Signature    string // X-Hub-Signature
	CredentialID string // ?credential_id=, used when the payload has no self URL
}

// WebhookService turns issue and worklog events into published issues.
type WebhookService struct {
	credentials *CredentialService
	publisher   IssuePublisher
	secret      string
	now         func() time.Time
}

func NewWebhookService(credentials *CredentialService, publisher IssuePublisher, secret string) *WebhookService {
	return &WebhookService{
		credentials: credentials,
		publisher:   publisher,
		secret:      secret,
		now:         time.Now,
	}
}

// VerifySignature checks a "sha256=<hex>" HMAC of body.
func VerifySignature(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(strings.ToLower(signature[7:])), []byte(expectedMAC))
}

func eventName(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "jira:")
}

// Handle never fails; problems are reported in the result status.
func (s *WebhookService) Handle(ctx context.Context, req WebhookRequest) WebhookResult {
	if s.secret != "" && !VerifySignature(s.secret, req.Body, req.Signature) {
		logger.Warnf("[Webhook] signature mismatch")
		return WebhookResult{Status: WebhookError, Message: "invalid signature"}
	}

	var evt WebhookEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		logger.Warnf("[Webhook] malformed payload: %v", err)
		return WebhookResult{Status: WebhookError, Message: "malformed payload"}
	}

	name := eventName(evt.WebhookEvent)
	switch name {
	case EventIssueCreated, EventIssueUpdated:
		return s.handleIssueEvent(ctx, name, &evt, req.CredentialID)
	case EventWorklogCreated, EventWorklogUpdated, EventWorklogDeleted:
		return s.handleWorklogEvent(ctx, name, &evt, req.CredentialID)
	default:
		logger.Infof("[Webhook] Ignoring event: %s", evt.WebhookEvent)
		return WebhookResult{
			Status:  WebhookIgnored,
			Event:   evt.WebhookEvent,
			Message: fmt.Sprintf("event %q was received but not processed", evt.WebhookEvent),
		}
	}
}

func (s *WebhookService) eventTime(evt *WebhookEvent) time.Time {
	if evt.Timestamp > 0 {
		return time.UnixMilli(evt.Timestamp)
	}
	return s.now()
}

func (s *WebhookService) handleIssueEvent(ctx context.Context, name string, evt *WebhookEvent, credentialID string) WebhookResult {
	if evt.Issue == nil {
		return WebhookResult{Status: WebhookError, Event: name, Message: "payload has no issue"}
	}
	self, _ := evt.Issue["self"].(string)
	cred, err := s.resolveCredential(ctx, self, credentialID)
	if err != nil {
		logger.Warnf("[Webhook] %s: %v", name, err)
		return WebhookResult{Status: WebhookError, Event: name, Message: err.Error()}
	}

	// The change log rides next to the issue in webhook bodies.
	raw := make(map[string]any, len(evt.Issue)+1)
	for k, v := range evt.Issue {
		raw[k] = v
	}
	if evt.Changelog != nil {
		raw["changelog"] = evt.Changelog
	}

	item, err := issue.Normalize(raw, issue.Options{
		TeamFieldID: cred.TeamFieldID,
		Domain:      cred.Domain,
		Now:         s.now(),
		EventTime:   s.eventTime(evt),
	})
	if err != nil {
		return WebhookResult{Status: WebhookError, Event: name, Message: err.Error()}
	}
	return s.publish(ctx, name, item)
}

func (s *WebhookService) handleWorklogEvent(ctx context.Context, name string, evt *WebhookEvent, credentialID string) WebhookResult {
	wl := evt.Worklog
	if wl == nil || wl.IssueID == "" {
		return WebhookResult{Status: WebhookError, Event: name, Message: "missing issueId in worklog"}
	}
	cred, err := s.resolveCredential(ctx, wl.Self, credentialID)
	if err != nil {
		logger.Warnf("[Webhook] %s: %v", name, err)
		return WebhookResult{Status: WebhookError, Event: name, Message: err.Error()}
	}

	client, err := s.credentials.NewClient(cred)
	if err != nil {
		return WebhookResult{Status: WebhookError, Event: name, Message: err.Error()}
	}
	defer client.Close()

	raw, err := client.GetIssue(ctx, wl.IssueID, cred.TeamFieldID)
	if err != nil {
		logger.Warnf("[Webhook] failed to fetch issue %s for %s: %v", wl.IssueID, name, err)
		return WebhookResult{Status: WebhookError, Event: name, Message: "failed to fetch issue " + wl.IssueID}
	}

	item, err := issue.Normalize(raw, issue.Options{
		TeamFieldID: cred.TeamFieldID,
		Domain:      cred.Domain,
		Now:         s.now(),
		Worklog: &issue.Worklog{
			ID:        wl.ID,
			Created:   wl.Created,
			Updated:   wl.Updated,
			Started:   wl.Started,
			TimeSpent: wl.TimeSpent,
		},
	})
	if err != nil {
		return WebhookResult{Status: WebhookError, Event: name, Message: err.Error()}
	}
	return s.publish(ctx, name, item)
}

func (s *WebhookService) publish(ctx context.Context, name string, item *issue.NormalizedIssue) WebhookResult {
	if !s.publisher.Publish(ctx, item) {
		return WebhookResult{Status: WebhookError, Event: name, Key: item.Key, Message: "failed to queue issue"}
	}
	logger.Infof("[Webhook] %s queued %s/%s", name, item.Domain, item.Key)
	return WebhookResult{Status: WebhookReceived, Event: name, Key: item.Key, Message: "issue queued"}
}

// resolveCredential prefers the host of the payload's self URL and falls
// back to an explicit credential id.
func (s *WebhookService) resolveCredential(ctx context.Context, self, credentialID string) (*models.JiraCredential, error) {
	if self != "" {
		if u, err := url.Parse(self); err == nil && u.Host != "" {
			return s.credentials.FindByDomain(ctx, u.Host)
		}
	}
	if credentialID != "" {
		return s.credentials.Get(ctx, credentialID)
	}
	return nil, fmt.Errorf("%w: payload carries no instance identity", ErrCredentialNotFound)
}
