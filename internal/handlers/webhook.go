package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/services"
	"github.com/huangang/issuesentry/pkg/logger"
)

const maxWebhookBody = 5 << 20

// IssueWebhookHandler receives provider issue and worklog events.
type IssueWebhookHandler struct {
	webhookService *services.WebhookService
}

func NewIssueWebhookHandler(webhookService *services.WebhookService) *IssueWebhookHandler {
	return &IssueWebhookHandler{webhookService: webhookService}
}

// HandleJiraWebhook always answers 200 so the provider never disables the
// hook; failures are reported in the body status.
func (h *IssueWebhookHandler) HandleJiraWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		logger.Warnf("[Webhook] failed to read body from %s: %v", c.ClientIP(), err)
		c.JSON(http.StatusOK, services.WebhookResult{
			Status:  services.WebhookError,
			Message: "failed to read body",
		})
		return
	}

	result := h.webhookService.Handle(c.Request.Context(), services.WebhookRequest{
		Body:         body,
		Signature:    c.GetHeader("X-Hub-Signature"),
		CredentialID: c.Query("credential_id"),
	})
	c.JSON(http.StatusOK, result)
}
