package handlers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/services"
	"github.com/huangang/issuesentry/pkg/logger"
	"github.com/huangang/issuesentry/pkg/response"
)

const backgroundSyncTimeout = 2 * time.Hour

// JiraHandler serves credential management and manual sync triggers.
type JiraHandler struct {
	credentials  *services.CredentialService
	syncService  *services.SyncService
	runOnConnect bool

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJiraHandler(credentials *services.CredentialService, syncService *services.SyncService, runOnConnect bool) *JiraHandler {
	bg, cancel := context.WithCancel(context.Background())
	return &JiraHandler{
		credentials:  credentials,
		syncService:  syncService,
		runOnConnect: runOnConnect,
		bg:           bg,
		cancel:       cancel,
	}
}

// Shutdown cancels background syncs and waits for them to record their run.
func (h *JiraHandler) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

func (h *JiraHandler) syncInBackground(credentialID, trigger string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.bg, backgroundSyncTimeout)
		defer cancel()

		result, err := h.syncService.SyncAll(ctx, credentialID, trigger)
		if err != nil {
			logger.Warnf("[Sync] background %s sync for credential %s not started: %v", trigger, credentialID, err)
			return
		}
		logger.Infof("[Sync] background %s sync for credential %s done: sent=%d failed=%d",
			trigger, credentialID, result.Sent, result.Failed)
	}()
}

// credentialError maps setup and connect errors to responses.
func credentialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidCredentialID),
		errors.Is(err, services.ErrInvalidConnectRequest),
		errors.Is(err, services.ErrCredentialIncomplete):
		response.BadRequest(c, err.Error())
	case errors.Is(err, services.ErrCredentialNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, services.ErrJiraUnauthorized):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, services.ErrJiraForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, services.ErrJiraUnreachable):
		response.ServiceUnavailable(c, services.ErrJiraUnreachable.Error())
	case errors.Is(err, services.ErrSyncInProgress):
		response.Conflict(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// Connect verifies and stores a credential, then starts its first sync.
func (h *JiraHandler) Connect(c *gin.Context) {
	var req services.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cred, err := h.credentials.Connect(c.Request.Context(), &req)
	if err != nil {
		credentialError(c, err)
		return
	}

	if h.runOnConnect {
		h.syncInBackground(strconv.FormatUint(uint64(cred.ID), 10), models.TriggerConnect)
	}
	response.Created(c, gin.H{
		"credential":    cred,
		"sync_started":  h.runOnConnect,
		"sync_endpoint": "/api/jira/credentials/" + strconv.FormatUint(uint64(cred.ID), 10) + "/sync",
	})
}

func (h *JiraHandler) ListCredentials(c *gin.Context) {
	creds, err := h.credentials.List(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, creds)
}

func (h *JiraHandler) DeactivateCredential(c *gin.Context) {
	if err := h.credentials.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		credentialError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "credential deactivated"})
}

// Sync runs a full sync. With ?wait=true the handler blocks and returns the
// run result; otherwise the run continues in the background.
func (h *JiraHandler) Sync(c *gin.Context) {
	id := c.Param("id")
	if c.Query("wait") != "true" {
		// Resolve early so a bad id is still a 4xx.
		if _, err := h.credentials.Get(c.Request.Context(), id); err != nil {
			credentialError(c, err)
			return
		}
		h.syncInBackground(id, models.TriggerManual)
		response.Accepted(c, gin.H{"credential_id": id, "message": "sync started"})
		return
	}

	result, err := h.syncService.SyncAll(c.Request.Context(), id, models.TriggerManual)
	if err != nil {
		credentialError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *JiraHandler) Runs(c *gin.Context) {
	var credentialID uint64
	if raw := c.Param("id"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 {
			response.BadRequest(c, services.ErrInvalidCredentialID.Error())
			return
		}
		credentialID = n
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	runs, err := h.syncService.Runs(c.Request.Context(), uint(credentialID), limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, runs)
}
