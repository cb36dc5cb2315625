package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/services"
	"github.com/huangang/issuesentry/pkg/response"
	"gorm.io/gorm"
)

// IssueHandler serves scored issues from the store.
type IssueHandler struct {
	store   *services.IssueStore
	rescore *services.RescoreService
}

func NewIssueHandler(db *gorm.DB, rescore *services.RescoreService) *IssueHandler {
	return &IssueHandler{store: services.NewIssueStore(db), rescore: rescore}
}

func (h *IssueHandler) List(c *gin.Context) {
	var filter services.IssueFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	items, total, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"total": total,
		"items": items,
	})
}

func issueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		response.NotFound(c, "issue not found")
	case errors.Is(err, services.ErrIssueIdentity),
		errors.Is(err, services.ErrRescoreUnavailable):
		response.BadRequest(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// Get looks an issue up by key; ?domain= narrows it to one instance.
func (h *IssueHandler) Get(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Query("domain"), c.Param("key"))
	if err != nil {
		issueError(c, err)
		return
	}
	response.Success(c, rec)
}

// Rescore queues the stored issue for scoring again.
func (h *IssueHandler) Rescore(c *gin.Context) {
	if err := h.rescore.Rescore(c.Request.Context(), c.Query("domain"), c.Param("key")); err != nil {
		issueError(c, err)
		return
	}
	response.Accepted(c, gin.H{"key": c.Param("key"), "message": "issue queued for scoring"})
}
