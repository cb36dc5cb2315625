package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports subsystem status.
type HealthHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
}

func NewHealthHandler(db *gorm.DB, queue services.TaskQueue) *HealthHandler {
	return &HealthHandler{db: db, queue: queue}
}

// CheckHealth returns 503 when the database cannot be reached.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	code := http.StatusOK

	// Database check
	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	// Queue mode
	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var pending int64
	if dbStatus == "ok" {
		h.db.WithContext(c.Request.Context()).Model(&models.IssueRecord{}).
			Where("prediction_status = ?", models.PredictionPending).
			Count(&pending)
	}

	c.JSON(code, gin.H{
		"status":  overall,
		"service": "issuesentry",
		"components": gin.H{
			"database":        dbStatus,
			"queue_mode":      queueMode,
			"pending_scoring": pending,
		},
	})
}
