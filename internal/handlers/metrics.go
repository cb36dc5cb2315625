package handlers

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/services"
	"gorm.io/gorm"
)

var startTime = time.Now()

// MetricsHandler renders gauges in the Prometheus text format.
type MetricsHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
}

func NewMetricsHandler(db *gorm.DB, queue services.TaskQueue) *MetricsHandler {
	return &MetricsHandler{db: db, queue: queue}
}

type labelCount struct {
	Label string
	Count int64
}

func (h *MetricsHandler) Metrics(c *gin.Context) {
	var b strings.Builder

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeGauge(&b, "issuesentry_uptime_seconds", "Time since server start in seconds", time.Since(startTime).Seconds())
	writeGauge(&b, "issuesentry_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	writeGauge(&b, "issuesentry_memory_alloc_bytes", "Current heap allocation in bytes", float64(m.Alloc))

	queueAsync := 0.0
	if h.queue != nil && h.queue.IsAsync() {
		queueAsync = 1.0
	}
	writeGauge(&b, "issuesentry_queue_async_enabled", "Whether the Redis queue is enabled (1=yes, 0=no)", queueAsync)

	if h.db != nil {
		ctx := c.Request.Context()
		if sqlDB, err := h.db.DB(); err == nil {
			stats := sqlDB.Stats()
			writeGauge(&b, "issuesentry_db_open_connections", "Number of open DB connections", float64(stats.OpenConnections))
			writeGauge(&b, "issuesentry_db_in_use_connections", "Number of in-use DB connections", float64(stats.InUse))
		}

		var byStatus []labelCount
		h.db.WithContext(ctx).Model(&models.IssueRecord{}).
			Select("prediction_status AS label, COUNT(*) AS count").
			Group("prediction_status").
			Scan(&byStatus)
		writeLabeled(&b, "issuesentry_issues", "Stored issues by prediction status", "prediction_status", byStatus)

		var byLabel []labelCount
		h.db.WithContext(ctx).Model(&models.IssueRecord{}).
			Select("delay_label AS label, COUNT(*) AS count").
			Where("delay_label <> ?", "").
			Group("delay_label").
			Scan(&byLabel)
		writeLabeled(&b, "issuesentry_issues_by_delay", "Scored issues by delay label", "delay_label", byLabel)

		var credentials int64
		h.db.WithContext(ctx).Model(&models.JiraCredential{}).Where("is_active = ?", true).Count(&credentials)
		writeGauge(&b, "issuesentry_credentials_active", "Number of active Jira credentials", float64(credentials))

		since24h := time.Now().Add(-24 * time.Hour)
		var runs24h, failedRuns24h int64
		h.db.WithContext(ctx).Model(&models.SyncRun{}).Where("started_at >= ?", since24h).Count(&runs24h)
		h.db.WithContext(ctx).Model(&models.SyncRun{}).
			Where("started_at >= ? AND status = ?", since24h, models.SyncFailed).
			Count(&failedRuns24h)
		writeGauge(&b, "issuesentry_sync_runs_24h", "Sync runs started in the last 24 hours", float64(runs24h))
		writeGauge(&b, "issuesentry_sync_runs_failed_24h", "Failed sync runs in the last 24 hours", float64(failedRuns24h))
	}

	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}

func writeLabeled(b *strings.Builder, name, help, label string, values []labelCount) {
	sort.Slice(values, func(i, j int) bool { return values[i].Label < values[j].Label })
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	for _, v := range values {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, v.Label, v.Count)
	}
	b.WriteString("\n")
}
