package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/issuesentry/internal/middleware"
	"github.com/huangang/issuesentry/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Health check and metrics
	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", svc.metricsHandler.Metrics)

	// API routes
	api := r.Group("/api")
	{
		// Provider webhook (public, signature checked when a secret is set)
		api.POST("/webhook/jira", svc.webhookHandler.HandleJiraWebhook)

		// Per-operator limit on the management API
		adminLimiter := middleware.NewKeyedRateLimiter(5, 20, middleware.OperatorKey)

		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), adminLimiter.Middleware(), middleware.AuditLog())
		{
			// Jira credentials and sync
			admin.POST("/jira/connect", svc.jiraHandler.Connect)
			admin.GET("/jira/credentials", svc.jiraHandler.ListCredentials)
			admin.DELETE("/jira/credentials/:id", svc.jiraHandler.DeactivateCredential)
			admin.POST("/jira/credentials/:id/sync", svc.jiraHandler.Sync)
			admin.GET("/jira/credentials/:id/runs", svc.jiraHandler.Runs)
			admin.GET("/jira/runs", svc.jiraHandler.Runs)

			// Stored issues
			admin.GET("/issues", svc.issueHandler.List)
			admin.GET("/issues/:key", svc.issueHandler.Get)
			admin.POST("/issues/:key/rescore", svc.issueHandler.Rescore)

			// LLM Configs
			admin.GET("/llm-configs", svc.llmHandler.List)
			admin.GET("/llm-configs/active", svc.llmHandler.GetActive)
			admin.GET("/llm-configs/:id", svc.llmHandler.GetByID)
			admin.POST("/llm-configs", svc.llmHandler.Create)
			admin.PUT("/llm-configs/:id", svc.llmHandler.Update)
			admin.DELETE("/llm-configs/:id", svc.llmHandler.Delete)
		}
	}
}
