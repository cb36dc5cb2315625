package main

import (
	"context"
	"time"

	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/handlers"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/internal/services"
	"github.com/huangang/issuesentry/internal/utils"
	"github.com/huangang/issuesentry/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	taskQueue      services.TaskQueue
	worker         *services.Worker
	scheduler      *services.SyncScheduler
	rescore        *services.RescoreService
	jiraHandler    *handlers.JiraHandler
	webhookHandler *handlers.IssueWebhookHandler
	issueHandler   *handlers.IssueHandler
	llmHandler     *handlers.LLMConfigHandler
	healthHandler  *handlers.HealthHandler
	metricsHandler *handlers.MetricsHandler
}

// bootstrap initializes all application dependencies: database, queue, worker, scheduler.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	sealer, err := utils.NewSealer(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatalf("Failed to build token sealer: %v", err)
	}

	// Scoring consumer
	predictor := services.NewPredictionService(db, &cfg.OpenAI)
	scoring := services.NewScoringService(predictor, services.NewIssueStore(db))

	// Initialize task queue (uses Redis if enabled, otherwise sync mode)
	taskQueue := services.InitTaskQueue(cfg)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(scoring.Process)
	}

	// Start async worker if the Redis queue is in use
	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.InitWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(scoring.Process)
			if err := worker.Start(); err != nil {
				logger.Errorf("Failed to start worker: %v", err)
			}
		}
	}

	publisher := services.NewPublisher(taskQueue)
	credentials := services.NewCredentialService(db, sealer, cfg.Jira)
	connectConfiguredCredential(credentials)
	syncService := services.NewSyncService(db, credentials, publisher, cfg.Sync)
	webhookService := services.NewWebhookService(credentials, publisher, cfg.Jira.WebhookSecret)

	scheduler := services.NewSyncScheduler(syncService, cfg.Sync.Cron)
	if err := scheduler.Start(); err != nil {
		logger.Errorf("Failed to start sync scheduler: %v", err)
	}

	// Failed predictions are resent from their stored payload
	rescore := services.NewRescoreService(db, taskQueue)
	rescore.Start(services.RescoreInterval)

	return &appServices{
		taskQueue:      taskQueue,
		worker:         worker,
		scheduler:      scheduler,
		rescore:        rescore,
		jiraHandler:    handlers.NewJiraHandler(credentials, syncService, cfg.Sync.RunOnConnect),
		webhookHandler: handlers.NewIssueWebhookHandler(webhookService),
		issueHandler:   handlers.NewIssueHandler(db, rescore),
		llmHandler:     handlers.NewLLMConfigHandler(db),
		healthHandler:  handlers.NewHealthHandler(db, taskQueue),
		metricsHandler: handlers.NewMetricsHandler(db, taskQueue),
	}
}

// connectConfiguredCredential stores the credential from the jira config
// section, if any. Failures are logged; the server still starts.
func connectConfiguredCredential(credentials *services.CredentialService) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cred, err := credentials.ConnectFromConfig(ctx)
	switch {
	case err != nil:
		logger.Warnf("Configured Jira credential not connected: %v", err)
	case cred != nil:
		logger.Infof("Configured Jira credential %d connected for %s", cred.ID, cred.Domain)
	}
}

// shutdown gracefully stops all services. Producers stop before the queue
// so no issue is published into a closed queue.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	s.rescore.Stop()
	s.jiraHandler.Shutdown()
	logger.Info().Msg("Sync producers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		if err := s.taskQueue.Close(); err != nil {
			logger.Warnf("Failed to close task queue: %v", err)
		}
	}
}
