package services

import (
	"context"
	"sync"

	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/pkg/logger"
	"github.com/robfig/cron/v3"
)

// SyncScheduler re-runs SyncAllActive on a cron expression.
type SyncScheduler struct {
	cron    *cron.Cron
	sync    *SyncService
	expr    string
	entryID cron.EntryID
	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSyncScheduler(syncService *SyncService, expr string) *SyncScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncScheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		sync:   syncService,
		expr:   expr,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the job. An empty expression leaves the scheduler idle.
func (s *SyncScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.expr == "" {
		logger.Infof("[Scheduler] sync cron disabled")
		return nil
	}

	id, err := s.cron.AddFunc(s.expr, s.runOnce)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.running = true
	logger.Infof("[Scheduler] sync scheduled with expression %q", s.expr)
	return nil
}

func (s *SyncScheduler) runOnce() {
	results := s.sync.SyncAllActive(s.ctx, models.TriggerCron)
	sent, failed := 0, 0
	for _, r := range results {
		sent += r.Sent
		failed += r.Failed
	}
	logger.Infof("[Scheduler] scheduled sync done: credentials=%d sent=%d failed=%d", len(results), sent, failed)
}

// Stop cancels a running job and waits for it to return.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	logger.Infof("[Scheduler] stopped")
}
