package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/pkg/logger"
	"gorm.io/gorm"
)

const (
	MaxRescoreCount  = 3
	RescoreInterval  = 5 * time.Minute
	RescoreBatchSize = 10
)

// ErrRescoreUnavailable means the record has no stored payload to resend.
var ErrRescoreUnavailable = errors.New("issue has no stored payload")

// RescoreService re-enqueues issues whose scoring failed permanently, using
// the normalized payload stored with the record.
type RescoreService struct {
	db     *gorm.DB
	queue  TaskQueue
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewRescoreService(db *gorm.DB, queue TaskQueue) *RescoreService {
	return &RescoreService{db: db, queue: queue}
}

// Start runs ProcessFailed every interval until Stop.
func (s *RescoreService) Start(interval time.Duration) {
	if interval <= 0 {
		interval = RescoreInterval
	}
	s.ticker = time.NewTicker(interval)
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.ProcessFailed(context.Background())
			case <-s.stop:
				return
			}
		}
	}()

	logger.Infof("[Rescore] Scheduler started, interval: %v, max rescores: %d", interval, MaxRescoreCount)
}

func (s *RescoreService) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
}

// ProcessFailed resends one batch of failed records and returns how many
// were queued.
func (s *RescoreService) ProcessFailed(ctx context.Context) int {
	var failed []models.IssueRecord
	err := s.db.WithContext(ctx).
		Where("prediction_status = ? AND rescore_count < ?", models.PredictionFailed, MaxRescoreCount).
		Order("updated_at ASC").
		Limit(RescoreBatchSize).
		Find(&failed).Error
	if err != nil {
		logger.Errorf("[Rescore] Failed to fetch failed issues: %v", err)
		return 0
	}
	if len(failed) == 0 {
		return 0
	}

	logger.Infof("[Rescore] Processing %d failed issues", len(failed))
	queued := 0
	for i := range failed {
		if err := s.resend(ctx, &failed[i]); err != nil {
			logger.Warnf("[Rescore] %s/%s not resent: %v", failed[i].Domain, failed[i].Key, err)
			continue
		}
		queued++
	}
	return queued
}

// Rescore resends one stored issue regardless of its status or count.
func (s *RescoreService) Rescore(ctx context.Context, domain, key string) error {
	rec, err := NewIssueStore(s.db).Get(ctx, domain, key)
	if err != nil {
		return err
	}
	return s.resend(ctx, rec)
}

func (s *RescoreService) resend(ctx context.Context, rec *models.IssueRecord) error {
	if rec.Payload == "" {
		return ErrRescoreUnavailable
	}
	err := s.db.WithContext(ctx).Model(rec).Updates(map[string]interface{}{
		"rescore_count":     gorm.Expr("rescore_count + ?", 1),
		"prediction_status": models.PredictionPending,
	}).Error
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if err := s.queue.Enqueue(ctx, []byte(rec.Payload)); err != nil {
		// Put it back so the next tick picks it up again.
		s.db.WithContext(context.WithoutCancel(ctx)).Model(rec).Update("prediction_status", models.PredictionFailed)
		return err
	}
	logger.Infof("[Rescore] %s/%s queued (attempt %d/%d)", rec.Domain, rec.Key, rec.RescoreCount+1, MaxRescoreCount)
	return nil
}
