package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/pkg/logger"
)

// ScoringService is the queue consumer: it scores each delivered issue and
// upserts the merged record. Deliveries may repeat; the upsert by
// (domain, key) makes that harmless.
type ScoringService struct {
	predictor Predictor
	store     *IssueStore
}

func NewScoringService(predictor Predictor, store *IssueStore) *ScoringService {
	return &ScoringService{predictor: predictor, store: store}
}

// Process handles one message body. Errors wrapping asynq.SkipRetry are
// permanent; any other error asks the queue to redeliver.
func (s *ScoringService) Process(ctx context.Context, payload []byte) error {
	var item issue.NormalizedIssue
	if err := json.Unmarshal(payload, &item); err != nil {
		logger.Errorf("[Scoring] undecodable message dropped: %v", err)
		return fmt.Errorf("decode issue: %v: %w", err, asynq.SkipRetry)
	}
	if item.Domain == "" || item.Key == "" {
		logger.Errorf("[Scoring] message without domain or key dropped")
		return fmt.Errorf("%w: %w", ErrIssueIdentity, asynq.SkipRetry)
	}

	pred, err := s.predictor.Predict(ctx, &item)
	if err != nil {
		if saveErr := s.store.SaveFailure(ctx, &item, err); saveErr != nil {
			logger.Errorf("[Scoring] failed to record scoring failure for %s/%s: %v", item.Domain, item.Key, saveErr)
		}
		if errors.Is(err, ErrInvalidPrediction) {
			return fmt.Errorf("score %s: %v: %w", item.Key, err, asynq.SkipRetry)
		}
		return fmt.Errorf("score %s: %w", item.Key, err)
	}

	if err := s.store.SavePrediction(ctx, &item, pred); err != nil {
		return fmt.Errorf("store %s: %w", item.Key, err)
	}
	logger.Infof("[Scoring] %s/%s stored as %s (delay %.2f, priority %.2f)",
		item.Domain, item.Key, pred.DelayLabel, pred.DelayScore, pred.PriorityScore)
	return nil
}
