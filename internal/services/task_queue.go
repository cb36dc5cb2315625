package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/pkg/logger"
)

const (
	TaskTypeScoreIssue = "issue:score"

	scoreQueue       = "default"
	scoreMaxRetry    = 5
	scoreTaskTimeout = 2 * time.Minute
)

// IssueProcessor consumes one serialized NormalizedIssue.
type IssueProcessor func(ctx context.Context, payload []byte) error

// TaskQueue is the at-least-once delivery channel for normalized issues.
type TaskQueue interface {
	// Enqueue submits payload once; it does not retry.
	Enqueue(ctx context.Context, payload []byte) error
	// IsAsync returns true if queue processes tasks asynchronously
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// ErrNoProcessor is returned by SyncQueue.Enqueue before SetProcessor is called.
var ErrNoProcessor = errors.New("sync queue has no processor set")

var (
	globalTaskQueue TaskQueue
	taskQueueOnce   sync.Once
)

// InitTaskQueue initializes the global task queue based on config
func InitTaskQueue(cfg *config.Config) TaskQueue {
	taskQueueOnce.Do(func() {
		if cfg.Redis.Enabled {
			queue, err := NewAsyncQueue(&cfg.Redis)
			if err != nil {
				logger.Warnf("[TaskQueue] Redis unavailable, falling back to sync mode: %v", err)
				globalTaskQueue = NewSyncQueue(4)
			} else {
				logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
				globalTaskQueue = queue
			}
		} else {
			logger.Infof("[TaskQueue] Sync queue initialized (Redis disabled)")
			globalTaskQueue = NewSyncQueue(4)
		}
	})
	return globalTaskQueue
}

// GetTaskQueue returns the global task queue instance
func GetTaskQueue() TaskQueue {
	return globalTaskQueue
}

// AsyncQueue implements TaskQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	opt := redisOpt(cfg)
	client := asynq.NewClient(opt)

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

func (q *AsyncQueue) Enqueue(ctx context.Context, payload []byte) error {
	t := asynq.NewTask(TaskTypeScoreIssue, payload)
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(scoreQueue),
		asynq.MaxRetry(scoreMaxRetry),
		asynq.Timeout(scoreTaskTimeout),
	)
	if err != nil {
		return err
	}

	logger.Debugf("[AsyncQueue] Task enqueued: id=%s, queue=%s", info.ID, info.Queue)
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue runs the processor in-process without Redis. At most limit
// payloads are processed at once; Enqueue blocks when all slots are busy.
type SyncQueue struct {
	mu        sync.RWMutex
	processor IssueProcessor
	slots     chan struct{}
	wg        sync.WaitGroup
}

func NewSyncQueue(limit int) *SyncQueue {
	if limit <= 0 {
		limit = 1
	}
	return &SyncQueue{slots: make(chan struct{}, limit)}
}

// SetProcessor sets the function to process tasks
func (q *SyncQueue) SetProcessor(processor IssueProcessor) {
	q.mu.Lock()
	q.processor = processor
	q.mu.Unlock()
}

func (q *SyncQueue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.RLock()
	processor := q.processor
	q.mu.RUnlock()
	if processor == nil {
		return ErrNoProcessor
	}

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.wg.Add(1)
	go func() {
		defer func() {
			<-q.slots
			q.wg.Done()
		}()
		if err := processor(context.Background(), payload); err != nil {
			logger.Warnf("[SyncQueue] Task processing failed: %v", err)
		}
	}()
	return nil
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close waits for in-flight tasks.
func (q *SyncQueue) Close() error {
	q.wg.Wait()
	return nil
}

// Publisher hands normalized issues to a TaskQueue, one attempt per call.
type Publisher struct {
	queue TaskQueue
}

func NewPublisher(queue TaskQueue) *Publisher {
	return &Publisher{queue: queue}
}

// Publish serializes item and submits it. It reports failure as false and
// never retries; the caller counts the outcome.
func (p *Publisher) Publish(ctx context.Context, item *issue.NormalizedIssue) bool {
	if p == nil || p.queue == nil {
		logger.Errorf("[Queue] no task queue configured, dropping %s", keyOf(item))
		return false
	}
	if item == nil {
		logger.Errorf("[Queue] refusing to publish a nil issue")
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		logger.Error().Err(err).Str("key", item.Key).Msg("[Queue] failed to serialize issue")
		return false
	}
	if err := p.queue.Enqueue(ctx, payload); err != nil {
		logger.Error().Err(err).Str("key", item.Key).Str("domain", item.Domain).Msg("[Queue] failed to publish issue")
		return false
	}
	return true
}

func keyOf(item *issue.NormalizedIssue) string {
	if item == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s", item.Domain, item.Key)
}
