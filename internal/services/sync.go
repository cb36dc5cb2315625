package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/issuesentry/internal/config"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/jira"
	"github.com/huangang/issuesentry/internal/models"
	"github.com/huangang/issuesentry/pkg/logger"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	syncLockName = "jira-sync"
	syncLockTTL  = 2 * time.Hour
)

// ErrSyncInProgress means another run holds the credential's sync lock.
var ErrSyncInProgress = errors.New("a sync is already running for this credential")

// IssuePublisher hands one normalized issue to the queue.
type IssuePublisher interface {
	Publish(ctx context.Context, item *issue.NormalizedIssue) bool
}

// ProjectOutcome is the per-project tally of one run.
type ProjectOutcome struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Fetched int    `json:"fetched"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// SyncResult is the outcome of a run that started. Sent and Failed count
// publish results; Skipped counts issues without a fields container.
type SyncResult struct {
	RunID          string           `json:"run_id"`
	CredentialID   uint             `json:"credential_id"`
	Domain         string           `json:"domain"`
	TeamFieldID    string           `json:"team_field_id"`
	Sent           int              `json:"sent"`
	Failed         int              `json:"failed"`
	Skipped        int              `json:"skipped"`
	FailedProjects int              `json:"failed_projects"`
	Projects       []ProjectOutcome `json:"projects"`
	Error          string           `json:"error,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
}

// SyncService walks every project of a credential and publishes each
// normalized issue. Each run builds its own client, so concurrent runs
// for different credentials share no throttling or connection state.
type SyncService struct {
	db          *gorm.DB
	credentials *CredentialService
	publisher   IssuePublisher
	locks       *LockService
	syncCfg     config.SyncConfig
	lockTTL     time.Duration
	now         func() time.Time
}

func NewSyncService(db *gorm.DB, credentials *CredentialService, publisher IssuePublisher, syncCfg config.SyncConfig) *SyncService {
	return &SyncService{
		db:          db,
		credentials: credentials,
		publisher:   publisher,
		locks:       NewLockService(db),
		syncCfg:     syncCfg,
		lockTTL:     syncLockTTL,
		now:         time.Now,
	}
}

// SyncAll runs a full sync of the credential with the given id. Setup
// problems (bad id, missing or unreadable credential, run already active)
// return a nil result and an error. Every started run returns a result and
// a nil error, whatever happened to individual projects.
func (s *SyncService) SyncAll(ctx context.Context, credentialID, trigger string) (*SyncResult, error) {
	cred, err := s.credentials.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	client, err := s.credentials.NewClient(cred)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	acquired, err := s.locks.TryAcquire(ctx, syncLockName, cred.Domain, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, cred.Domain)
	}
	defer func() {
		if err := s.locks.Release(context.Background(), syncLockName, cred.Domain); err != nil {
			logger.Warnf("[Sync] failed to release lock for %s: %v", cred.Domain, err)
		}
	}()

	// The run must end before the lock expires and another replica takes it.
	runCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()
	return s.run(runCtx, cred, client, trigger), nil
}

// SyncAllActive runs SyncAll for every active credential in turn.
func (s *SyncService) SyncAllActive(ctx context.Context, trigger string) []*SyncResult {
	creds, err := s.credentials.ListActive(ctx)
	if err != nil {
		logger.Errorf("[Sync] failed to list credentials: %v", err)
		return nil
	}
	var results []*SyncResult
	for _, cred := range creds {
		if ctx.Err() != nil {
			break
		}
		result, err := s.SyncAll(ctx, fmt.Sprint(cred.ID), trigger)
		if err != nil {
			logger.Warnf("[Sync] credential %d (%s) not synced: %v", cred.ID, cred.Domain, err)
			continue
		}
		results = append(results, result)
	}
	return results
}

func (s *SyncService) run(ctx context.Context, cred *models.JiraCredential, client *jira.Client, trigger string) *SyncResult {
	result := &SyncResult{
		RunID:        uuid.NewString(),
		CredentialID: cred.ID,
		Domain:       cred.Domain,
		StartedAt:    s.now(),
	}
	runRow := &models.SyncRun{
		ID:           result.RunID,
		CredentialID: cred.ID,
		Trigger:      trigger,
		Status:       models.SyncRunning,
		StartedAt:    result.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(runRow).Error; err != nil {
		logger.Warnf("[Sync] failed to record run %s: %v", result.RunID, err)
	}
	log := logger.With("sync").With().Str("run_id", result.RunID).Str("domain", cred.Domain).Logger()
	log.Info().Str("trigger", trigger).Msg("[Sync] run started")

	teamField, err := client.DiscoverTeamField(ctx)
	switch {
	case err != nil:
		teamField = cred.TeamFieldID
		log.Warn().Err(err).Str("fallback", teamField).Msg("[Sync] team field discovery failed")
	case teamField == "":
		log.Info().Msg("[Sync] no team field on this instance")
	}
	result.TeamFieldID = teamField

	projects, err := client.ListProjects(ctx)
	if err != nil {
		log.Error().Err(err).Int("partial", len(projects)).Msg("[Sync] project listing failed")
		result.Error = fmt.Sprintf("list projects: %v", err)
	}
	if err != nil && len(projects) == 0 {
		s.finish(ctx, cred, runRow, result, teamField)
		return result
	}

	result.Projects = make([]ProjectOutcome, len(projects))
	var sent, failed, skipped atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.projectConcurrency())
	for i, p := range projects {
		g.Go(func() error {
			out := s.syncProject(ctx, client, p, cred.Domain, teamField)
			sent.Add(int64(out.Sent))
			failed.Add(int64(out.Failed))
			skipped.Add(int64(out.Skipped))
			result.Projects[i] = out
			return nil
		})
	}
	_ = g.Wait()

	result.Sent = int(sent.Load())
	result.Failed = int(failed.Load())
	result.Skipped = int(skipped.Load())
	for _, out := range result.Projects {
		if out.Err != nil {
			result.FailedProjects++
		}
	}

	s.finish(ctx, cred, runRow, result, teamField)
	log.Info().
		Int("projects", len(projects)).
		Int("failed_projects", result.FailedProjects).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("[Sync] run finished")
	return result
}

// syncProject fetches, normalizes and publishes one project's issues. A
// fetch error stops this project only; issues already fetched still count.
func (s *SyncService) syncProject(ctx context.Context, client *jira.Client, p jira.ProjectRef, domain, teamField string) ProjectOutcome {
	out := ProjectOutcome{Key: p.Key, Name: p.Name}
	fetcher := client.ProjectIssues(p.Key, teamField)

	fetched, err := fetcher.Each(ctx, func(items []map[string]any) error {
		now := s.now()
		for _, raw := range items {
			item, nerr := issue.Normalize(raw, issue.Options{
				ProjectName: p.Name,
				TeamFieldID: teamField,
				Domain:      domain,
				Now:         now,
			})
			if nerr != nil {
				out.Skipped++
				logger.Warnf("[Sync] skipping issue %v in %s: %v", raw["key"], p.Key, nerr)
				continue
			}
			if s.publisher.Publish(ctx, item) {
				out.Sent++
			} else {
				out.Failed++
			}
		}
		return nil
	})
	out.Fetched = fetched
	if err != nil {
		out.Err = err
		out.Error = err.Error()
		logger.Warnf("[Sync] project %s stopped after %d issues: %v", p.Key, fetched, err)
	}
	return out
}

func (s *SyncService) projectConcurrency() int {
	if s.syncCfg.ProjectConcurrency > 0 {
		return s.syncCfg.ProjectConcurrency
	}
	return 1
}

func (s *SyncService) finish(ctx context.Context, cred *models.JiraCredential, runRow *models.SyncRun, result *SyncResult, teamField string) {
	result.FinishedAt = s.now()
	status := models.SyncCompleted
	if result.Error != "" {
		status = models.SyncFailed
	}

	finished := result.FinishedAt
	runRow.Status = status
	runRow.Projects = len(result.Projects)
	runRow.FailedProjects = result.FailedProjects
	runRow.Sent = result.Sent
	runRow.Failed = result.Failed
	runRow.Skipped = result.Skipped
	runRow.Error = result.Error
	runRow.FinishedAt = &finished

	db := s.db.WithContext(context.WithoutCancel(ctx))
	if err := db.Save(runRow).Error; err != nil {
		logger.Warnf("[Sync] failed to update run %s: %v", runRow.ID, err)
	}

	updates := map[string]interface{}{
		"last_sync_at":     finished,
		"last_sync_status": status,
	}
	if teamField != "" {
		updates["team_field_id"] = teamField
	}
	if err := db.Model(&models.JiraCredential{}).Where("id = ?", cred.ID).Updates(updates).Error; err != nil {
		logger.Warnf("[Sync] failed to update credential %d: %v", cred.ID, err)
	}
}

// Runs lists recent sync runs, newest first.
func (s *SyncService) Runs(ctx context.Context, credentialID uint, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if credentialID > 0 {
		query = query.Where("credential_id = ?", credentialID)
	}
	var runs []models.SyncRun
	err := query.Find(&runs).Error
	return runs, err
}
