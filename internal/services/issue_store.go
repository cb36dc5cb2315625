package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIssueIdentity is returned for records without a domain or key; they
// cannot be upserted idempotently.
var ErrIssueIdentity = errors.New("issue has no domain or key")

// issueColumns are overwritten on every upsert of the issue half.
var issueColumns = []string{
	"project_name", "team", "summary", "assignee", "reporter", "labels",
	"original_estimate", "remaining_estimate", "time_logged", "worklog_entries",
	"status", "due_date", "issue_updated_at", "inactivity_days",
	"last_status_change_at", "days_in_current_status", "priority",
	"status_transition", "payload", "updated_at",
}

var predictionColumns = []string{
	"delay_label", "delay_score", "priority_score", "ai_summary",
	"prediction_status", "error_message", "llm_config_id", "scored_at",
	"rescore_count",
}

// IssueStore persists scored issues keyed by (domain, key).
type IssueStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewIssueStore(db *gorm.DB) *IssueStore {
	return &IssueStore{db: db, now: time.Now}
}

// SavePrediction merges item with pred and upserts it.
func (s *IssueStore) SavePrediction(ctx context.Context, item *issue.NormalizedIssue, pred *Prediction) error {
	rec, err := recordFromIssue(item)
	if err != nil {
		return err
	}
	scoredAt := s.now()
	rec.DelayLabel = pred.DelayLabel
	rec.DelayScore = &pred.DelayScore
	rec.PriorityScore = &pred.PriorityScore
	rec.AISummary = pred.Summary
	rec.PredictionStatus = models.PredictionCompleted
	rec.ErrorMessage = ""
	rec.LLMConfigID = pred.LLMConfigID
	rec.ScoredAt = &scoredAt

	return s.upsert(ctx, rec, append(append([]string{}, issueColumns...), predictionColumns...))
}

// SaveFailure stores the issue data and records why scoring failed,
// keeping any earlier prediction.
func (s *IssueStore) SaveFailure(ctx context.Context, item *issue.NormalizedIssue, cause error) error {
	rec, err := recordFromIssue(item)
	if err != nil {
		return err
	}
	rec.PredictionStatus = models.PredictionFailed
	rec.ErrorMessage = cause.Error()

	return s.upsert(ctx, rec, append(append([]string{}, issueColumns...), "prediction_status", "error_message"))
}

func (s *IssueStore) upsert(ctx context.Context, rec *models.IssueRecord, columns []string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(rec).Error
}

func recordFromIssue(item *issue.NormalizedIssue) (*models.IssueRecord, error) {
	if item == nil || item.Domain == "" || item.Key == "" {
		return nil, ErrIssueIdentity
	}
	labels, err := json.Marshal(item.Labels)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var transition string
	if len(item.StatusTransition) > 0 {
		b, err := json.Marshal(item.StatusTransition)
		if err != nil {
			return nil, err
		}
		transition = string(b)
	}

	return &models.IssueRecord{
		Domain:              item.Domain,
		Key:                 item.Key,
		ProjectName:         item.ProjectName,
		Team:                item.Team,
		Summary:             item.Summary,
		Assignee:            item.Assignee,
		Reporter:            item.Reporter,
		Labels:              string(labels),
		OriginalEstimate:    item.OriginalEstimate,
		RemainingEstimate:   item.RemainingEstimate,
		TimeLogged:          item.TimeLogged,
		WorklogEntries:      item.WorklogEntries,
		Status:              item.Status,
		DueDate:             item.DueDate,
		IssueUpdatedAt:      item.UpdatedAt,
		InactivityDays:      item.InactivityDays,
		LastStatusChangeAt:  item.LastStatusChangeAt,
		DaysInCurrentStatus: item.DaysInCurrentStatus.String(),
		Priority:            item.Priority,
		StatusTransition:    transition,
		Payload:             string(payload),
		PredictionStatus:    models.PredictionPending,
	}, nil
}

// IssueFilter selects stored issues.
type IssueFilter struct {
	Domain     string `form:"domain"`
	Project    string `form:"project"`
	DelayLabel string `form:"delay_label"`
	Status     string `form:"status"`
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
}

func (s *IssueStore) List(ctx context.Context, f IssueFilter) ([]models.IssueRecord, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.IssueRecord{})
	if f.Domain != "" {
		query = query.Where("domain = ?", f.Domain)
	}
	if f.Project != "" {
		query = query.Where("project_name = ?", f.Project)
	}
	if f.DelayLabel != "" {
		query = query.Where("delay_label = ?", f.DelayLabel)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []models.IssueRecord
	err := query.
		Order("priority_score IS NULL, priority_score DESC, id ASC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Get returns one stored issue. An empty domain matches any domain, and the
// oldest row wins when several instances share a key.
func (s *IssueStore) Get(ctx context.Context, domain, key string) (*models.IssueRecord, error) {
	if key == "" {
		return nil, ErrIssueIdentity
	}
	// Struct conditions skip a zero Domain and quote the reserved "key" column.
	var rec models.IssueRecord
	err := s.db.WithContext(ctx).
		Where(&models.IssueRecord{Domain: domain, Key: key}).
		Order("id ASC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
