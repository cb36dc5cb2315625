package models

import (
	"time"
)

// Prediction statuses of an IssueRecord.
const (
	PredictionPending   = "pending"
	PredictionCompleted = "completed"
	PredictionFailed    = "failed"
)

// IssueRecord is a normalized issue merged with its latest prediction.
// Domain plus Key is unique, so redelivered messages update in place.
type IssueRecord struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Domain              string     `gorm:"uniqueIndex:idx_issue_domain_key;size:255;not null" json:"domain"`
	Key                 string     `gorm:"uniqueIndex:idx_issue_domain_key;size:100;not null" json:"key"`
	ProjectName         string     `gorm:"size:255;index" json:"project_name"`
	Team                string     `gorm:"size:255" json:"team"`
	Summary             string     `gorm:"type:text" json:"summary"`
	Assignee            string     `gorm:"size:255" json:"assignee"`
	Reporter            string     `gorm:"size:255" json:"reporter"`
	Labels              string     `gorm:"type:text" json:"labels"` // JSON array
	OriginalEstimate    string     `gorm:"size:50" json:"original_estimate"`
	RemainingEstimate   string     `gorm:"size:50" json:"remaining_estimate"`
	TimeLogged          string     `gorm:"size:50" json:"time_logged"`
	WorklogEntries      int        `json:"worklog_entries"`
	Status              string     `gorm:"size:100;index" json:"status"`
	DueDate             string     `gorm:"size:50" json:"due_date"`
	IssueUpdatedAt      *string    `gorm:"size:40" json:"updated_at"`
	InactivityDays      *int       `json:"inactivity_days"`
	LastStatusChangeAt  *string    `gorm:"size:40" json:"last_status_change_at"`
	DaysInCurrentStatus string     `gorm:"size:20" json:"days_in_current_status"` // number or Unknown
	Priority            string     `gorm:"size:50" json:"priority"`
	StatusTransition    string     `gorm:"type:text" json:"status_transition"` // JSON, may be empty
	Payload             string     `gorm:"type:text" json:"-"`                 // normalized issue as received
	DelayLabel          string     `gorm:"size:20;index" json:"ai_delay_label"`
	DelayScore          *float64   `json:"ai_delay_score"`
	PriorityScore       *float64   `json:"ai_priority_score"`
	AISummary           string     `gorm:"type:text" json:"ai_summary"`
	PredictionStatus    string     `gorm:"size:20;default:pending" json:"prediction_status"`
	ErrorMessage        string     `gorm:"type:text" json:"error_message"`
	RescoreCount        int        `gorm:"default:0" json:"rescore_count"`
	LLMConfigID         *uint      `json:"llm_config_id"`
	ScoredAt            *time.Time `json:"scored_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"record_updated_at"`
}

func (IssueRecord) TableName() string { return "issue_records" }
