package models

import "time"

// JiraCredential is one connected provider instance. Its identity for
// webhooks and stored issues is Domain. Rows are deactivated, not deleted,
// so the unique domain index stays meaningful.
type JiraCredential struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Name           string     `gorm:"size:200" json:"name"`
	Domain         string     `gorm:"uniqueIndex;size:255;not null" json:"domain"` // acme.atlassian.net
	BaseURL        string     `gorm:"size:500;not null" json:"base_url"`
	Email          string     `gorm:"size:255;not null" json:"email"`
	SealedAPIToken string     `gorm:"type:text" json:"-"`            // secretbox-sealed, base64
	TokenHint      string     `gorm:"size:20" json:"token_hint"`     // masked for display
	AccountID      string     `gorm:"size:128" json:"account_id"`    // from /myself
	TeamFieldID    string     `gorm:"size:100" json:"team_field_id"` // last discovered
	IsActive       bool       `gorm:"default:true" json:"is_active"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSyncStatus string     `gorm:"size:50" json:"last_sync_status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (JiraCredential) TableName() string { return "jira_credentials" }
