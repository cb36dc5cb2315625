package models

import "time"

// Sync run triggers.
const (
	TriggerManual  = "manual"
	TriggerConnect = "connect"
	TriggerCron    = "cron"
	TriggerCLI     = "cli"
)

// Sync run statuses.
const (
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// SyncRun records one full synchronisation of a credential.
type SyncRun struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	CredentialID   uint       `gorm:"index;not null" json:"credential_id"`
	Trigger        string     `gorm:"size:20" json:"trigger"`
	Status         string     `gorm:"size:20;index" json:"status"`
	Projects       int        `json:"projects"`
	FailedProjects int        `json:"failed_projects"`
	Sent           int        `json:"sent"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	Error          string     `gorm:"type:text" json:"error"`
	StartedAt      time.Time  `gorm:"index" json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

func (SyncRun) TableName() string { return "sync_runs" }
