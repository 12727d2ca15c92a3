package models

import (
	"time"

	"gorm.io/gorm"
)

// Job statuses persisted to the database. The in-memory orchestrator mirrors
// these values; the database row is the durable system of record.
const (
	JobStatusPending   = "pending"
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const (
	JobKindSimple    = "simple"
	JobKindComposite = "composite"
)

type Job struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Kind              string         `gorm:"not null;type:varchar(20)" json:"kind"` // simple, composite
	Type              string         `gorm:"type:varchar(50)" json:"type"`          // manual_backup, scheduled_backup, command
	Status            string         `gorm:"not null;type:varchar(20);default:'pending';index" json:"status"`
	StartedAt         *time.Time     `json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at"`
	ReturnCode        *int           `json:"return_code"`
	ErrorMessage      string         `gorm:"type:text" json:"error_message"`
	RepositoryID      *uint          `gorm:"index" json:"repository_id"`
	CloudSyncConfigID *uint          `json:"cloud_sync_config_id"`
	ScheduleID        *uint          `json:"schedule_id"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`

	Repository *Repository `gorm:"foreignKey:RepositoryID" json:"repository,omitempty"`
	Tasks      []JobTask   `gorm:"foreignKey:JobID" json:"tasks,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// IsTerminal reports whether the persisted status is a final one.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
