package models

import (
	"time"

	"gorm.io/gorm"
)

// Task statuses. Skipped means a prior critical task failed or the task's
// referenced configuration was disabled; it is never attempted and counts as
// success for the job outcome.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusSkipped   = "skipped"
)

// JobTask is one persisted step of a composite job. Output holds the task's
// captured output lines joined with newlines, oldest first.
type JobTask struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	JobID       string         `gorm:"not null;type:varchar(36);index:idx_job_task_order,unique" json:"job_id"`
	TaskOrder   int            `gorm:"not null;index:idx_job_task_order,unique" json:"task_order"`
	TaskType    string         `gorm:"not null;type:varchar(50)" json:"task_type"`
	TaskName    string         `gorm:"type:varchar(255)" json:"task_name"`
	Status      string         `gorm:"not null;type:varchar(20);default:'pending';index" json:"status"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	ReturnCode  *int           `json:"return_code"`
	Error       string         `gorm:"type:text" json:"error"`
	Output      string         `gorm:"type:text" json:"output"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Job Job `gorm:"foreignKey:JobID" json:"job,omitempty"`
}

func (JobTask) TableName() string {
	return "job_tasks"
}
