package models

import (
	"time"
)

// Schedule is a cron-driven backup plan for one repository. Each firing
// produces a composite job: backup, then the optional follow-up tasks.
type Schedule struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Name           string `gorm:"uniqueIndex;not null;type:varchar(255)" json:"name"`
	RepositoryID   uint   `gorm:"not null;index" json:"repository_id"`
	CronExpression string `gorm:"not null;type:varchar(100)" json:"cron_expression"`
	Enabled        bool   `gorm:"default:true" json:"enabled"`

	SourcePath string `gorm:"not null;type:varchar(500)" json:"source_path"`
	Excludes   string `gorm:"type:text" json:"excludes"` // newline-separated patterns

	PruneEnabled bool `gorm:"default:false" json:"prune_enabled"`
	KeepWithin   string `gorm:"type:varchar(20)" json:"keep_within"`
	KeepDaily    int  `gorm:"default:0" json:"keep_daily"`
	KeepWeekly   int  `gorm:"default:0" json:"keep_weekly"`
	KeepMonthly  int  `gorm:"default:0" json:"keep_monthly"`
	KeepYearly   int  `gorm:"default:0" json:"keep_yearly"`

	CheckEnabled bool `gorm:"default:false" json:"check_enabled"`

	CloudSyncConfigID    *uint `json:"cloud_sync_config_id"`
	NotificationConfigID *uint `json:"notification_config_id"`

	LastRunAt *time.Time `json:"last_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Repository Repository `gorm:"foreignKey:RepositoryID" json:"repository,omitempty"`
}

func (Schedule) TableName() string {
	return "schedules"
}
