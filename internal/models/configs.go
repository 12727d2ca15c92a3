package models

import (
	"time"
)

// CloudSyncConfig selects a replication destination for a repository. A
// disabled config causes cloud_sync tasks that reference it to be skipped.
type CloudSyncConfig struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null;type:varchar(255)" json:"name"`
	Provider   string    `gorm:"not null;type:varchar(20)" json:"provider"` // s3, sftp
	RemotePath string    `gorm:"not null;type:varchar(500)" json:"remote_path"`
	Enabled    bool      `gorm:"default:true" json:"enabled"`
	ExtraArgs  string    `gorm:"type:text" json:"extra_args"` // space-separated rclone flags
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (CloudSyncConfig) TableName() string {
	return "cloud_sync_configs"
}

// NotificationConfig describes a push notification target. Credentials are
// provider-specific; only pushover is supported today.
type NotificationConfig struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;type:varchar(255)" json:"name"`
	Provider  string    `gorm:"not null;type:varchar(20);default:'pushover'" json:"provider"`
	UserKey   string    `gorm:"not null;type:varchar(255)" json:"-"`
	AppToken  string    `gorm:"not null;type:varchar(255)" json:"-"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (NotificationConfig) TableName() string {
	return "notification_configs"
}
