// Package database persists job and task records. It is the durable system
// of record; the orchestrator's in-memory job map is a cache mirroring it.
// The manager never originates state changes.
package database

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"borgwarden/internal/crypto"
	"borgwarden/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for lookups with no matching record.
var ErrNotFound = errors.New("record not found")

// RepositoryData is a repository row with its passphrase decrypted.
type RepositoryData struct {
	ID          uint
	Name        string
	Path        string
	Passphrase  string
	Compression string
}

// Manager wraps the gorm handle for the orchestration core.
type Manager struct {
	db     *gorm.DB
	box    *crypto.Box
	logger *slog.Logger
}

// NewManager creates a new database manager.
func NewManager(db *gorm.DB, box *crypto.Box, logger *slog.Logger) *Manager {
	return &Manager{db: db, box: box, logger: logger}
}

// DB exposes the underlying handle for collaborating layers (API queries).
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// CreateJob inserts the job record, assigning an id if empty, and returns the
// job id.
func (m *Manager) CreateJob(job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	if err := m.db.Create(job).Error; err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	return job.ID, nil
}

// UpdateJobStatus updates the job row's status and, when provided, its
// finish time, return code and error message.
func (m *Manager) UpdateJobStatus(jobID, status string, finishedAt *time.Time, returnCode *int, errorMessage string) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if finishedAt != nil {
		updates["finished_at"] = *finishedAt
	}
	if returnCode != nil {
		updates["return_code"] = *returnCode
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	res := m.db.Model(&models.Job{}).Where("id = ?", jobID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update job status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// MarkJobStarted records the running transition with its start time.
func (m *Manager) MarkJobStarted(jobID string, startedAt time.Time) error {
	res := m.db.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
		"status":     models.JobStatusRunning,
		"started_at": startedAt,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to mark job started: %w", res.Error)
	}
	return nil
}

// SaveTasks upserts the full task list's current state. Task output lines are
// stored newline-joined, oldest first; an empty list persists as "".
func (m *Manager) SaveTasks(jobID string, tasks []models.JobTask) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range tasks {
		tasks[i].JobID = jobID
		tasks[i].TaskOrder = i
		tasks[i].UpdatedAt = now
		if tasks[i].CreatedAt.IsZero() {
			tasks[i].CreatedAt = now
		}
	}

	err := m.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "task_order"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "started_at", "completed_at", "return_code", "error", "output", "updated_at",
		}),
	}).Create(&tasks).Error
	if err != nil {
		return fmt.Errorf("failed to save tasks: %w", err)
	}
	return nil
}

// GetRepositoryData returns the repository with its passphrase decrypted.
func (m *Manager) GetRepositoryData(repositoryID uint) (*RepositoryData, error) {
	var repo models.Repository
	if err := m.db.First(&repo, "id = ?", repositoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repository %d: %w", repositoryID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load repository: %w", err)
	}

	passphrase, err := m.box.Decrypt(repo.EncryptedPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt passphrase for repository %d: %w", repositoryID, err)
	}

	return &RepositoryData{
		ID:          repo.ID,
		Name:        repo.Name,
		Path:        repo.Path,
		Passphrase:  passphrase,
		Compression: repo.Compression,
	}, nil
}

// GetCloudSyncConfig looks up a cloud sync configuration.
func (m *Manager) GetCloudSyncConfig(id uint) (*models.CloudSyncConfig, error) {
	var cfg models.CloudSyncConfig
	if err := m.db.First(&cfg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("cloud sync config %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load cloud sync config: %w", err)
	}
	return &cfg, nil
}

// GetNotificationConfig looks up a notification configuration.
func (m *Manager) GetNotificationConfig(id uint) (*models.NotificationConfig, error) {
	var cfg models.NotificationConfig
	if err := m.db.First(&cfg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("notification config %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load notification config: %w", err)
	}
	return &cfg, nil
}

// GetJobByUUID returns the job row with its tasks, ordered by task position.
func (m *Manager) GetJobByUUID(jobID string) (*models.Job, error) {
	var job models.Job
	err := m.db.Preload("Tasks", func(db *gorm.DB) *gorm.DB {
		return db.Order("task_order ASC")
	}).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// GetJobsByRepository lists recent jobs for a repository, newest first.
func (m *Manager) GetJobsByRepository(repositoryID uint, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.Job
	err := m.db.Where("repository_id = ?", repositoryID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// FindStaleRunningJobs returns jobs still marked running that started before
// the cutoff. Used by the startup recovery procedure.
func (m *Manager) FindStaleRunningJobs(cutoff time.Time) ([]models.Job, error) {
	var jobs []models.Job
	err := m.db.Where("status = ? AND started_at IS NOT NULL AND started_at < ?", models.JobStatusRunning, cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobInterrupted fails the job and all of its non-terminal tasks with the
// given error message.
func (m *Manager) MarkJobInterrupted(jobID, message string) error {
	now := time.Now().UTC()
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":        models.JobStatusFailed,
			"finished_at":   now,
			"error_message": message,
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("failed to mark job interrupted: %w", err)
		}
		if err := tx.Model(&models.JobTask{}).
			Where("job_id = ? AND status IN ?", jobID, []string{models.TaskStatusPending, models.TaskStatusRunning}).
			Updates(map[string]any{
				"status":       models.TaskStatusFailed,
				"completed_at": now,
				"error":        message,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("failed to mark tasks interrupted: %w", err)
		}
		return nil
	})
}

// ListEnabledSchedules returns the schedules that should be registered with
// the cron runner.
func (m *Manager) ListEnabledSchedules() ([]models.Schedule, error) {
	var schedules []models.Schedule
	if err := m.db.Where("enabled = ?", true).Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

// GetSchedule looks up one schedule.
func (m *Manager) GetSchedule(id uint) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := m.db.First(&schedule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return &schedule, nil
}

// TouchScheduleLastRun records when the schedule last fired.
func (m *Manager) TouchScheduleLastRun(id uint, at time.Time) error {
	err := m.db.Model(&models.Schedule{}).Where("id = ?", id).
		Update("last_run_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to update schedule last run: %w", err)
	}
	return nil
}

// CleanupOldJobs hard-deletes terminal jobs (and their tasks) finished before
// the retention window. Returns the number of jobs removed.
func (m *Manager) CleanupOldJobs(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var removed int64

	err := m.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Job{}).
			Where("status IN ? AND finished_at IS NOT NULL AND finished_at < ?",
				[]string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to select old jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Unscoped().Where("job_id IN ?", ids).Delete(&models.JobTask{}).Error; err != nil {
			return fmt.Errorf("failed to delete old tasks: %w", err)
		}
		res := tx.Unscoped().Where("id IN ?", ids).Delete(&models.Job{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete old jobs: %w", res.Error)
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("cleaned up old jobs", "removed", removed)
	}
	return removed, nil
}
