package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"borgwarden/internal/auth"
	"borgwarden/internal/crypto"
	"borgwarden/internal/database"
	"borgwarden/internal/jobs"
	"borgwarden/internal/models"
	"borgwarden/internal/queue"
	"borgwarden/internal/scheduler"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler contains the API handlers.
type Handler struct {
	db     *gorm.DB
	dbm    *database.Manager
	jobs   *jobs.Manager
	sched  *scheduler.Scheduler
	auth   *auth.Service
	box    *crypto.Box
	logger *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(db *gorm.DB, dbm *database.Manager, jm *jobs.Manager, sched *scheduler.Scheduler,
	authsvc *auth.Service, box *crypto.Box, logger *slog.Logger) *Handler {
	return &Handler{
		db:     db,
		dbm:    dbm,
		jobs:   jm,
		sched:  sched,
		auth:   authsvc,
		box:    box,
		logger: logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// LoginRequest carries login credentials.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates a user and returns a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "username": req.Username})
}

// GetStats returns queue occupancy and job counts by status.
func (h *Handler) GetStats(c *gin.Context) {
	stats := h.jobs.QueueStats()

	counts := map[string]int64{}
	rows := []struct {
		Status string
		Count  int64
	}{}
	if err := h.db.Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err == nil {
		for _, row := range rows {
			counts[row.Status] = row.Count
		}
	}

	c.JSON(http.StatusOK, gin.H{"queue": stats, "jobs_by_status": counts})
}

// ListJobs returns persisted jobs, newest first.
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := c.Query("status")

	query := h.db.Model(&models.Job{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var total int64
	query.Count(&total)

	var records []models.Job
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records, "total": total, "limit": limit, "offset": offset})
}

// GetJob returns one persisted job with its tasks.
func (h *Handler) GetJob(c *gin.Context) {
	record, err := h.dbm.GetJobByUUID(c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetJobStatus returns the live status snapshot of a job.
func (h *Handler) GetJobStatus(c *gin.Context) {
	view, err := h.jobs.GetJobStatus(c.Param("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// StreamJobOutput replays buffered output and follows new lines as
// server-sent events until the job finishes or the client disconnects.
func (h *Handler) StreamJobOutput(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.jobs.GetJobStatus(jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ch := h.jobs.StreamJobOutput(c.Request.Context(), jobID)
	c.Stream(func(w io.Writer) bool {
		line, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent("output", line)
		return true
	})
}

// StreamEvents pushes orchestrator events as server-sent events, with
// periodic keepalives during quiet stretches.
func (h *Handler) StreamEvents(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sub := h.jobs.SubscribeEvents()
	defer h.jobs.UnsubscribeEvents(sub)

	ch := h.jobs.StreamEvents(c.Request.Context(), sub)
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Type), ev)
		return true
	})
}

// CancelJob requests cancellation of a queued or running job.
func (h *Handler) CancelJob(c *gin.Context) {
	err := h.jobs.CancelJob(c.Param("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, jobs.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "job is not running or queued"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}

// CleanupJob removes a finished job from memory immediately.
func (h *Handler) CleanupJob(c *gin.Context) {
	if !h.jobs.CleanupJob(c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is unknown or still active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleaned"})
}

// CreateBackupRequest describes a manual backup run and its follow-up tasks.
type CreateBackupRequest struct {
	RepositoryID uint     `json:"repository_id" binding:"required"`
	SourcePaths  []string `json:"source_paths" binding:"required"`
	ArchiveName  string   `json:"archive_name"`
	Compression  string   `json:"compression"`
	Excludes     []string `json:"excludes"`
	DryRun       bool     `json:"dry_run"`

	Prune *struct {
		KeepWithin  string `json:"keep_within"`
		KeepDaily   int    `json:"keep_daily"`
		KeepWeekly  int    `json:"keep_weekly"`
		KeepMonthly int    `json:"keep_monthly"`
		KeepYearly  int    `json:"keep_yearly"`
	} `json:"prune"`
	Check *struct {
		RepositoryOnly bool `json:"repository_only"`
		ArchivesOnly   bool `json:"archives_only"`
		VerifyData     bool `json:"verify_data"`
	} `json:"check"`
	CloudSyncConfigID    *uint `json:"cloud_sync_config_id"`
	NotificationConfigID *uint `json:"notification_config_id"`
	NotifyOnSuccess      bool  `json:"notify_on_success"`
	NotifyOnFailure      bool  `json:"notify_on_failure"`
}

// CreateBackup starts a manual composite backup job.
func (h *Handler) CreateBackup(c *gin.Context) {
	var req CreateBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.SourcePaths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_paths is required"})
		return
	}
	if _, err := h.dbm.GetRepositoryData(req.RepositoryID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}

	defs := []jobs.TaskDefinition{{
		Type: jobs.TaskTypeBackup,
		Name: "backup " + strings.Join(req.SourcePaths, " "),
		Params: jobs.BackupParams{
			SourcePaths: req.SourcePaths,
			ArchiveName: req.ArchiveName,
			Compression: req.Compression,
			Excludes:    req.Excludes,
			DryRun:      req.DryRun,
		},
	}}
	if req.Prune != nil {
		defs = append(defs, jobs.TaskDefinition{
			Type: jobs.TaskTypePrune,
			Name: "prune",
			Params: jobs.PruneParams{
				KeepWithin:  req.Prune.KeepWithin,
				KeepDaily:   req.Prune.KeepDaily,
				KeepWeekly:  req.Prune.KeepWeekly,
				KeepMonthly: req.Prune.KeepMonthly,
				KeepYearly:  req.Prune.KeepYearly,
				ShowStats:   true,
				ShowList:    true,
			},
		})
	}
	if req.Check != nil {
		defs = append(defs, jobs.TaskDefinition{
			Type: jobs.TaskTypeCheck,
			Name: "check",
			Params: jobs.CheckParams{
				RepositoryOnly: req.Check.RepositoryOnly,
				ArchivesOnly:   req.Check.ArchivesOnly,
				VerifyData:     req.Check.VerifyData,
			},
		})
	}
	if req.CloudSyncConfigID != nil {
		defs = append(defs, jobs.TaskDefinition{
			Type:   jobs.TaskTypeCloudSync,
			Name:   "cloud sync",
			Params: jobs.CloudSyncParams{ConfigID: *req.CloudSyncConfigID},
		})
	}
	if req.NotificationConfigID != nil {
		defs = append(defs, jobs.TaskDefinition{
			Type: jobs.TaskTypeNotification,
			Name: "notify",
			Params: jobs.NotificationParams{
				ConfigID:        *req.NotificationConfigID,
				NotifyOnSuccess: req.NotifyOnSuccess,
				NotifyOnFailure: req.NotifyOnFailure,
			},
		})
	}

	job, err := h.jobs.CreateCompositeJob(defs, req.RepositoryID, jobs.CompositeOptions{
		JobType:           "manual_backup",
		CloudSyncConfigID: req.CloudSyncConfigID,
		Priority:          queue.PriorityHigh,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID, "status": job.View().Status})
}

// RunCommandRequest describes a raw command job.
type RunCommandRequest struct {
	Command  []string          `json:"command" binding:"required"`
	Env      map[string]string `json:"env"`
	IsBackup bool              `json:"is_backup"`
}

// RunCommand starts a single-command job.
func (h *Handler) RunCommand(c *gin.Context) {
	var req RunCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.jobs.StartCommand(req.Command, req.Env, req.IsBackup)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID})
}

// RepositoryRequest carries repository creation and update fields.
type RepositoryRequest struct {
	Name        string `json:"name" binding:"required"`
	Path        string `json:"path" binding:"required"`
	Passphrase  string `json:"passphrase"`
	Compression string `json:"compression"`
}

// ListRepositories lists all repositories. Passphrases stay sealed.
func (h *Handler) ListRepositories(c *gin.Context) {
	var repos []models.Repository
	if err := h.db.Order("name").Find(&repos).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

// CreateRepository registers a repository, sealing its passphrase.
func (h *Handler) CreateRepository(c *gin.Context) {
	var req RepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Passphrase == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "passphrase is required"})
		return
	}
	sealed, err := h.box.Encrypt(req.Passphrase)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	repo := models.Repository{
		Name:                req.Name,
		Path:                req.Path,
		EncryptedPassphrase: sealed,
		Compression:         req.Compression,
	}
	if repo.Compression == "" {
		repo.Compression = "zstd"
	}
	if err := h.db.Create(&repo).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, repo)
}

// UpdateRepository updates a repository; an empty passphrase keeps the
// current one.
func (h *Handler) UpdateRepository(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var repo models.Repository
	if err := h.db.First(&repo, uint(id)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}
	var req RepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	repo.Name = req.Name
	repo.Path = req.Path
	if req.Compression != "" {
		repo.Compression = req.Compression
	}
	if req.Passphrase != "" {
		sealed, err := h.box.Encrypt(req.Passphrase)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		repo.EncryptedPassphrase = sealed
	}
	if err := h.db.Save(&repo).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, repo)
}

// DeleteRepository removes a repository record. The borg repository on disk
// is untouched.
func (h *Handler) DeleteRepository(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	res := h.db.Delete(&models.Repository{}, uint(id))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListRepositoryJobs lists recent jobs for one repository.
func (h *Handler) ListRepositoryJobs(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.dbm.GetJobsByRepository(uint(id), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

// ListSchedules lists all schedules.
func (h *Handler) ListSchedules(c *gin.Context) {
	var schedules []models.Schedule
	if err := h.db.Order("name").Find(&schedules).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// CreateSchedule registers a cron schedule and activates it.
func (h *Handler) CreateSchedule(c *gin.Context) {
	var schedule models.Schedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := scheduler.ParseCron(schedule.CronExpression); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cron expression: " + err.Error()})
		return
	}
	if err := h.db.Create(&schedule).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err := h.sched.Reload(schedule.ID); err != nil {
		h.logger.Error("schedule reload failed", "schedule_id", schedule.ID, "error", err)
	}
	c.JSON(http.StatusCreated, schedule)
}

// UpdateSchedule updates a schedule and re-registers it with the cron runner.
func (h *Handler) UpdateSchedule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var schedule models.Schedule
	if err := h.db.First(&schedule, uint(id)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	if err := c.ShouldBindJSON(&schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	schedule.ID = uint(id)
	if _, err := scheduler.ParseCron(schedule.CronExpression); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cron expression: " + err.Error()})
		return
	}
	if err := h.db.Save(&schedule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.sched.Reload(schedule.ID); err != nil {
		h.logger.Error("schedule reload failed", "schedule_id", schedule.ID, "error", err)
	}
	c.JSON(http.StatusOK, schedule)
}

// DeleteSchedule removes a schedule and unregisters it.
func (h *Handler) DeleteSchedule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	res := h.db.Delete(&models.Schedule{}, uint(id))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	if err := h.sched.Sync(); err != nil {
		h.logger.Error("schedule sync failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListCloudSyncConfigs lists replication destinations.
func (h *Handler) ListCloudSyncConfigs(c *gin.Context) {
	var configs []models.CloudSyncConfig
	if err := h.db.Order("name").Find(&configs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

// CreateCloudSyncConfig registers a replication destination.
func (h *Handler) CreateCloudSyncConfig(c *gin.Context) {
	var cfg models.CloudSyncConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cfg.Provider != "s3" && cfg.Provider != "sftp" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be s3 or sftp"})
		return
	}
	if err := h.db.Create(&cfg).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// DeleteCloudSyncConfig removes a replication destination.
func (h *Handler) DeleteCloudSyncConfig(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	res := h.db.Delete(&models.CloudSyncConfig{}, uint(id))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// NotificationConfigRequest carries notification target fields; credentials
// are accepted on create but never echoed back.
type NotificationConfigRequest struct {
	Name     string `json:"name" binding:"required"`
	Provider string `json:"provider"`
	UserKey  string `json:"user_key" binding:"required"`
	AppToken string `json:"app_token" binding:"required"`
	Enabled  *bool  `json:"enabled"`
}

// ListNotificationConfigs lists notification targets.
func (h *Handler) ListNotificationConfigs(c *gin.Context) {
	var configs []models.NotificationConfig
	if err := h.db.Order("name").Find(&configs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

// CreateNotificationConfig registers a notification target.
func (h *Handler) CreateNotificationConfig(c *gin.Context) {
	var req NotificationConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := models.NotificationConfig{
		Name:     req.Name,
		Provider: req.Provider,
		UserKey:  req.UserKey,
		AppToken: req.AppToken,
		Enabled:  true,
	}
	if cfg.Provider == "" {
		cfg.Provider = "pushover"
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if err := h.db.Create(&cfg).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// DeleteNotificationConfig removes a notification target.
func (h *Handler) DeleteNotificationConfig(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	res := h.db.Delete(&models.NotificationConfig{}, uint(id))
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
