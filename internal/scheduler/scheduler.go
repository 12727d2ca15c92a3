// Package scheduler turns schedule rows into composite jobs on their cron
// expressions. It also runs the daily retention sweep over old job records.
package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"borgwarden/internal/database"
	"borgwarden/internal/jobs"
	"borgwarden/internal/models"
	"borgwarden/internal/queue"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler registers enabled schedules with a cron runner and submits a
// composite job each time one fires.
type Scheduler struct {
	db        *database.Manager
	jobs      *jobs.Manager
	logger    *slog.Logger
	retention time.Duration

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[uint]cron.EntryID
}

// New constructs a scheduler. retention bounds how long finished job records
// are kept; zero disables the sweep.
func New(db *database.Manager, jobManager *jobs.Manager, retention time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		db:        db,
		jobs:      jobManager,
		logger:    logger,
		retention: retention,
		cron:      cron.New(cron.WithParser(cronParser)),
		entries:   make(map[uint]cron.EntryID),
	}
}

// Start syncs all enabled schedules and begins the cron loop.
func (s *Scheduler) Start() error {
	if err := s.Sync(); err != nil {
		return err
	}
	if s.retention > 0 {
		_, err := s.cron.AddFunc("30 3 * * *", s.sweepOldJobs)
		if err != nil {
			return fmt.Errorf("register cleanup sweep: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop; the returned context is done once in-flight
// dispatches finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the enabled schedules in the database.
func (s *Scheduler) Sync() error {
	schedules, err := s.db.ListEnabledSchedules()
	if err != nil {
		return err
	}
	seen := make(map[uint]bool, len(schedules))
	for i := range schedules {
		schedule := schedules[i]
		seen[schedule.ID] = true
		if err := s.register(schedule); err != nil {
			s.logger.Error("schedule registration failed", "schedule", schedule.Name, "error", err)
		}
	}
	// Drop entries for schedules deleted or disabled since the last sync.
	s.entryMu.Lock()
	for id, entryID := range s.entries {
		if !seen[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}
	s.entryMu.Unlock()
	return nil
}

// Reload re-registers one schedule after it changed; a disabled or deleted
// schedule is removed from the runner.
func (s *Scheduler) Reload(scheduleID uint) error {
	s.remove(scheduleID)
	schedule, err := s.db.GetSchedule(scheduleID)
	if err != nil {
		return err
	}
	if !schedule.Enabled {
		return nil
	}
	return s.register(*schedule)
}

func (s *Scheduler) register(schedule models.Schedule) error {
	if _, err := ParseCron(schedule.CronExpression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpression, err)
	}

	s.remove(schedule.ID)
	scheduleID := schedule.ID
	entryID, err := s.cron.AddFunc(schedule.CronExpression, func() {
		s.fire(scheduleID)
	})
	if err != nil {
		return err
	}

	s.entryMu.Lock()
	s.entries[schedule.ID] = entryID
	s.entryMu.Unlock()
	s.logger.Info("schedule registered", "schedule", schedule.Name, "cron", schedule.CronExpression)
	return nil
}

func (s *Scheduler) remove(scheduleID uint) {
	s.entryMu.Lock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
	s.entryMu.Unlock()
}

// fire submits one composite job for the schedule. The schedule row is
// re-read at fire time so edits take effect without a resync.
func (s *Scheduler) fire(scheduleID uint) {
	schedule, err := s.db.GetSchedule(scheduleID)
	if err != nil {
		s.logger.Error("schedule fire: lookup failed", "schedule_id", scheduleID, "error", err)
		return
	}
	if !schedule.Enabled {
		return
	}

	defs := BuildTaskPlan(schedule)
	schedID := schedule.ID
	job, err := s.jobs.CreateCompositeJob(defs, schedule.RepositoryID, jobs.CompositeOptions{
		JobType:           "scheduled_backup",
		CloudSyncConfigID: schedule.CloudSyncConfigID,
		ScheduleID:        &schedID,
		Priority:          queue.PriorityNormal,
	})
	if err != nil {
		s.logger.Error("schedule fire: job creation failed", "schedule", schedule.Name, "error", err)
		return
	}
	if err := s.db.TouchScheduleLastRun(schedule.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("schedule fire: last run update failed", "schedule", schedule.Name, "error", err)
	}
	s.logger.Info("scheduled job created", "schedule", schedule.Name, "job_id", job.ID)
}

// BuildTaskPlan expands a schedule into its ordered task definitions: backup
// first, then prune, check, cloud sync, and notification as configured.
func BuildTaskPlan(schedule *models.Schedule) []jobs.TaskDefinition {
	var excludes []string
	for _, pattern := range strings.Split(schedule.Excludes, "\n") {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			excludes = append(excludes, pattern)
		}
	}

	defs := []jobs.TaskDefinition{{
		Type: jobs.TaskTypeBackup,
		Name: "backup " + schedule.SourcePath,
		Params: jobs.BackupParams{
			SourcePaths: []string{schedule.SourcePath},
			Excludes:    excludes,
		},
	}}

	if schedule.PruneEnabled {
		defs = append(defs, jobs.TaskDefinition{
			Type: jobs.TaskTypePrune,
			Name: "prune",
			Params: jobs.PruneParams{
				KeepWithin:  schedule.KeepWithin,
				KeepDaily:   schedule.KeepDaily,
				KeepWeekly:  schedule.KeepWeekly,
				KeepMonthly: schedule.KeepMonthly,
				KeepYearly:  schedule.KeepYearly,
				ShowStats:   true,
				ShowList:    true,
			},
		})
	}
	if schedule.CheckEnabled {
		defs = append(defs, jobs.TaskDefinition{
			Type:   jobs.TaskTypeCheck,
			Name:   "check",
			Params: jobs.CheckParams{},
		})
	}
	if schedule.CloudSyncConfigID != nil {
		defs = append(defs, jobs.TaskDefinition{
			Type:   jobs.TaskTypeCloudSync,
			Name:   "cloud sync",
			Params: jobs.CloudSyncParams{ConfigID: *schedule.CloudSyncConfigID},
		})
	}
	if schedule.NotificationConfigID != nil {
		defs = append(defs, jobs.TaskDefinition{
			Type: jobs.TaskTypeNotification,
			Name: "notify",
			Params: jobs.NotificationParams{
				ConfigID:        *schedule.NotificationConfigID,
				NotifyOnSuccess: true,
				NotifyOnFailure: true,
			},
		})
	}
	return defs
}

func (s *Scheduler) sweepOldJobs() {
	removed, err := s.db.CleanupOldJobs(s.retention)
	if err != nil {
		s.logger.Error("job record sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("job record sweep", "removed", removed)
	}
}
