package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"borgwarden/internal/borg"
	"borgwarden/internal/cloudsync"
	"borgwarden/internal/database"
	"borgwarden/internal/events"
	"borgwarden/internal/executor"
	"borgwarden/internal/models"
	"borgwarden/internal/notify"
	"borgwarden/internal/output"
)

// Deps bundles the collaborators task executors work against. Executors never
// change job or task status; they do the work, append output, and return an
// error for the sequencer to act on.
type Deps struct {
	Executor *executor.Executor
	DB       *database.Manager
	Output   *output.Store
	Events   *events.Broadcaster
	Cloud    cloudsync.Syncer
	Notifier notify.Sender
	Procs    *ProcessTable
	Logger   *slog.Logger
}

// TaskExecutor runs one task of a composite job. Implementations set the
// task's ReturnCode and append output; a non-nil error marks the task failed.
// Returning errSkipTask marks it skipped instead.
type TaskExecutor interface {
	Execute(ctx context.Context, deps *Deps, job *Job, task *Task) error
}

// errSkipTask signals that a task's preconditions were not met and it should
// be recorded as skipped rather than failed.
var errSkipTask = errors.New("task skipped")

// relay returns the per-line callback shared by process-backed tasks: every
// line lands in the task buffer, the output store, and the event stream.
func relay(deps *Deps, job *Job, task *Task, taskIndex int) func(line string, progress map[string]any) {
	return func(line string, progress map[string]any) {
		task.AppendOutput(line)
		deps.Output.AppendLine(job.ID, line, "stdout", progress)
		deps.Events.Broadcast(events.Event{
			Type:      events.TypeTaskOutput,
			JobID:     job.ID,
			TaskIndex: &taskIndex,
			Data:      map[string]any{"line": line},
		})
		if len(progress) > 0 {
			deps.Events.Broadcast(events.Event{
				Type:  events.TypeJobProgress,
				JobID: job.ID,
				Data:  progress,
			})
		}
	}
}

// runBorg starts a borg command for the task, streams its output, and maps
// the exit code onto the task. The process is registered for cancellation
// while it runs.
func runBorg(ctx context.Context, deps *Deps, job *Job, task *Task, cmd borg.Command) error {
	taskIndex := job.CurrentTaskIndex
	deps.Logger.Info("starting process", "job_id", job.ID, "task", task.Name, "command", borg.Redact(cmd.Argv))

	proc, err := deps.Executor.StartProcess(ctx, cmd.Argv, cmd.Env)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	deps.Procs.Register(job.ID, proc)
	defer deps.Procs.Unregister(job.ID)

	result := deps.Executor.MonitorOutput(proc, relay(deps, job, task, taskIndex))
	task.ReturnCode = &result.ReturnCode
	if result.ReturnCode != 0 {
		msg := fmt.Sprintf("exit code %d", result.ReturnCode)
		if result.Err != "" {
			msg = result.Err
		}
		return errors.New(msg)
	}
	return nil
}

// BackupExecutor creates a borg archive for the job's repository.
type BackupExecutor struct{}

func (BackupExecutor) Execute(ctx context.Context, deps *Deps, job *Job, task *Task) error {
	params, ok := task.Params.(BackupParams)
	if !ok {
		return fmt.Errorf("backup task carries %T parameters", task.Params)
	}
	repo, err := deps.DB.GetRepositoryData(job.RepositoryID)
	if err != nil {
		return fmt.Errorf("repository %d: %w", job.RepositoryID, err)
	}
	compression := params.Compression
	if compression == "" {
		compression = repo.Compression
	}
	cmd := borg.BuildCreate(repo.Path, repo.Passphrase, borg.CreateOptions{
		ArchiveName: params.ArchiveName,
		SourcePaths: params.SourcePaths,
		Compression: compression,
		Excludes:    params.Excludes,
		DryRun:      params.DryRun,
	})
	return runBorg(ctx, deps, job, task, cmd)
}

// PruneExecutor applies the retention policy to the job's repository.
type PruneExecutor struct{}

func (PruneExecutor) Execute(ctx context.Context, deps *Deps, job *Job, task *Task) error {
	params, ok := task.Params.(PruneParams)
	if !ok {
		return fmt.Errorf("prune task carries %T parameters", task.Params)
	}
	repo, err := deps.DB.GetRepositoryData(job.RepositoryID)
	if err != nil {
		return fmt.Errorf("repository %d: %w", job.RepositoryID, err)
	}
	cmd := borg.BuildPrune(repo.Path, repo.Passphrase, borg.PruneOptions{
		KeepWithin:  params.KeepWithin,
		KeepDaily:   params.KeepDaily,
		KeepWeekly:  params.KeepWeekly,
		KeepMonthly: params.KeepMonthly,
		KeepYearly:  params.KeepYearly,
		ShowStats:   params.ShowStats,
		ShowList:    params.ShowList,
		SaveSpace:   params.SaveSpace,
		ForcePrune:  params.ForcePrune,
		DryRun:      params.DryRun,
	})
	return runBorg(ctx, deps, job, task, cmd)
}

// CheckExecutor verifies repository integrity.
type CheckExecutor struct{}

func (CheckExecutor) Execute(ctx context.Context, deps *Deps, job *Job, task *Task) error {
	params, ok := task.Params.(CheckParams)
	if !ok {
		return fmt.Errorf("check task carries %T parameters", task.Params)
	}
	repo, err := deps.DB.GetRepositoryData(job.RepositoryID)
	if err != nil {
		return fmt.Errorf("repository %d: %w", job.RepositoryID, err)
	}
	cmd := borg.BuildCheck(repo.Path, repo.Passphrase, borg.CheckOptions{
		RepositoryOnly: params.RepositoryOnly,
		ArchivesOnly:   params.ArchivesOnly,
		VerifyData:     params.VerifyData,
		Repair:         params.Repair,
	})
	return runBorg(ctx, deps, job, task, cmd)
}

// CloudSyncExecutor replicates the repository to its remote destination. A
// missing or disabled config skips the task rather than failing the job.
type CloudSyncExecutor struct{}

func (CloudSyncExecutor) Execute(ctx context.Context, deps *Deps, job *Job, task *Task) error {
	params, ok := task.Params.(CloudSyncParams)
	if !ok {
		return fmt.Errorf("cloud sync task carries %T parameters", task.Params)
	}
	configID := params.ConfigID
	if configID == 0 && job.CloudSyncConfigID != nil {
		configID = *job.CloudSyncConfigID
	}
	if configID == 0 {
		return fmt.Errorf("no cloud sync config: %w", errSkipTask)
	}
	cfg, err := deps.DB.GetCloudSyncConfig(configID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("cloud sync config %d not found: %w", configID, errSkipTask)
	}
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("cloud sync config %q disabled: %w", cfg.Name, errSkipTask)
	}
	repo, err := deps.DB.GetRepositoryData(job.RepositoryID)
	if err != nil {
		return fmt.Errorf("repository %d: %w", job.RepositoryID, err)
	}

	taskIndex := job.CurrentTaskIndex
	onLine := relay(deps, job, task, taskIndex)
	if err := deps.Cloud.Sync(ctx, repo.Path, cfg, func(line string) { onLine(line, nil) }); err != nil {
		return err
	}
	code := 0
	task.ReturnCode = &code
	return nil
}

// NotificationExecutor reports the outcome of the tasks that ran before it.
// The outcome is success only when every prior non-notification task
// completed or was skipped; an empty prior list counts as success.
type NotificationExecutor struct{}

func (NotificationExecutor) Execute(ctx context.Context, deps *Deps, job *Job, task *Task) error {
	params, ok := task.Params.(NotificationParams)
	if !ok {
		return fmt.Errorf("notification task carries %T parameters", task.Params)
	}
	if params.ConfigID == 0 {
		return fmt.Errorf("no notification config: %w", errSkipTask)
	}
	cfg, err := deps.DB.GetNotificationConfig(params.ConfigID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("notification config %d not found: %w", params.ConfigID, errSkipTask)
	}
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("notification config %q disabled: %w", cfg.Name, errSkipTask)
	}

	succeeded, failedTask := priorOutcome(job, task)
	if succeeded && !params.NotifyOnSuccess {
		return fmt.Errorf("success notifications disabled: %w", errSkipTask)
	}
	if !succeeded && !params.NotifyOnFailure {
		return fmt.Errorf("failure notifications disabled: %w", errSkipTask)
	}

	title, message := notificationBody(job, succeeded, failedTask)
	status, err := deps.Notifier.Send(ctx, cfg, title, message)
	if err != nil {
		return fmt.Errorf("notification send (status %d): %w", status, err)
	}
	task.AppendOutput(fmt.Sprintf("notification sent via %s (status %d)", cfg.Provider, status))
	code := 0
	task.ReturnCode = &code
	return nil
}

// priorOutcome inspects the tasks ordered before this one. Skipped counts as
// success; the first failed task, if any, is returned for the message body.
func priorOutcome(job *Job, task *Task) (bool, *Task) {
	for _, prior := range job.Tasks {
		if prior == task {
			break
		}
		if prior.Type == TaskTypeNotification {
			continue
		}
		if prior.Status == models.TaskStatusFailed {
			return false, prior
		}
		if prior.Status != models.TaskStatusCompleted && prior.Status != models.TaskStatusSkipped {
			return false, prior
		}
	}
	return true, nil
}

func notificationBody(job *Job, succeeded bool, failedTask *Task) (string, string) {
	when := time.Now().UTC().Format(time.RFC3339)
	if succeeded {
		return fmt.Sprintf("Backup job %s completed", job.Type),
			fmt.Sprintf("Job %s finished successfully at %s.", job.ID, when)
	}
	detail := "a task did not complete"
	if failedTask != nil {
		detail = fmt.Sprintf("task %q failed", failedTask.Name)
		if failedTask.Error != "" {
			detail += ": " + failedTask.Error
		}
	}
	return fmt.Sprintf("Backup job %s failed", job.Type),
		fmt.Sprintf("Job %s: %s.", job.ID, detail)
}
