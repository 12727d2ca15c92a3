// Package jobs contains the orchestration core: jobs move through
// pending -> queued -> running -> completed/failed/cancelled, composite jobs
// sequence tasks in order, and every state change is persisted before the
// next decision is made.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"borgwarden/internal/database"
	"borgwarden/internal/events"
	"borgwarden/internal/models"
	"borgwarden/internal/output"
	"borgwarden/internal/queue"
)

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrNotCancellable is returned when a job is already in a terminal state.
var ErrNotCancellable = errors.New("job is not running or queued")

// Config bounds the orchestrator's resource usage.
type Config struct {
	MaxConcurrentBackups int
	MaxOutputLines       int
	AutoCleanupDelay     time.Duration
	GraceTimeout         time.Duration
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentBackups: 5,
		MaxOutputLines:       1000,
		AutoCleanupDelay:     30 * time.Second,
		GraceTimeout:         5 * time.Second,
	}
}

// CompositeOptions carries the optional attributes of a composite job.
type CompositeOptions struct {
	JobType           string // defaults to manual_backup
	CloudSyncConfigID *uint
	ScheduleID        *uint
	Priority          queue.Priority
}

// Manager owns the in-memory job registry and drives jobs to completion. All
// background work it spawns is tied to its lifecycle and joined on Shutdown.
type Manager struct {
	cfg       Config
	deps      *Deps
	queue     *queue.Manager
	executors map[TaskType]TaskExecutor
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the orchestrator. The default task executors are
// installed; SetTaskExecutor can override individual types.
func NewManager(cfg Config, deps *Deps) *Manager {
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = 1000
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		queue:  queue.NewManager(cfg.MaxConcurrentBackups, deps.Logger),
		logger: deps.Logger,
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
		executors: map[TaskType]TaskExecutor{
			TaskTypeBackup:       BackupExecutor{},
			TaskTypePrune:        PruneExecutor{},
			TaskTypeCheck:        CheckExecutor{},
			TaskTypeCloudSync:    CloudSyncExecutor{},
			TaskTypeNotification: NotificationExecutor{},
		},
	}
	m.queue.SetCallbacks(m.startQueued, m.queuedDone)
	return m
}

// SetTaskExecutor replaces the executor for one task type. Must be called
// before Start.
func (m *Manager) SetTaskExecutor(t TaskType, exec TaskExecutor) {
	m.executors[t] = exec
}

// Start launches the queue dispatch loop.
func (m *Manager) Start() {
	m.queue.Start()
}

// Shutdown terminates live processes, stops the queue, and joins all
// background goroutines, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for jobID, proc := range m.deps.Procs.Snapshot() {
		m.logger.Info("terminating process on shutdown", "job_id", jobID, "pid", proc.PID())
		m.deps.Executor.Terminate(proc, m.cfg.GraceTimeout)
	}
	if err := m.queue.Shutdown(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs shutdown timed out: %w", ctx.Err())
	}
}

// CreateCompositeJob persists a new multi-task job and enqueues it. The job
// id is returned through the job handle; execution starts once a concurrency
// slot frees up.
func (m *Manager) CreateCompositeJob(defs []TaskDefinition, repositoryID uint, opts CompositeOptions) (*Job, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("composite job needs at least one task")
	}
	for i, def := range defs {
		if def.Params == nil {
			return nil, fmt.Errorf("task %d (%s) has no parameters", i, def.Type)
		}
		if def.Params.Type() != def.Type {
			return nil, fmt.Errorf("task %d declares %s but carries %s parameters", i, def.Type, def.Params.Type())
		}
	}
	jobType := opts.JobType
	if jobType == "" {
		jobType = "manual_backup"
	}

	repoID := repositoryID
	record := &models.Job{
		Kind:              models.JobKindComposite,
		Type:              jobType,
		Status:            models.JobStatusQueued,
		RepositoryID:      &repoID,
		CloudSyncConfigID: opts.CloudSyncConfigID,
		ScheduleID:        opts.ScheduleID,
	}
	jobID, err := m.deps.DB.CreateJob(record)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	job := &Job{
		ID:                jobID,
		Kind:              models.JobKindComposite,
		Type:              jobType,
		Status:            models.JobStatusQueued,
		CreatedAt:         time.Now().UTC(),
		RepositoryID:      repositoryID,
		CloudSyncConfigID: opts.CloudSyncConfigID,
		ScheduleID:        opts.ScheduleID,
	}
	for _, def := range defs {
		name := def.Name
		if name == "" {
			name = string(def.Type)
		}
		job.Tasks = append(job.Tasks, &Task{
			Type:           def.Type,
			Name:           name,
			Status:         models.TaskStatusPending,
			Params:         def.Params,
			maxOutputLines: m.cfg.MaxOutputLines,
		})
	}
	if err := m.deps.DB.SaveTasks(jobID, job.taskRecords()); err != nil {
		return nil, fmt.Errorf("save tasks: %w", err)
	}

	m.register(job)
	m.deps.Output.CreateJobOutput(jobID)
	m.deps.Events.Broadcast(events.Event{Type: events.TypeJobQueued, JobID: jobID})
	if err := m.queue.Enqueue(jobID, jobType, opts.Priority); err != nil {
		return nil, err
	}
	return job, nil
}

// StartCommand runs a single external command as a simple job. Backup-class
// commands go through the queue; anything else starts immediately.
func (m *Manager) StartCommand(command []string, env map[string]string, isBackup bool) (*Job, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	record := &models.Job{
		Kind:   models.JobKindSimple,
		Type:   "command",
		Status: models.JobStatusQueued,
	}
	jobID, err := m.deps.DB.CreateJob(record)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	job := &Job{
		ID:        jobID,
		Kind:      models.JobKindSimple,
		Type:      "command",
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
		Command:   command,
		Env:       env,
	}
	m.register(job)
	m.deps.Output.CreateJobOutput(jobID)
	m.deps.Events.Broadcast(events.Event{Type: events.TypeJobQueued, JobID: jobID})

	if isBackup {
		if err := m.queue.Enqueue(jobID, "command", queue.PriorityNormal); err != nil {
			return nil, err
		}
		return job, nil
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSimple(job)
	}()
	return job, nil
}

func (m *Manager) register(job *Job) {
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
}

func (m *Manager) lookup(jobID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID]
}

// startQueued is the queue's start callback; it runs the job to completion on
// the queue's worker goroutine.
func (m *Manager) startQueued(jobID string) bool {
	job := m.lookup(jobID)
	if job == nil {
		m.logger.Error("queued job missing from registry", "job_id", jobID)
		return false
	}
	if job.cancelRequested.Load() {
		m.logger.Info("skipping cancelled job", "job_id", jobID)
		return false
	}
	if job.IsComposite() {
		return m.runComposite(job)
	}
	return m.runSimple(job)
}

func (m *Manager) queuedDone(jobID string, success bool) {
	m.logger.Debug("queue slot released", "job_id", jobID, "success", success)
}

// runComposite executes the job's tasks in order. Each task's final state is
// persisted before the continue/abort decision; a critical task failure skips
// everything after it.
func (m *Manager) runComposite(job *Job) bool {
	startedAt := job.markRunning()
	if err := m.deps.DB.MarkJobStarted(job.ID, startedAt); err != nil {
		m.logger.Error("persist job start failed", "job_id", job.ID, "error", err)
	}
	m.deps.Events.Broadcast(events.Event{Type: events.TypeJobStarted, JobID: job.ID})

	for i, task := range job.Tasks {
		if job.cancelRequested.Load() {
			break
		}
		job.setCurrentTask(i)
		m.executeTask(job, i)

		if task.Status == models.TaskStatusFailed && task.Type.IsCritical() {
			for _, rest := range job.Tasks[i+1:] {
				rest.skip("skipped: critical task " + task.Name + " failed")
			}
			m.persistTasks(job)
			break
		}
		m.persistTasks(job)
	}

	if job.cancelRequested.Load() {
		m.persistTasks(job)
		m.deps.Output.MarkCompleted(job.ID)
		m.scheduleCleanup(job.ID)
		return false
	}
	return m.finishComposite(job)
}

// finishComposite derives the job outcome from its tasks: failed if any task
// failed, completed otherwise. Skipped tasks count as success.
func (m *Manager) finishComposite(job *Job) bool {
	var firstFailed *Task
	for _, task := range job.Tasks {
		if task.Status == models.TaskStatusFailed {
			firstFailed = task
			break
		}
	}

	status := models.JobStatusCompleted
	returnCode := 0
	errMsg := ""
	if firstFailed != nil {
		status = models.JobStatusFailed
		returnCode = 1
		if firstFailed.ReturnCode != nil {
			returnCode = *firstFailed.ReturnCode
		}
		errMsg = fmt.Sprintf("task %q failed", firstFailed.Name)
		if firstFailed.Error != "" {
			errMsg += ": " + firstFailed.Error
		}
	}

	if job.finish(status, &returnCode, errMsg) {
		now := time.Now().UTC()
		if err := m.deps.DB.UpdateJobStatus(job.ID, status, &now, &returnCode, errMsg); err != nil {
			m.logger.Error("persist job finish failed", "job_id", job.ID, "error", err)
		}
		evType := events.TypeJobCompleted
		if status == models.JobStatusFailed {
			evType = events.TypeJobFailed
		}
		m.deps.Events.Broadcast(events.Event{
			Type:  evType,
			JobID: job.ID,
			Data:  map[string]any{"status": status, "error": errMsg},
		})
	}
	m.deps.Output.MarkCompleted(job.ID)
	m.scheduleCleanup(job.ID)
	return status == models.JobStatusCompleted
}

// executeTask runs one task through its type executor. A panicking executor
// fails the task without taking the sequencer down.
func (m *Manager) executeTask(job *Job, taskIndex int) {
	task := job.Tasks[taskIndex]
	now := time.Now().UTC()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	m.deps.Events.Broadcast(events.Event{
		Type:      events.TypeTaskStarted,
		JobID:     job.ID,
		TaskIndex: &taskIndex,
		Data:      map[string]any{"task_name": task.Name, "task_type": string(task.Type)},
	})

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task executor panicked", "job_id", job.ID, "task", task.Name, "panic", r)
			task.fail(-1, fmt.Sprintf("internal error: %v", r))
			m.broadcastTaskDone(job, taskIndex)
		}
	}()

	exec, ok := m.executors[task.Type]
	if !ok {
		task.fail(-1, fmt.Sprintf("no executor for task type %s", task.Type))
		m.broadcastTaskDone(job, taskIndex)
		return
	}

	err := exec.Execute(m.ctx, m.deps, job, task)
	done := time.Now().UTC()
	switch {
	case errors.Is(err, errSkipTask):
		task.skip(err.Error())
		task.CompletedAt = &done
	case err != nil:
		code := -1
		if task.ReturnCode != nil {
			code = *task.ReturnCode
		}
		task.fail(code, err.Error())
	default:
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &done
		if task.ReturnCode == nil {
			code := 0
			task.ReturnCode = &code
		}
	}
	m.broadcastTaskDone(job, taskIndex)
}

func (m *Manager) broadcastTaskDone(job *Job, taskIndex int) {
	task := job.Tasks[taskIndex]
	evType := events.TypeTaskCompleted
	if task.Status == models.TaskStatusFailed {
		evType = events.TypeTaskFailed
	}
	m.deps.Events.Broadcast(events.Event{
		Type:      evType,
		JobID:     job.ID,
		TaskIndex: &taskIndex,
		Data:      map[string]any{"task_name": task.Name, "status": task.Status, "error": task.Error},
	})
}

func (m *Manager) persistTasks(job *Job) {
	if err := m.deps.DB.SaveTasks(job.ID, job.taskRecords()); err != nil {
		m.logger.Error("persist tasks failed", "job_id", job.ID, "error", err)
	}
}

// runSimple executes a single-command job directly.
func (m *Manager) runSimple(job *Job) bool {
	startedAt := job.markRunning()
	if err := m.deps.DB.MarkJobStarted(job.ID, startedAt); err != nil {
		m.logger.Error("persist job start failed", "job_id", job.ID, "error", err)
	}
	m.deps.Events.Broadcast(events.Event{Type: events.TypeJobStarted, JobID: job.ID})

	proc, err := m.deps.Executor.StartProcess(m.ctx, job.Command, job.Env)
	if err != nil {
		return m.finishSimple(job, -1, fmt.Sprintf("launch: %v", err))
	}
	m.deps.Procs.Register(job.ID, proc)
	result := m.deps.Executor.MonitorOutput(proc, func(line string, progress map[string]any) {
		m.deps.Output.AppendLine(job.ID, line, "stdout", progress)
		m.deps.Events.Broadcast(events.Event{
			Type:  events.TypeTaskOutput,
			JobID: job.ID,
			Data:  map[string]any{"line": line},
		})
	})
	m.deps.Procs.Unregister(job.ID)
	return m.finishSimple(job, result.ReturnCode, result.Err)
}

func (m *Manager) finishSimple(job *Job, returnCode int, errMsg string) bool {
	status := models.JobStatusCompleted
	if returnCode != 0 {
		status = models.JobStatusFailed
		if errMsg == "" {
			errMsg = fmt.Sprintf("exit code %d", returnCode)
		}
	}
	if job.finish(status, &returnCode, errMsg) {
		now := time.Now().UTC()
		if err := m.deps.DB.UpdateJobStatus(job.ID, status, &now, &returnCode, errMsg); err != nil {
			m.logger.Error("persist job finish failed", "job_id", job.ID, "error", err)
		}
		evType := events.TypeJobCompleted
		if status == models.JobStatusFailed {
			evType = events.TypeJobFailed
		}
		m.deps.Events.Broadcast(events.Event{Type: evType, JobID: job.ID, Data: map[string]any{"status": status, "error": errMsg}})
	}
	m.deps.Output.MarkCompleted(job.ID)
	m.scheduleCleanup(job.ID)
	return status == models.JobStatusCompleted
}

// CancelJob requests cancellation of a queued or running job. A running
// process gets SIGTERM, then SIGKILL after the grace period.
func (m *Manager) CancelJob(jobID string) error {
	job := m.lookup(jobID)
	if job == nil {
		return ErrJobNotFound
	}
	if !job.markCancelled() {
		return ErrNotCancellable
	}

	if proc := m.deps.Procs.Get(jobID); proc != nil {
		m.deps.Executor.Terminate(proc, m.cfg.GraceTimeout)
	}

	now := time.Now().UTC()
	if err := m.deps.DB.UpdateJobStatus(jobID, models.JobStatusCancelled, &now, nil, "cancelled by user"); err != nil {
		m.logger.Error("persist cancellation failed", "job_id", jobID, "error", err)
	}
	m.deps.Events.Broadcast(events.Event{Type: events.TypeJobCancelled, JobID: jobID})
	m.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

// CleanupJob drops a terminal job from the in-memory registry and clears its
// output buffer. The database record stays. Returns false when the job is
// unknown or still active.
func (m *Manager) CleanupJob(jobID string) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if ok {
		job.mu.Lock()
		terminal := job.Status == models.JobStatusCompleted ||
			job.Status == models.JobStatusFailed ||
			job.Status == models.JobStatusCancelled
		job.mu.Unlock()
		if !terminal {
			ok = false
		} else {
			delete(m.jobs, jobID)
		}
	}
	m.mu.Unlock()
	if ok {
		m.deps.Output.ClearJobOutput(jobID)
		m.logger.Debug("job cleaned up", "job_id", jobID)
	}
	return ok
}

// scheduleCleanup removes the finished job from memory after the configured
// delay so late subscribers can still read its output.
func (m *Manager) scheduleCleanup(jobID string) {
	if m.cfg.AutoCleanupDelay <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(m.cfg.AutoCleanupDelay):
			m.CleanupJob(jobID)
		case <-m.ctx.Done():
		}
	}()
}

// GetJob returns the in-memory job handle.
func (m *Manager) GetJob(jobID string) (*Job, error) {
	job := m.lookup(jobID)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetJobStatus returns the job's status, falling back to the database for
// jobs already evicted from memory.
func (m *Manager) GetJobStatus(jobID string) (StatusView, error) {
	if job := m.lookup(jobID); job != nil {
		return job.View(), nil
	}
	record, err := m.deps.DB.GetJobByUUID(jobID)
	if errors.Is(err, database.ErrNotFound) {
		return StatusView{}, ErrJobNotFound
	}
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		ID:          record.ID,
		Kind:        record.Kind,
		Type:        record.Type,
		Status:      record.Status,
		StartedAt:   record.StartedAt,
		CompletedAt: record.FinishedAt,
		ReturnCode:  record.ReturnCode,
		Error:       record.ErrorMessage,
		TaskCount:   len(record.Tasks),
	}, nil
}

// ListJobs returns status snapshots of all in-memory jobs, newest first.
func (m *Manager) ListJobs() []StatusView {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	views := make([]StatusView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	return views
}

// QueueStats reports the backup queue's current occupancy.
func (m *Manager) QueueStats() queue.Stats {
	return m.queue.Stats()
}

// SubscribeEvents registers a new event subscriber.
func (m *Manager) SubscribeEvents() *events.Subscription {
	return m.deps.Events.Subscribe()
}

// UnsubscribeEvents removes a subscriber and closes its channel.
func (m *Manager) UnsubscribeEvents(sub *events.Subscription) {
	m.deps.Events.Unsubscribe(sub)
}

// StreamEvents returns the subscriber's event channel with keepalives.
func (m *Manager) StreamEvents(ctx context.Context, sub *events.Subscription) <-chan events.Event {
	return m.deps.Events.Stream(ctx, sub)
}

// StreamJobOutput replays the job's buffered output and follows new lines
// until the job finishes or ctx is done.
func (m *Manager) StreamJobOutput(ctx context.Context, jobID string) <-chan output.Line {
	return m.deps.Output.Stream(ctx, jobID)
}
