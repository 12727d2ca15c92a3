package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"borgwarden/internal/cloudsync"
	"borgwarden/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTypeIsCritical(t *testing.T) {
	assert.True(t, TaskTypeBackup.IsCritical())
	assert.False(t, TaskTypePrune.IsCritical())
	assert.False(t, TaskTypeCheck.IsCritical())
	assert.False(t, TaskTypeCloudSync.IsCritical())
	assert.False(t, TaskTypeNotification.IsCritical())
}

func TestTaskAppendOutputEvictsOldest(t *testing.T) {
	task := &Task{maxOutputLines: 3}
	for i := 0; i < 5; i++ {
		task.AppendOutput(fmt.Sprintf("line-%d", i))
	}
	require.Len(t, task.OutputLines, 3)
	assert.Equal(t, "line-2\nline-3\nline-4", task.JoinedOutput())
}

func TestTaskJoinedOutputEmpty(t *testing.T) {
	task := &Task{}
	assert.Equal(t, "", task.JoinedOutput())
}

func TestPriorOutcome(t *testing.T) {
	backup := &Task{Type: TaskTypeBackup, Name: "backup", Status: models.TaskStatusCompleted}
	prune := &Task{Type: TaskTypePrune, Name: "prune", Status: models.TaskStatusSkipped}
	earlierNotify := &Task{Type: TaskTypeNotification, Name: "first notify", Status: models.TaskStatusFailed}
	notify := &Task{Type: TaskTypeNotification, Name: "notify"}

	t.Run("completed and skipped count as success", func(t *testing.T) {
		job := &Job{Tasks: []*Task{backup, prune, notify}}
		ok, failed := priorOutcome(job, notify)
		assert.True(t, ok)
		assert.Nil(t, failed)
	})

	t.Run("failed prior task fails the outcome", func(t *testing.T) {
		bad := &Task{Type: TaskTypePrune, Name: "prune", Status: models.TaskStatusFailed}
		job := &Job{Tasks: []*Task{backup, bad, notify}}
		ok, failed := priorOutcome(job, notify)
		assert.False(t, ok)
		assert.Same(t, bad, failed)
	})

	t.Run("earlier notification tasks are ignored", func(t *testing.T) {
		job := &Job{Tasks: []*Task{backup, earlierNotify, notify}}
		ok, _ := priorOutcome(job, notify)
		assert.True(t, ok)
	})

	t.Run("empty prior list is vacuously successful", func(t *testing.T) {
		job := &Job{Tasks: []*Task{notify}}
		ok, _ := priorOutcome(job, notify)
		assert.True(t, ok)
	})
}

func (e *testEnv) createRepository(t *testing.T) uint {
	t.Helper()
	sealed, err := e.box.Encrypt("hunter2")
	require.NoError(t, err)
	repo := models.Repository{Name: "primary", Path: "/srv/borg/primary", EncryptedPassphrase: sealed}
	require.NoError(t, e.db.Create(&repo).Error)
	return repo.ID
}

type fakeSyncer struct {
	calls  int
	source string
	remote string
	err    error
}

func (f *fakeSyncer) Sync(_ context.Context, sourcePath string, cfg *models.CloudSyncConfig, onProgress cloudsync.Progress) error {
	f.calls++
	f.source = sourcePath
	f.remote = cfg.RemotePath
	if onProgress != nil {
		onProgress("Transferred: 10 MiB")
	}
	return f.err
}

func TestCloudSyncExecutorSyncsRepository(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.createRepository(t)
	cfg := models.CloudSyncConfig{Name: "offsite", Provider: "s3", RemotePath: "s3:bucket/borg", Enabled: true}
	require.NoError(t, env.db.Create(&cfg).Error)

	syncer := &fakeSyncer{}
	env.deps.Cloud = syncer

	job := &Job{ID: "job-1", RepositoryID: repoID}
	task := &Task{Type: TaskTypeCloudSync, Name: "cloud sync", Params: CloudSyncParams{ConfigID: cfg.ID}, maxOutputLines: 10}
	job.Tasks = []*Task{task}
	env.deps.Output.CreateJobOutput(job.ID)

	err := CloudSyncExecutor{}.Execute(context.Background(), env.deps, job, task)
	require.NoError(t, err)
	assert.Equal(t, 1, syncer.calls)
	assert.Equal(t, "/srv/borg/primary", syncer.source)
	assert.Equal(t, "s3:bucket/borg", syncer.remote)
	assert.Contains(t, task.JoinedOutput(), "Transferred")
}

func TestCloudSyncExecutorSkipsWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.createRepository(t)
	cfg := models.CloudSyncConfig{Name: "offsite", Provider: "s3", RemotePath: "s3:bucket/borg", Enabled: false}
	require.NoError(t, env.db.Create(&cfg).Error)

	syncer := &fakeSyncer{}
	env.deps.Cloud = syncer

	job := &Job{ID: "job-1", RepositoryID: repoID}
	task := &Task{Type: TaskTypeCloudSync, Params: CloudSyncParams{ConfigID: cfg.ID}}
	job.Tasks = []*Task{task}

	err := CloudSyncExecutor{}.Execute(context.Background(), env.deps, job, task)
	assert.ErrorIs(t, err, errSkipTask)
	assert.Zero(t, syncer.calls)
}

func TestCloudSyncExecutorSkipsWhenConfigMissing(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.createRepository(t)

	job := &Job{ID: "job-1", RepositoryID: repoID}
	task := &Task{Type: TaskTypeCloudSync, Params: CloudSyncParams{ConfigID: 999}}
	job.Tasks = []*Task{task}

	err := CloudSyncExecutor{}.Execute(context.Background(), env.deps, job, task)
	assert.ErrorIs(t, err, errSkipTask)
}

func TestCloudSyncExecutorFallsBackToJobConfig(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.createRepository(t)
	cfg := models.CloudSyncConfig{Name: "offsite", Provider: "sftp", RemotePath: "sftp:host/borg", Enabled: true}
	require.NoError(t, env.db.Create(&cfg).Error)

	syncer := &fakeSyncer{}
	env.deps.Cloud = syncer

	job := &Job{ID: "job-1", RepositoryID: repoID, CloudSyncConfigID: &cfg.ID}
	task := &Task{Type: TaskTypeCloudSync, Params: CloudSyncParams{}, maxOutputLines: 10}
	job.Tasks = []*Task{task}
	env.deps.Output.CreateJobOutput(job.ID)

	require.NoError(t, CloudSyncExecutor{}.Execute(context.Background(), env.deps, job, task))
	assert.Equal(t, 1, syncer.calls)
}

type fakeSender struct {
	calls   int
	title   string
	message string
	err     error
}

func (f *fakeSender) Send(_ context.Context, _ *models.NotificationConfig, title, message string) (int, error) {
	f.calls++
	f.title = title
	f.message = message
	if f.err != nil {
		return 500, f.err
	}
	return 200, nil
}

func notificationFixture(t *testing.T, env *testEnv, enabled bool) uint {
	t.Helper()
	cfg := models.NotificationConfig{
		Name: "ops", Provider: "pushover", UserKey: "uk", AppToken: "at", Enabled: enabled,
	}
	require.NoError(t, env.db.Create(&cfg).Error)
	return cfg.ID
}

func TestNotificationExecutorSendsOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	cfgID := notificationFixture(t, env, true)
	sender := &fakeSender{}
	env.deps.Notifier = sender

	backup := &Task{Type: TaskTypeBackup, Name: "backup", Status: models.TaskStatusCompleted}
	task := &Task{Type: TaskTypeNotification, Name: "notify",
		Params: NotificationParams{ConfigID: cfgID, NotifyOnSuccess: true}, maxOutputLines: 10}
	job := &Job{ID: "job-1", Type: "manual_backup", Tasks: []*Task{backup, task}}

	require.NoError(t, NotificationExecutor{}.Execute(context.Background(), env.deps, job, task))
	assert.Equal(t, 1, sender.calls)
	assert.Contains(t, sender.title, "completed")
}

func TestNotificationExecutorSendsOnFailure(t *testing.T) {
	env := newTestEnv(t)
	cfgID := notificationFixture(t, env, true)
	sender := &fakeSender{}
	env.deps.Notifier = sender

	backup := &Task{Type: TaskTypeBackup, Name: "backup", Status: models.TaskStatusFailed, Error: "disk full"}
	task := &Task{Type: TaskTypeNotification, Name: "notify",
		Params: NotificationParams{ConfigID: cfgID, NotifyOnFailure: true}, maxOutputLines: 10}
	job := &Job{ID: "job-1", Type: "scheduled_backup", Tasks: []*Task{backup, task}}

	require.NoError(t, NotificationExecutor{}.Execute(context.Background(), env.deps, job, task))
	assert.Equal(t, 1, sender.calls)
	assert.Contains(t, sender.title, "failed")
	assert.Contains(t, sender.message, "disk full")
}

func TestNotificationExecutorSkipsWhenTriggerOff(t *testing.T) {
	env := newTestEnv(t)
	cfgID := notificationFixture(t, env, true)
	sender := &fakeSender{}
	env.deps.Notifier = sender

	backup := &Task{Type: TaskTypeBackup, Name: "backup", Status: models.TaskStatusCompleted}
	task := &Task{Type: TaskTypeNotification, Name: "notify",
		Params: NotificationParams{ConfigID: cfgID, NotifyOnSuccess: false, NotifyOnFailure: true}}
	job := &Job{ID: "job-1", Tasks: []*Task{backup, task}}

	err := NotificationExecutor{}.Execute(context.Background(), env.deps, job, task)
	assert.ErrorIs(t, err, errSkipTask)
	assert.Zero(t, sender.calls)
}

func TestNotificationExecutorSkipsWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	cfgID := notificationFixture(t, env, false)
	sender := &fakeSender{}
	env.deps.Notifier = sender

	task := &Task{Type: TaskTypeNotification, Name: "notify",
		Params: NotificationParams{ConfigID: cfgID, NotifyOnSuccess: true}}
	job := &Job{ID: "job-1", Tasks: []*Task{task}}

	err := NotificationExecutor{}.Execute(context.Background(), env.deps, job, task)
	assert.ErrorIs(t, err, errSkipTask)
	assert.Zero(t, sender.calls)
}

func TestNotificationExecutorSendFailureFailsTask(t *testing.T) {
	env := newTestEnv(t)
	cfgID := notificationFixture(t, env, true)
	sender := &fakeSender{err: errors.New("gateway timeout")}
	env.deps.Notifier = sender

	task := &Task{Type: TaskTypeNotification, Name: "notify",
		Params: NotificationParams{ConfigID: cfgID, NotifyOnSuccess: true}}
	job := &Job{ID: "job-1", Tasks: []*Task{task}}

	err := NotificationExecutor{}.Execute(context.Background(), env.deps, job, task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errSkipTask))
}

func TestBackupExecutorRejectsWrongParams(t *testing.T) {
	env := newTestEnv(t)
	task := &Task{Type: TaskTypeBackup, Params: PruneParams{}}
	job := &Job{ID: "job-1", Tasks: []*Task{task}}

	err := BackupExecutor{}.Execute(context.Background(), env.deps, job, task)
	assert.Error(t, err)
}
