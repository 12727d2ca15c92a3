package database

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"borgwarden/internal/crypto"
	"borgwarden/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testManager(t *testing.T) (*Manager, *crypto.Box) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	box, err := crypto.NewBox("test-key")
	require.NoError(t, err)
	return NewManager(db, box, slog.New(slog.NewTextHandler(io.Discard, nil))), box
}

func TestCreateJobAssignsUUID(t *testing.T) {
	m, _ := testManager(t)
	id, err := m.CreateJob(&models.Job{Kind: models.JobKindSimple, Type: "command", Status: models.JobStatusQueued})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := m.GetJobByUUID(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, record.Status)
}

func TestGetJobByUUIDNotFound(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetJobByUUID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobStatus(t *testing.T) {
	m, _ := testManager(t)
	id, err := m.CreateJob(&models.Job{Kind: models.JobKindSimple, Type: "command", Status: models.JobStatusQueued})
	require.NoError(t, err)

	now := time.Now().UTC()
	code := 1
	require.NoError(t, m.UpdateJobStatus(id, models.JobStatusFailed, &now, &code, "boom"))

	record, err := m.GetJobByUUID(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, record.Status)
	require.NotNil(t, record.ReturnCode)
	assert.Equal(t, 1, *record.ReturnCode)
	assert.Equal(t, "boom", record.ErrorMessage)
	assert.NotNil(t, record.FinishedAt)
}

func TestSaveTasksUpsertsByOrder(t *testing.T) {
	m, _ := testManager(t)
	id, err := m.CreateJob(&models.Job{Kind: models.JobKindComposite, Type: "manual_backup", Status: models.JobStatusQueued})
	require.NoError(t, err)

	initial := []models.JobTask{
		{JobID: id, TaskOrder: 0, TaskType: "backup", TaskName: "backup", Status: models.TaskStatusPending},
		{JobID: id, TaskOrder: 1, TaskType: "prune", TaskName: "prune", Status: models.TaskStatusPending},
	}
	require.NoError(t, m.SaveTasks(id, initial))

	// Save again with progressed state; rows must update, not duplicate.
	code := 0
	updated := []models.JobTask{
		{JobID: id, TaskOrder: 0, TaskType: "backup", TaskName: "backup",
			Status: models.TaskStatusCompleted, ReturnCode: &code, Output: "line one\nline two"},
		{JobID: id, TaskOrder: 1, TaskType: "prune", TaskName: "prune", Status: models.TaskStatusRunning},
	}
	require.NoError(t, m.SaveTasks(id, updated))

	record, err := m.GetJobByUUID(id)
	require.NoError(t, err)
	require.Len(t, record.Tasks, 2)
	assert.Equal(t, models.TaskStatusCompleted, record.Tasks[0].Status)
	assert.Equal(t, "line one\nline two", record.Tasks[0].Output)
	assert.Equal(t, models.TaskStatusRunning, record.Tasks[1].Status)
}

func TestRepositoryPassphraseRoundTrip(t *testing.T) {
	m, box := testManager(t)
	sealed, err := box.Encrypt("s3cret")
	require.NoError(t, err)
	repo := models.Repository{Name: "primary", Path: "/srv/borg", EncryptedPassphrase: sealed, Compression: "zstd"}
	require.NoError(t, m.DB().Create(&repo).Error)

	data, err := m.GetRepositoryData(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", data.Passphrase)
	assert.Equal(t, "/srv/borg", data.Path)
	assert.Equal(t, "zstd", data.Compression)
}

func TestGetRepositoryDataNotFound(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetRepositoryData(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindStaleRunningJobs(t *testing.T) {
	m, _ := testManager(t)
	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	for _, j := range []models.Job{
		{ID: "old-running", Kind: models.JobKindSimple, Status: models.JobStatusRunning, StartedAt: &old},
		{ID: "new-running", Kind: models.JobKindSimple, Status: models.JobStatusRunning, StartedAt: &recent},
		{ID: "old-done", Kind: models.JobKindSimple, Status: models.JobStatusCompleted, StartedAt: &old},
	} {
		require.NoError(t, m.DB().Create(&j).Error)
	}

	stale, err := m.FindStaleRunningJobs(time.Now().UTC().Add(-30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old-running", stale[0].ID)
}

func TestCleanupOldJobs(t *testing.T) {
	m, _ := testManager(t)
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	for _, j := range []models.Job{
		{ID: "ancient", Kind: models.JobKindSimple, Status: models.JobStatusCompleted, FinishedAt: &old},
		{ID: "recent", Kind: models.JobKindSimple, Status: models.JobStatusCompleted, FinishedAt: &recent},
		{ID: "running", Kind: models.JobKindSimple, Status: models.JobStatusRunning},
	} {
		require.NoError(t, m.DB().Create(&j).Error)
	}
	require.NoError(t, m.SaveTasks("ancient", []models.JobTask{
		{JobID: "ancient", TaskOrder: 0, TaskType: "backup", Status: models.TaskStatusCompleted},
	}))

	removed, err := m.CleanupOldJobs(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = m.GetJobByUUID("ancient")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetJobByUUID("recent")
	assert.NoError(t, err)

	var taskCount int64
	m.DB().Model(&models.JobTask{}).Where("job_id = ?", "ancient").Count(&taskCount)
	assert.Zero(t, taskCount)
}

func TestTouchScheduleLastRun(t *testing.T) {
	m, _ := testManager(t)
	schedule := models.Schedule{
		Name: "nightly", RepositoryID: 1, CronExpression: "0 2 * * *", SourcePath: "/data", Enabled: true,
	}
	require.NoError(t, m.DB().Create(&schedule).Error)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, m.TouchScheduleLastRun(schedule.ID, at))

	got, err := m.GetSchedule(schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, at, *got.LastRunAt, time.Second)
}
