package scheduler

import (
	"testing"

	"borgwarden/internal/jobs"
	"borgwarden/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	_, err := ParseCron("0 2 * * *")
	assert.NoError(t, err)
	_, err = ParseCron("not a cron line")
	assert.Error(t, err)
	// Six fields (with seconds) are not accepted.
	_, err = ParseCron("0 0 2 * * *")
	assert.Error(t, err)
}

func TestBuildTaskPlanBackupOnly(t *testing.T) {
	schedule := &models.Schedule{Name: "nightly", SourcePath: "/data"}
	defs := BuildTaskPlan(schedule)

	require.Len(t, defs, 1)
	assert.Equal(t, jobs.TaskTypeBackup, defs[0].Type)
	params, ok := defs[0].Params.(jobs.BackupParams)
	require.True(t, ok)
	assert.Equal(t, []string{"/data"}, params.SourcePaths)
	assert.Empty(t, params.Excludes)
}

func TestBuildTaskPlanFullPipeline(t *testing.T) {
	cloudID := uint(3)
	notifyID := uint(4)
	schedule := &models.Schedule{
		Name:                 "nightly",
		SourcePath:           "/data",
		Excludes:             "*.tmp\n\n  cache/  \n",
		PruneEnabled:         true,
		KeepDaily:            7,
		KeepWeekly:           4,
		CheckEnabled:         true,
		CloudSyncConfigID:    &cloudID,
		NotificationConfigID: &notifyID,
	}

	defs := BuildTaskPlan(schedule)
	require.Len(t, defs, 5)
	assert.Equal(t, jobs.TaskTypeBackup, defs[0].Type)
	assert.Equal(t, jobs.TaskTypePrune, defs[1].Type)
	assert.Equal(t, jobs.TaskTypeCheck, defs[2].Type)
	assert.Equal(t, jobs.TaskTypeCloudSync, defs[3].Type)
	assert.Equal(t, jobs.TaskTypeNotification, defs[4].Type)

	backup := defs[0].Params.(jobs.BackupParams)
	assert.Equal(t, []string{"*.tmp", "cache/"}, backup.Excludes)

	prune := defs[1].Params.(jobs.PruneParams)
	assert.Equal(t, 7, prune.KeepDaily)
	assert.Equal(t, 4, prune.KeepWeekly)

	sync := defs[3].Params.(jobs.CloudSyncParams)
	assert.Equal(t, cloudID, sync.ConfigID)

	notify := defs[4].Params.(jobs.NotificationParams)
	assert.Equal(t, notifyID, notify.ConfigID)
	assert.True(t, notify.NotifyOnSuccess)
	assert.True(t, notify.NotifyOnFailure)
}

func TestBuildTaskPlanTypeTagsMatchParams(t *testing.T) {
	cloudID := uint(1)
	schedule := &models.Schedule{
		SourcePath:        "/data",
		PruneEnabled:      true,
		KeepDaily:         1,
		CheckEnabled:      true,
		CloudSyncConfigID: &cloudID,
	}
	for _, def := range BuildTaskPlan(schedule) {
		assert.Equal(t, def.Type, def.Params.Type())
	}
}
