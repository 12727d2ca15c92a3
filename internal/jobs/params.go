package jobs

// TaskType identifies what a composite job step does.
type TaskType string

const (
	TaskTypeBackup       TaskType = "backup"
	TaskTypePrune        TaskType = "prune"
	TaskTypeCheck        TaskType = "check"
	TaskTypeCloudSync    TaskType = "cloud_sync"
	TaskTypeNotification TaskType = "notification"
)

// IsCritical reports whether a failure of this task type aborts the rest of
// the job. Only backup is critical today.
func (t TaskType) IsCritical() bool {
	return t == TaskTypeBackup
}

// TaskParameters is the per-type parameter variant carried by a Task. The
// concrete type is selected by the task's type tag at construction time.
type TaskParameters interface {
	Type() TaskType
}

// BackupParams configures an archive-creation task.
type BackupParams struct {
	SourcePaths []string
	ArchiveName string // empty means a timestamped default
	Compression string // empty means the repository default
	Excludes    []string
	DryRun      bool
}

func (BackupParams) Type() TaskType { return TaskTypeBackup }

// PruneParams configures a retention-pruning task. Zero values are omitted
// from the generated command.
type PruneParams struct {
	KeepWithin  string
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
	ShowStats   bool
	ShowList    bool
	SaveSpace   bool
	ForcePrune  bool
	DryRun      bool
}

func (PruneParams) Type() TaskType { return TaskTypePrune }

// CheckParams configures an integrity-check task.
type CheckParams struct {
	RepositoryOnly bool
	ArchivesOnly   bool
	VerifyData     bool
	Repair         bool
}

func (CheckParams) Type() TaskType { return TaskTypeCheck }

// CloudSyncParams selects the replication destination. A zero ConfigID falls
// back to the job-level cloud sync config reference.
type CloudSyncParams struct {
	ConfigID uint
}

func (CloudSyncParams) Type() TaskType { return TaskTypeCloudSync }

// NotificationParams selects the notification target and trigger conditions.
type NotificationParams struct {
	ConfigID        uint
	NotifyOnSuccess bool
	NotifyOnFailure bool
}

func (NotificationParams) Type() TaskType { return TaskTypeNotification }

// TaskDefinition is the external description of one composite job step.
type TaskDefinition struct {
	Type   TaskType
	Name   string
	Params TaskParameters
}
