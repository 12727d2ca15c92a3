package jobs

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"borgwarden/internal/models"
)

// OutputLine is one captured line of task output.
type OutputLine struct {
	At   time.Time
	Text string
}

// Task is one in-memory step of a composite job. Task fields are written only
// by the sequencing goroutine that owns the job.
type Task struct {
	Type        TaskType
	Name        string
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
	ReturnCode  *int
	Error       string
	Params      TaskParameters

	maxOutputLines int
	OutputLines    []OutputLine
}

// AppendOutput pushes a line, evicting the oldest at capacity.
func (t *Task) AppendOutput(text string) {
	line := OutputLine{At: time.Now().UTC(), Text: text}
	if t.maxOutputLines > 0 && len(t.OutputLines) >= t.maxOutputLines {
		copy(t.OutputLines, t.OutputLines[1:])
		t.OutputLines[len(t.OutputLines)-1] = line
	} else {
		t.OutputLines = append(t.OutputLines, line)
	}
}

// JoinedOutput returns the persisted representation of the output lines:
// newline-joined text, oldest first, "" when empty.
func (t *Task) JoinedOutput() string {
	if len(t.OutputLines) == 0 {
		return ""
	}
	texts := make([]string, len(t.OutputLines))
	for i, line := range t.OutputLines {
		texts[i] = line.Text
	}
	return strings.Join(texts, "\n")
}

// IsTerminal reports whether the task reached a final status.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusSkipped:
		return true
	}
	return false
}

func (t *Task) fail(returnCode int, msg string) {
	now := time.Now().UTC()
	t.Status = models.TaskStatusFailed
	t.ReturnCode = &returnCode
	t.Error = msg
	t.CompletedAt = &now
}

func (t *Task) skip(reason string) {
	code := 0
	t.Status = models.TaskStatusSkipped
	t.ReturnCode = &code
	if reason != "" {
		t.AppendOutput(reason)
	}
}

// Job is the in-memory handle for one orchestrated operation. Status and
// timestamp fields are guarded by mu because cancellation touches them from
// outside the owning sequencing goroutine.
type Job struct {
	mu sync.Mutex

	ID                string
	Kind              string // models.JobKindSimple or models.JobKindComposite
	Type              string // manual_backup, scheduled_backup, command
	Status            string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ReturnCode        *int
	Error             string
	Command           []string
	Env               map[string]string
	RepositoryID      uint
	CloudSyncConfigID *uint
	ScheduleID        *uint
	Tasks             []*Task
	CurrentTaskIndex  int

	cancelRequested atomic.Bool
}

// IsComposite reports whether this job sequences multiple tasks.
func (j *Job) IsComposite() bool {
	return j.Kind == models.JobKindComposite && len(j.Tasks) > 0
}

func (j *Job) markRunning() time.Time {
	now := time.Now().UTC()
	j.mu.Lock()
	j.Status = models.JobStatusRunning
	j.StartedAt = &now
	j.mu.Unlock()
	return now
}

// finish sets the terminal state unless cancellation already did. Returns
// false when the job was cancelled underneath the sequencer.
func (j *Job) finish(status string, returnCode *int, errMsg string) bool {
	now := time.Now().UTC()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested.Load() {
		return false
	}
	j.Status = status
	j.CompletedAt = &now
	j.ReturnCode = returnCode
	j.Error = errMsg
	return true
}

func (j *Job) markCancelled() bool {
	now := time.Now().UTC()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != models.JobStatusRunning && j.Status != models.JobStatusQueued {
		return false
	}
	j.cancelRequested.Store(true)
	j.Status = models.JobStatusCancelled
	j.CompletedAt = &now
	return true
}

func (j *Job) setCurrentTask(idx int) {
	j.mu.Lock()
	j.CurrentTaskIndex = idx
	j.mu.Unlock()
}

// StatusView is a consistent read-only snapshot of a job's status fields.
type StatusView struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	ReturnCode       *int       `json:"return_code"`
	Error            string     `json:"error"`
	CurrentTaskIndex int        `json:"current_task_index"`
	TaskCount        int        `json:"task_count"`
}

// View snapshots the job's status under its lock.
func (j *Job) View() StatusView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return StatusView{
		ID:               j.ID,
		Kind:             j.Kind,
		Type:             j.Type,
		Status:           j.Status,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		ReturnCode:       j.ReturnCode,
		Error:            j.Error,
		CurrentTaskIndex: j.CurrentTaskIndex,
		TaskCount:        len(j.Tasks),
	}
}

// taskRecords converts the in-memory tasks to their persisted shape.
func (j *Job) taskRecords() []models.JobTask {
	records := make([]models.JobTask, len(j.Tasks))
	for i, t := range j.Tasks {
		records[i] = models.JobTask{
			JobID:       j.ID,
			TaskOrder:   i,
			TaskType:    string(t.Type),
			TaskName:    t.Name,
			Status:      t.Status,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
			ReturnCode:  t.ReturnCode,
			Error:       t.Error,
			Output:      t.JoinedOutput(),
		}
	}
	return records
}
