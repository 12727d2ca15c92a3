package jobs

import (
	"sync"

	"borgwarden/internal/executor"
)

// ProcessTable tracks the live subprocess of each running job so that
// cancellation and shutdown can reach it. At most one process per job.
type ProcessTable struct {
	mu    sync.Mutex
	procs map[string]*executor.Process
}

// NewProcessTable creates an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{procs: make(map[string]*executor.Process)}
}

// Register associates a process with a job, replacing any prior entry.
func (t *ProcessTable) Register(jobID string, p *executor.Process) {
	t.mu.Lock()
	t.procs[jobID] = p
	t.mu.Unlock()
}

// Unregister removes the job's process entry.
func (t *ProcessTable) Unregister(jobID string) {
	t.mu.Lock()
	delete(t.procs, jobID)
	t.mu.Unlock()
}

// Get returns the job's live process, or nil.
func (t *ProcessTable) Get(jobID string) *executor.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[jobID]
}

// Snapshot returns a copy of the live process map.
func (t *ProcessTable) Snapshot() map[string]*executor.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	procs := make(map[string]*executor.Process, len(t.procs))
	for id, p := range t.procs {
		procs[id] = p
	}
	return procs
}

// Len returns the number of tracked processes.
func (t *ProcessTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
