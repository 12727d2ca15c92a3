// Package queue provides admission control for backup-class jobs: a FIFO
// queue gated by a concurrency semaphore. Entries are ephemeral and exist
// only in memory.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Priority orders entries within the queue. Higher runs first; FIFO within
// the same priority.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Entry is one queued job waiting for a concurrency slot.
type Entry struct {
	JobID      string
	JobType    string
	Priority   Priority
	EnqueuedAt time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	MaxConcurrent  int `json:"max_concurrent"`
	Running        int `json:"running"`
	Queued         int `json:"queued"`
	AvailableSlots int `json:"available_slots"`
}

// StartFunc runs a job to completion and reports success. It is invoked on a
// worker goroutine once a slot is acquired.
type StartFunc func(jobID string) bool

// CompleteFunc observes a job finishing and the slot being released.
type CompleteFunc func(jobID string, success bool)

// Manager bounds how many backup jobs run simultaneously. It guarantees slot
// release even when a start callback panics; a single bad job never halts the
// queue.
type Manager struct {
	mu      sync.Mutex
	pending []*Entry
	running map[string]*Entry

	sem  chan struct{}
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	onStart    StartFunc
	onComplete CompleteFunc

	logger  *slog.Logger
	started bool
}

// NewManager creates a queue manager with the given concurrency bound.
func NewManager(maxConcurrent int, logger *slog.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Manager{
		running: make(map[string]*Entry),
		sem:     make(chan struct{}, maxConcurrent),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		logger:  logger,
	}
}

// SetCallbacks installs the job lifecycle callbacks. Must be called before
// Start.
func (m *Manager) SetCallbacks(onStart StartFunc, onComplete CompleteFunc) {
	m.onStart = onStart
	m.onComplete = onComplete
}

// Start launches the dispatch loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.dispatch()
}

// Shutdown stops dispatching and waits for in-flight jobs, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stop)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown timed out: %w", ctx.Err())
	}
}

// Enqueue appends the job to the queue. It never blocks; admission happens on
// the dispatch loop as slots free up.
func (m *Manager) Enqueue(jobID, jobType string, priority Priority) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	entry := &Entry{JobID: jobID, JobType: jobType, Priority: priority, EnqueuedAt: time.Now().UTC()}

	m.mu.Lock()
	// Insert before the first lower-priority entry; FIFO within a priority.
	pos := len(m.pending)
	for i, e := range m.pending {
		if e.Priority < priority {
			pos = i
			break
		}
	}
	m.pending = append(m.pending, nil)
	copy(m.pending[pos+1:], m.pending[pos:])
	m.pending[pos] = entry
	m.mu.Unlock()

	m.signal()
	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		entry := m.pop()
		if entry == nil {
			select {
			case <-m.wake:
				continue
			case <-m.stop:
				return
			}
		}

		// Block here until a slot frees up; this is what bounds concurrency.
		select {
		case m.sem <- struct{}{}:
		case <-m.stop:
			return
		}

		m.mu.Lock()
		m.running[entry.JobID] = entry
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runJob(entry)
	}
}

func (m *Manager) pop() *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	entry := m.pending[0]
	m.pending = m.pending[1:]
	return entry
}

func (m *Manager) runJob(entry *Entry) {
	success := false
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job start callback panicked", "job_id", entry.JobID, "panic", r)
		}
		m.mu.Lock()
		delete(m.running, entry.JobID)
		m.mu.Unlock()
		<-m.sem
		m.wg.Done()
		if m.onComplete != nil {
			m.onComplete(entry.JobID, success)
		}
	}()

	if m.onStart != nil {
		success = m.onStart(entry.JobID)
	}
}

// Stats returns current queue statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	inUse := len(m.sem)
	return Stats{
		MaxConcurrent:  cap(m.sem),
		Running:        len(m.running),
		Queued:         len(m.pending),
		AvailableSlots: cap(m.sem) - inUse,
	}
}
