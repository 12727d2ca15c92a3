// Package output keeps a bounded in-memory buffer of output lines per job,
// plus the job's current progress map, and supports live streaming to
// consumers.
package output

import (
	"context"
	"sync"
	"time"
)

// Line is one timestamped output line.
type Line struct {
	Text     string         `json:"text"`
	Stream   string         `json:"stream"` // stdout, stderr
	At       time.Time      `json:"at"`
	Progress map[string]any `json:"progress,omitempty"`
}

const streamBufferSize = 64

type jobOutput struct {
	mu        sync.Mutex
	lines     []Line
	maxLines  int
	progress  map[string]any
	listeners map[int]chan Line
	nextID    int
	completed bool
}

// Store holds per-job output buffers. Each buffer is a ring capped at the
// configured maximum with oldest-evicted semantics.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*jobOutput
	maxLines int
}

// NewStore creates a store whose per-job buffers hold at most maxLines lines.
func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &Store{
		jobs:     make(map[string]*jobOutput),
		maxLines: maxLines,
	}
}

// CreateJobOutput initializes an empty buffer for the job. Idempotent.
func (s *Store) CreateJobOutput(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return
	}
	s.jobs[jobID] = &jobOutput{
		maxLines:  s.maxLines,
		progress:  make(map[string]any),
		listeners: make(map[int]chan Line),
	}
}

func (s *Store) get(jobID string) *jobOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[jobID]
}

// AppendLine pushes a timestamped line, evicting the oldest if the buffer is
// full, and merges progress into the stored progress map. Lines for unknown
// jobs are dropped.
func (s *Store) AppendLine(jobID, text, stream string, progress map[string]any) {
	jo := s.get(jobID)
	if jo == nil {
		return
	}

	line := Line{Text: text, Stream: stream, At: time.Now().UTC(), Progress: progress}

	jo.mu.Lock()
	defer jo.mu.Unlock()
	if len(jo.lines) >= jo.maxLines {
		copy(jo.lines, jo.lines[1:])
		jo.lines[len(jo.lines)-1] = line
	} else {
		jo.lines = append(jo.lines, line)
	}
	for k, v := range progress {
		jo.progress[k] = v
	}
	for _, ch := range jo.listeners {
		select {
		case ch <- line:
		default:
			// Slow consumer; best-effort delivery only.
		}
	}
}

// Snapshot returns a copy of the buffered lines and the current progress map.
func (s *Store) Snapshot(jobID string) ([]Line, map[string]any) {
	jo := s.get(jobID)
	if jo == nil {
		return nil, nil
	}
	jo.mu.Lock()
	defer jo.mu.Unlock()
	lines := make([]Line, len(jo.lines))
	copy(lines, jo.lines)
	progress := make(map[string]any, len(jo.progress))
	for k, v := range jo.progress {
		progress[k] = v
	}
	return lines, progress
}

// Stream yields the already-buffered lines and then, while the job is still
// active, newly appended lines. The channel closes once the job is marked
// completed (or the context is cancelled). A fresh call restarts from the
// buffer head.
func (s *Store) Stream(ctx context.Context, jobID string) <-chan Line {
	out := make(chan Line, streamBufferSize)

	jo := s.get(jobID)
	if jo == nil {
		close(out)
		return out
	}

	jo.mu.Lock()
	replay := make([]Line, len(jo.lines))
	copy(replay, jo.lines)
	var live chan Line
	var id int
	if !jo.completed {
		live = make(chan Line, streamBufferSize)
		id = jo.nextID
		jo.nextID++
		jo.listeners[id] = live
	}
	jo.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			if live != nil {
				jo.mu.Lock()
				delete(jo.listeners, id)
				jo.mu.Unlock()
			}
		}()

		for _, line := range replay {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case line, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// MarkCompleted ends all live streams for the job. The buffer itself stays
// readable until ClearJobOutput.
func (s *Store) MarkCompleted(jobID string) {
	jo := s.get(jobID)
	if jo == nil {
		return
	}
	jo.mu.Lock()
	defer jo.mu.Unlock()
	if jo.completed {
		return
	}
	jo.completed = true
	for id, ch := range jo.listeners {
		close(ch)
		delete(jo.listeners, id)
	}
}

// ClearJobOutput releases the job's buffer.
func (s *Store) ClearJobOutput(jobID string) {
	s.MarkCompleted(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}
