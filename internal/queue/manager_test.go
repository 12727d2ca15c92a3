package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConcurrencyBound(t *testing.T) {
	const maxConcurrent = 2
	const jobs = 6

	m := NewManager(maxConcurrent, testLogger())

	var running, peak int32
	release := make(chan struct{})
	var done sync.WaitGroup
	done.Add(jobs)

	m.SetCallbacks(func(jobID string) bool {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return true
	}, func(jobID string, success bool) {
		done.Done()
	})
	m.Start()

	for i := 0; i < jobs; i++ {
		require.NoError(t, m.Enqueue(jobID(i), "backup", PriorityNormal))
	}

	// Let the dispatcher fill all available slots.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == maxConcurrent
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(maxConcurrent), atomic.LoadInt32(&peak))

	close(release)
	done.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(maxConcurrent))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func jobID(i int) string {
	return string(rune('a' + i))
}

func TestPriorityOrdering(t *testing.T) {
	m := NewManager(1, testLogger())

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	var done sync.WaitGroup
	done.Add(3)

	m.SetCallbacks(func(id string) bool {
		<-gate
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return true
	}, func(string, bool) { done.Done() })

	require.NoError(t, m.Enqueue("low", "backup", PriorityLow))
	require.NoError(t, m.Enqueue("normal", "backup", PriorityNormal))
	require.NoError(t, m.Enqueue("high", "backup", PriorityHigh))

	m.Start()
	close(gate)
	done.Wait()

	// All three were queued before dispatch began, so priority decides.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestPriorityInsertionBeforeDispatch(t *testing.T) {
	m := NewManager(1, testLogger())
	require.NoError(t, m.Enqueue("low", "backup", PriorityLow))
	require.NoError(t, m.Enqueue("high", "backup", PriorityHigh))
	require.NoError(t, m.Enqueue("normal", "backup", PriorityNormal))

	assert.Equal(t, "high", m.pending[0].JobID)
	assert.Equal(t, "normal", m.pending[1].JobID)
	assert.Equal(t, "low", m.pending[2].JobID)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	m := NewManager(1, testLogger())
	// No dispatcher running; the queue must still accept entries.
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Enqueue(jobID(i%26)+string(rune('0'+i/26)), "backup", PriorityNormal))
	}
	assert.Equal(t, 100, m.Stats().Queued)
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	m := NewManager(1, testLogger())
	assert.Error(t, m.Enqueue("", "backup", PriorityNormal))
}

func TestPanicInStartCallbackReleasesSlot(t *testing.T) {
	m := NewManager(1, testLogger())

	var calls int32
	var done sync.WaitGroup
	done.Add(2)
	m.SetCallbacks(func(id string) bool {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return true
	}, func(string, bool) { done.Done() })
	m.Start()

	require.NoError(t, m.Enqueue("bad", "backup", PriorityNormal))
	require.NoError(t, m.Enqueue("good", "backup", PriorityNormal))

	waitDone := make(chan struct{})
	go func() { done.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not released after a panicking start callback")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestStats(t *testing.T) {
	m := NewManager(3, testLogger())
	stats := m.Stats()
	assert.Equal(t, 3, stats.MaxConcurrent)
	assert.Equal(t, 3, stats.AvailableSlots)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Queued)
}
