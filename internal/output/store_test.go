package output

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLineEvictsOldest(t *testing.T) {
	s := NewStore(3)
	s.CreateJobOutput("job-1")

	for i := 0; i < 5; i++ {
		s.AppendLine("job-1", fmt.Sprintf("line-%d", i), "stdout", nil)
	}

	lines, _ := s.Snapshot("job-1")
	require.Len(t, lines, 3)
	assert.Equal(t, "line-2", lines[0].Text)
	assert.Equal(t, "line-3", lines[1].Text)
	assert.Equal(t, "line-4", lines[2].Text)
}

func TestAppendLineUnknownJobDropped(t *testing.T) {
	s := NewStore(10)
	s.AppendLine("nope", "ignored", "stdout", nil)

	lines, progress := s.Snapshot("nope")
	assert.Nil(t, lines)
	assert.Nil(t, progress)
}

func TestCreateJobOutputIdempotent(t *testing.T) {
	s := NewStore(10)
	s.CreateJobOutput("job-1")
	s.AppendLine("job-1", "kept", "stdout", nil)
	s.CreateJobOutput("job-1")

	lines, _ := s.Snapshot("job-1")
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0].Text)
}

func TestProgressMergesAcrossLines(t *testing.T) {
	s := NewStore(10)
	s.CreateJobOutput("job-1")

	s.AppendLine("job-1", "a", "stdout", map[string]any{"nfiles": int64(1), "path": "/etc"})
	s.AppendLine("job-1", "b", "stdout", map[string]any{"nfiles": int64(2)})

	_, progress := s.Snapshot("job-1")
	assert.Equal(t, int64(2), progress["nfiles"])
	assert.Equal(t, "/etc", progress["path"])
}

func TestStreamReplaysThenFollows(t *testing.T) {
	s := NewStore(10)
	s.CreateJobOutput("job-1")
	s.AppendLine("job-1", "before", "stdout", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := s.Stream(ctx, "job-1")
	first := <-ch
	assert.Equal(t, "before", first.Text)

	s.AppendLine("job-1", "after", "stdout", nil)
	second := <-ch
	assert.Equal(t, "after", second.Text)

	s.MarkCompleted("job-1")
	_, open := <-ch
	assert.False(t, open, "stream should close once the job completes")
}

func TestStreamOfCompletedJobReplaysAndCloses(t *testing.T) {
	s := NewStore(10)
	s.CreateJobOutput("job-1")
	s.AppendLine("job-1", "only", "stdout", nil)
	s.MarkCompleted("job-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	for line := range s.Stream(ctx, "job-1") {
		got = append(got, line.Text)
	}
	assert.Equal(t, []string{"only"}, got)
}

func TestStreamUnknownJobClosesImmediately(t *testing.T) {
	s := NewStore(10)
	_, open := <-s.Stream(context.Background(), "nope")
	assert.False(t, open)
}

func TestClearJobOutputReleasesBuffer(t *testing.T) {
	s := NewStore(10)
	s.CreateJobOutput("job-1")
	s.AppendLine("job-1", "x", "stdout", nil)

	s.ClearJobOutput("job-1")
	lines, _ := s.Snapshot("job-1")
	assert.Nil(t, lines)
}

func TestMarkCompletedIdempotent(t *testing.T) {
	s := NewStore(10)
	s.CreateJobOutput("job-1")
	s.MarkCompleted("job-1")
	s.MarkCompleted("job-1")
}
