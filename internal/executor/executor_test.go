package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor() *Executor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStartProcessEmptyCommand(t *testing.T) {
	e := testExecutor()
	_, err := e.StartProcess(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestStartProcessMissingBinary(t *testing.T) {
	e := testExecutor()
	_, err := e.StartProcess(context.Background(), []string{"definitely-not-a-binary-xyz"}, nil)
	assert.Error(t, err)
}

func TestMonitorOutputCapturesLinesAndExitCode(t *testing.T) {
	e := testExecutor()
	p, err := e.StartProcess(context.Background(),
		[]string{"sh", "-c", "echo one; echo two 1>&2; exit 3"}, nil)
	require.NoError(t, err)

	var lines []string
	result := e.MonitorOutput(p, func(line string, progress map[string]any) {
		lines = append(lines, line)
	})

	assert.Equal(t, 3, result.ReturnCode)
	// stderr is merged into the same stream.
	assert.ElementsMatch(t, []string{"one", "two"}, lines)
	assert.Contains(t, string(result.Output), "one")
	assert.Contains(t, string(result.Output), "two")
}

func TestMonitorOutputCleanExit(t *testing.T) {
	e := testExecutor()
	p, err := e.StartProcess(context.Background(), []string{"sh", "-c", "echo done"}, nil)
	require.NoError(t, err)

	result := e.MonitorOutput(p, nil)
	assert.Equal(t, 0, result.ReturnCode)
	assert.Empty(t, result.Err)
}

func TestStartProcessEnvOverlay(t *testing.T) {
	e := testExecutor()
	p, err := e.StartProcess(context.Background(),
		[]string{"sh", "-c", "echo $MARKER"}, map[string]string{"MARKER": "hello"})
	require.NoError(t, err)

	var lines []string
	result := e.MonitorOutput(p, func(line string, _ map[string]any) {
		lines = append(lines, line)
	})
	require.Equal(t, 0, result.ReturnCode)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0])
}

func TestTerminateStopsProcess(t *testing.T) {
	e := testExecutor()
	p, err := e.StartProcess(context.Background(), []string{"sleep", "60"}, nil)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() { done <- e.MonitorOutput(p, nil) }()

	// Give the monitor a moment to attach.
	time.Sleep(50 * time.Millisecond)
	stopped := e.Terminate(p, 2*time.Second)
	assert.True(t, stopped)

	select {
	case result := <-done:
		assert.NotEqual(t, 0, result.ReturnCode)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not return after termination")
	}
}

func TestParseProgressStatsLine(t *testing.T) {
	e := testExecutor()
	progress := e.ParseProgress("1048576 524288 262144 42 /home/user/docs")
	assert.Equal(t, int64(1048576), progress["original_size"])
	assert.Equal(t, int64(524288), progress["compressed_size"])
	assert.Equal(t, int64(262144), progress["deduplicated_size"])
	assert.Equal(t, int64(42), progress["nfiles"])
	assert.Equal(t, "/home/user/docs", progress["path"])
}

func TestParseProgressSummaryLines(t *testing.T) {
	e := testExecutor()

	progress := e.ParseProgress("Archive name: backup-20260831-120000")
	assert.Equal(t, "backup-20260831-120000", progress["archive_name"])

	progress = e.ParseProgress("Archive fingerprint: abc123")
	assert.Equal(t, "abc123", progress["fingerprint"])
}

func TestParseProgressPlainLine(t *testing.T) {
	e := testExecutor()
	assert.Empty(t, e.ParseProgress("Creating archive..."))
}
