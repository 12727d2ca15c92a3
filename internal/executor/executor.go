package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Result contains the outcome of a monitored process.
type Result struct {
	ReturnCode int
	Output     []byte // combined stdout+stderr, line-buffered
	Err        string // monitoring or launch-adjacent error, empty on clean runs
}

// Process is a handle to a started subprocess. Output is read through
// MonitorOutput; Terminate coordinates with it via the done channel.
type Process struct {
	cmd     *exec.Cmd
	reader  *os.File
	done    chan struct{}
	waitErr error
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Executor launches external commands and captures their output line by line.
// It has no knowledge of jobs or tasks.
type Executor struct {
	logger     *slog.Logger
	progressRe *regexp.Regexp
}

// New creates a new executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{
		logger: logger,
		// borg create --list --stats progress columns:
		// original_size compressed_size deduplicated_size nfiles path
		progressRe: regexp.MustCompile(`^(?P<original_size>\d+)\s+(?P<compressed_size>\d+)\s+(?P<deduplicated_size>\d+)\s+(?P<nfiles>\d+)\s+(?P<path>.+)$`),
	}
}

// StartProcess starts the command with stderr merged into stdout. The given
// env entries are layered over the current environment. A launch failure
// (missing binary, permission) is returned as an error; nothing is retried.
func (e *Executor) StartProcess(ctx context.Context, command []string, env map[string]string) (*Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = merged

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// The child holds its own copy of the write end; closing ours makes the
	// read end see EOF when the child exits.
	pw.Close()

	e.logger.Debug("process started", "pid", cmd.Process.Pid, "command", command[0])

	return &Process{
		cmd:    cmd,
		reader: pr,
		done:   make(chan struct{}),
	}, nil
}

// MonitorOutput reads the process output line by line, invoking onLine
// synchronously for each line, and blocks until the process exits. Progress
// lines matching the borg stats pattern are parsed into the progress map
// passed to the callback; parse failures are ignored.
func (e *Executor) MonitorOutput(p *Process, onLine func(line string, progress map[string]any)) *Result {
	var captured bytes.Buffer

	scanner := bufio.NewScanner(p.reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		captured.WriteString(line)
		captured.WriteByte('\n')

		if onLine != nil {
			onLine(line, e.ParseProgress(line))
		}
	}
	scanErr := scanner.Err()

	waitErr := p.cmd.Wait()
	p.waitErr = waitErr
	close(p.done)
	p.reader.Close()

	result := &Result{ReturnCode: 0, Output: captured.Bytes()}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			result.ReturnCode = -1
			result.Err = waitErr.Error()
		}
	}
	if scanErr != nil && result.Err == "" {
		result.Err = fmt.Sprintf("output monitoring error: %v", scanErr)
	}
	return result
}

// Terminate sends SIGTERM, waits up to grace for exit, then force-kills.
// Returns whether the process is known to have stopped. MonitorOutput must be
// running for the handle; it closes done when Wait returns.
func (e *Executor) Terminate(p *Process, grace time.Duration) bool {
	if p == nil || p.cmd.Process == nil {
		return true
	}
	select {
	case <-p.done:
		return true
	default:
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		e.logger.Debug("process terminated gracefully", "pid", p.PID())
		return true
	case <-time.After(grace):
	}

	e.logger.Warn("process did not terminate gracefully, force killing", "pid", p.PID())
	_ = p.cmd.Process.Kill()
	select {
	case <-p.done:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

// ParseProgress extracts structured progress from a borg output line. The
// returned map is empty when the line carries no recognized progress data.
func (e *Executor) ParseProgress(line string) map[string]any {
	progress := map[string]any{}

	if m := e.progressRe.FindStringSubmatch(line); m != nil {
		names := e.progressRe.SubexpNames()
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			if name == "path" {
				progress[name] = strings.TrimSpace(m[i])
				continue
			}
			if n, err := strconv.ParseInt(m[i], 10, 64); err == nil {
				progress[name] = n
			}
		}
		return progress
	}

	switch {
	case strings.Contains(line, "Archive name:"):
		progress["archive_name"] = strings.TrimSpace(strings.SplitN(line, "Archive name:", 2)[1])
	case strings.Contains(line, "Archive fingerprint:"):
		progress["fingerprint"] = strings.TrimSpace(strings.SplitN(line, "Archive fingerprint:", 2)[1])
	case strings.Contains(line, "Time (start):"):
		progress["start_time"] = strings.TrimSpace(strings.SplitN(line, "Time (start):", 2)[1])
	case strings.Contains(line, "Time (end):"):
		progress["end_time"] = strings.TrimSpace(strings.SplitN(line, "Time (end):", 2)[1])
	}
	return progress
}
