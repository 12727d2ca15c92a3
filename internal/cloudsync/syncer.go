// Package cloudsync replicates a repository directory to a configured remote.
package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"borgwarden/internal/executor"
	"borgwarden/internal/models"
)

// Progress receives one output line from the sync process.
type Progress func(line string)

// Syncer replicates sourcePath to the destination described by cfg.
type Syncer interface {
	Sync(ctx context.Context, sourcePath string, cfg *models.CloudSyncConfig, onProgress Progress) error
}

// RcloneSyncer shells out to rclone. Provider specifics live in the config's
// remote path and extra flags.
type RcloneSyncer struct {
	executor *executor.Executor
	logger   *slog.Logger
}

// NewRcloneSyncer creates a syncer backed by the rclone binary.
func NewRcloneSyncer(exec *executor.Executor, logger *slog.Logger) *RcloneSyncer {
	return &RcloneSyncer{executor: exec, logger: logger}
}

// Sync runs rclone sync, relaying output lines to onProgress. A non-zero exit
// is returned as an error with the last output line as diagnostic.
func (s *RcloneSyncer) Sync(ctx context.Context, sourcePath string, cfg *models.CloudSyncConfig, onProgress Progress) error {
	argv := []string{"rclone", "sync", sourcePath, cfg.RemotePath, "--stats-one-line", "--stats", "5s", "--verbose"}
	if cfg.ExtraArgs != "" {
		argv = append(argv, strings.Fields(cfg.ExtraArgs)...)
	}

	s.logger.Info("starting cloud sync", "config", cfg.Name, "provider", cfg.Provider, "source", sourcePath)

	proc, err := s.executor.StartProcess(ctx, argv, nil)
	if err != nil {
		return fmt.Errorf("failed to start rclone: %w", err)
	}

	var lastLine string
	result := s.executor.MonitorOutput(proc, func(line string, _ map[string]any) {
		lastLine = line
		if onProgress != nil {
			onProgress(line)
		}
	})

	if result.ReturnCode != 0 {
		if result.Err != "" {
			return fmt.Errorf("rclone sync failed: %s", result.Err)
		}
		return fmt.Errorf("rclone sync exited with code %d: %s", result.ReturnCode, lastLine)
	}
	return nil
}
