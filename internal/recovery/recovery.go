// Package recovery reconciles the database with reality at startup: jobs the
// database still thinks are running cannot be, because no process survives a
// restart of this server.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"borgwarden/internal/borg"
	"borgwarden/internal/database"
	"borgwarden/internal/executor"
)

const interruptedMessage = "job interrupted by application restart"

// Procedure marks stale running jobs as failed and releases repository locks
// their borg processes may have left behind.
type Procedure struct {
	db          *database.Manager
	exec        *executor.Executor
	staleness   time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New creates a recovery procedure. staleness is how long a job must have
// been running to count as stale; zero treats every running job as stale.
func New(db *database.Manager, exec *executor.Executor, staleness, lockTimeout time.Duration, logger *slog.Logger) *Procedure {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	return &Procedure{
		db:          db,
		exec:        exec,
		staleness:   staleness,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Run performs one recovery pass. It is idempotent: jobs already marked
// failed are not selected again. Lock breaking is best effort; a failure to
// break a lock never blocks marking the job failed.
func (p *Procedure) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-p.staleness)
	stale, err := p.db.FindStaleRunningJobs(cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}
	if len(stale) == 0 {
		p.logger.Info("recovery: no stale jobs")
		return 0, nil
	}
	p.logger.Info("recovery: stale running jobs found", "count", len(stale))

	recovered := 0
	for _, job := range stale {
		if job.RepositoryID != nil {
			p.breakLock(ctx, *job.RepositoryID, job.ID)
		}
		if err := p.db.MarkJobInterrupted(job.ID, interruptedMessage); err != nil {
			p.logger.Error("recovery: mark job failed", "job_id", job.ID, "error", err)
			continue
		}
		p.logger.Info("recovery: job marked failed", "job_id", job.ID, "type", job.Type)
		recovered++
	}
	return recovered, nil
}

// breakLock runs borg break-lock against the job's repository, bounded by the
// lock timeout. Errors are logged and swallowed: the repository may simply
// not be locked.
func (p *Procedure) breakLock(ctx context.Context, repositoryID uint, jobID string) {
	repo, err := p.db.GetRepositoryData(repositoryID)
	if err != nil {
		p.logger.Warn("recovery: repository lookup failed", "job_id", jobID, "repository_id", repositoryID, "error", err)
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, p.lockTimeout)
	defer cancel()

	cmd := borg.BuildBreakLock(repo.Path, repo.Passphrase)
	proc, err := p.exec.StartProcess(lockCtx, cmd.Argv, cmd.Env)
	if err != nil {
		p.logger.Warn("recovery: break-lock launch failed", "repository", repo.Name, "error", err)
		return
	}
	result := p.exec.MonitorOutput(proc, nil)
	if result.ReturnCode != 0 {
		p.logger.Warn("recovery: break-lock exited non-zero",
			"repository", repo.Name, "return_code", result.ReturnCode, "error", result.Err)
		return
	}
	p.logger.Info("recovery: repository lock released", "repository", repo.Name)
}
