// Package borg builds borg argv/env pairs for the task executors. The
// passphrase is always passed through the environment, never on the command
// line.
package borg

import (
	"fmt"
	"strings"
	"time"
)

// Command is an argv plus the extra environment it needs.
type Command struct {
	Argv []string
	Env  map[string]string
}

func baseEnv(passphrase string) map[string]string {
	return map[string]string{
		"BORG_PASSPHRASE":                  passphrase,
		"BORG_RELOCATED_REPO_ACCESS_IS_OK": "yes",
	}
}

// CreateOptions parameterizes a borg create invocation.
type CreateOptions struct {
	ArchiveName string // defaults to a timestamped name
	SourcePaths []string
	Compression string
	Excludes    []string
	DryRun      bool
}

// BuildCreate builds a borg create command with stats and a change listing so
// progress can be streamed line by line.
func BuildCreate(repoPath, passphrase string, opts CreateOptions) Command {
	archive := opts.ArchiveName
	if archive == "" {
		archive = "backup-" + time.Now().UTC().Format("20060102-150405")
	}

	argv := []string{"borg", "create", "--stats", "--list", "--filter", "AME"}
	if opts.Compression != "" {
		argv = append(argv, "--compression", opts.Compression)
	}
	if opts.DryRun {
		argv = append(argv, "--dry-run")
	}
	for _, pattern := range opts.Excludes {
		argv = append(argv, "--exclude", pattern)
	}
	argv = append(argv, fmt.Sprintf("%s::%s", repoPath, archive))
	argv = append(argv, opts.SourcePaths...)

	return Command{Argv: argv, Env: baseEnv(passphrase)}
}

// PruneOptions parameterizes a borg prune invocation. Zero/empty retention
// values are omitted from the command.
type PruneOptions struct {
	KeepWithin  string
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
	ShowStats   bool
	ShowList    bool
	SaveSpace   bool
	ForcePrune  bool
	DryRun      bool
}

// BuildPrune builds a borg prune command from the non-zero retention options.
func BuildPrune(repoPath, passphrase string, opts PruneOptions) Command {
	argv := []string{"borg", "prune"}
	if opts.KeepWithin != "" {
		argv = append(argv, "--keep-within", opts.KeepWithin)
	}
	if opts.KeepDaily > 0 {
		argv = append(argv, "--keep-daily", fmt.Sprintf("%d", opts.KeepDaily))
	}
	if opts.KeepWeekly > 0 {
		argv = append(argv, "--keep-weekly", fmt.Sprintf("%d", opts.KeepWeekly))
	}
	if opts.KeepMonthly > 0 {
		argv = append(argv, "--keep-monthly", fmt.Sprintf("%d", opts.KeepMonthly))
	}
	if opts.KeepYearly > 0 {
		argv = append(argv, "--keep-yearly", fmt.Sprintf("%d", opts.KeepYearly))
	}
	if opts.ShowStats {
		argv = append(argv, "--stats")
	}
	if opts.ShowList {
		argv = append(argv, "--list")
	}
	if opts.SaveSpace {
		argv = append(argv, "--save-space")
	}
	if opts.ForcePrune {
		argv = append(argv, "--force")
	}
	if opts.DryRun {
		argv = append(argv, "--dry-run")
	}
	argv = append(argv, repoPath)

	return Command{Argv: argv, Env: baseEnv(passphrase)}
}

// CheckOptions parameterizes a borg check invocation.
type CheckOptions struct {
	RepositoryOnly bool
	ArchivesOnly   bool
	VerifyData     bool
	Repair         bool
}

// BuildCheck builds a borg check command honoring the check scope flags.
func BuildCheck(repoPath, passphrase string, opts CheckOptions) Command {
	argv := []string{"borg", "check"}
	if opts.RepositoryOnly {
		argv = append(argv, "--repository-only")
	}
	if opts.ArchivesOnly {
		argv = append(argv, "--archives-only")
	}
	if opts.VerifyData {
		argv = append(argv, "--verify-data")
	}
	if opts.Repair {
		argv = append(argv, "--repair")
	}
	argv = append(argv, repoPath)

	return Command{Argv: argv, Env: baseEnv(passphrase)}
}

// BuildBreakLock builds a borg break-lock command, used by the startup
// recovery procedure to release locks held by a dead process.
func BuildBreakLock(repoPath, passphrase string) Command {
	return Command{
		Argv: []string{"borg", "break-lock", repoPath},
		Env:  baseEnv(passphrase),
	}
}

// Redact formats an argv for logging, hiding archive names and anything that
// could leak secrets.
func Redact(argv []string) string {
	safe := make([]string, 0, len(argv))
	for _, arg := range argv {
		if parts := strings.SplitN(arg, "::", 2); len(parts) == 2 {
			safe = append(safe, parts[0]+"::[ARCHIVE]")
			continue
		}
		safe = append(safe, arg)
	}
	return strings.Join(safe, " ")
}
