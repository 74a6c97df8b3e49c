// Package queue is the interaction surface with the cluster's job scheduler.
// Anything that can submit a script and report its active jobs by name is
// interchangeable here; the shipped implementation drives Grid Engine's
// qsub/qstat.
package queue

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Job is one active queue entry.
type Job struct {
	ID          string
	Name        string
	SubmittedAt time.Time
}

// Queue accepts submissions and reports active jobs.
type Queue interface {
	// Submit enqueues scriptPath with the job's output directed to workDir
	// and returns the scheduler's job id.
	Submit(ctx context.Context, scriptPath, workDir string) (string, error)
	// Query returns the caller's active jobs whose names start with
	// namePrefix. An empty result means the matching jobs have drained.
	Query(ctx context.Context, namePrefix string) ([]Job, error)
}

// CommandRunner executes a scheduler command and returns its stdout. Tests
// inject fakes; the default shells out.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// GridEngine talks to SGE-style qsub/qstat.
type GridEngine struct {
	User string
	run  CommandRunner
}

func NewGridEngine(user string, runner CommandRunner) *GridEngine {
	if runner == nil {
		runner = execRunner
	}
	return &GridEngine{User: user, run: runner}
}

func (g *GridEngine) Submit(ctx context.Context, scriptPath, workDir string) (string, error) {
	// -terse prints just the job id; -j y merges stderr into the job log.
	out, err := g.run(ctx, "qsub", "-terse", "-j", "y", "-o", workDir, scriptPath)
	if err != nil {
		return "", fmt.Errorf("qsub %s: %w", scriptPath, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("qsub %s: empty job id", scriptPath)
	}
	return id, nil
}

func (g *GridEngine) Query(ctx context.Context, namePrefix string) ([]Job, error) {
	// -r adds the "Full jobname" line; the default name column truncates.
	out, err := g.run(ctx, "qstat", "-u", g.User, "-r")
	if err != nil {
		return nil, fmt.Errorf("qstat: %w", err)
	}
	jobs, err := parseQstat(out)
	if err != nil {
		return nil, err
	}
	var matched []Job
	for _, j := range jobs {
		if strings.HasPrefix(j.Name, namePrefix) {
			matched = append(matched, j)
		}
	}
	return matched, nil
}
