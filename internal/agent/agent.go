// Package agent implements the remote side of a batch submission. It runs on
// the cluster head node against one run workspace: unpack the transferred
// archive, materialize a submission script per job, feed the queue without
// exceeding the admission ceiling, wait for the jobs to drain, package the
// results and delete the workspace. The packaged artifact appearing next to
// the (now removed) workspace is the only completion signal the local side
// ever sees.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/tastythames/bssbatch/internal/archive"
	"github.com/tastythames/bssbatch/internal/jobscript"
	"github.com/tastythames/bssbatch/internal/queue"
)

const (
	jobsDir    = "jobs"
	seedDir    = "seed"
	scriptName = "job_submission_script.sh"
	inputDir   = "input_files"
	agentLog   = "agent.log"
	queueLog   = "qsub.log"
)

type Config struct {
	RunDir         string // the run workspace, containing the pushed archive
	ExecutablePath string // simulator binary shipped in the bundle
	TemplatePath   string // submission script template
	WallTime       string
	MaxQueued      int
	SubmitPoll     time.Duration
	DrainPoll      time.Duration
	SeedCommand    string   // generates missing seed inputs, run per job
	ExcludeLogs    []string // bulk logs kept out of the artifact
	LogPath        string   // agent log, folded into the artifact
}

type Agent struct {
	cfg   Config
	queue queue.Queue
	log   *logrus.Entry
}

func New(cfg Config, q queue.Queue, log *logrus.Entry) *Agent {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 200
	}
	if cfg.SubmitPoll <= 0 {
		cfg.SubmitPoll = 5 * time.Second
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = 5 * time.Second
	}
	return &Agent{cfg: cfg, queue: q, log: log}
}

// RunName is the workspace directory name; every job name carries it as a
// prefix, which is what queue queries filter on.
func (a *Agent) RunName() string {
	return filepath.Base(a.cfg.RunDir)
}

// ArtifactPath is where the packaged results land, next to the workspace.
func (a *Agent) ArtifactPath() string {
	return a.cfg.RunDir + ".tar.gz"
}

// FailurePath is the abort marker written when any step fails.
func (a *Agent) FailurePath() string {
	return a.cfg.RunDir + ".failed"
}

// Run drives the workspace to completion. Any step error aborts the whole
// run; the caller is expected to surface it via WriteFailureMarker, since no
// other signal reaches the submitting host.
func (a *Agent) Run(ctx context.Context) error {
	start := time.Now()

	if err := a.unpack(); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	jobs, err := a.listJobs()
	if err != nil {
		return err
	}
	a.log.Infof("batch %s: %d jobs", a.RunName(), len(jobs))

	if err := a.materialize(jobs); err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	if err := a.submit(ctx, jobs); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := a.drain(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if err := a.pack(jobs); err != nil {
		return fmt.Errorf("package: %w", err)
	}
	if err := os.RemoveAll(a.cfg.RunDir); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	a.log.Infof("batch %s complete after %s", a.RunName(), humanize.RelTime(start, time.Now(), "", ""))
	return nil
}

// unpack extracts the single transferred archive into the workspace and
// removes it.
func (a *Agent) unpack() error {
	matches, err := filepath.Glob(filepath.Join(a.cfg.RunDir, "*.tar.gz"))
	if err != nil {
		return err
	}
	if len(matches) != 1 {
		return fmt.Errorf("expected one batch archive in %s, found %d", a.cfg.RunDir, len(matches))
	}
	a.log.Infof("unpacking %s", filepath.Base(matches[0]))
	if err := archive.Unpack(matches[0], a.cfg.RunDir); err != nil {
		return err
	}
	return os.Remove(matches[0])
}

func (a *Agent) listJobs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.cfg.RunDir, jobsDir))
	if err != nil {
		return nil, fmt.Errorf("no jobs directory in batch: %w", err)
	}
	var jobs []string
	for _, e := range entries {
		if e.IsDir() {
			jobs = append(jobs, e.Name())
		}
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs found in batch %s", a.RunName())
	}
	sort.Strings(jobs)
	return jobs, nil
}

// materialize prepares every job directory: seed inputs, the executable and
// the rendered submission script.
func (a *Agent) materialize(jobs []string) error {
	for i, job := range jobs {
		jobPath := filepath.Join(a.cfg.RunDir, jobsDir, job)
		if err := a.seedJob(jobPath); err != nil {
			return fmt.Errorf("job %s: %w", job, err)
		}
		execName := filepath.Base(a.cfg.ExecutablePath)
		if err := copyFile(a.cfg.ExecutablePath, filepath.Join(jobPath, execName), 0o755); err != nil {
			return fmt.Errorf("job %s: copy executable: %w", job, err)
		}
		absJob, err := filepath.Abs(jobPath)
		if err != nil {
			return err
		}
		p := jobscript.Params{
			JobName:    jobscript.JobName(a.RunName(), i),
			WorkDir:    absJob,
			Executable: execName,
			WallTime:   a.cfg.WallTime,
		}
		if err := jobscript.RenderFile(a.cfg.TemplatePath, filepath.Join(jobPath, scriptName), p); err != nil {
			return fmt.Errorf("job %s: %w", job, err)
		}
	}
	a.log.Infof("materialized %d submission scripts", len(jobs))
	return nil
}

// seedJob copies the batch-level seed directories into the job's input tree.
// Batches without a seed directory either generate one per job via the
// configured seed command or simply don't use seeds.
func (a *Agent) seedJob(jobPath string) error {
	seeds := filepath.Join(a.cfg.RunDir, seedDir)
	entries, err := os.ReadDir(seeds)
	if os.IsNotExist(err) {
		if a.cfg.SeedCommand == "" {
			return nil
		}
		a.log.Infof("generating seed inputs for %s", filepath.Base(jobPath))
		cmd := exec.Command("/bin/sh", "-c", a.cfg.SeedCommand)
		cmd.Dir = jobPath
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("seed command: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dst := filepath.Join(jobPath, inputDir, e.Name())
		if err := copyDir(filepath.Join(seeds, e.Name()), dst); err != nil {
			return fmt.Errorf("copy seed %s: %w", e.Name(), err)
		}
	}
	return nil
}

// submit feeds each job script to the queue, blocking while the run already
// has MaxQueued jobs queued or running. The ceiling protects shared cluster
// capacity; it is advisory cooperation among our own batches, not a lock.
func (a *Agent) submit(ctx context.Context, jobs []string) error {
	for i, job := range jobs {
		for {
			active, err := a.queue.Query(ctx, a.RunName())
			if err != nil {
				return err
			}
			if len(active) < a.cfg.MaxQueued {
				break
			}
			a.log.Infof("admission ceiling reached (%d queued), waiting", len(active))
			if err := wait(ctx, a.cfg.SubmitPoll); err != nil {
				return err
			}
		}
		jobPath := filepath.Join(a.cfg.RunDir, jobsDir, job)
		id, err := a.queue.Submit(ctx, filepath.Join(jobPath, scriptName), jobPath)
		if err != nil {
			return fmt.Errorf("job %s: %w", job, err)
		}
		a.log.Infof("submitted job %s as %s (%d/%d)", jobscript.JobName(a.RunName(), i), id, i+1, len(jobs))
	}
	return nil
}

// drain polls the queue until no jobs with this run's name prefix remain.
// Unbounded by design: the queue may hold jobs for however long scheduling
// takes, and only ctx cancellation cuts the wait short.
func (a *Agent) drain(ctx context.Context) error {
	for {
		active, err := a.queue.Query(ctx, a.RunName())
		if err != nil {
			return err
		}
		if len(active) == 0 {
			a.log.Info("all jobs drained")
			return nil
		}
		if err := wait(ctx, a.cfg.DrainPoll); err != nil {
			return err
		}
	}
}

// pack assembles the output artifact: everything in the workspace except the
// executable, the generated submission scripts and the bulk logs. Each job's
// queue log is renamed to qsub.log first, and the agent log so far is copied
// in so failures on the compute nodes stay diagnosable from the local side.
func (a *Agent) pack(jobs []string) error {
	for i, job := range jobs {
		jobPath := filepath.Join(a.cfg.RunDir, jobsDir, job)
		pattern := filepath.Join(jobPath, jobscript.JobName(a.RunName(), i)+".o*")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			a.log.Warnf("queue log not found for job %s", job)
			continue
		}
		if err := os.Rename(matches[0], filepath.Join(jobPath, queueLog)); err != nil {
			return err
		}
	}

	if a.cfg.LogPath != "" {
		if err := copyFile(a.cfg.LogPath, filepath.Join(a.cfg.RunDir, agentLog), 0o644); err != nil {
			a.log.Warnf("could not include agent log: %v", err)
		}
	}

	excluded := append([]string{filepath.Base(a.cfg.ExecutablePath), scriptName}, a.cfg.ExcludeLogs...)
	if err := archive.Pack(a.cfg.RunDir, a.ArtifactPath(), archive.ExcludeNames(excluded...)); err != nil {
		return err
	}
	info, err := os.Stat(a.ArtifactPath())
	if err != nil {
		return err
	}
	a.log.Infof("packaged %s (%s)", filepath.Base(a.ArtifactPath()), humanize.Bytes(uint64(info.Size())))
	return nil
}

// WriteFailureMarker records an abort next to the workspace. The local daemon
// polls for it alongside the artifact; without it a remote failure is
// indistinguishable from a long queue wait.
func WriteFailureMarker(runDir string, cause error) error {
	return os.WriteFile(runDir+".failed", []byte(cause.Error()+"\n"), 0o644)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target, 0o644)
	})
}
