// Package daemon drives one batch submission end to end from the local side:
// bootstrap the remote environment, transfer the batch, launch the remote
// agent, then watch the remote filesystem until the output artifact appears,
// retrieve it and reclaim the remote storage. One daemon process exists per
// submitted run; it holds no connection open — every remote touch dials fresh
// — so the only state that survives a crash is the run record and whatever
// files made it to either side.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/tastythames/bssbatch/internal/archive"
	"github.com/tastythames/bssbatch/internal/batch"
	"github.com/tastythames/bssbatch/internal/bootstrap"
	"github.com/tastythames/bssbatch/internal/transfer"
)

// RunRecorder persists lifecycle transitions. *batch.Store satisfies it.
type RunRecorder interface {
	SetRunState(id int64, state batch.RunState) error
	FailRun(id int64, reason string) error
}

type Config struct {
	Batch       string
	RunID       int64
	RunNumber   int
	Workspace   string // unique run name, also the remote directory name
	ArchivePath string // local batch archive to transfer
	OutputDir   string // local results root
	RemoteRoot  string // install dir under the remote home
	BundleDir   string // local support bundle

	PollInterval time.Duration
	// MaxWait bounds the artifact poll; 0 waits forever, the documented
	// default. Operators bound a stuck run through this or by killing the
	// process.
	MaxWait time.Duration

	AgentArgs []string // extra flags handed to the remote agent
}

type Daemon struct {
	cfg Config
	ch  transfer.Channel
	rec RunRecorder
	log *logrus.Entry
}

func New(cfg Config, ch transfer.Channel, rec RunRecorder, log *logrus.Entry) *Daemon {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Daemon{cfg: cfg, ch: ch, rec: rec, log: log}
}

// Run executes the submission lifecycle. It blocks — potentially for months —
// until the artifact is retrieved, the remote side reports failure, MaxWait
// elapses or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	home, err := d.resolveHome(ctx)
	if err != nil {
		return fmt.Errorf("resolve remote home: %w", err)
	}
	root := path.Join(home, d.cfg.RemoteRoot)

	boot := &bootstrap.Bootstrap{
		Channel:    d.ch,
		BundleDir:  d.cfg.BundleDir,
		RemoteRoot: root,
		Log:        d.log,
	}
	if err := boot.EnsurePresent(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	runDir := path.Join(root, d.cfg.Batch, d.cfg.Workspace)
	artifact := runDir + ".tar.gz"
	failMarker := runDir + ".failed"

	if err := d.transfer(ctx, runDir); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := d.rec.SetRunState(d.cfg.RunID, batch.StateTransferred); err != nil {
		return err
	}

	if err := d.launchAgent(ctx, root, runDir); err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}

	if err := d.waitForArtifact(ctx, artifact, failMarker); err != nil {
		return err
	}
	if err := d.rec.SetRunState(d.cfg.RunID, batch.StateRemoteDone); err != nil {
		return err
	}

	if err := d.retrieve(ctx, artifact); err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	if err := d.rec.SetRunState(d.cfg.RunID, batch.StateRetrieved); err != nil {
		return err
	}
	d.log.Infof("run %s retrieved", d.cfg.Workspace)
	return nil
}

func (d *Daemon) resolveHome(ctx context.Context) (string, error) {
	res, err := d.ch.Run(ctx, transfer.CmdResolveHome())
	if err != nil {
		return "", err
	}
	home := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || home == "" {
		return "", fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)
	}
	return home, nil
}

func (d *Daemon) transfer(ctx context.Context, runDir string) error {
	info, err := os.Stat(d.cfg.ArchivePath)
	if err != nil {
		return err
	}
	d.log.Infof("pushing %s (%s) to %s", filepath.Base(d.cfg.ArchivePath), humanize.Bytes(uint64(info.Size())), runDir)

	if res, err := d.ch.Run(ctx, transfer.CmdMkdirAll(runDir)); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: %s", runDir, res.Stderr)
	}
	return d.ch.Push(ctx, d.cfg.ArchivePath, path.Join(runDir, d.cfg.Batch+".tar.gz"))
}

func (d *Daemon) launchAgent(ctx context.Context, root, runDir string) error {
	argv := append([]string{
		path.Join(root, bootstrap.AgentBinary),
		"--run", runDir,
	}, d.cfg.AgentArgs...)

	d.log.Infof("launching remote agent for %s", d.cfg.Workspace)
	res, err := d.ch.Run(ctx, transfer.CmdDetached(argv...))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// waitForArtifact polls the remote filesystem for the output artifact. There
// is no completion message and no timeout unless MaxWait arms one: the
// artifact appearing, the agent's failure marker, ctx cancellation or an
// operator killing the process are the only ways out.
func (d *Daemon) waitForArtifact(ctx context.Context, artifact, failMarker string) error {
	start := time.Now()
	polls := 0
	// one progress line roughly every 5 minutes at the default interval
	logEvery := 60

	for {
		ok, err := d.ch.Exists(ctx, artifact)
		if err != nil {
			return fmt.Errorf("poll %s: %w", artifact, err)
		}
		if ok {
			d.log.Infof("output artifact found after %s", humanize.RelTime(start, time.Now(), "", ""))
			return nil
		}

		failed, err := d.ch.Exists(ctx, failMarker)
		if err != nil {
			return fmt.Errorf("poll %s: %w", failMarker, err)
		}
		if failed {
			reason := d.readFailureMarker(ctx, failMarker)
			return fmt.Errorf("remote agent aborted: %s", reason)
		}

		if d.cfg.MaxWait > 0 && time.Since(start) > d.cfg.MaxWait {
			return fmt.Errorf("gave up waiting for %s after %s", artifact, d.cfg.MaxWait)
		}

		polls++
		if polls%logEvery == 0 {
			d.log.Infof("still waiting for %s (%s elapsed)", filepath.Base(artifact), humanize.RelTime(start, time.Now(), "", ""))
		}
		timer := time.NewTimer(d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *Daemon) readFailureMarker(ctx context.Context, failMarker string) string {
	tmp, err := os.CreateTemp("", "bssbatch-failed-*")
	if err != nil {
		return "(unreadable)"
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := d.ch.Pull(ctx, failMarker, tmp.Name()); err != nil {
		return "(unreadable)"
	}
	b, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "(unreadable)"
	}
	return strings.TrimSpace(string(b))
}

// retrieve pulls the artifact, extracts it into the local results tree and
// deletes the remote copy, restoring the at-most-one-artifact invariant.
func (d *Daemon) retrieve(ctx context.Context, artifact string) error {
	batchOut := filepath.Join(d.cfg.OutputDir, d.cfg.Batch)
	localArchive := filepath.Join(batchOut, d.cfg.Workspace+".tar.gz")
	if err := d.ch.Pull(ctx, artifact, localArchive); err != nil {
		return err
	}

	resultDir := filepath.Join(batchOut, "run_"+strconv.Itoa(d.cfg.RunNumber))
	if err := archive.Unpack(localArchive, resultDir); err != nil {
		return err
	}
	if err := os.Remove(localArchive); err != nil {
		return err
	}
	d.log.Infof("results extracted to %s", resultDir)

	res, err := d.ch.Run(ctx, transfer.CmdRemoveFile(artifact))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("remove remote artifact: %s", res.Stderr)
	}
	return nil
}
