package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tastythames/bssbatch/internal/transfer"
)

// submit records a new run and hands it to a detached bssbatchd process. The
// daemon owns everything from here; the CLI returns to the user immediately.
func (c *cli) submit(name string) error {
	d, err := c.store.Get(name)
	if err != nil {
		return err
	}
	if d.Deleted {
		return fmt.Errorf("batch %s is deleted", name)
	}
	if _, err := os.Stat(c.archivePath(name)); err != nil {
		return fmt.Errorf("batch archive: %w", err)
	}

	// Preflight the channel now, while the user is still watching. The
	// daemon redials for every operation, so this proves auth and
	// reachability, nothing more.
	if err := c.preflight(); err != nil {
		return fmt.Errorf("cannot reach %s: %w", c.cfg.Remote.Host, err)
	}

	// The random suffix keeps a resubmission after a mid-transfer crash from
	// landing in a half-transferred predecessor's workspace.
	workspace := fmt.Sprintf("%s_run_%d_%s", name, d.SubmitCount+1, uuid.NewString()[:8])
	run, err := c.store.BeginRun(name, workspace)
	if err != nil {
		return err
	}

	logPath, err := c.spawnDaemon(run.ID, workspace)
	if err != nil {
		return err
	}
	fmt.Printf("batch %s submitted as run %d (workspace %s)\nlog: %s\n",
		name, run.Number, workspace, logPath)
	return nil
}

func (c *cli) preflight() error {
	ch, err := transfer.NewSSH(transfer.Config{
		Host:        c.cfg.Remote.Host,
		Port:        c.cfg.Remote.Port,
		User:        c.cfg.Remote.User,
		KeyPath:     c.cfg.Remote.KeyPath,
		PasswordEnv: c.cfg.Remote.PasswordEnv,
		KnownHosts:  c.cfg.Remote.KnownHosts,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := ch.Run(ctx, transfer.CmdResolveHome())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// spawnDaemon starts bssbatchd in its own session with stdout/stderr
// redirected to the run's fixed log path, so it survives this process and the
// terminal going away.
func (c *cli) spawnDaemon(runID int64, workspace string) (string, error) {
	bin := c.cfg.Paths.DaemonBin
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return "", err
		}
		bin = filepath.Join(filepath.Dir(self), "bssbatchd")
	}

	logPath := filepath.Join(c.cfg.Paths.Output, workspace+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return "", err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer logFile.Close()

	cmd := exec.Command(bin, "--config", c.cfgPath, "--run-id", strconv.FormatInt(runID, 10))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", bin, err)
	}
	if err := cmd.Process.Release(); err != nil {
		return "", err
	}
	return logPath, nil
}
