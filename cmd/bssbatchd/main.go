// bssbatchd is the local submission daemon: one instance per in-flight batch
// run, launched detached by the CLI. It logs to stdout, which the CLI has
// already redirected to the run's fixed log path.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/tastythames/bssbatch/internal/batch"
	"github.com/tastythames/bssbatch/internal/config"
	"github.com/tastythames/bssbatch/internal/daemon"
	"github.com/tastythames/bssbatch/internal/logging"
	"github.com/tastythames/bssbatch/internal/transfer"
)

func main() {
	cfgPath := flag.String("config", config.Path("bssbatch.yaml"), "config file")
	runID := flag.Int64("run-id", 0, "run record to drive")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logging.New(os.Stdout, *logLevel)
	if *runID == 0 {
		log.Fatal("--run-id is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	store, err := batch.Open(cfg.Paths.StateDB)
	if err != nil {
		log.Fatalf("open state db: %v", err)
	}
	defer store.Close()

	run, err := store.GetRun(*runID)
	if err != nil {
		log.Fatalf("load run: %v", err)
	}

	ch, err := transfer.NewSSH(transfer.Config{
		Host:        cfg.Remote.Host,
		Port:        cfg.Remote.Port,
		User:        cfg.Remote.User,
		KeyPath:     cfg.Remote.KeyPath,
		PasswordEnv: cfg.Remote.PasswordEnv,
		KnownHosts:  cfg.Remote.KnownHosts,
	})
	if err != nil {
		log.Fatalf("ssh channel: %v", err)
	}

	d := daemon.New(daemon.Config{
		Batch:        run.Batch,
		RunID:        run.ID,
		RunNumber:    run.Number,
		Workspace:    run.Workspace,
		ArchivePath:  filepath.Join(cfg.Paths.Batches, run.Batch+".tar.gz"),
		OutputDir:    cfg.Paths.Output,
		RemoteRoot:   cfg.Remote.Root,
		BundleDir:    cfg.Paths.Bundle,
		PollInterval: cfg.Daemon.PollInterval(),
		MaxWait:      cfg.Daemon.MaxWait(),
		AgentArgs:    agentArgs(cfg),
	}, ch, store, log.WithField("run", run.Workspace))

	// Cancellation is cooperative and external only: SIGTERM/SIGINT from an
	// operator. There is no in-band cancel.
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("received %s, shutting down", s)
		cancel()
	}()

	log.Infof("daemon started for batch %s run %d", run.Batch, run.Number)
	if err := d.Run(ctx); err != nil {
		if ferr := store.FailRun(run.ID, err.Error()); ferr != nil {
			log.Errorf("record failure: %v", ferr)
		}
		log.Fatalf("run failed: %v", err)
	}
}

// agentArgs carries the queue and packaging configuration to the remote
// agent. Paths are resolved by the agent relative to its install directory.
func agentArgs(cfg *config.Config) []string {
	args := []string{
		"--user", cfg.Remote.User,
		"--executable", cfg.Queue.Executable,
		"--template", cfg.Queue.Template,
		"--wall-time", cfg.Queue.WallTime,
		"--max-queued", strconv.Itoa(cfg.Queue.MaxQueued),
		"--submit-poll", strconv.Itoa(cfg.Queue.SubmitPollSeconds),
		"--drain-poll", strconv.Itoa(cfg.Queue.DrainPollSeconds),
	}
	for _, l := range cfg.Agent.ExcludeLogs {
		args = append(args, "--exclude-log", l)
	}
	if cfg.Agent.SeedCommand != "" {
		args = append(args, "--seed-command", cfg.Agent.SeedCommand)
	}
	return args
}
