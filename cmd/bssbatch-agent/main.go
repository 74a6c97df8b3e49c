// bssbatch-agent is the remote half of a batch submission. It ships inside
// the support bundle, is launched detached by the local daemon with a run
// workspace, and communicates back solely through the filesystem: the output
// artifact on success, a .failed marker on abort.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tastythames/bssbatch/internal/agent"
	"github.com/tastythames/bssbatch/internal/logging"
	"github.com/tastythames/bssbatch/internal/queue"
)

func main() {
	runDir := flag.String("run", "", "run workspace directory")
	user := flag.String("user", "", "queue user to query jobs for")
	executable := flag.String("executable", "bond_switch_simulator.exe", "simulator binary, relative to the install dir")
	template := flag.String("template", "job_submission_template.sh", "submission template, relative to the install dir")
	wallTime := flag.String("wall-time", "48:00:00", "queue wall-time limit")
	maxQueued := flag.Int("max-queued", 200, "admission ceiling for this run's jobs")
	submitPoll := flag.Int("submit-poll", 5, "seconds between admission checks")
	drainPoll := flag.Int("drain-poll", 5, "seconds between drain checks")
	excludeLogs := flag.StringArray("exclude-log", []string{"lammps.log"}, "bulk logs excluded from the artifact")
	seedCommand := flag.String("seed-command", "", "command generating missing seed inputs, run per job")
	flag.Parse()

	if *runDir == "" || *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Log beside the workspace; the agent folds it into the artifact when
	// packaging.
	logPath := *runDir + ".log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		os.Exit(1)
	}
	defer logFile.Close()
	log := logging.New(logFile, "info")

	installDir, err := installDir()
	if err != nil {
		log.Fatalf("locate install dir: %v", err)
	}

	a := agent.New(agent.Config{
		RunDir:         *runDir,
		ExecutablePath: resolve(installDir, *executable),
		TemplatePath:   resolve(installDir, *template),
		WallTime:       *wallTime,
		MaxQueued:      *maxQueued,
		SubmitPoll:     time.Duration(*submitPoll) * time.Second,
		DrainPoll:      time.Duration(*drainPoll) * time.Second,
		SeedCommand:    *seedCommand,
		ExcludeLogs:    *excludeLogs,
		LogPath:        logPath,
	}, queue.NewGridEngine(*user, nil), log.WithField("run", filepath.Base(*runDir)))

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("received %s, aborting", s)
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Errorf("run aborted: %v", err)
		// The marker is the only failure signal that ever reaches the local
		// side; without it the daemon would wait forever.
		if merr := agent.WriteFailureMarker(*runDir, err); merr != nil {
			log.Errorf("write failure marker: %v", merr)
		}
		os.Exit(1)
	}
}

func installDir() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(self), nil
}

func resolve(installDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(installDir, p)
}
