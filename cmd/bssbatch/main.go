// bssbatch is the operator CLI: it lists, submits and deletes simulation
// batches. Submitting hands the batch to a detached bssbatchd process and
// returns immediately; the daemon then runs unattended for however long the
// cluster takes.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/tastythames/bssbatch/internal/batch"
	"github.com/tastythames/bssbatch/internal/config"
	"github.com/tastythames/bssbatch/internal/logging"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:

  bssbatch [flags] <command> [args]

Commands:
  list                 show known batches
  status <batch>       show a batch's submission runs
  submit <batch>       submit a batch to the remote queue (detached)
  delete <batch>       delete a batch archive (explicit, never automatic)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	cfgPath := flag.String("config", config.Path("bssbatch.yaml"), "config file")
	logLevel := flag.String("log-level", "info", "log level")
	yes := flag.BoolP("yes", "y", false, "skip confirmation prompts")
	flag.Usage = usage
	flag.Parse()

	log := logging.New(os.Stderr, *logLevel)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
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

	if err := store.Refresh(cfg.Paths.Batches); err != nil {
		log.Fatalf("refresh batches: %v", err)
	}

	app := &cli{cfg: cfg, cfgPath: *cfgPath, store: store, log: log, yes: *yes}

	switch args[0] {
	case "list":
		err = app.list()
	case "status":
		err = withBatchArg(args, app.status)
	case "submit":
		err = withBatchArg(args, app.submit)
	case "delete":
		err = withBatchArg(args, app.delete)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func withBatchArg(args []string, fn func(name string) error) error {
	if len(args) != 2 {
		return fmt.Errorf("expected a batch name")
	}
	return fn(args[1])
}

type cli struct {
	cfg     *config.Config
	cfgPath string
	store   *batch.Store
	log     interface {
		Infof(format string, args ...interface{})
	}
	yes bool
}

func (c *cli) list() error {
	batches, err := c.store.List(false)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("no batches found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tJOBS\tRUNS\tLAST RAN\tSIZE")
	for _, b := range batches {
		lastRan := "never"
		if !b.LastSubmitted.IsZero() {
			lastRan = humanize.Time(b.LastSubmitted)
		}
		size := "?"
		if info, err := os.Stat(c.archivePath(b.Name)); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", b.Name, len(b.Jobs), b.SubmitCount, lastRan, size)
	}
	return w.Flush()
}

func (c *cli) status(name string) error {
	runs, err := c.store.Runs(name)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("batch %s has never been submitted\n", name)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORKSPACE\tSTATE\tSTARTED\tUPDATED")
	for _, r := range runs {
		state := string(r.State)
		if r.Error != "" {
			state += " (" + r.Error + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.Number, r.Workspace, state, humanize.Time(r.StartedAt), humanize.Time(r.UpdatedAt))
	}
	return w.Flush()
}

func (c *cli) delete(name string) error {
	d, err := c.store.Get(name)
	if err != nil {
		return err
	}
	if d.Deleted {
		return fmt.Errorf("batch %s is already deleted", name)
	}
	if !c.yes && !confirm(fmt.Sprintf("delete batch %s and its archive? (y/n) ", name)) {
		return nil
	}
	if err := os.Remove(c.archivePath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := c.store.MarkDeleted(name); err != nil {
		return err
	}
	fmt.Printf("batch %s deleted\n", name)
	return nil
}

func (c *cli) archivePath(name string) string {
	return filepath.Join(c.cfg.Paths.Batches, name+".tar.gz")
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(strings.ToLower(line)) == "y"
}
