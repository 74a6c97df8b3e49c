// Package batch holds the local bookkeeping for parameter-sweep batches: the
// descriptors created when a sweep is finalized and the per-run lifecycle
// records the daemon advances as it moves a submission through the remote
// host.
package batch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tastythames/bssbatch/internal/archive"
)

// Descriptor identifies one batch. The archive on disk is immutable once
// produced; resubmission reuses it as-is. Descriptors are never deleted
// automatically — Deleted flips only on an explicit user action.
type Descriptor struct {
	Name          string
	CreatedAt     time.Time
	SubmitCount   int
	LastSubmitted time.Time
	Deleted       bool
	Jobs          []Job
}

// Job is one resolved parameter set, immutable after batch creation. Varied
// parameters are encoded in the job directory name as
// "name_value__name_value", which is also how the original sweeps named them.
type Job struct {
	Index  int
	Name   string
	Params map[string]string
}

// ParseJobParams splits a job directory name into its varied parameters.
// Names without the separator yield an empty map (an unvaried job).
func ParseJobParams(name string) map[string]string {
	params := map[string]string{}
	for _, part := range strings.Split(name, "__") {
		i := strings.LastIndex(part, "_")
		if i <= 0 || i == len(part)-1 {
			continue
		}
		params[part[:i]] = part[i+1:]
	}
	return params
}

// JobsFromArchive lists the batch's jobs by scanning the archive for members
// under jobs/<name>/, without extracting it.
func JobsFromArchive(archivePath string) ([]Job, error) {
	members, err := archive.List(archivePath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", archivePath, err)
	}
	seen := map[string]struct{}{}
	for _, m := range members {
		rest, ok := strings.CutPrefix(m, "jobs/")
		if !ok {
			continue
		}
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)

	jobs := make([]Job, len(names))
	for i, n := range names {
		jobs[i] = Job{Index: i, Name: n, Params: ParseJobParams(n)}
	}
	return jobs, nil
}

// RunState is the persisted lifecycle position of one submission. Each
// transition is written before the daemon moves on, so a crashed run can be
// judged from the record instead of from remote guesswork.
type RunState string

const (
	StateSubmitted   RunState = "submitted"
	StateTransferred RunState = "transferred"
	StateRemoteDone  RunState = "remote_done"
	StateRetrieved   RunState = "retrieved"
	StateFailed      RunState = "failed"
)

// Run is one submission of a batch. Workspace is the unique remote directory
// name; the random suffix keeps a resubmission after a mid-transfer crash from
// colliding with the half-transferred predecessor.
type Run struct {
	ID        int64
	Batch     string
	Number    int
	Workspace string
	State     RunState
	Error     string
	StartedAt time.Time
	UpdatedAt time.Time
}
