package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/bssbatch/internal/archive"
	"github.com/tastythames/bssbatch/internal/batch"
	"github.com/tastythames/bssbatch/internal/transfer"
)

// fakeChannel plays the remote host: a map of path -> content plus just
// enough shell to satisfy the daemon's command catalog.
type fakeChannel struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands []string

	artifactPath  string
	artifactBytes []byte
	appearAfter   int // artifact materializes after this many Exists polls on it
	artifactPolls int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{files: map[string][]byte{}}
}

func (f *fakeChannel) Push(_ context.Context, local, remote string) error {
	b, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remote] = b
	return nil
}

func (f *fakeChannel) Pull(_ context.Context, remote, local string) error {
	f.mu.Lock()
	b, ok := f.files[remote]
	f.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, b, 0o644)
}

func (f *fakeChannel) Exists(_ context.Context, remote string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remote == f.artifactPath && f.appearAfter > 0 {
		f.artifactPolls++
		if f.artifactPolls > f.appearAfter {
			f.files[remote] = f.artifactBytes
		}
	}
	_, ok := f.files[remote]
	return ok, nil
}

func (f *fakeChannel) Run(_ context.Context, command string) (transfer.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)

	switch {
	case command == transfer.CmdResolveHome():
		return transfer.RunResult{Stdout: "/home/u\n"}, nil
	case strings.HasPrefix(command, "rm -f "):
		for _, p := range strings.Fields(command)[2:] {
			delete(f.files, p)
		}
	case strings.Contains(command, "touch "):
		i := strings.LastIndex(command, "touch ")
		f.files[strings.TrimSpace(command[i+len("touch "):])] = nil
	}
	return transfer.RunResult{}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	states []batch.RunState
	reason string
}

func (r *fakeRecorder) SetRunState(_ int64, state batch.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return nil
}

func (r *fakeRecorder) FailRun(_ int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, batch.StateFailed)
	r.reason = reason
	return nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func packDir(t *testing.T, stage func(dir string), out string) {
	t.Helper()
	src := t.TempDir()
	stage(src)
	require.NoError(t, archive.Pack(src, out, nil))
}

// testSetup stages the local side (batch archive, bundle, output dir) and the
// artifact bytes the fake remote will eventually serve.
func testSetup(t *testing.T, ch *fakeChannel) Config {
	t.Helper()
	local := t.TempDir()

	archivePath := filepath.Join(local, "mybatch.tar.gz")
	packDir(t, func(dir string) {
		p := filepath.Join(dir, "jobs", "job_a")
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "bss_parameters.txt"), []byte("params\n"), 0o644))
	}, archivePath)

	bundle := filepath.Join(local, "bundle")
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "bssbatch-agent"), []byte("binary"), 0o755))

	resultArchive := filepath.Join(local, "result.tar.gz")
	packDir(t, func(dir string) {
		p := filepath.Join(dir, "jobs", "job_a", "output_files")
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "result.txt"), []byte("ok\n"), 0o644))
	}, resultArchive)
	b, err := os.ReadFile(resultArchive)
	require.NoError(t, err)

	ch.artifactPath = "/home/u/BSS-Batch-Manager-Remote/mybatch/mybatch_run_1_ab12cd34.tar.gz"
	ch.artifactBytes = b

	return Config{
		Batch:        "mybatch",
		RunID:        7,
		RunNumber:    1,
		Workspace:    "mybatch_run_1_ab12cd34",
		ArchivePath:  archivePath,
		OutputDir:    filepath.Join(local, "output"),
		RemoteRoot:   "BSS-Batch-Manager-Remote",
		BundleDir:    bundle,
		PollInterval: time.Millisecond,
		AgentArgs:    []string{"--user", "u"},
	}
}

func TestRunFullLifecycle(t *testing.T) {
	ch := newFakeChannel()
	cfg := testSetup(t, ch)
	ch.appearAfter = 2
	rec := &fakeRecorder{}

	d := New(cfg, ch, rec, testLog())
	require.NoError(t, d.Run(context.Background()))

	// lifecycle record advanced in order, one write per transition
	assert.Equal(t, []batch.RunState{
		batch.StateTransferred, batch.StateRemoteDone, batch.StateRetrieved,
	}, rec.states)

	// batch archive landed in the unique remote workspace
	runDir := "/home/u/BSS-Batch-Manager-Remote/mybatch/mybatch_run_1_ab12cd34"
	_, pushed := ch.files[runDir+"/mybatch.tar.gz"]
	assert.True(t, pushed, "batch archive must be pushed into the workspace")

	// the agent was launched detached with the workspace argument
	var launch string
	for _, cmd := range ch.commands {
		if strings.HasPrefix(cmd, "nohup ") {
			launch = cmd
		}
	}
	require.NotEmpty(t, launch, "agent launch command missing")
	assert.Contains(t, launch, "/home/u/BSS-Batch-Manager-Remote/bssbatch-agent")
	assert.Contains(t, launch, "--run "+runDir)
	assert.Contains(t, launch, "--user u")
	assert.True(t, strings.HasSuffix(launch, "&"))

	// results extracted locally, local archive copy gone
	result := filepath.Join(cfg.OutputDir, "mybatch", "run_1", "jobs", "job_a", "output_files", "result.txt")
	assert.FileExists(t, result)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "mybatch", cfg.Workspace+".tar.gz"))

	// remote copy deleted right after retrieval: at most one artifact exists
	_, remoteLeft := ch.files[ch.artifactPath]
	assert.False(t, remoteLeft, "remote artifact must be deleted after retrieval")
}

func TestPollDetectsArtifactWithinOneExtraInterval(t *testing.T) {
	const T = 5
	ch := newFakeChannel()
	cfg := testSetup(t, ch)
	ch.appearAfter = T
	rec := &fakeRecorder{}

	d := New(cfg, ch, rec, testLog())
	require.NoError(t, d.Run(context.Background()))

	// T polls miss, the T+1st sees it: detected within T+1 intervals and not
	// earlier.
	assert.Equal(t, T+1, ch.artifactPolls)
}

func TestFailureMarkerAbortsTheWait(t *testing.T) {
	ch := newFakeChannel()
	cfg := testSetup(t, ch)
	ch.appearAfter = 0 // the artifact never shows up
	ch.files["/home/u/BSS-Batch-Manager-Remote/mybatch/mybatch_run_1_ab12cd34.failed"] = []byte("submit: job 0: rejected\n")
	rec := &fakeRecorder{}

	d := New(cfg, ch, rec, testLog())
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote agent aborted")
	assert.Contains(t, err.Error(), "rejected")
}

func TestMaxWaitBoundsThePoll(t *testing.T) {
	ch := newFakeChannel()
	cfg := testSetup(t, ch)
	cfg.MaxWait = 20 * time.Millisecond
	rec := &fakeRecorder{}

	d := New(cfg, ch, rec, testLog())
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up waiting")
}

func TestCancellationStopsThePoll(t *testing.T) {
	ch := newFakeChannel()
	cfg := testSetup(t, ch)
	rec := &fakeRecorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d := New(cfg, ch, rec, testLog())
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResubmissionUsesDisjointWorkspaces(t *testing.T) {
	// two daemons for the same batch run concurrently against the same fake
	// remote; distinct workspace names keep them from touching each other
	ch := newFakeChannel()
	cfg1 := testSetup(t, ch)
	cfg2 := cfg1
	cfg2.RunNumber = 2
	cfg2.Workspace = "mybatch_run_2_ffee0011"
	ch.appearAfter = 1

	rec := &fakeRecorder{}
	d1 := New(cfg1, ch, rec, testLog())
	require.NoError(t, d1.Run(context.Background()))

	// seed the second run's artifact by hand; the fake only auto-materializes
	// the first one
	ch.mu.Lock()
	ch.files["/home/u/BSS-Batch-Manager-Remote/mybatch/mybatch_run_2_ffee0011.tar.gz"] = ch.artifactBytes
	ch.mu.Unlock()

	d2 := New(cfg2, ch, rec, testLog())
	require.NoError(t, d2.Run(context.Background()))

	assert.FileExists(t, filepath.Join(cfg1.OutputDir, "mybatch", "run_1", "jobs", "job_a", "output_files", "result.txt"))
	assert.FileExists(t, filepath.Join(cfg2.OutputDir, "mybatch", "run_2", "jobs", "job_a", "output_files", "result.txt"))
}
