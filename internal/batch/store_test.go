package batch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)

	d := &Descriptor{
		Name:      "mybatch",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Jobs: []Job{
			{Index: 0, Name: "temperature_300", Params: map[string]string{"temperature": "300"}},
			{Index: 1, Name: "temperature_400", Params: map[string]string{"temperature": "400"}},
		},
	}
	require.NoError(t, s.Create(d))

	got, err := s.Get("mybatch")
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)
	assert.Equal(t, 0, got.SubmitCount)
	assert.True(t, got.LastSubmitted.IsZero())
	assert.False(t, got.Deleted)
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, "temperature_400", got.Jobs[1].Name)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBeginRunBumpsSubmitCount(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Descriptor{Name: "b", CreatedAt: time.Now().UTC()}))

	run, err := s.BeginRun("b", "b_run_1_ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Number)
	assert.Equal(t, StateSubmitted, run.State)

	run2, err := s.BeginRun("b", "b_run_2_ffee0011")
	require.NoError(t, err)
	assert.Equal(t, 2, run2.Number)

	d, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 2, d.SubmitCount)
	assert.False(t, d.LastSubmitted.IsZero())
}

func TestRunLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Descriptor{Name: "b", CreatedAt: time.Now().UTC()}))
	run, err := s.BeginRun("b", "b_run_1_x")
	require.NoError(t, err)

	for _, state := range []RunState{StateTransferred, StateRemoteDone, StateRetrieved} {
		require.NoError(t, s.SetRunState(run.ID, state))
		got, err := s.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, state, got.State)
	}
}

func TestFailRunRecordsReason(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Descriptor{Name: "b", CreatedAt: time.Now().UTC()}))
	run, err := s.BeginRun("b", "b_run_1_x")
	require.NoError(t, err)

	require.NoError(t, s.FailRun(run.ID, "remote agent aborted: no jobs found"))
	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "no jobs found")
}

func TestMarkDeletedKeepsHistory(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(&Descriptor{Name: "b", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.MarkDeleted("b"))

	visible, err := s.List(false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := s.List(true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)

	assert.ErrorIs(t, s.MarkDeleted("nope"), ErrNotFound)
}

func TestRefreshRegistersNewArchives(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	makeBatchArchive(t, dir, "fresh", []string{"temperature_300", "temperature_400"})

	require.NoError(t, s.Refresh(dir))
	d, err := s.Get("fresh")
	require.NoError(t, err)
	assert.Len(t, d.Jobs, 2)

	// a second refresh must not duplicate or reset anything
	_, err = s.BeginRun("fresh", "fresh_run_1_x")
	require.NoError(t, err)
	require.NoError(t, s.Refresh(dir))
	d, err = s.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, d.SubmitCount)
}
