package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qstatOutput = `job-ID  prior   name       user    state submit/start at     queue            slots
------------------------------------------------------------------------------------
 123456 0.55500 mybatch_ru user1   r     08/01/2026 10:30:00 serial.q@node01      1
       Full jobname:     mybatch_run_1_ab12cd34.0
 123457 0.55500 mybatch_ru user1   qw    08/01/2026 10:31:00                      1
       Full jobname:     mybatch_run_1_ab12cd34.1
 123458 0.50000 other_bat  user1   r     08/01/2026 09:00:00 serial.q@node02      1
       Full jobname:     other_batch_run_2_ffee0011.0
`

func TestParseQstat(t *testing.T) {
	jobs, err := parseQstat(qstatOutput)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, "123456", jobs[0].ID)
	assert.Equal(t, "mybatch_run_1_ab12cd34.0", jobs[0].Name)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC), jobs[0].SubmittedAt)
	assert.Equal(t, "mybatch_run_1_ab12cd34.1", jobs[1].Name)
	assert.Equal(t, "other_batch_run_2_ffee0011.0", jobs[2].Name)
}

func TestParseQstatEmpty(t *testing.T) {
	jobs, err := parseQstat("")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueryFiltersByNamePrefix(t *testing.T) {
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) (string, error) {
		gotArgs = append([]string{name}, args...)
		return qstatOutput, nil
	}
	q := NewGridEngine("user1", runner)

	jobs, err := q.Query(context.Background(), "mybatch_run_1_ab12cd34")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, []string{"qstat", "-u", "user1", "-r"}, gotArgs)

	jobs, err = q.Query(context.Background(), "no_such_batch")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitReturnsJobID(t *testing.T) {
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) (string, error) {
		gotArgs = append([]string{name}, args...)
		return "987654\n", nil
	}
	q := NewGridEngine("user1", runner)

	id, err := q.Submit(context.Background(), "/work/job0/job_submission_script.sh", "/work/job0")
	require.NoError(t, err)
	assert.Equal(t, "987654", id)
	assert.Equal(t, []string{"qsub", "-terse", "-j", "y", "-o", "/work/job0", "/work/job0/job_submission_script.sh"}, gotArgs)
}

func TestSubmitRejection(t *testing.T) {
	runner := func(_ context.Context, _ string, _ ...string) (string, error) {
		return "", errors.New("qsub: Unable to run job")
	}
	q := NewGridEngine("user1", runner)

	_, err := q.Submit(context.Background(), "script.sh", "/work")
	assert.Error(t, err)
}
