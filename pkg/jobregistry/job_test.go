package jobregistry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/jobsup/pkg/flock"
	"github.com/3leaps/jobsup/pkg/jobstatus"
)

func TestJob_HappyPath(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	err := m.Start("job-1", "print", printArgs{Sleep: 100 * time.Millisecond, Message: "hello"}, Options{
		Title:     "demo",
		Stoppable: true,
		Metadata:  map[string]any{"host_name": "srv-01", "state": "ignored"},
	})
	require.NoError(t, err)

	st := waitForState(t, m, "job-1", JobStateFinished)
	assert.Equal(t, "job-1", st.JobID)
	assert.Equal(t, "demo", st.Title)
	assert.Equal(t, "print", st.Function)
	assert.Greater(t, st.Duration, 0.0)
	assert.Greater(t, st.PID, 0)
	assert.Contains(t, st.ProgressInfo.Results, "hello")
	assert.Contains(t, st.ProgressInfo.ProgressUpdates, "working")
	assert.Empty(t, st.ProgressInfo.Exceptions)
	assert.Equal(t, "srv-01", st.Extra["host_name"])

	j, err := m.Job("job-1")
	require.NoError(t, err)
	assert.True(t, j.Exists())
	assert.False(t, j.IsRunning())
}

func TestJob_ExceptionPath(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-2", "fail", failArgs{Message: "invalid value"}, Options{Stoppable: true}))

	st := waitForState(t, m, "job-2", JobStateException)
	require.Len(t, st.ProgressInfo.Exceptions, 1)
	assert.Contains(t, st.ProgressInfo.Exceptions[0], "invalid value")
	assert.Contains(t, st.ProgressInfo.ProgressUpdates, "about to fail")
}

func TestJob_PanicIsAnException(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-panic", "panic", nil, Options{}))

	st := waitForState(t, m, "job-panic", JobStateException)
	require.NotEmpty(t, st.ProgressInfo.Exceptions)
	assert.Contains(t, st.ProgressInfo.Exceptions[0], "panic: boom")
}

func TestJob_StopRunning(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-3", "loop", nil, Options{Stoppable: true}))
	running := waitForState(t, m, "job-3", JobStateRunning)
	assert.Greater(t, running.PID, 0)

	begin := time.Now()
	require.NoError(t, m.Stop("job-3"))
	assert.Less(t, time.Since(begin), m.stopGracePeriod+time.Second)

	st, err := m.Status("job-3")
	require.NoError(t, err)
	assert.Equal(t, JobStateStopped, st.State)
	assert.Greater(t, st.Duration, 0.0)
	assert.False(t, isProcessAlive(context.Background(), running.PID))

	// Stopping again is refused: the job is no longer active.
	assert.ErrorIs(t, m.Stop("job-3"), ErrNotRunning)
}

func TestJob_StopNotStoppable(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-4", "loop", nil, Options{Stoppable: false}))
	waitForState(t, m, "job-4", JobStateRunning)

	err := m.Stop("job-4")
	require.ErrorIs(t, err, ErrNotStoppable)

	var jobErr *JobError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, "job-4", jobErr.JobID)

	assert.ErrorIs(t, m.Delete("job-4"), ErrNotStoppable)

	j, err := m.Job("job-4")
	require.NoError(t, err)
	assert.True(t, j.IsRunning())
	assert.True(t, j.Exists())
}

func TestJob_StartAlreadyRunning(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-5", "loop", nil, Options{Stoppable: true}))
	assert.ErrorIs(t, m.Start("job-5", "loop", nil, Options{Stoppable: true}), ErrAlreadyRunning)

	require.NoError(t, m.Stop("job-5"))
}

func TestJob_ConcurrentStart(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	const starters = 8
	errs := make([]error, starters)
	var wg sync.WaitGroup
	for i := range starters {
		wg.Go(func() {
			errs[i] = m.Start("job-race", "loop", nil, Options{Stoppable: true})
		})
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	}
	assert.Equal(t, 1, started)

	st := waitForState(t, m, "job-race", JobStateRunning)
	workers, err := m.Workers(context.Background())
	require.NoError(t, err)
	found := 0
	for _, w := range workers {
		if w.PID == st.PID {
			found++
		}
	}
	assert.Equal(t, 1, found)

	require.NoError(t, m.Stop("job-race"))
}

func TestJob_StatusSelfHealing(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name string
		pid  int
	}{
		{"pid of a process that is not a worker", os.Getpid()},
		{"pid that does not exist", 1 << 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeRecord(t, m, "ghost", jobstatus.Record{
				keyState:     string(JobStateRunning),
				keyPID:       tt.pid,
				keyStarted:   unixSeconds(time.Now().Add(-time.Minute)),
				keyStoppable: true,
			})

			st, err := m.Status("ghost")
			require.NoError(t, err)
			assert.Equal(t, JobStateStopped, st.State)

			j, err := m.Job("ghost")
			require.NoError(t, err)
			assert.False(t, j.IsRunning())
			assert.ErrorIs(t, j.Stop(), ErrNotRunning)

			// The record on disk is only corrected by a writer.
			var raw JobStatus
			require.NoError(t, jobstatus.NewStore(j.WorkDir()).Load(&raw))
			assert.Equal(t, JobStateRunning, raw.State)
		})
	}
}

func TestJob_FreshlyInitializedCountsAsRunning(t *testing.T) {
	m := newTestManager(t)

	writeRecord(t, m, "fresh", jobstatus.Record{
		keyState:   string(JobStateInitialized),
		keyStarted: unixSeconds(time.Now()),
	})
	writeRecord(t, m, "stale", jobstatus.Record{
		keyState:   string(JobStateInitialized),
		keyStarted: unixSeconds(time.Now().Add(-time.Hour)),
	})

	fresh, err := m.Job("fresh")
	require.NoError(t, err)
	assert.True(t, fresh.IsRunning())
	assert.ErrorIs(t, fresh.Start("loop", nil, Options{}), ErrAlreadyRunning)

	stale, err := m.Job("stale")
	require.NoError(t, err)
	assert.False(t, stale.IsRunning())
}

func TestJob_MissingJob(t *testing.T) {
	m := newTestManager(t)

	j, err := m.Job("never-started")
	require.NoError(t, err)

	assert.False(t, j.Exists())
	assert.False(t, j.IsRunning())
	assert.ErrorIs(t, j.Stop(), ErrNotRunning)
	assert.NoError(t, j.Delete())

	st, err := j.Status()
	require.NoError(t, err)
	assert.Equal(t, "never-started", st.JobID)
	assert.Equal(t, JobState(""), st.State)
}

func TestJob_StartUnknownFunction(t *testing.T) {
	m := newTestManager(t)

	err := m.Start("job-x", "does-not-exist", nil, Options{})
	require.ErrorIs(t, err, ErrUnknownFunction)

	j, err := m.Job("job-x")
	require.NoError(t, err)
	assert.False(t, j.Exists())
}

func TestJob_EstimatedDurationFromPreviousRun(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-est", "print", printArgs{Sleep: 50 * time.Millisecond}, Options{}))
	first := waitForState(t, m, "job-est", JobStateFinished)
	require.Greater(t, first.Duration, 0.0)

	require.NoError(t, m.Start("job-est", "print", printArgs{}, Options{}))
	second, err := m.Status("job-est")
	require.NoError(t, err)
	assert.InDelta(t, first.Duration, second.EstimatedDuration, 1e-6)

	waitForState(t, m, "job-est", JobStateFinished)
}

func TestJob_WorkDirArtifactsAreDeleted(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-art", "artifact", artifactArgs{Name: "report.txt"}, Options{}))
	waitForState(t, m, "job-art", JobStateFinished)

	j, err := m.Job("job-art")
	require.NoError(t, err)
	artifact := filepath.Join(j.WorkDir(), "report.txt")
	assert.FileExists(t, artifact)

	require.NoError(t, j.Delete())
	assert.NoFileExists(t, artifact)
	assert.False(t, j.Exists())
}

func TestJob_DeleteStopsRunningJob(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-del", "loop", nil, Options{Stoppable: true}))
	st := waitForState(t, m, "job-del", JobStateRunning)

	require.NoError(t, m.Delete("job-del"))

	j, err := m.Job("job-del")
	require.NoError(t, err)
	assert.False(t, j.Exists())
	assert.False(t, isProcessAlive(context.Background(), st.PID))
}

func TestJob_Wait(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-wait", "print", printArgs{Sleep: 100 * time.Millisecond, Message: "done"}, Options{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := m.Wait(ctx, "job-wait", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, JobStateFinished, st.State)
	assert.Equal(t, []string{"done"}, st.ProgressInfo.Results)
}

func TestJob_TitleFromMetadata(t *testing.T) {
	requireLinux(t)
	core, logs := observer.New(zap.WarnLevel)
	m, err := NewManager(Config{
		BaseDir:      t.TempDir(),
		Registry:     testRegistry,
		Logger:       zap.New(core),
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { killAll(t, m) })

	require.NoError(t, m.Start("job-t", "print", printArgs{Message: "ok"}, Options{
		Metadata: map[string]any{"title": "demo", "pid": 1, "owner": "ops"},
	}))

	st := waitForState(t, m, "job-t", JobStateFinished)
	assert.Equal(t, "demo", st.Title)
	assert.Equal(t, "ops", st.Extra["owner"])
	assert.NotContains(t, st.Extra, "title")
	assert.NotEqual(t, 1, st.PID)

	ignored := logs.FilterMessage("Ignoring metadata key owned by the supervisor").All()
	require.Len(t, ignored, 1)
	assert.Equal(t, "pid", ignored[0].ContextMap()["key"])
}

func TestJob_ExplicitTitleWinsOverMetadata(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-t2", "print", nil, Options{
		Title:    "explicit",
		Metadata: map[string]any{"title": "from metadata"},
	}))

	st := waitForState(t, m, "job-t2", JobStateFinished)
	assert.Equal(t, "explicit", st.Title)
}

func TestJob_StopEscalatesToKill(t *testing.T) {
	requireLinux(t)
	m := newTestManager(t)

	require.NoError(t, m.Start("job-kill", "loop", nil, Options{Stoppable: true}))
	running := waitForState(t, m, "job-kill", JobStateRunning)

	// With the record lock held, the worker's SIGTERM handler cannot record
	// "stopped" and exit, so only SIGKILL ends it.
	j, err := m.Job("job-kill")
	require.NoError(t, err)
	lock, err := flock.Acquire(filepath.Join(j.WorkDir(), jobstatus.LockFileName))
	require.NoError(t, err)

	begin := time.Now()
	stopErr := make(chan error, 1)
	go func() { stopErr <- m.Stop("job-kill") }()

	require.Eventually(t, func() bool {
		return !isProcessAlive(context.Background(), running.PID)
	}, m.stopGracePeriod+5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(begin), m.stopGracePeriod)

	require.NoError(t, lock.Release())

	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return after the worker was killed")
	}

	st, err := m.Status("job-kill")
	require.NoError(t, err)
	assert.Equal(t, JobStateStopped, st.State)
}

func TestJob_SpawnFailureRecordsException(t *testing.T) {
	m := newTestManager(t)
	m.spawn = func(string, []string, *zap.Logger) (int, error) {
		return 0, errors.New("fork: resource temporarily unavailable")
	}

	err := m.Start("job-spawn", "print", nil, Options{})
	require.ErrorIs(t, err, ErrSpawnFailed)

	st, err := m.Status("job-spawn")
	require.NoError(t, err)
	assert.Equal(t, JobStateException, st.State)
	require.Len(t, st.ProgressInfo.Exceptions, 1)
	assert.Contains(t, st.ProgressInfo.Exceptions[0], "fork: resource temporarily unavailable")

	j, err := m.Job("job-spawn")
	require.NoError(t, err)
	assert.False(t, j.IsRunning())

	// A retry is not blocked by the failed attempt.
	err = m.Start("job-spawn", "print", nil, Options{})
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)
}
