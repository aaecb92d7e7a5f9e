package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobsup/pkg/flock"
	"github.com/3leaps/jobsup/pkg/jobstatus"
	"github.com/3leaps/jobsup/pkg/progress"
)

// Job is a handle on one job directory. It holds no state of its own; every
// call goes to the status record and the process table.
type Job struct {
	id    string
	m     *Manager
	store *jobstatus.Store
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) WorkDir() string {
	return j.store.Dir()
}

// OutputPath is the file capturing the worker's stdout and stderr.
func (j *Job) OutputPath() string {
	return filepath.Join(j.WorkDir(), outputFileName)
}

// Exists reports whether the job has been started and not deleted since.
func (j *Job) Exists() bool {
	fi, err := os.Stat(j.WorkDir())
	return err == nil && fi.IsDir()
}

// Start launches function in a new worker process. args are JSON-encoded and
// decoded again by the registered function.
//
// Starts of any job are serialized by the initialization lock, and the
// running check is repeated under it, so concurrent starters of one job id
// see ErrAlreadyRunning instead of replacing each other's directory.
func (j *Job) Start(function string, args any, opts Options) error {
	if _, ok := j.m.registry.Lookup(function); !ok {
		return jobError(j.id, fmt.Errorf("%w: %s", ErrUnknownFunction, function))
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return jobError(j.id, fmt.Errorf("encode args: %w", err))
	}

	if j.IsRunning() {
		return jobError(j.id, ErrAlreadyRunning)
	}

	if err := os.MkdirAll(j.m.baseDir, 0755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}

	return flock.With(j.m.initLockPath(), func() error {
		if j.IsRunning() {
			return jobError(j.id, ErrAlreadyRunning)
		}
		return j.startLocked(function, rawArgs, opts)
	})
}

func (j *Job) startLocked(function string, rawArgs json.RawMessage, opts Options) error {
	estimated := opts.EstimatedDuration.Seconds()
	if estimated <= 0 {
		var prev JobStatus
		if err := j.store.Load(&prev); err == nil && prev.Duration > 0 {
			estimated = prev.Duration
		}
	}

	workDir := j.WorkDir()
	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("remove stale job dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	if err := writeInvocation(workDir, invocation{
		JobID:        j.id,
		Function:     function,
		Args:         rawArgs,
		PollInterval: j.m.pollInterval.String(),
	}); err != nil {
		return err
	}

	title := opts.Title
	if v, ok := opts.Metadata[keyTitle]; ok && title == "" && v != nil {
		title = fmt.Sprint(v)
	}
	if title == "" {
		title = function
	}

	rec := jobstatus.Record{}
	for k, v := range opts.Metadata {
		switch {
		case k == keyTitle:
		case reservedKey(k):
			j.m.logger.Warn("Ignoring metadata key owned by the supervisor",
				zap.String("job_id", j.id), zap.String("key", k))
		default:
			rec[k] = v
		}
	}
	rec[keyState] = string(JobStateInitialized)
	rec[keyStarted] = unixSeconds(time.Now())
	rec[keyDuration] = 0.0
	rec[keyStoppable] = opts.Stoppable
	rec[keyTitle] = title
	rec[keyFunction] = function
	rec[keyProgressInfo] = progress.Empty().Record()
	if estimated > 0 {
		rec[keyEstimatedDuration] = estimated
	}
	if err := j.store.Update(rec); err != nil {
		return fmt.Errorf("write initial status: %w", err)
	}

	pid, err := j.m.spawn(workDir, j.m.workerArgs, j.m.logger)
	if err != nil {
		j.m.logger.Error("Failed to spawn worker", zap.String("job_id", j.id), zap.Error(err))
		spawnErr := fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		j.recordSpawnFailure(spawnErr)
		return jobError(j.id, spawnErr)
	}

	if err := j.store.Update(jobstatus.Record{keyPID: pid}); err != nil {
		j.m.logger.Warn("Failed to record worker pid", zap.String("job_id", j.id), zap.Int("pid", pid), zap.Error(err))
	}

	j.m.logger.Info("Job started",
		zap.String("job_id", j.id),
		zap.String("function", function),
		zap.Int("pid", pid))
	return nil
}

// recordSpawnFailure ends a job whose worker never started, so it does not
// sit in "initialized" and block the next start for the spawn grace period.
func (j *Job) recordSpawnFailure(spawnErr error) {
	info := progress.Empty()
	info.Exceptions = append(info.Exceptions, spawnErr.Error())
	if err := j.store.Update(jobstatus.Record{
		keyState:        string(JobStateException),
		keyProgressInfo: info.Record(),
	}); err != nil {
		j.m.logger.Warn("Failed to record spawn failure", zap.String("job_id", j.id), zap.Error(err))
	}
}

// Status returns the job's current status. A record that claims "running"
// while its worker is gone reads as "stopped", and the duration of an active
// job is computed live.
func (j *Job) Status() (JobStatus, error) {
	st, err := j.load()
	if err != nil {
		return st, err
	}

	running := j.m.isRunning(st)
	if st.State == JobStateRunning && !running {
		st.State = JobStateStopped
	}
	if running && st.Started > 0 {
		st.Duration = time.Since(st.StartedAt()).Seconds()
	}
	return st, nil
}

// IsRunning reports whether the job's worker is active. A job initialized
// moments ago counts as running even before its worker is identifiable.
func (j *Job) IsRunning() bool {
	if !j.Exists() {
		return false
	}
	st, err := j.load()
	if err != nil {
		return false
	}
	return j.m.isRunning(st)
}

// Stop terminates a stoppable job: SIGTERM to the worker's process group,
// then SIGKILL once the grace period has passed.
func (j *Job) Stop() error {
	st, err := j.load()
	if err != nil {
		return err
	}
	if !j.m.isRunning(st) {
		return jobError(j.id, ErrNotRunning)
	}
	if !st.Stoppable {
		return jobError(j.id, ErrNotStoppable)
	}

	pid := st.PID
	if pid <= 0 {
		pid = j.waitForPID()
	}

	ctx := context.Background()
	logger := j.m.logger.With(zap.String("job_id", j.id), zap.Int("pid", pid))

	if isWorkerProcess(ctx, pid) {
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal term: %w", err)
		}
		if !j.m.waitExit(ctx, pid, j.m.stopGracePeriod) {
			logger.Warn("Worker ignored SIGTERM, killing", zap.Duration("grace_period", j.m.stopGracePeriod))
			if err := signalGroup(pid, syscall.SIGKILL); err != nil {
				return fmt.Errorf("signal kill: %w", err)
			}
			j.m.waitExit(ctx, pid, j.m.stopGracePeriod)
		}
	} else {
		logger.Warn("Recorded pid is not a worker, only recording stopped state")
	}

	started := st.StartedAt()
	if err := j.store.Modify(func(rec jobstatus.Record) error {
		if stateOf(rec).Terminal() {
			return nil
		}
		rec[keyState] = string(JobStateStopped)
		if !started.IsZero() {
			rec[keyDuration] = time.Since(started).Seconds()
		}
		return nil
	}); err != nil {
		return fmt.Errorf("record stopped state: %w", err)
	}

	logger.Info("Job stopped")
	return nil
}

// Delete stops the job if needed and removes its directory. Deleting a job
// that does not exist is not an error.
func (j *Job) Delete() error {
	if !j.Exists() {
		return nil
	}

	st, err := j.load()
	if err == nil && j.m.isRunning(st) {
		if !st.Stoppable {
			return jobError(j.id, ErrNotStoppable)
		}
		if err := j.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			j.m.logger.Warn("Failed to stop job before delete", zap.String("job_id", j.id), zap.Error(err))
		}
	}

	if err := os.RemoveAll(j.WorkDir()); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	j.m.logger.Info("Job deleted", zap.String("job_id", j.id))
	return nil
}

// removeIdle deletes the job directory unless the job is running. Unlike
// Delete it never stops anything.
func (j *Job) removeIdle() error {
	if j.IsRunning() {
		return jobError(j.id, ErrAlreadyRunning)
	}
	if err := os.RemoveAll(j.WorkDir()); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// Wait blocks until the job is no longer running and returns its status.
func (j *Job) Wait(ctx context.Context, poll time.Duration) (JobStatus, error) {
	if poll <= 0 {
		poll = j.m.pollInterval
	}
	t := time.NewTicker(poll)
	defer t.Stop()

	for j.IsRunning() {
		select {
		case <-ctx.Done():
			return JobStatus{}, ctx.Err()
		case <-t.C:
		}
	}
	return j.Status()
}

func (j *Job) load() (JobStatus, error) {
	st := JobStatus{}
	if err := j.store.Load(&st); err != nil && !errors.Is(err, jobstatus.ErrStorageUnavailable) {
		return JobStatus{JobID: j.id}, err
	}
	st.JobID = j.id
	if st.ProgressInfo.ProgressUpdates == nil && st.ProgressInfo.Results == nil && st.ProgressInfo.Exceptions == nil {
		st.ProgressInfo = progress.Empty()
	}
	return st, nil
}

// waitForPID covers a stop that lands between the initial status write and
// the pid being recorded.
func (j *Job) waitForPID() int {
	deadline := time.Now().Add(j.m.spawnGracePeriod)
	for time.Now().Before(deadline) {
		var st JobStatus
		if err := j.store.Load(&st); err == nil && st.PID > 0 {
			return st.PID
		}
		time.Sleep(j.m.stopPollInterval)
	}
	return 0
}

func reservedKey(k string) bool {
	switch k {
	case keyState, keyPID, keyStarted, keyDuration, keyStoppable, keyTitle,
		keyFunction, keyEstimatedDuration, keyProgressInfo:
		return true
	default:
		return false
	}
}
