package jobregistry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobsup/pkg/jobstatus"
	"github.com/3leaps/jobsup/pkg/progress"
)

// DefaultPollInterval is how often a worker re-reads its capture file.
const DefaultPollInterval = 200 * time.Millisecond

// WorkerOptions configure RunWorker.
type WorkerOptions struct {
	// NewLogger builds the worker's logger for its job directory. The
	// logger must not write to stdout or stderr, which are the job's
	// capture stream. Nil means no logging.
	NewLogger func(workDir string) *zap.Logger
}

// IsWorkerProcess reports whether this process was started by Job.Start as a
// worker. Binaries that start jobs must check it first thing in main (and in
// TestMain) and hand over to RunWorker.
func IsWorkerProcess() bool {
	return os.Getenv(WorkerDirEnv) != ""
}

// RunWorker runs the job described by the worker environment to completion
// and returns the process exit code.
func RunWorker(reg *Registry, opts WorkerOptions) int {
	workDir := os.Getenv(WorkerDirEnv)
	// Processes spawned by the job function must not re-enter worker mode.
	_ = os.Unsetenv(WorkerDirEnv)

	logger := zap.NewNop()
	if opts.NewLogger != nil {
		logger = opts.NewLogger(workDir)
	}
	defer func() { _ = logger.Sync() }()

	w, err := newWorker(workDir, reg, logger)
	if err != nil {
		logger.Error("Worker setup failed", zap.String("work_dir", workDir), zap.Error(err))
		failSetup(jobstatus.NewStore(workDir), err)
		return 1
	}
	return w.run()
}

type worker struct {
	jobID   string
	workDir string
	fn      Func
	args    json.RawMessage
	poll    time.Duration
	started time.Time

	store  *jobstatus.Store
	jc     *jobContext
	logger *zap.Logger

	// mu serializes the terminal status write between the supervising loop
	// and the signal handler.
	mu       sync.Mutex
	terminal bool
}

func newWorker(workDir string, reg *Registry, logger *zap.Logger) (*worker, error) {
	if workDir == "" {
		return nil, fmt.Errorf("%s is not set", WorkerDirEnv)
	}
	inv, err := readInvocation(workDir)
	if err != nil {
		return nil, err
	}
	fn, ok := reg.Lookup(inv.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, inv.Function)
	}

	store := jobstatus.NewStore(workDir)
	var st JobStatus
	if err := store.Load(&st); err != nil {
		return nil, err
	}
	started := st.StartedAt()
	if started.IsZero() {
		started = time.Now()
	}

	jobID := inv.JobID
	if jobID == "" {
		jobID = filepath.Base(workDir)
	}
	logger = logger.With(zap.String("job_id", jobID), zap.Int("pid", os.Getpid()))

	return &worker{
		jobID:   jobID,
		workDir: workDir,
		fn:      fn,
		args:    inv.Args,
		poll:    inv.pollInterval(),
		started: started,
		store:   store,
		jc: &jobContext{
			jobID:   jobID,
			workDir: workDir,
			logger:  logger,
			out:     os.Stdout,
		},
		logger: logger,
	}, nil
}

func (w *worker) run() int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	go w.handleSignals(sigs)

	if err := setProcessName(); err != nil {
		w.logger.Warn("Failed to set process name", zap.Error(err))
	}

	if err := w.store.Modify(func(rec jobstatus.Record) error {
		if stateOf(rec).Terminal() {
			return nil
		}
		rec[keyState] = string(JobStateRunning)
		rec[keyPID] = os.Getpid()
		rec[keyProgressInfo] = progress.Empty().Record()
		return nil
	}); err != nil {
		w.logger.Warn("Failed to record running state", zap.Error(err))
	}

	capture, err := os.Open(filepath.Join(w.workDir, outputFileName))
	if err != nil {
		w.logger.Warn("Capture file unavailable, progress will not be tracked", zap.Error(err))
	} else {
		defer func() { _ = capture.Close() }()
	}

	w.logger.Info("Job started", zap.Duration("poll_interval", w.poll))

	done := make(chan error, 1)
	go func() { done <- w.call() }()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	last := progress.Empty()
	var fnErr error
loop:
	for {
		select {
		case fnErr = <-done:
			break loop
		case <-ticker.C:
			last = w.push(capture, last)
		}
	}

	last = w.push(capture, last)
	state := w.finish(last)

	w.logger.Info("Job completed", zap.String("state", string(state)), zap.NamedError("outcome", fnErr))
	return 0
}

// call runs the job function. Errors and panics are turned into an exception
// block on the capture stream and returned tagged with
// ErrWorkerFunctionFailed.
func (w *worker) call() (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := debug.Stack()
		err = fmt.Errorf("%w: panic: %v", ErrWorkerFunctionFailed, r)
		w.logger.Error("Job function panicked", zap.Any("panic", r), zap.ByteString("stack", stack))
		w.jc.SendException(fmt.Sprintf("panic: %v\n%s", r, stack))
	}()

	if ferr := w.fn(w.jc, w.args); ferr != nil {
		w.logger.Error("Job function failed", zap.Error(ferr))
		w.jc.SendException(ferr.Error())
		return fmt.Errorf("%w: %w", ErrWorkerFunctionFailed, ferr)
	}
	return nil
}

// push re-reads the whole capture file and records the parsed progress when
// it differs from last.
func (w *worker) push(capture *os.File, last progress.Info) progress.Info {
	if capture == nil {
		return last
	}
	if _, err := capture.Seek(0, io.SeekStart); err != nil {
		w.logger.Warn("Failed to rewind capture file", zap.Error(err))
		return last
	}
	raw, err := io.ReadAll(capture)
	if err != nil {
		w.logger.Warn("Failed to read capture file", zap.Error(err))
		return last
	}

	info := progress.Parse(string(raw))
	if info.Equal(last) {
		return last
	}
	if err := w.store.Update(jobstatus.Record{keyProgressInfo: info.Record()}); err != nil {
		w.logger.Warn("Failed to record progress", zap.Error(err))
		return last
	}
	return info
}

func (w *worker) finish(info progress.Info) JobState {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := JobStateFinished
	if info.HasExceptions() {
		state = JobStateException
	}
	if w.terminal {
		return JobStateStopped
	}
	w.terminal = true

	if err := w.writeTerminal(state, &info); err != nil {
		w.logger.Error("Failed to record final state", zap.Error(err))
	}
	return state
}

func (w *worker) writeTerminal(state JobState, info *progress.Info) error {
	return w.store.Modify(func(rec jobstatus.Record) error {
		if stateOf(rec).Terminal() {
			return nil
		}
		rec[keyState] = string(state)
		rec[keyDuration] = time.Since(w.started).Seconds()
		if info != nil {
			rec[keyProgressInfo] = info.Record()
		}
		return nil
	})
}

// handleSignals implements the stop side of the worker: a stoppable job
// records "stopped" and exits immediately without waiting for the job
// function; a non-stoppable job ignores the signal.
func (w *worker) handleSignals(sigs <-chan os.Signal) {
	for sig := range sigs {
		var st JobStatus
		if err := w.store.Load(&st); err == nil && !st.Stoppable {
			w.logger.Warn("Ignoring termination signal, job is not stoppable", zap.String("signal", sig.String()))
			continue
		}

		w.mu.Lock()
		if !w.terminal {
			w.terminal = true
			if err := w.writeTerminal(JobStateStopped, nil); err != nil {
				w.logger.Error("Failed to record stopped state", zap.Error(err))
			}
		}
		w.logger.Info("Job stopped by signal", zap.String("signal", sig.String()))
		_ = w.logger.Sync()
		os.Exit(0)
	}
}

// failSetup records a worker that could not even start its function.
func failSetup(store *jobstatus.Store, err error) {
	info := progress.Empty()
	info.Exceptions = append(info.Exceptions, err.Error())
	_ = store.Modify(func(rec jobstatus.Record) error {
		if stateOf(rec).Terminal() {
			return nil
		}
		rec[keyState] = string(JobStateException)
		rec[keyProgressInfo] = info.Record()
		return nil
	})
}

func stateOf(rec jobstatus.Record) JobState {
	s, _ := rec[keyState].(string)
	return JobState(s)
}

type jobContext struct {
	jobID   string
	workDir string
	logger  *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

func (c *jobContext) JobID() string       { return c.jobID }
func (c *jobContext) WorkDir() string     { return c.workDir }
func (c *jobContext) Logger() *zap.Logger { return c.logger }
func (c *jobContext) Output() io.Writer   { return c.out }

func (c *jobContext) SendProgressUpdate(msg string) {
	c.send(progress.CategoryProgressUpdate, msg)
}

func (c *jobContext) SendResult(msg string) {
	c.send(progress.CategoryResult, msg)
}

func (c *jobContext) SendException(msg string) {
	c.send(progress.CategoryException, msg)
}

func (c *jobContext) send(cat progress.Category, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := progress.Write(c.out, cat, msg); err != nil {
		c.logger.Warn("Failed to write progress block", zap.String("category", cat.String()), zap.Error(err))
	}
}
