package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/jobsup/pkg/jobstatus"
)

const (
	DefaultStopGracePeriod  = 10 * time.Second
	DefaultStopPollInterval = 100 * time.Millisecond
	DefaultSpawnGracePeriod = 5 * time.Second

	initLockFileName = "job_initialization.lock"
)

// Config configures a Manager.
type Config struct {
	// BaseDir holds one directory per job.
	BaseDir string

	// Registry resolves function names for Start. Required.
	Registry *Registry

	// Logger is used for lifecycle events. Nil disables logging.
	Logger *zap.Logger

	// PollInterval is how often a worker re-parses its output.
	PollInterval time.Duration

	// StopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	StopGracePeriod time.Duration

	// StopPollInterval is how often Stop checks whether the worker exited.
	StopPollInterval time.Duration

	// SpawnGracePeriod is how long a freshly initialized job counts as
	// running before its worker is identifiable.
	SpawnGracePeriod time.Duration

	// WorkerArgs are passed to the re-executed binary.
	WorkerArgs []string
}

// Manager owns a jobs directory. It is safe for concurrent use; all state
// lives on disk.
type Manager struct {
	baseDir          string
	registry         *Registry
	logger           *zap.Logger
	pollInterval     time.Duration
	stopGracePeriod  time.Duration
	stopPollInterval time.Duration
	spawnGracePeriod time.Duration
	workerArgs       []string

	spawn func(workDir string, args []string, logger *zap.Logger) (int, error)
}

func NewManager(cfg Config) (*Manager, error) {
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		return nil, fmt.Errorf("jobs base dir is empty")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs base dir: %w", err)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("function registry is required")
	}

	m := &Manager{
		baseDir:          abs,
		registry:         cfg.Registry,
		logger:           cfg.Logger,
		pollInterval:     cfg.PollInterval,
		stopGracePeriod:  cfg.StopGracePeriod,
		stopPollInterval: cfg.StopPollInterval,
		spawnGracePeriod: cfg.SpawnGracePeriod,
		workerArgs:       append([]string(nil), cfg.WorkerArgs...),
		spawn:            spawnWorker,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.stopGracePeriod <= 0 {
		m.stopGracePeriod = DefaultStopGracePeriod
	}
	if m.stopPollInterval <= 0 {
		m.stopPollInterval = DefaultStopPollInterval
	}
	if m.spawnGracePeriod <= 0 {
		m.spawnGracePeriod = DefaultSpawnGracePeriod
	}
	return m, nil
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) initLockPath() string {
	return filepath.Join(m.baseDir, initLockFileName)
}

// Job returns a handle for jobID. The job need not exist.
func (m *Manager) Job(jobID string) (*Job, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	return &Job{
		id:    jobID,
		m:     m,
		store: jobstatus.NewStore(filepath.Join(m.baseDir, jobID)),
	}, nil
}

func (m *Manager) Start(jobID, function string, args any, opts Options) error {
	j, err := m.Job(jobID)
	if err != nil {
		return err
	}
	return j.Start(function, args, opts)
}

func (m *Manager) Status(jobID string) (JobStatus, error) {
	j, err := m.Job(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return j.Status()
}

func (m *Manager) Stop(jobID string) error {
	j, err := m.Job(jobID)
	if err != nil {
		return err
	}
	return j.Stop()
}

func (m *Manager) Delete(jobID string) error {
	j, err := m.Job(jobID)
	if err != nil {
		return err
	}
	return j.Delete()
}

func (m *Manager) Wait(ctx context.Context, jobID string, poll time.Duration) (JobStatus, error) {
	j, err := m.Job(jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return j.Wait(ctx, poll)
}

// ListRunning returns the ids of running jobs whose id starts with prefix.
func (m *Manager) ListRunning(prefix string) ([]string, error) {
	ids, err := m.ListAll(prefix)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		j, err := m.Job(id)
		if err != nil {
			continue
		}
		if j.IsRunning() {
			out = append(out, id)
		}
	}
	return out, nil
}

// StopAll stops every running, stoppable job whose id starts with prefix,
// concurrently. Non-stoppable jobs are left alone.
func (m *Manager) StopAll(ctx context.Context, prefix string) error {
	ids, err := m.ListRunning(prefix)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := m.Stop(id)
			if errors.Is(err, ErrNotStoppable) || errors.Is(err, ErrNotRunning) {
				m.logger.Debug("Skipping job on stop-all", zap.String("job_id", id), zap.Error(err))
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Workers lists live worker processes on this host, whichever manager
// started them.
func (m *Manager) Workers(ctx context.Context) ([]WorkerInfo, error) {
	workers, err := listWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return workers, nil
}

func (m *Manager) isRunning(st JobStatus) bool {
	switch st.State {
	case JobStateInitialized:
		if !st.StartedAt().IsZero() && time.Since(st.StartedAt()) < m.spawnGracePeriod {
			return true
		}
	case JobStateRunning:
	default:
		return false
	}
	return isWorkerProcess(context.Background(), st.PID)
}

// waitExit polls until pid is gone or timeout passes, and reports whether the
// process exited.
func (m *Manager) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !isProcessAlive(ctx, pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(m.stopPollInterval)
	}
}

func validateJobID(jobID string) error {
	switch {
	case jobID == "", jobID == ".", jobID == "..", jobID == initLockFileName:
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	case strings.ContainsAny(jobID, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	case strings.TrimSpace(jobID) != jobID:
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidJobID, jobID)
	}
	return nil
}
