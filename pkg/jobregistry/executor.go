package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// WorkerDirEnv carries the job directory to a re-executed worker.
	WorkerDirEnv = "JOBSUP_WORKER_DIR"

	invocationFileName = "invocation.json"
	outputFileName     = "output"
)

// invocation is written next to the status record before the worker starts
// and tells it what to run.
type invocation struct {
	JobID        string          `json:"job_id"`
	Function     string          `json:"function"`
	Args         json.RawMessage `json:"args,omitempty"`
	PollInterval string          `json:"poll_interval"`
}

func (inv invocation) pollInterval() time.Duration {
	d, err := time.ParseDuration(inv.PollInterval)
	if err != nil || d <= 0 {
		return DefaultPollInterval
	}
	return d
}

func writeInvocation(workDir string, inv invocation) error {
	b, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	b = append(b, '\n')
	if err := os.WriteFile(filepath.Join(workDir, invocationFileName), b, 0644); err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}
	return nil
}

func readInvocation(workDir string) (invocation, error) {
	var inv invocation
	b, err := os.ReadFile(filepath.Join(workDir, invocationFileName))
	if err != nil {
		return inv, fmt.Errorf("read invocation: %w", err)
	}
	if err := json.Unmarshal(b, &inv); err != nil {
		return inv, fmt.Errorf("parse invocation: %w", err)
	}
	return inv, nil
}

// spawnWorker re-executes the current binary as a detached worker for the job
// in workDir and returns its pid once the process exists.
//
// The worker gets a new session (no controlling terminal, its own process
// group), stdin from /dev/null, and stdout+stderr on one capture file so both
// streams interleave in emission order. Go opens every other descriptor
// close-on-exec, so nothing else is inherited.
func spawnWorker(workDir string, extraArgs []string, logger *zap.Logger) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	capture, err := os.OpenFile(filepath.Join(workDir, outputFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("create capture file: %w", err)
	}
	defer func() { _ = capture.Close() }()

	cmd := exec.Command(exe, extraArgs...)
	cmd.Dir = workDir
	cmd.Stdin = nil
	cmd.Stdout = capture
	cmd.Stderr = capture
	cmd.Env = append(os.Environ(), WorkerDirEnv+"="+workDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the worker when it exits so a long-lived parent does not keep it
	// around as a zombie, which would still answer liveness probes.
	go func() {
		err := cmd.Wait()
		logger.Debug("Worker process exited",
			zap.Int("pid", pid),
			zap.String("work_dir", workDir),
			zap.NamedError("wait", err))
	}()

	return pid, nil
}
