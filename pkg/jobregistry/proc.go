package jobregistry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// ProcessName is the name every worker process gives itself right after it
// starts. It is kept under the 15 byte limit of the kernel's comm field so
// ps, top and /proc show it untruncated.
//
// Together with the recorded pid this is how a worker is recognized, both by
// Stop and by external tooling.
const ProcessName = "jobsup-worker"

// isWorkerProcess reports whether pid is a live (non-zombie) process named
// ProcessName.
//
// NOTE: pid reuse between this check and a later signal is not ruled out;
// comparing process start times would close that window.
func isWorkerProcess(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if isZombie(ctx, p) {
		return false
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return false
	}
	return name == ProcessName
}

// isProcessAlive reports whether pid exists and has not exited, regardless of
// its name.
func isProcessAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	return !isZombie(ctx, p)
}

func isZombie(ctx context.Context, p *process.Process) bool {
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	return slices.Contains(st, process.Zombie)
}

// signalGroup sends sig to the process group led by pid. Workers are session
// leaders, so the group also covers processes the job function spawned.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// listWorkers scans the process table for workers.
func listWorkers(ctx context.Context) ([]WorkerInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]WorkerInfo, 0)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name != ProcessName {
			continue
		}
		if isZombie(ctx, p) {
			continue
		}
		info := WorkerInfo{PID: int(p.Pid)}
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = strings.TrimSpace(cmdline)
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			info.CreatedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, info)
	}

	slices.SortFunc(out, func(a, b WorkerInfo) int { return a.PID - b.PID })
	return out, nil
}
