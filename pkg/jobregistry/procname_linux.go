//go:build linux

package jobregistry

import (
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessName renames the process to ProcessName.
//
// /proc/self/comm names the thread group leader no matter which OS thread the
// calling goroutine runs on. prctl only renames the calling thread, so it is
// used as a fallback from a locked thread.
func setProcessName() error {
	if err := os.WriteFile("/proc/self/comm", []byte(ProcessName), 0); err == nil {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	name, err := unix.BytePtrFromString(ProcessName)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(name)), 0, 0, 0)
}
