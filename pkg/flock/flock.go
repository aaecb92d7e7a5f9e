// Package flock provides exclusive advisory file locks shared between
// unrelated processes on the same host.
//
// Locks are flock(2) locks and belong to the open file description, so two
// goroutines in one process that each call Acquire on the same path exclude
// each other just like two processes do.
package flock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotHeld is returned by Release on a lock that was already released.
var ErrNotHeld = errors.New("lock not held")

// Lock is a held exclusive lock on a file path.
type Lock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Acquire opens (creating if needed) the lock file at path and blocks until
// an exclusive lock on it is held. The parent directory must exist.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &Lock{path: path, file: f}, nil
}

// TryAcquire is like Acquire but returns (nil, nil) instead of blocking when
// another holder has the lock.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The lock file itself is left in
// place; removing it would let a waiter lock an unlinked inode.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotHeld
	}

	f := l.file
	l.file = nil

	uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	cerr := f.Close()
	if uerr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, uerr)
	}
	if cerr != nil {
		return fmt.Errorf("close lock file: %w", cerr)
	}
	return nil
}

// With runs fn while holding the lock at path. The lock is released on every
// exit path, including a panic in fn.
func With(path string, fn func() error) (err error) {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	return fn()
}
