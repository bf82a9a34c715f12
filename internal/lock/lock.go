// Package lock guards a session directory so only one daemon serves it
// at a time.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockfileName = "daemon.lock"

// HeldError reports that another daemon already owns the session.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("session already served by pid %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("session lock %s is held", e.Path)
}

// Lock is an exclusive flock on the session's lockfile, held for the
// daemon's whole lifetime.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the session lock, creating the directory if needed. A
// directory locked by a live process yields a HeldError naming its pid.
func Acquire(sessionDir string) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, lockfileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lockfile: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readOwner(path)
		_ = f.Close()
		return nil, &HeldError{PID: owner, Path: path}
	}

	if err := stampOwner(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stamp lockfile: %w", err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock and removes the lockfile. Nil-safe and
// idempotent.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.f.Close()
	l.f = nil
	return err
}

// stampOwner rewrites the lockfile with the current pid and start time,
// so a HeldError on the losing side can name the owner.
func stampOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

func readOwner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	pid, _ := strconv.Atoi(fields[0])
	return pid
}
