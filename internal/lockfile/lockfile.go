// Package lockfile guards a FlowPipe state directory against a second process opening
// the same SQLite database.
//
// The lock is an flock(2) on a file in the directory, so the kernel drops it when the
// holder exits, even on a crash.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "flowpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on dir, creating the directory if needed. It fails
// immediately with a *LockError when another process holds the lock.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("lockfile.Acquire: state directory is locked", "path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	// The previous holder's pid may still be in the file.
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
		if err != nil {
			slog.Warn("lockfile.Acquire: failed to record pid", "path", path, "error", err)
		}
	}

	slog.Debug("lockfile.Acquire: locked state directory", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never locks a file that is about to vanish.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: released state directory", "path", l.path)
	return err
}

// LockError reports a state directory held by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := "another FlowPipe instance is using this state directory (lock file " + e.Path
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + ")"
}

func (e *LockError) Unwrap() error { return e.Cause }

// describeHolder reads the pid recorded in the lock file and reports whether it is alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
}

// parsePID extracts the value of a "pid=N" line, or 0.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
