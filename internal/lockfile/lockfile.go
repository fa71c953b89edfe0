// Package lockfile guards the state directory against concurrent
// KisanVoice instances.
//
// The guard matters because the in-memory dedup set and the SQLite
// backend are only sound for a single process; two instances sharing a
// state directory would both process the same webhook deliveries. The
// lock is an flock(2) on a file in the state directory, so it is
// released by the kernel even when the process dies uncleanly.
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
const LockFileName = "kisanvoice.lock"

// Guard is a held state-directory lock.
type Guard struct {
	file *os.File
	path string
}

// Acquire takes the exclusive state-directory lock, creating the
// directory if needed. If another instance holds it, the returned error
// is a *HeldError describing the holder.
func Acquire(stateDir string) (*Guard, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	lockPath := filepath.Join(stateDir, LockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := describeHolder(lockPath)
		file.Close()
		slog.Error("lockfile.Acquire: state directory already locked", "lock_path", lockPath, "holder", holder)
		return nil, &HeldError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	// Record our PID after winning the lock so a losing instance can
	// report who holds it.
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "pid=%d\n", os.Getpid())
		file.Sync()
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Guard{file: file, path: lockPath}, nil
}

// Release drops the lock and removes the lock file. Safe to call more
// than once.
func (g *Guard) Release() {
	if g.file == nil {
		return
	}
	if err := syscall.Flock(int(g.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "error", err, "lock_path", g.path)
	}
	g.file.Close()
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", g.path)
	}
	g.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", g.path)
}

// HeldError reports a lock already held by another instance.
type HeldError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("another KisanVoice instance is using this state directory (lock file %s", e.LockPath)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + ")"
}

func (e *HeldError) Unwrap() error { return e.Cause }

// describeHolder reads the lock file to name the holding process.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := extractPID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, possibly stale)", pid)
}

func extractPID(content string) int {
	const prefix = "pid="
	idx := strings.Index(content, prefix)
	if idx == -1 {
		return 0
	}
	rest := content[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

// processAlive checks for the process with signal 0, which probes
// existence without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
