// Package lock prevents two conductor daemons from serving the same
// project database. A PID file next to the config marks the running
// instance; stale files from dead processes are cleaned up on check.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the name of the PID file in the conductor directory.
const PIDFileName = "conductor.pid"

// Guard marks one directory as owned by a single conductor process.
type Guard struct {
	dir string
}

// NewGuard creates a guard over the given conductor directory.
func NewGuard(dir string) *Guard {
	return &Guard{dir: dir}
}

func (g *Guard) pidFilePath() string {
	return filepath.Join(g.dir, PIDFileName)
}

// Check verifies no other conductor owns the directory. A stale PID
// file (process no longer running) is cleaned up.
func (g *Guard) Check() error {
	pidFile := g.pidFilePath()

	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Invalid PID file, remove it
		os.Remove(pidFile)
		return nil
	}

	if processExists(pid) {
		return &AlreadyRunningError{PID: pid}
	}

	// Stale PID file, clean it up
	os.Remove(pidFile)
	return nil
}

// Acquire checks for a live owner and then writes this process's PID.
func (g *Guard) Acquire() error {
	if err := g.Check(); err != nil {
		return err
	}
	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return fmt.Errorf("create conductor dir: %w", err)
	}
	pid := os.Getpid()
	if err := os.WriteFile(g.pidFilePath(), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file. Safe to call when it does not exist.
func (g *Guard) Release() {
	os.Remove(g.pidFilePath())
}

// AlreadyRunningError indicates another conductor owns the directory.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("conductor already running (pid %d)", e.PID)
}

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds. Signal 0 probes liveness.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
