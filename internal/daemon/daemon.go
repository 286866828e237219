// Package daemon provides helpers for running happyd as a background process:
// pid-file bookkeeping under the data directory, log redirection, and
// stopping a detached instance.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDPath returns the pid file path under the data directory.
func PIDPath(dataDir string) string {
	return filepath.Join(dataDir, "daemon.pid")
}

// LogPath returns the background log file path under the data directory.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "happyd.log")
}

// WritePID records the given pid.
func WritePID(dataDir string, pid int) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return os.WriteFile(PIDPath(dataDir), []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPID reads the recorded pid. Returns 0 when no pid file exists.
func ReadPID(dataDir string) (int, error) {
	data, err := os.ReadFile(PIDPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// RemovePID removes the pid file.
func RemovePID(dataDir string) error {
	err := os.Remove(PIDPath(dataDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OpenLogFile opens the background log file for appending.
func OpenLogFile(dataDir string) (*os.File, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return os.OpenFile(LogPath(dataDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// IsRunning reports whether the process with the given pid exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// StopProcess sends SIGTERM to pid and waits up to grace for it to exit,
// escalating to SIGKILL.
func StopProcess(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if !IsRunning(pid) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil && IsRunning(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
