//go:build windows

package cli

import (
	"os"
	"syscall"
)

// isProcessRunning attempts to check whether a process is alive on Windows.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal(0) is unsupported on Windows; a dead process still reports
	// ErrProcessDone, which is the only case we can detect reliably.
	err = proc.Signal(syscall.Signal(0))
	return err != os.ErrProcessDone
}

// stopProcess kills the process on Windows (no graceful SIGTERM support).
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
