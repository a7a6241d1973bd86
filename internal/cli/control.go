// Package cli implements the out-of-band control surface —
// status/stop/reload — operating on the PID file and signals from the
// same binary that runs the daemon.
package cli

import (
	"fmt"
	"syscall"
	"time"

	"voxeld/internal/lifecycle"
)

// Exit codes returned by the control subcommands.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitUsageError   = 2
)

// Control issues status/stop/reload commands against a running
// instance identified by its PID file.
type Control struct {
	PIDFilePath string
	StopTimeout time.Duration
}

// New builds a Control bound to pidFilePath.
func New(pidFilePath string) *Control {
	return &Control{PIDFilePath: pidFilePath, StopTimeout: 30 * time.Second}
}

// Status reports whether the daemon is running: PID exists and live
// -> 0, stale -> 1, absent -> 1.
func (c *Control) Status() (exitCode int, message string) {
	pid, err := lifecycle.ReadPIDFile(c.PIDFilePath)
	if err != nil {
		return ExitRuntimeError, "not running (no pid file)"
	}
	if lifecycle.ProcessLive(pid) {
		return ExitSuccess, fmt.Sprintf("running (pid %d)", pid)
	}
	return ExitRuntimeError, fmt.Sprintf("stale pid file (pid %d not live)", pid)
}

// Stop sends SIGTERM, waits up to StopTimeout for the process to exit,
// and escalates to SIGKILL if it is still alive.
func (c *Control) Stop() (exitCode int, message string) {
	pid, err := lifecycle.ReadPIDFile(c.PIDFilePath)
	if err != nil {
		return ExitRuntimeError, "not running (no pid file)"
	}
	if !lifecycle.ProcessLive(pid) {
		_ = lifecycle.RemovePIDFile(c.PIDFilePath)
		return ExitRuntimeError, "stale pid file removed; process was not running"
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return ExitRuntimeError, fmt.Sprintf("sigterm failed: %v", err)
	}

	deadline := time.Now().Add(c.StopTimeout)
	for time.Now().Before(deadline) {
		if !lifecycle.ProcessLive(pid) {
			return ExitSuccess, "stopped"
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return ExitRuntimeError, fmt.Sprintf("sigkill failed: %v", err)
	}
	return ExitSuccess, "force-killed after timeout"
}

// Reload sends SIGHUP.
func (c *Control) Reload() (exitCode int, message string) {
	pid, err := lifecycle.ReadPIDFile(c.PIDFilePath)
	if err != nil {
		return ExitRuntimeError, "not running (no pid file)"
	}
	if !lifecycle.ProcessLive(pid) {
		return ExitRuntimeError, "stale pid file; process not running"
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return ExitRuntimeError, fmt.Sprintf("sighup failed: %v", err)
	}
	return ExitSuccess, "reload signal delivered"
}
