// Package util provides common utility functions and constants used across the
// frpc-manager application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import (
	"runtime"
	"time"
)

const (
	// ProbeHost is the loopback address PortProbe binds against. frpc always
	// forwards to local_ip = 127.0.0.1, so that is the only address whose
	// occupancy matters.
	ProbeHost = "127.0.0.1"

	// DefaultSuccessMarker is matched case-insensitively against frpc output.
	// frpc logs "[tcp_16000] start proxy success" once the relay accepted the
	// proxy; the shorter marker also covers "login to server success".
	DefaultSuccessMarker = "success"

	// DefaultConfigReadGrace bounds how long Start waits for frpc to consume
	// its config before the transient file is removed. frpc prints its first
	// log line right after loading the config, which normally ends the wait
	// much earlier.
	DefaultConfigReadGrace = time.Second

	// DefaultReapSettle bounds the re-probe after reaping stale frpc
	// processes. A SIGTERM'd frpc needs a moment to close its listeners; the
	// port is polled, the reaper is not run again.
	DefaultReapSettle = 1500 * time.Millisecond

	// DefaultStopTimeout is how long Stop waits after the graceful signal
	// before falling back to a hard kill.
	DefaultStopTimeout = 5 * time.Second

	// DefaultUpdateTimeout bounds the startup version check.
	DefaultUpdateTimeout = 3 * time.Second

	// DiagnosticLines is how many trailing output lines a session keeps for
	// failure reports.
	DiagnosticLines = 64

	// DefaultRefreshSeconds is the TUI status refresh interval.
	DefaultRefreshSeconds = 1
)

// DefaultProcessName returns the image name of the frpc binary on this OS.
func DefaultProcessName() string {
	if runtime.GOOS == "windows" {
		return "frpc.exe"
	}
	return "frpc"
}
