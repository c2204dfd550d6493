// Package klog is the core's small logging shim. It never pulls in a
// structured logging framework: the teacher tree doesn't either, it just
// gates verbose output behind an env var and always surfaces warnings. The
// one addition here is an optional rotating log file via lumberjack, used
// when long-running holders (the heartbeat goroutine, the daemon-less
// compute lock) need a durable trail that isn't events.jsonl.
package klog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	debug   = strings.EqualFold(os.Getenv("KILN_DEBUG"), "1") || strings.EqualFold(os.Getenv("KILN_DEBUG"), "true")
	fileLog *log.Logger
)

// Configure points persistent log output at path, rotated by lumberjack once
// it crosses maxSizeMB, keeping maxBackups old copies. Calling Configure with
// an empty path disables the file sink; console/stderr output is unaffected.
func Configure(path string, maxSizeMB, maxBackups int) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		fileLog = nil
		return
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	fileLog = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// SetDebug overrides the KILN_DEBUG env var for the remainder of the process.
// Used by tests that want deterministic Logf behavior.
func SetDebug(on bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = on
}

// Logf emits a debug-only line to stderr (and the file sink, if configured).
// Suppressed unless KILN_DEBUG is set, matching the teacher's debug.Logf
// convention of near-silent operation by default.
func Logf(format string, args ...any) {
	mu.Lock()
	on, fl := debug, fileLog
	mu.Unlock()
	if !on {
		return
	}
	line := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, "[kiln] "+line)
	if fl != nil {
		fl.Printf("DEBUG %s", line)
	}
}

// Warn always prints, mirroring the teacher's "best-effort, log and move on"
// posture for errors that must never become fatal (event-append failures,
// heartbeat misses, probe errors).
func Warn(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, "warning: "+line)
	mu.Lock()
	fl := fileLog
	mu.Unlock()
	if fl != nil {
		fl.Printf("WARN %s", line)
	}
}

// Writer exposes the file sink (or io.Discard when unconfigured) for callers
// that want to hand a plain io.Writer to a third-party component.
func Writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	if fileLog == nil {
		return io.Discard
	}
	return fileLog.Writer()
}
