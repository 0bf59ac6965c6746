// Copyright 2024 The Crashcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package dispatch classifies a (status, pid) pair delivered by Wait4
// and routes it to the save or analyze path, mirroring the DataDog
// ptracer's trace() status-switch shape but driven entirely by spec.md
// §4.K's classification table.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hfcore/hfcore/pkg/log"
	"golang.org/x/sys/unix"
)

// Class is the outcome of Classify.
type Class int

const (
	// ClassEvent is a stopped-with-ptrace-event status (upper 16 bits
	// non-zero): only EXIT is interesting.
	ClassEvent Class = iota
	// ClassImportantSignal is a stop on SIGILL/SIGFPE/SIGSEGV/SIGBUS/
	// SIGABRT (the last excluded on Android).
	ClassImportantSignal
	// ClassBenign is continued, signaled-exit, or a non-sanitizer normal
	// exit: no-op.
	ClassBenign
	// ClassSanitizerExit is a normal exit carrying a sanitizer-reserved
	// exit code.
	ClassSanitizerExit
	// ClassUnclassifiable indicates a logic bug: the dispatcher must
	// abort the worker (spec.md §7 "Any invariant violation... fatal").
	ClassUnclassifiable
)

// Reserved sanitizer exit codes (spec.md §6 "Reserved exit codes").
const (
	ASANExitCode  = 101
	MSANExitCode  = 102
	UBSANExitCode = 103
)

func sanitizerExitCode(code int) bool {
	return code == ASANExitCode || code == MSANExitCode || code == UBSANExitCode
}

// importantSignals are the signals spec.md §4.K treats as crash-worthy.
// SIGABRT is dropped from this set on Android, where sanitizers raise it
// spuriously: callers targeting Android pass android=true to IsImportant.
var importantSignals = map[unix.Signal]bool{
	unix.SIGILL:  true,
	unix.SIGFPE:  true,
	unix.SIGSEGV: true,
	unix.SIGBUS:  true,
	unix.SIGABRT: true,
}

// IsImportant reports whether sig is one of the crash-worthy signals
// spec.md §4.K names, honoring the Android SIGABRT exclusion.
func IsImportant(sig unix.Signal, android bool) bool {
	if android && sig == unix.SIGABRT {
		return false
	}
	return importantSignals[sig]
}

// Classify implements spec.md §4.K's classification table over a raw
// wait status.
func Classify(status unix.WaitStatus, android bool) Class {
	switch {
	case status.Stopped() && status>>16 != 0:
		return ClassEvent
	case status.Stopped():
		if IsImportant(status.StopSignal(), android) {
			return ClassImportantSignal
		}
		return ClassBenign
	case status.Continued():
		return ClassBenign
	case status.Signaled():
		return ClassBenign
	case status.Exited():
		if sanitizerExitCode(status.ExitStatus()) {
			return ClassSanitizerExit
		}
		return ClassBenign
	default:
		return ClassUnclassifiable
	}
}

// ExitCode returns the exit status of pid's terminal wait status,
// falling back to /proc/<pid>/stat field 52 when the delivered status
// word appears truncated (spec.md §9 Open Question 2: "some ABIs
// truncate [the wait status]; implementations must... fall back to
// reaping the task to read the exit code"). The fallback only works if
// called before the task is reaped; once reaped, the truncated value is
// all that's left and is returned as-is.
func ExitCode(pid int, status unix.WaitStatus) int {
	code := status.ExitStatus()
	if code >= 0 && code < 256 {
		return code
	}
	if fromProc, ok := exitCodeFromProc(pid); ok {
		return fromProc
	}
	log.Warningf("exit code for pid %d looks truncated (%d) and /proc fallback failed", pid, code)
	return code
}

// exitCodeFromProc re-reads /proc/<pid>/stat's 52nd whitespace-separated
// field, the kernel's exit_code, which survives independently of the
// wait-status word delivered to the parent.
func exitCodeFromProc(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// Field 2 (comm) may itself contain spaces inside parentheses; split
	// on the closing paren to resynchronize field numbering.
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 || end+2 >= len(data) {
		return 0, false
	}
	fields := strings.Fields(string(data[end+2:]))
	// field 3 onward starts here; exit_code is field 52 overall, i.e.
	// fields[52-3] in this post-comm slice.
	const exitCodeField = 52 - 3
	if exitCodeField >= len(fields) {
		return 0, false
	}
	v, err := strconv.Atoi(fields[exitCodeField])
	if err != nil {
		return 0, false
	}
	return (v >> 8) & 0xff, true
}

// DescribeEvent renders a stopped-with-event status for logging, the
// kind of diagnostic gVisor's subprocess code emits around
// PTRACE_EVENT_* handling.
func DescribeEvent(pid int, status unix.WaitStatus) string {
	return fmt.Sprintf("pid %d stopped with ptrace event %#x (trap cause %#x)", pid, status, status.TrapCause())
}

// Result is Analyze's verdict for a single wait status: the class it
// falls into, plus the resolved exit code when the status is a normal
// or sanitizer exit (zero otherwise).
type Result struct {
	Class    Class
	ExitCode int
}

// Analyze is the event dispatcher's single entry point: it classifies
// status and, for exit statuses, resolves the exit code through the
// /proc fallback in the same pass so callers never have to remember to
// call ExitCode separately.
func Analyze(pid int, status unix.WaitStatus, android bool) Result {
	class := Classify(status, android)
	if (class == ClassBenign && status.Exited()) || class == ClassSanitizerExit {
		return Result{Class: class, ExitCode: ExitCode(pid, status)}
	}
	return Result{Class: class}
}
