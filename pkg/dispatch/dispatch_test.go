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

package dispatch

import (
	"testing"

	"golang.org/x/sys/unix"
)

func exitedStatus(code int) unix.WaitStatus   { return unix.WaitStatus(code << 8) }
func signaledStatus(sig unix.Signal) unix.WaitStatus { return unix.WaitStatus(sig) }
func stoppedStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (uint32(sig) << 8))
}
func stoppedWithEvent(sig unix.Signal, event int) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (uint32(sig) << 8) | (uint32(event) << 16))
}
func continuedStatus() unix.WaitStatus { return unix.WaitStatus(0xffff) }

func TestClassifyEvent(t *testing.T) {
	s := stoppedWithEvent(unix.SIGTRAP, unix.PTRACE_EVENT_EXIT)
	if got := Classify(s, false); got != ClassEvent {
		t.Errorf("Classify(event) = %v, want ClassEvent", got)
	}
}

func TestClassifyImportantSignal(t *testing.T) {
	s := stoppedStatus(unix.SIGSEGV)
	if got := Classify(s, false); got != ClassImportantSignal {
		t.Errorf("Classify(SIGSEGV) = %v, want ClassImportantSignal", got)
	}
}

func TestClassifyUnimportantSignalIsBenign(t *testing.T) {
	s := stoppedStatus(unix.SIGWINCH)
	if got := Classify(s, false); got != ClassBenign {
		t.Errorf("Classify(SIGWINCH) = %v, want ClassBenign", got)
	}
}

func TestClassifySIGABRTExcludedOnAndroid(t *testing.T) {
	s := stoppedStatus(unix.SIGABRT)
	if got := Classify(s, true); got != ClassBenign {
		t.Errorf("Classify(SIGABRT, android) = %v, want ClassBenign", got)
	}
	if got := Classify(s, false); got != ClassImportantSignal {
		t.Errorf("Classify(SIGABRT, !android) = %v, want ClassImportantSignal", got)
	}
}

func TestClassifyContinued(t *testing.T) {
	if got := Classify(continuedStatus(), false); got != ClassBenign {
		t.Errorf("Classify(continued) = %v, want ClassBenign", got)
	}
}

func TestClassifySignaledExit(t *testing.T) {
	if got := Classify(signaledStatus(unix.SIGKILL), false); got != ClassBenign {
		t.Errorf("Classify(signaled) = %v, want ClassBenign", got)
	}
}

func TestClassifyNormalExitNonSanitizer(t *testing.T) {
	if got := Classify(exitedStatus(0), false); got != ClassBenign {
		t.Errorf("Classify(exit 0) = %v, want ClassBenign", got)
	}
}

func TestClassifySanitizerExit(t *testing.T) {
	for _, code := range []int{ASANExitCode, MSANExitCode, UBSANExitCode} {
		if got := Classify(exitedStatus(code), false); got != ClassSanitizerExit {
			t.Errorf("Classify(exit %d) = %v, want ClassSanitizerExit", code, got)
		}
	}
}

func TestIsImportantSignalSet(t *testing.T) {
	for _, sig := range []unix.Signal{unix.SIGILL, unix.SIGFPE, unix.SIGSEGV, unix.SIGBUS, unix.SIGABRT} {
		if !IsImportant(sig, false) {
			t.Errorf("IsImportant(%v) = false, want true", sig)
		}
	}
	if IsImportant(unix.SIGUSR1, false) {
		t.Error("IsImportant(SIGUSR1) = true, want false")
	}
}

func TestAnalyzeNormalExitResolvesCode(t *testing.T) {
	r := Analyze(1, exitedStatus(7), false)
	if r.Class != ClassBenign || r.ExitCode != 7 {
		t.Errorf("Analyze(exit 7) = %+v, want {ClassBenign 7}", r)
	}
}

func TestAnalyzeSanitizerExitResolvesCode(t *testing.T) {
	r := Analyze(1, exitedStatus(ASANExitCode), false)
	if r.Class != ClassSanitizerExit || r.ExitCode != ASANExitCode {
		t.Errorf("Analyze(exit %d) = %+v, want {ClassSanitizerExit %d}", ASANExitCode, r, ASANExitCode)
	}
}

func TestAnalyzeSignalLeavesExitCodeZero(t *testing.T) {
	r := Analyze(1, stoppedStatus(unix.SIGSEGV), false)
	if r.Class != ClassImportantSignal || r.ExitCode != 0 {
		t.Errorf("Analyze(SIGSEGV) = %+v, want {ClassImportantSignal 0}", r)
	}
}
