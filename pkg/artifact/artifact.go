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

// Package artifact persists a canonical crash file and its report
// alongside it (spec.md §4.J). Filename construction never touches the
// filesystem itself; Save wraps it with the create-or-detect-exists
// semantics the O_EXCL open flag gives for free, and a file lock guards
// the sidecar report write against a concurrent verifier worker.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/hfcore/hfcore/pkg/stack"
)

// Kind distinguishes a signal-triggered crash from a sanitizer-reported
// one; it selects the filename prefix spec.md §4.J names (the signal's
// own name, e.g. "SIGSEGV", vs the sanitizer family name) and which
// report fields are present.
type Kind string

const (
	KindASAN  Kind = "ASAN"
	KindMSAN  Kind = "MSAN"
	KindUBSAN Kind = "UBSAN"
)

// signalNames maps the signals spec.md §4.K treats as crash-worthy to
// their canonical C name, the literal spec.md §8 S1's worked example
// expects in a crash filename ("SIGSEGV.PC...") instead of a generic
// "SIG" prefix that can't tell SIGSEGV from SIGABRT.
var signalNames = map[int]string{
	4:  "SIGILL",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	11: "SIGSEGV",
}

// SignalKind resolves a signal number to the artifact Kind/filename
// prefix a signal-triggered crash should carry, falling back to
// "SIG<n>" for a signal this package doesn't name.
func SignalKind(sig int) Kind {
	if name, ok := signalNames[sig]; ok {
		return Kind(name)
	}
	return Kind(fmt.Sprintf("SIG%d", sig))
}

// Context is the subset of CrashContext plus Policies/WorkerState Save
// needs to name and render an artifact.
type Context struct {
	Kind      Kind
	PC        uint64
	FaultAddr uint64
	Code      int
	Operation string // sanitizer only; empty for signal crashes
	Instr     string // signal only; empty for sanitizer crashes
	Hash      uint64
	Frames    []stack.Frame
	FromUser  bool

	PID             int
	OrigFileName    string
	WorkDir         string
	FileExtn        string
	SaveUnique      bool
	DisableASLR     bool
	DryRunVerifier  bool
}

// filename implements the three cases spec.md §4.J lists.
func filename(c Context) string {
	if c.DryRunVerifier {
		return filepath.Join(c.WorkDir, c.OrigFileName)
	}

	pc, addr := c.PC, c.FaultAddr
	if c.DisableASLR {
		pc, addr = 0, 0
	}
	if c.FromUser {
		addr = 0
	}

	var b strings.Builder
	b.WriteString(string(c.Kind))
	fmt.Fprintf(&b, ".PC.0x%016x", pc)
	fmt.Fprintf(&b, ".STACK.%d", c.Hash)
	if c.Operation != "" {
		fmt.Fprintf(&b, ".CODE.%s", c.Operation)
	} else {
		fmt.Fprintf(&b, ".CODE.%d", c.Code)
	}
	if addr == 0 {
		b.WriteString(".ADDR.(nil)")
	} else {
		fmt.Fprintf(&b, ".ADDR.0x%x", addr)
	}
	if c.Instr != "" {
		fmt.Fprintf(&b, ".INSTR.%s", c.Instr)
	}

	base := b.String()
	if !(c.SaveUnique && c.Hash != 0) {
		base += "." + strconv.FormatInt(time.Now().UnixNano(), 10) + "." + strconv.Itoa(c.PID)
	}
	if c.FileExtn != "" {
		base += "." + c.FileExtn
	}
	return filepath.Join(c.WorkDir, base)
}

// copyFile implements the "files_copyFile(src, dst, &existed)"
// collaborator spec.md §6 names: it creates dst exclusively, so an
// already-captured duplicate is detected atomically rather than via a
// separate Stat-then-Open race.
func copyFile(src, dst string) (existed bool, err error) {
	in, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("open crash input %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("create crash artifact %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return false, fmt.Errorf("copy crash artifact to %s: %w", dst, err)
	}
	return false, nil
}

// Result reports what Save did, so the caller (which owns WorkerState
// and Counters) can apply spec.md §4.J's follow-on effects.
type Result struct {
	// Path is the artifact path Save attempted, whether or not it was
	// actually written.
	Path string
	// Existed is true when the destination already existed: the caller
	// must clear crashFileName and must not emit a report.
	Existed bool
}

// Save implements spec.md §4.J's filename construction, O_EXCL create,
// and report emission. On a genuine duplicate (Existed), no report is
// written. Callers are responsible for resetting the dynamic-file
// iteration countdown and incrementing uniqueCrashesCnt on success,
// since those are GlobalCounters concerns owned by pkg/dedup.
func Save(c Context, inputPath string, saveMaps bool) (Result, error) {
	dst := filename(c)
	existed, err := copyFile(inputPath, dst)
	if err != nil {
		return Result{Path: dst}, err
	}
	if existed {
		return Result{Path: dst, Existed: true}, nil
	}

	if err := writeReport(c, dst); err != nil {
		return Result{Path: dst}, fmt.Errorf("write report for %s: %w", dst, err)
	}
	if saveMaps {
		if err := SaveMaps(c.PID, stripExt(dst, c.FileExtn)+".maps"); err != nil {
			return Result{Path: dst}, fmt.Errorf("save maps for %s: %w", dst, err)
		}
	}
	return Result{Path: dst}, nil
}

func stripExt(path, ext string) string {
	if ext == "" {
		return path
	}
	return strings.TrimSuffix(path, "."+ext)
}

// writeReport emits the plain-text KEY: VALUE report spec.md §6
// describes, under an flock-guarded sidecar write so a concurrent
// verifier worker analyzing the same replayed input can't interleave
// writes into the same report file.
func writeReport(c Context, crashPath string) error {
	reportPath := crashPath + ".report"
	lock := flock.New(reportPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock report sidecar: %w", err)
	}
	defer lock.Unlock()

	f, err := os.Create(reportPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "ORIG_FNAME: %s\n", c.OrigFileName)
	fmt.Fprintf(&b, "FUZZ_FNAME: %s\n", filepath.Base(crashPath))
	fmt.Fprintf(&b, "PID: %d\n", c.PID)
	if c.Operation != "" {
		fmt.Fprintf(&b, "EXIT CODE: %d\n", c.Code)
		fmt.Fprintf(&b, "OPERATION: %s\n", c.Operation)
	} else {
		fmt.Fprintf(&b, "SIGNAL: %d\n", c.Code)
	}
	fmt.Fprintf(&b, "FAULT ADDRESS: 0x%x\n", c.FaultAddr)
	if c.Instr != "" {
		fmt.Fprintf(&b, "INSTRUCTION: %s\n", c.Instr)
	}
	fmt.Fprintf(&b, "STACK HASH: %d\n", c.Hash)
	b.WriteString("STACK:\n")
	for _, fr := range c.Frames {
		sym := ""
		if fr.Symbol != "" {
			sym = fmt.Sprintf("%s + 0x%x", fr.Symbol, fr.Offset)
		}
		fmt.Fprintf(&b, " <0x%x> [%s]\n", fr.PC, sym)
	}

	_, err = f.WriteString(b.String())
	return err
}

// SaveMaps copies /proc/<pid>/maps to dst, implementing the
// "copyProcMaps(pid, dst) → bool" collaborator spec.md §6 names.
func SaveMaps(pid int, dst string) error {
	in, err := os.Open(filepath.Join("/proc", strconv.Itoa(pid), "maps"))
	if err != nil {
		return fmt.Errorf("open /proc/%d/maps: %w", pid, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create maps snapshot %s: %w", dst, err)
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
