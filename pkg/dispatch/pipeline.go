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

package dispatch

import (
	"fmt"

	"github.com/hfcore/hfcore/pkg/arch"
	"github.com/hfcore/hfcore/pkg/artifact"
	"github.com/hfcore/hfcore/pkg/dedup"
	"github.com/hfcore/hfcore/pkg/disasm"
	"github.com/hfcore/hfcore/pkg/fingerprint"
	"github.com/hfcore/hfcore/pkg/log"
	"github.com/hfcore/hfcore/pkg/ptrace"
	"github.com/hfcore/hfcore/pkg/sanitizer"
	"github.com/hfcore/hfcore/pkg/stack"
	"github.com/hfcore/hfcore/pkg/worker"
)

// Pipeline wires components C through J behind Analyze's classification,
// the "K invokes (C→D→E) for instruction context and F for the
// backtrace, G for the hash, then I for admission, then J for
// persistence" data flow spec.md §2 describes. Every field is an
// external collaborator named in spec.md §6; Pipeline owns none of
// their implementations, only the order they're called in.
type Pipeline struct {
	Disasm    disasm.Disassembler
	Unwind    stack.Unwinder
	Symbolize stack.Symbolizer
	Policies  dedup.Policies
	Counters  *dedup.Counters
	Config    PipelineConfig
}

// PipelineConfig is the subset of pkg/config.Config the pipeline
// consults directly (spec.md §6 "Configuration struct").
type PipelineConfig struct {
	WorkDir              string
	FileExtn             string
	NumMajorFrames       int
	SaveUnique           bool
	SaveMaps             bool
	DisableRandomization bool
	// DynFileIterations is the countdown value the dynamic-file scanner
	// (an external collaborator, spec.md §1) is reset to on every
	// successful unique save (spec.md §4.J).
	DynFileIterations int64
}

// Outcome reports what HandleSignal/HandleSanitizerExit did, for a
// caller that wants to log or test the result.
type Outcome struct {
	Verdict dedup.Verdict
	Path    string
	Hash    uint64
	// Existed is true when Path already existed (a genuine duplicate by
	// filename, spec.md §4.J), distinguishing a freshly-written artifact
	// from one a peer worker already captured.
	Existed bool
}

// HandleSignal runs the full signal-crash path: C (register read), D→E
// (instruction decode), F (stack collect), G (fingerprint), I (policy),
// J (persistence) — spec.md §4.K's "Stopped with signal... run full save
// path (main worker)" branch, and the verifier's "analyze-only" branch
// when s.MainWorker is false.
func (p *Pipeline) HandleSignal(t ptrace.Task, s *worker.State, origFileName string) (Outcome, error) {
	regs, err := arch.ReadPCAndStatus(t.Pid)
	if err != nil {
		log.Warningf("pipeline: read registers for pid %d: %v", t.Pid, err)
		return Outcome{}, nil
	}

	si, err := ptrace.GetSiginfo(t)
	if err != nil {
		log.Warningf("pipeline: read siginfo for pid %d: %v", t.Pid, err)
	}

	thumb := arch.IsThumb(regs.Arch, regs.Width, regs.Status)
	instr := disasm.Decode(p.Disasm, t, regs, thumb)

	frames, haveFrames := stack.Collect(p.Unwind, regs)
	if haveFrames {
		stack.Symbolize(p.Symbolize, frames)
	}

	lr := func() (uint64, error) { return arch.ReadLinkRegister(t.Pid, regs.Width) }
	hash, masking := fingerprint.Hash(frames, p.Config.NumMajorFrames, s.MainWorker, regs.Arch, regs.Width, lr)
	saveUnique := p.Config.SaveUnique
	if s.MainWorker && !masking {
		// Masking was requested (single ARM frame) but the link register
		// couldn't be read: treat as non-unique (spec.md §4.G step 3).
		saveUnique = false
	}
	if !haveFrames {
		// Zero frames and zero PC: no fingerprint may be used for
		// uniqueness decisions (spec.md §3 invariant).
		hash = 0
		saveUnique = false
	}

	return p.admitAndSave(admitArgs{
		kind:         artifact.SignalKind(int(si.Signo)),
		pc:           regs.PC,
		faultAddr:    si.Addr,
		code:         int(si.Signo),
		instr:        instr,
		hash:         hash,
		frames:       frames,
		fromUser:     si.FromUser,
		saveUnique:   saveUnique,
		origFileName: origFileName,
		pid:          t.Pid,
	}, s)
}

// sanitizerExitNames maps a sanitizer-reserved exit code to the log
// prefix its runtime writes (spec.md §4.H "<logPrefix>.<pid>") and the
// artifact.Kind its filename should carry (spec.md §4.J).
var sanitizerExitNames = map[int]struct {
	prefix string
	kind   artifact.Kind
}{
	ASANExitCode:  {"asan", artifact.KindASAN},
	MSANExitCode:  {"msan", artifact.KindMSAN},
	UBSANExitCode: {"ubsan", artifact.KindUBSAN},
}

// HandleSanitizerExit runs the alternate sanitizer-exit path: H (report
// parse) in place of F, then the same G→I→J chain (spec.md §4.K
// "Normal-exit with sanitizer code" / "child exited with a sanitizer-
// reserved code... hand to 4.H + 4.J"). sanitizer.ErrNotWritten is
// returned as-is so the caller leaves
// WorkerState.CrashFileName untouched and lets a sibling task retry
// (spec.md §4.H, §7).
func (p *Pipeline) HandleSanitizerExit(pid int, exitCode int, s *worker.State, origFileName string) (Outcome, error) {
	names, ok := sanitizerExitNames[exitCode]
	if !ok {
		return Outcome{}, fmt.Errorf("pipeline: exit code %d is not a known sanitizer code", exitCode)
	}

	report, err := sanitizer.Parse(pid, p.Config.WorkDir, names.prefix)
	if err == sanitizer.ErrNotWritten {
		return Outcome{}, err
	}
	if err != nil {
		log.Warningf("pipeline: parse sanitizer report for pid %d: %v", pid, err)
		return Outcome{}, err
	}

	width := arch.Width64
	hash, _ := fingerprint.Hash(report.Frames, p.Config.NumMajorFrames, false, arch.ArchUnknown, width, nil)

	return p.admitAndSave(admitArgs{
		kind:         names.kind,
		pc:           firstPC(report.Frames),
		faultAddr:    report.FaultAddr,
		code:         exitCode,
		operation:    string(report.Operation),
		hash:         hash,
		frames:       report.Frames,
		saveUnique:   p.Config.SaveUnique && hash != 0,
		origFileName: origFileName,
		pid:          pid,
	}, s)
}

func firstPC(frames []stack.Frame) uint64 {
	if len(frames) == 0 {
		return 0
	}
	return frames[0].PC
}

type admitArgs struct {
	kind         artifact.Kind
	pc           uint64
	faultAddr    uint64
	code         int
	operation    string
	instr        string
	hash         uint64
	frames       []stack.Frame
	fromUser     bool
	saveUnique   bool
	origFileName string
	pid          int
}

// admitAndSave runs I (dedup.Filter) then, on admission, J
// (artifact.Save), applying every WorkerState/Counters side effect
// spec.md §4.I/§4.J specify around both.
func (p *Pipeline) admitAndSave(a admitArgs, s *worker.State) (Outcome, error) {
	symbols := make([]string, 0, len(a.frames))
	for _, f := range a.frames {
		if f.Symbol != "" {
			symbols = append(symbols, f.Symbol)
		}
	}

	verdict, forceTimestamped := dedup.Filter(dedup.Event{
		PC:             a.pc,
		Hash:           a.hash,
		FaultAddr:      a.faultAddr,
		FromUser:       a.fromUser,
		FrameSymbols:   symbols,
		LastWorkerHash: s.LastHash,
		LastWorkerFile: s.CrashFileName,
		MainWorker:     s.MainWorker,
	}, p.Policies, p.Counters)

	if verdict != dedup.Admit {
		return Outcome{Verdict: verdict}, nil
	}

	saveUnique := a.saveUnique && !forceTimestamped
	res, err := artifact.Save(artifact.Context{
		Kind:           a.kind,
		PC:             a.pc,
		FaultAddr:      a.faultAddr,
		Code:           a.code,
		Operation:      a.operation,
		Instr:          a.instr,
		Hash:           a.hash,
		Frames:         a.frames,
		FromUser:       a.fromUser,
		PID:            a.pid,
		OrigFileName:   a.origFileName,
		WorkDir:        p.Config.WorkDir,
		FileExtn:       p.Config.FileExtn,
		SaveUnique:     saveUnique,
		DisableASLR:    p.Config.DisableRandomization,
		// A verifier re-run must not perturb uniqueness state: it writes
		// under the input's original name for direct replay comparison
		// instead of a fingerprint-encoding one (spec.md §4.J "Dry-run +
		// verifier", Glossary "Verifier worker").
		DryRunVerifier: !s.MainWorker,
	}, a.origFileName, p.Config.SaveMaps)
	if err != nil {
		log.Errorf("pipeline: save artifact for pid %d: %v", a.pid, err)
		s.ClearCrash()
		return Outcome{Verdict: verdict}, err
	}
	if res.Existed {
		s.ClearCrash()
		return Outcome{Verdict: verdict, Path: res.Path, Hash: a.hash, Existed: true}, nil
	}

	if s.MainWorker {
		// A verifier's re-run must not write counters beyond analysis
		// (spec.md Glossary "Verifier worker").
		p.Counters.IncUnique()
		p.Counters.ResetDynFileIterations(p.Config.DynFileIterations)
	}
	s.RecordCrash(res.Path, a.hash)
	return Outcome{Verdict: verdict, Path: res.Path, Hash: a.hash}, nil
}
