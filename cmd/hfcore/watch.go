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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"
	"github.com/hfcore/hfcore/pkg/arch"
	"github.com/hfcore/hfcore/pkg/config"
	"github.com/hfcore/hfcore/pkg/dedup"
	"github.com/hfcore/hfcore/pkg/dispatch"
	"github.com/hfcore/hfcore/pkg/log"
	"github.com/hfcore/hfcore/pkg/ptrace"
	"github.com/hfcore/hfcore/pkg/worker"
	"golang.org/x/sys/unix"
)

// watchCommand implements subcommands.Command for "watch": seize a
// process, run spec.md §4.K's full dispatch pipeline (classify, then
// C→D→E→F→G→I→J for a signal, H→G→I→J for a sanitizer exit) against its
// events, and print the resulting GlobalCounters when the target exits.
type watchCommand struct {
	android    bool
	policyFile string
}

func (*watchCommand) Name() string     { return "watch" }
func (*watchCommand) Synopsis() string { return "attach to a process and run the crash-triage pipeline on its events" }
func (*watchCommand) Usage() string {
	return "watch [flags] <pid> - attach and triage crashes until the target exits\n"
}

func (c *watchCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.android, "android", false, "exclude SIGABRT from the important-signal set.")
	f.StringVar(&c.policyFile, "policy-file", "", "TOML file of symbols_whitelist/symbols_blacklist/hash_blacklist.")
	config.RegisterFlags(f)
}

// noopDisassembler is the placeholder hfcore ships when no real
// disassembler backend (spec.md §6 "disasm(pid, bytes, len, outStr)")
// is wired in; pkg/disasm falls back to "[UNKNOWN]" on its error,
// matching spec.md §7's fail-soft policy for unsupported decode paths.
type noopDisassembler struct{}

func (noopDisassembler) Decode(a arch.Arch, w arch.Width, thumb bool, pc uint64, code []byte) (string, error) {
	return "", errors.New("watch: no disassembler backend wired")
}

// noopUnwinder is the placeholder for spec.md §6's "unwind(pid) →
// Frame[]" collaborator; pkg/stack.Collect falls back to a single
// register-PC frame on error, per spec.md §4.F.
type noopUnwinder struct{}

func (noopUnwinder) Unwind(pc uint64, maxFrames int) ([]uint64, error) {
	return nil, errors.New("watch: no unwinder backend wired")
}

// noopSymbolizer is the placeholder for spec.md §6's "resolve(pid,
// Frame[]) → void" collaborator; frames keep an empty symbol, which
// spec.md §3 documents as a valid Frame state.
type noopSymbolizer struct{}

func (noopSymbolizer) Symbolize(pc uint64) (string, uint32) { return "", 0 }

func (c *watchCommand) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		fmt.Fprintf(f.Output(), "invalid pid %q: %v\n", f.Arg(0), err)
		return subcommands.ExitUsageError
	}

	cfg, err := config.NewFromFlags(f)
	if err != nil {
		fmt.Fprintf(f.Output(), "config: %v\n", err)
		return subcommands.ExitFailure
	}

	policies := dedup.Policies{
		Whitelist:     dedup.NewSymbolSet(nil),
		Blacklist:     dedup.NewSymbolSet(nil),
		HashBlacklist: dedup.NewHashBlacklist(nil),
		IgnoreAddr:    cfg.IgnoreAddr,
	}
	if c.policyFile != "" {
		pf, err := config.LoadPolicyFile(c.policyFile)
		if err != nil {
			fmt.Fprintf(f.Output(), "policy file: %v\n", err)
			return subcommands.ExitFailure
		}
		policies.Whitelist = dedup.NewSymbolSet(pf.SymbolsWhitelist)
		policies.Blacklist = dedup.NewSymbolSet(pf.SymbolsBlacklist)
		policies.HashBlacklist = dedup.NewHashBlacklist(pf.HashBlacklist)
	}

	pipeline := &dispatch.Pipeline{
		Disasm:    noopDisassembler{},
		Unwind:    noopUnwinder{},
		Symbolize: noopSymbolizer{},
		Policies:  policies,
		Counters:  &dedup.Counters{},
		Config: dispatch.PipelineConfig{
			WorkDir:              cfg.WorkDir,
			FileExtn:             cfg.FileExtn,
			NumMajorFrames:       cfg.NumMajorFrames,
			SaveUnique:           cfg.SaveUnique,
			SaveMaps:             cfg.SaveMaps,
			DisableRandomization: cfg.DisableRandomization,
			DynFileIterations:    5000,
		},
	}
	state := &worker.State{ID: 0, MainWorker: true}

	tp, err := ptrace.Attach(pid)
	if err != nil {
		log.Errorf("attach(%d): %v", pid, err)
		return subcommands.ExitFailure
	}
	if tp.Partial {
		log.Warningf("attach(%d): partial attach, some tasks could not be seized", pid)
	}
	defer ptrace.Detach(tp)

	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(-pid, &status, unix.WALL, nil)
		if err != nil {
			log.Errorf("wait4: %v", err)
			return subcommands.ExitFailure
		}

		res := dispatch.Analyze(wpid, status, c.android)
		switch res.Class {
		case dispatch.ClassImportantSignal:
			out, err := pipeline.HandleSignal(ptrace.Task{Pid: wpid}, state, fmt.Sprintf("pid-%d", pid))
			if err != nil {
				log.Warningf("handle signal for pid %d: %v", wpid, err)
			} else if out.Verdict == dedup.Admit && out.Path != "" && !out.Existed {
				log.Infof("saved crash %s (hash %d)", out.Path, out.Hash)
			}
			unix.PtraceCont(wpid, int(status.StopSignal()))
			continue
		case dispatch.ClassSanitizerExit:
			_, err := pipeline.HandleSanitizerExit(wpid, res.ExitCode, state, fmt.Sprintf("pid-%d", pid))
			if err != nil {
				log.Debugf("sanitizer exit for pid %d: %v", wpid, err)
			}
		case dispatch.ClassUnclassifiable:
			log.Errorf("unclassifiable status %#x from pid %d, aborting", status, wpid)
			return subcommands.ExitFailure
		}

		if status.Exited() || status.Signaled() {
			if wpid == pid {
				c.printCounters(f, pipeline.Counters)
				return subcommands.ExitSuccess
			}
			continue
		}
		if status.Stopped() {
			unix.PtraceCont(wpid, 0)
		}
	}
}

func (c *watchCommand) printCounters(f *flag.FlagSet, counters *dedup.Counters) {
	fmt.Fprintf(f.Output(), "crashes: %d unique: %d blacklisted: %d\n",
		counters.Crashes(), counters.Unique(), counters.Blacklisted())
}
