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
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"
	"github.com/hfcore/hfcore/pkg/sanitizer"
)

// parseSanitizerCommand implements subcommands.Command for
// "parse-sanitizer": run the sanitizer-report parser against a single
// workdir/pid pair and print what it found, useful for debugging a
// report the harness refused to consume.
type parseSanitizerCommand struct {
	logPrefix string
}

func (*parseSanitizerCommand) Name() string     { return "parse-sanitizer" }
func (*parseSanitizerCommand) Synopsis() string { return "parse a sanitizer crash report and print its frames" }
func (*parseSanitizerCommand) Usage() string {
	return "parse-sanitizer [flags] <workdir> <pid> - parse <workdir>/<prefix>.<pid>\n"
}

func (c *parseSanitizerCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.logPrefix, "prefix", "asan.log", "log filename prefix before the .<pid> suffix.")
}

func (c *parseSanitizerCommand) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	workDir := f.Arg(0)
	pid, err := strconv.Atoi(f.Arg(1))
	if err != nil {
		fmt.Fprintf(f.Output(), "invalid pid %q: %v\n", f.Arg(1), err)
		return subcommands.ExitUsageError
	}

	rep, err := sanitizer.Parse(pid, workDir, c.logPrefix)
	if err == sanitizer.ErrNotWritten {
		fmt.Fprintln(f.Output(), "report not yet written")
		return subcommands.ExitFailure
	}
	if err != nil {
		fmt.Fprintf(f.Output(), "parse error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Fprintf(f.Output(), "operation: %s\nfault address: %#x\nframes: %d\n", rep.Operation, rep.FaultAddr, len(rep.Frames))
	for i, fr := range rep.Frames {
		fmt.Fprintf(f.Output(), "  #%d 0x%x (%s+0x%x)\n", i, fr.PC, fr.Symbol, fr.Offset)
	}
	return subcommands.ExitSuccess
}
