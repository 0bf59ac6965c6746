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
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
)

// symbolizeCommand implements subcommands.Command for "symbolize": read
// back a saved crash's <artifact>.report sidecar and reprint its STACK:
// frame table, useful for a quick look without re-running the target.
type symbolizeCommand struct{}

func (*symbolizeCommand) Name() string     { return "symbolize" }
func (*symbolizeCommand) Synopsis() string { return "reprint the frame table stored in a crash report" }
func (*symbolizeCommand) Usage() string {
	return "symbolize <artifact> - reprint the STACK: table from <artifact>.report\n"
}

func (*symbolizeCommand) SetFlags(*flag.FlagSet) {}

func (*symbolizeCommand) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0) + ".report"
	file, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(f.Output(), "open %s: %v\n", path, err)
		return subcommands.ExitFailure
	}
	defer file.Close()

	inStack := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "STACK:" {
			inStack = true
			continue
		}
		if !inStack {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		fmt.Fprintln(f.Output(), trimmed)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(f.Output(), "read %s: %v\n", path, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
