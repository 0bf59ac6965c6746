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

// Command hfcore drives the crash-triage core outside of the fuzzer's
// own scheduling loop: it exposes the attach/wait/analyze primitives as
// subcommands for debugging and for verifying saved crashes, the way
// runsc/cli exposes the sentry's internals as a subcommand set.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/hfcore/hfcore/pkg/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&watchCommand{}, "")
	subcommands.Register(&parseSanitizerCommand{}, "")
	subcommands.Register(&symbolizeCommand{}, "")

	debug := flag.Bool("debug", false, "enable debug logging.")
	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}
	log.SetOutput(log.Stderr())

	os.Exit(int(subcommands.Execute(context.Background())))
}
