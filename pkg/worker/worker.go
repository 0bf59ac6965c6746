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

// Package worker supervises the pool of OS threads that each own one
// target process and its tasks (spec.md §5). Workers share only the
// dedup package's GlobalCounters and Policies; nothing here needs a
// mutex, per spec.md §5's "no locks protect the counters" model.
package worker

import (
	"context"

	"github.com/hfcore/hfcore/pkg/log"
	"golang.org/x/sync/errgroup"
)

// State is WorkerState (spec.md §3): per-iteration scratch a single
// worker owns exclusively. It is never touched by any other worker.
type State struct {
	// ID distinguishes this worker's log lines and its target process.
	ID int
	// CurrentInputFile is the input this iteration is replaying.
	CurrentInputFile string
	// CrashFileName is empty until a crash is persisted for the current
	// target iteration; spec.md §3's invariant "crashFileName empty ⇔
	// this worker has not yet persisted any crash for the current target
	// iteration" is maintained entirely by callers clearing/setting this
	// field around pkg/artifact.Save.
	CrashFileName string
	// LastHash is the fingerprint of the last crash this worker
	// persisted, consulted by pkg/dedup's re-entry guard.
	LastHash uint64
	// MainWorker distinguishes the authoritative analyzer from a verifier
	// re-run, which must not mask single-frame hashes (spec.md §3).
	MainWorker bool
}

// Reset clears per-iteration scratch at the start of a new target
// iteration, preserving ID and MainWorker.
func (s *State) Reset(inputFile string) {
	s.CurrentInputFile = inputFile
	s.CrashFileName = ""
	s.LastHash = 0
}

// RecordCrash updates State after a successful pkg/artifact.Save,
// maintaining the crashFileName invariant spec.md §3 states.
func (s *State) RecordCrash(fileName string, hash uint64) {
	s.CrashFileName = fileName
	s.LastHash = hash
}

// ClearCrash resets crashFileName after a detected duplicate (spec.md
// §4.J: "On existence, clear the worker's crashFileName").
func (s *State) ClearCrash() {
	s.CrashFileName = ""
}

// Run is the per-worker loop signature a Pool supervises: it receives a
// fresh State for its lifetime and must return only when ctx is
// cancelled or a non-recoverable error occurs.
type Run func(ctx context.Context, s *State) error

// Pool runs n independent workers under an errgroup.Group, mirroring
// how syzkaller's fuzzer supervises its Proc pool: one goroutine per
// worker, the first unrecoverable error cancels the shared context and
// is returned from Wait, and every other worker unwinds cleanly.
type Pool struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewPool starts n workers, each invoking run with its own State.
func NewPool(ctx context.Context, n int, mainWorkerID int, run Run) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			s := &State{ID: id, MainWorker: id == mainWorkerID}
			if err := run(gctx, s); err != nil {
				log.WithWorker(id).Errorf("worker exited: %v", err)
				return err
			}
			return nil
		})
	}
	return &Pool{g: g, ctx: gctx}
}

// Wait blocks until every worker has returned, returning the first
// non-nil error any of them reported.
func (p *Pool) Wait() error {
	return p.g.Wait()
}
