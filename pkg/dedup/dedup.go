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

// Package dedup decides whether a crash is suppressed, blacklisted, or
// admitted, and tracks the process-wide counters that decision updates
// (spec.md §4.I, §3 "GlobalCounters"). Every counter is a plain atomic
// integer; no mutex guards any of this package's state, matching
// spec.md §9's "never guarded by a mutex" design note.
package dedup

import (
	"sort"
	"sync/atomic"

	"github.com/google/btree"
)

// Verdict is the outcome of Filter.
type Verdict int

const (
	// Suppress means the crash is an uninteresting early fault below
	// ignoreAddr and must not be counted as triaged at all.
	Suppress Verdict = iota
	// Admit means the crash should be persisted. Filter's second result,
	// forceTimestamped, is true when a whitelist match means saveUnique
	// must be overridden off.
	Admit
	// Blacklisted means the crash matched a known-bad hash or symbol and
	// must be dropped, with the blacklist counter incremented.
	Blacklisted
	// DuplicateReentry means the same worker already persisted this exact
	// hash during the current target iteration; drop silently.
	DuplicateReentry
)

// hashSet is the sorted, binary-searchable hash blacklist spec.md §3
// names. It is backed by a btree.BTree built once at startup and never
// mutated afterward, matching spec.md §9's "immutable sorted array"
// design note while reusing the pack's btree for the membership check.
type hashSet struct {
	tree *btree.BTree
}

type hashItem uint64

func (h hashItem) Less(than btree.Item) bool { return h < than.(hashItem) }

// NewHashBlacklist builds a hashSet from hashes, which need not already
// be sorted.
func NewHashBlacklist(hashes []uint64) *hashSet {
	t := btree.New(32)
	for _, h := range hashes {
		t.ReplaceOrInsert(hashItem(h))
	}
	return &hashSet{tree: t}
}

func (s *hashSet) contains(h uint64) bool {
	if s == nil || s.tree == nil {
		return false
	}
	return s.tree.Has(hashItem(h))
}

// SymbolSet is a sorted, linearly-scanned symbol list: spec.md §9 notes
// the whitelist/blacklist symbol sets are small enough that a binary
// search buys nothing meaningful over a scan, so this type just sorts
// once for deterministic iteration and scans on lookup.
type SymbolSet []string

// NewSymbolSet returns a copy of symbols, sorted.
func NewSymbolSet(symbols []string) SymbolSet {
	out := append(SymbolSet(nil), symbols...)
	sort.Strings(out)
	return out
}

// containsAny reports whether any symbol in frameSymbols appears in s.
func (s SymbolSet) containsAny(frameSymbols []string) bool {
	for _, fs := range frameSymbols {
		for _, sym := range s {
			if fs == sym {
				return true
			}
		}
	}
	return false
}

// Policies is the runtime-immutable configuration Filter consults
// (spec.md §3 "Policies").
type Policies struct {
	Whitelist     SymbolSet
	Blacklist     SymbolSet
	HashBlacklist *hashSet
	IgnoreAddr    uint64
}

// Counters is GlobalCounters (spec.md §3): process-wide totals updated
// exclusively via atomic read-modify-write.
type Counters struct {
	crashesCnt        int64
	uniqueCrashesCnt  int64
	blCrashesCnt      int64
	dynFileIterations int64
}

func (c *Counters) IncCrashes() int64       { return atomic.AddInt64(&c.crashesCnt, 1) }
func (c *Counters) IncUnique() int64        { return atomic.AddInt64(&c.uniqueCrashesCnt, 1) }
func (c *Counters) IncBlacklisted() int64   { return atomic.AddInt64(&c.blCrashesCnt, 1) }
func (c *Counters) Crashes() int64          { return atomic.LoadInt64(&c.crashesCnt) }
func (c *Counters) Unique() int64           { return atomic.LoadInt64(&c.uniqueCrashesCnt) }
func (c *Counters) Blacklisted() int64      { return atomic.LoadInt64(&c.blCrashesCnt) }
func (c *Counters) DynFileIterations() int64 { return atomic.LoadInt64(&c.dynFileIterations) }

// ResetDynFileIterations reinstates the dynamic-file iteration countdown
// to n, as pkg/dispatch's save path does after every successful unique
// artifact.Save (spec.md §4.J).
func (c *Counters) ResetDynFileIterations(n int64) { atomic.StoreInt64(&c.dynFileIterations, n) }

// DecrementDynFileIterations counts down by one and reports the new
// value, for callers driving "re-scan inputs every N iterations" logic.
func (c *Counters) DecrementDynFileIterations() int64 {
	return atomic.AddInt64(&c.dynFileIterations, -1)
}

// Event is the subset of CrashContext and WorkerState Filter needs.
type Event struct {
	PC             uint64
	Hash           uint64
	FaultAddr      uint64
	FromUser       bool
	FrameSymbols   []string
	LastWorkerHash uint64
	LastWorkerFile string
	// MainWorker gates every counter write below: a verifier re-run must
	// not perturb uniqueness state, only analyze (spec.md Glossary
	// "Verifier worker: ...must not perturb uniqueness state (no masking,
	// no counter writes beyond analysis)").
	MainWorker bool
}

// Filter runs the decision tree of spec.md §4.I, incrementing crashesCnt
// once per admitted-for-consideration event before any policy check, and
// blCrashesCnt on every blacklist drop — but only when e.MainWorker is
// true; a verifier's re-run computes the same Verdict without writing to
// GlobalCounters. forceTimestamped is true only when a whitelisted symbol
// admitted the crash, per spec.md §4.I step 2: "admit, force
// saveUnique=false".
func Filter(e Event, p Policies, counters *Counters) (v Verdict, forceTimestamped bool) {
	if !e.FromUser && e.PC != 0 && e.FaultAddr < p.IgnoreAddr {
		return Suppress, false
	}

	if e.MainWorker {
		counters.IncCrashes()
	}

	if e.LastWorkerFile != "" && e.LastWorkerHash == e.Hash {
		return DuplicateReentry, false
	}

	if p.Whitelist.containsAny(e.FrameSymbols) {
		return Admit, true
	}

	if p.HashBlacklist.contains(e.Hash) {
		if e.MainWorker {
			counters.IncBlacklisted()
		}
		return Blacklisted, false
	}

	if p.Blacklist.containsAny(e.FrameSymbols) {
		if e.MainWorker {
			counters.IncBlacklisted()
		}
		return Blacklisted, false
	}

	return Admit, false
}
