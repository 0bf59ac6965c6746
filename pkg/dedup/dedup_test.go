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

package dedup

import "testing"

func basePolicies() Policies {
	return Policies{
		Whitelist:     NewSymbolSet(nil),
		Blacklist:     NewSymbolSet(nil),
		HashBlacklist: NewHashBlacklist(nil),
		IgnoreAddr:    0x1000,
	}
}

func TestFilterSuppressesBelowIgnoreAddr(t *testing.T) {
	c := &Counters{}
	v, _ := Filter(Event{PC: 0x4011a0, FaultAddr: 0x10, FromUser: false, MainWorker: true}, basePolicies(), c)
	if v != Suppress {
		t.Fatalf("verdict = %v, want Suppress", v)
	}
	if c.Crashes() != 0 {
		t.Errorf("Crashes() = %d, want 0 (suppressed crashes don't count)", c.Crashes())
	}
}

func TestFilterSuppressesZeroFaultAddr(t *testing.T) {
	// A genuine NULL-pointer dereference (FaultAddr == 0) is the canonical
	// case spec.md §4.I step 1 targets; it must still be suppressed when
	// below ignoreAddr, not carved out as a special case.
	c := &Counters{}
	v, _ := Filter(Event{PC: 0x4011a0, FaultAddr: 0, FromUser: false, MainWorker: true}, basePolicies(), c)
	if v != Suppress {
		t.Fatalf("verdict = %v, want Suppress (NULL deref below ignoreAddr)", v)
	}
}

func TestFilterDoesNotSuppressUserSignals(t *testing.T) {
	c := &Counters{}
	v, _ := Filter(Event{PC: 0x4011a0, FaultAddr: 0x10, FromUser: true, MainWorker: true}, basePolicies(), c)
	if v == Suppress {
		t.Fatal("user-generated signals must not be suppressed by ignoreAddr")
	}
}

func TestFilterDoesNotSuppressZeroPC(t *testing.T) {
	c := &Counters{}
	v, _ := Filter(Event{PC: 0, FaultAddr: 0x10, FromUser: false, MainWorker: true}, basePolicies(), c)
	if v == Suppress {
		t.Fatal("a zero PC crash must not be suppressed by ignoreAddr (no register context to judge)")
	}
}

func TestFilterWhitelistAdmitsAndForcesTimestamped(t *testing.T) {
	p := basePolicies()
	p.Whitelist = NewSymbolSet([]string{"known_safe_fn"})
	c := &Counters{}
	v, force := Filter(Event{FaultAddr: 0x9999, FrameSymbols: []string{"known_safe_fn"}, MainWorker: true}, p, c)
	if v != Admit || !force {
		t.Fatalf("verdict=%v force=%v, want Admit/true", v, force)
	}
}

func TestFilterHashBlacklist(t *testing.T) {
	p := basePolicies()
	p.HashBlacklist = NewHashBlacklist([]uint64{42, 99})
	c := &Counters{}
	v, _ := Filter(Event{FaultAddr: 0x9999, Hash: 42, MainWorker: true}, p, c)
	if v != Blacklisted {
		t.Fatalf("verdict = %v, want Blacklisted", v)
	}
	if c.Blacklisted() != 1 {
		t.Errorf("Blacklisted() = %d, want 1", c.Blacklisted())
	}
	if c.Crashes() != 1 {
		t.Errorf("Crashes() = %d, want 1 (counted once even when dropped)", c.Crashes())
	}
}

func TestFilterSymbolBlacklist(t *testing.T) {
	p := basePolicies()
	p.Blacklist = NewSymbolSet([]string{"bad_fn"})
	c := &Counters{}
	v, _ := Filter(Event{FaultAddr: 0x9999, FrameSymbols: []string{"bad_fn"}, MainWorker: true}, p, c)
	if v != Blacklisted {
		t.Fatalf("verdict = %v, want Blacklisted", v)
	}
}

func TestFilterAdmitsNovelCrash(t *testing.T) {
	c := &Counters{}
	v, force := Filter(Event{FaultAddr: 0x9999, Hash: 7, MainWorker: true}, basePolicies(), c)
	if v != Admit || force {
		t.Fatalf("verdict=%v force=%v, want Admit/false", v, force)
	}
}

func TestFilterReentryGuard(t *testing.T) {
	c := &Counters{}
	e := Event{FaultAddr: 0x9999, Hash: 55, LastWorkerFile: "prev.crash", LastWorkerHash: 55, MainWorker: true}
	v, _ := Filter(e, basePolicies(), c)
	if v != DuplicateReentry {
		t.Fatalf("verdict = %v, want DuplicateReentry", v)
	}
}

func TestFilterReentryGuardIgnoresDifferentHash(t *testing.T) {
	c := &Counters{}
	e := Event{FaultAddr: 0x9999, Hash: 56, LastWorkerFile: "prev.crash", LastWorkerHash: 55, MainWorker: true}
	v, _ := Filter(e, basePolicies(), c)
	if v != Admit {
		t.Fatalf("verdict = %v, want Admit (different hash, not a reentry)", v)
	}
}

func TestFilterVerifierWorkerWritesNoCounters(t *testing.T) {
	p := basePolicies()
	p.HashBlacklist = NewHashBlacklist([]uint64{42})
	c := &Counters{}

	v, _ := Filter(Event{FaultAddr: 0x9999, Hash: 42, MainWorker: false}, p, c)
	if v != Blacklisted {
		t.Fatalf("verdict = %v, want Blacklisted", v)
	}
	if c.Crashes() != 0 || c.Blacklisted() != 0 {
		t.Errorf("Crashes()=%d Blacklisted()=%d, want 0/0 (verifier must not write counters)", c.Crashes(), c.Blacklisted())
	}

	v, _ = Filter(Event{FaultAddr: 0x9999, Hash: 7, MainWorker: false}, p, c)
	if v != Admit {
		t.Fatalf("verdict = %v, want Admit", v)
	}
	if c.Crashes() != 0 {
		t.Errorf("Crashes() = %d, want 0 (verifier must not write counters)", c.Crashes())
	}
}

func TestCountersInvariant(t *testing.T) {
	c := &Counters{}
	c.IncCrashes()
	c.IncCrashes()
	c.IncUnique()
	c.IncBlacklisted()
	if c.Unique() > c.Crashes() {
		t.Errorf("uniqueCrashesCnt (%d) > crashesCnt (%d)", c.Unique(), c.Crashes())
	}
	if c.Blacklisted()+c.Unique() > c.Crashes() {
		t.Errorf("blCrashesCnt+uniqueCrashesCnt (%d) > crashesCnt (%d)", c.Blacklisted()+c.Unique(), c.Crashes())
	}
}

func TestDynFileIterationsResetAndDecrement(t *testing.T) {
	c := &Counters{}
	c.ResetDynFileIterations(10)
	if c.DynFileIterations() != 10 {
		t.Fatalf("DynFileIterations() = %d, want 10", c.DynFileIterations())
	}
	c.DecrementDynFileIterations()
	if c.DynFileIterations() != 9 {
		t.Fatalf("DynFileIterations() = %d, want 9", c.DynFileIterations())
	}
}
