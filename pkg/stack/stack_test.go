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

package stack

import (
	"errors"
	"testing"

	"github.com/hfcore/hfcore/pkg/arch"
)

type stubUnwinder struct {
	pcs []uint64
	err error
}

func (s stubUnwinder) Unwind(pc uint64, maxFrames int) ([]uint64, error) { return s.pcs, s.err }

func TestCollectNormal(t *testing.T) {
	u := stubUnwinder{pcs: []uint64{0x1000, 0x2000, 0x3000}}
	frames, ok := Collect(u, arch.Registers{PC: 0x1000})
	if !ok {
		t.Fatal("Collect returned ok=false, want true")
	}
	if len(frames) != 3 || frames[0].PC != 0x1000 {
		t.Fatalf("Collect() = %+v", frames)
	}
}

func TestCollectEmptyUnwindSynthesizesFromPC(t *testing.T) {
	u := stubUnwinder{err: errors.New("no unwind info")}
	frames, ok := Collect(u, arch.Registers{PC: 0xdead})
	if !ok {
		t.Fatal("Collect returned ok=false, want true (synthetic frame)")
	}
	if len(frames) != 1 || frames[0].PC != 0xdead {
		t.Fatalf("Collect() = %+v, want single synthetic frame at PC", frames)
	}
}

func TestCollectEmptyUnwindAndZeroPCIsUnusable(t *testing.T) {
	u := stubUnwinder{pcs: nil}
	frames, ok := Collect(u, arch.Registers{PC: 0})
	if ok || len(frames) != 0 {
		t.Fatalf("Collect() = %+v, ok=%v, want empty and ok=false", frames, ok)
	}
}

func TestCollectBoundedByMaxFuncs(t *testing.T) {
	pcs := make([]uint64, maxFuncs+20)
	for i := range pcs {
		pcs[i] = uint64(i + 1)
	}
	u := stubUnwinder{pcs: pcs}
	frames, ok := Collect(u, arch.Registers{PC: 1})
	if !ok {
		t.Fatal("Collect returned ok=false")
	}
	if len(frames) != maxFuncs {
		t.Fatalf("len(frames) = %d, want %d", len(frames), maxFuncs)
	}
}

type stubSymbolizer struct{}

func (stubSymbolizer) Symbolize(pc uint64) (string, uint32) {
	if pc == 0x1000 {
		return "main.crash", 12
	}
	return "", 0
}

func TestSymbolize(t *testing.T) {
	frames := []Frame{{PC: 0x1000}, {PC: 0x2000}}
	Symbolize(stubSymbolizer{}, frames)
	if frames[0].Symbol != "main.crash" || frames[0].Offset != 12 {
		t.Errorf("frames[0] = %+v", frames[0])
	}
	if frames[1].Symbol != "" {
		t.Errorf("frames[1].Symbol = %q, want empty", frames[1].Symbol)
	}
}
