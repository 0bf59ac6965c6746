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

// Package stack collects and, separately, symbolizes the call stack of
// a stopped task (spec.md §4.F). Frame naming follows delve's
// Stackframe/Current/Call split: a Frame here is the unwinder's raw
// output, and a Symbolizer attaches names to it in a second pass, the
// way spec.md's "on non-Android systems, symbolization pass is run
// separately" describes.
package stack

import "github.com/hfcore/hfcore/pkg/arch"

// maxFuncs is _HF_MAX_FUNCS: the bound on frames this package will ever
// return from Collect, regardless of how deep the real stack is.
const maxFuncs = 80

// Frame is a single stack level: an address, an optional symbol name,
// and a line/offset within it (spec.md §3 "Frame"). Frames are
// immutable once produced.
type Frame struct {
	PC     uint64
	Symbol string
	Offset uint32
}

// Unwinder produces the raw return-address sequence of a stopped task,
// root frame first. Implementations are architecture- and
// platform-specific (CFI-based, frame-pointer-based, or an external
// unwinder); this package owns only the bounding and PC-fallback logic
// spec.md §4.F requires.
type Unwinder interface {
	Unwind(pc uint64, maxFrames int) ([]uint64, error)
}

// Symbolizer attaches a module/function name and line offset to a raw
// PC. It runs as a pass separate from unwinding, per spec.md §4.F.
type Symbolizer interface {
	Symbolize(pc uint64) (symbol string, offset uint32)
}

// Collect unwinds up to maxFuncs frames starting at regs.PC. If the
// unwinder produces zero frames, it synthesizes a single frame from the
// register PC when non-zero (spec.md §4.F, and the related invariant in
// spec.md §3: "the PC of its first frame equal[s] the PC read from
// registers at crash time ... unless the unwinder produced zero frames
// and the register PC was used as synthetic frame 0"). If both the
// unwinder and the register PC are empty, it returns an empty sequence
// and ok=false, signalling that uniqueness cannot be established for
// this event.
func Collect(u Unwinder, regs arch.Registers) (frames []Frame, ok bool) {
	pcs, err := u.Unwind(regs.PC, maxFuncs)
	if err != nil || len(pcs) == 0 {
		if regs.PC == 0 {
			return nil, false
		}
		return []Frame{{PC: regs.PC}}, true
	}
	if len(pcs) > maxFuncs {
		pcs = pcs[:maxFuncs]
	}
	frames = make([]Frame, len(pcs))
	for i, pc := range pcs {
		frames[i] = Frame{PC: pc}
	}
	return frames, true
}

// Symbolize fills in the Symbol and Offset of every frame using s,
// leaving frames s can't resolve with an empty symbol (spec.md §3:
// Frame's symbol is "bounded UTF-8 string, possibly empty").
func Symbolize(s Symbolizer, frames []Frame) {
	for i := range frames {
		sym, off := s.Symbolize(frames[i].PC)
		frames[i].Symbol = sym
		frames[i].Offset = off
	}
}
