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

// Package disasm turns the bytes at a crashing PC into a short,
// filename-safe instruction string (spec.md §4.E). The actual
// instruction-set decoding is pluggable: this package owns the memory
// read, the sizing per architecture, and the sanitization; a
// Disassembler supplies the architecture-specific mnemonic text.
package disasm

import (
	"github.com/hfcore/hfcore/pkg/arch"
	"github.com/hfcore/hfcore/pkg/ptrace"
)

// maxInstrSize returns MAX_INSTR_SZ for a, per spec.md §4.E: 16 bytes on
// x86 (covers the longest legal instruction with prefixes), 8 on
// AArch64, 4 on ARM32 and PowerPC (both have fixed 4-byte encodings
// outside THUMB).
func maxInstrSize(a arch.Arch, w arch.Width) int {
	switch {
	case a == arch.ArchX86:
		return 16
	case a == arch.ArchARM && w == arch.Width64:
		return 8
	default:
		return 4
	}
}

// Disassembler decodes the leading instruction of code, which was read
// from the target at pc, into a human-readable mnemonic string. Callers
// supply an implementation appropriate to a/w/thumb; this
// package never hardcodes an instruction set.
type Disassembler interface {
	Decode(a arch.Arch, w arch.Width, thumb bool, pc uint64, code []byte) (string, error)
}

// unknown and notMmaped are the literal failure strings spec.md §4.E
// requires: no usable PC, and a PC that could not be read, respectively.
const (
	unknown   = "[UNKNOWN]"
	notMmaped = "[NOT_MMAPED]"
)

// Decode reads up to maxInstrSize(regs.Arch, regs.Width) bytes at
// regs.PC from t, disassembles them with d, and sanitizes the result so
// it is safe to embed in a filename (spec.md §4.E). A zero PC produces
// "[UNKNOWN]"; a PC whose memory can't be read produces "[NOT_MMAPED]".
func Decode(d Disassembler, t ptrace.Task, regs arch.Registers, thumb bool) string {
	if regs.PC == 0 {
		return unknown
	}
	n := maxInstrSize(regs.Arch, regs.Width)
	code := ptrace.ReadMemory(t, uintptr(regs.PC), n)
	if len(code) == 0 {
		return notMmaped
	}
	text, err := d.Decode(regs.Arch, regs.Width, thumb, regs.PC, code)
	if err != nil || text == "" {
		return unknown
	}
	return sanitize(text)
}

// sanitize replaces any path separator, backslash, whitespace, or
// non-printable byte with '_', the exact substitution spec.md §4.E
// requires to make the instruction string filename-safe.
func sanitize(s string) string {
	out := []byte(s)
	for i, b := range out {
		switch {
		case b == '/' || b == '\\':
			out[i] = '_'
		case b <= ' ' || b == 0x7f:
			out[i] = '_'
		case b > 0x7f:
			out[i] = '_'
		}
	}
	return string(out)
}
