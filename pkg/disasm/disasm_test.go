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

//go:build linux

package disasm

import (
	"errors"
	"os"
	"testing"

	"github.com/hfcore/hfcore/pkg/arch"
	"github.com/hfcore/hfcore/pkg/ptrace"
)

type stubDisasm struct {
	text string
	err  error
}

func (s stubDisasm) Decode(a arch.Arch, w arch.Width, thumb bool, pc uint64, code []byte) (string, error) {
	return s.text, s.err
}

func TestMaxInstrSize(t *testing.T) {
	cases := []struct {
		a    arch.Arch
		w    arch.Width
		want int
	}{
		{arch.ArchX86, arch.Width64, 16},
		{arch.ArchX86, arch.Width32, 16},
		{arch.ArchARM, arch.Width64, 8},
		{arch.ArchARM, arch.Width32, 4},
		{arch.ArchPowerPC, arch.Width64, 4},
	}
	for _, c := range cases {
		if got := maxInstrSize(c.a, c.w); got != c.want {
			t.Errorf("maxInstrSize(%v, %v) = %d, want %d", c.a, c.w, got, c.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	in := "mov\teax,\x01/ra\\x\x7f\xff"
	got := sanitize(in)
	for _, b := range []byte(got) {
		if b == '/' || b == '\\' || b <= ' ' || b == 0x7f || b > 0x7f {
			t.Fatalf("sanitize(%q) = %q still contains unsafe byte %#x", in, got, b)
		}
	}
}

func TestDecodeZeroPC(t *testing.T) {
	regs := arch.Registers{Arch: arch.ArchX86, Width: arch.Width64, PC: 0}
	if got := Decode(stubDisasm{text: "nop"}, ptrace.Task{Pid: os.Getpid()}, regs, false); got != unknown {
		t.Errorf("Decode(PC=0) = %q, want %q", got, unknown)
	}
}

func TestDecodeUnmappedPC(t *testing.T) {
	regs := arch.Registers{Arch: arch.ArchX86, Width: arch.Width64, PC: 1}
	// PC=1 is never mapped in this process, so ReadMemory returns nothing
	// and Decode should short-circuit to notMmaped before even asking the
	// stub disassembler to decode.
	got := Decode(stubDisasm{err: errors.New("bad opcode")}, ptrace.Task{Pid: os.Getpid()}, regs, false)
	if got != notMmaped {
		t.Errorf("Decode(unmapped PC) = %q, want %q", got, notMmaped)
	}
}
