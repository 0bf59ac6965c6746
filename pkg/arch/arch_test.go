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

package arch

import "testing"

func TestIsThumb(t *testing.T) {
	cases := []struct {
		name   string
		a      Arch
		w      Width
		status uint64
		want   bool
	}{
		{"arm32 thumb bit set", ArchARM, Width32, 1 << 5, true},
		{"arm32 thumb bit clear", ArchARM, Width32, 0, false},
		{"arm32 unrelated bits set", ArchARM, Width32, 0xFFFFFFDF, false},
		{"arm64 ignored regardless of bit", ArchARM, Width64, 1 << 5, false},
		{"non-arm ignored", ArchX86, Width32, 1 << 5, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsThumb(c.a, c.w, c.status); got != c.want {
				t.Errorf("IsThumb(%v, %v, %#x) = %v, want %v", c.a, c.w, c.status, got, c.want)
			}
		})
	}
}

func TestWidthString(t *testing.T) {
	if Width32.String() != "32-bit" {
		t.Errorf("Width32.String() = %q", Width32.String())
	}
	if Width64.String() != "64-bit" {
		t.Errorf("Width64.String() = %q", Width64.String())
	}
	if WidthUnknown.String() != "unknown" {
		t.Errorf("WidthUnknown.String() = %q", WidthUnknown.String())
	}
}

func TestArchString(t *testing.T) {
	for a, want := range map[Arch]string{
		ArchX86:     "x86",
		ArchARM:     "arm",
		ArchPowerPC: "powerpc",
	} {
		if got := a.String(); got != want {
			t.Errorf("Arch(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}

func TestDecodeRegistersUnknownSize(t *testing.T) {
	regs, err := decodeRegisters(make([]byte, 3))
	if err != nil {
		t.Fatalf("decodeRegisters unexpected error: %v", err)
	}
	if regs.Arch != ArchUnknown || regs.Width != WidthUnknown {
		t.Errorf("decodeRegisters(garbage) = %+v, want zero value", regs)
	}
}

func TestDecodeRegistersX86_64(t *testing.T) {
	buf := make([]byte, regsLenX86_64)
	// RIP at offset 16*8, little-endian.
	for i, b := range []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0} {
		buf[offX86_64RIP+i] = b
	}
	regs, err := decodeRegisters(buf)
	if err != nil {
		t.Fatalf("decodeRegisters: %v", err)
	}
	if regs.Arch != ArchX86 || regs.Width != Width64 {
		t.Fatalf("decodeRegisters arch/width = %v/%v", regs.Arch, regs.Width)
	}
	if regs.PC != 0xdeadbeef {
		t.Errorf("PC = %#x, want 0xdeadbeef", regs.PC)
	}
}
