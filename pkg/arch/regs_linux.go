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

package arch

import (
	"encoding/binary"
	"unsafe"

	"github.com/hfcore/hfcore/pkg/log"
	"golang.org/x/sys/unix"
)

// ntPRStatus is NT_PRSTATUS from <elf.h>: the general-purpose register
// note type PTRACE_GETREGSET understands on every architecture Linux
// supports.
const ntPRStatus = 1

// register-set byte lengths for every layout this package can decode.
// These are the sizes of the kernel's user_regs_struct for each
// (arch, width) pair; PTRACE_GETREGSET's returned iovec length lets us
// tell them apart without knowing the task's architecture up front
// (spec.md §4.C, §9).
const (
	regsLenX86_64  = 27 * 8  // struct user_regs_struct, x86-64
	regsLenX86_32  = 17 * 4  // struct user_regs_struct, i386
	regsLenARM64   = 34 * 8  // struct user_pt_regs, AArch64 (31 GPRs + sp + pc + pstate)
	regsLenARM32   = 18 * 4  // struct pt_regs, ARM32
	regsLenPPC64   = 48 * 8  // struct pt_regs, PowerPC64
	regsLenPPC32   = 48 * 4  // struct pt_regs, PowerPC32
)

// field offsets within the layouts above. Only the fields crash triage
// needs (PC, status/flags, link register) are named; the rest of each
// struct is read but not interpreted.
const (
	offX86_64RIP    = 16 * 8
	offX86_64EFlags = 18 * 8

	offX86_32EIP    = 12 * 4
	offX86_32EFlags = 14 * 4

	offARM64PC     = 32 * 8
	offARM64PState = 33 * 8

	offARM32PC  = 15 * 4
	offARM32CPSR = 16 * 4
	offARM32LR  = 14 * 4

	offPPC64NIP = 32 * 8
	offPPC64MSR = 33 * 8
	offPPC64LR  = 36 * 8

	offPPC32NIP = 32 * 4
	offPPC32MSR = 33 * 4
	offPPC32LR  = 36 * 4
)

// getRegSet issues PTRACE_GETREGSET for NT_PRSTATUS and returns the raw
// bytes the kernel populated, truncated to the length actually written.
// iovLen starts as cap(buf); the kernel overwrites it with the number of
// bytes it filled in, which is exactly the "populated structure size"
// spec.md §4.C says to dispatch on.
func getRegSet(tid int, buf []byte) (int, error) {
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(unix.PTRACE_GETREGSET), uintptr(tid), uintptr(ntPRStatus), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(iov.Len), nil
}

// getRegsLegacy falls back to the pre-GETREGSET PTRACE_GETREGS call for
// kernels or architectures where the register-set operation is
// unavailable (spec.md §4.C). The caller supplies a buffer sized for its
// best guess of the task's native width; legacy GETREGS can't report the
// size back the way GETREGSET does; on mismatch it simply errors.
func getRegsLegacy(tid int, buf []byte) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(unix.PTRACE_GETREGS), uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadPCAndStatus reads the program counter and status/flags register of
// tid, along with the width PTRACE_GETREGSET's reported size implies
// (spec.md §4.C). On an architecture or kernel this package doesn't
// recognize, it returns WidthUnknown and logs, per spec.md §7's
// "fail soft" policy for unsupported widths.
func ReadPCAndStatus(tid int) (Registers, error) {
	buf := make([]byte, regsLenPPC64) // largest layout we understand
	n, err := getRegSet(tid, buf)
	if err != nil {
		log.Debugf("ptrace GETREGSET(%d) failed, falling back to legacy GETREGS: %v", tid, err)
		if legacyErr := getRegsLegacy(tid, buf[:regsLenX86_64]); legacyErr != nil {
			return Registers{}, legacyErr
		}
		n = regsLenX86_64
	}
	return decodeRegisters(buf[:n])
}

func decodeRegisters(buf []byte) (Registers, error) {
	switch len(buf) {
	case regsLenX86_64:
		return Registers{
			Arch:   ArchX86,
			Width:  Width64,
			PC:     binary.LittleEndian.Uint64(buf[offX86_64RIP:]),
			Status: binary.LittleEndian.Uint64(buf[offX86_64EFlags:]),
		}, nil
	case regsLenX86_32:
		return Registers{
			Arch:   ArchX86,
			Width:  Width32,
			PC:     uint64(binary.LittleEndian.Uint32(buf[offX86_32EIP:])),
			Status: uint64(binary.LittleEndian.Uint32(buf[offX86_32EFlags:])),
		}, nil
	case regsLenARM64:
		return Registers{
			Arch:   ArchARM,
			Width:  Width64,
			PC:     binary.LittleEndian.Uint64(buf[offARM64PC:]),
			Status: binary.LittleEndian.Uint64(buf[offARM64PState:]),
		}, nil
	case regsLenARM32:
		return Registers{
			Arch:   ArchARM,
			Width:  Width32,
			PC:     uint64(binary.LittleEndian.Uint32(buf[offARM32PC:])),
			Status: uint64(binary.LittleEndian.Uint32(buf[offARM32CPSR:])),
		}, nil
	case regsLenPPC64:
		return Registers{
			Arch:   ArchPowerPC,
			Width:  Width64,
			PC:     binary.LittleEndian.Uint64(buf[offPPC64NIP:]),
			Status: binary.LittleEndian.Uint64(buf[offPPC64MSR:]),
		}, nil
	case regsLenPPC32:
		return Registers{
			Arch:   ArchPowerPC,
			Width:  Width32,
			PC:     uint64(binary.LittleEndian.Uint32(buf[offPPC32NIP:])),
			Status: uint64(binary.LittleEndian.Uint32(buf[offPPC32MSR:])),
		}, nil
	default:
		log.Warningf("unrecognized register-set size %d bytes; treating width as unsupported", len(buf))
		return Registers{}, nil
	}
}

// ReadLinkRegister reads the link register of an ARM (32- or 64-bit)
// task. It is meaningless on other architectures (spec.md §4.C "ARM
// only"); callers must already know, from a prior ReadPCAndStatus, that
// the task is ArchARM.
func ReadLinkRegister(tid int, w Width) (uint64, error) {
	buf := make([]byte, regsLenARM64)
	n, err := getRegSet(tid, buf)
	if err != nil {
		return 0, err
	}
	switch {
	case w == Width64 && n >= regsLenARM64:
		// x30 is the AArch64 link register, the 31st of the 31 general
		// registers that precede sp/pc/pstate in user_pt_regs.
		return binary.LittleEndian.Uint64(buf[30*8:]), nil
	case w == Width32 && n >= regsLenARM32:
		return uint64(binary.LittleEndian.Uint32(buf[offARM32LR:])), nil
	default:
		return 0, unix.ENOTSUP
	}
}
