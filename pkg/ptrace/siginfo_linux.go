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

package ptrace

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// siSignoOff, siCodeOff, and siAddrOff are the glibc
// siginfo_t field offsets on every architecture this package targets
// (x86, ARM, PowerPC, 32- and 64-bit): a 32-bit si_signo, si_errno,
// si_code header followed by a union whose si_addr member (used by
// SIGSEGV/SIGBUS/SIGILL/SIGFPE) starts right after an si_pid/si_uid or
// si_addr-sized pad, at byte 16. PTRACE_GETSIGINFO always returns the
// host's native siginfo_t, so a 32-bit tracer reading a 32-bit tracee's
// siginfo shares this layout.
const (
	siSignoOff = 0
	siCodeOff  = 8
	siAddrOff  = 16
)

// siginfoBufSize is large enough for siginfo_t on every architecture
// this package supports (the glibc definition is 128 bytes on x86-64).
const siginfoBufSize = 128

// siFromUser mirrors SI_FROMUSER(si_code) from <bits/siginfo-consts.h>:
// a zero or negative si_code means the signal was raised by kill()/tgkill() or
// similar, rather than by the kernel detecting a fault.
func siFromUser(code int32) bool {
	return code <= 0
}

// Siginfo is the subset of siginfo_t spec.md §3's CrashContext needs:
// the signal's origin code and, for fault-generated signals, the
// faulting address (spec.md §4.K, §3 "from-user flag").
type Siginfo struct {
	Signo    int32
	Code     int32
	Addr     uint64
	FromUser bool
}

// GetSiginfo issues PTRACE_GETSIGINFO for t, the kernel-debug collaborator
// spec.md §6 names ("getsiginfo"), and decodes the fields crash triage
// needs straight out of the raw siginfo_t bytes, the same raw-buffer
// style pkg/arch.getRegSet uses for GETREGSET.
func GetSiginfo(t Task) (Siginfo, error) {
	buf := make([]byte, siginfoBufSize)
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(unix.PTRACE_GETSIGINFO), uintptr(t.Pid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if errno != 0 {
		return Siginfo{}, errno
	}
	signo := int32(binary.LittleEndian.Uint32(buf[siSignoOff:]))
	code := int32(binary.LittleEndian.Uint32(buf[siCodeOff:]))
	addr := binary.LittleEndian.Uint64(buf[siAddrOff:])
	return Siginfo{
		Signo:    signo,
		Code:     code,
		Addr:     addr,
		FromUser: siFromUser(code),
	}, nil
}
