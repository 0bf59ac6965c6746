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

// Package fingerprint reduces a call stack to the 64-bit hash used to
// tell crashes apart (spec.md §4.G). The algorithm is fully specified:
// this package contains no architectural decisions of its own, only the
// arithmetic spec.md §4.G mandates, reproduced so every worker computes
// the same hash regardless of scheduling.
package fingerprint

import (
	"fmt"

	"github.com/hfcore/hfcore/pkg/arch"
	"github.com/hfcore/hfcore/pkg/stack"
)

// singleFrameMask is _HF_SINGLE_FRAME_MASK: a reserved bit OR'd into the
// hash when masking is enabled and the backtrace carries exactly one
// frame (spec.md §3 "FingerprintHash", §4.G step 2).
const singleFrameMask = uint64(1) << 63

// DefaultMajorFrames is the default *major-frame count* M spec.md §4.G
// names: the number of leading frames folded into the hash.
const DefaultMajorFrames = 7

// LinkRegisterReader reads the link register of an ARM/AArch64 task,
// the extra discriminator spec.md §4.G step 3 requires for single-frame
// ARM backtraces. It is the same operation pkg/arch.ReadLinkRegister
// performs; passed as an interface so this package stays host-agnostic
// and unit-testable without ptrace.
type LinkRegisterReader func() (lr uint64, err error)

// Hash computes the fingerprint of frames, folding up to M leading
// frames' program counters, and returns the resulting enableMasking
// value the caller should record alongside it: spec.md §4.G step 3
// forces masking off when an ARM single-frame case cannot read its link
// register, so the caller's "is this hash trustworthy for uniqueness"
// decision must observe that override.
func Hash(frames []stack.Frame, m int, enableMasking bool, a arch.Arch, w arch.Width, lr LinkRegisterReader) (hash uint64, effectiveMasking bool) {
	if m <= 0 {
		m = DefaultMajorFrames
	}
	effectiveMasking = enableMasking
	n := len(frames)
	if n < m {
		m = n
	}
	for i := 0; i < m; i++ {
		hash ^= mix(lastThreeHexChars(frames[i].PC, w))
	}
	if enableMasking && n == 1 {
		hash |= singleFrameMask
		if a == arch.ArchARM {
			val, err := lr()
			if err != nil {
				effectiveMasking = false
			} else {
				hash ^= mix(lastThreeHexChars(val, w))
			}
		}
	}
	return hash, effectiveMasking
}

// lastThreeHexChars renders v as a lowercase, architecture-width-padded
// hex literal and returns its final three characters, per spec.md §4.G
// step 1.
func lastThreeHexChars(v uint64, w arch.Width) []byte {
	width := 16
	if w == arch.Width32 {
		width = 8
	}
	s := fmt.Sprintf("0x%0*x", width, v)
	return []byte(s[len(s)-3:])
}

// mix is the table-free, order-sensitive 64-bit mixing function spec.md
// §4.G requires: an FNV-1a fold over the input bytes, with the reserved
// singleFrameMask bit cleared so only masking ever sets it. Any implementation
// satisfying "table-free, order-sensitive" is conformant; this one is
// used consistently by every caller in this module, satisfying the
// determinism requirement.
func mix(b []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime64
	}
	return h &^ singleFrameMask
}
