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

// Package sanitizer parses crash reports written by a
// sanitizer-instrumented target to its own log file (spec.md §4.H). Only
// the AddressSanitizer header line is recognized; a log from another
// sanitizer yields a Report with no frames and an UNKNOWN operation. The
// file is produced by a different OS thread than the one noticing the
// target's exit, so the parser is built around "not ready yet" being a
// routine, non-error outcome rather than a failure.
package sanitizer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hfcore/hfcore/pkg/stack"
)

// Operation is the access kind a sanitizer report attributes to the
// fault: READ, WRITE, or UNKNOWN when the log doesn't say (spec.md
// §4.H). Detection uses a prefix match on the line naming the crash
// address; this corrects the reference implementation's reported
// polarity bug (spec.md §9 Open Question 1) without changing the output
// vocabulary.
type Operation string

const (
	OpRead    Operation = "READ"
	OpWrite   Operation = "WRITE"
	OpUnknown Operation = "UNKNOWN"
)

// ErrNotWritten is the sentinel "-1" spec.md §4.H specifies: the report
// file does not exist yet because a sibling task hasn't finished writing
// it. Callers must not treat this as failure or as "no crash"; they must
// retry later.
var ErrNotWritten = errors.New("sanitizer: report not yet written")

// Report is the parsed content of one sanitizer log: the frames it
// recorded, the fault address, and the access kind.
type Report struct {
	FaultAddr uint64
	Operation Operation
	Frames    []stack.Frame
}

type parseState int

const (
	stateHeaderSearch parseState = iota
	stateFrameCollect
	stateDone
)

var headerPrefix = "ERROR: AddressSanitizer:"

// maxFrames is _HF_MAX_FUNCS (spec.md §3 "CrashContext"): the bound on
// frames this parser will ever return, matching pkg/stack.Collect's
// bound on the same field.
const maxFrames = 80

// Parse opens <workDir>/<logPrefix>.<pid>, returning ErrNotWritten if it
// does not exist, and otherwise runs the header-search / frame-collect
// state machine spec.md §4.H describes. On success the file is unlinked
// so a sibling task sharing the same log directory cannot double-consume
// it.
func Parse(pid int, workDir, logPrefix string) (*Report, error) {
	path := filepath.Join(workDir, fmt.Sprintf("%s.%d", logPrefix, pid))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotWritten
		}
		return nil, fmt.Errorf("open sanitizer report %s: %w", path, err)
	}
	defer f.Close()

	rep, err := parse(f, pid)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		// The report was parsed successfully; failing to unlink it only
		// risks a sibling task re-reading stale content later, not this
		// call's correctness, so this is logged by the caller rather than
		// turned into a parse failure here.
		return rep, fmt.Errorf("unlink consumed report %s: %w", path, err)
	}
	return rep, nil
}

func parse(f *os.File, pid int) (*Report, error) {
	rep := &Report{Operation: OpUnknown}
	state := stateHeaderSearch
	scanner := bufio.NewScanner(f)
	header := fmt.Sprintf("==%d==%s", pid, headerPrefix)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, " ")

		switch state {
		case stateHeaderSearch:
			if strings.Contains(line, header) {
				if addr, ok := extractAddress(line); ok {
					rep.FaultAddr = addr
				}
				state = stateFrameCollect
				continue
			}
		case stateFrameCollect:
			if trimmed == "" {
				if len(rep.Frames) > 0 {
					state = stateDone
				}
				continue
			}
			if strings.HasPrefix(trimmed, "#") {
				if frame, ok := parseFrameLine(trimmed); ok && len(rep.Frames) < maxFrames {
					rep.Frames = append(rep.Frames, frame)
				}
				continue
			}
			if op, ok := detectOperation(line, rep.FaultAddr); ok {
				rep.Operation = op
			}
		case stateDone:
			if op, ok := detectOperation(line, rep.FaultAddr); ok {
				rep.Operation = op
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan sanitizer report: %w", err)
	}
	return rep, nil
}

// extractAddress pulls the hex value following the literal "address " in
// the header line, up to the first following space (spec.md §4.H).
func extractAddress(line string) (uint64, bool) {
	const marker = "address "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return 0, false
	}
	rest := line[idx+len(marker):]
	end := strings.IndexByte(rest, ' ')
	if end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimPrefix(rest, "0x")
	v, err := strconv.ParseUint(rest, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseFrameLine decodes a "#N  0xADDR  (MODULE+0xOFFSET)" line into a
// Frame, per spec.md §4.H. Lines that don't match the expected shape are
// skipped rather than treated as a parse failure; a best-effort partial
// backtrace is still useful for dedup.
func parseFrameLine(line string) (stack.Frame, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return stack.Frame{}, false
	}
	pcField := strings.TrimPrefix(fields[1], "0x")
	pc, err := strconv.ParseUint(pcField, 16, 64)
	if err != nil {
		return stack.Frame{}, false
	}
	frame := stack.Frame{PC: pc}
	if len(fields) >= 3 {
		mod := strings.Trim(strings.Join(fields[2:], " "), "()")
		module, offset := splitModuleOffset(mod)
		frame.Symbol = module
		frame.Offset = offset
	}
	return frame, true
}

func splitModuleOffset(s string) (string, uint32) {
	idx := strings.LastIndexByte(s, '+')
	if idx < 0 {
		return s, 0
	}
	module := s[:idx]
	offStr := strings.TrimPrefix(s[idx+1:], "0x")
	off, err := strconv.ParseUint(offStr, 16, 32)
	if err != nil {
		return module, 0
	}
	return module, uint32(off)
}

// detectOperation reports whether line names the access kind for
// faultAddr, using the corrected polarity from spec.md §9 Open Question
// 1: a line is a match when it starts with "READ" or "WRITE" and
// mentions the fault address, using strings.HasPrefix (the reference
// implementation's strncmp(...) != 0 check is inverted and was not
// reproduced here).
func detectOperation(line string, faultAddr uint64) (Operation, bool) {
	addrHex := fmt.Sprintf("0x%x", faultAddr)
	if !strings.Contains(line, addrHex) {
		return "", false
	}
	trimmed := strings.TrimLeft(line, " ")
	switch {
	case strings.HasPrefix(trimmed, string(OpRead)):
		return OpRead, true
	case strings.HasPrefix(trimmed, string(OpWrite)):
		return OpWrite, true
	default:
		return "", false
	}
}
