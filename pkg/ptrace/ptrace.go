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
// +build linux

// Package ptrace seizes a target process and its tasks, waits for their
// stops, and reads their memory, mirroring the attach/wait/detach
// lifecycle gVisor's pkg/sentry/platform/ptrace manages for its stub
// processes (spec.md §4.A, §4.B, §4.D).
package ptrace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hfcore/hfcore/pkg/log"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// seizeOptions requests notification of clone/fork/vfork and of task
// exit at seize time, so newly spawned tasks are auto-attached and exits
// are observable before the kernel reaps them (spec.md §4.B).
const seizeOptions = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXIT

// Task is a single thread of a TargetProcess, identified by its Linux
// tid. Every ptrace operation in this package operates on a Task.
type Task struct {
	Pid int
}

// TargetProcess is the debugee: a root task plus every task discovered
// under it, with the attach options requested at seize time (spec.md
// §3 "TargetProcess"). A TargetProcess with Partial set is still usable
// per spec.md §4.B's "tolerate per-task failures" contract.
type TargetProcess struct {
	Root    Task
	Tasks   []Task
	Partial bool
}

// CheckCapability verifies the running process holds CAP_SYS_PTRACE,
// logging a warning rather than failing outright: an unprivileged
// process attached to its own children doesn't need the capability, and
// spec.md §7 prefers "log and continue" over hard failure wherever the
// condition isn't certainly fatal.
func CheckCapability() {
	caps, err := capability.NewPid2(0)
	if err != nil {
		log.Warningf("capability probe failed: %v", err)
		return
	}
	if err := caps.Load(); err != nil {
		log.Warningf("capability load failed: %v", err)
		return
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE) {
		log.Warningf("CAP_SYS_PTRACE not held; attach to unrelated processes will fail")
	}
}

// ListTasks enumerates the task IDs of pid by reading /proc/<pid>/task,
// a point-in-time snapshot callers must tolerate racing against new
// clones or exits (spec.md §4.A).
func ListTasks(pid int) ([]Task, error) {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("enumerate tasks of pid %d: %w", pid, err)
	}
	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tasks = append(tasks, Task{Pid: tid})
	}
	return tasks, nil
}

// Attach seizes pid's root task with seizeOptions, enumerates its other
// tasks, and seizes each of them, tolerating per-task seize failures
// (spec.md §4.B). The returned TargetProcess has Partial set if any
// non-root task could not be seized.
func Attach(pid int) (*TargetProcess, error) {
	CheckCapability()
	if err := unix.PtraceSeize(pid, seizeOptions); err != nil {
		return nil, fmt.Errorf("seize root task %d: %w", pid, err)
	}
	tp := &TargetProcess{Root: Task{Pid: pid}}
	tasks, err := ListTasks(pid)
	if err != nil {
		// The root task was seized; report it alone rather than failing
		// the whole attach, since §4.B's partial-attach tolerance applies
		// to enumeration as much as to individual seizes.
		log.Warningf("attach(%d): enumerate tasks: %v", pid, err)
		tp.Tasks = []Task{tp.Root}
		return tp, nil
	}
	for _, t := range tasks {
		if t.Pid == pid {
			tp.Tasks = append(tp.Tasks, t)
			continue
		}
		if err := unix.PtraceSeize(t.Pid, seizeOptions); err != nil {
			log.Warningf("attach(%d): seize task %d: %v", pid, t.Pid, err)
			tp.Partial = true
			continue
		}
		tp.Tasks = append(tp.Tasks, t)
	}
	return tp, nil
}

// alive reports whether pid still names a live process, the
// short-circuit check Detach performs first (spec.md §4.B).
func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Detach interrupts and detaches every task of a TargetProcess,
// re-enumerating first since tasks may have appeared since Attach or
// the last Detach (spec.md §4.B). It no-ops if the root process has
// already exited.
func Detach(tp *TargetProcess) error {
	if !alive(tp.Root.Pid) {
		return nil
	}
	tasks, err := ListTasks(tp.Root.Pid)
	if err != nil {
		tasks = tp.Tasks
	}
	var firstErr error
	for _, t := range tasks {
		if err := unix.PtraceInterrupt(t.Pid); err != nil {
			log.Warningf("detach: interrupt %d: %v", t.Pid, err)
		}
		if _, err := WaitForStop(t); err != nil {
			log.Warningf("detach: wait for stop %d: %v", t.Pid, err)
		}
		if err := unix.PtraceDetach(t.Pid); err != nil {
			log.Warningf("detach: detach %d: %v", t.Pid, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// WaitForStop waits for t to reach a stopped state, retrying on
// EINTR and failing on any non-stopped terminal status (spec.md §4.B).
func WaitForStop(t Task) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	op := func() error {
		_, err := unix.Wait4(t.Pid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return status, fmt.Errorf("waitForStop(%d): %w", t.Pid, err)
	}
	if !status.Stopped() {
		return status, fmt.Errorf("waitForStop(%d): terminal status %v is not stopped", t.Pid, status)
	}
	return status, nil
}

// wordSize is the ptrace PEEKTEXT granularity on every architecture this
// package runs on: one machine word.
const wordSize = 8

// ReadMemory reads up to length bytes from t's address space starting at
// remoteAddr, preferring a single vectored process_vm_readv call and
// falling back to word-granular PEEKTEXT peeks when it fails (spec.md
// §4.D). It never errors on a partial read; the returned slice's length
// is the count actually obtained, and is empty when the page is
// unmapped or the task has died.
func ReadMemory(t Task, remoteAddr uintptr, length int) []byte {
	if length <= 0 {
		return nil
	}
	buf := make([]byte, length)
	if n, err := processVMReadv(t.Pid, remoteAddr, buf); err == nil && n > 0 {
		return buf[:n]
	}
	return peekFallback(t, remoteAddr, length)
}

func processVMReadv(pid int, addr uintptr, data []byte) (int, error) {
	localIov := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remoteIov := []unix.RemoteIovec{{Base: addr, Len: len(data)}}
	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}

// peekFallback reads length rounded down to the word size via
// PTRACE_PEEKTEXT, one word at a time, stopping at the first failed
// peek (spec.md §4.D "length is rounded down to the word size").
func peekFallback(t Task, addr uintptr, length int) []byte {
	words := length / wordSize
	out := make([]byte, 0, words*wordSize)
	word := make([]byte, wordSize)
	for i := 0; i < words; i++ {
		n, err := unix.PtracePeekText(t.Pid, addr+uintptr(i*wordSize), word)
		if err != nil || n != wordSize {
			break
		}
		out = append(out, word...)
	}
	return out
}
