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
	"os"
	"testing"
)

func TestListTasksSelf(t *testing.T) {
	tasks, err := ListTasks(os.Getpid())
	if err != nil {
		t.Fatalf("ListTasks(self): %v", err)
	}
	if len(tasks) == 0 {
		t.Fatal("ListTasks(self) returned no tasks, want at least one (the calling thread's task group)")
	}
}

func TestListTasksNonexistent(t *testing.T) {
	// PID 1 always exists on Linux but a very large, almost certainly
	// unallocated pid should not.
	if _, err := ListTasks(1 << 30); err == nil {
		t.Fatal("ListTasks(huge pid) succeeded, want error")
	}
}

func TestAliveSelf(t *testing.T) {
	if !alive(os.Getpid()) {
		t.Fatal("alive(self) = false, want true")
	}
}

func TestAliveNonexistent(t *testing.T) {
	if alive(1 << 30) {
		t.Fatal("alive(huge pid) = true, want false")
	}
}

func TestReadMemoryNonPositiveLength(t *testing.T) {
	if got := ReadMemory(Task{Pid: os.Getpid()}, 0, 0); got != nil {
		t.Errorf("ReadMemory(len=0) = %v, want nil", got)
	}
	if got := ReadMemory(Task{Pid: os.Getpid()}, 0, -1); got != nil {
		t.Errorf("ReadMemory(len=-1) = %v, want nil", got)
	}
}
