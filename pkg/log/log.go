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

// Package log provides the leveled, worker-tagged logging used across
// hfcore. It wraps logrus the way gVisor's pkg/log wraps an Emitter: a
// small package-level default logger, set once at startup, with
// Debugf/Infof/Warningf/Errorf helpers that every other package calls
// without holding a reference to the logger itself.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level mirrors gVisor's log.Level enum: Debug is noisier than Info.
type Level uint32

const (
	// Warning is the default level; only warnings and above are emitted.
	Warning Level = iota
	// Info emits informational progress messages in addition to warnings.
	Info
	// Debug emits everything, including per-task ptrace chatter.
	Debug
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

var (
	mu      sync.Mutex
	std     = logrus.New()
	current = Warning
)

func init() {
	std.SetOutput(io.Discard)
	std.SetLevel(current.logrusLevel())
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel sets the minimum level emitted by the default logger.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	current = l
	std.SetLevel(l.logrusLevel())
}

// SetOutput redirects the default logger. Workers typically call this once
// with a per-run debug log file; tests typically leave it discarding.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std.SetOutput(w)
}

// SetJSON switches the default logger's formatter to JSON, matching
// gVisor's "json" debug-log-format option.
func SetJSON(json bool) {
	mu.Lock()
	defer mu.Unlock()
	if json {
		std.SetFormatter(&logrus.JSONFormatter{})
	} else {
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// WithWorker returns an entry tagged with the supervising worker's id, so
// concurrent workers' log lines can be told apart without a mutex around
// every call site.
func WithWorker(id int) *logrus.Entry {
	return std.WithField("worker", id)
}

// Debugf logs at Debug level.
func Debugf(format string, args ...any) { std.Debugf(format, args...) }

// Infof logs at Info level.
func Infof(format string, args ...any) { std.Infof(format, args...) }

// Warningf logs at Warning level.
func Warningf(format string, args ...any) { std.Warnf(format, args...) }

// Errorf logs at Error level. Errors are never fatal on their own in
// hfcore; see spec.md §7 for the error-handling policy that callers must
// follow (log and continue, never propagate above the dispatcher).
func Errorf(format string, args ...any) { std.Errorf(format, args...) }

// Stderr returns os.Stderr, for passing to SetOutput; SetOutput replaces
// the current output rather than adding to it.
func Stderr() io.Writer { return os.Stderr }
