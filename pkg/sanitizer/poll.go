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

package sanitizer

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// PollLimiter paces WaitAndParse's retries so a worker spinning on a
// slow sanitizer write doesn't burn a core doing it (spec.md §4.H's
// sibling-task race). One token every 20ms, matching how fast a
// sanitizer process typically finishes writing its report, is a
// reasonable default; callers with different latency expectations
// should build their own limiter.
func PollLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(20_000_000), 1)
}

// WaitAndParse retries Parse until it succeeds, a non-ErrNotWritten
// error occurs, attempts are exhausted, or ctx is done. The limiter
// paces attempts; callers typically share one PollLimiter across many
// concurrent targets rather than allocating per call.
func WaitAndParse(ctx context.Context, limiter *rate.Limiter, pid int, workDir, logPrefix string, maxAttempts int) (*Report, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waitAndParse(%d): %w", pid, err)
		}
		rep, err := Parse(pid, workDir, logPrefix)
		if err == nil {
			return rep, nil
		}
		if err != ErrNotWritten {
			return nil, err
		}
	}
	return nil, fmt.Errorf("waitAndParse(%d): %w after %d attempts", pid, ErrNotWritten, maxAttempts)
}
