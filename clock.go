// Copyright 2024 the profiler authors.
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

package profiler

import (
	"golang.org/x/sys/unix"
)

// threadTime reads the per-thread CPU clock. Only meaningful while the
// calling goroutine is locked to its OS thread.
func threadTime() (unix.Timespec, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts)
	return ts, err
}

// processTime reads the process-wide CPU clock.
func processTime() (unix.Timespec, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_PROCESS_CPUTIME_ID, &ts)
	return ts, err
}

// wallTime reads the monotonic wall clock.
func wallTime() (unix.Timespec, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts, err
}

// timeDelta returns a-b with the nanosecond borrow normalized, so that
// the result has Nsec in [0, 1e9) for any a >= b.
func timeDelta(a, b unix.Timespec) unix.Timespec {
	a.Sec -= b.Sec
	a.Nsec -= b.Nsec
	if a.Nsec < 0 {
		a.Nsec += 1000000000
		a.Sec--
	}
	return a
}

// timeNsec flattens a timespec to nanoseconds.
func timeNsec(ts unix.Timespec) uint64 {
	return uint64(ts.Sec)*1000000000 + uint64(ts.Nsec)
}
