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

// The profadj command measures the cost of one thread-CPU clock read
// in nanoseconds. The result is the correction value to feed the
// analyzer's -g option so the per-hook measurement overhead is
// subtracted from the reports.
package main

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

func gettime() unix.Timespec {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts)
	return ts
}

// read100 performs one hundred clock reads with the loop mostly
// unrolled so loop overhead stays out of the measurement.
func read100() {
	for i := 0; i < 10; i++ {
		gettime()
		gettime()
		gettime()
		gettime()
		gettime()
		gettime()
		gettime()
		gettime()
		gettime()
		gettime()
	}
}

func deltaNsec(start, end unix.Timespec) uint64 {
	end.Sec -= start.Sec
	end.Nsec -= start.Nsec
	if end.Nsec < 0 {
		end.Nsec += 1000000000
		end.Sec--
	}
	return uint64(end.Sec)*1000000000 + uint64(end.Nsec)
}

// itermeasure scales the iteration count by ten until one measurement
// round takes at least a second.
func itermeasure() int {
	j := 1
	for {
		start := gettime()
		for i := 0; i < j; i++ {
			read100()
		}
		end := gettime()
		if deltaNsec(start, end) >= 1000000000 {
			return j
		}
		j *= 10
	}
}

// callmeasure accumulates rounds of iter*100 clock reads until thirty
// CPU-seconds have been spent, then returns the mean cost of one read.
func callmeasure(iter int) uint64 {
	var c uint64
	j := 1
	for {
		start := gettime()
		for i := 0; i < iter; i++ {
			read100()
		}
		end := gettime()
		c += deltaNsec(start, end)
		if c >= 30000000000 {
			break
		}
		j++
		time.Sleep(500 * time.Millisecond)
	}
	return c / (uint64(iter) * 100 * uint64(j))
}

func main() {
	runtime.LockOSThread()

	fmt.Println("This will take about 5 minutes. The system should be mostly idle.")
	time.Sleep(5 * time.Second)

	fmt.Println("Estimating iterations...")
	iter := itermeasure()
	time.Sleep(5 * time.Second)

	fmt.Println("Measuring clock_gettime correction...")
	var cm [7]uint64
	for i := range cm {
		cm[i] = callmeasure(iter)
		time.Sleep(5 * time.Second)
	}

	v := cm[0]
	for _, m := range cm {
		if m < v {
			v = m
		}
	}

	fmt.Printf("The clock_gettime correction in nanoseconds is: %d\n", v)
	fmt.Println("Note that you may have to adjust the above value by a few nanoseconds\n" +
		"for more precise profiling output.")
}
