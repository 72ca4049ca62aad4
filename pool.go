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
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	threadTableSize = 64
	funcTableSize   = 64

	// 8 caller buckets per function on 64-bit targets, 16 on 32-bit.
	callerTableSize = 512 / bits.UintSize
)

// callerRecord aggregates one (function, caller) pair. Records live in
// the preallocated caller pool and are never destroyed; all counters
// are accumulated with relaxed atomic adds.
type callerRecord struct {
	left  atomic.Pointer[callerRecord]
	right atomic.Pointer[callerRecord]
	addr  uintptr

	calls   atomic.Uint64
	nsecs   atomic.Uint64
	secs    atomic.Uint64
	calling atomic.Uint64
	unwind  atomic.Uint32
}

// funcRecord aggregates one instrumented function. It owns a bucket
// table of caller trees keyed by caller address.
type funcRecord struct {
	left  atomic.Pointer[funcRecord]
	right atomic.Pointer[funcRecord]
	addr  uintptr

	caller [callerTableSize]atomic.Pointer[callerRecord]

	calls  atomic.Uint64
	funcs  atomic.Uint64
	nsecs  atomic.Uint64
	secs   atomic.Uint64
	unwind atomic.Uint32
	depth  atomic.Uint32
}

// stackFrame is one entry of a per-thread call stack. used accumulates
// the CPU time spent while this frame was the top of the stack,
// excluding children; both fields grow without nanosecond
// normalization and are flattened only at dump time.
type stackFrame struct {
	fn   *funcRecord
	call *callerRecord
	used unix.Timespec
}

var (
	funcRecordSize   = unsafe.Sizeof(funcRecord{})
	callerRecordSize = unsafe.Sizeof(callerRecord{})
)

// allocPools preallocates both record pools, zeroed. Bump allocation
// happens in index.go under the pool mutexes.
func (p *Profile) allocPools() {
	p.funcPool = make([]funcRecord, p.cfg.FuncPool)
	p.callerPool = make([]callerRecord, p.cfg.CallerPool)
}
