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
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// threadRecord is the per-thread state: a pre-sized call stack and the
// running totals folded into the root function record when the stack
// empties. Records are keyed by OS thread id and only ever touched by
// their owning thread, except during shutdown when no instrumented
// code runs anymore.
type threadRecord struct {
	next       atomic.Pointer[threadRecord]
	tid        int
	tableIndex int

	stackIndex int
	unwind     uint32
	depth      uint32
	funcs      uint64
	nsecs      uint64
	secs       uint64
	startTime  unix.Timespec

	stack []stackFrame
}

// currentThread finds the calling thread's record, or nil before the
// first hook on this thread. Chain reads are lock-free; insertion and
// removal splice under the table mutex.
func (p *Profile) currentThread(tid int) *threadRecord {
	for t := p.threads[tid&(threadTableSize-1)].Load(); t != nil; t = t.next.Load() {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

// newThread allocates and registers the record for tid. This is the
// only allocation the hooks ever perform: once each time a thread
// enters instrumented code with an empty stack, since the exit hook
// releases the record when the stack empties again.
func (p *Profile) newThread(tid int) *threadRecord {
	tt := &threadRecord{
		tid:        tid,
		tableIndex: tid & (threadTableSize - 1),
		stack:      make([]stackFrame, p.stackLimit),
	}

	p.threadMu.Lock()
	tt.next.Store(p.threads[tt.tableIndex].Load())
	p.threads[tt.tableIndex].Store(tt)
	p.threadMu.Unlock()

	n := p.numThreads.Add(1)
	for {
		m := p.maxThreads.Load()
		if n <= m || p.maxThreads.CompareAndSwap(m, n) {
			break
		}
	}
	return tt
}

// removeThread unlinks tt from the table.
func (p *Profile) removeThread(tt *threadRecord) {
	p.threadMu.Lock()
	slot := &p.threads[tt.tableIndex]
	for t := slot.Load(); t != nil; t = slot.Load() {
		if t == tt {
			slot.Store(t.next.Load())
			break
		}
		slot = &t.next
	}
	p.threadMu.Unlock()
}

// stackUnwind folds every live frame of tt into its caller record,
// walking from the top of the stack down. mode 0 is a forced unwind
// and counts each popped frame as unwound; mode 1 counts no frame as
// unwound, and ThreadExit uses it only when the bottom frame alone is
// live and completed normally. When the bottom frame is reached the
// thread totals are
// attributed to its function record exactly as a normal top-level
// return would do.
func (p *Profile) stackUnwind(tt *threadRecord, mode int) {
	for ; tt.stackIndex > 0; tt.stackIndex-- {
		f := &tt.stack[tt.stackIndex]

		f.call.secs.Add(uint64(f.used.Sec))
		f.call.nsecs.Add(uint64(f.used.Nsec))
		if mode == 0 {
			f.call.unwind.Add(1)
		}

		tt.secs += uint64(f.used.Sec)
		tt.nsecs += uint64(f.used.Nsec)
		if mode == 0 {
			tt.unwind++
		}

		if tt.stackIndex == 1 {
			e := f.fn
			e.calls.Add(1)
			e.secs.Add(tt.secs)
			e.nsecs.Add(tt.nsecs)
			e.funcs.Add(tt.funcs)
			e.unwind.Add(tt.unwind)
			updateDepth(e, tt.depth)
		}
	}
}

// ThreadExit finalizes the calling thread's state when it terminates
// inside instrumented code, the moral equivalent of a pthread key
// destructor. Threads that return normally through their outermost
// instrumented function need no call: the exit hook already released
// their record. If exactly the outermost frame is still live, the
// elapsed time since the last hook is charged to it and it counts as a
// normal completion; if more frames are live, every one of them, the
// outermost included, counts as unwound.
func (p *Profile) ThreadExit() {
	tt := p.currentThread(unix.Gettid())
	if tt == nil {
		return
	}
	if !p.errState.Load() && tt.stackIndex > 0 {
		mode := 0
		if tt.stackIndex == 1 {
			stamp, err := p.threadClock()
			if err != nil {
				p.failTime()
				return
			}
			d := timeDelta(stamp, tt.startTime)
			tt.stack[1].used.Nsec += d.Nsec
			tt.stack[1].used.Sec += d.Sec
			mode = 1
		}
		p.stackUnwind(tt, mode)
		p.removeThread(tt)
	}
	p.numThreads.Add(-1)
}
