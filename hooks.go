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

// FuncEnter records entry into an instrumented function. fn is the
// callee address, caller the return site. The first hook on a thread
// creates its record; afterwards the elapsed thread CPU since the last
// hook is charged to the interrupted frame before the new frame is
// pushed. No work is attributed to the new frame between its
// installation and the final clock sample.
func (p *Profile) FuncEnter(fn, caller uintptr) {
	if p == nil || p.errState.Load() {
		return
	}

	stamp, err := p.threadClock()
	if err != nil {
		if p.cfg.Strict {
			p.failTime()
		}
		return
	}

	tid := unix.Gettid()
	tt := p.currentThread(tid)
	if tt == nil {
		tt = p.newThread(tid)
	} else {
		d := timeDelta(stamp, tt.startTime)
		f := &tt.stack[tt.stackIndex]
		f.used.Nsec += d.Nsec
		f.used.Sec += d.Sec
		f.call.calling.Add(1)
	}

	tt.stackIndex++
	if tt.stackIndex == p.stackLimit {
		p.stackExhausted.Store(true)
		p.fail("time stack exhausted")
		return
	}
	if d := uint32(tt.stackIndex); d > tt.depth {
		tt.depth = d
	}
	tt.funcs++

	e := p.lookupFunc(fn)
	if e == nil {
		return
	}
	c := p.lookupCaller(e, caller)
	if c == nil {
		return
	}

	f := &tt.stack[tt.stackIndex]
	f.fn = e
	f.call = c
	f.used = unix.Timespec{}

	c.calls.Add(1)

	ts, err := p.threadClock()
	if err != nil {
		if p.cfg.Strict {
			p.failTime()
		}
		return
	}
	tt.startTime = ts
}

// FuncExit records the matching return. The frame's accumulated self
// time plus the elapsed time since the last hook is charged to its
// caller record; when the stack empties the thread totals are folded
// into the root function record and the thread record is released.
func (p *Profile) FuncExit(fn, caller uintptr) {
	if p == nil || p.errState.Load() {
		return
	}

	stamp, err := p.threadClock()
	if err != nil {
		if p.cfg.Strict {
			p.failTime()
		}
		return
	}

	tt := p.currentThread(unix.Gettid())
	if tt == nil || tt.stackIndex == 0 {
		// An exit without a matching entry means control flow the
		// instrumentation cannot follow.
		p.fail("unmatched exit hook")
		return
	}

	f := &tt.stack[tt.stackIndex]

	if p.cfg.Strict && (f.fn.addr != fn || f.call.addr != caller) {
		// Nonlocal jump: the frame on top is not the one returning.
		p.fail("entry/exit mismatch")
		return
	}

	d := timeDelta(stamp, tt.startTime)
	nsec := uint64(f.used.Nsec + d.Nsec)
	sec := uint64(f.used.Sec + d.Sec)

	f.call.nsecs.Add(nsec)
	f.call.secs.Add(sec)
	tt.nsecs += nsec
	tt.secs += sec

	tt.stackIndex--
	if tt.stackIndex == 0 {
		e := f.fn
		e.funcs.Add(tt.funcs)
		e.calls.Add(1)
		e.secs.Add(tt.secs)
		e.nsecs.Add(tt.nsecs)
		updateDepth(e, tt.depth)

		p.numThreads.Add(-1)
		p.removeThread(tt)
		return
	}

	ts, err := p.threadClock()
	if err != nil {
		if p.cfg.Strict {
			p.failTime()
		}
		return
	}
	tt.startTime = ts
}
