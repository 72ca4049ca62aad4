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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Dump finalizes the profile and writes the textual trace. It unwinds
// every thread still registered, decides whether this process is the
// one that writes (PID captured at init versus the daemon option) and
// emits the CMD, INFO, MAP, TRACE and THREAD sections followed by any
// ERROR lines. Safe data is written even when profiling failed
// partway; only the specific ERROR lines tell the reader how far to
// trust it. Dump runs once; later calls do nothing and return nil.
func (p *Profile) Dump() error {
	if p == nil || p.disabled {
		return nil
	}
	var err error
	p.dumpOnce.Do(func() { err = p.dump() })
	return err
}

func (p *Profile) dump() error {
	cpu, cerr := p.processClock()
	stamp, werr := p.wallClock()
	var ru unix.Rusage
	rerr := unix.Getrusage(unix.RUSAGE_SELF, &ru)
	if cerr != nil || werr != nil || rerr != nil {
		p.failTime()
	}

	// Any thread that never returned through its outermost frame is
	// force-unwound. Single-threaded from here on.
	if !p.errState.Load() {
		for i := range p.threads {
			for tt := p.threads[i].Load(); tt != nil; tt = p.threads[i].Load() {
				p.threads[i].Store(tt.next.Load())
				p.stackUnwind(tt, 0)
			}
		}
	}

	runtime := timeDelta(stamp, p.startWall)

	// Fork policy: by default only the process captured at init
	// writes; with the daemon option only a child does.
	if p.pid == os.Getpid() {
		if p.cfg.Daemon {
			p.releasePools()
			return nil
		}
	} else if !p.cfg.Daemon {
		p.releasePools()
		return nil
	}

	f, err := os.Create(p.cfg.LogFile)
	if err != nil {
		p.releasePools()
		return fmt.Errorf("profiler: opening %s: %w", p.cfg.LogFile, err)
	}
	w := bufio.NewWriter(f)

	if p.funcPool != nil {
		p.dumpCmd(w)
		fmt.Fprintf(w, "INFO: runtime %d\n", timeNsec(runtime))
		fmt.Fprintf(w, "INFO: cpu-usage %d\n", timeNsec(cpu))
		fmt.Fprintf(w, "INFO: maxrss %d\n", ru.Maxrss)
		fmt.Fprintf(w, "INFO: f-pool-use %d\n", p.fpoolUsed)
		fmt.Fprintf(w, "INFO: f-pool-size %d\n", p.cfg.FuncPool)
		fmt.Fprintf(w, "INFO: f-pool-mem %d\n", p.cfg.FuncPool*int(funcRecordSize))
		fmt.Fprintf(w, "INFO: c-pool-use %d\n", p.cpoolUsed)
		fmt.Fprintf(w, "INFO: c-pool-size %d\n", p.cfg.CallerPool)
		fmt.Fprintf(w, "INFO: c-pool-mem %d\n", p.cfg.CallerPool*int(callerRecordSize))
		fmt.Fprintf(w, "INFO: stack-size %d\n", p.stackLimit-1)
		fmt.Fprintf(w, "INFO: thread-mem %d\n", p.threadSize)
		fmt.Fprintf(w, "INFO: max-threads %d\n", p.maxThreads.Load())
		dumpMaps(w, os.Getpid())
		for i := range p.root {
			if e := p.root[i].Load(); e != nil {
				funcWalk(w, e)
			}
		}
	}

	if p.errState.Load() {
		if !p.funcExhausted.Load() && !p.callerExhausted.Load() &&
			!p.stackExhausted.Load() && !p.timeError.Load() {
			fmt.Fprintf(w, "ERROR: internal or resource problem\n")
		}
		if p.funcExhausted.Load() {
			fmt.Fprintf(w, "ERROR: func pool exhausted\n")
		}
		if p.callerExhausted.Load() {
			fmt.Fprintf(w, "ERROR: caller pool exhausted\n")
		}
		if p.stackExhausted.Load() {
			fmt.Fprintf(w, "ERROR: time stack exhausted\n")
		}
		if p.timeError.Load() {
			fmt.Fprintf(w, "ERROR: time access failure\n")
		}
	}

	err = w.Flush()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	p.releasePools()
	if err != nil {
		return fmt.Errorf("profiler: writing %s: %w", p.cfg.LogFile, err)
	}
	p.log.Debug().Str("file", p.cfg.LogFile).Msg("trace written")
	return nil
}

// dumpCmd emits the canonical absolute path of the executable. Omitted
// when the OS will not tell.
func (p *Profile) dumpCmd(w io.Writer) {
	var exe string
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		exe, _ = proc.Exe()
	}
	if exe == "" {
		exe, _ = os.Executable()
	}
	if exe != "" {
		fmt.Fprintf(w, "CMD: %s\n", exe)
	}
}

// callerWalk prints the TRACE lines of one caller tree, children
// before node.
func callerWalk(w io.Writer, c *callerRecord, fn uintptr) {
	if l := c.left.Load(); l != nil {
		callerWalk(w, l, fn)
	}
	if r := c.right.Load(); r != nil {
		callerWalk(w, r, fn)
	}
	fmt.Fprintf(w, "TRACE: 0x%x 0x%x %d %d %d %d\n", fn, c.addr,
		c.calls.Load(), c.secs.Load()*1000000000+c.nsecs.Load(),
		c.calling.Load(), c.unwind.Load())
}

// funcWalk prints one function tree: all caller TRACE lines, then the
// THREAD line for functions that completed at least one top-level
// call. Mid-stack-only functions deliberately have no THREAD line;
// the analyzer tolerates that and the format depends on it.
func funcWalk(w io.Writer, e *funcRecord) {
	if l := e.left.Load(); l != nil {
		funcWalk(w, l)
	}
	if r := e.right.Load(); r != nil {
		funcWalk(w, r)
	}
	for i := range e.caller {
		if c := e.caller[i].Load(); c != nil {
			callerWalk(w, c, e.addr)
		}
	}
	if calls := e.calls.Load(); calls != 0 {
		fmt.Fprintf(w, "THREAD: 0x%x %d %d %d %d %d\n", e.addr,
			calls, e.secs.Load()*1000000000+e.nsecs.Load(),
			e.funcs.Load(), e.unwind.Load(), e.depth.Load())
	}
}

func (p *Profile) releasePools() {
	p.funcPool = nil
	p.callerPool = nil
}
