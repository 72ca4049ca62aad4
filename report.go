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
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/exp/slices"
)

// Report sort modes shared by Tops and Threads.
const (
	// SortCalls orders by call count.
	SortCalls = iota
	// SortCPU orders by total CPU time.
	SortCPU
	// SortCallsAvg orders by call count but shows average CPU per
	// call.
	SortCallsAvg
	// SortAvgCPU orders by average CPU per call.
	SortAvgCPU
)

// funcAgg is one function aggregated over all its callers.
type funcAgg struct {
	t     *TraceRecord
	calls uint64
	nsecs uint64
	avg   uint64
}

// Tops writes the top-functions report. TRACE records are grouped by
// function, calls and CPU summed over all callers, the average
// computed from the sums. Ties on the sort key break on function
// address ascending.
func (a *Analysis) Tops(w io.Writer, mode int) {
	list := make([]funcAgg, 0, len(a.sorted))
	for i, t := range a.sorted {
		if i > 0 && a.sorted[i-1].Func == t.Func {
			list[len(list)-1].calls += t.Calls
			list[len(list)-1].nsecs += t.Nsecs
			continue
		}
		list = append(list, funcAgg{t: t, calls: t.Calls, nsecs: t.Nsecs})
	}
	for i := range list {
		list[i].avg = list[i].nsecs / list[i].calls
	}

	switch mode {
	case SortCalls:
		fmt.Fprintf(w, "\nFunctions sorted by amount of calls:\n\n")
		slices.SortFunc(list, func(x, y funcAgg) int {
			if c := cmpUint64(y.calls, x.calls); c != 0 {
				return c
			}
			return cmpUint64(x.t.Func, y.t.Func)
		})
	case SortCPU:
		fmt.Fprintf(w, "\nFunctions sorted by CPU usage:\n\n")
		slices.SortFunc(list, func(x, y funcAgg) int {
			if c := cmpUint64(y.nsecs, x.nsecs); c != 0 {
				return c
			}
			return cmpUint64(x.t.Func, y.t.Func)
		})
	case SortCallsAvg:
		fmt.Fprintf(w, "\nFunctions sorted by amount of calls (avg. CPU usage):\n\n")
		slices.SortFunc(list, func(x, y funcAgg) int {
			if c := cmpUint64(y.calls, x.calls); c != 0 {
				return c
			}
			return cmpUint64(x.t.Func, y.t.Func)
		})
	case SortAvgCPU:
		fmt.Fprintf(w, "\nFunctions sorted by average CPU usage:\n\n")
		slices.SortFunc(list, func(x, y funcAgg) int {
			if c := cmpUint64(y.avg, x.avg); c != 0 {
				return c
			}
			return cmpUint64(x.t.Func, y.t.Func)
		})
	}

	fmt.Fprintf(w, "Function                                               "+
		"Calls        CPU Usage\n")
	fmt.Fprintf(w, "======================================================="+
		"=========================\n")
	for _, e := range list {
		n, _ := io.WriteString(w, rowName(e.t.funcData, e.t.funcMap, e.t.Func, a.brief))
		padColumns(w, n)
		if mode < SortCallsAvg {
			fmt.Fprintf(w, " %7d %7d.%09d\n", e.calls, e.nsecs/1000000000, e.nsecs%1000000000)
		} else {
			fmt.Fprintf(w, " %7d %7d.%09d\n", e.calls, e.avg/1000000000, e.avg%1000000000)
		}
	}
}

// Threads writes the top-threads report over the THREAD records, with
// the same four sort modes.
func (a *Analysis) Threads(w io.Writer, mode int) {
	switch mode {
	case SortCalls:
		fmt.Fprintf(w, "\nThreads sorted by amount of calls:\n\n")
		slices.SortFunc(a.jobs, func(x, y *ThreadRecord) int {
			if c := cmpUint64(y.Calls, x.Calls); c != 0 {
				return c
			}
			return cmpUint64(x.Func, y.Func)
		})
	case SortCPU:
		fmt.Fprintf(w, "\nThreads sorted by CPU usage:\n\n")
		slices.SortFunc(a.jobs, func(x, y *ThreadRecord) int {
			if c := cmpUint64(y.Nsecs, x.Nsecs); c != 0 {
				return c
			}
			return cmpUint64(x.Func, y.Func)
		})
	case SortCallsAvg:
		fmt.Fprintf(w, "\nThreads sorted by amount of calls (avg. CPU usage):\n\n")
		slices.SortFunc(a.jobs, func(x, y *ThreadRecord) int {
			if c := cmpUint64(y.Calls, x.Calls); c != 0 {
				return c
			}
			return cmpUint64(x.Func, y.Func)
		})
	case SortAvgCPU:
		fmt.Fprintf(w, "\nThreads sorted by average CPU usage:\n\n")
		slices.SortFunc(a.jobs, func(x, y *ThreadRecord) int {
			if c := cmpUint64(y.avg, x.avg); c != 0 {
				return c
			}
			return cmpUint64(x.Func, y.Func)
		})
	}

	fmt.Fprintf(w, "Thread                                           Invoca"+
		"tions        CPU Usage\n")
	fmt.Fprintf(w, "======================================================="+
		"=========================\n")
	for _, j := range a.jobs {
		n, _ := io.WriteString(w, rowName(j.funcData, j.funcMap, j.Func, a.brief))
		padColumns(w, n)
		if mode < SortCallsAvg {
			fmt.Fprintf(w, " %7d %7d.%09d\n", j.Calls, j.Nsecs/1000000000, j.Nsecs%1000000000)
		} else {
			fmt.Fprintf(w, " %7d %7d.%09d\n", j.Calls, j.avg/1000000000, j.avg%1000000000)
		}
	}
}

// Tree writes the call trees. With an empty function name it walks
// every root: a function never observed as the caller of any TRACE.
// Each function prints its callers indented two spaces per level, so
// the walk runs from the innermost calls outward to the callers that
// reached them. With a function name it walks just that function's
// tree; an unknown name is an error.
func (a *Analysis) Tree(w io.Writer, fn string) error {
	if fn == "" {
		fmt.Fprintf(w, "\nComplete function call tree:\n\n")
		for i := range a.sorted {
			if i > 0 && a.sorted[i-1].Func == a.sorted[i].Func {
				continue
			}
			if a.sorted[i].funcID == -1 {
				continue
			}
			if a.searchCaller(a.sorted[i].funcID) != -1 {
				continue
			}
			a.fwalk(w, i, 0)
		}
		return nil
	}

	fmt.Fprintf(w, "\nFunction call tree for %s:\n\n", fn)
	for i, t := range a.sorted {
		if t.funcData != nil && t.funcData.fn == fn {
			a.fwalk(w, i, 0)
			return nil
		}
	}
	return fmt.Errorf("function %s not found", fn)
}

// fwalk prints one function and recurses into each distinct caller.
func (a *Analysis) fwalk(w io.Writer, idx, level int) {
	t := a.sorted[idx]
	funcid := t.funcID

	io.WriteString(w, strings.Repeat(" ", level))
	io.WriteString(w, treeName(t.funcData, t.funcMap, t.Func, a.brief))

	callerid := -1
	for idx < len(a.sorted) && a.sorted[idx].funcID == funcid {
		cur := a.sorted[idx]
		if callerid != -1 && callerid == cur.callerID {
			idx++
			continue
		}
		callerid = cur.callerID

		if cur.callerID != -1 {
			if cidx := a.searchFunc(cur.callerID); cidx != -1 {
				a.fwalk(w, cidx, level+2)
			}
		}
		idx++
	}
}

// Summary writes the run summary: wall and CPU times, call totals,
// pool and stack usage, and the computed peak profiling memory.
func (a *Analysis) Summary(w io.Writer) {
	var depth, nsecs, calls uint64
	for _, t := range a.sorted {
		nsecs += t.Nsecs
		calls += t.Calls
	}
	for _, j := range a.jobs {
		if j.Depth > depth {
			depth = j.Depth
		}
	}

	fmt.Fprintf(w, "\nSummary:\n\n")
	if a.td.Cmd != "" {
		cmd := a.td.Cmd
		if a.brief {
			cmd = path.Base(cmd)
		}
		fmt.Fprintf(w, "Command: %s\n", cmd)
	}
	fmt.Fprintf(w, "Total run time: %d.%09d seconds\n",
		a.td.Runtime/1000000000, a.td.Runtime%1000000000)
	fmt.Fprintf(w, "Total CPU time: %d.%09d seconds\n",
		a.td.CPUUsage/1000000000, a.td.CPUUsage%1000000000)
	fmt.Fprintf(w, "Profiled CPU time: %d.%09d seconds\n",
		nsecs/1000000000, nsecs%1000000000)
	fmt.Fprintf(w, "Total function calls profiled: %d\n", calls)
	fmt.Fprintf(w, "Maximum parallelism: %d\n", a.td.MaxThread)
	fmt.Fprintf(w, "Maximum resident set size: %d kbytes\n", a.td.MaxRSS)
	fmt.Fprintf(w, "Maximum profiling memory: %d kbytes\n",
		(a.td.FPoolMem+a.td.CPoolMem+a.td.MaxThread*a.td.ThreadMem+1023)>>10)
	fmt.Fprintf(w, "Function pool usage: %d/%d\n", a.td.FPoolUse, a.td.FPoolSize)
	fmt.Fprintf(w, "Caller pool usage: %d/%d\n", a.td.CPoolUse, a.td.CPoolSize)
	fmt.Fprintf(w, "Stack usage: %d/%d\n", depth, a.td.StackSize)
}

// rowName renders a function label for the tabular reports, trailing
// space included so the column padding can account for it.
func rowName(fd *addrInfo, fm *Mapping, addr uint64, brief bool) string {
	switch {
	case fd != nil && fd.line == 0:
		return fmt.Sprintf("%s (%s) ", fd.fn, fd.file)
	case fd != nil:
		return fmt.Sprintf("%s (%s:%d) ", fd.fn, fd.file, fd.line)
	case fm != nil:
		file := fm.File
		if brief {
			file = fm.brief
		}
		return fmt.Sprintf("%s+0x%x ", file, addr-fm.Start)
	default:
		return fmt.Sprintf("0x%x ", addr)
	}
}

// treeName renders a function label for the call tree, newline
// terminated.
func treeName(fd *addrInfo, fm *Mapping, addr uint64, brief bool) string {
	switch {
	case fd != nil && fd.line == 0:
		return fmt.Sprintf("%s  (%s)\n", fd.fn, fd.file)
	case fd != nil:
		return fmt.Sprintf("%s  (%s:%d)\n", fd.fn, fd.file, fd.line)
	case fm != nil:
		file := fm.File
		if brief {
			file = fm.brief
		}
		return fmt.Sprintf("%s+0x%x\n", file, addr-fm.Start)
	default:
		return fmt.Sprintf("0x%x\n", addr)
	}
}

// padColumns pads a name of printed width n out to the numeric
// columns, in coarse steps first, then single spaces.
func padColumns(w io.Writer, n int) {
	for n < 43 {
		m, _ := io.WriteString(w, "          ")
		n += m
	}
	for n < 53 {
		m, _ := io.WriteString(w, " ")
		n += m
	}
}
