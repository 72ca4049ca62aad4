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
	"errors"

	"golang.org/x/exp/slices"
)

// ErrIncompleteInput is returned when a dump contains no TRACE lines.
var ErrIncompleteInput = errors.New("incomplete input")

// addrInfo is one symbolized address.
type addrInfo struct {
	addr uint64
	fn   string
	file string
	line int
}

// Analysis joins a parsed trace with symbol and mapping data and
// produces the reports. Construction sorts the trace three ways,
// resolves every unique address through the Resolver, assigns each
// function a compact id and each caller the id of the function its
// address belongs to, matched by function name and source file since
// the raw addresses may differ through PLT stubs.
type Analysis struct {
	td    *TraceData
	brief bool

	sortedMaps []*Mapping
	addrs      []*addrInfo

	sorted       []*TraceRecord // by (func, caller)
	sortedCaller []*TraceRecord // by (callerid, caller)
	jobs         []*ThreadRecord

	// base is the largest power of two below the trace count, the
	// starting step of the descending binary searches.
	base int
}

// NewAnalysis builds an Analysis from a parsed dump. res may be nil to
// skip symbolization entirely; brief selects basenames over full
// paths for mapping file names and the command path, while source
// file names are used as the resolver returns them.
func NewAnalysis(td *TraceData, res Resolver, brief bool) (*Analysis, error) {
	if len(td.Traces) == 0 {
		return nil, ErrIncompleteInput
	}

	a := &Analysis{td: td, brief: brief}

	a.sortedMaps = slices.Clone(td.Maps)
	slices.SortFunc(a.sortedMaps, func(x, y *Mapping) int {
		return cmpUint64(x.Start, y.Start)
	})

	if res != nil {
		if err := a.resolve(res); err != nil {
			return nil, err
		}
	}

	a.jobs = slices.Clone(td.Threads)
	slices.SortFunc(a.jobs, func(x, y *ThreadRecord) int {
		return cmpUint64(x.Func, y.Func)
	})
	for i, j := 0, 0; i < len(a.jobs) && j < len(a.addrs); {
		switch {
		case a.jobs[i].Func < a.addrs[j].addr:
			i++
		case a.addrs[j].addr < a.jobs[i].Func:
			j++
		default:
			a.jobs[i].funcData = a.addrs[j]
			i++
		}
	}
	for i, j := 0, 0; i < len(a.jobs) && j < len(a.sortedMaps); {
		switch {
		case a.jobs[i].Func < a.sortedMaps[j].Start:
			i++
		case a.jobs[i].Func >= a.sortedMaps[j].End:
			j++
		default:
			a.jobs[i].funcMap = a.sortedMaps[j]
			i++
		}
	}

	a.sortedCaller = slices.Clone(td.Traces)
	slices.SortFunc(a.sortedCaller, func(x, y *TraceRecord) int {
		if c := cmpUint64(x.Caller, y.Caller); c != 0 {
			return c
		}
		return cmpUint64(x.Func, y.Func)
	})
	for i, j := 0, 0; i < len(a.sortedCaller) && j < len(a.addrs); {
		switch {
		case a.sortedCaller[i].Caller < a.addrs[j].addr:
			i++
		case a.addrs[j].addr < a.sortedCaller[i].Caller:
			j++
		default:
			a.sortedCaller[i].callerData = a.addrs[j]
			i++
		}
	}
	for i, j := 0, 0; i < len(a.sortedCaller) && j < len(a.sortedMaps); {
		switch {
		case a.sortedCaller[i].Caller < a.sortedMaps[j].Start:
			i++
		case a.sortedCaller[i].Caller >= a.sortedMaps[j].End:
			j++
		default:
			a.sortedCaller[i].callerMap = a.sortedMaps[j]
			i++
		}
	}

	a.sorted = slices.Clone(td.Traces)
	slices.SortFunc(a.sorted, func(x, y *TraceRecord) int {
		if c := cmpUint64(x.Func, y.Func); c != 0 {
			return c
		}
		return cmpUint64(x.Caller, y.Caller)
	})
	for i, j := 0, 0; i < len(a.sorted) && j < len(a.addrs); {
		switch {
		case a.sorted[i].Func < a.addrs[j].addr:
			i++
		case a.addrs[j].addr < a.sorted[i].Func:
			j++
		default:
			a.sorted[i].funcData = a.addrs[j]
			i++
		}
	}
	for i, j := 0, 0; i < len(a.sorted) && j < len(a.sortedMaps); {
		switch {
		case a.sorted[i].Func < a.sortedMaps[j].Start:
			i++
		case a.sorted[i].Func >= a.sortedMaps[j].End:
			j++
		default:
			a.sorted[i].funcMap = a.sortedMaps[j]
			i++
		}
	}

	// Compact function ids over the func-sorted view.
	id := 0
	for i, t := range a.sorted {
		if i > 0 && a.sorted[i-1].Func == t.Func {
			t.funcID = a.sorted[i-1].funcID
			continue
		}
		if t.funcData != nil {
			t.funcID = id
			id++
		} else {
			t.funcID = -1
		}
	}

	// Caller ids point back at the function the caller address lives
	// in, matched by name and file.
	for i, t := range a.sortedCaller {
		if i > 0 && a.sortedCaller[i-1].Caller == t.Caller {
			t.callerID = a.sortedCaller[i-1].callerID
			continue
		}
		t.callerID = -1
		if t.callerData == nil {
			continue
		}
		for _, s := range a.sorted {
			if s.funcID != -1 &&
				s.funcData.fn == t.callerData.fn &&
				s.funcData.file == t.callerData.file {
				t.callerID = s.funcID
				break
			}
		}
	}

	slices.SortFunc(a.sortedCaller, func(x, y *TraceRecord) int {
		if x.callerID != y.callerID {
			if x.callerID < y.callerID {
				return -1
			}
			return 1
		}
		return cmpUint64(x.Caller, y.Caller)
	})

	i := 1
	for j := len(a.sorted); j != 0; j >>= 1 {
		i <<= 1
	}
	if len(a.sorted)&^(i>>1) == 0 {
		i >>= 1
	}
	a.base = i >> 1

	return a, nil
}

// resolve symbolizes every unique address found in the trace: walk the
// sorted address and mapping streams in lockstep, one resolver session
// per mapping.
func (a *Analysis) resolve(res Resolver) error {
	addrs := make([]uint64, 0, 2*len(a.td.Traces))
	for _, t := range a.td.Traces {
		addrs = append(addrs, t.Func, t.Caller)
	}
	slices.Sort(addrs)

	open := false
	for i, j := 0, 0; i < len(addrs) && j < len(a.sortedMaps); {
		if i > 0 && addrs[i-1] == addrs[i] {
			i++
			continue
		}
		m := a.sortedMaps[j]
		if addrs[i] < m.Start {
			i++
			continue
		}
		if addrs[i] >= m.End {
			if open {
				if err := res.Close(); err != nil {
					return err
				}
				open = false
			}
			j++
			continue
		}
		if !open {
			if err := res.Start(m.File); err != nil {
				return err
			}
			open = true
		}
		sym, ok, err := res.Lookup(addrs[i] - m.Start)
		if err != nil {
			return err
		}
		if ok {
			file := sym.File
			if file == "" {
				if a.brief {
					file = m.brief
				} else {
					file = m.File
				}
			}
			a.addrs = append(a.addrs, &addrInfo{
				addr: sym.Offset + m.Start,
				fn:   sym.Name,
				file: file,
				line: sym.Line,
			})
		}
		i++
	}
	if open {
		if err := res.Close(); err != nil {
			return err
		}
	}

	slices.SortFunc(a.addrs, func(x, y *addrInfo) int {
		return cmpUint64(x.addr, y.addr)
	})
	return nil
}

// Adjust subtracts the per-hook measurement overhead, adjust
// nanoseconds per recorded clock read, clamping at zero, and computes
// the per-thread averages. Callers are at least one by construction so
// the division is safe.
func (a *Analysis) Adjust(adjust int) {
	for _, t := range a.sorted {
		adj := uint64(adjust) * (t.Calls + t.Calling - t.Unwind)
		if adj > t.Nsecs {
			t.Nsecs = 0
		} else {
			t.Nsecs -= adj
		}
	}
	for _, job := range a.jobs {
		adj := uint64(adjust) * (2*job.Funcs - job.Calls - job.Unwind)
		if adj > job.Nsecs {
			job.Nsecs = 0
		} else {
			job.Nsecs -= adj
		}
		job.avg = job.Nsecs / job.Calls
	}
}

// searchCaller finds the first index in the callerid-sorted view with
// the given id, descending by halved powers of two from base, or -1.
func (a *Analysis) searchCaller(funcid int) int {
	i, x := a.base, a.base
	for {
		switch {
		case i >= len(a.sortedCaller):
			if x == 0 {
				return -1
			}
			i -= x
		case a.sortedCaller[i].callerID < funcid:
			if x == 0 {
				return -1
			}
			i += x
		case a.sortedCaller[i].callerID > funcid:
			if i == 0 || x == 0 {
				return -1
			}
			i -= x
		default:
			for i > 0 && a.sortedCaller[i-1].callerID == funcid {
				i--
			}
			return i
		}
		x >>= 1
	}
}

// searchFunc finds the first index in the func-sorted view with the
// given function id, or -1.
func (a *Analysis) searchFunc(funcid int) int {
	i, x := a.base, a.base
	for {
		switch {
		case i >= len(a.sorted):
			if x == 0 {
				return -1
			}
			i -= x
		case a.sorted[i].funcID < funcid:
			if x == 0 {
				return -1
			}
			i += x
		case a.sorted[i].funcID > funcid:
			if i == 0 || x == 0 {
				return -1
			}
			i -= x
		default:
			for i > 0 && a.sorted[i-1].funcID == funcid {
				i--
			}
			return i
		}
		x >>= 1
	}
}

func cmpUint64(x, y uint64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
