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
	"os"

	"github.com/google/pprof/profile"
)

// BuildProfile converts the joined trace into a pprof profile so the
// standard tooling can consume it. Every TRACE record becomes one
// two-frame sample (function over its caller) with cpu nanoseconds and
// call count values; run it after Adjust so the overhead subtraction
// is reflected.
func (a *Analysis) BuildProfile() *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "cpu", Unit: "nanoseconds"},
			{Type: "calls", Unit: "count"},
		},
		DurationNanos: int64(a.td.Runtime),
		Sample:        make([]*profile.Sample, 0, len(a.sorted)),
	}

	for i, m := range a.sortedMaps {
		prof.Mapping = append(prof.Mapping, &profile.Mapping{
			ID:    uint64(i) + 1, // 0 is reserved by pprof
			Start: m.Start,
			Limit: m.End,
			File:  m.File,
		})
	}

	locations := make(map[uint64]*profile.Location)
	functions := make(map[string]*profile.Function)

	locationFor := func(addr uint64, fd *addrInfo, fm *Mapping) *profile.Location {
		if loc, ok := locations[addr]; ok {
			return loc
		}

		name := fmt.Sprintf("0x%x", addr)
		file := ""
		var line int64
		if fd != nil {
			name = fd.fn
			file = fd.file
			line = int64(fd.line)
		} else if fm != nil {
			name = fmt.Sprintf("%s+0x%x", fm.File, addr-fm.Start)
		}

		fn := functions[name]
		if fn == nil {
			fn = &profile.Function{
				ID:         uint64(len(functions)) + 1,
				Name:       name,
				SystemName: name,
				Filename:   file,
			}
			functions[name] = fn
		}

		loc := &profile.Location{
			ID:      uint64(len(locations)) + 1,
			Address: addr,
			Line:    []profile.Line{{Function: fn, Line: line}},
		}
		if fm != nil {
			for _, pm := range prof.Mapping {
				if pm.File == fm.File && pm.Start == fm.Start {
					loc.Mapping = pm
					break
				}
			}
		}
		locations[addr] = loc
		return loc
	}

	for _, t := range a.sorted {
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{
				locationFor(t.Func, t.funcData, t.funcMap),
				locationFor(t.Caller, t.callerData, t.callerMap),
			},
			Value: []int64{int64(t.Nsecs), int64(t.Calls)},
		})
	}

	prof.Location = make([]*profile.Location, len(locations))
	prof.Function = make([]*profile.Function, len(functions))
	for _, loc := range locations {
		prof.Location[loc.ID-1] = loc
	}
	for _, fn := range functions {
		prof.Function[fn.ID-1] = fn
	}

	return prof
}

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}
