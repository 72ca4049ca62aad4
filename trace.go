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
	"os"
	"path"
	"strconv"
	"strings"
)

// TraceRecord is one TRACE: line, the aggregate of one
// (function, caller) pair.
type TraceRecord struct {
	Func    uint64
	Caller  uint64
	Calls   uint64
	Nsecs   uint64
	Calling uint64
	Unwind  uint64

	funcData   *addrInfo
	callerData *addrInfo
	funcMap    *Mapping
	callerMap  *Mapping
	funcID     int
	callerID   int
}

// ThreadRecord is one THREAD: line, the per-root-function aggregate of
// completed top-level calls.
type ThreadRecord struct {
	Func   uint64
	Calls  uint64
	Nsecs  uint64
	Funcs  uint64
	Unwind uint64
	Depth  uint64

	avg      uint64
	funcData *addrInfo
	funcMap  *Mapping
}

// Mapping is one MAP: line, an executable region of the profiled
// process.
type Mapping struct {
	Start uint64
	End   uint64
	File  string

	brief string
}

// TraceData is a parsed trace dump.
type TraceData struct {
	Cmd string

	Runtime  uint64
	CPUUsage uint64
	MaxRSS   uint64

	FPoolUse  int
	FPoolSize int
	FPoolMem  int
	CPoolUse  int
	CPoolSize int
	CPoolMem  int
	StackSize int
	ThreadMem int
	MaxThread int

	Traces  []*TraceRecord
	Threads []*ThreadRecord
	Maps    []*Mapping

	// Errors holds any ERROR: lines found in the dump, verbatim.
	Errors []string
}

// ReadTrace parses the dump at fn. Lines with unknown prefixes and
// malformed lines are skipped silently. prefix, when nonempty, is
// prepended to the CMD path and every MAP file path, for traces taken
// inside a chroot.
func ReadTrace(fn, prefix string) (*TraceData, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	td := &TraceData{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "TRACE: "):
			td.parseTrace(line[7:])
		case strings.HasPrefix(line, "THREAD: "):
			td.parseThread(line[8:])
		case strings.HasPrefix(line, "MAP: "):
			td.parseMap(line[5:], prefix)
		case strings.HasPrefix(line, "INFO: "):
			td.parseInfo(line[6:])
		case strings.HasPrefix(line, "CMD: "):
			td.parseCmd(line[5:], prefix)
		case strings.HasPrefix(line, "ERROR: "):
			td.Errors = append(td.Errors, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", fn, err)
	}
	return td, nil
}

func (td *TraceData) parseTrace(s string) {
	f := strings.Fields(s)
	if len(f) != 6 {
		return
	}
	fn, err0 := parseAddr(f[0])
	caller, err1 := parseAddr(f[1])
	calls, err2 := strconv.ParseUint(f[2], 10, 64)
	nsecs, err3 := strconv.ParseUint(f[3], 10, 64)
	calling, err4 := strconv.ParseUint(f[4], 10, 64)
	unwind, err5 := strconv.ParseUint(f[5], 10, 64)
	if err0 != nil || err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return
	}
	td.Traces = append(td.Traces, &TraceRecord{
		Func:    fn,
		Caller:  caller,
		Calls:   calls,
		Nsecs:   nsecs,
		Calling: calling,
		Unwind:  unwind,
	})
}

func (td *TraceData) parseThread(s string) {
	f := strings.Fields(s)
	if len(f) != 6 {
		return
	}
	fn, err0 := parseAddr(f[0])
	calls, err1 := strconv.ParseUint(f[1], 10, 64)
	nsecs, err2 := strconv.ParseUint(f[2], 10, 64)
	funcs, err3 := strconv.ParseUint(f[3], 10, 64)
	unwind, err4 := strconv.ParseUint(f[4], 10, 64)
	depth, err5 := strconv.ParseUint(f[5], 10, 64)
	if err0 != nil || err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return
	}
	td.Threads = append(td.Threads, &ThreadRecord{
		Func:   fn,
		Calls:  calls,
		Nsecs:  nsecs,
		Funcs:  funcs,
		Unwind: unwind,
		Depth:  depth,
	})
}

func (td *TraceData) parseMap(s, prefix string) {
	f := strings.Fields(s)
	if len(f) != 3 {
		return
	}
	start, err0 := parseAddr(f[0])
	end, err1 := parseAddr(f[1])
	if err0 != nil || err1 != nil {
		return
	}
	file := f[2]
	if prefix != "" {
		file = prefix + "/" + file
	}
	td.Maps = append(td.Maps, &Mapping{
		Start: start,
		End:   end,
		File:  file,
		brief: path.Base(file),
	})
}

func (td *TraceData) parseInfo(s string) {
	key, val, ok := strings.Cut(s, " ")
	if !ok {
		return
	}
	switch key {
	case "runtime":
		td.Runtime, _ = strconv.ParseUint(val, 10, 64)
	case "cpu-usage":
		td.CPUUsage, _ = strconv.ParseUint(val, 10, 64)
	case "maxrss":
		td.MaxRSS, _ = strconv.ParseUint(val, 10, 64)
	case "f-pool-use":
		td.FPoolUse, _ = strconv.Atoi(val)
	case "f-pool-size":
		td.FPoolSize, _ = strconv.Atoi(val)
	case "f-pool-mem":
		td.FPoolMem, _ = strconv.Atoi(val)
	case "c-pool-use":
		td.CPoolUse, _ = strconv.Atoi(val)
	case "c-pool-size":
		td.CPoolSize, _ = strconv.Atoi(val)
	case "c-pool-mem":
		td.CPoolMem, _ = strconv.Atoi(val)
	case "stack-size":
		td.StackSize, _ = strconv.Atoi(val)
	case "thread-mem":
		td.ThreadMem, _ = strconv.Atoi(val)
	case "max-threads":
		td.MaxThread, _ = strconv.Atoi(val)
	}
}

func (td *TraceData) parseCmd(s, prefix string) {
	cmd := strings.TrimSpace(s)
	if cmd == "" {
		return
	}
	if prefix != "" {
		cmd = prefix + "/" + cmd
	}
	td.Cmd = cmd
}

// parseAddr parses a hex address token, with or without 0x prefix.
func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
