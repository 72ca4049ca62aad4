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

// The profiler command post-processes an instrumentation trace into
// human-readable reports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/not1337/profiler"
)

const usageText = `Usage: profiler [-s] [-i instrumentation] [OPTIONS]

Options:
-s                 print only file name, not full path to file
-i instrumentation profiling output, default is 'instrumentation.out'
-p <prefix>        process pathnames with chroot <prefix>
-g <adjust>        clock_gettime correction in nanoseconds
-S                 show summary
-c                 list functions sorted by amount of calls
-C                 list functions sorted by total cpu time used
-a                 list functions sorted by calls, show avg. cpu time per call
-A                 list functions sorted by average cpu time per call
-t                 list threads sorted by amount of invocations
-T                 list threads sorted by total cpu time used
-w                 list threads sorted by invocations, avg. cpu time per call
-W                 list threads sorted by average cpu time per call
-f                 show complete function call tree(s)
-F function        show function call tree for <function>
--pprof <file>     additionally write the joined trace as a pprof profile

Note that call trees are based on actually executed calls.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	os.Exit(1)
}

type options struct {
	brief   bool
	input   string
	prefix  string
	adjust  int
	summary bool

	funcCalls    bool
	funcCPU      bool
	funcCallsAvg bool
	funcAvgCPU   bool

	threadCalls    bool
	threadCPU      bool
	threadCallsAvg bool
	threadAvgCPU   bool

	tree     bool
	treeFunc string
	pprofOut string
}

func main() {
	fs := pflag.NewFlagSet("profiler", pflag.ContinueOnError)
	fs.Usage = usage

	var o options
	fs.BoolVarP(&o.brief, "brief", "s", false, "print only file names")
	fs.StringVarP(&o.input, "input", "i", "instrumentation.out", "profiling output file")
	fs.StringVarP(&o.prefix, "prefix", "p", "", "chroot prefix for pathnames")
	fs.IntVarP(&o.adjust, "adjust", "g", 0, "clock_gettime correction in nanoseconds")
	fs.BoolVarP(&o.summary, "summary", "S", false, "show summary")
	fs.BoolVarP(&o.funcCalls, "calls", "c", false, "functions by amount of calls")
	fs.BoolVarP(&o.funcCPU, "cpu", "C", false, "functions by total cpu time")
	fs.BoolVarP(&o.funcCallsAvg, "calls-avg", "a", false, "functions by calls, avg. cpu time")
	fs.BoolVarP(&o.funcAvgCPU, "avg-cpu", "A", false, "functions by average cpu time")
	fs.BoolVarP(&o.threadCalls, "thread-calls", "t", false, "threads by amount of invocations")
	fs.BoolVarP(&o.threadCPU, "thread-cpu", "T", false, "threads by total cpu time")
	fs.BoolVarP(&o.threadCallsAvg, "thread-calls-avg", "w", false, "threads by invocations, avg. cpu time")
	fs.BoolVarP(&o.threadAvgCPU, "thread-avg-cpu", "W", false, "threads by average cpu time")
	fs.BoolVarP(&o.tree, "tree", "f", false, "show complete function call tree(s)")
	fs.StringVarP(&o.treeFunc, "function", "F", "", "show function call tree for function")
	fs.StringVar(&o.pprofOut, "pprof", "", "write a pprof profile to file")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	op := o.funcCalls || o.funcCPU || o.funcCallsAvg || o.funcAvgCPU ||
		o.threadCalls || o.threadCPU || o.threadCallsAvg || o.threadAvgCPU ||
		o.tree || o.treeFunc != "" || o.summary
	if fs.NArg() != 0 || !op || o.adjust < 0 || o.adjust > 100000 {
		usage()
	}

	if err := run(&o); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(o *options) error {
	td, err := profiler.ReadTrace(o.input, o.prefix)
	if err != nil {
		return err
	}
	for _, e := range td.Errors {
		fmt.Println(e)
	}
	if len(td.Errors) > 0 {
		return fmt.Errorf("trace contains errors")
	}

	res := &profiler.Addr2line{Basenames: o.brief}
	a, err := profiler.NewAnalysis(td, res, o.brief)
	if err != nil {
		return err
	}
	a.Adjust(o.adjust)

	w := os.Stdout
	if o.funcCalls {
		a.Tops(w, profiler.SortCalls)
	}
	if o.funcCPU {
		a.Tops(w, profiler.SortCPU)
	}
	if o.funcCallsAvg {
		a.Tops(w, profiler.SortCallsAvg)
	}
	if o.funcAvgCPU {
		a.Tops(w, profiler.SortAvgCPU)
	}
	if o.threadCalls {
		a.Threads(w, profiler.SortCalls)
	}
	if o.threadCPU {
		a.Threads(w, profiler.SortCPU)
	}
	if o.threadCallsAvg {
		a.Threads(w, profiler.SortCallsAvg)
	}
	if o.threadAvgCPU {
		a.Threads(w, profiler.SortAvgCPU)
	}
	if o.tree {
		if err := a.Tree(w, ""); err != nil {
			return err
		}
	}
	if o.treeFunc != "" {
		if err := a.Tree(w, o.treeFunc); err != nil {
			return err
		}
	}
	if o.summary {
		a.Summary(w)
	}
	if o.pprofOut != "" {
		if err := profiler.WriteProfile(o.pprofOut, a.BuildProfile()); err != nil {
			return fmt.Errorf("writing pprof profile: %w", err)
		}
	}
	return nil
}
