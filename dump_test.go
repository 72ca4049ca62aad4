package profiler

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
)

type dumpClocks struct {
	thread  atomic.Int64
	process atomic.Int64
	wall    atomic.Int64
}

func newDumpProfile(t *testing.T, cfg Config, c *dumpClocks) *Profile {
	t.Helper()
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(t.TempDir(), "instrumentation.out")
	}
	return New(cfg,
		TimeFunc(c.thread.Load),
		ProcessTimeFunc(c.process.Load),
		WallTimeFunc(c.wall.Load),
	)
}

func TestDumpFormat(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var c dumpClocks
	c.wall.Store(1000)
	p := newDumpProfile(t, Config{FuncPool: 8, CallerPool: 16, StackSize: 10}, &c)

	for i := 0; i < 3; i++ {
		c.thread.Store(int64(i) * 1000)
		p.FuncEnter(funcF, mainSite)
		c.thread.Store(int64(i)*1000 + 100)
		p.FuncExit(funcF, mainSite)
	}

	c.wall.Store(6000)
	c.process.Store(12345)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(p.cfg.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	for _, want := range []string{
		"INFO: runtime 5000\n",
		"INFO: cpu-usage 12345\n",
		"INFO: f-pool-use 1\n",
		"INFO: f-pool-size 8\n",
		"INFO: c-pool-use 1\n",
		"INFO: c-pool-size 16\n",
		"INFO: stack-size 10\n",
		"INFO: max-threads 1\n",
		"TRACE: 0x2000 0x1000 3 300 0 0\n",
		"THREAD: 0x2000 3 300 3 0 1\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q\noutput:\n%s", want, out)
		}
	}
	if !strings.HasPrefix(out, "CMD: /") {
		t.Errorf("dump does not begin with an absolute CMD path:\n%s", out)
	}
	if strings.Contains(out, "ERROR:") {
		t.Errorf("unexpected ERROR line:\n%s", out)
	}
}

func TestDumpRoundTrip(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var c dumpClocks
	p := newDumpProfile(t, Config{}, &c)

	c.thread.Store(0)
	p.FuncEnter(funcF, mainSite)
	c.thread.Store(10)
	p.FuncEnter(funcG, siteInF)
	c.thread.Store(25)
	p.FuncExit(funcG, siteInF)
	c.thread.Store(40)
	p.FuncExit(funcF, mainSite)

	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}

	td, err := ReadTrace(p.cfg.LogFile, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(td.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", td.Errors)
	}
	if len(td.Traces) != 2 {
		t.Fatalf("traces: want 2 got %d", len(td.Traces))
	}
	if len(td.Threads) != 1 {
		t.Fatalf("threads: want 1 got %d", len(td.Threads))
	}

	byFunc := map[uint64]*TraceRecord{}
	for _, tr := range td.Traces {
		byFunc[tr.Func] = tr
	}
	f := byFunc[uint64(funcF)]
	g := byFunc[uint64(funcG)]
	if f == nil || g == nil {
		t.Fatal("missing trace records")
	}
	if f.Caller != uint64(mainSite) || f.Calls != 1 || f.Nsecs != 25 || f.Calling != 1 || f.Unwind != 0 {
		t.Errorf("f record mismatch: %+v", f)
	}
	if g.Caller != uint64(siteInF) || g.Calls != 1 || g.Nsecs != 15 || g.Calling != 0 || g.Unwind != 0 {
		t.Errorf("g record mismatch: %+v", g)
	}

	th := td.Threads[0]
	if th.Func != uint64(funcF) || th.Calls != 1 || th.Nsecs != 40 ||
		th.Funcs != 2 || th.Unwind != 0 || th.Depth != 2 {
		t.Errorf("thread record mismatch: %+v", th)
	}
}

func TestDumpAfterPoolExhaustion(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var c dumpClocks
	p := newDumpProfile(t, Config{FuncPool: 2}, &c)

	for _, fn := range []uintptr{0x2000, 0x3000, 0x4000} {
		p.FuncEnter(fn, mainSite)
		p.FuncExit(fn, mainSite)
	}
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(p.cfg.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	if !strings.Contains(out, "ERROR: func pool exhausted\n") {
		t.Errorf("missing pool exhaustion error:\n%s", out)
	}
	// Data recorded before the failure is still present; the function
	// entered after it is not.
	if !strings.Contains(out, "TRACE: 0x2000 ") || !strings.Contains(out, "TRACE: 0x3000 ") {
		t.Errorf("pre-failure trace data missing:\n%s", out)
	}
	if strings.Contains(out, "TRACE: 0x4000 ") || strings.Contains(out, "THREAD: 0x4000 ") {
		t.Errorf("post-failure function leaked into the dump:\n%s", out)
	}
}

func TestDumpUnwindsLiveThreads(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var c dumpClocks
	p := newDumpProfile(t, Config{}, &c)

	p.FuncEnter(funcF, mainSite)
	p.FuncEnter(funcG, siteInF)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}

	td, err := ReadTrace(p.cfg.LogFile, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range td.Traces {
		if tr.Unwind != 1 {
			t.Errorf("trace 0x%x unwind: want 1 got %d", tr.Func, tr.Unwind)
		}
	}
	if len(td.Threads) != 1 || td.Threads[0].Unwind != 2 {
		t.Errorf("thread unwind mismatch: %+v", td.Threads)
	}
}

func TestDaemonPolicySkipsParent(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var c dumpClocks
	file := filepath.Join(t.TempDir(), "trace.out")
	p := newDumpProfile(t, Config{Daemon: true, LogFile: file}, &c)

	p.FuncEnter(funcF, mainSite)
	p.FuncExit(funcF, mainSite)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("daemon mode wrote the trace in the original process")
	}
}

func TestDumpRunsOnce(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var c dumpClocks
	p := newDumpProfile(t, Config{}, &c)

	p.FuncEnter(funcF, mainSite)
	p.FuncExit(funcF, mainSite)
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(p.cfg.LogFile); err != nil {
		t.Fatal(err)
	}
	if err := p.Dump(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p.cfg.LogFile); !os.IsNotExist(err) {
		t.Error("second Dump wrote the trace again")
	}
}
