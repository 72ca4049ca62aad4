package profiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver resolves offsets from a fixed table, standing in for
// the addr2line subprocess.
type fakeResolver struct {
	syms    map[uint64]Symbol
	started []string
	open    bool
}

func (r *fakeResolver) Start(file string) error {
	r.started = append(r.started, file)
	r.open = true
	return nil
}

func (r *fakeResolver) Lookup(offset uint64) (Symbol, bool, error) {
	s, ok := r.syms[offset]
	if !ok {
		return Symbol{}, false, nil
	}
	s.Offset = offset
	return s, true, nil
}

func (r *fakeResolver) Close() error {
	r.open = false
	return nil
}

// chainFixture is the call chain d -> c -> b -> a: each TRACE
// names a function and the return site inside its caller.
func chainFixture() (*TraceData, *fakeResolver) {
	td := &TraceData{
		Runtime:   5000000000,
		CPUUsage:  4000000000,
		MaxRSS:    10240,
		FPoolUse:  4,
		FPoolSize: 1000,
		FPoolMem:  1 << 17,
		CPoolUse:  4,
		CPoolSize: 5000,
		CPoolMem:  1 << 18,
		StackSize: 100,
		ThreadMem: 3432,
		MaxThread: 1,
		Cmd:       "/usr/bin/app",
		Maps: []*Mapping{
			{Start: 0x1000, End: 0x2000, File: "/usr/bin/app", brief: "app"},
		},
		Traces: []*TraceRecord{
			{Func: 0x1010, Caller: 0x1024, Calls: 1, Nsecs: 100},
			{Func: 0x1020, Caller: 0x1034, Calls: 2, Nsecs: 200},
			{Func: 0x1030, Caller: 0x1044, Calls: 3, Nsecs: 300},
			{Func: 0x1040, Caller: 0x0999, Calls: 1, Nsecs: 400},
		},
		Threads: []*ThreadRecord{
			{Func: 0x1040, Calls: 1, Nsecs: 1000, Funcs: 7, Unwind: 0, Depth: 4},
		},
	}
	res := &fakeResolver{syms: map[uint64]Symbol{
		0x10: {Name: "a", File: "app.c", Line: 1},
		0x20: {Name: "b", File: "app.c", Line: 2},
		0x24: {Name: "b", File: "app.c", Line: 2},
		0x30: {Name: "c", File: "app.c", Line: 3},
		0x34: {Name: "c", File: "app.c", Line: 3},
		0x40: {Name: "d", File: "app.c", Line: 4},
		0x44: {Name: "d", File: "app.c", Line: 4},
	}}
	return td, res
}

func TestAnalysisJoins(t *testing.T) {
	td, res := chainFixture()
	a, err := NewAnalysis(td, res, false)
	require.NoError(t, err)

	require.Len(t, a.sorted, 4)
	for i, want := range []int{0, 1, 2, 3} {
		assert.Equal(t, want, a.sorted[i].funcID, "funcid of trace %d", i)
		require.NotNil(t, a.sorted[i].funcData, "funcdata of trace %d", i)
	}
	assert.Equal(t, "a", a.sorted[0].funcData.fn)
	assert.Equal(t, "d", a.sorted[3].funcData.fn)
	assert.Equal(t, "/usr/bin/app", a.sorted[0].funcMap.File)

	// Caller 0x1024 lives in b, whose funcid is 1; the synthetic host
	// site below the mapping resolves to nothing.
	assert.Equal(t, 1, a.sorted[0].callerID)
	assert.Equal(t, 2, a.sorted[1].callerID)
	assert.Equal(t, 3, a.sorted[2].callerID)
	assert.Equal(t, -1, a.sorted[3].callerID)
	assert.Nil(t, a.sorted[3].callerData)

	require.Len(t, a.jobs, 1)
	require.NotNil(t, a.jobs[0].funcData)
	assert.Equal(t, "d", a.jobs[0].funcData.fn)

	assert.Equal(t, []string{"/usr/bin/app"}, res.started)
	assert.False(t, res.open, "resolver session left open")
}

func TestAnalysisSearch(t *testing.T) {
	td, res := chainFixture()
	a, err := NewAnalysis(td, res, false)
	require.NoError(t, err)

	for id := 0; id < 4; id++ {
		idx := a.searchFunc(id)
		require.NotEqual(t, -1, idx, "funcid %d", id)
		assert.Equal(t, id, a.sorted[idx].funcID)
		for idx > 0 && a.sorted[idx-1].funcID == id {
			t.Errorf("searchFunc(%d) did not rewind to the group start", id)
			break
		}
	}

	// funcid 0 (a) is nobody's caller; 1..3 are.
	assert.Equal(t, -1, a.searchCaller(0))
	for id := 1; id < 4; id++ {
		idx := a.searchCaller(id)
		require.NotEqual(t, -1, idx, "callerid %d", id)
		assert.Equal(t, id, a.sortedCaller[idx].callerID)
	}
}

func TestCallTreeRoots(t *testing.T) {
	td, res := chainFixture()
	a, err := NewAnalysis(td, res, false)
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, a.Tree(&sb, ""))

	want := "\nComplete function call tree:\n\n" +
		"a  (app.c:1)\n" +
		"  b  (app.c:2)\n" +
		"    c  (app.c:3)\n" +
		"      d  (app.c:4)\n"
	assert.Equal(t, want, sb.String())
}

func TestCallTreeNamedFunction(t *testing.T) {
	td, res := chainFixture()
	a, err := NewAnalysis(td, res, false)
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, a.Tree(&sb, "c"))
	want := "\nFunction call tree for c:\n\n" +
		"c  (app.c:3)\n" +
		"  d  (app.c:4)\n"
	assert.Equal(t, want, sb.String())

	assert.Error(t, a.Tree(&sb, "nosuchfunction"))
}

func TestAdjustSubtractsOverhead(t *testing.T) {
	td := &TraceData{
		Traces: []*TraceRecord{
			{Func: 0x1000, Caller: 0x2000, Calls: 10, Nsecs: 1000000, Calling: 5, Unwind: 0},
		},
		Threads: []*ThreadRecord{
			{Func: 0x1000, Calls: 10, Nsecs: 1000000, Funcs: 10, Unwind: 0},
		},
	}
	a, err := NewAnalysis(td, nil, false)
	require.NoError(t, err)

	a.Adjust(50)
	assert.Equal(t, uint64(999250), a.sorted[0].Nsecs)
	assert.Equal(t, uint64(999500), a.jobs[0].Nsecs)
	assert.Equal(t, uint64(99950), a.jobs[0].avg)
}

func TestAdjustClampsAtZero(t *testing.T) {
	td := &TraceData{
		Traces: []*TraceRecord{
			{Func: 0x1000, Caller: 0x2000, Calls: 100, Nsecs: 10, Calling: 0, Unwind: 0},
		},
		Threads: []*ThreadRecord{
			{Func: 0x1000, Calls: 100, Nsecs: 10, Funcs: 100, Unwind: 0},
		},
	}
	a, err := NewAnalysis(td, nil, false)
	require.NoError(t, err)

	a.Adjust(1000)
	assert.Zero(t, a.sorted[0].Nsecs)
	assert.Zero(t, a.jobs[0].Nsecs)
	assert.Zero(t, a.jobs[0].avg)
}

func TestAdjustZeroIsIdentity(t *testing.T) {
	td, res := chainFixture()
	a, err := NewAnalysis(td, res, false)
	require.NoError(t, err)

	a.Adjust(0)
	assert.Equal(t, uint64(100), a.sorted[0].Nsecs)
	assert.Equal(t, uint64(200), a.sorted[1].Nsecs)
	assert.Equal(t, uint64(300), a.sorted[2].Nsecs)
	assert.Equal(t, uint64(400), a.sorted[3].Nsecs)
	assert.Equal(t, uint64(1000), a.jobs[0].Nsecs)
	assert.Equal(t, uint64(1000), a.jobs[0].avg)
}

func TestBuildProfile(t *testing.T) {
	td, res := chainFixture()
	a, err := NewAnalysis(td, res, false)
	require.NoError(t, err)
	a.Adjust(0)

	prof := a.BuildProfile()
	require.NoError(t, prof.CheckValid())
	assert.Len(t, prof.Sample, 4)
	assert.Equal(t, int64(td.Runtime), prof.DurationNanos)

	names := map[string]bool{}
	for _, fn := range prof.Function {
		names[fn.Name] = true
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		assert.True(t, names[want], "missing function %s", want)
	}
}
