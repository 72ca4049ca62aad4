package profiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrace(t *testing.T, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "instrumentation.out")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0o644))
	return fn
}

func TestReadTrace(t *testing.T) {
	fn := writeTrace(t, `CMD: /usr/bin/app
INFO: runtime 5000000000
INFO: cpu-usage 4000000000
INFO: maxrss 10240
INFO: f-pool-use 3
INFO: f-pool-size 1000
INFO: f-pool-mem 128000
INFO: c-pool-use 4
INFO: c-pool-size 5000
INFO: c-pool-mem 320000
INFO: stack-size 100
INFO: thread-mem 3432
INFO: max-threads 2
MAP: 0x400000 0x40c000 /usr/bin/app
TRACE: 0x401000 0x401f00 10 1000000 5 0
TRACE: 0x402000 0x401010 3 500000 0 1
THREAD: 0x401000 10 1500000 13 1 2
`)

	td, err := ReadTrace(fn, "")
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/app", td.Cmd)
	assert.Equal(t, uint64(5000000000), td.Runtime)
	assert.Equal(t, uint64(4000000000), td.CPUUsage)
	assert.Equal(t, uint64(10240), td.MaxRSS)
	assert.Equal(t, 3, td.FPoolUse)
	assert.Equal(t, 1000, td.FPoolSize)
	assert.Equal(t, 128000, td.FPoolMem)
	assert.Equal(t, 4, td.CPoolUse)
	assert.Equal(t, 100, td.StackSize)
	assert.Equal(t, 3432, td.ThreadMem)
	assert.Equal(t, 2, td.MaxThread)

	require.Len(t, td.Traces, 2)
	tr := td.Traces[0]
	assert.Equal(t, uint64(0x401000), tr.Func)
	assert.Equal(t, uint64(0x401f00), tr.Caller)
	assert.Equal(t, uint64(10), tr.Calls)
	assert.Equal(t, uint64(1000000), tr.Nsecs)
	assert.Equal(t, uint64(5), tr.Calling)
	assert.Equal(t, uint64(0), tr.Unwind)

	require.Len(t, td.Threads, 1)
	th := td.Threads[0]
	assert.Equal(t, uint64(0x401000), th.Func)
	assert.Equal(t, uint64(13), th.Funcs)
	assert.Equal(t, uint64(2), th.Depth)

	require.Len(t, td.Maps, 1)
	assert.Equal(t, uint64(0x400000), td.Maps[0].Start)
	assert.Equal(t, uint64(0x40c000), td.Maps[0].End)
	assert.Equal(t, "/usr/bin/app", td.Maps[0].File)
	assert.Empty(t, td.Errors)
}

func TestReadTraceSkipsMalformedLines(t *testing.T) {
	fn := writeTrace(t, `TRACE: 0x1000 0x2000 1 100 0 0
TRACE: 0x1000 0x2000 1 100 0
TRACE: zz 0x2000 1 100 0 0
THREAD: 0x1000 1 100
NOISE: whatever
MAP: 0x1000 /usr/bin/app
`)

	td, err := ReadTrace(fn, "")
	require.NoError(t, err)
	assert.Len(t, td.Traces, 1)
	assert.Empty(t, td.Threads)
	assert.Empty(t, td.Maps)
}

func TestReadTracePrefix(t *testing.T) {
	fn := writeTrace(t, `CMD: /usr/bin/app
MAP: 0x400000 0x40c000 /usr/bin/app
TRACE: 0x401000 0x401f00 1 100 0 0
`)

	td, err := ReadTrace(fn, "/chroot")
	require.NoError(t, err)
	assert.Equal(t, "/chroot//usr/bin/app", td.Cmd)
	assert.Equal(t, "/chroot//usr/bin/app", td.Maps[0].File)
	assert.Equal(t, "app", td.Maps[0].brief)
}

func TestReadTraceCollectsErrors(t *testing.T) {
	fn := writeTrace(t, `TRACE: 0x1000 0x2000 1 100 0 0
ERROR: func pool exhausted
`)

	td, err := ReadTrace(fn, "")
	require.NoError(t, err)
	require.Len(t, td.Errors, 1)
	assert.Equal(t, "ERROR: func pool exhausted", td.Errors[0])
}

func TestAnalysisRequiresTraces(t *testing.T) {
	fn := writeTrace(t, "INFO: runtime 1\n")
	td, err := ReadTrace(fn, "")
	require.NoError(t, err)

	_, err = NewAnalysis(td, nil, false)
	assert.ErrorIs(t, err, ErrIncompleteInput)
}
